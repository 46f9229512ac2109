package optimize

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"schoolbus/backend/model"
	"schoolbus/backend/sim"
	"schoolbus/backend/travel"
)

// Phase labels the fixed progress lattice of a run. The optimizer emits
// each phase in order with monotonically non-decreasing progress.
type Phase string

const (
	PhaseStarting      Phase = "starting"
	PhaseLoading       Phase = "loading"
	PhasePreprocessing Phase = "preprocessing"
	PhaseTravelMatrix  Phase = "travel_matrix"
	PhaseChains        Phase = "building_chains"
	PhaseMatching      Phase = "matching_blocks"
	PhaseLocalSearch   Phase = "local_search"
	PhaseFinalizing    Phase = "finalizing"
	PhaseStats         Phase = "calculating_stats"
	PhaseCompleted     Phase = "completed"
)

// Phases lists the lattice in execution order.
var Phases = []Phase{
	PhaseStarting, PhaseLoading, PhasePreprocessing, PhaseTravelMatrix,
	PhaseChains, PhaseMatching, PhaseLocalSearch, PhaseFinalizing,
	PhaseStats, PhaseCompleted,
}

// PhasePct maps each phase to its progress percentage.
var PhasePct = map[Phase]int{
	PhaseStarting:      0,
	PhaseLoading:       2,
	PhasePreprocessing: 5,
	PhaseTravelMatrix:  15,
	PhaseChains:        35,
	PhaseMatching:      60,
	PhaseLocalSearch:   80,
	PhaseFinalizing:    90,
	PhaseStats:         95,
	PhaseCompleted:     100,
}

// ProgressSink receives phase transitions from a running optimization.
type ProgressSink interface {
	Progress(phase Phase, pct int, message string)
}

// SinkFunc adapts a function to a ProgressSink.
type SinkFunc func(phase Phase, pct int, message string)

func (f SinkFunc) Progress(phase Phase, pct int, message string) { f(phase, pct, message) }

// NopSink discards progress.
var NopSink ProgressSink = SinkFunc(func(Phase, int, string) {})

// Result is the outcome of one optimization run.
type Result struct {
	Schedule   model.DaySchedule `json:"schedule"`
	Score      float64           `json:"score"`
	Breakdown  Breakdown         `json:"breakdown"`
	MonteCarlo *sim.Result       `json:"monte_carlo,omitempty"`
}

// Optimizer drives the full pipeline: matrix, chains, block matching,
// local search, scoring and optional robustness validation. One Optimizer
// may serve many jobs; each Run builds its own per-job matrix.
type Optimizer struct {
	Provider      travel.Provider
	Shared        *travel.SharedCache
	FallbackSpeed float64
	DetourFactor  float64

	// Defaults backstops zero-valued per-request tuning options with the
	// service configuration. Request values always win.
	Defaults model.OptimizerOptions

	Log zerolog.Logger
}

// Run executes the pipeline for one request. Cancellation is honored at
// every phase boundary and inside the local-search loop.
func (o *Optimizer) Run(ctx context.Context, req *model.OptimizeRequest, sink ProgressSink) (*Result, error) {
	if sink == nil {
		sink = NopSink
	}
	log := o.Log.With().Str("component", "optimize").Logger()
	opts := req.Options.ApplyDefaults(o.Defaults).Normalize()

	emit := func(p Phase, msg string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		sink.Progress(p, PhasePct[p], msg)
		return nil
	}

	if err := emit(PhaseStarting, "optimization started"); err != nil {
		return nil, err
	}

	if err := emit(PhaseLoading, fmt.Sprintf("loading %d routes", len(req.Routes))); err != nil {
		return nil, err
	}
	if err := model.ValidateRoutes(req.Routes); err != nil {
		return nil, fmt.Errorf("invalid routes: %w", err)
	}

	if err := emit(PhasePreprocessing, "normalizing route pool"); err != nil {
		return nil, err
	}
	routes := make([]model.Route, len(req.Routes))
	copy(routes, req.Routes)
	model.SortRoutes(routes)

	if err := emit(PhaseTravelMatrix, "resolving travel times"); err != nil {
		return nil, err
	}
	matrix := travel.NewMatrix(routes, travel.MatrixConfig{
		Provider:      o.Provider,
		Shared:        o.Shared,
		FallbackSpeed: o.FallbackSpeed,
		DetourFactor:  o.DetourFactor,
		Logger:        log,
	})
	matrix.Prefetch(ctx, transitionPairs(routes))
	if err := prepareDurations(ctx, routes, matrix); err != nil {
		return nil, err
	}

	checker := NewChecker(matrix, routes, opts)
	builder := NewChainBuilder(checker, opts.RegretK)

	if err := emit(PhaseChains, "building bus chains"); err != nil {
		return nil, err
	}
	var entries, exits []model.Route
	for _, r := range routes {
		if r.Type == model.RouteEntry {
			entries = append(entries, r)
		} else {
			exits = append(exits, r)
		}
	}
	entryChains, err := builder.Build(ctx, entries)
	if err != nil {
		return nil, err
	}
	exitChains, err := builder.Build(ctx, exits)
	if err != nil {
		return nil, err
	}
	// The checker indexes the sorted copy; rebuild it over the split slices
	// so chain items resolve to the same backing routes.
	checker = NewChecker(matrix, routes, opts)

	if err := emit(PhaseMatching, fmt.Sprintf("matching %d entry and %d exit chains", len(entryChains), len(exitChains))); err != nil {
		return nil, err
	}
	matcher := NewBlockMatcher(checker, opts, log)
	merged, err := matcher.Match(ctx, entryChains, exitChains)
	if err != nil {
		return nil, err
	}

	if err := emit(PhaseLocalSearch, "refining schedule"); err != nil {
		return nil, err
	}
	evaluator := NewEvaluator(opts.EffectiveWeights())
	search := NewLocalSearch(checker, evaluator, opts, log)
	refined, score, err := search.Run(ctx, &Solution{Chains: merged})
	if err != nil {
		return nil, err
	}

	if err := emit(PhaseFinalizing, "finalizing schedule"); err != nil {
		return nil, err
	}
	duties := refined.Duties()
	res := &Result{Score: score, Breakdown: evaluator.Explain(duties)}
	if matrix.UsedFallback() {
		res.Schedule.Warnings = append(res.Schedule.Warnings,
			"PROVIDER_UNAVAILABLE: travel-time provider failed, pessimistic estimates in use")
	}
	if opts.Validate {
		mc := model.MonteCarloOptions{}
		if opts.MonteCarlo != nil {
			mc = *opts.MonteCarlo
		}
		v := sim.NewValidator(mc, log)
		mcRes, err := v.Validate(ctx, duties, routes, matrix)
		if err != nil {
			return nil, err
		}
		res.MonteCarlo = mcRes
	}

	if err := emit(PhaseStats, "calculating statistics"); err != nil {
		return nil, err
	}
	res.Schedule.Day = opts.Day
	res.Schedule.Duties = duties
	res.Schedule.Stats = ComputeStats(duties)

	if err := emit(PhaseCompleted, fmt.Sprintf("completed with %d buses", res.Schedule.Stats.Buses)); err != nil {
		return nil, err
	}
	log.Info().Int("buses", res.Schedule.Stats.Buses).Float64("score", score).Msg("optimization finished")
	return res, nil
}

// transitionPairs lists every pair the pipeline will ask the matrix for:
// consecutive stops within each route plus the end-to-start hop between
// every ordered route pair. Resolving them up front lets a batch-capable
// provider answer with one table call instead of O(n²) point queries.
func transitionPairs(routes []model.Route) []travel.Pair {
	var pairs []travel.Pair
	for i := range routes {
		for j := 0; j+1 < len(routes[i].Stops); j++ {
			pairs = append(pairs, travel.Pair{From: routes[i].Stops[j].ID, To: routes[i].Stops[j+1].ID})
		}
	}
	for i := range routes {
		for j := range routes {
			if i == j || len(routes[i].Stops) == 0 || len(routes[j].Stops) == 0 {
				continue
			}
			pairs = append(pairs, travel.Pair{
				From: routes[i].Stops[len(routes[i].Stops)-1].ID,
				To:   routes[j].Stops[0].ID,
			})
		}
	}
	return pairs
}

// prepareDurations fills each route's service duration from the matrix.
func prepareDurations(ctx context.Context, routes []model.Route, m *travel.Matrix) error {
	for i := range routes {
		if err := ctx.Err(); err != nil {
			return err
		}
		r := &routes[i]
		total := 0.0
		for j := 0; j+1 < len(r.Stops); j++ {
			total += m.Get(ctx, r.Stops[j].ID, r.Stops[j+1].ID)
		}
		r.Duration = ceilMinutes(total)
	}
	return nil
}
