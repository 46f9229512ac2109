// Package sim validates schedule robustness by Monte Carlo replay: travel
// times are perturbed under a chosen distribution and the schedule is
// replayed with its stated start times, counting transitions whose
// required travel exceeds the available gap.
package sim

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"schoolbus/backend/model"
	"schoolbus/backend/travel"
)

// Result is the robustness report for one schedule.
type Result struct {
	Simulations     int     `json:"simulations"`
	FeasibilityRate float64 `json:"feasibility_rate"`
	CILow           float64 `json:"ci_low"`
	CIHigh          float64 `json:"ci_high"`
	MeanViolations  float64 `json:"mean_violations"`
	Grade           string  `json:"grade"`
	Recommendation  string  `json:"recommendation"`
}

// GradeFor maps a feasibility rate to its letter grade.
func GradeFor(rate float64) string {
	switch {
	case rate >= 0.95:
		return "A"
	case rate >= 0.85:
		return "B"
	case rate >= 0.70:
		return "C"
	case rate >= 0.50:
		return "D"
	default:
		return "F"
	}
}

var recommendations = map[string]string{
	"A": "schedule is robust under travel-time uncertainty",
	"B": "schedule is mostly robust; review the tightest transitions",
	"C": "schedule is fragile; add buffer to tight transitions",
	"D": "schedule is unreliable; increase buffers or reduce chaining",
	"F": "schedule is not operable under uncertainty; rebuild with larger buffers",
}

// transition is one same-bus handover to replay.
type transition struct {
	pair    travel.Pair
	gapMin  float64
	baseMin float64
}

// Validator replays a schedule under perturbed travel times.
type Validator struct {
	opts model.MonteCarloOptions
	log  zerolog.Logger
}

// NewValidator builds a validator; options are normalized here.
func NewValidator(opts model.MonteCarloOptions, log zerolog.Logger) *Validator {
	return &Validator{
		opts: opts.Normalize(),
		log:  log.With().Str("component", "sim.montecarlo").Logger(),
	}
}

// Validate runs the configured number of simulations. A fixed seed makes
// two runs produce identical results.
func (v *Validator) Validate(ctx context.Context, duties []model.BusDuty, routes []model.Route, m *travel.Matrix) (*Result, error) {
	idx := make(map[string]*model.Route, len(routes))
	for i := range routes {
		idx[routes[i].ID] = &routes[i]
	}
	transitions := make([]transition, 0)
	for _, d := range duties {
		for i := 1; i < len(d.Items); i++ {
			a, b := d.Items[i-1], d.Items[i]
			ra, rb := idx[a.RouteID], idx[b.RouteID]
			if ra == nil || rb == nil {
				continue
			}
			pair := travel.Pair{From: ra.LastStop().ID, To: rb.FirstStop().ID}
			transitions = append(transitions, transition{
				pair:    pair,
				gapMin:  float64(b.Start - a.End),
				baseMin: m.Get(ctx, pair.From, pair.To),
			})
		}
	}

	seed := v.opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	sampler := newSampler(v.opts.Distribution, *v.opts.Sigma, rng)

	feasible := 0
	totalViolations := 0
	for s := 0; s < v.opts.Simulations; s++ {
		if s%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		violations := 0
		for _, t := range transitions {
			perturbed := t.baseMin * sampler.next()
			if perturbed > t.gapMin {
				violations++
			}
		}
		if violations == 0 {
			feasible++
		}
		totalViolations += violations
	}

	rate := 1.0
	if v.opts.Simulations > 0 {
		rate = float64(feasible) / float64(v.opts.Simulations)
	}
	lo, hi := wilson(feasible, v.opts.Simulations)
	grade := GradeFor(rate)
	res := &Result{
		Simulations:     v.opts.Simulations,
		FeasibilityRate: rate,
		CILow:           lo,
		CIHigh:          hi,
		MeanViolations:  float64(totalViolations) / float64(v.opts.Simulations),
		Grade:           grade,
		Recommendation:  recommendations[grade],
	}
	v.log.Info().Int("simulations", res.Simulations).Float64("rate", rate).Str("grade", grade).Msg("validation finished")
	return res, nil
}
