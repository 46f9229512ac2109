package optimize

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"schoolbus/backend/model"
)

// unassignedPenalty keeps a chain on its own bus. Any real pairing beats
// it, and the padded matrix stays finite for the solver.
const unassignedPenalty = 1e6

// BlockMatcher pairs morning entry chains with afternoon exit chains so a
// single bus serves both halves of the day. The pairing is a minimum-weight
// perfect matching over a square matrix padded with penalty dummies; the
// exact solver is bounded by a pair budget and a time limit, after which a
// greedy matching takes over.
type BlockMatcher struct {
	Checker   *Checker
	Solver    AssignmentSolver
	Fallback  AssignmentSolver
	TimeLimit time.Duration
	MaxPairs  int
	Log       zerolog.Logger
}

// NewBlockMatcher builds a matcher with the Hungarian solver and greedy
// fallback.
func NewBlockMatcher(ck *Checker, opts model.OptimizerOptions, log zerolog.Logger) *BlockMatcher {
	return &BlockMatcher{
		Checker:   ck,
		Solver:    HungarianSolver{},
		Fallback:  GreedySolver{},
		TimeLimit: time.Duration(opts.ILPTimeLimitSec) * time.Second,
		MaxPairs:  opts.ILPMaxPairs,
		Log:       log.With().Str("component", "optimize.match").Logger(),
	}
}

// Match merges entry and exit chains into full-day duties. Unmatched chains
// become half-day duties on their own bus.
func (m *BlockMatcher) Match(ctx context.Context, entries, exits []*Chain) ([]*Chain, error) {
	if len(entries) == 0 || len(exits) == 0 {
		out := make([]*Chain, 0, len(entries)+len(exits))
		out = append(out, entries...)
		out = append(out, exits...)
		return out, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n := len(entries)
	if len(exits) > n {
		n = len(exits)
	}
	if len(entries)*len(exits) > m.MaxPairs {
		m.Log.Warn().Int("pairs", len(entries)*len(exits)).Int("budget", m.MaxPairs).
			Msg("pair budget exceeded, using greedy matching")
		return m.solve(ctx, entries, exits, n, m.Fallback, time.Time{})
	}

	deadline := time.Now().Add(m.TimeLimit)
	merged, err := m.solve(ctx, entries, exits, n, m.Solver, deadline)
	if err != nil {
		m.Log.Warn().Err(err).Msg("exact matching timed out, using greedy matching")
		return m.solve(ctx, entries, exits, n, m.Fallback, time.Time{})
	}
	return merged, nil
}

func (m *BlockMatcher) solve(ctx context.Context, entries, exits []*Chain, n int, solver AssignmentSolver, deadline time.Time) ([]*Chain, error) {
	cost := make([][]float64, n)
	for i := range cost {
		cost[i] = make([]float64, n)
		for j := range cost[i] {
			cost[i][j] = unassignedPenalty // dummy rows/columns and infeasible pairs
		}
	}
	for i, ec := range entries {
		for j, xc := range exits {
			if dh, ok := m.edge(ctx, ec, xc); ok {
				cost[i][j] = float64(dh)
			}
		}
	}
	assign, _, err := solver.Solve(cost, deadline)
	if err != nil {
		return nil, fmt.Errorf("block matching: %w", err)
	}

	out := make([]*Chain, 0, n)
	usedExit := make([]bool, len(exits))
	for i, ec := range entries {
		j := assign[i]
		if j < len(exits) && cost[i][j] < unassignedPenalty {
			xc := exits[j]
			dh := int(cost[i][j])
			merged := &Chain{ID: ec.ID, Items: append([]model.DutyItem{}, ec.Items...)}
			for k, it := range xc.Items {
				if k == 0 {
					it.DeadheadMin = dh
				}
				merged.Items = append(merged.Items, it)
			}
			out = append(out, merged)
			usedExit[j] = true
			continue
		}
		out = append(out, ec)
	}
	for j, xc := range exits {
		if !usedExit[j] {
			out = append(out, xc)
		}
	}
	return out, nil
}

// edge reports whether the exit chain can follow the entry chain on one bus
// and the deadhead minutes of the transition.
func (m *BlockMatcher) edge(ctx context.Context, entry, exit *Chain) (int, bool) {
	a := entry.last()
	first := exit.Items[0]
	r := m.Checker.Routes[first.RouteID]
	if r == nil {
		return 0, false
	}
	dh := m.Checker.Deadhead(ctx, a, r)
	if dh > m.Checker.MaxReasonableTravel {
		return 0, false
	}
	if first.Start < a.End+model.TimeOfDay(dh+m.Checker.BufferMin) {
		return 0, false
	}
	return dh, true
}
