// Package optimize contains the route-to-bus scheduling core: feasibility
// checking, chain construction, block matching, local search and the
// multi-objective evaluator.
package optimize

import (
	"context"
	"fmt"

	"schoolbus/backend/model"
	"schoolbus/backend/travel"
)

// FailKind classifies why a route cannot follow a duty item.
type FailKind string

const (
	FailTransitionTime FailKind = "InsufficientTransitionTime"
	FailAnchorWindow   FailKind = "AnchorWindowViolation"
	FailCapacity       FailKind = "CapacityExceeded"
	FailUnreachable    FailKind = "UnreachablePair"
)

// Infeasibility reports the first violated chaining rule.
type Infeasibility struct {
	Kind   FailKind
	Detail string
}

func (e *Infeasibility) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Checker validates whether one route can follow another on the same bus.
// It is the single authority on chaining rules; builders and local search
// never re-implement them.
type Checker struct {
	Matrix *travel.Matrix
	Routes map[string]*model.Route

	BufferMin           int // global transition buffer
	MaxShiftMin         int // max minutes a start may be advanced
	BusCapacity         int // seats; 0 = unlimited
	MaxReasonableTravel int // minutes beyond which a pair is unreachable
}

// NewChecker builds a checker over the given route pool and options.
func NewChecker(m *travel.Matrix, routes []model.Route, opts model.OptimizerOptions) *Checker {
	idx := make(map[string]*model.Route, len(routes))
	for i := range routes {
		idx[routes[i].ID] = &routes[i]
	}
	return &Checker{
		Matrix:              m,
		Routes:              idx,
		BufferMin:           opts.TransitionBufferMin,
		MaxShiftMin:         opts.MaxTimeShiftMin,
		BusCapacity:         opts.BusCapacity,
		MaxReasonableTravel: opts.MaxReasonableTravel,
	}
}

// Deadhead returns the travel minutes from the end of item a to the start
// of route b, rounded up to whole minutes.
func (c *Checker) Deadhead(ctx context.Context, a model.DutyItem, b *model.Route) int {
	ra := c.Routes[a.RouteID]
	if ra == nil {
		return 0
	}
	mins := c.Matrix.Get(ctx, ra.LastStop().ID, b.FirstStop().ID)
	return ceilMinutes(mins)
}

// CanFollow applies the chaining rules in order; the first failure wins.
// A nil return means route b may start at startB on the bus that just ran a.
func (c *Checker) CanFollow(ctx context.Context, a model.DutyItem, b *model.Route, startB model.TimeOfDay) *Infeasibility {
	dh := c.Deadhead(ctx, a, b)

	// 1. Temporal order with buffer.
	earliest := a.End + model.TimeOfDay(dh+c.BufferMin)
	if startB < earliest {
		return &Infeasibility{Kind: FailTransitionTime,
			Detail: fmt.Sprintf("route %s needs start >= %s, got %s", b.ID, earliest, startB)}
	}

	// 2. Anchor window. Start may be advanced up to MaxShiftMin before the
	// natural start and never delayed past it.
	if v := c.CheckWindow(b, startB); v != nil {
		return v
	}

	// 3. Capacity.
	if c.BusCapacity > 0 {
		load := b.PeakLoad()
		if ra := c.Routes[a.RouteID]; ra != nil && ra.PeakLoad() > load {
			load = ra.PeakLoad()
		}
		if load > c.BusCapacity {
			return &Infeasibility{Kind: FailCapacity,
				Detail: fmt.Sprintf("peak load %d exceeds %d seats", load, c.BusCapacity)}
		}
	}

	// 4. Deadhead sanity.
	if dh > c.MaxReasonableTravel {
		return &Infeasibility{Kind: FailUnreachable,
			Detail: fmt.Sprintf("deadhead %d min exceeds %d min", dh, c.MaxReasonableTravel)}
	}
	return nil
}

// CheckWindow validates a start time against the route's anchor window.
// Exit routes depart exactly at their anchor; entry routes may be advanced
// up to the shift cap.
func (c *Checker) CheckWindow(b *model.Route, start model.TimeOfDay) *Infeasibility {
	natural := b.NaturalStart()
	if start > natural {
		return &Infeasibility{Kind: FailAnchorWindow,
			Detail: fmt.Sprintf("route %s start %s after natural start %s", b.ID, start, natural)}
	}
	maxShift := c.MaxShiftMin
	if b.Type == model.RouteExit {
		maxShift = 0
	}
	if start < natural-model.TimeOfDay(maxShift) {
		return &Infeasibility{Kind: FailAnchorWindow,
			Detail: fmt.Sprintf("route %s start %s shifted beyond %d min", b.ID, start, maxShift)}
	}
	return nil
}

// CapacityOK reports whether a single route fits the configured seats.
func (c *Checker) CapacityOK(r *model.Route) bool {
	return c.BusCapacity <= 0 || r.PeakLoad() <= c.BusCapacity
}

func ceilMinutes(v float64) int {
	n := int(v)
	if float64(n) < v {
		n++
	}
	return n
}
