package optimize

import (
	"context"
	"fmt"
	"sort"

	"schoolbus/backend/model"
)

// Chain is an ordered sequence of duty items meant for one bus. During
// construction entries and exits are chained separately; the block matcher
// later merges them into full-day duties.
type Chain struct {
	ID    string
	Items []model.DutyItem
}

func (c *Chain) last() model.DutyItem { return c.Items[len(c.Items)-1] }

// ChainBuilder turns a pool of same-type routes into feasible bus chains.
// Construction is greedy by anchor time with cheapest feasible append;
// regret-k selection is used when configured. Identical input always yields
// identical chains: candidate ties break on deadhead, then induced shift,
// then chain id, and routes are visited in stable sorted order.
type ChainBuilder struct {
	Checker *Checker
	RegretK int

	nextID int
}

// NewChainBuilder builds a chain builder over the given checker.
func NewChainBuilder(ch *Checker, regretK int) *ChainBuilder {
	return &ChainBuilder{Checker: ch, RegretK: regretK}
}

// appendPlan describes a feasible append of a route to a chain.
type appendPlan struct {
	start    model.TimeOfDay
	deadhead int
	induced  int // total extra advance applied to earlier items
}

func (p appendPlan) betterThan(q appendPlan, pid, qid string) bool {
	if p.deadhead != q.deadhead {
		return p.deadhead < q.deadhead
	}
	if p.induced != q.induced {
		return p.induced < q.induced
	}
	return pid < qid
}

// cost is the scalar used for regret comparison only.
func (p appendPlan) cost() float64 { return float64(p.deadhead) + 0.1*float64(p.induced) }

// Build chains all routes of the pool. Routes whose duration exceeds their
// anchor window cannot be scheduled at all and abort the build.
func (b *ChainBuilder) Build(ctx context.Context, routes []model.Route) ([]*Chain, error) {
	pool := make([]*model.Route, 0, len(routes))
	for i := range routes {
		r := &routes[i]
		if r.Type == model.RouteEntry && r.NaturalStart() < 0 {
			return nil, fmt.Errorf("route %s: duration %d min exceeds anchor window", r.ID, r.Duration)
		}
		if !b.Checker.CapacityOK(r) {
			return nil, fmt.Errorf("route %s: peak load %d exceeds bus capacity %d", r.ID, r.PeakLoad(), b.Checker.BusCapacity)
		}
		pool = append(pool, r)
	}
	if b.RegretK >= 2 {
		return b.buildRegret(ctx, pool)
	}
	return b.buildGreedy(ctx, pool)
}

func (b *ChainBuilder) buildGreedy(ctx context.Context, pool []*model.Route) ([]*Chain, error) {
	ordered := make([]*model.Route, len(pool))
	copy(ordered, pool)
	sortRoutePtrs(ordered)

	chains := make([]*Chain, 0)
	for _, r := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var best *Chain
		var bestPlan appendPlan
		for _, c := range chains {
			plan, fail := b.evalAppend(ctx, c, r)
			if fail != nil {
				continue
			}
			if best == nil || plan.betterThan(bestPlan, c.ID, best.ID) {
				best, bestPlan = c, plan
			}
		}
		if best == nil {
			chains = append(chains, b.openChain(r))
			continue
		}
		b.commit(best, r, bestPlan)
	}
	return chains, nil
}

// buildRegret assigns the route with the largest regret first: the cost gap
// between its best and k-th best feasible insertion.
func (b *ChainBuilder) buildRegret(ctx context.Context, pool []*model.Route) ([]*Chain, error) {
	remaining := make([]*model.Route, len(pool))
	copy(remaining, pool)
	sortRoutePtrs(remaining)

	chains := make([]*Chain, 0)
	for len(remaining) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		type choice struct {
			idx    int
			chain  *Chain
			plan   appendPlan
			regret float64
			open   bool
		}
		var pick *choice
		for i, r := range remaining {
			costs := make([]float64, 0, len(chains))
			var best *Chain
			var bestPlan appendPlan
			for _, c := range chains {
				plan, fail := b.evalAppend(ctx, c, r)
				if fail != nil {
					continue
				}
				costs = append(costs, plan.cost())
				if best == nil || plan.betterThan(bestPlan, c.ID, best.ID) {
					best, bestPlan = c, plan
				}
			}
			ch := choice{idx: i, chain: best, plan: bestPlan}
			if best == nil {
				// no feasible insertion: must open a chain now
				ch.open = true
				ch.regret = inf
			} else {
				sort.Float64s(costs)
				kth := costs[len(costs)-1]
				if b.RegretK-1 < len(costs) {
					kth = costs[b.RegretK-1]
				}
				ch.regret = kth - costs[0]
			}
			if pick == nil || ch.regret > pick.regret {
				pick = &ch
			}
		}
		r := remaining[pick.idx]
		if pick.open {
			chains = append(chains, b.openChain(r))
		} else {
			b.commit(pick.chain, r, pick.plan)
		}
		remaining = append(remaining[:pick.idx], remaining[pick.idx+1:]...)
	}
	return chains, nil
}

func (b *ChainBuilder) openChain(r *model.Route) *Chain {
	b.nextID++
	c := &Chain{ID: fmt.Sprintf("C%03d", b.nextID)}
	c.Items = append(c.Items, model.DutyItem{
		RouteID: r.ID,
		Type:    r.Type,
		Start:   r.NaturalStart(),
		End:     r.NaturalEnd(),
	})
	return c
}

func (b *ChainBuilder) commit(c *Chain, r *model.Route, plan appendPlan) {
	if plan.induced > 0 {
		advanceTail(c, plan.induced, b.Checker.BufferMin)
	}
	c.Items = append(c.Items, model.DutyItem{
		RouteID:     r.ID,
		Type:        r.Type,
		Start:       plan.start,
		End:         plan.start + model.TimeOfDay(r.Duration),
		DeadheadMin: plan.deadhead,
	})
}

// evalAppend plans appending r after the chain's last item without
// mutating the chain. When the natural start is too early, the plan shifts
// the existing tail earlier within each item's remaining shift allowance.
func (b *ChainBuilder) evalAppend(ctx context.Context, c *Chain, r *model.Route) (appendPlan, *Infeasibility) {
	ck := b.Checker
	a := c.last()
	dh := ck.Deadhead(ctx, a, r)
	if dh > ck.MaxReasonableTravel {
		return appendPlan{}, &Infeasibility{Kind: FailUnreachable,
			Detail: fmt.Sprintf("deadhead %d min exceeds %d min", dh, ck.MaxReasonableTravel)}
	}
	if ck.BusCapacity > 0 && r.PeakLoad() > ck.BusCapacity {
		return appendPlan{}, &Infeasibility{Kind: FailCapacity,
			Detail: fmt.Sprintf("peak load %d exceeds %d seats", r.PeakLoad(), ck.BusCapacity)}
	}
	natural := r.NaturalStart()
	required := a.End + model.TimeOfDay(dh+ck.BufferMin)
	if required <= natural {
		return appendPlan{start: natural, deadhead: dh}, nil
	}
	deficit := int(required - natural)
	if deficit > b.maxAdvance(c) {
		return appendPlan{}, &Infeasibility{Kind: FailTransitionTime,
			Detail: fmt.Sprintf("route %s needs %d min more than the chain can absorb", r.ID, deficit)}
	}
	return appendPlan{start: natural, deadhead: dh, induced: deficit}, nil
}

// maxAdvance computes how many minutes the chain's last item can be moved
// earlier, cascading slack and shift allowance through its predecessors.
func (b *ChainBuilder) maxAdvance(c *Chain) int {
	adv := 0
	for i, it := range c.Items {
		allow := b.itemShiftAllowance(it)
		if i == 0 {
			adv = allow
			continue
		}
		prev := c.Items[i-1]
		gap := int(it.Start - prev.End - model.TimeOfDay(it.DeadheadMin+b.Checker.BufferMin))
		room := gap + adv
		if allow < room {
			room = allow
		}
		adv = room
	}
	return adv
}

func (b *ChainBuilder) itemShiftAllowance(it model.DutyItem) int {
	if it.Type == model.RouteExit {
		return 0
	}
	allow := b.Checker.MaxShiftMin - it.ShiftMin
	if allow < 0 {
		allow = 0
	}
	return allow
}

// advanceTail moves the chain's last item earlier by delta minutes,
// carrying the remainder past each item's idle gap into its predecessor.
// Callers must have verified delta against maxAdvance.
func advanceTail(c *Chain, delta, bufferMin int) {
	need := delta
	for i := len(c.Items) - 1; i >= 0 && need > 0; i-- {
		it := &c.Items[i]
		carry := 0
		if i > 0 {
			prev := c.Items[i-1]
			gap := int(it.Start - prev.End - model.TimeOfDay(it.DeadheadMin+bufferMin))
			if need > gap {
				carry = need - gap
			}
		}
		it.Start -= model.TimeOfDay(need)
		it.End -= model.TimeOfDay(need)
		it.ShiftMin += need
		need = carry
	}
}

const inf = float64(1 << 30)

func sortRoutePtrs(rs []*model.Route) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Anchor != rs[j].Anchor {
			return rs[i].Anchor < rs[j].Anchor
		}
		return rs[i].ID < rs[j].ID
	})
}
