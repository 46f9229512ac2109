package optimize

import (
	"context"
	"math"
	"sort"
	"time"

	"schoolbus/backend/model"
	"schoolbus/backend/travel"
)

// openChainPenalty prices the "new bus" column in the repair assignment.
// It dominates any feasible insertion deadhead so reinsertion is preferred.
const openChainPenalty = 1e4

// lnsRound performs one destroy-repair step: remove a fraction of the
// routes with the rolled destroy operator, then reinsert them with the
// rolled repair operator. The produced neighbor always contains every
// route; reinsertions that fit nowhere open a fresh chain.
func (ls *LocalSearch) lnsRound(ctx context.Context, cur *Solution) *Solution {
	total := cur.routeCount()
	if total < 2 {
		return nil
	}
	q := int(ls.destroyRate * float64(total))
	if q < 1 {
		q = 1
	}
	if q > total-1 {
		q = total - 1
	}

	ls.lastDestroy = ls.roll(ls.destroyWeights)
	removed := ls.destroy(cur, ls.destroyNames[ls.lastDestroy], q)
	if len(removed) == 0 {
		return nil
	}
	removedSet := make(map[string]bool, len(removed))
	for _, id := range removed {
		removedSet[id] = true
	}

	partial := &Solution{}
	for _, c := range cur.Chains {
		keep := make([]string, 0, len(c.Items))
		for _, it := range c.Items {
			if !removedSet[it.RouteID] {
				keep = append(keep, it.RouteID)
			}
		}
		if len(keep) == 0 {
			continue
		}
		rebuilt := ls.rebuildCanonical(ctx, c.ID, keep)
		if rebuilt == nil {
			return nil
		}
		partial.Chains = append(partial.Chains, rebuilt)
	}

	ls.lastRepair = ls.roll(ls.repairWeights)
	switch ls.repairNames[ls.lastRepair] {
	case "regret2":
		ls.repairRegret(ctx, partial, removed)
	case "ilp_subproblem":
		ls.repairAssignment(ctx, partial, removed)
	default:
		ls.repairGreedy(ctx, partial, removed)
	}
	return partial
}

// destroy selects route ids to remove.
func (ls *LocalSearch) destroy(cur *Solution, op string, q int) []string {
	all := ls.allPlaced(cur)
	if len(all) == 0 {
		return nil
	}
	switch op {
	case "worst":
		sort.SliceStable(all, func(i, j int) bool {
			ci := all[i].item.DeadheadMin + all[i].item.ShiftMin
			cj := all[j].item.DeadheadMin + all[j].item.ShiftMin
			if ci != cj {
				return ci > cj
			}
			return all[i].item.RouteID < all[j].item.RouteID
		})
		return placedIDs(all[:q])
	case "related":
		seed := all[ls.rng.Intn(len(all))]
		ls.sortByDistance(all, seed)
		return placedIDs(all[:q])
	case "cluster":
		seed := all[ls.rng.Intn(len(all))]
		school := ls.Checker.Routes[seed.item.RouteID].SchoolID
		same := make([]placed, 0)
		rest := make([]placed, 0)
		for _, p := range all {
			if ls.Checker.Routes[p.item.RouteID].SchoolID == school {
				same = append(same, p)
			} else {
				rest = append(rest, p)
			}
		}
		ls.sortByDistance(rest, seed)
		pool := append(same, rest...)
		return placedIDs(pool[:q])
	case "shaw":
		seed := all[ls.rng.Intn(len(all))]
		ls.sortByShaw(all, seed)
		return placedIDs(all[:q])
	default: // random
		ls.rng.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
		return placedIDs(all[:q])
	}
}

type placed struct{ item model.DutyItem }

func (ls *LocalSearch) allPlaced(cur *Solution) []placed {
	out := make([]placed, 0)
	for _, c := range cur.Chains {
		for _, it := range c.Items {
			out = append(out, placed{item: it})
		}
	}
	return out
}

func placedIDs(ps []placed) []string {
	ids := make([]string, len(ps))
	for i, p := range ps {
		ids[i] = p.item.RouteID
	}
	return ids
}

func (ls *LocalSearch) routeDistanceKM(aID, bID string) float64 {
	ra, rb := ls.Checker.Routes[aID], ls.Checker.Routes[bID]
	return travel.HaversineKM(
		ra.FirstStop().Latitude, ra.FirstStop().Longitude,
		rb.FirstStop().Latitude, rb.FirstStop().Longitude)
}

func (ls *LocalSearch) sortByDistance(ps []placed, seed placed) {
	sort.SliceStable(ps, func(i, j int) bool {
		di := ls.routeDistanceKM(ps[i].item.RouteID, seed.item.RouteID)
		dj := ls.routeDistanceKM(ps[j].item.RouteID, seed.item.RouteID)
		if di != dj {
			return di < dj
		}
		return ps[i].item.RouteID < ps[j].item.RouteID
	})
}

// sortByShaw orders by mixed distance + anchor-time similarity to the seed.
func (ls *LocalSearch) sortByShaw(ps []placed, seed placed) {
	seedRoute := ls.Checker.Routes[seed.item.RouteID]
	sim := func(id string) float64 {
		r := ls.Checker.Routes[id]
		d := ls.routeDistanceKM(id, seed.item.RouteID)
		t := math.Abs(float64(r.Anchor - seedRoute.Anchor))
		return d/10.0 + t/60.0
	}
	sort.SliceStable(ps, func(i, j int) bool {
		si, sj := sim(ps[i].item.RouteID), sim(ps[j].item.RouteID)
		if si != sj {
			return si < sj
		}
		return ps[i].item.RouteID < ps[j].item.RouteID
	})
}

// insertion describes the best way to reinsert one route.
type insertion struct {
	chainIdx int // -1 opens a new chain
	cost     float64
	shift    int
}

// tryInsert evaluates inserting a route into one chain; the returned cost
// is the chain's deadhead growth in minutes.
func (ls *LocalSearch) tryInsert(ctx context.Context, c *Chain, routeID string) (insertion, bool) {
	rebuilt := ls.rebuildCanonical(ctx, c.ID, append(chainRouteIDs(c), routeID))
	if rebuilt == nil {
		return insertion{}, false
	}
	return insertion{
		cost:  float64(chainDeadhead(rebuilt) - chainDeadhead(c)),
		shift: chainShift(rebuilt) - chainShift(c),
	}, true
}

func chainDeadhead(c *Chain) int {
	n := 0
	for _, it := range c.Items {
		n += it.DeadheadMin
	}
	return n
}

func chainShift(c *Chain) int {
	n := 0
	for _, it := range c.Items {
		n += it.ShiftMin
	}
	return n
}

func (ls *LocalSearch) bestInsertion(ctx context.Context, sol *Solution, routeID string) (insertion, insertion) {
	best := insertion{chainIdx: -1, cost: openChainPenalty}
	second := insertion{chainIdx: -1, cost: openChainPenalty}
	for i, c := range sol.Chains {
		ins, ok := ls.tryInsert(ctx, c, routeID)
		if !ok {
			continue
		}
		ins.chainIdx = i
		if ins.cost < best.cost || (ins.cost == best.cost && ins.shift < best.shift) {
			second = best
			best = ins
		} else if ins.cost < second.cost {
			second = ins
		}
	}
	return best, second
}

func (ls *LocalSearch) applyInsertion(ctx context.Context, sol *Solution, routeID string, ins insertion) {
	if ins.chainIdx >= 0 {
		if rebuilt := ls.rebuildCanonical(ctx, sol.Chains[ins.chainIdx].ID,
			append(chainRouteIDs(sol.Chains[ins.chainIdx]), routeID)); rebuilt != nil {
			sol.Chains[ins.chainIdx] = rebuilt
			return
		}
	}
	r := ls.Checker.Routes[routeID]
	sol.Chains = append(sol.Chains, &Chain{
		ID: ls.newChainID(),
		Items: []model.DutyItem{{
			RouteID: routeID, Type: r.Type,
			Start: r.NaturalStart(), End: r.NaturalEnd(),
		}},
	})
}

// repairGreedy reinserts each removed route at its cheapest feasible spot.
func (ls *LocalSearch) repairGreedy(ctx context.Context, sol *Solution, removed []string) {
	ids := append([]string{}, removed...)
	sort.Strings(ids)
	for _, id := range ids {
		best, _ := ls.bestInsertion(ctx, sol, id)
		ls.applyInsertion(ctx, sol, id, best)
	}
}

// repairRegret reinserts the route with the largest regret (gap between its
// best and second-best insertion) first.
func (ls *LocalSearch) repairRegret(ctx context.Context, sol *Solution, removed []string) {
	ids := append([]string{}, removed...)
	sort.Strings(ids)
	for len(ids) > 0 {
		bestIdx := 0
		var bestIns insertion
		bestRegret := -1.0
		for i, id := range ids {
			b, s := ls.bestInsertion(ctx, sol, id)
			regret := s.cost - b.cost
			if regret > bestRegret {
				bestRegret = regret
				bestIdx, bestIns = i, b
			}
		}
		ls.applyInsertion(ctx, sol, ids[bestIdx], bestIns)
		ids = append(ids[:bestIdx], ids[bestIdx+1:]...)
	}
}

// repairAssignment reinserts removed routes by solving an assignment over
// (route, chain-or-new-bus) pairs, one insertion per chain per round.
func (ls *LocalSearch) repairAssignment(ctx context.Context, sol *Solution, removed []string) {
	ids := append([]string{}, removed...)
	sort.Strings(ids)
	nr, nc := len(ids), len(sol.Chains)
	n := nr
	if nc+nr > n {
		n = nc + nr
	}
	cost := make([][]float64, n)
	for i := range cost {
		cost[i] = make([]float64, n)
	}
	feasible := make([][]bool, nr)
	for i, id := range ids {
		feasible[i] = make([]bool, nc)
		for j := 0; j < n; j++ {
			switch {
			case j < nc:
				if ins, ok := ls.tryInsert(ctx, sol.Chains[j], id); ok {
					cost[i][j] = ins.cost
					feasible[i][j] = true
				} else {
					cost[i][j] = unassignedPenalty
				}
			default:
				cost[i][j] = openChainPenalty
			}
		}
	}
	deadline := time.Now().Add(time.Duration(ls.Opts.ILPTimeLimitSec) * time.Second)
	assign, _, err := ls.solver.Solve(cost, deadline)
	if err != nil {
		ls.repairGreedy(ctx, sol, ids)
		return
	}
	for i, id := range ids {
		j := assign[i]
		if j < nc && feasible[i][j] {
			ls.applyInsertion(ctx, sol, id, insertion{chainIdx: j})
		} else {
			ls.applyInsertion(ctx, sol, id, insertion{chainIdx: -1})
		}
	}
}
