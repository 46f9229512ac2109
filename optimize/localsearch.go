package optimize

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"schoolbus/backend/model"
)

// Solution is a mutable working copy of a schedule during refinement.
type Solution struct {
	Chains []*Chain
}

// Clone deep-copies a solution.
func (s *Solution) Clone() *Solution {
	out := &Solution{Chains: make([]*Chain, len(s.Chains))}
	for i, c := range s.Chains {
		cc := &Chain{ID: c.ID, Items: make([]model.DutyItem, len(c.Items))}
		copy(cc.Items, c.Items)
		out.Chains[i] = cc
	}
	return out
}

// Duties converts the solution to its wire representation.
func (s *Solution) Duties() []model.BusDuty {
	duties := make([]model.BusDuty, 0, len(s.Chains))
	for i, c := range s.Chains {
		if len(c.Items) == 0 {
			continue
		}
		duties = append(duties, model.BusDuty{
			BusID: fmt.Sprintf("bus-%02d", i+1),
			Items: append([]model.DutyItem{}, c.Items...),
		})
	}
	return duties
}

func (s *Solution) routeCount() int {
	n := 0
	for _, c := range s.Chains {
		n += len(c.Items)
	}
	return n
}

// Simulated annealing parameters (geometric cooling).
const (
	saInitialTempFactor = 0.05
	saCoolingFactor     = 0.995
	saMinTemp           = 1e-4
)

// Adaptive operator roulette parameters.
const (
	rewardBest     = 3.0
	rewardAccepted = 1.0
	weightDecay    = 0.9
	decayEvery     = 50
	weightMin      = 0.1
	weightMax      = 10.0
)

// LocalSearch refines a feasible schedule with neighborhood moves and
// large-neighborhood destroy/repair, accepted by simulated annealing.
// Operator choice is an adaptive weighted roulette; all randomness flows
// from a single seeded source so identical input reproduces identical
// schedules.
type LocalSearch struct {
	Checker   *Checker
	Evaluator *Evaluator
	Opts      model.OptimizerOptions
	Log       zerolog.Logger

	rng         *rand.Rand
	builder     *ChainBuilder
	solver      AssignmentSolver
	nextChainID int

	opNames   []string
	opWeights []float64

	destroyNames   []string
	destroyWeights []float64
	repairNames    []string
	repairWeights  []float64
	destroyRate    float64
	sinceImprove   int
	improveStreak  int
	lastDestroy    int
	lastRepair     int
}

// NewLocalSearch builds a refiner over the given checker and evaluator.
func NewLocalSearch(ck *Checker, ev *Evaluator, opts model.OptimizerOptions, log zerolog.Logger) *LocalSearch {
	seed := opts.Seed
	if seed == 0 {
		seed = 1
	}
	ls := &LocalSearch{
		Checker:      ck,
		Evaluator:    ev,
		Opts:         opts,
		Log:          log.With().Str("component", "optimize.localsearch").Logger(),
		rng:          rand.New(rand.NewSource(seed)),
		builder:      NewChainBuilder(ck, 0),
		solver:       HungarianSolver{},
		opNames:      []string{"relocate", "swap", "2opt", "merge", "split", "interblock", "lns"},
		destroyNames: []string{"random", "worst", "related", "cluster", "shaw"},
		repairNames:  []string{"greedy", "regret2", "ilp_subproblem"},
		destroyRate:  opts.DestroyRate,
	}
	ls.opWeights = uniformWeights(len(ls.opNames))
	ls.destroyWeights = uniformWeights(len(ls.destroyNames))
	ls.repairWeights = uniformWeights(len(ls.repairNames))
	return ls
}

func uniformWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1
	}
	return w
}

// Run refines the initial solution until the iteration budget, the wall
// time budget, or the patience limit is hit. Cancellation is honored every
// iteration.
func (ls *LocalSearch) Run(ctx context.Context, initial *Solution) (*Solution, float64, error) {
	best := initial.Clone()
	bestScore := ls.score(best)
	cur := initial.Clone()
	curScore := bestScore

	temp := saInitialTempFactor * bestScore
	if temp < saMinTemp {
		temp = saMinTemp
	}
	deadline := time.Now().Add(time.Duration(ls.Opts.TimeBudgetSec) * time.Second)
	noImprove := 0

	for iter := 0; iter < ls.Opts.IterationBudget; iter++ {
		if err := ctx.Err(); err != nil {
			return best, bestScore, err
		}
		if time.Now().After(deadline) {
			ls.Log.Debug().Int("iteration", iter).Msg("time budget exhausted")
			break
		}
		if noImprove >= ls.Opts.Patience {
			ls.Log.Debug().Int("iteration", iter).Msg("early stop, patience exhausted")
			break
		}
		if iter > 0 && iter%decayEvery == 0 {
			decayWeights(ls.opWeights)
			decayWeights(ls.destroyWeights)
			decayWeights(ls.repairWeights)
		}

		opIdx := ls.roll(ls.opWeights)
		neighbor := ls.applyOperator(ctx, ls.opNames[opIdx], cur)
		if neighbor == nil {
			noImprove++
			temp = cool(temp)
			continue
		}
		score := ls.score(neighbor)
		delta := score - curScore
		accepted := delta < 0
		if !accepted && temp > 0 {
			accepted = ls.rng.Float64() < math.Exp(-delta/temp)
		}
		if accepted {
			cur, curScore = neighbor, score
			if score < bestScore-1e-9 {
				best, bestScore = neighbor.Clone(), score
				ls.rewardRound(opIdx, rewardBest)
				ls.noteImprovement(true)
				noImprove = 0
			} else {
				ls.rewardRound(opIdx, rewardAccepted)
				ls.noteImprovement(false)
				noImprove++
			}
		} else {
			ls.noteImprovement(false)
			noImprove++
		}
		temp = cool(temp)
	}
	return best, bestScore, nil
}

func cool(t float64) float64 {
	t *= saCoolingFactor
	if t < saMinTemp {
		t = saMinTemp
	}
	return t
}

func (ls *LocalSearch) score(s *Solution) float64 {
	return ls.Evaluator.Score(s.Duties())
}

func (ls *LocalSearch) roll(weights []float64) int {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	x := ls.rng.Float64() * total
	for i, w := range weights {
		x -= w
		if x <= 0 {
			return i
		}
	}
	return len(weights) - 1
}

func (ls *LocalSearch) reward(weights []float64, i int, r float64) {
	weights[i] += r
	if weights[i] > weightMax {
		weights[i] = weightMax
	}
}

// rewardRound credits the neighborhood operator and, for LNS rounds, the
// destroy/repair pair that produced the neighbor.
func (ls *LocalSearch) rewardRound(opIdx int, r float64) {
	ls.reward(ls.opWeights, opIdx, r)
	if ls.opNames[opIdx] == "lns" {
		ls.reward(ls.destroyWeights, ls.lastDestroy, r)
		ls.reward(ls.repairWeights, ls.lastRepair, r)
	}
}

func decayWeights(weights []float64) {
	for i := range weights {
		weights[i] *= weightDecay
		if weights[i] < weightMin {
			weights[i] = weightMin
		}
	}
}

// noteImprovement adapts the LNS destroy rate: widen after sustained
// stagnation, narrow after an improving streak.
func (ls *LocalSearch) noteImprovement(improved bool) {
	if improved {
		ls.improveStreak++
		ls.sinceImprove = 0
		if ls.improveStreak >= 3 {
			ls.destroyRate -= 0.05
			ls.improveStreak = 0
		}
	} else {
		ls.sinceImprove++
		ls.improveStreak = 0
		if ls.sinceImprove >= 10 {
			ls.destroyRate += 0.05
			ls.sinceImprove = 0
		}
	}
	if ls.destroyRate < 0.1 {
		ls.destroyRate = 0.1
	}
	if ls.destroyRate > 0.5 {
		ls.destroyRate = 0.5
	}
}

// applyOperator produces a feasible neighbor or nil when the move does not
// apply to the current solution.
func (ls *LocalSearch) applyOperator(ctx context.Context, name string, cur *Solution) *Solution {
	switch name {
	case "relocate":
		return ls.relocate(ctx, cur)
	case "swap":
		return ls.swap(ctx, cur)
	case "2opt":
		return ls.twoOptChain(ctx, cur)
	case "merge":
		return ls.mergeChains(ctx, cur)
	case "split":
		return ls.splitChain(ctx, cur)
	case "interblock":
		return ls.interblockSwap(ctx, cur)
	case "lns":
		return ls.lnsRound(ctx, cur)
	}
	return nil
}

// rebuildInOrder re-times a sequence of routes executed in the given order,
// advancing earlier items within their shift allowance when needed.
// Returns nil when the order is temporally infeasible.
func (ls *LocalSearch) rebuildInOrder(ctx context.Context, id string, routeIDs []string) *Chain {
	c := &Chain{ID: id}
	for _, rid := range routeIDs {
		r := ls.Checker.Routes[rid]
		if r == nil {
			return nil
		}
		if len(c.Items) == 0 {
			c.Items = append(c.Items, model.DutyItem{
				RouteID: rid, Type: r.Type,
				Start: r.NaturalStart(), End: r.NaturalEnd(),
			})
			continue
		}
		plan, fail := ls.builder.evalAppend(ctx, c, r)
		if fail != nil {
			return nil
		}
		ls.builder.commit(c, r, plan)
	}
	return c
}

// rebuildCanonical orders the routes by natural start before re-timing.
func (ls *LocalSearch) rebuildCanonical(ctx context.Context, id string, routeIDs []string) *Chain {
	ids := append([]string{}, routeIDs...)
	sort.SliceStable(ids, func(i, j int) bool {
		ri, rj := ls.Checker.Routes[ids[i]], ls.Checker.Routes[ids[j]]
		if ri.NaturalStart() != rj.NaturalStart() {
			return ri.NaturalStart() < rj.NaturalStart()
		}
		return ids[i] < ids[j]
	})
	return ls.rebuildInOrder(ctx, id, ids)
}

func chainRouteIDs(c *Chain) []string {
	ids := make([]string, len(c.Items))
	for i, it := range c.Items {
		ids[i] = it.RouteID
	}
	return ids
}

func (ls *LocalSearch) newChainID() string {
	ls.nextChainID++
	return fmt.Sprintf("L%03d", ls.nextChainID)
}

// replaceChains returns a copy of cur with the chains at the given indices
// replaced (nil replacement deletes the chain).
func replaceChains(cur *Solution, repl map[int]*Chain, extra ...*Chain) *Solution {
	out := &Solution{}
	for i, c := range cur.Chains {
		if r, ok := repl[i]; ok {
			if r != nil && len(r.Items) > 0 {
				out.Chains = append(out.Chains, r)
			}
			continue
		}
		cc := &Chain{ID: c.ID, Items: append([]model.DutyItem{}, c.Items...)}
		out.Chains = append(out.Chains, cc)
	}
	for _, c := range extra {
		if c != nil && len(c.Items) > 0 {
			out.Chains = append(out.Chains, c)
		}
	}
	return out
}

// relocate moves one route from one bus to another.
func (ls *LocalSearch) relocate(ctx context.Context, cur *Solution) *Solution {
	if len(cur.Chains) < 2 {
		return nil
	}
	ai := ls.rng.Intn(len(cur.Chains))
	bi := ls.rng.Intn(len(cur.Chains) - 1)
	if bi >= ai {
		bi++
	}
	a, b := cur.Chains[ai], cur.Chains[bi]
	if len(a.Items) == 0 {
		return nil
	}
	ri := ls.rng.Intn(len(a.Items))
	moved := a.Items[ri].RouteID

	aIDs := chainRouteIDs(a)
	aIDs = append(aIDs[:ri], aIDs[ri+1:]...)
	var newA *Chain
	if len(aIDs) > 0 {
		newA = ls.rebuildCanonical(ctx, a.ID, aIDs)
		if newA == nil {
			return nil
		}
	}
	newB := ls.rebuildCanonical(ctx, b.ID, append(chainRouteIDs(b), moved))
	if newB == nil {
		return nil
	}
	return replaceChains(cur, map[int]*Chain{ai: newA, bi: newB})
}

// swap exchanges two routes between buses.
func (ls *LocalSearch) swap(ctx context.Context, cur *Solution) *Solution {
	if len(cur.Chains) < 2 {
		return nil
	}
	ai := ls.rng.Intn(len(cur.Chains))
	bi := ls.rng.Intn(len(cur.Chains) - 1)
	if bi >= ai {
		bi++
	}
	a, b := cur.Chains[ai], cur.Chains[bi]
	if len(a.Items) == 0 || len(b.Items) == 0 {
		return nil
	}
	ri := ls.rng.Intn(len(a.Items))
	rj := ls.rng.Intn(len(b.Items))
	aIDs, bIDs := chainRouteIDs(a), chainRouteIDs(b)
	aIDs[ri], bIDs[rj] = bIDs[rj], aIDs[ri]
	newA := ls.rebuildCanonical(ctx, a.ID, aIDs)
	if newA == nil {
		return nil
	}
	newB := ls.rebuildCanonical(ctx, b.ID, bIDs)
	if newB == nil {
		return nil
	}
	return replaceChains(cur, map[int]*Chain{ai: newA, bi: newB})
}

// twoOptChain reverses a contiguous sub-sequence within one bus, legal only
// when the reversed order is still temporally feasible.
func (ls *LocalSearch) twoOptChain(ctx context.Context, cur *Solution) *Solution {
	candidates := make([]int, 0, len(cur.Chains))
	for i, c := range cur.Chains {
		if len(c.Items) >= 3 {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	ci := candidates[ls.rng.Intn(len(candidates))]
	c := cur.Chains[ci]
	n := len(c.Items)
	i := ls.rng.Intn(n - 1)
	k := i + 1 + ls.rng.Intn(n-i-1)
	ids := chainRouteIDs(c)
	for l, r := i, k; l < r; l, r = l+1, r-1 {
		ids[l], ids[r] = ids[r], ids[l]
	}
	rebuilt := ls.rebuildInOrder(ctx, c.ID, ids)
	if rebuilt == nil {
		return nil
	}
	return replaceChains(cur, map[int]*Chain{ci: rebuilt})
}

// mergeChains collapses two buses into one.
func (ls *LocalSearch) mergeChains(ctx context.Context, cur *Solution) *Solution {
	if len(cur.Chains) < 2 {
		return nil
	}
	ai := ls.rng.Intn(len(cur.Chains))
	bi := ls.rng.Intn(len(cur.Chains) - 1)
	if bi >= ai {
		bi++
	}
	a, b := cur.Chains[ai], cur.Chains[bi]
	merged := ls.rebuildCanonical(ctx, a.ID, append(chainRouteIDs(a), chainRouteIDs(b)...))
	if merged == nil {
		return nil
	}
	return replaceChains(cur, map[int]*Chain{ai: merged, bi: nil})
}

// splitChain breaks one bus into two at a pivot.
func (ls *LocalSearch) splitChain(ctx context.Context, cur *Solution) *Solution {
	candidates := make([]int, 0, len(cur.Chains))
	for i, c := range cur.Chains {
		if len(c.Items) >= 2 {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	ci := candidates[ls.rng.Intn(len(candidates))]
	c := cur.Chains[ci]
	pivot := 1 + ls.rng.Intn(len(c.Items)-1)
	ids := chainRouteIDs(c)
	head := ls.rebuildInOrder(ctx, c.ID, ids[:pivot])
	tail := ls.rebuildInOrder(ctx, ls.newChainID(), ids[pivot:])
	if head == nil || tail == nil {
		return nil
	}
	return replaceChains(cur, map[int]*Chain{ci: head}, tail)
}

// interblockSwap exchanges the exit-only tails of two full-day duties.
func (ls *LocalSearch) interblockSwap(ctx context.Context, cur *Solution) *Solution {
	type block struct {
		idx     int
		entries []string
		exits   []string
	}
	blocks := make([]block, 0)
	for i, c := range cur.Chains {
		var ent, ex []string
		for _, it := range c.Items {
			if it.Type == model.RouteEntry {
				ent = append(ent, it.RouteID)
			} else {
				ex = append(ex, it.RouteID)
			}
		}
		if len(ent) > 0 && len(ex) > 0 {
			blocks = append(blocks, block{idx: i, entries: ent, exits: ex})
		}
	}
	if len(blocks) < 2 {
		return nil
	}
	ai := ls.rng.Intn(len(blocks))
	bi := ls.rng.Intn(len(blocks) - 1)
	if bi >= ai {
		bi++
	}
	a, b := blocks[ai], blocks[bi]
	newA := ls.rebuildInOrder(ctx, cur.Chains[a.idx].ID, append(append([]string{}, a.entries...), b.exits...))
	if newA == nil {
		return nil
	}
	newB := ls.rebuildInOrder(ctx, cur.Chains[b.idx].ID, append(append([]string{}, b.entries...), a.exits...))
	if newB == nil {
		return nil
	}
	return replaceChains(cur, map[int]*Chain{a.idx: newA, b.idx: newB})
}
