package optimize

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolbus/backend/model"
)

func searchFixture(t *testing.T) ([]model.Route, *Checker) {
	t.Helper()
	routes := []model.Route{
		mkEntry("e1", 480, 30, 10),
		mkEntry("e2", 530, 30, 10),
		mkEntry("e3", 580, 30, 10),
		mkExit("x1", 960, 25, 10),
		mkExit("x2", 1010, 25, 10),
	}
	ck, _ := newTestChecker(routes, model.OptimizerOptions{}, 5)
	return routes, ck
}

// singletons opens one chain per route, the worst feasible starting point.
func singletons(routes []model.Route) *Solution {
	s := &Solution{}
	for i := range routes {
		r := &routes[i]
		s.Chains = append(s.Chains, &Chain{
			ID: "S" + r.ID,
			Items: []model.DutyItem{{
				RouteID: r.ID, Type: r.Type,
				Start: r.NaturalStart(), End: r.NaturalEnd(),
			}},
		})
	}
	return s
}

func runSearch(t *testing.T, seed int64) (*Solution, float64) {
	t.Helper()
	routes, ck := searchFixture(t)
	opts := model.OptimizerOptions{Seed: seed, IterationBudget: 400, TimeBudgetSec: 10, Patience: 400}.Normalize()
	ev := NewEvaluator(model.DefaultWeights())
	ls := NewLocalSearch(ck, ev, opts, zerolog.Nop())
	sol, score, err := ls.Run(context.Background(), singletons(routes))
	require.NoError(t, err)
	return sol, score
}

func TestLocalSearchImproves(t *testing.T) {
	routes, _ := searchFixture(t)
	initial := singletons(routes)
	ev := NewEvaluator(model.DefaultWeights())
	initialScore := ev.Score(initial.Duties())

	sol, score := runSearch(t, 42)
	assert.LessOrEqual(t, score, initialScore)
	assert.Less(t, len(sol.Chains), len(initial.Chains), "merging should reduce the fleet")
}

func TestLocalSearchPreservesRoutes(t *testing.T) {
	routes, _ := searchFixture(t)
	sol, _ := runSearch(t, 42)

	seen := map[string]int{}
	for _, c := range sol.Chains {
		var prevEnd model.TimeOfDay
		for i, it := range c.Items {
			seen[it.RouteID]++
			if i > 0 {
				assert.GreaterOrEqual(t, int(it.Start), int(prevEnd)+it.DeadheadMin,
					"items on one bus must be separated by the transition travel")
			}
			prevEnd = it.End
		}
	}
	for i := range routes {
		assert.Equal(t, 1, seen[routes[i].ID], "route %s must appear exactly once", routes[i].ID)
	}
}

func TestLocalSearchDeterministic(t *testing.T) {
	a, sa := runSearch(t, 7)
	b, sb := runSearch(t, 7)
	assert.Equal(t, sa, sb)
	require.Equal(t, len(a.Chains), len(b.Chains))
	for i := range a.Chains {
		assert.Equal(t, chainRouteIDs(a.Chains[i]), chainRouteIDs(b.Chains[i]))
	}
}

func TestLocalSearchHonorsCancellation(t *testing.T) {
	routes, ck := searchFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	opts := model.OptimizerOptions{IterationBudget: 1000}.Normalize()
	ls := NewLocalSearch(ck, NewEvaluator(model.DefaultWeights()), opts, zerolog.Nop())
	sol, _, err := ls.Run(ctx, singletons(routes))
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotNil(t, sol, "best-so-far solution is still returned")
}

func TestRebuildInOrderRejectsBadOrder(t *testing.T) {
	routes, ck := searchFixture(t)
	opts := model.OptimizerOptions{}.Normalize()
	ls := NewLocalSearch(ck, NewEvaluator(model.DefaultWeights()), opts, zerolog.Nop())

	// e3 before e1 cannot be timed: e1 would need a 100 minute advance
	c := ls.rebuildInOrder(context.Background(), "T1", []string{"e3", "e1"})
	assert.Nil(t, c)

	c = ls.rebuildInOrder(context.Background(), "T2", []string{"e1", "e2"})
	require.NotNil(t, c)
	assert.Equal(t, []string{"e1", "e2"}, chainRouteIDs(c))
	_ = routes
}

func TestRebuildCanonicalSortsByNaturalStart(t *testing.T) {
	_, ck := searchFixture(t)
	opts := model.OptimizerOptions{}.Normalize()
	ls := NewLocalSearch(ck, NewEvaluator(model.DefaultWeights()), opts, zerolog.Nop())

	c := ls.rebuildCanonical(context.Background(), "T1", []string{"e2", "e1"})
	require.NotNil(t, c)
	assert.Equal(t, []string{"e1", "e2"}, chainRouteIDs(c))
}

func TestNoteImprovementClampsDestroyRate(t *testing.T) {
	_, ck := searchFixture(t)
	opts := model.OptimizerOptions{}.Normalize()
	ls := NewLocalSearch(ck, NewEvaluator(model.DefaultWeights()), opts, zerolog.Nop())

	for i := 0; i < 100; i++ {
		ls.noteImprovement(false)
	}
	assert.Equal(t, 0.5, ls.destroyRate)
	for i := 0; i < 100; i++ {
		ls.noteImprovement(true)
	}
	assert.Equal(t, 0.1, ls.destroyRate)
}
