package optimize

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolbus/backend/model"
	"schoolbus/backend/travel"
)

// geoEntry builds an entry route with real coordinates so the optimizer can
// derive durations from the haversine provider.
func geoEntry(id string, anchor model.TimeOfDay, lat float64) model.Route {
	return model.Route{
		ID:       id,
		Type:     model.RouteEntry,
		SchoolID: "school-1",
		Anchor:   anchor,
		Stops: []model.Stop{
			{ID: id + "-s1", Latitude: lat, Longitude: 2.10, Passengers: 15},
			{ID: id + "-s2", Latitude: lat + 0.01, Longitude: 2.12, Passengers: 10},
			{ID: id + "-sch", Latitude: 41.40, Longitude: 2.15, IsSchool: true},
		},
	}
}

func geoExit(id string, anchor model.TimeOfDay, lat float64) model.Route {
	return model.Route{
		ID:       id,
		Type:     model.RouteExit,
		SchoolID: "school-1",
		Anchor:   anchor,
		Stops: []model.Stop{
			{ID: id + "-sch", Latitude: 41.40, Longitude: 2.15, IsSchool: true},
			{ID: id + "-h1", Latitude: lat, Longitude: 2.12, Passengers: 12},
			{ID: id + "-h2", Latitude: lat + 0.01, Longitude: 2.10, Passengers: 8},
		},
	}
}

func newTestOptimizer() *Optimizer {
	return &Optimizer{
		Provider: travel.NewHaversineProvider(40),
		Log:      zerolog.Nop(),
	}
}

func TestRunChainsCompatibleEntries(t *testing.T) {
	req := &model.OptimizeRequest{
		Routes: []model.Route{
			geoEntry("e1", 8*60, 41.35),
			geoEntry("e2", 9*60, 41.36),
		},
		Options: model.OptimizerOptions{Seed: 1, IterationBudget: 200, TimeBudgetSec: 5},
	}
	res, err := newTestOptimizer().Run(context.Background(), req, NopSink)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Schedule.Stats.Buses, "one bus covers both staggered entries")
	assert.Equal(t, 2, res.Schedule.Stats.Entries)
	assert.Positive(t, res.Score)
}

func TestRunPairsFullDay(t *testing.T) {
	req := &model.OptimizeRequest{
		Routes: []model.Route{
			geoEntry("e1", 8*60, 41.35),
			geoExit("x1", 16*60, 41.35),
		},
		Options: model.OptimizerOptions{Seed: 1, IterationBudget: 200, TimeBudgetSec: 5},
	}
	res, err := newTestOptimizer().Run(context.Background(), req, NopSink)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Schedule.Stats.Buses, "entry and exit share one bus")
	require.Len(t, res.Schedule.Duties, 1)
	items := res.Schedule.Duties[0].Items
	require.Len(t, items, 2)
	assert.Equal(t, model.RouteEntry, items[0].Type)
	assert.Equal(t, model.RouteExit, items[1].Type)
	assert.Equal(t, model.TimeOfDay(16*60), items[1].Start, "exit departs exactly at its anchor")
}

func TestRunEmitsPhasesInOrder(t *testing.T) {
	req := &model.OptimizeRequest{
		Routes:  []model.Route{geoEntry("e1", 8*60, 41.35)},
		Options: model.OptimizerOptions{Seed: 1, IterationBudget: 50, TimeBudgetSec: 5},
	}
	var phases []Phase
	var pcts []int
	sink := SinkFunc(func(p Phase, pct int, _ string) {
		phases = append(phases, p)
		pcts = append(pcts, pct)
	})
	_, err := newTestOptimizer().Run(context.Background(), req, sink)
	require.NoError(t, err)

	assert.Equal(t, Phases, phases)
	for i := 1; i < len(pcts); i++ {
		assert.GreaterOrEqual(t, pcts[i], pcts[i-1], "progress must not regress")
	}
	assert.Equal(t, 0, pcts[0])
	assert.Equal(t, 100, pcts[len(pcts)-1])
}

func TestRunRejectsInvalidRoutes(t *testing.T) {
	req := &model.OptimizeRequest{
		Routes: []model.Route{{ID: "bad", Type: "loop"}},
	}
	_, err := newTestOptimizer().Run(context.Background(), req, NopSink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid routes")
}

func TestRunHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := &model.OptimizeRequest{
		Routes: []model.Route{geoEntry("e1", 8*60, 41.35)},
	}
	_, err := newTestOptimizer().Run(ctx, req, NopSink)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunWithMonteCarloValidation(t *testing.T) {
	req := &model.OptimizeRequest{
		Routes: []model.Route{
			geoEntry("e1", 8*60, 41.35),
			geoEntry("e2", 9*60, 41.36),
		},
		Options: model.OptimizerOptions{
			Seed: 1, IterationBudget: 100, TimeBudgetSec: 5,
			Validate:   true,
			MonteCarlo: &model.MonteCarloOptions{Simulations: 100, Sigma: model.Float64(0), Seed: 9},
		},
	}
	res, err := newTestOptimizer().Run(context.Background(), req, NopSink)
	require.NoError(t, err)
	require.NotNil(t, res.MonteCarlo)
	assert.Equal(t, 1.0, res.MonteCarlo.FeasibilityRate, "zero sigma never perturbs")
	assert.Equal(t, "A", res.MonteCarlo.Grade)
}

func TestRunDeterministicAcrossRuns(t *testing.T) {
	req := func() *model.OptimizeRequest {
		return &model.OptimizeRequest{
			Routes: []model.Route{
				geoEntry("e1", 8*60, 41.35),
				geoEntry("e2", 9*60, 41.36),
				geoExit("x1", 16*60, 41.35),
				geoExit("x2", 17*60, 41.36),
			},
			Options: model.OptimizerOptions{Seed: 5, IterationBudget: 200, TimeBudgetSec: 5},
		}
	}
	a, err := newTestOptimizer().Run(context.Background(), req(), NopSink)
	require.NoError(t, err)
	b, err := newTestOptimizer().Run(context.Background(), req(), NopSink)
	require.NoError(t, err)
	assert.Equal(t, a.Score, b.Score)
	assert.Equal(t, a.Schedule.Duties, b.Schedule.Duties)
}
