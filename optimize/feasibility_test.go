package optimize

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolbus/backend/model"
	"schoolbus/backend/travel"
)

// Fixture helpers shared by the optimize tests. Stops get synthetic
// coordinates so the haversine fallback stays sane, but every deadhead the
// tests rely on is seeded into the matrix explicitly.

func mkEntry(id string, anchor model.TimeOfDay, duration, passengers int) model.Route {
	return model.Route{
		ID:       id,
		Type:     model.RouteEntry,
		SchoolID: "school-1",
		Anchor:   anchor,
		Duration: duration,
		Stops: []model.Stop{
			{ID: id + "-s", Latitude: 41.38, Longitude: 2.17, Passengers: passengers},
			{ID: id + "-sch", Latitude: 41.40, Longitude: 2.19, IsSchool: true},
		},
	}
}

func mkExit(id string, anchor model.TimeOfDay, duration, passengers int) model.Route {
	return model.Route{
		ID:       id,
		Type:     model.RouteExit,
		SchoolID: "school-1",
		Anchor:   anchor,
		Duration: duration,
		Stops: []model.Stop{
			{ID: id + "-sch", Latitude: 41.40, Longitude: 2.19, IsSchool: true},
			{ID: id + "-h", Latitude: 41.42, Longitude: 2.21, Passengers: passengers},
		},
	}
}

// seedAllPairs gives every endpoint pair the same deadhead.
func seedAllPairs(m *travel.Matrix, routes []model.Route, minutes float64) {
	for i := range routes {
		for j := range routes {
			m.Set(routes[i].LastStop().ID, routes[j].FirstStop().ID, minutes)
		}
	}
}

func newTestChecker(routes []model.Route, opts model.OptimizerOptions, deadhead float64) (*Checker, *travel.Matrix) {
	m := travel.NewMatrix(routes, travel.MatrixConfig{Logger: zerolog.Nop()})
	seedAllPairs(m, routes, deadhead)
	return NewChecker(m, routes, opts.Normalize()), m
}

func item(r model.Route) model.DutyItem {
	return model.DutyItem{
		RouteID: r.ID, Type: r.Type,
		Start: r.NaturalStart(), End: r.NaturalEnd(),
	}
}

func TestDeadheadRoundsUp(t *testing.T) {
	routes := []model.Route{mkEntry("a", 480, 30, 10), mkEntry("b", 520, 30, 10)}
	ck, m := newTestChecker(routes, model.OptimizerOptions{}, 0)
	m.Set("a-sch", "b-s", 4.2)
	assert.Equal(t, 5, ck.Deadhead(context.Background(), item(routes[0]), &routes[1]))
}

func TestCanFollowRuleOrder(t *testing.T) {
	ctx := context.Background()
	a := mkEntry("a", 480, 30, 10) // runs 07:30-08:00
	b := mkEntry("b", 530, 30, 10) // natural start 08:20

	t.Run("feasible", func(t *testing.T) {
		ck, _ := newTestChecker([]model.Route{a, b}, model.OptimizerOptions{}, 5)
		assert.Nil(t, ck.CanFollow(ctx, item(a), &b, b.NaturalStart()))
	})

	t.Run("insufficient transition time", func(t *testing.T) {
		ck, _ := newTestChecker([]model.Route{a, b}, model.OptimizerOptions{}, 30)
		fail := ck.CanFollow(ctx, item(a), &b, b.NaturalStart())
		require.NotNil(t, fail)
		assert.Equal(t, FailTransitionTime, fail.Kind)
	})

	t.Run("buffer tightens the transition", func(t *testing.T) {
		ck, _ := newTestChecker([]model.Route{a, b}, model.OptimizerOptions{TransitionBufferMin: 25}, 5)
		fail := ck.CanFollow(ctx, item(a), &b, b.NaturalStart())
		require.NotNil(t, fail)
		assert.Equal(t, FailTransitionTime, fail.Kind)
	})

	t.Run("start after natural start", func(t *testing.T) {
		ck, _ := newTestChecker([]model.Route{a, b}, model.OptimizerOptions{}, 5)
		fail := ck.CanFollow(ctx, item(a), &b, b.NaturalStart()+1)
		require.NotNil(t, fail)
		assert.Equal(t, FailAnchorWindow, fail.Kind)
	})

	t.Run("shift beyond the cap", func(t *testing.T) {
		ck, _ := newTestChecker([]model.Route{a, b}, model.OptimizerOptions{MaxTimeShiftMin: 10}, 5)
		fail := ck.CheckWindow(&b, b.NaturalStart()-11)
		require.NotNil(t, fail)
		assert.Equal(t, FailAnchorWindow, fail.Kind)
		assert.Nil(t, ck.CheckWindow(&b, b.NaturalStart()-10))
	})

	t.Run("capacity exceeded", func(t *testing.T) {
		big := mkEntry("big", 530, 30, 60)
		ck, _ := newTestChecker([]model.Route{a, big}, model.OptimizerOptions{BusCapacity: 50}, 5)
		fail := ck.CanFollow(ctx, item(a), &big, big.NaturalStart())
		require.NotNil(t, fail)
		assert.Equal(t, FailCapacity, fail.Kind)
	})

	t.Run("unreachable pair", func(t *testing.T) {
		far := mkEntry("far", 900, 30, 10)
		ck, _ := newTestChecker([]model.Route{a, far}, model.OptimizerOptions{MaxReasonableTravel: 120}, 200)
		fail := ck.CanFollow(ctx, item(a), &far, far.NaturalStart())
		require.NotNil(t, fail)
		assert.Equal(t, FailUnreachable, fail.Kind)
	})
}

func TestCheckWindowExitNeverShifts(t *testing.T) {
	x := mkExit("x", 960, 25, 10)
	ck, _ := newTestChecker([]model.Route{x}, model.OptimizerOptions{MaxTimeShiftMin: 15}, 0)
	assert.Nil(t, ck.CheckWindow(&x, 960))
	fail := ck.CheckWindow(&x, 959)
	require.NotNil(t, fail)
	assert.Equal(t, FailAnchorWindow, fail.Kind)
}

func TestInfeasibilityError(t *testing.T) {
	e := &Infeasibility{Kind: FailCapacity, Detail: "peak load 60 exceeds 50 seats"}
	assert.Equal(t, fmt.Sprintf("%s: %s", FailCapacity, "peak load 60 exceeds 50 seats"), e.Error())
}
