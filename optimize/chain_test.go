package optimize

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolbus/backend/model"
)

func TestBuildChainsTwoCompatibleEntries(t *testing.T) {
	routes := []model.Route{
		mkEntry("r1", 480, 30, 10), // 07:30-08:00
		mkEntry("r2", 520, 30, 10), // natural 08:10
	}
	ck, _ := newTestChecker(routes, model.OptimizerOptions{}, 5)
	b := NewChainBuilder(ck, 0)

	chains, err := b.Build(context.Background(), routes)
	require.NoError(t, err)
	require.Len(t, chains, 1)
	items := chains[0].Items
	require.Len(t, items, 2)
	assert.Equal(t, "r1", items[0].RouteID)
	assert.Equal(t, "r2", items[1].RouteID)
	assert.Equal(t, model.TimeOfDay(490), items[1].Start)
	assert.Equal(t, 5, items[1].DeadheadMin)
	assert.Zero(t, items[0].ShiftMin)
}

func TestBuildChainsShiftCascade(t *testing.T) {
	// r2's natural start is 15 minutes before r1 releases the bus; the
	// builder advances r1 within the shift cap instead of opening a bus.
	routes := []model.Route{
		mkEntry("r1", 480, 30, 10), // 07:30-08:00
		mkEntry("r2", 500, 30, 10), // natural 07:50
	}
	ck, _ := newTestChecker(routes, model.OptimizerOptions{MaxTimeShiftMin: 15}, 5)
	b := NewChainBuilder(ck, 0)

	chains, err := b.Build(context.Background(), routes)
	require.NoError(t, err)
	require.Len(t, chains, 1)
	items := chains[0].Items
	require.Len(t, items, 2)
	assert.Equal(t, model.TimeOfDay(435), items[0].Start)
	assert.Equal(t, model.TimeOfDay(465), items[0].End)
	assert.Equal(t, 15, items[0].ShiftMin)
	assert.Equal(t, model.TimeOfDay(470), items[1].Start)
	assert.Zero(t, items[1].ShiftMin)
}

func TestBuildChainsOpensSecondBusBeyondShiftCap(t *testing.T) {
	routes := []model.Route{
		mkEntry("r1", 480, 30, 10),
		mkEntry("r2", 490, 30, 10), // deficit 25 > cap 15
	}
	ck, _ := newTestChecker(routes, model.OptimizerOptions{MaxTimeShiftMin: 15}, 5)
	b := NewChainBuilder(ck, 0)

	chains, err := b.Build(context.Background(), routes)
	require.NoError(t, err)
	assert.Len(t, chains, 2)
}

func TestBuildChainsCascadeThroughGap(t *testing.T) {
	// Three routes where the middle one has idle slack: the advance needed
	// by r3 is absorbed by r2's gap before touching r1.
	routes := []model.Route{
		mkEntry("r1", 480, 30, 10), // 07:30-08:00
		mkEntry("r2", 545, 30, 10), // natural 08:35, gap 10 after deadhead
		mkEntry("r3", 580, 30, 10), // natural 09:10
	}
	ck, m := newTestChecker(routes, model.OptimizerOptions{MaxTimeShiftMin: 15}, 5)
	m.Set("r2-sch", "r3-s", 20) // forces a 15 min deficit on r3
	b := NewChainBuilder(ck, 0)

	chains, err := b.Build(context.Background(), routes)
	require.NoError(t, err)
	require.Len(t, chains, 1)
	items := chains[0].Items
	require.Len(t, items, 3)
	// r2 absorbs the whole advance within its own allowance; r1 untouched.
	assert.Equal(t, 15, items[1].ShiftMin)
	assert.Equal(t, model.TimeOfDay(500), items[1].Start)
	assert.Zero(t, items[0].ShiftMin)
	assert.Equal(t, model.TimeOfDay(550), items[2].Start)
	assert.Equal(t, 20, items[2].DeadheadMin)
}

func TestBuildRejectsImpossibleDuration(t *testing.T) {
	r := mkEntry("r1", 60, 90, 10) // would have to start before midnight
	ck, _ := newTestChecker([]model.Route{r}, model.OptimizerOptions{}, 5)
	_, err := NewChainBuilder(ck, 0).Build(context.Background(), []model.Route{r})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds anchor window")
}

func TestBuildRejectsOverCapacityRoute(t *testing.T) {
	r := mkEntry("r1", 480, 30, 80)
	ck, _ := newTestChecker([]model.Route{r}, model.OptimizerOptions{BusCapacity: 50}, 5)
	_, err := NewChainBuilder(ck, 0).Build(context.Background(), []model.Route{r})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds bus capacity")
}

func TestBuildChainsDeterministic(t *testing.T) {
	routes := []model.Route{
		mkEntry("r3", 520, 30, 10),
		mkEntry("r1", 480, 30, 10),
		mkEntry("r2", 520, 25, 10),
		mkEntry("r4", 560, 30, 10),
	}
	build := func() [][]string {
		ck, _ := newTestChecker(routes, model.OptimizerOptions{}, 5)
		chains, err := NewChainBuilder(ck, 0).Build(context.Background(), routes)
		require.NoError(t, err)
		out := make([][]string, len(chains))
		for i, c := range chains {
			out[i] = chainRouteIDs(c)
		}
		return out
	}
	assert.Equal(t, build(), build())
}

func TestBuildRegretCoversAllRoutes(t *testing.T) {
	routes := []model.Route{
		mkEntry("r1", 480, 30, 10),
		mkEntry("r2", 520, 30, 10),
		mkEntry("r3", 560, 30, 10),
		mkEntry("r4", 485, 30, 10),
	}
	ck, _ := newTestChecker(routes, model.OptimizerOptions{}, 5)
	chains, err := NewChainBuilder(ck, 2).Build(context.Background(), routes)
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, c := range chains {
		for _, id := range chainRouteIDs(c) {
			assert.False(t, seen[id], "route %s assigned twice", id)
			seen[id] = true
		}
	}
	assert.Len(t, seen, len(routes))
}

func TestAdvanceTailCarriesPastGaps(t *testing.T) {
	c := &Chain{ID: "C001", Items: []model.DutyItem{
		{RouteID: "a", Type: model.RouteEntry, Start: 450, End: 480},
		{RouteID: "b", Type: model.RouteEntry, Start: 495, End: 525, DeadheadMin: 5},
	}}
	// gap between items is 10; advancing the tail by 12 carries 2 into a.
	advanceTail(c, 12, 0)
	assert.Equal(t, model.TimeOfDay(483), c.Items[1].Start)
	assert.Equal(t, 12, c.Items[1].ShiftMin)
	assert.Equal(t, model.TimeOfDay(448), c.Items[0].Start)
	assert.Equal(t, 2, c.Items[0].ShiftMin)
}
