package optimize

import (
	"sort"

	"schoolbus/backend/model"
)

// ComputeStats aggregates per-bus statistics for a finished schedule.
func ComputeStats(duties []model.BusDuty) model.ScheduleStats {
	var st model.ScheduleStats
	counts := make([]int, 0, len(duties))
	for _, d := range duties {
		if len(d.Items) == 0 {
			continue
		}
		st.Buses++
		st.Entries += d.Entries()
		st.Exits += d.Exits()
		counts = append(counts, len(d.Items))
		for _, it := range d.Items {
			st.DeadheadMin += it.DeadheadMin
			st.TimeShiftMin += it.ShiftMin
		}
	}
	if len(counts) == 0 {
		return st
	}
	sort.Ints(counts)
	total := 0
	for _, c := range counts {
		total += c
	}
	st.MeanPerBus = float64(total) / float64(len(counts))
	st.MinPerBus = counts[0]
	st.MaxPerBus = counts[len(counts)-1]
	st.SpreadPerBus = st.MaxPerBus - st.MinPerBus
	mid := len(counts) / 2
	if len(counts)%2 == 1 {
		st.MedianPerBus = float64(counts[mid])
	} else {
		st.MedianPerBus = float64(counts[mid-1]+counts[mid]) / 2
	}
	return st
}
