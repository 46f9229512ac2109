package model

// DutyItem is one execution of a route by one bus. Start may be shifted up
// to the configured maximum earlier than the route's natural start, never
// later. Deadhead is the non-service travel from the previous item on the
// same bus (zero for the first item).
type DutyItem struct {
	RouteID     string    `json:"route_id"`
	Type        RouteType `json:"type"`
	Start       TimeOfDay `json:"start"`
	End         TimeOfDay `json:"end"`
	ShiftMin    int       `json:"shift_minutes,omitempty"`
	DeadheadMin int       `json:"deadhead_minutes,omitempty"`
}

// BusDuty is the ordered work of one bus for the day.
// Items are strictly ordered by start time and each consecutive pair is
// separated by at least the travel time between them.
type BusDuty struct {
	BusID string     `json:"bus_id"`
	Items []DutyItem `json:"items"`
}

// Entries counts entry items on the duty.
func (d *BusDuty) Entries() int {
	n := 0
	for _, it := range d.Items {
		if it.Type == RouteEntry {
			n++
		}
	}
	return n
}

// Exits counts exit items on the duty.
func (d *BusDuty) Exits() int { return len(d.Items) - d.Entries() }

// ScheduleStats aggregates a day schedule for reporting.
type ScheduleStats struct {
	Buses          int     `json:"buses"`
	Entries        int     `json:"entries"`
	Exits          int     `json:"exits"`
	MeanPerBus     float64 `json:"mean_items_per_bus"`
	MedianPerBus   float64 `json:"median_items_per_bus"`
	MinPerBus      int     `json:"min_items_per_bus"`
	MaxPerBus      int     `json:"max_items_per_bus"`
	SpreadPerBus   int     `json:"spread_items_per_bus"`
	DeadheadMin    int     `json:"deadhead_minutes"`
	TimeShiftMin   int     `json:"time_shift_minutes"`
}

// DaySchedule is the optimizer output for one day.
type DaySchedule struct {
	Day      string        `json:"day"`
	Duties   []BusDuty     `json:"duties"`
	Stats    ScheduleStats `json:"stats"`
	Warnings []string      `json:"warnings,omitempty"`
}
