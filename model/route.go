package model

import (
	"encoding/json"
	"fmt"
)

// RouteType distinguishes morning school-entry routes from afternoon exits.
type RouteType string

const (
	RouteEntry RouteType = "entry"
	RouteExit  RouteType = "exit"
)

// TimeOfDay is minutes since midnight. Wire format is "HH:MM".
type TimeOfDay int

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseTimeOfDay parses "HH:MM" into minutes since midnight.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("parse time %q: %w", s, err)
	}
	if h < 0 || h > 47 || m < 0 || m > 59 {
		return 0, fmt.Errorf("parse time %q: out of range", s)
	}
	return TimeOfDay(h*60 + m), nil
}

// Route is an ordered sequence of stops with a fixed school anchor time.
// For an entry route the anchor is the arrival time at school; for an exit
// route it is the departure time from school. Day codes are an opaque
// five-element alphabet preserved verbatim from input.
type Route struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	SchoolID   string    `json:"school_id"`
	SchoolName string    `json:"school_name,omitempty"`
	Type       RouteType `json:"type"`
	Stops      []Stop    `json:"stops"`
	Anchor     TimeOfDay `json:"anchor_time"`
	Capacity   int       `json:"capacity,omitempty"` // peak boardings along the stop sequence
	ContractID string    `json:"contract_id,omitempty"`
	Days       []string  `json:"days,omitempty"`

	// Duration is the service travel time along the stop sequence in
	// minutes. Computed from the travel-time matrix during preprocessing.
	Duration int `json:"duration_minutes,omitempty"`
}

// FirstStop returns the first stop of the sequence.
func (r *Route) FirstStop() Stop { return r.Stops[0] }

// LastStop returns the final stop of the sequence.
func (r *Route) LastStop() Stop { return r.Stops[len(r.Stops)-1] }

// SchoolStop returns the stop flagged as the school, or the positional
// school end (last for entry, first for exit) when no flag is set.
func (r *Route) SchoolStop() Stop {
	for _, s := range r.Stops {
		if s.IsSchool {
			return s
		}
	}
	if r.Type == RouteExit {
		return r.FirstStop()
	}
	return r.LastStop()
}

// NaturalStart is the latest start satisfying the anchor with zero shift:
// anchor minus duration for entries, the anchor itself for exits.
func (r *Route) NaturalStart() TimeOfDay {
	if r.Type == RouteEntry {
		return r.Anchor - TimeOfDay(r.Duration)
	}
	return r.Anchor
}

// NaturalEnd is NaturalStart plus the route duration.
func (r *Route) NaturalEnd() TimeOfDay {
	return r.NaturalStart() + TimeOfDay(r.Duration)
}

// PeakLoad returns the capacity demand: the explicit capacity when given,
// otherwise the sum of boardings along the stop sequence.
func (r *Route) PeakLoad() int {
	if r.Capacity > 0 {
		return r.Capacity
	}
	total := 0
	for _, s := range r.Stops {
		total += s.Passengers
	}
	return total
}
