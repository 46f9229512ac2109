package model

// Stop is a geo-located pickup/dropoff point within a route.
// Stops are immutable values embedded in their Route.
type Stop struct {
	ID         string  `json:"id"`
	Name       string  `json:"name,omitempty"`
	Latitude   float64 `json:"lat"`
	Longitude  float64 `json:"lng"`
	Sequence   int     `json:"sequence"`
	Passengers int     `json:"passengers,omitempty"` // boardings at this stop
	IsSchool   bool    `json:"is_school,omitempty"`
}
