package model

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/hashicorp/go-multierror"
)

// OptimizeRequest is the payload accepted by the job endpoints and the
// batch driver: the route pool plus optional per-job options.
type OptimizeRequest struct {
	Routes  []Route          `json:"routes"`
	Options OptimizerOptions `json:"options"`
}

// LoadRequestFromReader decodes an optimization request and validates it.
func LoadRequestFromReader(r io.Reader) (*OptimizeRequest, error) {
	dec := json.NewDecoder(r)
	var req OptimizeRequest
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	if err := ValidateRoutes(req.Routes); err != nil {
		return nil, err
	}
	req.Options = req.Options.Normalize()
	return &req, nil
}

// ValidateRoutes checks structural invariants of the route pool and
// accumulates every problem found. Day codes are not interpreted, but a
// route may not carry more than five distinct codes.
func ValidateRoutes(routes []Route) error {
	var result *multierror.Error
	seen := make(map[string]bool, len(routes))
	for i := range routes {
		r := &routes[i]
		if r.ID == "" {
			result = multierror.Append(result, fmt.Errorf("route[%d]: empty id", i))
			continue
		}
		if seen[r.ID] {
			result = multierror.Append(result, fmt.Errorf("route %s: duplicate id", r.ID))
		}
		seen[r.ID] = true
		if r.Type != RouteEntry && r.Type != RouteExit {
			result = multierror.Append(result, fmt.Errorf("route %s: type must be entry or exit, got %q", r.ID, r.Type))
		}
		if len(r.Stops) == 0 {
			result = multierror.Append(result, fmt.Errorf("route %s: empty stop list", r.ID))
			continue
		}
		if r.Anchor <= 0 {
			result = multierror.Append(result, fmt.Errorf("route %s: missing anchor time", r.ID))
		}
		if r.Capacity < 0 {
			result = multierror.Append(result, fmt.Errorf("route %s: negative capacity", r.ID))
		}
		days := make(map[string]bool, len(r.Days))
		for _, d := range r.Days {
			if d == "" {
				result = multierror.Append(result, fmt.Errorf("route %s: empty day code", r.ID))
				continue
			}
			days[d] = true
		}
		if len(days) > 5 {
			result = multierror.Append(result, fmt.Errorf("route %s: more than five distinct day codes", r.ID))
		}
		for j, s := range r.Stops {
			if s.ID == "" {
				result = multierror.Append(result, fmt.Errorf("route %s: stop[%d]: empty id", r.ID, j))
			}
			if s.Latitude < -90 || s.Latitude > 90 || s.Longitude < -180 || s.Longitude > 180 {
				result = multierror.Append(result, fmt.Errorf("route %s: stop %s: coordinates out of range", r.ID, s.ID))
			}
			if s.Passengers < 0 {
				result = multierror.Append(result, fmt.Errorf("route %s: stop %s: negative passengers", r.ID, s.ID))
			}
		}
		schoolStops := 0
		for _, s := range r.Stops {
			if s.IsSchool {
				schoolStops++
			}
		}
		if schoolStops > 1 {
			result = multierror.Append(result, fmt.Errorf("route %s: more than one school stop", r.ID))
		}
		if schoolStops == 1 {
			// The anchor belongs to the school stop: entries end at school,
			// exits begin there.
			sc := r.SchoolStop()
			if r.Type == RouteEntry && sc.ID != r.LastStop().ID {
				result = multierror.Append(result, fmt.Errorf("route %s: entry school stop must be last in sequence", r.ID))
			}
			if r.Type == RouteExit && sc.ID != r.FirstStop().ID {
				result = multierror.Append(result, fmt.Errorf("route %s: exit school stop must be first in sequence", r.ID))
			}
		}
	}
	return result.ErrorOrNil()
}

// SortRoutes orders routes by anchor time, then id, for deterministic
// downstream construction regardless of input order.
func SortRoutes(routes []Route) {
	sort.SliceStable(routes, func(i, j int) bool {
		if routes[i].Anchor != routes[j].Anchor {
			return routes[i].Anchor < routes[j].Anchor
		}
		return routes[i].ID < routes[j].ID
	})
}
