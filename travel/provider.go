// Package travel supplies travel-time numbers to the optimizer core.
// The Matrix is the only source of travel times consumed downstream; it
// caches per-pair results from a pluggable Provider and falls back to a
// pessimistic haversine estimate when the provider fails.
package travel

import (
	"context"

	"schoolbus/backend/model"
)

// Provider resolves the travel time in minutes between two stops.
// Implementations must be safe for concurrent use.
type Provider interface {
	Travel(ctx context.Context, from, to model.Stop) (float64, error)
}

// BatchProvider is implemented by providers that can resolve a whole
// stop set in one request (an OSRM-style table endpoint). The Matrix uses
// it during prefetch and falls back to point queries when absent.
type BatchProvider interface {
	Table(ctx context.Context, stops []model.Stop) (map[Pair]float64, error)
}

// Pair identifies an origin/destination stop pair in the cache.
type Pair struct {
	From string
	To   string
}
