package travel

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"schoolbus/backend/model"
)

// SharedCache is a read-mostly cross-job cache of pair travel times.
// Workers may share one instance; the per-job Matrix consults it before
// calling the provider.
type SharedCache struct {
	c *lru.Cache[Pair, float64]
}

// NewSharedCache returns an LRU-backed cache of the given size.
func NewSharedCache(size int) (*SharedCache, error) {
	c, err := lru.New[Pair, float64](size)
	if err != nil {
		return nil, err
	}
	return &SharedCache{c: c}, nil
}

func (s *SharedCache) get(p Pair) (float64, bool) { return s.c.Get(p) }
func (s *SharedCache) put(p Pair, v float64)      { s.c.Add(p, v) }

// Matrix caches per-pair travel minutes for one job. All optimizer
// components receive it by reference; it is the only source of travel-time
// numbers in the core. Provider failures fall back to a pessimistic
// haversine estimate multiplied by the detour factor, and the matrix
// records that a fallback was used.
type Matrix struct {
	mu       sync.RWMutex
	minutes  map[Pair]float64
	stops    map[string]model.Stop
	provider Provider
	shared   *SharedCache

	fallbackSpeed float64
	detourFactor  float64
	fellBack      bool

	log zerolog.Logger
}

// MatrixConfig configures a per-job Matrix.
type MatrixConfig struct {
	Provider      Provider
	Shared        *SharedCache // optional
	FallbackSpeed float64      // km/h for the pessimistic estimate
	DetourFactor  float64      // multiplier on the fallback estimate
	Logger        zerolog.Logger
}

// NewMatrix builds an empty matrix over the stops of the given routes.
func NewMatrix(routes []model.Route, cfg MatrixConfig) *Matrix {
	if cfg.FallbackSpeed <= 0 {
		cfg.FallbackSpeed = 40
	}
	if cfg.DetourFactor <= 0 {
		cfg.DetourFactor = 1.3
	}
	stops := make(map[string]model.Stop)
	for i := range routes {
		for _, s := range routes[i].Stops {
			stops[s.ID] = s
		}
	}
	return &Matrix{
		minutes:       make(map[Pair]float64),
		stops:         stops,
		provider:      cfg.Provider,
		shared:        cfg.Shared,
		fallbackSpeed: cfg.FallbackSpeed,
		detourFactor:  cfg.DetourFactor,
		log:           cfg.Logger.With().Str("component", "travel.matrix").Logger(),
	}
}

// Get returns travel minutes between two stop ids, resolving lazily through
// the shared cache, the provider, and finally the fallback estimate.
func (m *Matrix) Get(ctx context.Context, from, to string) float64 {
	if from == to {
		return 0
	}
	p := Pair{From: from, To: to}
	m.mu.RLock()
	v, ok := m.minutes[p]
	m.mu.RUnlock()
	if ok {
		return v
	}
	if m.shared != nil {
		if v, ok := m.shared.get(p); ok {
			m.mu.Lock()
			m.minutes[p] = v
			m.mu.Unlock()
			return v
		}
	}
	v = m.resolve(ctx, p)
	m.mu.Lock()
	m.minutes[p] = v
	m.mu.Unlock()
	if m.shared != nil {
		m.shared.put(p, v)
	}
	return v
}

func (m *Matrix) resolve(ctx context.Context, p Pair) float64 {
	fromStop, okF := m.stops[p.From]
	toStop, okT := m.stops[p.To]
	if !okF || !okT {
		return 0
	}
	if m.provider != nil {
		if v, err := m.provider.Travel(ctx, fromStop, toStop); err == nil {
			return v
		}
	}
	// pessimistic estimate when the provider is absent or failed
	m.mu.Lock()
	m.fellBack = m.provider != nil
	m.mu.Unlock()
	km := HaversineKM(fromStop.Latitude, fromStop.Longitude, toStop.Latitude, toStop.Longitude)
	return km / m.fallbackSpeed * 60.0 * m.detourFactor
}

// Prefetch resolves a batch of pairs up front. A batch-capable provider
// answers the whole set with one table call; otherwise pairs resolve one
// by one through Get.
func (m *Matrix) Prefetch(ctx context.Context, pairs []Pair) {
	if bp, ok := m.provider.(BatchProvider); ok && len(pairs) > 0 {
		if m.prefetchTable(ctx, bp, pairs) {
			return
		}
	}
	for _, p := range pairs {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m.Get(ctx, p.From, p.To)
	}
}

func (m *Matrix) prefetchTable(ctx context.Context, bp BatchProvider, pairs []Pair) bool {
	seen := make(map[string]bool)
	var stops []model.Stop
	for _, p := range pairs {
		for _, id := range []string{p.From, p.To} {
			if s, ok := m.stops[id]; ok && !seen[id] {
				seen[id] = true
				stops = append(stops, s)
			}
		}
	}
	table, err := bp.Table(ctx, stops)
	if err != nil {
		m.log.Warn().Err(err).Int("stops", len(stops)).Msg("table prefetch failed, resolving pairwise")
		return false
	}
	m.mu.Lock()
	for _, p := range pairs {
		if v, ok := table[p]; ok {
			m.minutes[p] = v
		}
	}
	m.mu.Unlock()
	if m.shared != nil {
		for _, p := range pairs {
			if v, ok := table[p]; ok {
				m.shared.put(p, v)
			}
		}
	}
	return true
}

// Size reports the number of cached pairs.
func (m *Matrix) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.minutes)
}

// UsedFallback reports whether any pair was resolved via the pessimistic
// estimate after a provider failure.
func (m *Matrix) UsedFallback() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fellBack
}

// Set seeds a pair directly. Tests and the Monte Carlo replayer use this to
// build perturbed matrices.
func (m *Matrix) Set(from, to string, minutes float64) {
	m.mu.Lock()
	m.minutes[Pair{From: from, To: to}] = minutes
	m.mu.Unlock()
}

// Pairs returns a snapshot of the cached pairs.
func (m *Matrix) Pairs() map[Pair]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[Pair]float64, len(m.minutes))
	for k, v := range m.minutes {
		out[k] = v
	}
	return out
}
