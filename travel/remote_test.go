package travel

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolbus/backend/model"
)

func stop(id string, lat, lng float64) model.Stop {
	return model.Stop{ID: id, Latitude: lat, Longitude: lng}
}

func TestRemoteProviderTravel(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"code":"Ok","routes":[{"duration":600}]}`)
	}))
	defer ts.Close()

	p := NewRemoteProvider(ts.URL, "", time.Second, zerolog.Nop())
	min, err := p.Travel(context.Background(), stop("a", 41.38, 2.17), stop("b", 41.40, 2.19))
	require.NoError(t, err)
	assert.Equal(t, 10.0, min, "600 seconds is 10 minutes")
}

func TestRemoteProviderRetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	p := NewRemoteProvider(ts.URL, "", time.Second, zerolog.Nop())
	p.backoff = time.Millisecond
	_, err := p.Travel(context.Background(), stop("a", 41.38, 2.17), stop("b", 41.40, 2.19))
	require.Error(t, err)
	assert.EqualValues(t, 3, calls.Load(), "initial attempt plus two retries")
}

func TestRemoteProviderEmptyRoutesIsAnError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"NoRoute","routes":[]}`)
	}))
	defer ts.Close()

	p := NewRemoteProvider(ts.URL, "", time.Second, zerolog.Nop())
	p.backoff = time.Millisecond
	_, err := p.Travel(context.Background(), stop("a", 41.38, 2.17), stop("b", 41.40, 2.19))
	assert.ErrorContains(t, err, "empty response")
}

func TestRemoteProviderTable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "duration", r.URL.Query().Get("annotations"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"code":"Ok","durations":[[0,120,240],[130,0,250],[260,270,0]]}`)
	}))
	defer ts.Close()

	p := NewRemoteProvider("", ts.URL, time.Second, zerolog.Nop())
	stops := []model.Stop{
		stop("a", 41.38, 2.17),
		stop("b", 41.39, 2.18),
		stop("c", 41.40, 2.19),
	}
	table, err := p.Table(context.Background(), stops)
	require.NoError(t, err)
	assert.Len(t, table, 6, "diagonal excluded")
	assert.Equal(t, 2.0, table[Pair{From: "a", To: "b"}])
	assert.Equal(t, 130.0/60, table[Pair{From: "b", To: "a"}])
}

func TestRemoteProviderTableUnconfigured(t *testing.T) {
	p := NewRemoteProvider("http://example.invalid", "", time.Second, zerolog.Nop())
	_, err := p.Table(context.Background(), []model.Stop{stop("a", 1, 1), stop("b", 2, 2)})
	assert.ErrorContains(t, err, "not configured")
}

func TestRemoteProviderTableShapeMismatch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"Ok","durations":[[0,120]]}`)
	}))
	defer ts.Close()

	p := NewRemoteProvider("", ts.URL, time.Second, zerolog.Nop())
	_, err := p.Table(context.Background(), []model.Stop{stop("a", 1, 1), stop("b", 2, 2)})
	assert.ErrorContains(t, err, "table shape")
}

// tableProvider serves Prefetch through one batch call.
type tableProvider struct {
	travelCalls atomic.Int32
	tableCalls  atomic.Int32
	minutes     float64
}

func (p *tableProvider) Travel(context.Context, model.Stop, model.Stop) (float64, error) {
	p.travelCalls.Add(1)
	return p.minutes, nil
}

func (p *tableProvider) Table(_ context.Context, stops []model.Stop) (map[Pair]float64, error) {
	p.tableCalls.Add(1)
	out := make(map[Pair]float64)
	for _, a := range stops {
		for _, b := range stops {
			if a.ID != b.ID {
				out[Pair{From: a.ID, To: b.ID}] = p.minutes
			}
		}
	}
	return out, nil
}

func TestMatrixPrefetchUsesBatchProvider(t *testing.T) {
	routes := []model.Route{{
		ID: "r1", Type: model.RouteEntry,
		Stops: []model.Stop{stop("a", 41.38, 2.17), stop("b", 41.39, 2.18), stop("c", 41.40, 2.19)},
	}}
	p := &tableProvider{minutes: 7}
	m := NewMatrix(routes, MatrixConfig{Provider: p, Logger: zerolog.Nop()})

	m.Prefetch(context.Background(), []Pair{{From: "a", To: "b"}, {From: "b", To: "c"}})
	assert.EqualValues(t, 1, p.tableCalls.Load())
	assert.EqualValues(t, 0, p.travelCalls.Load())

	// prefetched pairs resolve from the cache, no point queries
	assert.Equal(t, 7.0, m.Get(context.Background(), "a", "b"))
	assert.Equal(t, 7.0, m.Get(context.Background(), "b", "c"))
	assert.EqualValues(t, 0, p.travelCalls.Load())
}
