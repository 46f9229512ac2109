package travel

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"schoolbus/backend/model"
)

// RemoteProvider queries an external routing service for pair travel times.
// Each request carries its own timeout and is retried twice with jittered
// backoff before the caller falls back to an estimate.
type RemoteProvider struct {
	client   *resty.Client
	routeURL string
	tableURL string
	log      zerolog.Logger
	retries  int
	backoff  time.Duration
}

type remoteRouteResponse struct {
	Routes []struct {
		Duration float64 `json:"duration"` // seconds
	} `json:"routes"`
	Code string `json:"code"`
}

type remoteTableResponse struct {
	Durations [][]float64 `json:"durations"` // seconds
	Code      string      `json:"code"`
}

// NewRemoteProvider builds a client for the given route and table
// endpoints. tableURL may be empty, in which case batch prefetch is
// unavailable and every pair resolves through the route endpoint.
func NewRemoteProvider(routeURL, tableURL string, timeout time.Duration, log zerolog.Logger) *RemoteProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := resty.New().SetTimeout(timeout)
	return &RemoteProvider{
		client:   c,
		routeURL: routeURL,
		tableURL: tableURL,
		log:      log.With().Str("component", "travel.remote").Logger(),
		retries:  2,
		backoff:  200 * time.Millisecond,
	}
}

func (p *RemoteProvider) Travel(ctx context.Context, from, to model.Stop) (float64, error) {
	url := fmt.Sprintf("%s/%f,%f;%f,%f", p.routeURL,
		from.Longitude, from.Latitude, to.Longitude, to.Latitude)
	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			// jittered backoff between attempts
			d := p.backoff * time.Duration(attempt)
			d += time.Duration(rand.Int63n(int64(p.backoff)))
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(d):
			}
		}
		var body remoteRouteResponse
		resp, err := p.client.R().
			SetContext(ctx).
			SetResult(&body).
			Get(url)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.IsError() {
			lastErr = fmt.Errorf("routing service: status %d", resp.StatusCode())
			continue
		}
		if len(body.Routes) == 0 {
			lastErr = fmt.Errorf("routing service: empty response (code %q)", body.Code)
			continue
		}
		return body.Routes[0].Duration / 60.0, nil
	}
	p.log.Warn().Err(lastErr).Str("from", from.ID).Str("to", to.ID).Msg("remote provider exhausted retries")
	return 0, fmt.Errorf("remote travel %s->%s: %w", from.ID, to.ID, lastErr)
}

// Table resolves every ordered stop pair with one request against the
// table endpoint. Implements BatchProvider.
func (p *RemoteProvider) Table(ctx context.Context, stops []model.Stop) (map[Pair]float64, error) {
	if p.tableURL == "" {
		return nil, fmt.Errorf("table endpoint not configured")
	}
	if len(stops) < 2 {
		return map[Pair]float64{}, nil
	}
	var sb strings.Builder
	for i, s := range stops {
		if i > 0 {
			sb.WriteByte(';')
		}
		fmt.Fprintf(&sb, "%f,%f", s.Longitude, s.Latitude)
	}
	url := fmt.Sprintf("%s/%s?annotations=duration", p.tableURL, sb.String())

	var body remoteTableResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetResult(&body).
		Get(url)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("routing service: status %d", resp.StatusCode())
	}
	if len(body.Durations) != len(stops) {
		return nil, fmt.Errorf("routing service: table shape %dx? for %d stops (code %q)",
			len(body.Durations), len(stops), body.Code)
	}
	out := make(map[Pair]float64, len(stops)*len(stops))
	for i, row := range body.Durations {
		if len(row) != len(stops) {
			return nil, fmt.Errorf("routing service: ragged table row %d (code %q)", i, body.Code)
		}
		for j, sec := range row {
			if i == j {
				continue
			}
			out[Pair{From: stops[i].ID, To: stops[j].ID}] = sec / 60.0
		}
	}
	return out, nil
}
