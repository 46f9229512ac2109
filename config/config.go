package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"schoolbus/backend/model"
)

// Config holds every environment-tunable knob of the service.
// Values not present in the environment fall back to the documented defaults.
type Config struct {
	QueueEnabled     bool
	WebsocketEnabled bool

	WorkerConcurrency   int
	JobTimeLimit        time.Duration
	WorkerRetryAttempts int
	WorkerRetryBase     time.Duration

	TravelTimeProvider    string // "haversine" or "remote"
	RemoteRoutingURL      string
	RemoteRoutingTableURL string
	ProviderTimeout       time.Duration

	ProgressMinInterval time.Duration
	ProgressMinDeltaPct int

	MaxTimeShiftMinutes      int
	TransitionBufferMinutes  int
	MaxReasonableTravelMin   int
	HaversineSpeedKmph       float64
	FallbackDetourFactor     float64

	LNSIterationBudget int
	LNSTimeBudget      time.Duration
	LNSPatience        int

	ILPTimeLimit time.Duration
	ILPMaxPairs  int

	HTTPAddr  string
	StorePath string
}

// Default returns the configuration with every documented default applied.
func Default() Config {
	return Config{
		QueueEnabled:            true,
		WebsocketEnabled:        true,
		WorkerConcurrency:       4,
		JobTimeLimit:            3600 * time.Second,
		WorkerRetryAttempts:     3,
		WorkerRetryBase:         60 * time.Second,
		TravelTimeProvider:      "haversine",
		ProviderTimeout:         5 * time.Second,
		ProgressMinInterval:     time.Second,
		ProgressMinDeltaPct:     5,
		MaxTimeShiftMinutes:     15,
		TransitionBufferMinutes: 0,
		MaxReasonableTravelMin:  120,
		HaversineSpeedKmph:      40,
		FallbackDetourFactor:    1.3,
		LNSIterationBudget:      2000,
		LNSTimeBudget:           30 * time.Second,
		LNSPatience:             200,
		ILPTimeLimit:            10 * time.Second,
		ILPMaxPairs:             5000,
		HTTPAddr:                ":8080",
		StorePath:               "jobs.db",
	}
}

// FromEnv builds a Config from the process environment on top of defaults.
// Returns an error when provider=remote is selected without its URLs.
func FromEnv() (Config, error) {
	c := Default()
	c.QueueEnabled = envBool("QUEUE_ENABLED", c.QueueEnabled)
	c.WebsocketEnabled = envBool("WEBSOCKET_ENABLED", c.WebsocketEnabled)
	c.WorkerConcurrency = envInt("WORKER_CONCURRENCY", c.WorkerConcurrency)
	c.JobTimeLimit = envSeconds("JOB_TIME_LIMIT_SECONDS", c.JobTimeLimit)
	c.WorkerRetryAttempts = envInt("WORKER_RETRY_ATTEMPTS", c.WorkerRetryAttempts)
	c.WorkerRetryBase = envSeconds("WORKER_RETRY_BASE_SECONDS", c.WorkerRetryBase)
	c.TravelTimeProvider = envString("TRAVEL_TIME_PROVIDER", c.TravelTimeProvider)
	c.RemoteRoutingURL = envString("REMOTE_ROUTING_URL", "")
	c.RemoteRoutingTableURL = envString("REMOTE_ROUTING_TABLE_URL", "")
	c.ProviderTimeout = envSeconds("PROVIDER_TIMEOUT_SECONDS", c.ProviderTimeout)
	c.ProgressMinInterval = envMillis("PROGRESS_MIN_INTERVAL_MS", c.ProgressMinInterval)
	c.ProgressMinDeltaPct = envInt("PROGRESS_MIN_DELTA_PCT", c.ProgressMinDeltaPct)
	c.MaxTimeShiftMinutes = envInt("MAX_TIME_SHIFT_MINUTES", c.MaxTimeShiftMinutes)
	c.TransitionBufferMinutes = envInt("TRANSITION_BUFFER_MINUTES", c.TransitionBufferMinutes)
	c.MaxReasonableTravelMin = envInt("MAX_REASONABLE_TRAVEL_MINUTES", c.MaxReasonableTravelMin)
	c.HaversineSpeedKmph = envFloat("HAVERSINE_SPEED_KMPH", c.HaversineSpeedKmph)
	c.FallbackDetourFactor = envFloat("FALLBACK_DETOUR_FACTOR", c.FallbackDetourFactor)
	c.LNSIterationBudget = envInt("LNS_ITERATION_BUDGET", c.LNSIterationBudget)
	c.LNSTimeBudget = envSeconds("LNS_TIME_BUDGET_SECONDS", c.LNSTimeBudget)
	c.LNSPatience = envInt("LNS_PATIENCE", c.LNSPatience)
	c.ILPTimeLimit = envSeconds("ILP_TIME_LIMIT_SECONDS", c.ILPTimeLimit)
	c.ILPMaxPairs = envInt("ILP_MAX_PAIRS", c.ILPMaxPairs)
	c.HTTPAddr = envString("HTTP_ADDR", c.HTTPAddr)
	c.StorePath = envString("JOB_STORE_PATH", c.StorePath)

	if c.WorkerConcurrency < 1 {
		c.WorkerConcurrency = 1
	}
	if c.TransitionBufferMinutes < 0 {
		c.TransitionBufferMinutes = 0
	}
	if c.TravelTimeProvider == "remote" && c.RemoteRoutingURL == "" {
		return c, fmt.Errorf("config: TRAVEL_TIME_PROVIDER=remote requires REMOTE_ROUTING_URL")
	}
	return c, nil
}

// OptimizerDefaults maps the service tuning knobs onto per-job option
// defaults.
func (c Config) OptimizerDefaults() model.OptimizerOptions {
	return model.OptimizerOptions{
		MaxTimeShiftMin:     c.MaxTimeShiftMinutes,
		TransitionBufferMin: c.TransitionBufferMinutes,
		MaxReasonableTravel: c.MaxReasonableTravelMin,
		IterationBudget:     c.LNSIterationBudget,
		TimeBudgetSec:       int(c.LNSTimeBudget / time.Second),
		Patience:            c.LNSPatience,
		ILPTimeLimitSec:     int(c.ILPTimeLimit / time.Second),
		ILPMaxPairs:         c.ILPMaxPairs,
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envSeconds(key string, def time.Duration) time.Duration {
	if n := envInt(key, -1); n >= 0 {
		return time.Duration(n) * time.Second
	}
	return def
}

func envMillis(key string, def time.Duration) time.Duration {
	if n := envInt(key, -1); n >= 0 {
		return time.Duration(n) * time.Millisecond
	}
	return def
}
