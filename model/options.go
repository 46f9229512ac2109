package model

// Weights parameterizes the multi-objective evaluator. Fleet size stays
// dominant by default, then deadhead, then comfort terms.
type Weights struct {
	Buses         float64 `json:"buses"`
	DeadheadKM    float64 `json:"deadhead_km"`
	OvertimeMin   float64 `json:"overtime_minutes"`
	TimeShiftMin  float64 `json:"time_shift_minutes"`
	LoadImbalance float64 `json:"load_imbalance"`
	FuelCost      float64 `json:"fuel_cost"`
	CO2           float64 `json:"co2_emissions"`
}

// DefaultWeights is the BALANCED preset.
func DefaultWeights() Weights {
	return Weights{
		Buses:         1000,
		DeadheadKM:    10,
		OvertimeMin:   50,
		TimeShiftMin:  5,
		LoadImbalance: 20,
		FuelCost:      0.15,
		CO2:           0.01,
	}
}

// WeightPreset names a predefined weight profile.
type WeightPreset string

const (
	PresetMinimizeBuses     WeightPreset = "MINIMIZE_BUSES"
	PresetMinimizeCost      WeightPreset = "MINIMIZE_COST"
	PresetMinimizeEmissions WeightPreset = "MINIMIZE_EMISSIONS"
	PresetBalanced          WeightPreset = "BALANCED"
)

// PresetWeights resolves a preset name; unknown presets fall back to BALANCED.
func PresetWeights(p WeightPreset) Weights {
	switch p {
	case PresetMinimizeBuses:
		return Weights{Buses: 1000}
	case PresetMinimizeCost:
		return Weights{Buses: 1000, DeadheadKM: 10, FuelCost: 1}
	case PresetMinimizeEmissions:
		return Weights{CO2: 1, FuelCost: 0.5}
	default:
		return DefaultWeights()
	}
}

// Distribution selects the Monte Carlo perturbation model.
type Distribution string

const (
	DistLognormal Distribution = "lognormal"
	DistNormal    Distribution = "normal"
	DistUniform   Distribution = "uniform"
)

// DefaultSigma is the perturbation spread applied when a request omits
// sigma.
const DefaultSigma = 0.20

// Float64 returns a pointer to v, for optional numeric option fields.
func Float64(v float64) *float64 { return &v }

// MonteCarloOptions configures the robustness validator.
type MonteCarloOptions struct {
	Simulations  int          `json:"simulations"`
	Distribution Distribution `json:"distribution"`
	// Sigma nil means DefaultSigma; an explicit 0 disables perturbation.
	Sigma *float64 `json:"sigma,omitempty"`
	Seed  int64    `json:"seed,omitempty"`
}

// Normalize clamps Monte Carlo options into their documented ranges.
func (o MonteCarloOptions) Normalize() MonteCarloOptions {
	if o.Simulations <= 0 {
		o.Simulations = 1000
	}
	if o.Simulations < 100 {
		o.Simulations = 100
	}
	if o.Simulations > 10000 {
		o.Simulations = 10000
	}
	if o.Distribution == "" {
		o.Distribution = DistLognormal
	}
	if o.Sigma == nil {
		o.Sigma = Float64(DefaultSigma)
	} else if *o.Sigma < 0 {
		o.Sigma = Float64(0)
	}
	return o
}

// OptimizerOptions is the per-job tunable surface.
type OptimizerOptions struct {
	Day string `json:"day,omitempty"`

	BusCapacity         int `json:"bus_capacity,omitempty"` // seats; 0 = unlimited
	MaxTimeShiftMin     int `json:"max_time_shift_minutes"`
	TransitionBufferMin int `json:"transition_buffer_minutes"`
	MaxReasonableTravel int `json:"max_reasonable_travel_minutes"`

	Preset  WeightPreset `json:"preset,omitempty"`
	Weights *Weights     `json:"weights,omitempty"`

	RegretK int `json:"regret_k,omitempty"` // 0 disables regret construction

	IterationBudget int     `json:"iteration_budget"`
	TimeBudgetSec   int     `json:"time_budget_seconds"`
	Patience        int     `json:"patience"`
	Seed            int64   `json:"seed,omitempty"`
	DestroyRate     float64 `json:"destroy_rate,omitempty"`

	ILPTimeLimitSec int `json:"ilp_time_limit_seconds"`
	ILPMaxPairs     int `json:"ilp_max_pairs"`

	Validate   bool               `json:"validate,omitempty"`
	MonteCarlo *MonteCarloOptions `json:"monte_carlo,omitempty"`
}

// ApplyDefaults fills zero-valued tuning fields from service-level
// defaults. Request values always win; Normalize still backstops fields
// the defaults leave unset.
func (o OptimizerOptions) ApplyDefaults(d OptimizerOptions) OptimizerOptions {
	if o.MaxTimeShiftMin <= 0 {
		o.MaxTimeShiftMin = d.MaxTimeShiftMin
	}
	if o.TransitionBufferMin <= 0 {
		o.TransitionBufferMin = d.TransitionBufferMin
	}
	if o.MaxReasonableTravel <= 0 {
		o.MaxReasonableTravel = d.MaxReasonableTravel
	}
	if o.IterationBudget <= 0 {
		o.IterationBudget = d.IterationBudget
	}
	if o.TimeBudgetSec <= 0 {
		o.TimeBudgetSec = d.TimeBudgetSec
	}
	if o.Patience <= 0 {
		o.Patience = d.Patience
	}
	if o.ILPTimeLimitSec <= 0 {
		o.ILPTimeLimitSec = d.ILPTimeLimitSec
	}
	if o.ILPMaxPairs <= 0 {
		o.ILPMaxPairs = d.ILPMaxPairs
	}
	return o
}

// Normalize applies defaults to zero-valued options.
func (o OptimizerOptions) Normalize() OptimizerOptions {
	if o.Day == "" {
		o.Day = "default"
	}
	if o.MaxTimeShiftMin <= 0 {
		o.MaxTimeShiftMin = 15
	}
	if o.TransitionBufferMin < 0 {
		o.TransitionBufferMin = 0
	}
	if o.MaxReasonableTravel <= 0 {
		o.MaxReasonableTravel = 120
	}
	if o.IterationBudget <= 0 {
		o.IterationBudget = 2000
	}
	if o.TimeBudgetSec <= 0 {
		o.TimeBudgetSec = 30
	}
	if o.Patience <= 0 {
		o.Patience = 200
	}
	if o.DestroyRate <= 0 {
		o.DestroyRate = 0.30
	}
	if o.ILPTimeLimitSec <= 0 {
		o.ILPTimeLimitSec = 10
	}
	if o.ILPMaxPairs <= 0 {
		o.ILPMaxPairs = 5000
	}
	return o
}

// EffectiveWeights resolves explicit weights over the preset.
func (o OptimizerOptions) EffectiveWeights() Weights {
	if o.Weights != nil {
		return *o.Weights
	}
	return PresetWeights(o.Preset)
}
