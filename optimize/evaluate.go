package optimize

import (
	"schoolbus/backend/model"
)

// Cost conversion constants. Deadhead minutes convert to km at the same
// average speed the haversine estimator assumes.
const (
	defaultKmPerMinute = 40.0 / 60.0
	fuelPricePerKm     = 0.42  // EUR/km, diesel bus
	co2KgPerKm         = 1.08  // kg CO2/km, diesel bus
	regularDutySpanMin = 480   // overtime accrues beyond an 8h span
)

// Evaluator scores a schedule as a weighted sum over fleet size, deadhead,
// overtime, time-shift, load imbalance, fuel and CO2. It is deterministic
// and performs no I/O; every travel number is read off the duty items.
type Evaluator struct {
	W           model.Weights
	KmPerMinute float64
}

// NewEvaluator builds an evaluator for the given weights.
func NewEvaluator(w model.Weights) *Evaluator {
	return &Evaluator{W: w, KmPerMinute: defaultKmPerMinute}
}

// Breakdown carries the raw terms behind a score.
type Breakdown struct {
	Buses         int
	DeadheadKM    float64
	OvertimeMin   int
	TimeShiftMin  int
	LoadImbalance float64
	ServiceKM     float64
	FuelCost      float64
	CO2Kg         float64
	Score         float64
}

// Score returns the scalar objective for a set of duties.
func (e *Evaluator) Score(duties []model.BusDuty) float64 {
	return e.Explain(duties).Score
}

// Explain computes every objective term for a set of duties.
func (e *Evaluator) Explain(duties []model.BusDuty) Breakdown {
	var b Breakdown
	counts := make([]int, 0, len(duties))
	for _, d := range duties {
		if len(d.Items) == 0 {
			continue
		}
		b.Buses++
		counts = append(counts, len(d.Items))
		span := int(d.Items[len(d.Items)-1].End - d.Items[0].Start)
		if span > regularDutySpanMin {
			b.OvertimeMin += span - regularDutySpanMin
		}
		for _, it := range d.Items {
			b.DeadheadKM += float64(it.DeadheadMin) * e.KmPerMinute
			b.TimeShiftMin += it.ShiftMin
			b.ServiceKM += float64(it.End-it.Start) * e.KmPerMinute
		}
	}
	b.LoadImbalance = variance(counts)
	totalKM := b.DeadheadKM + b.ServiceKM
	b.FuelCost = totalKM * fuelPricePerKm
	b.CO2Kg = totalKM * co2KgPerKm

	b.Score = e.W.Buses*float64(b.Buses) +
		e.W.DeadheadKM*b.DeadheadKM +
		e.W.OvertimeMin*float64(b.OvertimeMin) +
		e.W.TimeShiftMin*float64(b.TimeShiftMin) +
		e.W.LoadImbalance*b.LoadImbalance +
		e.W.FuelCost*b.FuelCost +
		e.W.CO2*b.CO2Kg
	return b
}

func variance(xs []int) float64 {
	if len(xs) == 0 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += float64(x)
	}
	mean /= float64(len(xs))
	v := 0.0
	for _, x := range xs {
		d := float64(x) - mean
		v += d * d
	}
	return v / float64(len(xs))
}
