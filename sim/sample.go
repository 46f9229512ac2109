package sim

import (
	"math"
	"math/rand"

	"schoolbus/backend/model"
)

// multiplierSampler draws travel-time perturbation factors with mean 1.
type multiplierSampler struct {
	dist  model.Distribution
	sigma float64
	rng   *rand.Rand
}

func newSampler(dist model.Distribution, sigma float64, rng *rand.Rand) *multiplierSampler {
	return &multiplierSampler{dist: dist, sigma: sigma, rng: rng}
}

// next returns a non-negative perturbation factor. Sigma zero degenerates
// to the identity for every distribution.
func (s *multiplierSampler) next() float64 {
	if s.sigma == 0 {
		return 1
	}
	switch s.dist {
	case model.DistNormal:
		v := 1 + s.rng.NormFloat64()*s.sigma
		if v < 0 {
			return 0
		}
		return v
	case model.DistUniform:
		// half-width sigma*sqrt(3) keeps the variance at sigma^2
		hw := s.sigma * math.Sqrt(3)
		v := 1 - hw + s.rng.Float64()*2*hw
		if v < 0 {
			return 0
		}
		return v
	default: // lognormal
		// mu = -sigma^2/2 keeps the mean at 1
		mu := -s.sigma * s.sigma / 2
		return math.Exp(mu + s.rng.NormFloat64()*s.sigma)
	}
}

// wilson computes the 95% Wilson score interval for k successes out of n.
func wilson(k, n int) (lo, hi float64) {
	if n == 0 {
		return 0, 0
	}
	const z = 1.959964
	p := float64(k) / float64(n)
	nf := float64(n)
	denom := 1 + z*z/nf
	center := (p + z*z/(2*nf)) / denom
	half := z * math.Sqrt(p*(1-p)/nf+z*z/(4*nf*nf)) / denom
	lo = center - half
	hi = center + half
	if lo < 0 {
		lo = 0
	}
	if hi > 1 {
		hi = 1
	}
	return lo, hi
}
