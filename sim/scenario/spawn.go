package scenario

import (
	"math"
	"math/rand"

	"github.com/sirupsen/logrus"

	"github.com/traffic-sim/traffic-sim/sim"
)

// SpawnSampler assigns spawn delays, in ticks, to vehicles in build order.
type SpawnSampler interface {
	// SampleDelay returns the delay of the next vehicle. Always >= 0.
	SampleDelay(rng *rand.Rand) int64
}

// ImmediateSampler spawns every vehicle as soon as its entry lane has room.
type ImmediateSampler struct{}

func (ImmediateSampler) SampleDelay(*rand.Rand) int64 { return 0 }

// UniformSampler draws each delay uniformly from [0, maxDelay].
type UniformSampler struct {
	maxDelay int64
}

func (s *UniformSampler) SampleDelay(rng *rand.Rand) int64 {
	return rng.Int63n(s.maxDelay + 1)
}

// PoissonSampler spaces spawns with exponentially distributed gaps, so vehicles
// enter as a Poisson process of the given rate (vehicles per tick).
type PoissonSampler struct {
	rate float64
	next float64
}

func (s *PoissonSampler) SampleDelay(rng *rand.Rand) int64 {
	delay := int64(s.next)
	s.next += rng.ExpFloat64() / s.rate
	return delay
}

// NewSpawnSampler creates the sampler selected by cfg. Poisson samplers are stateful,
// so every build needs a fresh one.
func NewSpawnSampler(cfg sim.SpawnConfig) SpawnSampler {
	switch cfg.Distribution {
	case "", "none":
		return ImmediateSampler{}
	case "uniform":
		return &UniformSampler{maxDelay: cfg.MaxDelay}
	case "poisson":
		rate := cfg.Rate
		if rate < 1e-9 || math.IsNaN(rate) {
			logrus.Warnf("spawn rate %g is too small; using 1e-9 vehicles per tick", rate)
			rate = 1e-9
		}
		return &PoissonSampler{rate: rate}
	default:
		// Validated before reaching here
		return ImmediateSampler{}
	}
}
