package vehicle

import "math/rand"

// Driver supplies the stochastic part of a vehicle's behaviour.
type Driver interface {
	// Dawdle reports whether the vehicle slows down by one cell this tick.
	// Implementations must consume the same amount of randomness on every call.
	Dawdle() bool
}

// BasicDriver dawdles with a fixed probability.
type BasicDriver struct {
	probability float64
	rng         *rand.Rand
}

// NewBasicDriver creates a driver drawing from its own random stream.
func NewBasicDriver(dawdleProbability float64, rng *rand.Rand) *BasicDriver {
	return &BasicDriver{probability: dawdleProbability, rng: rng}
}

func (d *BasicDriver) Dawdle() bool {
	return d.rng.Float64() < d.probability
}
