package sim

import (
	"fmt"
	"hash/fnv"
	"math/rand"
)

// === Subsystem Constants ===

const (
	// SubsystemDemand is the RNG subsystem for itinerary sampling (random OD pairs, areas).
	SubsystemDemand = "demand"

	// SubsystemRouting is the RNG subsystem for the per-vehicle choice of shortest-path metric.
	SubsystemRouting = "routing"

	// SubsystemSpawn is the RNG subsystem for spawn delays.
	SubsystemSpawn = "spawn"
)

// SubsystemVehicle returns the subsystem name for the driver of vehicle id.
func SubsystemVehicle(id int64) string {
	return fmt.Sprintf("vehicle_%d", id)
}

// === PartitionedRNG ===

// PartitionedRNG provides deterministic, isolated RNG instances per subsystem.
//
// Derivation formula: masterSeed XOR fnv1a64(subsystemName), so the stream of a
// subsystem does not depend on which other subsystems were used before it.
//
// Thread-safety: NOT thread-safe. Must be called from single goroutine.
// Per-vehicle generators are derived up front and handed to drivers, which
// each own theirs exclusively.
type PartitionedRNG struct {
	seed       int64
	subsystems map[string]*rand.Rand
}

// NewPartitionedRNG creates a PartitionedRNG from the run seed.
func NewPartitionedRNG(seed int64) *PartitionedRNG {
	return &PartitionedRNG{
		seed:       seed,
		subsystems: make(map[string]*rand.Rand),
	}
}

// ForSubsystem returns a deterministically-seeded RNG for the named subsystem.
// The same subsystem name always returns the same *rand.Rand instance (cached).
// Never returns nil.
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	if rng, ok := p.subsystems[name]; ok {
		return rng
	}
	rng := rand.New(rand.NewSource(p.SeedFor(name)))
	p.subsystems[name] = rng
	return rng
}

// SeedFor returns the derived seed of a subsystem without caching a generator.
func (p *PartitionedRNG) SeedFor(name string) int64 {
	return p.seed ^ fnv1a64(name)
}

// Seed returns the master seed used to create this PartitionedRNG.
func (p *PartitionedRNG) Seed() int64 {
	return p.seed
}

// fnv1a64 computes a 64-bit FNV-1a hash of the input string.
func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
