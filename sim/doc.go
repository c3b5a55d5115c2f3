// Package sim provides the shared kernel of the microscopic traffic simulator.
//
// # Reading Guide
//
// Start with these files to understand the simulation core:
//   - config.go: SimulationConfig, the crossing-logic rule flags, YAML loading
//   - rng.go: PartitionedRNG, the only source of randomness (seeded per subsystem)
//   - engine/simulation.go: the tick loop (intention → resolution → commit)
//
// # Architecture
//
// The sim package holds configuration, RNG and error types; the simulation
// itself lives in sub-packages, leaf-first:
//   - sim/graph/: StreetGraph arena of nodes, directed edges and cell lanes
//   - sim/routing/: bidirectional A* with fastest-way and linear-distance metrics
//   - sim/vehicle/: vehicles, Nagel-Schreckenberg drivers, routes, VehicleContainer
//   - sim/crossing/: per-node admission control (right-of-way)
//   - sim/scenario/: OD matrices, itinerary sources, ScenarioBuilder
//   - sim/engine/: worker-pool stepper, run-loop, metrics
//   - sim/trace/: crossing decision trace recording
//   - sim/osmsource/: OSM XML to raw network segments
//
// # Key Interfaces
//
//   - routing.ShortestPathAlgorithm: origin/destination → path or RouteNotFoundError
//   - routing.Metric: edge cost plus an admissible distance heuristic
//   - vehicle.Driver: acceleration and dawdling policy
//   - scenario.ItinerarySource: produces the demand (OD matrix and explicit routes)
package sim
