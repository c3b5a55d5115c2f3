package cmd

import (
	"bytes"
	"fmt"
	"os"

	"github.com/paulmach/orb"
	"gopkg.in/yaml.v3"

	"github.com/traffic-sim/traffic-sim/sim/graph"
	"github.com/traffic-sim/traffic-sim/sim/osmsource"
	"github.com/traffic-sim/traffic-sim/sim/scenario"
)

// NetworkFile is the YAML document accepted by --network: the raw street network
// and, optionally, the demand to drive on it.
// All top-level sections must be listed to satisfy KnownFields(true) strict parsing.
type NetworkFile struct {
	Nodes    []graph.RawNode    `yaml:"nodes"`
	Segments []graph.RawSegment `yaml:"segments"`
	Demand   *DemandConfig      `yaml:"demand"`
}

// DemandConfig selects an itinerary source.
type DemandConfig struct {
	Source          string       `yaml:"source"` // "od-matrix", "route-list", "random", "area", "end-of-the-world"
	OD              []ODEntry    `yaml:"od"`
	Routes          [][]int64    `yaml:"routes"`
	OriginArea      [][2]float64 `yaml:"origin_area"`      // ring of [lon, lat]
	DestinationArea [][2]float64 `yaml:"destination_area"` // ring of [lon, lat]
	BorderFraction  float64      `yaml:"border_fraction"`
}

// ODEntry is one row of an OD matrix in YAML.
type ODEntry struct {
	Origin      int64 `yaml:"origin"`
	Destination int64 `yaml:"destination"`
	Count       int   `yaml:"count"`
}

// RawNetwork returns the street network part of the file.
func (f NetworkFile) RawNetwork() graph.RawNetwork {
	return graph.RawNetwork{Nodes: f.Nodes, Segments: f.Segments}
}

// loadNetworkFile parses a network YAML file with strict field checking.
func loadNetworkFile(path string) (NetworkFile, error) {
	var f NetworkFile
	data, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("reading network file: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&f); err != nil {
		return f, fmt.Errorf("parsing network file %s: %w", path, err)
	}
	return f, nil
}

// loadOSMFile reads an OSM XML extract.
func loadOSMFile(path string) (graph.RawNetwork, error) {
	fh, err := os.Open(path)
	if err != nil {
		return graph.RawNetwork{}, fmt.Errorf("opening osm file: %w", err)
	}
	defer fh.Close()
	o, err := osmsource.Parse(fh)
	if err != nil {
		return graph.RawNetwork{}, err
	}
	return osmsource.Convert(o)
}

// loadNetwork reads the street network from exactly one of networkPath or osmPath.
// The demand section is only available from network files.
func loadNetwork(networkPath, osmPath string) (graph.RawNetwork, *DemandConfig, error) {
	switch {
	case networkPath != "" && osmPath != "":
		return graph.RawNetwork{}, nil, fmt.Errorf("--network and --osm are mutually exclusive")
	case networkPath != "":
		f, err := loadNetworkFile(networkPath)
		if err != nil {
			return graph.RawNetwork{}, nil, err
		}
		return f.RawNetwork(), f.Demand, nil
	case osmPath != "":
		raw, err := loadOSMFile(osmPath)
		return raw, nil, err
	default:
		return graph.RawNetwork{}, nil, fmt.Errorf("a street network is required: pass --network or --osm")
	}
}

// buildSource turns a demand section into an itinerary source. A nil section
// samples random trips.
func buildSource(d *DemandConfig) (scenario.ItinerarySource, error) {
	if d == nil {
		return scenario.RandomRouteSource{}, nil
	}
	switch d.Source {
	case "", "od-matrix":
		if len(d.OD) == 0 {
			return nil, fmt.Errorf("demand source od-matrix needs at least one od entry")
		}
		m := scenario.NewODMatrix()
		for _, e := range d.OD {
			if err := m.Set(graph.NodeID(e.Origin), graph.NodeID(e.Destination), e.Count); err != nil {
				return nil, err
			}
		}
		return scenario.ODMatrixSource{Matrix: m}, nil
	case "route-list":
		routes := make([][]graph.NodeID, len(d.Routes))
		for i, r := range d.Routes {
			for _, id := range r {
				routes[i] = append(routes[i], graph.NodeID(id))
			}
		}
		return scenario.RouteListSource{Routes: routes}, nil
	case "random":
		return scenario.RandomRouteSource{}, nil
	case "area":
		origin, err := polygon("origin_area", d.OriginArea)
		if err != nil {
			return nil, err
		}
		destination, err := polygon("destination_area", d.DestinationArea)
		if err != nil {
			return nil, err
		}
		return scenario.AreaSource{Origin: origin, Destination: destination}, nil
	case "end-of-the-world":
		if d.BorderFraction < 0 || d.BorderFraction >= 0.5 {
			return nil, fmt.Errorf("border_fraction must be in [0, 0.5), got %f", d.BorderFraction)
		}
		return scenario.EndOfTheWorldSource{Fraction: d.BorderFraction}, nil
	default:
		return nil, fmt.Errorf("unknown demand source %q; valid: od-matrix, route-list, random, area, end-of-the-world", d.Source)
	}
}

// polygon closes a [lon, lat] ring into a single-ring polygon.
func polygon(name string, points [][2]float64) (orb.Polygon, error) {
	if len(points) < 3 {
		return nil, fmt.Errorf("%s needs at least three points, got %d", name, len(points))
	}
	ring := make(orb.Ring, 0, len(points)+1)
	for _, p := range points {
		ring = append(ring, orb.Point{p[0], p[1]})
	}
	if !ring.Closed() {
		ring = append(ring, ring[0])
	}
	return orb.Polygon{ring}, nil
}
