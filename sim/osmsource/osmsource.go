// Package osmsource turns OpenStreetMap XML into the raw network consumed by graph.Build.
//
// Only drivable highway ways are kept. Ways are split at every node shared with
// another kept way and at their end points; the intermediate shape points only
// contribute to segment length. Two-way streets become one segment per direction.
package osmsource

import (
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb/geo"
	"github.com/paulmach/osm"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/traffic-sim/traffic-sim/sim/graph"
)

// highwayClass describes how a highway=* value is simulated.
type highwayClass struct {
	priority   int
	speedLimit float64 // km/h when maxspeed is missing
	oneway     bool    // implied oneway
}

// highwayClasses lists the drivable highway values. Link roads share their
// parent's class.
var highwayClasses = map[string]highwayClass{
	"motorway":       {priority: 6, speedLimit: 130, oneway: true},
	"trunk":          {priority: 5, speedLimit: 100},
	"primary":        {priority: 4, speedLimit: 70},
	"secondary":      {priority: 3, speedLimit: 60},
	"tertiary":       {priority: 2, speedLimit: 50},
	"unclassified":   {priority: 1, speedLimit: 50},
	"residential":    {priority: 1, speedLimit: 50},
	"living_street":  {priority: 0, speedLimit: 7},
	"service":        {priority: 0, speedLimit: 30},
	"motorway_link":  {priority: 6, speedLimit: 80, oneway: true},
	"trunk_link":     {priority: 5, speedLimit: 60},
	"primary_link":   {priority: 4, speedLimit: 50},
	"secondary_link": {priority: 3, speedLimit: 50},
	"tertiary_link":  {priority: 2, speedLimit: 50},
}

// Parse decodes an OSM XML document.
func Parse(r io.Reader) (*osm.OSM, error) {
	o := &osm.OSM{}
	if err := xml.NewDecoder(r).Decode(o); err != nil {
		return nil, fmt.Errorf("decoding osm xml: %w", err)
	}
	return o, nil
}

// Convert builds the raw network of the drivable streets in o. Node ids are the
// OSM node ids; segment ids are assigned from 1 in way order.
func Convert(o *osm.OSM) (graph.RawNetwork, error) {
	nodes := lo.SliceToMap(o.Nodes, func(n *osm.Node) (osm.NodeID, *osm.Node) { return n.ID, n })

	ways := lo.Filter(o.Ways, func(w *osm.Way, _ int) bool {
		_, ok := highwayClasses[w.Tags.Find("highway")]
		return ok && len(w.Nodes) >= 2 && w.Tags.Find("area") != "yes" && w.Tags.Find("access") != "no"
	})

	// a node splits ways if it is shared or terminates a way
	uses := make(map[osm.NodeID]int)
	for _, w := range ways {
		for i, wn := range w.Nodes {
			if _, ok := nodes[wn.ID]; !ok {
				return graph.RawNetwork{}, fmt.Errorf("way %d references missing node %d", w.ID, wn.ID)
			}
			uses[wn.ID]++
			if i == 0 || i == len(w.Nodes)-1 {
				uses[wn.ID]++
			}
		}
	}

	var raw graph.RawNetwork
	kept := make(map[osm.NodeID]bool)
	nextID := graph.EdgeID(1)
	addSegment := func(from, to osm.NodeID, length float64, lanes int, speed float64, priority int) {
		raw.Segments = append(raw.Segments, graph.RawSegment{
			ID:         nextID,
			From:       graph.NodeID(from),
			To:         graph.NodeID(to),
			Length:     length,
			Lanes:      lanes,
			SpeedLimit: speed,
			Priority:   priority,
		})
		nextID++
		kept[from], kept[to] = true, true
	}

	for _, w := range ways {
		class := highwayClasses[w.Tags.Find("highway")]
		forward, backward := direction(w.Tags, class)
		speed := parseMaxSpeed(w.Tags.Find("maxspeed"), class.speedLimit)
		fwdLanes, bwdLanes := laneCounts(w.Tags, forward && backward)

		start := 0
		length := 0.0
		for i := 1; i < len(w.Nodes); i++ {
			a, b := nodes[w.Nodes[i-1].ID], nodes[w.Nodes[i].ID]
			length += geo.Distance(a.Point(), b.Point())
			if uses[b.ID] < 2 && i < len(w.Nodes)-1 {
				continue
			}
			from, to := w.Nodes[start].ID, b.ID
			switch {
			case from == to:
				logrus.Debugf("osm way %d: dropping closed piece at node %d", w.ID, from)
			case length <= 0:
				logrus.Warnf("osm way %d: dropping zero-length piece %d-%d", w.ID, from, to)
			default:
				if forward {
					addSegment(from, to, length, fwdLanes, speed, class.priority)
				}
				if backward {
					addSegment(to, from, length, bwdLanes, speed, class.priority)
				}
			}
			start, length = i, 0
		}
	}

	for _, n := range o.Nodes {
		if kept[n.ID] {
			raw.Nodes = append(raw.Nodes, graph.RawNode{ID: graph.NodeID(n.ID), Lat: n.Lat, Lon: n.Lon})
		}
	}
	logrus.Infof("osm: %d of %d ways drivable, %d nodes, %d segments", len(ways), len(o.Ways), len(raw.Nodes), len(raw.Segments))
	return raw, nil
}

// direction reports whether a way is driven along and against its node order.
func direction(tags osm.Tags, class highwayClass) (forward, backward bool) {
	switch tags.Find("oneway") {
	case "yes", "true", "1":
		return true, false
	case "-1", "reverse":
		return false, true
	case "no", "false", "0":
		return true, true
	}
	if class.oneway || tags.Find("junction") == "roundabout" {
		return true, false
	}
	return true, true
}

// laneCounts splits the lanes tag between the two directions. Missing or
// unparsable values give one lane per direction.
func laneCounts(tags osm.Tags, twoWay bool) (forward, backward int) {
	total := parsePositiveInt(tags.Find("lanes"))
	forward, backward = 1, 1
	if total > 0 {
		if twoWay {
			forward = max(total/2, 1)
			backward = max(total-forward, 1)
		} else {
			forward, backward = total, total
		}
	}
	if n := parsePositiveInt(tags.Find("lanes:forward")); n > 0 {
		forward = n
	}
	if n := parsePositiveInt(tags.Find("lanes:backward")); n > 0 {
		backward = n
	}
	return forward, backward
}

func parsePositiveInt(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// parseMaxSpeed reads a maxspeed tag in km/h, accepting "mph" values. Symbolic
// values such as "none", "signals" or "walk" fall back to def.
func parseMaxSpeed(s string, def float64) float64 {
	s = strings.TrimSpace(s)
	factor := 1.0
	if v, ok := strings.CutSuffix(s, "mph"); ok {
		s, factor = strings.TrimSpace(v), 1.609344
	} else if v, ok := strings.CutSuffix(s, "km/h"); ok {
		s = strings.TrimSpace(v)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 || math.IsInf(v, 0) {
		return def
	}
	return v * factor
}
