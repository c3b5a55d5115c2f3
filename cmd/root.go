package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/traffic-sim/traffic-sim/sim"
	"github.com/traffic-sim/traffic-sim/sim/engine"
	"github.com/traffic-sim/traffic-sim/sim/graph"
	"github.com/traffic-sim/traffic-sim/sim/routing"
	"github.com/traffic-sim/traffic-sim/sim/scenario"
	"github.com/traffic-sim/traffic-sim/sim/trace"
)

var (
	// CLI flags shared by all subcommands
	configPath  string // Simulation config YAML
	networkPath string // Street network YAML
	osmPath     string // OSM XML extract
	logLevel    string // Log verbosity level

	// CLI flags for run; they override the config file only when set
	seed         int64   // Seed for demand sampling, routing choice and drivers
	nThreads     int     // Worker pool size
	maxVehicles  int     // Max number of vehicles instantiated (0 = no cap)
	speedup      float64 // Simulated seconds per wall-clock second (0 = unthrottled)
	traceLevel   string  // Decision trace level
	ticks        int64   // Stop after this many ticks (0 = until all vehicles arrived)
	dawdle       float64 // Dawdle probability of drivers
	fastestShare float64 // Probability of routing by travel time

	// CLI flags for route
	routeFrom   int64  // Origin node id
	routeTo     int64  // Destination node id
	routeMetric string // "fastest" or "linear"
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "traffic-sim",
	Short: "Microscopic cellular-automaton traffic simulator",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}
		logrus.SetLevel(level)
		return nil
	},
}

// loadConfig reads --config, or the defaults, and applies the run flags the user set.
func loadConfig(cmd *cobra.Command) (sim.SimulationConfig, error) {
	cfg := sim.DefaultSimulationConfig()
	if configPath != "" {
		var err error
		if cfg, err = sim.LoadSimulationConfig(configPath); err != nil {
			return cfg, err
		}
	}
	applyFlagOverrides(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyFlagOverrides copies flag values into cfg, but only for flags the user
// actually passed, so unset flags never clobber config-file values.
func applyFlagOverrides(cmd *cobra.Command, cfg *sim.SimulationConfig) {
	flags := cmd.Flags()
	if flags.Changed("seed") {
		cfg.Seed = seed
	}
	if flags.Changed("threads") {
		cfg.NThreads = nThreads
	}
	if flags.Changed("vehicles") {
		cfg.MaxVehicleCount = maxVehicles
	}
	if flags.Changed("speedup") {
		cfg.Speedup = speedup
	}
	if flags.Changed("trace") {
		cfg.TraceLevel = traceLevel
	}
	if flags.Changed("dawdle") {
		cfg.DawdleProbability = dawdle
	}
	if flags.Changed("fastest-way-probability") {
		cfg.FastestWayProbability = fastestShare
	}
}

func buildGraph(raw graph.RawNetwork, cfg sim.SimulationConfig) (*graph.StreetGraph, error) {
	return graph.Build(raw, graph.BuildConfig{
		MetersPerCell:     cfg.MetersPerCell,
		GlobalMaxVelocity: cfg.MaxVelocityCells(),
	})
}

// runCmd executes the simulation
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Build a scenario and run the traffic simulation",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			logrus.Fatalf("Invalid configuration: %v", err)
		}
		raw, demand, err := loadNetwork(networkPath, osmPath)
		if err != nil {
			logrus.Fatalf("Could not load street network: %v", err)
		}
		g, err := buildGraph(raw, cfg)
		if err != nil {
			logrus.Fatalf("Could not build street graph: %v", err)
		}
		source, err := buildSource(demand)
		if err != nil {
			logrus.Fatalf("Invalid demand: %v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		startTime := time.Now()
		s := scenario.New(g, cfg, source)
		logrus.Infof("Scenario %s: %d nodes, %d segments, seed %d", s.ID, len(g.Nodes()), len(g.Edges()), cfg.Seed)
		err = scenario.NewBuilder(cfg, nil).Prepare(ctx, s, func(percent int) {
			if percent%10 == 0 {
				logrus.Infof("Building scenario: %d%%", percent)
			}
		})
		if err != nil {
			logrus.Fatalf("Scenario build failed: %v", err)
		}

		simulation, err := engine.New(s)
		if err != nil {
			logrus.Fatalf("Could not start simulation: %v", err)
		}
		defer simulation.Close()
		simulation.SetHorizon(ticks)
		if err := simulation.Run(ctx); err != nil {
			logrus.Errorf("Simulation stopped: %v", err)
		}

		simulation.Metrics().Print(os.Stdout, cfg.MetersPerCell)
		if simulation.Trace().Config.Enabled() {
			printTraceSummary(trace.Summarize(simulation.Trace()))
		}
		logrus.Infof("Simulation complete after %d ticks in %s.", simulation.Tick(), time.Since(startTime).Round(time.Millisecond))
	},
}

func printTraceSummary(summary *trace.TraceSummary) {
	fmt.Println("=== Decision Trace Summary ===")
	fmt.Printf("Crossing Decisions   : %d\n", summary.TotalDecisions)
	fmt.Printf("Admitted / Denied    : %d / %d\n", summary.AdmittedCount, summary.DeniedCount)
	for _, reason := range []string{"only-one-vehicle", "no-capacity", "no-capacity-holding", "conflict"} {
		if n := summary.DenialReasons[reason]; n > 0 {
			fmt.Printf("  denied (%s): %d\n", reason, n)
		}
	}
	if summary.AdmittedCount > 0 {
		fmt.Printf("Busiest Node         : %d (%d crossings)\n", summary.BusiestNode, summary.NodeDistribution[summary.BusiestNode])
	}
}

// routeCmd computes one shortest path
var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "Compute the shortest path between two nodes",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			logrus.Fatalf("Invalid configuration: %v", err)
		}
		raw, _, err := loadNetwork(networkPath, osmPath)
		if err != nil {
			logrus.Fatalf("Could not load street network: %v", err)
		}
		g, err := buildGraph(raw, cfg)
		if err != nil {
			logrus.Fatalf("Could not build street graph: %v", err)
		}
		alg, err := algorithmFor(routeMetric, cfg)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		path, err := alg.FindPath(context.Background(), g, graph.NodeID(routeFrom), graph.NodeID(routeTo))
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		fmt.Printf("%s route %d -> %d: %v (cost %.2f, %d segments)\n",
			alg.Name(), routeFrom, routeTo, path.Nodes, path.Cost, len(path.Edges))
	},
}

func algorithmFor(metric string, cfg sim.SimulationConfig) (routing.ShortestPathAlgorithm, error) {
	switch metric {
	case "fastest":
		return routing.NewFastestWay(cfg.MetersPerCell, cfg.GlobalMaxVelocity), nil
	case "linear":
		return routing.NewLinearDistanceAStar(cfg.MetersPerCell), nil
	default:
		return nil, fmt.Errorf("unknown metric %q; valid: fastest, linear", metric)
	}
}

// validateCmd checks config and network files without running anything
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and street network",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			logrus.Fatalf("Invalid configuration: %v", err)
		}
		raw, demand, err := loadNetwork(networkPath, osmPath)
		if err != nil {
			logrus.Fatalf("Could not load street network: %v", err)
		}
		g, err := buildGraph(raw, cfg)
		if err != nil {
			logrus.Fatalf("Invalid street network: %v", err)
		}
		if _, err := buildSource(demand); err != nil {
			logrus.Fatalf("Invalid demand: %v", err)
		}
		fmt.Printf("OK: %d nodes, %d segments, %d lanes\n", len(g.Nodes()), len(g.Edges()), len(g.Lanes()))
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Simulation config YAML (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&networkPath, "network", "", "Street network YAML with optional demand section")
	rootCmd.PersistentFlags().StringVar(&osmPath, "osm", "", "OpenStreetMap XML extract")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")

	runCmd.Flags().Int64Var(&seed, "seed", 42, "Seed for demand sampling, route choice and drivers")
	runCmd.Flags().IntVar(&nThreads, "threads", 8, "Worker pool size")
	runCmd.Flags().IntVar(&maxVehicles, "vehicles", 1000, "Max number of vehicles (0 = no cap)")
	runCmd.Flags().Float64Var(&speedup, "speedup", 0, "Simulated seconds per wall-clock second (0 = unthrottled)")
	runCmd.Flags().StringVar(&traceLevel, "trace", "none", "Decision trace level (none, decisions)")
	runCmd.Flags().Int64Var(&ticks, "ticks", 3600, "Stop after this many ticks (0 = until every vehicle arrived)")
	runCmd.Flags().Float64Var(&dawdle, "dawdle", 0.2, "Dawdle probability of drivers")
	runCmd.Flags().Float64Var(&fastestShare, "fastest-way-probability", 1.0, "Probability that a vehicle routes by travel time")

	routeCmd.Flags().Int64Var(&routeFrom, "from", 0, "Origin node id")
	routeCmd.Flags().Int64Var(&routeTo, "to", 0, "Destination node id")
	routeCmd.Flags().StringVar(&routeMetric, "metric", "fastest", "Cost metric (fastest, linear)")

	rootCmd.AddCommand(runCmd, routeCmd, validateCmd)
}
