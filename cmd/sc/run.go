package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Ciprian167/siliconcompiler/graph"
	"github.com/Ciprian167/siliconcompiler/graph/flow"
	"github.com/Ciprian167/siliconcompiler/graph/tool"
	"github.com/Ciprian167/siliconcompiler/internal/observer"
)

var (
	runFlows    string
	runFlow     string
	runManifest string
	runOutput   string
	runSets     []string
	runVars     []string
	runJob      string
	runFrom     []string
	runTo       []string
	runPrune    []string
	runResume   bool
	runObserve  string
	runJobs     int
	runBuildDir string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a flow",
	Long: `Run executes a flow graph against a manifest.

The flow comes from an HCL flow file; the manifest from a JSON or YAML
document, adjusted with --set keypath[@step/index]=value. The final
manifest, with node records and metrics, is written to
<builddir>/<design>/<job>/<design>.pkg.json unless --output is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		vars, err := parseVars(runVars)
		if err != nil {
			return err
		}
		g, err := loadGraph(runFlows, runFlow, vars)
		if err != nil {
			return err
		}
		manifest, err := loadManifest(runManifest, runSets)
		if err != nil {
			return err
		}
		prune, err := parseNodes(runPrune)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		emitter, stopTracing, err := buildEmitter(cfg, logger)
		if err != nil {
			return err
		}
		defer stopTracing(context.Background())

		dispatcher, closeDispatcher, err := buildDispatcher(cfg, logger, emitter)
		defer closeDispatcher()
		if err != nil {
			return err
		}

		opts := []graph.Option{
			graph.WithDispatcher(dispatcher),
			graph.WithStore(st),
			graph.WithEmitter(emitter),
			graph.WithLogger(logger),
			graph.WithMetrics(graph.NewPrometheusMetrics(prometheus.DefaultRegisterer)),
			graph.WithTasks(tool.NewRegistry()),
			graph.WithDefaultNodeTimeout(cfg.NodeTimeout),
			graph.WithRunWallClockBudget(cfg.RunBudget),
		}
		buildDir := cfg.BuildDir
		if cmd.Flags().Changed("build-dir") {
			buildDir = runBuildDir
		}
		if buildDir != "" {
			opts = append(opts, graph.WithBuildDir(buildDir))
		}
		if runJobs > 0 {
			opts = append(opts, graph.WithMaxConcurrent(runJobs))
		} else if cfg.MaxConcurrent > 0 {
			opts = append(opts, graph.WithMaxConcurrent(cfg.MaxConcurrent))
		}
		if runJob != "" {
			opts = append(opts, graph.WithJobName(runJob))
		}
		if cmd.Flags().Changed("resume") {
			opts = append(opts, graph.WithResume(runResume))
		}
		if len(runFrom) > 0 {
			opts = append(opts, graph.WithFrom(runFrom...))
		}
		if len(runTo) > 0 {
			opts = append(opts, graph.WithTargets(runTo...))
		}
		if len(prune) > 0 {
			opts = append(opts, graph.WithPrune(prune...))
		}
		if runOutput != "" {
			opts = append(opts, graph.WithManifestPath(runOutput))
		}

		engine, err := graph.New(g, manifest, opts...)
		if err != nil {
			return err
		}

		addr := runObserve
		if addr == "" {
			addr = cfg.ObserverAddr
		}
		if addr != "" {
			srv, err := observer.NewServer(&observer.Config{Addr: addr, Source: engine, Logger: logger})
			if err != nil {
				return err
			}
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("observer stopped", zap.Error(err))
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		res, runErr := engine.Run(ctx)
		if res == nil {
			return runErr
		}
		printSummary(cmd.OutOrStdout(), engine.Snapshot())
		fmt.Fprintf(cmd.OutOrStdout(), "\nmanifest: %s\n", res.ManifestPath)
		return runErr
	},
}

// printSummary writes one line per node.
func printSummary(w io.Writer, snap *graph.Snapshot) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tTASK\tSTATUS\tTIME\tERRORS\tWARNINGS\tMESSAGE")
	for _, n := range snap.Nodes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			flow.ID(n.Step, n.Index), n.Task, n.Status,
			n.Duration.Round(time.Millisecond),
			metricCell(n.Metrics, "errors"), metricCell(n.Metrics, "warnings"),
			n.Message)
	}
	_ = tw.Flush()
	t := snap.Totals
	fmt.Fprintf(w, "\n%d nodes: %d success, %d error, %d skipped in %s\n",
		t.Total, t.Success, t.Error, t.Skipped, t.Runtime.Round(time.Millisecond))
}

func metricCell(m map[string]float64, name string) string {
	v, ok := m[name]
	if !ok {
		return "-"
	}
	return fmt.Sprintf("%g", v)
}

// exitCode maps run errors to process exit codes.
func exitCode(err error) int {
	var engineErr *graph.EngineError
	switch {
	case errors.Is(err, graph.ErrRunFailed):
		return 1
	case errors.Is(err, graph.ErrAborted):
		return 130
	case errors.As(err, &engineErr):
		return 2
	}
	return 1
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlows, "flows", "", "HCL file defining the flows")
	f.StringVar(&runFlow, "flow", "", "Flow to run (default: the only flow in --flows)")
	f.StringVar(&runManifest, "manifest", "", "Manifest to start from (.json, .yaml, optionally .gz)")
	f.StringVarP(&runOutput, "output", "o", "", "Where to write the final manifest")
	f.StringArrayVar(&runSets, "set", nil, "Set a parameter: keypath[@step/index]=value (repeat flag)")
	f.StringArrayVar(&runVars, "var", nil, "HCL flow variable: name=value (repeat flag)")
	f.StringVar(&runJob, "jobname", "", "Job name (default: option/jobname)")
	f.StringSliceVar(&runFrom, "from", nil, "Start from these steps")
	f.StringSliceVar(&runTo, "to", nil, "Stop after these steps")
	f.StringSliceVar(&runPrune, "prune", nil, "Exclude nodes: step/index")
	f.BoolVar(&runResume, "resume", false, "Skip nodes that succeeded in the previous run of the job")
	f.StringVar(&runObserve, "observe", "", "Serve the status API on this address while running")
	f.IntVarP(&runJobs, "jobs", "j", 0, "Maximum concurrent nodes")
	f.StringVar(&runBuildDir, "build-dir", "", "Build directory; overrides SC_BUILD_DIR and option/builddir")
}
