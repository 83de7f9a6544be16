package graph

import (
	"time"

	"go.uber.org/zap"

	"github.com/Ciprian167/siliconcompiler/graph/emit"
	"github.com/Ciprian167/siliconcompiler/graph/flow"
	"github.com/Ciprian167/siliconcompiler/graph/store"
	"github.com/Ciprian167/siliconcompiler/graph/tool"
)

// Option is a functional option for configuring an Engine.
//
// Options override the corresponding manifest settings (option/jobname,
// option/builddir, option/resume, option/from, option/to, option/prune,
// option/scheduler/maxconcurrent).
//
// Example:
//
//	engine, err := graph.New(g, manifest,
//	    graph.WithMaxConcurrent(4),
//	    graph.WithDefaultNodeTimeout(2*time.Hour),
//	    graph.WithStore(st),
//	)
type Option func(*engineConfig) error

// engineConfig collects options before they are applied to an Engine.
type engineConfig struct {
	maxConcurrent      int
	defaultNodeTimeout time.Duration
	runWallClockBudget time.Duration

	dispatcher Dispatcher
	store      store.Store
	emitter    emit.Emitter
	logger     *zap.Logger
	metrics    *PrometheusMetrics
	tasks      *tool.Registry

	runID        string
	jobName      string
	buildDir     string
	manifestPath string

	resume *bool
	from   []string
	to     []string
	prune  []flow.NodeID
}

// WithMaxConcurrent bounds the number of simultaneously running nodes.
//
// Default: option/scheduler/maxconcurrent, or the number of CPUs when it
// is unset or zero.
func WithMaxConcurrent(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 0 {
			return &EngineError{Message: "max concurrent must be >= 0", Code: CodeInvalidOption}
		}
		cfg.maxConcurrent = n
		return nil
	}
}

// WithDefaultNodeTimeout sets the timeout for nodes without option/timeout.
//
// Default: 0 (no limit). A node that exceeds its timeout has its
// subprocess or remote job killed and ends in TIMEOUT.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d < 0 {
			return &EngineError{Message: "node timeout must be >= 0", Code: CodeInvalidOption}
		}
		cfg.defaultNodeTimeout = d
		return nil
	}
}

// WithRunWallClockBudget limits the duration of a whole run. When the
// budget runs out the run is aborted like Abort does.
//
// Default: 0 (no limit).
func WithRunWallClockBudget(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d < 0 {
			return &EngineError{Message: "wall clock budget must be >= 0", Code: CodeInvalidOption}
		}
		cfg.runWallClockBudget = d
		return nil
	}
}

// WithDispatcher sets how nodes are executed.
//
// Default: a LocalDispatcher sized to the number of CPUs.
func WithDispatcher(d Dispatcher) Option {
	return func(cfg *engineConfig) error {
		cfg.dispatcher = d
		return nil
	}
}

// WithStore persists node records and the final manifest. A prior
// manifest saved for the job is used for resume when the manifest passed
// to New carries no recorded statuses.
func WithStore(st store.Store) Option {
	return func(cfg *engineConfig) error {
		cfg.store = st
		return nil
	}
}

// WithEmitter receives run and node events.
//
// Default: emit.NullEmitter.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		cfg.emitter = e
		return nil
	}
}

// WithLogger sets the engine logger.
//
// Default: zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(cfg *engineConfig) error {
		cfg.logger = l
		return nil
	}
}

// WithMetrics records engine metrics to Prometheus.
//
// Example:
//
//	registry := prometheus.NewRegistry()
//	engine, _ := graph.New(g, m, graph.WithMetrics(graph.NewPrometheusMetrics(registry)))
func WithMetrics(pm *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.metrics = pm
		return nil
	}
}

// WithTasks sets the registry task references resolve against.
//
// Default: tool.NewRegistry().
func WithTasks(r *tool.Registry) Option {
	return func(cfg *engineConfig) error {
		cfg.tasks = r
		return nil
	}
}

// WithRunID sets the run identifier. Default: a random UUID.
func WithRunID(id string) Option {
	return func(cfg *engineConfig) error {
		cfg.runID = id
		return nil
	}
}

// WithJobName overrides option/jobname.
func WithJobName(name string) Option {
	return func(cfg *engineConfig) error {
		if name == "" {
			return &EngineError{Message: "job name must not be empty", Code: CodeInvalidOption}
		}
		cfg.jobName = name
		return nil
	}
}

// WithBuildDir overrides option/builddir.
func WithBuildDir(dir string) Option {
	return func(cfg *engineConfig) error {
		cfg.buildDir = dir
		return nil
	}
}

// WithResume overrides option/resume. Resuming leaves nodes recorded as
// successful out of the run.
func WithResume(resume bool) Option {
	return func(cfg *engineConfig) error {
		cfg.resume = &resume
		return nil
	}
}

// WithTargets overrides option/to.
func WithTargets(steps ...string) Option {
	return func(cfg *engineConfig) error {
		cfg.to = append([]string{}, steps...)
		return nil
	}
}

// WithFrom overrides option/from.
func WithFrom(steps ...string) Option {
	return func(cfg *engineConfig) error {
		cfg.from = append([]string{}, steps...)
		return nil
	}
}

// WithPrune overrides option/prune.
func WithPrune(nodes ...flow.NodeID) Option {
	return func(cfg *engineConfig) error {
		cfg.prune = append([]flow.NodeID{}, nodes...)
		return nil
	}
}

// WithManifestPath sets where the final manifest is written. The format
// follows the extension.
//
// Default: <builddir>/<design>/<jobname>/<design>.pkg.json.
func WithManifestPath(path string) Option {
	return func(cfg *engineConfig) error {
		cfg.manifestPath = path
		return nil
	}
}
