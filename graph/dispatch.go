package graph

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Ciprian167/siliconcompiler/graph/flow"
	"github.com/Ciprian167/siliconcompiler/graph/tool"
)

// Job is one node handed to a Dispatcher.
type Job struct {
	RunID   string
	Node    flow.NodeID
	Task    tool.Task
	Context *tool.Context

	// Timeout is the node wall clock limit, zero for none. The engine
	// enforces it by cancelling the context passed to Dispatch.
	Timeout time.Duration

	// LogPath receives the combined output of the tool.
	LogPath string
}

// Outcome is the terminal result of a dispatched node.
type Outcome struct {
	// Status is StatusSuccess, StatusError or StatusTimeout.
	Status   Status
	ExitCode int
	Metrics  map[string]float64

	Start    time.Time
	Duration time.Duration

	// RemoteID is the job id assigned by a remote scheduler.
	RemoteID string

	// Retries lists the reason of every retried submission.
	Retries []string

	// Err explains a failed outcome, usually a *NodeError.
	Err error
}

// Dispatcher executes a node and blocks until it reaches a terminal
// state. Implementations must return promptly once ctx is cancelled and
// must stop the underlying process or remote job when that happens.
//
// The engine calls Dispatch from one goroutine per running node.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) Outcome
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, job Job) Outcome

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, job Job) Outcome {
	return f(ctx, job)
}

// Fail completes out as an ERROR with a NodeError of the given code.
func Fail(out Outcome, node flow.NodeID, code string, err error) Outcome {
	out.Status = StatusError
	out.Err = &NodeError{Message: err.Error(), Code: code, NodeID: node.String(), Cause: err}
	return out
}

// LocalDispatcher runs nodes on the local machine. In-process tasks (those
// implementing tool.Runner) run directly; everything else runs as a
// subprocess in the node work directory.
//
// Subprocesses draw their thread count from a shared budget so that
// multi-threaded tools do not oversubscribe the machine. A task asking for
// more threads than the budget holds the whole budget.
type LocalDispatcher struct {
	threads  *semaphore.Weighted
	capacity int64
}

// NewLocalDispatcher returns a dispatcher with a budget of threads. Zero
// or less means the number of CPUs.
func NewLocalDispatcher(threads int) *LocalDispatcher {
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	return &LocalDispatcher{
		threads:  semaphore.NewWeighted(int64(threads)),
		capacity: int64(threads),
	}
}

// Dispatch implements Dispatcher.
func (d *LocalDispatcher) Dispatch(ctx context.Context, job Job) Outcome {
	out := Outcome{Start: time.Now()}

	if runner, ok := job.Task.(tool.Runner); ok {
		metrics, err := runner.Run(ctx, job.Context)
		out.Duration = time.Since(out.Start)
		if err != nil {
			return Fail(out, job.Node, CodeTaskFailed, err)
		}
		out.Status = StatusSuccess
		out.Metrics = metrics
		return out
	}

	cmd, err := job.Task.Command(job.Context)
	if err != nil {
		return Fail(out, job.Node, CodeTaskFailed, err)
	}

	weight := int64(cmd.Threads)
	if weight < 1 {
		weight = 1
	}
	if weight > d.capacity {
		weight = d.capacity
	}
	if err := d.threads.Acquire(ctx, weight); err != nil {
		out.Duration = time.Since(out.Start)
		return Fail(out, job.Node, CodeTaskFailed, err)
	}
	defer d.threads.Release(weight)

	res, err := tool.Execute(ctx, cmd, job.Context.WorkDir, job.LogPath)
	out.Duration = time.Since(out.Start)
	out.ExitCode = res.ExitCode
	if err != nil {
		return Fail(out, job.Node, CodeTaskFailed, err)
	}

	return PostProcess(out, job, res)
}

// PostProcess parses the log of a finished command into metrics and
// settles the outcome. A non-zero exit code fails the node, but its log is
// still parsed so error counts get recorded.
func PostProcess(out Outcome, job Job, res tool.Result) Outcome {
	out.ExitCode = res.ExitCode
	out.Metrics = map[string]float64{"exetime": res.Duration.Seconds()}

	metrics, perr := job.Task.PostProcess(job.Context, res)
	for name, v := range metrics {
		out.Metrics[name] = v
	}

	switch {
	case res.ExitCode != 0:
		return Fail(out, job.Node, CodeExitCode, fmt.Errorf("%s exited with code %d", job.Task.Name(), res.ExitCode))
	case perr != nil:
		return Fail(out, job.Node, CodePostProcess, perr)
	}
	out.Status = StatusSuccess
	return out
}
