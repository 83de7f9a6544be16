package remote

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Ciprian167/siliconcompiler/graph"
	"github.com/Ciprian167/siliconcompiler/graph/emit"
	"github.com/Ciprian167/siliconcompiler/graph/tool"
	"github.com/Ciprian167/siliconcompiler/schema"
)

const (
	defaultPollInterval = 2 * time.Second

	// maxPollFailures is the number of consecutive failed polls after
	// which a job is given up as lost.
	maxPollFailures = 5

	// cancelTimeout bounds the cancel request sent after the node context
	// ended.
	cancelTimeout = 30 * time.Second
)

// Dispatcher runs nodes on a Scheduler. It implements graph.Dispatcher.
//
// In-process tasks (tool.Runner) never leave the controlling process;
// they run on a local dispatcher.
type Dispatcher struct {
	scheduler    Scheduler
	local        graph.Dispatcher
	policy       *graph.RetryPolicy
	pollInterval time.Duration
	queue        string
	logger       *zap.Logger
	emitter      emit.Emitter

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option configures a Dispatcher.
type Option func(*Dispatcher) error

// WithRetryPolicy bounds resubmission of rejected and lost jobs.
//
// Default: graph.DefaultRetryPolicy, retrying ErrSubmitRejected and
// ErrJobLost only.
func WithRetryPolicy(p *graph.RetryPolicy) Option {
	return func(d *Dispatcher) error {
		if p == nil {
			return graph.ErrInvalidRetryPolicy
		}
		if err := p.Validate(); err != nil {
			return err
		}
		d.policy = p
		return nil
	}
}

// WithPollInterval sets how often job state is polled. Default: 2s.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) error {
		if interval <= 0 {
			return fmt.Errorf("poll interval must be positive, got %v", interval)
		}
		d.pollInterval = interval
		return nil
	}
}

// WithQueue sets the queue used when a node has no
// option/scheduler/queue.
func WithQueue(queue string) Option {
	return func(d *Dispatcher) error {
		d.queue = queue
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) error {
		d.logger = l
		return nil
	}
}

// WithEmitter receives a node_retry event for every resubmission.
func WithEmitter(e emit.Emitter) Option {
	return func(d *Dispatcher) error {
		d.emitter = e
		return nil
	}
}

// WithLocal sets the dispatcher of in-process tasks.
func WithLocal(local graph.Dispatcher) Option {
	return func(d *Dispatcher) error {
		d.local = local
		return nil
	}
}

// WithSeed makes backoff jitter deterministic.
func WithSeed(seed int64) Option {
	return func(d *Dispatcher) error {
		d.rng = rand.New(rand.NewSource(seed)) // #nosec G404 -- jitter for retry timing, not security
		return nil
	}
}

// NewDispatcher wraps a scheduler.
func NewDispatcher(s Scheduler, opts ...Option) (*Dispatcher, error) {
	if s == nil {
		return nil, errors.New("remote: nil scheduler")
	}
	d := &Dispatcher{
		scheduler:    s,
		pollInterval: defaultPollInterval,
		logger:       zap.NewNop(),
		emitter:      emit.NewNullEmitter(),
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.policy == nil {
		d.policy = graph.DefaultRetryPolicy()
		d.policy.Retryable = Retryable
	}
	if d.local == nil {
		d.local = graph.NewLocalDispatcher(0)
	}
	if d.rng == nil {
		d.rng = rand.New(rand.NewSource(time.Now().UnixNano())) // #nosec G404 -- jitter for retry timing, not security
	}
	d.logger = d.logger.With(zap.String("scheduler", s.Name()))
	return d, nil
}

// Retryable reports whether err is a rejected submission or a lost job.
func Retryable(err error) bool {
	return errors.Is(err, ErrSubmitRejected) || errors.Is(err, ErrJobLost)
}

// Dispatch implements graph.Dispatcher.
func (d *Dispatcher) Dispatch(ctx context.Context, job graph.Job) graph.Outcome {
	if _, ok := job.Task.(tool.Runner); ok {
		return d.local.Dispatch(ctx, job)
	}

	out := graph.Outcome{Start: time.Now()}
	cmd, err := job.Task.Command(job.Context)
	if err != nil {
		return graph.Fail(out, job.Node, graph.CodeTaskFailed, err)
	}

	queue := job.Context.String(schema.Key("option", "scheduler", "queue"))
	if queue == "" {
		queue = d.queue
	}
	spec := JobSpec{
		RunID:   job.RunID,
		Step:    job.Node.Step,
		Index:   job.Node.Index,
		Exe:     cmd.Exe,
		Args:    cmd.Args,
		Env:     cmd.Env,
		Threads: cmd.Threads,
		WorkDir: job.Context.WorkDir,
		LogPath: job.LogPath,
		Queue:   queue,
		Timeout: job.Timeout,
	}

	for attempt := 0; ; attempt++ {
		spec.Key = JobKey(job.RunID, job.Node, attempt)

		status, id, err := d.attempt(ctx, spec)
		if id != "" {
			out.RemoteID = id
		}
		if err == nil {
			out.Duration = time.Since(out.Start)
			res := tool.Result{ExitCode: status.ExitCode, LogPath: job.LogPath, Duration: out.Duration}
			return graph.PostProcess(out, job, res)
		}

		if ctx.Err() != nil {
			out.Duration = time.Since(out.Start)
			return graph.Fail(out, job.Node, graph.CodeDispatchError, ctx.Err())
		}
		if !d.policy.ShouldRetry(attempt, err) {
			out.Duration = time.Since(out.Start)
			return graph.Fail(out, job.Node, graph.CodeDispatchError, err)
		}

		reason := "rejected"
		if errors.Is(err, ErrJobLost) {
			reason = "lost"
		}
		out.Retries = append(out.Retries, reason)
		delay := d.delay(attempt)
		d.logger.Warn("retrying remote job",
			zap.String("node", job.Node.String()),
			zap.Int("attempt", attempt+1),
			zap.String("reason", reason),
			zap.Duration("delay", delay),
			zap.Error(err))
		d.emitter.Emit(emit.Event{
			RunID: job.RunID,
			Step:  job.Node.Step,
			Index: job.Node.Index,
			Msg:   emit.MsgNodeRetry,
			Meta: map[string]interface{}{
				"attempt":   attempt + 1,
				"reason":    reason,
				"remote_id": id,
				"error":     err.Error(),
			},
		})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			out.Duration = time.Since(out.Start)
			return graph.Fail(out, job.Node, graph.CodeDispatchError, ctx.Err())
		}
	}
}

// attempt submits spec once and waits for the job to end.
func (d *Dispatcher) attempt(ctx context.Context, spec JobSpec) (JobStatus, string, error) {
	id, err := d.scheduler.Submit(ctx, spec)
	if err != nil {
		return JobStatus{}, "", err
	}
	d.logger.Debug("job submitted", zap.String("node", spec.Node().String()), zap.String("remote_id", id))

	status, err := d.wait(ctx, id)
	if err != nil && ctx.Err() != nil {
		cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
		defer cancel()
		if cerr := d.scheduler.Cancel(cancelCtx, id); cerr != nil {
			d.logger.Error("failed to cancel remote job", zap.String("remote_id", id), zap.Error(cerr))
		}
	}
	return status, id, err
}

// wait polls a job until it ends.
func (d *Dispatcher) wait(ctx context.Context, id string) (JobStatus, error) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		status, err := d.scheduler.Poll(ctx, id)
		switch {
		case errors.Is(err, ErrJobLost):
			return status, err
		case err != nil:
			if ctx.Err() != nil {
				return status, ctx.Err()
			}
			failures++
			if failures >= maxPollFailures {
				return status, fmt.Errorf("%w: %d polls of %s failed: %v", ErrJobLost, failures, id, err)
			}
			d.logger.Warn("poll failed", zap.String("remote_id", id), zap.Error(err))
		case status.State == StateDone:
			return status, nil
		case status.State == StateLost:
			return status, fmt.Errorf("%w: %s: %s", ErrJobLost, id, status.Message)
		default:
			failures = 0
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return status, ctx.Err()
		}
	}
}

func (d *Dispatcher) delay(attempt int) time.Duration {
	d.rngMu.Lock()
	defer d.rngMu.Unlock()
	return d.policy.Delay(attempt, d.rng)
}
