package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Ciprian167/siliconcompiler/graph/tool"
)

const (
	defaultRedisPrefix = "sc"
	defaultRedisQueue  = "default"
	defaultJobTTL      = 7 * 24 * time.Hour
	defaultLease       = 30 * time.Second
)

// RedisConfig holds the settings shared by RedisScheduler and Worker.
type RedisConfig struct {
	// Prefix namespaces every key. Default "sc".
	Prefix string

	// JobTTL is how long job descriptions and states are kept.
	JobTTL time.Duration

	// Lease is how long a running job may go without a worker heartbeat
	// before it is considered lost. Workers beat at a third of it.
	Lease time.Duration

	// MaxQueued rejects submissions while a queue holds this many jobs.
	// Zero means no limit.
	MaxQueued int64
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.Prefix == "" {
		c.Prefix = defaultRedisPrefix
	}
	if c.JobTTL <= 0 {
		c.JobTTL = defaultJobTTL
	}
	if c.Lease <= 0 {
		c.Lease = defaultLease
	}
	return c
}

func (c RedisConfig) jobKey(id string) string    { return c.Prefix + ":job:" + id }
func (c RedisConfig) statusKey(id string) string { return c.Prefix + ":status:" + id }

func (c RedisConfig) queueKey(queue string) string {
	if queue == "" {
		queue = defaultRedisQueue
	}
	return c.Prefix + ":queue:" + queue
}

// Status hash fields.
const (
	fieldState     = "state"
	fieldExitCode  = "exit_code"
	fieldMessage   = "message"
	fieldHeartbeat = "heartbeat"
	fieldWorker    = "worker"
	fieldCancel    = "cancel"
)

// RedisScheduler queues jobs in Redis lists for Worker processes to run.
//
// Every job has a description under <prefix>:job:<id> and a state hash
// under <prefix>:status:<id>. The submission key is the job id, so
// submitting the same key twice queues the job once.
type RedisScheduler struct {
	client *redis.Client
	cfg    RedisConfig
}

// NewRedisScheduler returns a scheduler using client.
func NewRedisScheduler(client *redis.Client, cfg RedisConfig) *RedisScheduler {
	return &RedisScheduler{client: client, cfg: cfg.withDefaults()}
}

// Name implements Scheduler.
func (s *RedisScheduler) Name() string { return "redis" }

// Submit implements Scheduler.
func (s *RedisScheduler) Submit(ctx context.Context, spec JobSpec) (string, error) {
	id := spec.Key
	queue := s.cfg.queueKey(spec.Queue)

	if s.cfg.MaxQueued > 0 {
		n, err := s.client.LLen(ctx, queue).Result()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrSubmitRejected, err)
		}
		if n >= s.cfg.MaxQueued {
			return "", fmt.Errorf("%w: queue %s holds %d jobs", ErrSubmitRejected, queue, n)
		}
	}

	data, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}
	created, err := s.client.SetNX(ctx, s.cfg.jobKey(id), data, s.cfg.JobTTL).Result()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmitRejected, err)
	}
	if !created {
		return id, nil
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.cfg.statusKey(id), fieldState, string(StatePending))
	pipe.Expire(ctx, s.cfg.statusKey(id), s.cfg.JobTTL)
	pipe.LPush(ctx, queue, id)
	if _, err := pipe.Exec(ctx); err != nil {
		_ = s.client.Del(ctx, s.cfg.jobKey(id)).Err()
		return "", fmt.Errorf("%w: %v", ErrSubmitRejected, err)
	}
	return id, nil
}

// Poll implements Scheduler.
func (s *RedisScheduler) Poll(ctx context.Context, id string) (JobStatus, error) {
	fields, err := s.client.HGetAll(ctx, s.cfg.statusKey(id)).Result()
	if err != nil {
		return JobStatus{}, fmt.Errorf("failed to read job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return JobStatus{State: StateLost}, fmt.Errorf("%w: no state for %s", ErrJobLost, id)
	}
	return redisStatus(fields, s.cfg.Lease, time.Now()), nil
}

// redisStatus decodes a status hash. A running job whose heartbeat is
// older than lease is lost.
func redisStatus(fields map[string]string, lease time.Duration, now time.Time) JobStatus {
	st := JobStatus{State: State(fields[fieldState]), Message: fields[fieldMessage]}
	st.ExitCode, _ = strconv.Atoi(fields[fieldExitCode])
	if st.State == StateRunning {
		beat, _ := strconv.ParseInt(fields[fieldHeartbeat], 10, 64)
		if now.Sub(time.UnixMilli(beat)) > lease {
			st.State = StateLost
			st.Message = "worker " + fields[fieldWorker] + " stopped sending heartbeats"
		}
	}
	return st
}

// Cancel implements Scheduler. The worker holding the job kills it at its
// next heartbeat; a job still queued is dropped when a worker picks it.
func (s *RedisScheduler) Cancel(ctx context.Context, id string) error {
	return s.client.HSet(ctx, s.cfg.statusKey(id), fieldCancel, "1").Err()
}

// Worker pulls jobs queued by RedisScheduler and runs them as local
// subprocesses.
type Worker struct {
	client *redis.Client
	cfg    RedisConfig
	queues []string
	name   string
	logger *zap.Logger
}

// NewWorker returns a worker serving queues, or the default queue when
// none are given.
func NewWorker(client *redis.Client, cfg RedisConfig, logger *zap.Logger, queues ...string) *Worker {
	if len(queues) == 0 {
		queues = []string{defaultRedisQueue}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	host, _ := os.Hostname()
	name := fmt.Sprintf("%s-%d", host, os.Getpid())
	return &Worker{
		client: client,
		cfg:    cfg.withDefaults(),
		queues: queues,
		name:   name,
		logger: logger.With(zap.String("worker", name)),
	}
}

// Run processes jobs one at a time until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	keys := make([]string, len(w.queues))
	for i, q := range w.queues {
		keys[i] = w.cfg.queueKey(q)
	}
	w.logger.Info("worker started", zap.Strings("queues", w.queues))

	for {
		res, err := w.client.BRPop(ctx, time.Second, keys...).Result()
		switch {
		case ctx.Err() != nil:
			w.logger.Info("worker stopped")
			return nil
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			w.logger.Error("failed to pop job", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		// res is [queue, id]
		w.process(ctx, res[1])
	}
}

// process runs one job and records its final state.
func (w *Worker) process(ctx context.Context, id string) {
	logger := w.logger.With(zap.String("job", id))
	statusKey := w.cfg.statusKey(id)

	data, err := w.client.Get(ctx, w.cfg.jobKey(id)).Bytes()
	if err != nil {
		logger.Error("job description missing", zap.Error(err))
		return
	}
	var spec JobSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		logger.Error("invalid job description", zap.Error(err))
		w.finish(ctx, id, -1, "invalid job description: "+err.Error())
		return
	}
	if cancelled, _ := w.client.HGet(ctx, statusKey, fieldCancel).Result(); cancelled == "1" {
		w.finish(ctx, id, -1, "cancelled before start")
		return
	}

	if err := w.client.HSet(ctx, statusKey,
		fieldState, string(StateRunning),
		fieldWorker, w.name,
		fieldHeartbeat, strconv.FormatInt(time.Now().UnixMilli(), 10),
	).Err(); err != nil {
		logger.Error("failed to mark job running", zap.Error(err))
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if spec.Timeout > 0 {
		jobCtx, cancel = context.WithTimeout(jobCtx, spec.Timeout)
		defer cancel()
	}
	go w.heartbeat(jobCtx, statusKey, cancel)

	logger.Info("job started", zap.String("node", spec.Node().String()), zap.String("exe", spec.Exe))
	cmd := tool.Command{Exe: spec.Exe, Args: spec.Args, Env: spec.Env, Threads: spec.Threads}
	res, err := tool.Execute(jobCtx, cmd, spec.WorkDir, spec.LogPath)

	var message string
	if err != nil {
		message = err.Error()
		res.ExitCode = -1
	}
	w.finish(context.WithoutCancel(ctx), id, res.ExitCode, message)
	logger.Info("job finished", zap.Int("exit_code", res.ExitCode), zap.Duration("duration", res.Duration))
}

// heartbeat refreshes the job lease and watches for cancellation.
func (w *Worker) heartbeat(ctx context.Context, statusKey string, cancel context.CancelFunc) {
	ticker := time.NewTicker(w.cfg.Lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := w.client.HSet(ctx, statusKey, fieldHeartbeat, strconv.FormatInt(time.Now().UnixMilli(), 10)).Err(); err != nil {
			w.logger.Warn("heartbeat failed", zap.Error(err))
		}
		if v, _ := w.client.HGet(ctx, statusKey, fieldCancel).Result(); v == "1" {
			w.logger.Info("job cancelled", zap.String("status", statusKey))
			cancel()
			return
		}
	}
}

func (w *Worker) finish(ctx context.Context, id string, exitCode int, message string) {
	if err := w.client.HSet(ctx, w.cfg.statusKey(id),
		fieldState, string(StateDone),
		fieldExitCode, strconv.Itoa(exitCode),
		fieldMessage, message,
	).Err(); err != nil {
		w.logger.Error("failed to record job result", zap.String("job", id), zap.Error(err))
	}
}
