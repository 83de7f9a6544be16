// Package remote dispatches pipeline nodes to batch schedulers.
//
// A Scheduler accepts a job description, runs it somewhere else and
// reports its state when polled. Dispatcher turns any Scheduler into a
// graph.Dispatcher: it submits the node, polls until the job ends,
// retries rejected submissions and lost jobs with backoff, and cancels
// the remote job when the node times out or the run is aborted.
//
// Remote jobs write their log to the node log path, which must be on a
// filesystem shared with the controlling process; metrics are parsed
// from it locally once the job ends.
package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/Ciprian167/siliconcompiler/graph/flow"
)

var (
	// ErrSubmitRejected is returned by Submit when the scheduler refused
	// the job for a reason that may clear up, such as a full queue.
	ErrSubmitRejected = errors.New("submission rejected")

	// ErrJobLost is returned by Poll when the scheduler no longer knows
	// the job or the machine running it went away.
	ErrJobLost = errors.New("remote job lost")
)

// State is the scheduler side state of a job.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateDone    State = "done"
	StateLost    State = "lost"
)

// JobSpec describes a node to run remotely.
type JobSpec struct {
	// Key identifies one submission attempt. Schedulers use it to make
	// Submit idempotent.
	Key string `json:"key"`

	RunID string `json:"run_id"`
	Step  string `json:"step"`
	Index string `json:"index"`

	Exe     string            `json:"exe"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Threads int               `json:"threads"`
	WorkDir string            `json:"workdir"`
	LogPath string            `json:"log"`

	// Queue is the partition or queue to submit to, empty for the
	// scheduler default.
	Queue string `json:"queue,omitempty"`

	// Timeout is the node wall clock limit, zero for none.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Node returns the node the job runs.
func (s JobSpec) Node() flow.NodeID {
	return flow.ID(s.Step, s.Index)
}

// JobStatus is the answer to a Poll.
type JobStatus struct {
	State    State  `json:"state"`
	ExitCode int    `json:"exit_code"`
	Message  string `json:"message,omitempty"`
}

// Scheduler is a batch system that runs jobs.
type Scheduler interface {
	// Name identifies the scheduler, as used in option/scheduler/name.
	Name() string

	// Submit queues a job and returns its scheduler id. Submitting the
	// same key twice must not run the job twice.
	Submit(ctx context.Context, spec JobSpec) (string, error)

	// Poll returns the state of a job.
	Poll(ctx context.Context, id string) (JobStatus, error)

	// Cancel stops a job. Cancelling a finished job is not an error.
	Cancel(ctx context.Context, id string) error
}

// JobKey derives the submission key of a node attempt.
func JobKey(runID string, node flow.NodeID, attempt int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%s\x00%d", runID, node.Step, node.Index, attempt)))
	return hex.EncodeToString(sum[:8])
}
