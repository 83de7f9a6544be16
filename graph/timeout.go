package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Ciprian167/siliconcompiler/graph/flow"
	"github.com/Ciprian167/siliconcompiler/schema"
)

// nodeTimeout resolves the wall clock limit of a node: option/timeout at
// the node (seconds) wins over the engine default. Zero means no limit.
func nodeTimeout(m *schema.Schema, id flow.NodeID, defaultTimeout time.Duration) time.Duration {
	v, err := m.Get(schema.Key("option", "timeout"), schema.NodeAt(id.Step, id.Index))
	if err == nil {
		if secs, ok := v.(float64); ok && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	if defaultTimeout > 0 {
		return defaultTimeout
	}
	return 0
}

// dispatchWithTimeout runs the job on the dispatcher under the node
// timeout. When the limit expires the dispatcher's context is cancelled,
// which kills the subprocess or cancels the remote job, and the outcome
// becomes a timeout. A node that succeeded keeps its success even if the
// deadline passed before Dispatch returned.
func dispatchWithTimeout(ctx context.Context, d Dispatcher, job Job) Outcome {
	if job.Timeout <= 0 {
		return d.Dispatch(ctx, job)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	out := d.Dispatch(timeoutCtx, job)
	if out.Status != StatusSuccess && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		out.Status = StatusTimeout
		out.Err = &NodeError{
			Message: fmt.Sprintf("exceeded timeout of %v", job.Timeout),
			Code:    CodeNodeTimeout,
			NodeID:  job.Node.String(),
			Cause:   context.DeadlineExceeded,
		}
	}
	return out
}
