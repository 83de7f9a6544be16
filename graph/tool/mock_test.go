package tool_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Ciprian167/siliconcompiler/graph/flow"
	"github.com/Ciprian167/siliconcompiler/graph/tool"
	"github.com/Ciprian167/siliconcompiler/schema"
)

// TestMockTask_Responses verifies ordered responses and repetition of the
// last one.
func TestMockTask_Responses(t *testing.T) {
	mock := &tool.MockTask{
		Responses: []map[string]float64{{"errors": 1}, {"errors": 2}},
	}
	c := &tool.Context{Node: flow.ID("a", "0"), Schema: schema.New()}
	for _, want := range []float64{1, 2, 2} {
		got, err := mock.Run(context.Background(), c)
		if err != nil {
			t.Fatal(err)
		}
		if got["errors"] != want {
			t.Errorf("errors = %v, want %v", got["errors"], want)
		}
	}
	if mock.CallCount() != 3 {
		t.Errorf("CallCount = %d, want 3", mock.CallCount())
	}
	mock.Reset()
	if mock.CallCount() != 0 {
		t.Error("Reset did not clear calls")
	}
}

// TestMockTask_Failures verifies per-node and global errors.
func TestMockTask_Failures(t *testing.T) {
	boom := errors.New("boom")
	mock := &tool.MockTask{Failures: map[flow.NodeID]error{flow.ID("a", "1"): boom}}
	if _, err := mock.Run(context.Background(), &tool.Context{Node: flow.ID("a", "0")}); err != nil {
		t.Errorf("a/0: %v", err)
	}
	if _, err := mock.Run(context.Background(), &tool.Context{Node: flow.ID("a", "1")}); !errors.Is(err, boom) {
		t.Errorf("a/1: got %v", err)
	}
	if !mock.Called(flow.ID("a", "1")) || mock.Called(flow.ID("b", "0")) {
		t.Error("Called mismatch")
	}
}

// TestMockTask_DelayAndConcurrency verifies cancellation during the delay
// and the concurrency high-water mark.
func TestMockTask_DelayAndConcurrency(t *testing.T) {
	mock := &tool.MockTask{Delay: 50 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if _, err := mock.Run(ctx, &tool.Context{Node: flow.ID("a", "0")}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want DeadlineExceeded", err)
	}

	mock.Reset()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = mock.Run(context.Background(), &tool.Context{Node: flow.ID("a", "0")})
		}()
	}
	wg.Wait()
	if mock.MaxConcurrent() < 2 {
		t.Errorf("MaxConcurrent = %d, want at least 2", mock.MaxConcurrent())
	}
}
