package tool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Ciprian167/siliconcompiler/graph/flow"
	"github.com/Ciprian167/siliconcompiler/schema"
)

// MockTask is an in-process Task for tests.
//
// Responses are returned in order, the last one repeating once they run
// out. Failures lists nodes that fail with the given error; Err fails
// every node. Delay makes each call block, honoring cancellation, which
// lets tests exercise timeouts and concurrency limits.
type MockTask struct {
	TaskName  string
	Required  []schema.Keypath
	Outputs   []string
	Responses []map[string]float64
	Err       error
	Failures  map[flow.NodeID]error
	Delay     time.Duration

	// Calls records every Run in call order.
	Calls []MockCall

	mu         sync.Mutex
	callIndex  int
	running    int
	maxRunning int
}

// MockCall records one MockTask.Run.
type MockCall struct {
	Node   flow.NodeID
	Inputs []flow.NodeID
}

// Name implements Task.
func (m *MockTask) Name() string {
	if m.TaskName == "" {
		return "mock/task"
	}
	return m.TaskName
}

// Contract implements Task.
func (m *MockTask) Contract(*Context) (Contract, error) {
	return Contract{Required: m.Required, Outputs: m.Outputs}, nil
}

// Command implements Task.
func (m *MockTask) Command(*Context) (Command, error) {
	return Command{}, fmt.Errorf("%w: %s", ErrNotExecutable, m.Name())
}

// PostProcess implements Task.
func (m *MockTask) PostProcess(*Context, Result) (map[string]float64, error) {
	return nil, nil
}

// Run implements Runner.
func (m *MockTask) Run(ctx context.Context, c *Context) (map[string]float64, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	m.Calls = append(m.Calls, MockCall{Node: c.Node, Inputs: append([]flow.NodeID(nil), c.Inputs...)})
	m.running++
	if m.running > m.maxRunning {
		m.maxRunning = m.running
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running--
		m.mu.Unlock()
	}()

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.Failures[c.Node]; ok {
		return nil, err
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		return map[string]float64{}, nil
	}
	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1 // repeat last response
	} else {
		m.callIndex++
	}
	out := make(map[string]float64, len(m.Responses[idx]))
	for k, v := range m.Responses[idx] {
		out[k] = v
	}
	return out, nil
}

// Reset clears recorded calls and the response index.
func (m *MockTask) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
	m.maxRunning = 0
}

// CallCount returns the number of Run calls.
func (m *MockTask) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Called reports whether Run was called for node.
func (m *MockTask) Called(node flow.NodeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.Calls {
		if c.Node == node {
			return true
		}
	}
	return false
}

// MaxConcurrent returns the highest number of simultaneous Run calls seen.
func (m *MockTask) MaxConcurrent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxRunning
}
