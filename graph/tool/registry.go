package tool

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Ciprian167/siliconcompiler/graph/flow"
	"github.com/Ciprian167/siliconcompiler/schema"
)

// Registry resolves "tool/task" references to tasks. It is safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewRegistry returns a registry holding the builtin tasks and the
// verible/lint adapter.
func NewRegistry() *Registry {
	r := &Registry{tasks: make(map[string]Task)}
	for _, t := range []Task{NewNop(), NewJoin(), NewMinimum(), NewVeribleLint()} {
		r.tasks[t.Name()] = t
	}
	return r
}

// Register adds a task under its name.
func (r *Registry) Register(t Task) error {
	if _, _, err := flow.SplitTask(t.Name()); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tasks[t.Name()]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.Name())
	}
	r.tasks[t.Name()] = t
	return nil
}

// Lookup returns the task registered for ref. An unregistered reference
// whose tool has tool/<tool>/exe set in the manifest resolves to an
// ExecTask.
func (r *Registry) Lookup(ref string, s *schema.Schema) (Task, error) {
	r.mu.RLock()
	t, ok := r.tasks[ref]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}
	toolName, taskName, err := flow.SplitTask(ref)
	if err != nil {
		return nil, err
	}
	if s != nil {
		if exe, _ := s.Get(schema.Key("tool", toolName, "exe"), schema.Global); exe != nil && exe != "" {
			return NewExecTask(toolName, taskName), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTask, ref)
}

// Names lists the registered task references, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
