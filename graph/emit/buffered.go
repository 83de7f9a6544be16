package emit

import "sync"

// BufferedEmitter stores events in memory, grouped by run. It backs tests
// and the observer event history.
//
// All events are kept until Clear; long lived processes should clear
// finished runs.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // runID -> events
}

// HistoryFilter selects events. Empty fields match everything; set fields
// are combined with AND.
type HistoryFilter struct {
	Step  string
	Index string
	Msg   string
}

func (f HistoryFilter) empty() bool {
	return f.Step == "" && f.Index == "" && f.Msg == ""
}

func (f HistoryFilter) matches(event Event) bool {
	if f.Step != "" && event.Step != f.Step {
		return false
	}
	if f.Index != "" && event.Index != f.Index {
		return false
	}
	if f.Msg != "" && event.Msg != f.Msg {
		return false
	}
	return true
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores the event.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.RunID] = append(b.events[event.RunID], event)
}

// GetHistory returns a copy of the events of a run in emission order.
func (b *BufferedEmitter) GetHistory(runID string) []Event {
	return b.GetHistoryWithFilter(runID, HistoryFilter{})
}

// GetHistoryWithFilter returns the events of a run that match filter.
func (b *BufferedEmitter) GetHistoryWithFilter(runID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[runID]
	result := make([]Event, 0, len(events))
	for _, event := range events {
		if filter.empty() || filter.matches(event) {
			result = append(result, event)
		}
	}
	return result
}

// Clear removes the events of a run, or of every run when runID is empty.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if runID == "" {
		b.events = make(map[string][]Event)
	} else {
		delete(b.events, runID)
	}
}
