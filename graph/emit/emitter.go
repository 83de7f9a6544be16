package emit

import (
	"context"
	"errors"
)

// Emitter receives observability events from the engine.
//
// Implementations must be safe for concurrent use and must not block the
// engine: a slow backend should buffer or drop. Emit must not panic.
type Emitter interface {
	Emit(event Event)
}

// MultiEmitter fans every event out to several emitters in order.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter returns an emitter that forwards to each non-nil emitter.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	m := &MultiEmitter{}
	for _, e := range emitters {
		if e != nil {
			m.emitters = append(m.emitters, e)
		}
	}
	return m
}

// Emit forwards the event.
func (m *MultiEmitter) Emit(event Event) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}

// Flush flushes every emitter that buffers, such as OTelEmitter.
func (m *MultiEmitter) Flush(ctx context.Context) error {
	var errs []error
	for _, e := range m.emitters {
		if f, ok := e.(interface{ Flush(context.Context) error }); ok {
			errs = append(errs, f.Flush(ctx))
		}
	}
	return errors.Join(errs...)
}
