package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func nodeEvent(run, step, index, status string) Event {
	return Event{RunID: run, Step: step, Index: index, Msg: MsgNodeStatus,
		Meta: map[string]interface{}{"status": status}}
}

// TestLogEmitter verifies text and JSON output.
func TestLogEmitter(t *testing.T) {
	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		NewLogEmitter(&buf, false).Emit(nodeEvent("run-1", "syn", "0", "success"))
		want := `[node_status] run=run-1 node=syn/0 meta={"status":"success"}` + "\n"
		if buf.String() != want {
			t.Errorf("got %q, want %q", buf.String(), want)
		}
	})

	t.Run("text run event", func(t *testing.T) {
		var buf bytes.Buffer
		NewLogEmitter(&buf, false).Emit(Event{RunID: "run-1", Msg: MsgRunStart})
		if buf.String() != "[run_start] run=run-1\n" {
			t.Errorf("got %q", buf.String())
		}
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		e := NewLogEmitter(&buf, true)
		e.Emit(nodeEvent("run-1", "syn", "0", "running"))
		e.Emit(nodeEvent("run-1", "syn", "0", "success"))
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) != 2 {
			t.Fatalf("got %d lines, want 2", len(lines))
		}
		var decoded map[string]interface{}
		if err := json.Unmarshal([]byte(lines[1]), &decoded); err != nil {
			t.Fatal(err)
		}
		if decoded["step"] != "syn" || decoded["msg"] != MsgNodeStatus {
			t.Errorf("decoded = %v", decoded)
		}
	})
}

// TestBufferedEmitter verifies history queries and clearing.
func TestBufferedEmitter(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{RunID: "r1", Msg: MsgRunStart})
	b.Emit(nodeEvent("r1", "syn", "0", "running"))
	b.Emit(nodeEvent("r1", "syn", "1", "running"))
	b.Emit(nodeEvent("r2", "syn", "0", "running"))

	if got := len(b.GetHistory("r1")); got != 3 {
		t.Errorf("r1 history = %d, want 3", got)
	}
	if got := b.GetHistoryWithFilter("r1", HistoryFilter{Step: "syn", Index: "1"}); len(got) != 1 {
		t.Errorf("filtered = %v", got)
	}
	if got := b.GetHistoryWithFilter("r1", HistoryFilter{Msg: MsgRunStart}); len(got) != 1 {
		t.Errorf("run events = %v", got)
	}
	if got := b.GetHistory("missing"); got == nil || len(got) != 0 {
		t.Errorf("missing run = %v, want empty slice", got)
	}

	b.Clear("r1")
	if len(b.GetHistory("r1")) != 0 || len(b.GetHistory("r2")) != 1 {
		t.Error("Clear(r1) removed the wrong runs")
	}
	b.Clear("")
	if len(b.GetHistory("r2")) != 0 {
		t.Error("Clear(\"\") kept events")
	}
}

// TestBufferedEmitter_Concurrent verifies concurrent Emit calls are safe.
func TestBufferedEmitter_Concurrent(t *testing.T) {
	b := NewBufferedEmitter()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Emit(nodeEvent("r", "s", "0", "running"))
			}
		}()
	}
	wg.Wait()
	if got := len(b.GetHistory("r")); got != 1000 {
		t.Errorf("got %d events, want 1000", got)
	}
}

// TestMultiEmitter verifies fan out and nil filtering.
func TestMultiEmitter(t *testing.T) {
	a, b := NewBufferedEmitter(), NewBufferedEmitter()
	m := NewMultiEmitter(a, nil, b, NewNullEmitter())
	m.Emit(Event{RunID: "r", Msg: MsgRunEnd})
	if len(a.GetHistory("r")) != 1 || len(b.GetHistory("r")) != 1 {
		t.Error("event not delivered to every emitter")
	}
	if err := m.Flush(context.Background()); err != nil {
		t.Errorf("Flush: %v", err)
	}
}

// TestMultiEmitter_Flush verifies spans buffered by an OTel emitter are
// exported on Flush.
func TestMultiEmitter_Flush(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	m := NewMultiEmitter(NewBufferedEmitter(), NewOTelEmitter(tp.Tracer("test")))
	m.Emit(nodeEvent("r", "syn", "0", "success"))
	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n := len(exporter.GetSpans()); n != 1 {
		t.Errorf("exported %d spans, want 1", n)
	}
}

// TestZapEmitter verifies levels and fields.
func TestZapEmitter(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	e := NewZapEmitter(zap.New(core))
	e.Emit(nodeEvent("r", "syn", "0", "success"))
	e.Emit(Event{RunID: "r", Step: "syn", Index: "1", Msg: MsgNodeStatus,
		Meta: map[string]interface{}{"status": "error", "error": "exit code 1"}})

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel || entries[1].Level != zapcore.WarnLevel {
		t.Errorf("levels = %v, %v", entries[0].Level, entries[1].Level)
	}
	fields := entries[1].ContextMap()
	if fields["step"] != "syn" || fields["index"] != "1" || fields["error"] != "exit code 1" {
		t.Errorf("fields = %v", fields)
	}

	NewZapEmitter(nil).Emit(Event{Msg: MsgRunStart})
}
