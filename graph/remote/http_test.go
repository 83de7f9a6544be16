package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// batchService is a minimal in-memory implementation of the REST protocol.
type batchService struct {
	mu        sync.Mutex
	jobs      map[string]JobStatus
	keys      map[string]string
	full      bool
	cancelled []string
	token     string
}

func newBatchService() *batchService {
	return &batchService{jobs: map[string]JobStatus{}, keys: map[string]string{}}
}

func (b *batchService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.token != "" && r.Header.Get("Authorization") != "Bearer "+b.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/jobs/")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/jobs":
		if b.full {
			http.Error(w, "queue full", http.StatusConflict)
			return
		}
		var spec JobSpec
		if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		key := r.Header.Get("Idempotency-Key")
		jobID, ok := b.keys[key]
		if !ok {
			jobID = "j" + spec.Step + spec.Index
			b.keys[key] = jobID
			b.jobs[jobID] = JobStatus{State: StatePending}
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": jobID})
	case r.Method == http.MethodGet:
		st, ok := b.jobs[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(st)
	case r.Method == http.MethodDelete:
		b.cancelled = append(b.cancelled, id)
		delete(b.jobs, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestHTTPScheduler(t *testing.T) {
	svc := newBatchService()
	svc.token = "secret"
	srv := httptest.NewServer(svc)
	defer srv.Close()

	s, err := NewHTTPScheduler(srv.URL+"/", WithHeader("Authorization", "Bearer secret"))
	if err != nil {
		t.Fatalf("NewHTTPScheduler: %v", err)
	}
	ctx := context.Background()
	spec := JobSpec{Key: "k1", Step: "syn", Index: "0", Exe: "yosys"}

	id, err := s.Submit(ctx, spec)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "jsyn0" {
		t.Errorf("id = %q, want jsyn0", id)
	}
	again, err := s.Submit(ctx, spec)
	if err != nil || again != id {
		t.Errorf("resubmitting the same key: id = %q, err = %v", again, err)
	}

	st, err := s.Poll(ctx, id)
	if err != nil || st.State != StatePending {
		t.Fatalf("Poll = %+v, %v", st, err)
	}

	svc.mu.Lock()
	svc.jobs[id] = JobStatus{State: StateDone, ExitCode: 1, Message: "failed"}
	svc.mu.Unlock()
	st, err = s.Poll(ctx, id)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if st.State != StateDone || st.ExitCode != 1 {
		t.Errorf("Poll = %+v, want done with exit code 1", st)
	}

	if err := s.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := s.Poll(ctx, id); !errors.Is(err, ErrJobLost) {
		t.Errorf("Poll after cancel: err = %v, want ErrJobLost", err)
	}
	if err := s.Cancel(ctx, id); err != nil {
		t.Errorf("second Cancel: %v", err)
	}
}

func TestHTTPSchedulerRejected(t *testing.T) {
	svc := newBatchService()
	svc.full = true
	srv := httptest.NewServer(svc)
	defer srv.Close()

	s, err := NewHTTPScheduler(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Submit(context.Background(), JobSpec{Key: "k"}); !errors.Is(err, ErrSubmitRejected) {
		t.Errorf("err = %v, want ErrSubmitRejected", err)
	}

	srv.Close()
	if _, err := s.Submit(context.Background(), JobSpec{Key: "k"}); !errors.Is(err, ErrSubmitRejected) {
		t.Errorf("unreachable service: err = %v, want ErrSubmitRejected", err)
	}
}

func TestHTTPSchedulerUnknownState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"state":"exploded"}`))
	}))
	defer srv.Close()

	s, err := NewHTTPScheduler(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Poll(context.Background(), "x"); err == nil {
		t.Error("unknown state accepted")
	}
}

func TestNewHTTPSchedulerInvalidURL(t *testing.T) {
	for _, u := range []string{"", "localhost:8080", "://x"} {
		if _, err := NewHTTPScheduler(u); err == nil {
			t.Errorf("NewHTTPScheduler(%q) accepted", u)
		}
	}
}
