package remote_test

import (
	"context"
	"testing"

	"github.com/Ciprian167/siliconcompiler/graph"
	"github.com/Ciprian167/siliconcompiler/graph/remote"
	"github.com/Ciprian167/siliconcompiler/schema"
)

func TestRouter(t *testing.T) {
	var local, slurm int
	r := remote.NewRouter(graph.DispatcherFunc(func(context.Context, graph.Job) graph.Outcome {
		local++
		return graph.Outcome{Status: graph.StatusSuccess}
	}))
	r.Handle("slurm", graph.DispatcherFunc(func(context.Context, graph.Job) graph.Outcome {
		slurm++
		return graph.Outcome{Status: graph.StatusSuccess}
	}))

	route := func(name string) graph.Outcome {
		job := newJob(t, execTask())
		if name != "" {
			if err := job.Context.Schema.Set(schema.Key("option", "scheduler", "name"), name, job.Context.At()); err != nil {
				t.Fatal(err)
			}
		}
		return r.Dispatch(context.Background(), job)
	}

	route("")
	route("local")
	route("slurm")
	if local != 2 || slurm != 1 {
		t.Errorf("local = %d, slurm = %d, want 2 and 1", local, slurm)
	}

	out := route("lsf")
	if out.Status != graph.StatusError {
		t.Fatalf("unknown scheduler: status = %s", out.Status)
	}
	if code := nodeErrorCode(t, out.Err); code != graph.CodeDispatchError {
		t.Errorf("code = %s, want %s", code, graph.CodeDispatchError)
	}
}
