package tool_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Ciprian167/siliconcompiler/graph/tool"
)

// TestExecute verifies exit codes, logging and environment.
func TestExecute(t *testing.T) {
	dir := t.TempDir()
	log := filepath.Join(dir, "logs", "step.log")

	t.Run("success", func(t *testing.T) {
		cmd := tool.Command{Exe: "/bin/sh", Args: []string{"-c", "echo hello $SC_TEST; echo oops >&2"}, Env: map[string]string{"SC_TEST": "world"}}
		res, err := tool.Execute(context.Background(), cmd, dir, log)
		if err != nil {
			t.Fatal(err)
		}
		if res.ExitCode != 0 {
			t.Errorf("ExitCode = %d", res.ExitCode)
		}
		data, _ := os.ReadFile(log)
		if !strings.Contains(string(data), "hello world") || !strings.Contains(string(data), "oops") {
			t.Errorf("log = %q", data)
		}
	})

	t.Run("exit code", func(t *testing.T) {
		res, err := tool.Execute(context.Background(), tool.Command{Exe: "/bin/sh", Args: []string{"-c", "exit 3"}}, dir, log)
		if err != nil {
			t.Fatal(err)
		}
		if res.ExitCode != 3 {
			t.Errorf("ExitCode = %d, want 3", res.ExitCode)
		}
	})

	t.Run("missing executable", func(t *testing.T) {
		if _, err := tool.Execute(context.Background(), tool.Command{Exe: filepath.Join(dir, "nope")}, dir, log); err == nil {
			t.Error("expected an error")
		}
	})

	t.Run("killed on timeout", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		start := time.Now()
		_, err := tool.Execute(ctx, tool.Command{Exe: "/bin/sh", Args: []string{"-c", "sleep 30"}}, dir, log)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("got %v, want DeadlineExceeded", err)
		}
		if time.Since(start) > 10*time.Second {
			t.Error("subprocess was not killed")
		}
	})
}
