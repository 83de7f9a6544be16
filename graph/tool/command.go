package tool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"
)

// killGrace is how long a cancelled subprocess may take to exit after it
// was killed before its output pipes are closed.
const killGrace = 5 * time.Second

// Execute runs cmd in dir with stdout and stderr written to logPath. A
// non-zero exit is reported in Result.ExitCode, not as an error; the error
// is for commands that could not be started or were cancelled through ctx,
// in which case the process is killed.
func Execute(ctx context.Context, cmd Command, dir, logPath string) (Result, error) {
	res := Result{LogPath: logPath, ExitCode: -1}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return res, fmt.Errorf("failed to create log directory: %w", err)
	}
	log, err := os.Create(logPath)
	if err != nil {
		return res, fmt.Errorf("failed to create log file: %w", err)
	}
	defer func() { _ = log.Close() }()

	c := exec.CommandContext(ctx, cmd.Exe, cmd.Args...)
	c.Dir = dir
	c.Stdout = log
	c.Stderr = log
	c.WaitDelay = killGrace
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), envList(cmd.Env)...)
	}

	start := time.Now()
	err = c.Run()
	res.Duration = time.Since(start)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("failed to run %s: %w", cmd.Exe, err)
	}
	return res, nil
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
