package remote

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// CommandRunner runs a scheduler command line tool and returns its
// combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// SlurmScheduler submits nodes with sbatch, polls them with sacct and
// cancels them with scancel.
type SlurmScheduler struct {
	run CommandRunner
}

// NewSlurmScheduler returns a Slurm scheduler. A nil runner executes the
// Slurm tools found on PATH.
func NewSlurmScheduler(run CommandRunner) *SlurmScheduler {
	if run == nil {
		run = runCommand
	}
	return &SlurmScheduler{run: run}
}

// Name implements Scheduler.
func (s *SlurmScheduler) Name() string { return "slurm" }

// Submit writes a batch script into the node work directory and queues
// it. The job is named after the submission key.
func (s *SlurmScheduler) Submit(ctx context.Context, spec JobSpec) (string, error) {
	script := filepath.Join(spec.WorkDir, "sc_"+spec.Key+".sh")
	if err := os.MkdirAll(spec.WorkDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create work directory: %w", err)
	}
	if err := os.WriteFile(script, []byte(batchScript(spec)), 0o755); err != nil { // #nosec G306 -- batch scripts must be executable
		return "", fmt.Errorf("failed to write batch script: %w", err)
	}

	args := []string{
		"--parsable",
		"--job-name=" + spec.Key,
		"--chdir=" + spec.WorkDir,
		"--output=" + spec.LogPath,
		"--cpus-per-task=" + strconv.Itoa(max(spec.Threads, 1)),
	}
	if spec.Queue != "" {
		args = append(args, "--partition="+spec.Queue)
	}
	if spec.Timeout > 0 {
		minutes := int(spec.Timeout.Minutes())
		if minutes < 1 {
			minutes = 1
		}
		args = append(args, "--time="+strconv.Itoa(minutes))
	}
	args = append(args, script)

	out, err := s.run(ctx, "sbatch", args...)
	if err != nil {
		return "", fmt.Errorf("%w: sbatch: %v: %s", ErrSubmitRejected, err, strings.TrimSpace(string(out)))
	}
	// --parsable prints "jobid" or "jobid;cluster"
	id, _, _ := strings.Cut(strings.TrimSpace(string(out)), ";")
	if id == "" {
		return "", fmt.Errorf("%w: sbatch printed no job id", ErrSubmitRejected)
	}
	return id, nil
}

// Poll implements Scheduler. A job sacct does not list yet is pending.
func (s *SlurmScheduler) Poll(ctx context.Context, id string) (JobStatus, error) {
	out, err := s.run(ctx, "sacct", "-j", id, "-n", "-P", "-X", "-o", "State,ExitCode")
	if err != nil {
		return JobStatus{}, fmt.Errorf("sacct %s: %v: %s", id, err, strings.TrimSpace(string(out)))
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	if line == "" {
		return JobStatus{State: StatePending}, nil
	}
	state, exit, _ := strings.Cut(line, "|")
	return slurmStatus(state, exit), nil
}

// Cancel implements Scheduler.
func (s *SlurmScheduler) Cancel(ctx context.Context, id string) error {
	out, err := s.run(ctx, "scancel", id)
	if err != nil {
		return fmt.Errorf("scancel %s: %v: %s", id, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// slurmStatus maps an sacct state and "code:signal" exit field.
func slurmStatus(state, exit string) JobStatus {
	// "CANCELLED by 1000"
	state, _, _ = strings.Cut(strings.TrimSpace(state), " ")
	code := 0
	if c, _, ok := strings.Cut(exit, ":"); ok {
		code, _ = strconv.Atoi(c)
	}

	switch state {
	case "PENDING", "CONFIGURING", "REQUEUED", "RESIZING", "SUSPENDED":
		return JobStatus{State: StatePending, Message: state}
	case "RUNNING", "COMPLETING", "STAGE_OUT":
		return JobStatus{State: StateRunning}
	case "COMPLETED":
		return JobStatus{State: StateDone, ExitCode: code}
	case "FAILED", "TIMEOUT", "OUT_OF_MEMORY", "CANCELLED", "DEADLINE":
		if code == 0 {
			code = -1
		}
		return JobStatus{State: StateDone, ExitCode: code, Message: state}
	case "NODE_FAIL", "BOOT_FAIL", "PREEMPTED", "REVOKED":
		return JobStatus{State: StateLost, Message: state}
	}
	return JobStatus{State: StateRunning, Message: state}
}

// batchScript renders the script sbatch runs.
func batchScript(spec JobSpec) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "# %s/%s run %s\n", spec.Step, spec.Index, spec.RunID)

	names := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Fprintf(&b, "export %s=%s\n", k, shellQuote(spec.Env[k]))
	}

	fmt.Fprintf(&b, "cd %s || exit 1\n", shellQuote(spec.WorkDir))
	b.WriteString("exec")
	for _, arg := range append([]string{spec.Exe}, spec.Args...) {
		b.WriteByte(' ')
		b.WriteString(shellQuote(arg))
	}
	b.WriteByte('\n')
	return b.String()
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return !(r == '-' || r == '_' || r == '.' || r == '/' || r == '=' || r == ':' || r == ',' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
