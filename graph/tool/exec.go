package tool

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Ciprian167/siliconcompiler/schema"
)

// ExecTask runs an external executable configured through the manifest:
//
//	tool/<tool>/exe                      executable name
//	tool/<tool>/path                     directory holding it
//	tool/<tool>/task/<task>/option       command line options
//	tool/<tool>/task/<task>/threads      thread count
//	tool/<tool>/task/<task>/env/<name>   environment
//	tool/<tool>/task/<task>/require      required keypaths, one per entry, levels joined by ","
//	tool/<tool>/task/<task>/regex/<m>    log patterns counted into metric m
type ExecTask struct {
	tool, task string
	exe        string
	options    []string
}

// ExecOption configures an ExecTask.
type ExecOption func(*ExecTask)

// WithExe overrides tool/<tool>/exe.
func WithExe(exe string) ExecOption {
	return func(t *ExecTask) { t.exe = exe }
}

// WithOptions adds command line options ahead of the manifest options.
func WithOptions(opts ...string) ExecOption {
	return func(t *ExecTask) { t.options = append(t.options, opts...) }
}

// NewExecTask returns a manifest driven task for tool/task.
func NewExecTask(tool, task string, opts ...ExecOption) *ExecTask {
	t := &ExecTask{tool: tool, task: task}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name implements Task.
func (t *ExecTask) Name() string {
	return t.tool + "/" + t.task
}

// Contract implements Task. The executable is always required unless it
// was given as an option.
func (t *ExecTask) Contract(c *Context) (Contract, error) {
	var out Contract
	if t.exe == "" {
		out.Required = append(out.Required, c.ToolKey("exe"))
	}
	for _, entry := range c.Strings(c.TaskKey("require")) {
		if kp := parseRequire(entry); len(kp) > 0 {
			out.Required = append(out.Required, kp)
		}
	}
	out.Outputs = regexMetrics(c)
	return out, nil
}

// parseRequire decodes one require entry: a keypath with its levels
// joined by ",", as in "option,file,verilog".
func parseRequire(entry string) schema.Keypath {
	var kp schema.Keypath
	for _, part := range strings.Split(entry, ",") {
		if part = strings.TrimSpace(part); part != "" {
			kp = append(kp, part)
		}
	}
	return kp
}

func regexMetrics(c *Context) []string {
	var names []string
	for _, name := range c.Schema.Keys(c.TaskKey("regex")...) {
		if name == schema.Wildcard {
			continue
		}
		if len(c.Strings(c.TaskKey("regex", name))) > 0 {
			names = append(names, name)
		}
	}
	return names
}

// Command implements Task.
func (t *ExecTask) Command(c *Context) (Command, error) {
	exe := t.exe
	if exe == "" {
		exe = c.String(c.ToolKey("exe"))
	}
	if exe == "" {
		return Command{}, fmt.Errorf("%w: %s", ErrNotExecutable, t.Name())
	}
	if dir := c.String(c.ToolKey("path")); dir != "" {
		exe = filepath.Join(dir, exe)
	}

	cmd := Command{Exe: exe, Threads: 1}
	cmd.Args = append(cmd.Args, t.options...)
	cmd.Args = append(cmd.Args, c.Strings(c.TaskKey("option"))...)
	cmd.Args = append(cmd.Args, c.Args...)
	if n, ok := c.Get(c.TaskKey("threads")).(int); ok && n > 0 {
		cmd.Threads = n
	}
	for _, name := range c.Schema.Keys(c.TaskKey("env")...) {
		if name == schema.Wildcard {
			continue
		}
		if v := c.String(c.TaskKey("env", name)); v != "" {
			if cmd.Env == nil {
				cmd.Env = map[string]string{}
			}
			cmd.Env[name] = v
		}
	}
	return cmd, nil
}

// PostProcess implements Task. Every regex metric is the number of log
// lines matching its pattern chain.
func (t *ExecTask) PostProcess(c *Context, r Result) (map[string]float64, error) {
	chains := map[string][]*linePattern{}
	for _, name := range regexMetrics(c) {
		chain, err := compileChain(c.Strings(c.TaskKey("regex", name)))
		if err != nil {
			return nil, fmt.Errorf("regex %s: %w", name, err)
		}
		chains[name] = chain
	}
	if len(chains) == 0 {
		return nil, nil
	}
	return countMatches(r.LogPath, chains)
}

type linePattern struct {
	re     *regexp.Regexp
	invert bool
}

// compileChain compiles grep style patterns. A "-v " prefix inverts the
// pattern; a line is counted when it passes every pattern in turn.
func compileChain(patterns []string) ([]*linePattern, error) {
	chain := make([]*linePattern, 0, len(patterns))
	for _, p := range patterns {
		lp := &linePattern{}
		if rest, ok := strings.CutPrefix(p, "-v "); ok {
			lp.invert = true
			p = rest
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		lp.re = re
		chain = append(chain, lp)
	}
	return chain, nil
}

// countMatches counts, per metric, the lines of the log file that pass the
// metric's pattern chain.
func countMatches(logPath string, chains map[string][]*linePattern) (map[string]float64, error) {
	f, err := os.Open(logPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	counts := make(map[string]float64, len(chains))
	for name := range chains {
		counts[name] = 0
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		for name, chain := range chains {
			if matchChain(chain, line) {
				counts[name]++
			}
		}
	}
	return counts, sc.Err()
}

func matchChain(chain []*linePattern, line string) bool {
	for _, lp := range chain {
		if lp.re.MatchString(line) == lp.invert {
			return false
		}
	}
	return true
}
