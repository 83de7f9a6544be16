package tool

import (
	"bufio"
	"os"
	"strings"

	"github.com/Ciprian167/siliconcompiler/schema"
)

// VeribleLint adapts verible-verilog-lint as verible/lint. Log lines
// containing "warning: " count as warnings; every line of the log counts
// as an error.
//
// The sources come from option/file/verilog. The task variables
// rules_config and waiver_files map to --rules_config and --waiver_files,
// each given once with the files joined by commas.
type VeribleLint struct {
	*ExecTask
}

// NewVeribleLint returns the verible/lint task.
func NewVeribleLint() *VeribleLint {
	return &VeribleLint{ExecTask: NewExecTask("verible", "lint")}
}

// Setup implements Configurer.
func (t *VeribleLint) Setup(c *Context) error {
	at := c.At()
	defaults := []struct {
		kp schema.Keypath
		at schema.At
		v  any
	}{
		{c.ToolKey("exe"), schema.Global, "verible-verilog-lint"},
		{c.TaskKey("threads"), at, 1},
		{c.TaskKey("option"), at, []string{"--lint_fatal", "--parse_fatal"}},
		{c.TaskKey("regex", "warnings"), at, []string{"warning: "}},
		{c.TaskKey("regex", "errors"), at, []string{"error: "}},
		{c.TaskKey("require"), at, []string{"design", "option,file,verilog"}},
	}
	for _, d := range defaults {
		if _, err := c.Schema.SetNoClobber(d.kp, d.v, d.at); err != nil {
			return err
		}
	}
	return nil
}

// Command implements Task: the manifest options, then the rule files,
// then the sources.
func (t *VeribleLint) Command(c *Context) (Command, error) {
	cmd, err := t.ExecTask.Command(c)
	if err != nil {
		return cmd, err
	}
	if rules := c.Strings(c.TaskKey("var", "rules_config")); len(rules) > 0 {
		cmd.Args = append(cmd.Args, "--rules_config", strings.Join(rules, ","))
	}
	if waivers := c.Strings(c.TaskKey("var", "waiver_files")); len(waivers) > 0 {
		cmd.Args = append(cmd.Args, "--waiver_files", strings.Join(waivers, ","))
	}
	cmd.Args = append(cmd.Args, c.Strings(schema.Key("option", "file", "verilog"))...)
	return cmd, nil
}

// PostProcess implements Task. errors is the number of lines in the log.
func (t *VeribleLint) PostProcess(c *Context, r Result) (map[string]float64, error) {
	metrics, err := t.ExecTask.PostProcess(c, r)
	if err != nil {
		return nil, err
	}
	lines, err := countLines(r.LogPath)
	if err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = map[string]float64{}
	}
	metrics["errors"] = lines
	return metrics, nil
}

func countLines(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	var n float64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		n++
	}
	return n, sc.Err()
}
