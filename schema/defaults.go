package schema

import "fmt"

// Version of the built-in definitions, written to every manifest document.
const Version = "0.1.0"

type builtin struct {
	kp  Keypath
	def Definition
}

var builtins = []builtin{
	// option
	{Key("option", "breakpoint"), Definition{Type: "bool", PerNode: PerNodeOptional, Default: false,
		Switch: []string{"-breakpoint <bool>"}, ShortHelp: "Breakpoint list",
		Help: "Stops the run before the node executes so it can be inspected."}},
	{Key("option", "clean"), Definition{Type: "bool", Default: false,
		Switch: []string{"-clean <bool>"}, ShortHelp: "Start a job from the beginning",
		Help: "Runs every node of the job, ignoring results of a previous run."}},
	{Key("option", "dir", Wildcard), Definition{Type: "[dir]",
		Switch: []string{"-dir 'key <dir>'"}, ShortHelp: "Design directories",
		Help: "Directories referenced by tools through a named key."}},
	{Key("option", "file", Wildcard), Definition{Type: "[file]",
		Switch: []string{"-file 'key <file>'"}, ShortHelp: "Design files",
		Help: "Files referenced by tools through a named key."}},
	{Key("option", "flow"), Definition{Type: "str", Scope: ScopeGlobal,
		Switch: []string{"-flow <str>"}, Example: []string{"cli: -flow asicflow"},
		ShortHelp: "Flow target", Help: "Name of the flowgraph to execute.", Require: []string{"all"}}},
	{Key("option", "from"), Definition{Type: "[str]",
		Switch: []string{"-from <str>"}, ShortHelp: "Start steps",
		Help: "Steps the run starts from. Nodes upstream of them are not executed."}},
	{Key("option", "to"), Definition{Type: "[str]",
		Switch: []string{"-to <str>"}, ShortHelp: "Target steps",
		Help: "Steps the run ends at. Defaults to the exit nodes of the flow."}},
	{Key("option", "prune"), Definition{Type: "[(str,str)]",
		Switch: []string{"-prune 'node <(str,str)>'"}, ShortHelp: "Flowgraph pruning",
		Help: "Nodes removed from the flowgraph before the run."}},
	{Key("option", "jobname"), Definition{Type: "str", Default: "job0",
		Switch: []string{"-jobname <str>"}, ShortHelp: "Job name",
		Help: "Name of the job. Its manifest is archived under history/<jobname>."}},
	{Key("option", "pdk"), Definition{Type: "str", Scope: ScopeGlobal,
		Switch: []string{"-pdk <str>"}, ShortHelp: "PDK target",
		Help: "Target process design kit."}},
	{Key("option", "stackup"), Definition{Type: "str", Scope: ScopeGlobal,
		Switch: []string{"-stackup <str>"}, ShortHelp: "Stackup target",
		Help: "Target metal stackup."}},
	{Key("option", "timeout"), Definition{Type: "float", PerNode: PerNodeOptional,
		Switch: []string{"-timeout <float>"}, ShortHelp: "Timeout value",
		Help: "Wall clock limit in seconds for a node. Zero or unset means no limit."}},
	{Key("option", "resume"), Definition{Type: "bool", Default: false,
		Switch: []string{"-resume <bool>"}, ShortHelp: "Resume build",
		Help: "Skips nodes that succeeded in the previous run of the job."}},
	{Key("option", "builddir"), Definition{Type: "dir", Default: "build",
		Switch: []string{"-builddir <dir>"}, ShortHelp: "Build directory",
		Help: "Root directory for node work directories and the job manifest."}},
	{Key("option", "scheduler", "name"), Definition{Type: "str", PerNode: PerNodeOptional,
		Switch: []string{"-scheduler <str>"}, Example: []string{"cli: -scheduler slurm"},
		ShortHelp: "Scheduler platform",
		Help: "Scheduler used to dispatch nodes: local, slurm, redis or http."}},
	{Key("option", "scheduler", "queue"), Definition{Type: "str", PerNode: PerNodeOptional,
		Switch: []string{"-scheduler_queue <str>"}, ShortHelp: "Scheduler queue",
		Help: "Queue or partition the remote scheduler submits to."}},
	{Key("option", "scheduler", "maxconcurrent"), Definition{Type: "int",
		Switch: []string{"-scheduler_maxconcurrent <int>"}, ShortHelp: "Maximum concurrent nodes",
		Help: "Upper bound on simultaneously running nodes. Zero means the number of CPUs."}},

	// package
	{Key("package", "version"), Definition{Type: "str", Scope: ScopeGlobal,
		ShortHelp: "Package version", Help: "Version of the design package."}},
	{Key("package", "description"), Definition{Type: "str", Scope: ScopeGlobal,
		ShortHelp: "Package description", Help: "One line description of the design package."}},

	// asic
	{Key("asic", "logiclib"), Definition{Type: "[str]", PerNode: PerNodeOptional,
		Switch: []string{"-asic_logiclib <str>"}, ShortHelp: "Logic libraries",
		Help: "Standard cell libraries used by the design.", Require: []string{"asic"}}},

	{Key("design"), Definition{Type: "str", Scope: ScopeGlobal,
		Switch: []string{"-design <str>"}, ShortHelp: "Design top module name",
		Help: "Name of the top level module.", Require: []string{"all"}}},

	// flowgraph
	{Key("flowgraph", Wildcard, Wildcard, Wildcard, "input"), Definition{Type: "[(str,str)]", Scope: ScopeGlobal,
		ShortHelp: "Flowgraph: step input", Help: "Upstream (step, index) nodes feeding this node."}},
	{Key("flowgraph", Wildcard, Wildcard, Wildcard, "tool"), Definition{Type: "str", Scope: ScopeGlobal,
		ShortHelp: "Flowgraph: tool selection", Help: "Tool executing the node."}},
	{Key("flowgraph", Wildcard, Wildcard, Wildcard, "task"), Definition{Type: "str", Scope: ScopeGlobal,
		ShortHelp: "Flowgraph: task selection", Help: "Task of the tool executing the node."}},
	{Key("flowgraph", Wildcard, Wildcard, Wildcard, "args"), Definition{Type: "[str]", Scope: ScopeGlobal,
		ShortHelp: "Flowgraph: setup arguments", Help: "Arguments passed to the task of the node."}},

	// tool
	{Key("tool", Wildcard, "exe"), Definition{Type: "str",
		ShortHelp: "Tool: executable name", Help: "Name of the tool executable."}},
	{Key("tool", Wildcard, "path"), Definition{Type: "dir", PerNode: PerNodeOptional,
		ShortHelp: "Tool: executable path", Help: "Directory holding the tool executable."}},
	{Key("tool", Wildcard, "version"), Definition{Type: "[str]", PerNode: PerNodeOptional,
		ShortHelp: "Tool: version", Help: "Accepted tool versions."}},
	{Key("tool", Wildcard, "task", Wildcard, "option"), Definition{Type: "[str]", PerNode: PerNodeOptional,
		ShortHelp: "Task: executable options", Help: "Command line options passed to the executable."}},
	{Key("tool", Wildcard, "task", Wildcard, "threads"), Definition{Type: "int", PerNode: PerNodeOptional,
		ShortHelp: "Task: thread parallelism", Help: "Threads the task may use. Zero means one."}},
	{Key("tool", Wildcard, "task", Wildcard, "regex", Wildcard), Definition{Type: "[str]", PerNode: PerNodeOptional,
		ShortHelp: "Task: regex filter",
		Help: "Patterns matched against the tool log. The match count is recorded as the metric of the same name."}},
	{Key("tool", Wildcard, "task", Wildcard, "require"), Definition{Type: "[str]", PerNode: PerNodeOptional,
		ShortHelp: "Task: parameter requirements",
		Help: "Keypaths that must hold a value before the task runs, one per entry with levels joined by commas, for example option,file,verilog."}},
	{Key("tool", Wildcard, "task", Wildcard, "output"), Definition{Type: "[file]", PerNode: PerNodeOptional,
		ShortHelp: "Task: outputs", Help: "Files the task produces in its output directory."}},
	{Key("tool", Wildcard, "task", Wildcard, "var", Wildcard), Definition{Type: "[str]", PerNode: PerNodeOptional,
		ShortHelp: "Task: script variables", Help: "Task specific variables."}},
	{Key("tool", Wildcard, "task", Wildcard, "env", Wildcard), Definition{Type: "str", PerNode: PerNodeOptional,
		ShortHelp: "Task: environment variables", Help: "Environment variables set for the task."}},

	// record
	{Key("record", "status"), Definition{Type: "str", PerNode: PerNodeRequired,
		ShortHelp: "Record: node status", Help: "Final status of the node."}},
	{Key("record", "starttime"), Definition{Type: "str", PerNode: PerNodeRequired,
		ShortHelp: "Record: start time", Help: "Time the node started running, RFC3339."}},
	{Key("record", "endtime"), Definition{Type: "str", PerNode: PerNodeRequired,
		ShortHelp: "Record: end time", Help: "Time the node finished, RFC3339."}},
	{Key("record", "exitcode"), Definition{Type: "int", PerNode: PerNodeRequired,
		ShortHelp: "Record: exit code", Help: "Exit code of the tool."}},
	{Key("record", "remoteid"), Definition{Type: "str", PerNode: PerNodeRequired,
		ShortHelp: "Record: remote job id", Help: "Job id assigned by the remote scheduler."}},
	{Key("record", "message"), Definition{Type: "str", PerNode: PerNodeRequired,
		ShortHelp: "Record: message", Help: "Reason for a failed or skipped node."}},
	{Key("record", "inputnode"), Definition{Type: "[(str,str)]", PerNode: PerNodeRequired,
		ShortHelp: "Record: node inputs", Help: "Upstream nodes whose outputs the node consumed."}},
	{Key("record", "archivetime"), Definition{Type: "str",
		ShortHelp: "Record: archive time", Help: "Time the manifest was archived into history."}},

	// metric
	{Key("metric", "errors"), Definition{Type: "int", PerNode: PerNodeRequired,
		ShortHelp: "Metric: total errors", Help: "Errors reported by the tool."}},
	{Key("metric", "warnings"), Definition{Type: "int", PerNode: PerNodeRequired,
		ShortHelp: "Metric: total warnings", Help: "Warnings reported by the tool."}},
	{Key("metric", "tasktime"), Definition{Type: "float", PerNode: PerNodeRequired,
		ShortHelp: "Metric: task time", Help: "Wall clock seconds spent in the node."}},
	{Key("metric", "totaltime"), Definition{Type: "float", PerNode: PerNodeRequired,
		ShortHelp: "Metric: total time", Help: "Seconds from the start of the run to the end of the node."}},
	{Key("metric", "exetime"), Definition{Type: "float", PerNode: PerNodeRequired,
		ShortHelp: "Metric: executable time", Help: "Wall clock seconds spent in the tool executable."}},
	{Key("metric", Wildcard), Definition{Type: "float", PerNode: PerNodeRequired,
		ShortHelp: "Metric: tool specific", Help: "Numeric metric reported by a tool."}},
}

// New returns a manifest store populated with the built-in definitions.
func New() *Schema {
	s := NewEmpty()
	for _, b := range builtins {
		if err := s.Define(b.kp, b.def); err != nil {
			panic(fmt.Sprintf("schema: built-in %s: %v", b.kp, err))
		}
	}
	s.root[HistoryKey] = branch{}
	return s
}
