package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Ciprian167/siliconcompiler/graph"
	"github.com/Ciprian167/siliconcompiler/graph/flow"
	"github.com/Ciprian167/siliconcompiler/schema"
)

var (
	statusJob     string
	statusHistory string
)

var statusCmd = &cobra.Command{
	Use:   "status [manifest]",
	Short: "Show the node records of a finished or running job",
	Long: `Status prints the recorded status, runtime and metrics of every node.

The manifest is read from the given file, or from the configured store
with --job. --history selects a job archived inside the manifest.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := statusManifest(cmd, args)
		if err != nil {
			return err
		}
		if statusHistory != "" {
			if m, err = m.History(statusHistory); err != nil {
				return err
			}
		}
		name, _ := m.Get(schema.Key("option", "flow"), schema.Global)
		flowName, _ := name.(string)
		if flowName == "" {
			return fmt.Errorf("manifest records no option/flow")
		}
		g, err := flow.FromSchema(m, flowName)
		if err != nil {
			return err
		}
		printRecords(cmd.OutOrStdout(), m, g)
		return nil
	},
}

func statusManifest(cmd *cobra.Command, args []string) (*schema.Schema, error) {
	if len(args) == 1 {
		return schema.ReadManifest(args[0])
	}
	if statusJob == "" {
		return nil, fmt.Errorf("give a manifest path or --job")
	}
	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = st.Close() }()
	doc, err := st.LoadManifest(cmd.Context(), statusJob)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", statusJob, err)
	}
	m := schema.New()
	if err := json.Unmarshal(doc, m); err != nil {
		return nil, fmt.Errorf("job %s: %w", statusJob, err)
	}
	return m, nil
}

// printRecords writes the record and metric values of every node of g.
func printRecords(w io.Writer, m *schema.Schema, g *flow.Graph) {
	statuses := graph.RecordedStatuses(m, g)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tTASK\tSTATUS\tTASKTIME\tERRORS\tWARNINGS\tREMOTE\tMESSAGE")
	for _, level := range g.ExecutionOrder() {
		for _, id := range level {
			at := schema.NodeAt(id.Step, id.Index)
			status := string(statuses[id])
			if status == "" {
				status = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				id, g.Task(id), status,
				recordCell(m, at, "metric", "tasktime"),
				recordCell(m, at, "metric", "errors"),
				recordCell(m, at, "metric", "warnings"),
				recordCell(m, at, "record", "remoteid"),
				recordCell(m, at, "record", "message"))
		}
	}
	_ = tw.Flush()
}

func recordCell(m *schema.Schema, at schema.At, parts ...string) string {
	v, err := m.Get(schema.Key(parts...), at)
	if err != nil || v == nil {
		return "-"
	}
	s := fmt.Sprint(v)
	if s == "" {
		return "-"
	}
	return s
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List the nodes of a flow in execution order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		vars, err := parseVars(runVars)
		if err != nil {
			return err
		}
		g, err := loadGraph(runFlows, runFlow, vars)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "LEVEL\tNODE\tTASK\tINPUTS")
		for i, level := range g.ExecutionOrder() {
			for _, id := range level {
				inputs := make([]string, 0, len(g.Inputs(id)))
				for _, in := range g.Inputs(id) {
					inputs = append(inputs, in.String())
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i, id, g.Task(id), strings.Join(inputs, ","))
			}
		}
		return tw.Flush()
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys [prefix...]",
	Short: "List manifest parameters",
	Example: `  sc keys tool default task default
  sc keys option scheduler`,
	RunE: func(cmd *cobra.Command, args []string) error {
		m := schema.New()
		prefix := schema.Key(args...)
		rels := m.AllKeys(args...)
		if rels == nil {
			return fmt.Errorf("%w: %s", schema.ErrUndefinedKey, prefix)
		}
		if len(rels) == 0 {
			rels = []schema.Keypath{{}}
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		for _, rel := range rels {
			kp := prefix.Join(rel...)
			p, err := m.Param(kp)
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", strings.Join(kp, "/"), p.Type, p.ShortHelp)
		}
		return tw.Flush()
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusJob, "job", "", "Load the manifest of this job from the store")
	statusCmd.Flags().StringVar(&statusHistory, "history", "", "Show a job archived in the manifest history")
	nodesCmd.Flags().StringVar(&runFlows, "flows", "", "HCL file defining the flows")
	nodesCmd.Flags().StringVar(&runFlow, "flow", "", "Flow to list (default: the only flow in --flows)")
	nodesCmd.Flags().StringArrayVar(&runVars, "var", nil, "HCL flow variable: name=value (repeat flag)")
}
