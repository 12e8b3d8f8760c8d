package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	swarm "github.com/langswarm/langswarm-go"
	"github.com/langswarm/langswarm-go/audit"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow <workflow.yaml>",
	Short: "Run a workflow file through the pipeline",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflow,
}

var workflowInputs []string

var validateCmd = &cobra.Command{
	Use:   "validate [config.yaml]",
	Short: "Validate a configuration file and the workflows it references",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runValidate,
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Inspect plans and their patch history",
}

var planDiffCmd = &cobra.Command{
	Use:   "diff <a.yaml> <b.yaml>",
	Short: "Show a unified diff between two plan files",
	Args:  cobra.ExactArgs(2),
	RunE:  runPlanDiff,
}

var planHistoryCmd = &cobra.Command{
	Use:   "history <plan-id>",
	Short: "List the audited patches of a plan",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlanHistory,
}

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect conversation memory",
}

var memoryShowCmd = &cobra.Command{
	Use:   "show <session>",
	Short: "Show the records of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runMemoryShow,
}

var memoryLimit int

func init() {
	workflowCmd.Flags().StringArrayVarP(&workflowInputs, "input", "i", nil, "Workflow input as key=value (repeatable)")
	planHistoryCmd.Flags().StringVar(&auditPath, "audit-db", "", "Audit database path")
	memoryShowCmd.Flags().IntVarP(&memoryLimit, "limit", "n", 0, "Show at most n records (0 = all)")

	planCmd.AddCommand(planDiffCmd, planHistoryCmd)
	memoryCmd.AddCommand(memoryShowCmd)
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	wf, err := swarm.LoadWorkflow(args[0])
	if err != nil {
		return err
	}
	inputs, err := parseInputs(workflowInputs)
	if err != nil {
		return err
	}

	rt, err := loadRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	result, err := wf.Run(ctx, rt.pipeline, inputs)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func parseInputs(pairs []string) (map[string]interface{}, error) {
	inputs := make(map[string]interface{}, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid input %q, expected key=value", p)
		}
		inputs[k] = v
	}
	return inputs, nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := configPath
	if len(args) == 1 {
		path = args[0]
	}
	cfg, err := swarm.LoadConfig(path)
	if err != nil {
		return err
	}
	reg, err := cfg.BuildRegistry(builtinTools()...)
	if err != nil {
		return err
	}
	if sec := cfg.Middleware.Security; sec != nil {
		if _, err := swarm.NewFirewall(*sec, reg); err != nil {
			return err
		}
	}
	fmt.Printf("%s: ok (version %s, %d agents, %d tools, %d workflows)\n", path, cfg.Version,
		reg.Count(swarm.TargetAgent), reg.Count(swarm.TargetTool), reg.Count(swarm.TargetWorkflow))
	return nil
}

func runPlanDiff(cmd *cobra.Command, args []string) error {
	a, err := swarm.LoadPlan(args[0])
	if err != nil {
		return err
	}
	b, err := swarm.LoadPlan(args[1])
	if err != nil {
		return err
	}
	diff, err := swarm.PlanDiff(a, b)
	if err != nil {
		return err
	}
	if diff == "" {
		fmt.Println("plans are identical")
		return nil
	}
	fmt.Print(diff)
	return nil
}

func runPlanHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	auditLog, err := audit.Open(ctx, auditPath)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	patches, err := auditLog.Patches(ctx, args[0])
	if err != nil {
		return err
	}
	if len(patches) == 0 {
		fmt.Println("No patches recorded.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tPATCH\tAUTHOR\tAPPLIED\tREASON")
	for _, p := range patches {
		fmt.Fprintf(w, "%d -> %d\t%s\t%s\t%s\t%s\n", p.BeforeVersion, p.AfterVersion,
			p.PatchID, p.Author, p.AppliedAt.Format("2006-01-02 15:04:05"), p.Reason)
	}
	w.Flush()
	if verbose {
		for _, p := range patches {
			fmt.Printf("\n%s", p.Diff)
		}
	}
	return nil
}

func runMemoryShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := swarm.LoadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := cfg.OpenMemory(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.Session(ctx, args[0], memoryLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No memory records found.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tAGENT\tINPUT\tRESPONSE")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Timestamp.Format("2006-01-02 15:04:05"), r.AgentID,
			truncate(r.UserInput, 40), truncate(r.AgentResponse, 60))
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
