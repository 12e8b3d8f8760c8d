package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	swarm "github.com/langswarm/langswarm-go"
	"github.com/langswarm/langswarm-go/audit"
)

var runCmd = &cobra.Command{
	Use:   "run <brief.yaml>",
	Short: "Plan and execute a task brief",
	Long: `Run drives a task brief through brainstorming, capability checks, execution,
observation and plan patching. Briefs that list actions use them as a static
plan; otherwise the planner agent from the config proposes one.`,
	Args: cobra.ExactArgs(1),
	RunE: runBrief,
}

var (
	auditPath string
	planOut   string
	showEvent bool
)

func init() {
	runCmd.Flags().StringVar(&auditPath, "audit-db", "", "Audit database path (default $LANGSWARM_AUDIT_DB or langswarm/audit.db)")
	runCmd.Flags().StringVar(&planOut, "plan-out", "", "Write the final plan to this YAML file")
	runCmd.Flags().BoolVar(&showEvent, "events", false, "Print lifecycle events to stderr as they happen")
}

func runBrief(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	brief, err := swarm.LoadTaskBrief(args[0])
	if err != nil {
		return err
	}

	rt, err := loadRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	auditLog, err := audit.Open(ctx, auditPath)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	planner, err := rt.cfg.NewPlanner(brief, rt.registry, rt.pipeline)
	if err != nil {
		return err
	}
	coord, err := rt.cfg.BuildCoordinator(planner, rt.registry, rt.pipeline, rt.logger, nil)
	if err != nil {
		return err
	}
	coord.Patcher.Sink = auditLog
	coord.EventSink = auditLog
	store, err := rt.cfg.OpenArtifacts(ctx)
	if err != nil {
		return err
	}
	coord.Executor.Artifacts = store

	if showEvent {
		events := swarm.NewContext(ctx)
		coord.Events = events
		defer streamEvents(events)()
	}

	report, err := coord.Run(ctx, brief)
	if report != nil {
		if planOut != "" && report.Plan != nil {
			if werr := writePlan(planOut, report.Plan); werr != nil {
				return werr
			}
		}
		out, merr := json.MarshalIndent(report, "", "  ")
		if merr != nil {
			return merr
		}
		fmt.Println(string(out))
	}
	return err
}

// streamEvents prints events as JSON lines until the returned stop function
// is called; stop drains whatever is still buffered.
func streamEvents(events *swarm.Context) (stop func()) {
	quit := make(chan struct{})
	done := make(chan struct{})
	printEvent := func(e swarm.Event) {
		data, _ := json.Marshal(e)
		fmt.Fprintln(os.Stderr, string(data))
	}
	go func() {
		defer close(done)
		for {
			select {
			case e := <-events.Events():
				printEvent(e)
			case <-quit:
				for {
					select {
					case e := <-events.Events():
						printEvent(e)
					default:
						return
					}
				}
			}
		}
	}()
	return func() {
		close(quit)
		<-done
	}
}

func writePlan(path string, plan *swarm.Plan) error {
	data, err := plan.YAML()
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(data), 0o644)
}
