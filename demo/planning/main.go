// Command planning runs a task brief through the coordinator with local tools
// only. The primary fetch fails, so the run switches to the mirror fallback and
// records the plan patch in an in-memory audit log.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	swarm "github.com/langswarm/langswarm-go"
	"github.com/langswarm/langswarm-go/audit"
)

const brief = `
id: quarterly-digest
objective: Summarise the latest incident records.
inputs:
  team: platform
required_outputs: [summary]
acceptance_tests:
  - size(output.summary) > 0
constraints:
  max_steps: 10
actions:
  - id: fetch
    intent: Load incident records for the team
    kind: tool
    target: fetch_primary
    params:
      team: ${team}
    outputs: [records]
    fallbacks:
      - kind: tool
        target: fetch_mirror
        params:
          team: ${team}
  - id: summarize
    intent: Summarise the records
    kind: tool
    target: summarize
    params:
      records: ${records}
    inputs: [records]
    outputs: [summary]
    depends_on: [fetch]
    postconditions:
      - output.count > 0
    validators:
      - size(output.summary) < 500
`

func main() {
	ctx := context.Background()

	reg := swarm.NewRegistry()
	must(reg.RegisterTool(swarm.NewTool("fetch_primary", "Fetch records from the primary store",
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return nil, errors.New("primary store unavailable")
		}, nil)))
	must(reg.RegisterTool(swarm.NewTool("fetch_mirror", "Fetch records from the read mirror",
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{
				"team":    args["team"],
				"records": []interface{}{"db failover", "cert expiry", "queue backlog"},
			}, nil
		}, nil)))
	must(reg.RegisterTool(swarm.NewTool("summarize", "Summarise a list of records",
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			records, _ := args["records"].([]interface{})
			parts := make([]string, 0, len(records))
			for _, r := range records {
				parts = append(parts, fmt.Sprint(r))
			}
			return map[string]interface{}{
				"summary":    fmt.Sprintf("%d incidents: %s", len(parts), strings.Join(parts, ", ")),
				"count":      len(parts),
				"confidence": 0.9,
			}, nil
		}, nil)))

	var b swarm.TaskBrief
	must(yaml.Unmarshal([]byte(brief), &b))

	pipeline := swarm.NewPipeline(swarm.NewUnifiedExecutor(reg, nil),
		swarm.RecoveryInterceptor(),
		swarm.LoggingInterceptor(nil),
	)
	coord, err := swarm.NewCoordinator(swarm.NewStaticPlanner(), reg, pipeline)
	must(err)

	auditLog, err := audit.Open(ctx, ":memory:")
	must(err)
	defer auditLog.Close()
	coord.Patcher.Sink = auditLog
	coord.EventSink = auditLog

	report, err := coord.Run(ctx, &b)
	if err != nil {
		fmt.Printf("run failed: %v\n", err)
	}
	if report == nil {
		os.Exit(1)
	}

	fmt.Printf("status: %s (plan v%d)\n", report.Status, report.Plan.Version)
	for _, d := range report.Decisions {
		fmt.Printf("  %-10s attempt %d  %-9s %s\n", d.ActionID, d.Attempt, d.Verdict, d.Reason)
	}
	for _, p := range report.Patches {
		fmt.Printf("\npatch %s (v%d -> v%d)\n%s", p.PatchID, p.BeforeVersion, p.AfterVersion, p.Diff)
	}
	out, _ := json.MarshalIndent(report.Outputs, "", "  ")
	fmt.Printf("\noutputs: %s\n", out)

	events, err := auditLog.Events(ctx, report.RunID)
	must(err)
	fmt.Printf("audited events: %d\n", len(events))
}

func must(err error) {
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
