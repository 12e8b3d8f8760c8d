package main

import (
	"context"
	"fmt"
	"os"
	"reflect"

	swarm "github.com/langswarm/langswarm-go"
)

const weatherWorkflow = `
name: weather-workflow
description: Fetch the weather for two cities and ask an analyst for recommendations.
steps:
  - id: fetch
    parallel:
      - id: seattle
        kind: tool
        target: get_weather
        params:
          location: Seattle
      - id: portland
        kind: tool
        target: get_weather
        params:
          location: Portland
  - id: analysis
    kind: agent
    target: analyst
    method: json
    input: "Compare ${seattle} with ${portland} and recommend outdoor activities. Reply in JSON."
`

func main() {
	client, err := swarm.NewDefaultSwarm()
	if err != nil {
		fmt.Printf("Failed to create client: %v\n", err)
		os.Exit(1)
	}

	reg := swarm.NewRegistry()
	must(reg.RegisterTool(swarm.NewTool(
		"get_weather",
		"Get weather information for a location",
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			location, ok := args["location"].(string)
			if !ok {
				return nil, fmt.Errorf("location not provided")
			}
			return map[string]interface{}{
				"location":    location,
				"temperature": 72,
				"condition":   "sunny",
				"humidity":    45,
			}, nil
		},
		[]swarm.Parameter{{Name: "location", Type: reflect.TypeOf(""), Required: true}},
	)))
	must(reg.RegisterAgent(swarm.NewAgent("analyst").
		WithInstructions("You are a weather analyst. Analyze the weather information and provide recommendations in JSON format.")))

	wf, err := swarm.ParseWorkflow([]byte(weatherWorkflow))
	must(err)
	must(wf.Save("weather-workflow.yaml"))

	exec := swarm.NewUnifiedExecutor(reg, client)
	pipeline := swarm.NewPipeline(exec,
		swarm.RecoveryInterceptor(),
		swarm.LoggingInterceptor(nil),
		swarm.CacheInterceptor(swarm.NewMemoryCache(), swarm.CacheOptions{}),
	)
	exec.Self = pipeline

	result, err := wf.Run(context.Background(), pipeline, nil)
	if err != nil {
		fmt.Printf("Failed to run workflow: %v\n", err)
		os.Exit(1)
	}
	for _, r := range result.Results {
		fmt.Printf("%-10s %8s  %s\n", r.StepID, r.Duration.Round(1e6), r.Content)
	}
	fmt.Println(result.Final)
}

func must(err error) {
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
