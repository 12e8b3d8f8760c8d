package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"reflect"
	"strings"

	swarm "github.com/langswarm/langswarm-go"
	"github.com/langswarm/langswarm-go/memory"
)

func main() {
	ctx := context.Background()

	agent := swarm.NewAgent("assistant").WithModel("gpt-4o").
		WithInstructions("You are a helpful assistant.")
	agent.AddTool(swarm.NewTool(
		"get_weather",
		"Get the current weather for a given location. Requires a location parameter.",
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			location, ok := args["location"].(string)
			if !ok {
				return nil, fmt.Errorf("location not provided")
			}
			return fmt.Sprintf("The weather in %s is sunny", location), nil
		},
		[]swarm.Parameter{{Name: "location", Type: reflect.TypeOf(""), Required: true}},
	))

	client, err := swarm.NewDefaultSwarm()
	if err != nil {
		fmt.Printf("Failed to create client: %v\n", err)
		os.Exit(1)
	}
	store, err := memory.OpenSQLite(ctx, "")
	if err != nil {
		fmt.Printf("Failed to open memory: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	reg := swarm.NewRegistry()
	if err := reg.RegisterAgent(agent); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	pipeline := swarm.NewPipeline(swarm.NewUnifiedExecutor(reg, client),
		swarm.RecoveryInterceptor(),
		swarm.MemoryInterceptor(store),
	)
	client.WithPipeline(pipeline)

	session := "demo"
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("\033[90mUser\033[0m: ")
	for scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			fmt.Print("\033[90mUser\033[0m: ")
			continue
		}
		reply, err := pipeline.Handle(ctx, &swarm.Request{
			Kind:      swarm.TargetAgent,
			Target:    agent.Name,
			Input:     input,
			SessionID: session,
		})
		if err != nil {
			fmt.Printf("error: %v\n", err)
		} else {
			fmt.Printf("\033[94m%s\033[0m: %s\n", agent.Name, reply.Content)
		}
		fmt.Print("\033[90mUser\033[0m: ")
	}

	records, err := store.Session(ctx, session, 0)
	if err == nil {
		fmt.Printf("\n%d exchanges stored in memory\n", len(records))
	}
}
