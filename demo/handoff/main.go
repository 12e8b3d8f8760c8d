package main

import (
	"context"
	"fmt"
	"os"

	swarm "github.com/langswarm/langswarm-go"
)

func main() {
	client, err := swarm.NewDefaultSwarm()
	if err != nil {
		fmt.Printf("Failed to create client: %v\n", err)
		os.Exit(1)
	}

	englishAgent := swarm.NewAgent("english").WithInstructions(`
		You are an English-speaking assistant. If a user speaks Spanish, immediately call transfer_to_spanish.
		Do not attempt to translate or respond in Spanish yourself.
	`)
	spanishAgent := swarm.NewAgent("spanish").WithInstructions(`
		Eres un asistente que habla español. Responde a todas las preguntas en español.
	`)
	englishAgent.AddTool(swarm.HandoffTool(spanishAgent))

	reg := swarm.NewRegistry()
	for _, a := range []*swarm.Agent{englishAgent, spanishAgent} {
		if err := reg.RegisterAgent(a); err != nil {
			fmt.Printf("Failed to register agent: %v\n", err)
			os.Exit(1)
		}
	}

	// Agent runs and their handoff tool calls both pass the same interceptors.
	exec := swarm.NewUnifiedExecutor(reg, client)
	pipeline := swarm.NewPipeline(exec,
		swarm.RecoveryInterceptor(),
		swarm.LoggingInterceptor(nil),
		swarm.RetryInterceptor(swarm.DefaultRetryPolicy()),
	)
	exec.Self = pipeline
	client.WithPipeline(pipeline)

	reply, err := pipeline.Handle(context.Background(), &swarm.Request{
		Kind:   swarm.TargetAgent,
		Target: "english",
		Input:  "Hola. ¿Como estás?",
	})
	if err != nil {
		fmt.Printf("Error during conversation: %v\n", err)
		os.Exit(1)
	}

	agent := "english"
	if reply.Agent != nil {
		agent = reply.Agent.Name
	}
	fmt.Printf("%s: %s\n", agent, reply.Content)
	fmt.Printf("tokens: %d\n", reply.Usage.TotalTokens)
}
