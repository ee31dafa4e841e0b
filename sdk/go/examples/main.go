package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"SmartFlow-Orchestrator/sdk/go/orchestrator"
)

func main() {
	baseURL := os.Getenv("SFS_URL")
	if baseURL == "" {
		baseURL = "http://localhost:3001"
	}
	client, err := orchestrator.NewClient(baseURL, nil)
	if err != nil {
		log.Fatal(err)
	}
	client.SetAccessToken(os.Getenv("SFS_TOKEN"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("connected to %s %s\n", health.Service, health.Version)

	if _, err := client.RegisterAgent(ctx, orchestrator.Agent{
		AgentID:      "echo",
		Platform:     "custom",
		Capabilities: []string{"demo"},
	}); err != nil {
		log.Fatal(err)
	}

	wf := orchestrator.Workflow{
		ID: "sdk-demo",
		Steps: []orchestrator.Step{
			{Name: "greet", Action: "log", Input: map[string]any{"message": "hello ${user}"}},
			{Name: "echo", Agent: "echo", Task: "repeat", Input: "${user}", OutputTo: "echoed"},
		},
	}
	run, err := client.SubmitWorkflow(ctx, &wf, "", map[string]any{"user": "sdk"})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("submitted run %s\n", run.ID)

	run, err = client.WaitForRun(ctx, run.ID, time.Second)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("run %s finished with status %s\n", run.ID, run.Status)
	if run.Result != nil {
		fmt.Printf("echoed: %v\n", run.Result.Context["echoed"])
	}
}
