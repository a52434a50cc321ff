// Command examples walks through planning and running a workflow with the Go SDK.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"MAHA-Orchestrator/sdk/go/maha"
)

func main() {
	baseURL := os.Getenv("MAHA_URL")
	if baseURL == "" {
		baseURL = "http://localhost:3000"
	}
	client, err := maha.NewClient(baseURL, nil)
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	agents, err := client.ListAgents(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("%d agent(s) registered\n", len(agents))

	wf, err := client.CreateWorkflow(ctx, maha.CreateWorkflowRequest{Prompt: "Greet Bob then generate an image of that greeting"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("planned workflow %s with %d step(s) (%s)\n", wf.ID, len(wf.Steps), wf.ExecutionMode)

	exec, err := client.Execute(ctx, maha.ExecuteRequest{WorkflowID: wf.ID, Input: map[string]any{"name": "Bob"}, Async: true})
	if err != nil {
		panic(err)
	}
	exec, err = client.WaitExecution(ctx, exec.ID, time.Second)
	if err != nil {
		panic(err)
	}
	fmt.Printf("execution %s finished: %s output=%v\n", exec.ID, exec.Status, exec.Output)

	sum, err := client.Summarize(ctx, exec.ID)
	if err != nil {
		panic(err)
	}
	fmt.Println(sum.Summary)
}
