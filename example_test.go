package deckflow_test

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/petrijr/deckflow"
)

// Example_localRunner generates a deck from a prompt with an in-process
// engine, queue and worker.
func Example_localRunner() {
	ctx := context.Background()

	runner := deckflow.NewLocalRunner()
	if err := runner.StartWorkers(ctx, 2); err != nil {
		log.Fatal(err)
	}
	defer runner.Stop()

	run, err := runner.RunAndWait(ctx, deckflow.CreateRunRequest{
		ProjectID: "demo",
		Input:     deckflow.RunInput{Prompt: "Quarterly review. Revenue grew. Churn fell.", SlideCount: 3},
	})
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("run %s finished with status %s, artifact %s\n", run.ID, run.Status, run.ArtifactID)
}

// Example_flowBuilder registers a custom workflow next to the deck workflow.
func Example_flowBuilder() {
	ctx := context.Background()

	runner := deckflow.NewLocalRunner()
	flow := deckflow.New("headline").
		Tool("shout", deckflow.InputStep(func(_ context.Context, in deckflow.RunInput) (string, error) {
			return strings.ToUpper(in.Prompt), nil
		})).
		Approval("review", deckflow.After("shout"))
	if err := flow.Register(runner.Engine); err != nil {
		log.Fatal(err)
	}

	if err := runner.StartWorkers(ctx, 1); err != nil {
		log.Fatal(err)
	}
	defer runner.Stop()

	run, _, err := deckflow.CreateRun(ctx, runner.Engine, deckflow.CreateRunRequest{
		ProjectID: "demo",
		Workflow:  flow.Name(),
		Input:     deckflow.RunInput{Prompt: "ship it"},
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("started", run.ID)
}
