package driftkit

import (
	"context"
	"testing"
)

func TestAppExecutesWorkflowEndToEnd(t *testing.T) {
	app := NewApp()
	defer app.Shutdown(context.Background())

	wf := NewWorkflow("echo",
		Step("echo", func(_ context.Context, in StepInput) StepOutcome {
			return Complete(in.Values["q"])
		}, Initial()),
	)
	if err := app.RegisterWorkflow(wf); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}

	resp, err := app.Chats().ExecuteChat(context.Background(), ChatRequest{
		ChatID:     "c1",
		WorkflowID: "echo",
		Properties: []Property{{Name: "q", Value: "hi"}},
	})
	if err != nil {
		t.Fatalf("ExecuteChat: %v", err)
	}
	if !resp.Completed || resp.Text != "hi" || resp.PercentComplete != 100 {
		t.Errorf("response = %+v", resp)
	}
}

func TestAppSinkDeliversThroughAsyncQueue(t *testing.T) {
	got := make(chan TraceRecord, 1)
	app := NewApp(WithTraceSinks(TraceSinkFunc(func(_ context.Context, rec TraceRecord) error {
		got <- rec
		return nil
	})))

	if err := app.Sink().Record(context.Background(), TraceRecord{ID: "t1"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	app.Shutdown(context.Background()) // drains the queue

	select {
	case rec := <-got:
		if rec.ID != "t1" {
			t.Errorf("delivered record = %+v", rec)
		}
	default:
		t.Fatal("record was not delivered to the registered sink")
	}
}

func TestAppShutdownRunsHooksInOrder(t *testing.T) {
	var order []string
	app := NewApp(
		OnShutdown(func(context.Context) error { order = append(order, "first"); return nil }),
		OnShutdown(func(context.Context) error { order = append(order, "second"); return nil }),
	)
	if err := app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("hook order = %v", order)
	}
}

func TestAppRunStopsOnContextCancel(t *testing.T) {
	app := NewApp()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
}
