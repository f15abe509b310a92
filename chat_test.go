package driftkit

import (
	"context"
	"strconv"
	"testing"
	"time"
)

func newTestChatService(t *testing.T, wfs ...*Workflow) (*ChatService, *InMemoryChatStore) {
	t.Helper()
	schemas := NewSchemaRegistry()
	if _, err := schemas.Register(doubleIn{}); err != nil {
		t.Fatal(err)
	}
	e := NewEngine(schemas, NewInMemoryContextRepository())
	t.Cleanup(e.Close)
	for _, wf := range wfs {
		if err := e.RegisterWorkflow(wf); err != nil {
			t.Fatalf("RegisterWorkflow(%s): %v", wf.ID, err)
		}
	}
	store := NewInMemoryChatStore()
	return NewChatService(e, store), store
}

func echoWorkflow() *Workflow {
	return NewWorkflow("echo",
		Step("echo", func(_ context.Context, in StepInput) StepOutcome {
			return Complete(in.Values["q"])
		}, Initial()),
	)
}

func TestExecuteChatSingleTurn(t *testing.T) {
	svc, store := newTestChatService(t, echoWorkflow())

	resp, err := svc.ExecuteChat(context.Background(), ChatRequest{
		ChatID:     "c1",
		WorkflowID: "echo",
		Properties: []Property{{Name: "q", Value: "hi"}},
	})
	if err != nil {
		t.Fatalf("ExecuteChat: %v", err)
	}
	if !resp.Completed || resp.Text != "hi" || resp.PercentComplete != 100 {
		t.Errorf("response = %+v, want completed with text hi", resp)
	}

	// The session was created on first use and stamped with the turn.
	sess, ok, err := store.GetSession(context.Background(), "c1")
	if err != nil || !ok {
		t.Fatalf("GetSession: ok=%v err=%v", ok, err)
	}
	if sess.LastMessageTime != resp.Timestamp {
		t.Errorf("lastMessageTime = %d, want %d", sess.LastMessageTime, resp.Timestamp)
	}

	// History holds the request and the response, newest first.
	page, err := store.Messages(context.Background(), "c1", PageRequest{}, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("history size = %d, want 2", len(page.Items))
	}
	if page.Items[0].Type != MessageAI || page.Items[1].Type != MessageUser {
		t.Errorf("history order = %v, %v", page.Items[0].Type, page.Items[1].Type)
	}
}

func TestExecuteChatUnknownWorkflow(t *testing.T) {
	svc, _ := newTestChatService(t)
	_, err := svc.ExecuteChat(context.Background(), ChatRequest{ChatID: "c1", WorkflowID: "ghost"})
	if KindOf(err) != KindUnknownWorkflow {
		t.Fatalf("error kind = %v, want unknown workflow", KindOf(err))
	}
}

func doubleWorkflow() *Workflow {
	return NewWorkflow("double",
		Step("a", func(_ context.Context, in StepInput) StepOutcome {
			return Continue(in.Data)
		}, Initial(), Next("b")),
		Step("b", func(_ context.Context, in StepInput) StepOutcome {
			d := in.Data.(doubleIn)
			return Complete(strconv.Itoa(d.X * 2))
		}, UserInput("doubleIn"), Terminal()),
	)
}

func TestChatSuspendAndResume(t *testing.T) {
	svc, store := newTestChatService(t, doubleWorkflow())

	first, err := svc.ExecuteChat(context.Background(), ChatRequest{
		ChatID:     "c1",
		WorkflowID: "double",
		Properties: []Property{{Name: "seed", Value: "1"}},
	})
	if err != nil {
		t.Fatalf("ExecuteChat: %v", err)
	}
	if first.Completed || first.MessageID == "" {
		t.Fatalf("first response = %+v, want suspension", first)
	}
	if first.NextSchema == nil || first.NextSchema.SchemaName != "doubleIn" {
		t.Fatalf("nextSchema = %+v, want doubleIn", first.NextSchema)
	}

	second, err := svc.ResumeChat(context.Background(), first.MessageID, ChatRequest{
		ChatID:     "c1",
		Properties: []Property{{Name: "x", Value: "7"}},
	})
	if err != nil {
		t.Fatalf("ResumeChat: %v", err)
	}
	if !second.Completed || second.Text != "14" {
		t.Errorf("resume response = %+v, want completed with 14", second)
	}

	// Four messages: two requests, two responses.
	page, err := store.Messages(context.Background(), "c1", PageRequest{}, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 4 {
		t.Errorf("history size = %d, want 4", len(page.Items))
	}
}

func TestExecuteChatResumesPendingRun(t *testing.T) {
	svc, _ := newTestChatService(t, doubleWorkflow())

	first, err := svc.ExecuteChat(context.Background(), ChatRequest{
		ChatID:     "c1",
		WorkflowID: "double",
		Properties: []Property{{Name: "seed", Value: "1"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if first.Completed {
		t.Fatalf("first response = %+v, want suspension", first)
	}

	// A second executeChat on the same chat feeds the suspended run
	// instead of starting a new one.
	second, err := svc.ExecuteChat(context.Background(), ChatRequest{
		ChatID:     "c1",
		WorkflowID: "double",
		Properties: []Property{{Name: "x", Value: "3"}},
	})
	if err != nil {
		t.Fatalf("second ExecuteChat: %v", err)
	}
	if !second.Completed || second.Text != "6" {
		t.Errorf("second response = %+v, want completed with 6", second)
	}
}

func TestResolveDataRefs(t *testing.T) {
	svc, store := newTestChatService(t, echoWorkflow())

	// Seed history with a property carrying a stable nameId.
	err := store.AppendMessage(context.Background(), ChatMessage{
		ID: NewID(), ChatID: "c1", Type: MessageUser, Timestamp: 1,
		Request: &ChatRequest{Properties: []Property{{Name: "city", NameID: "city.selected", Value: "Paris"}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	// A newer message rebinds the same nameId; the most recent value wins.
	err = store.AppendMessage(context.Background(), ChatMessage{
		ID: NewID(), ChatID: "c1", Type: MessageUser, Timestamp: 2,
		Request: &ChatRequest{Properties: []Property{{Name: "city", NameID: "city.selected", Value: "Lyon"}}},
	})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := svc.ExecuteChat(context.Background(), ChatRequest{
		ChatID:     "c1",
		WorkflowID: "echo",
		Properties: []Property{{Name: "q", DataNameID: "city.selected"}},
	})
	if err != nil {
		t.Fatalf("ExecuteChat: %v", err)
	}
	if resp.Text != "Lyon" {
		t.Errorf("text = %q, want the inherited value Lyon", resp.Text)
	}
}

func TestChatAsyncStatus(t *testing.T) {
	done := make(chan struct{})
	wf := NewWorkflow("bg",
		Step("e", func(context.Context, StepInput) StepOutcome {
			return Async("transcribe", "audio-ref", 50)
		}, Initial()),
	)
	svc, _ := newTestChatService(t, wf)
	svc.engine.RegisterTask("transcribe", func(context.Context, any) (any, error) {
		<-done
		return "done", nil
	})

	resp, err := svc.ExecuteChat(context.Background(), ChatRequest{ChatID: "c1", WorkflowID: "bg"})
	if err != nil {
		t.Fatalf("ExecuteChat: %v", err)
	}
	if resp.Completed || resp.PercentComplete != 50 || resp.MessageID == "" {
		t.Fatalf("response = %+v, want in-progress marker", resp)
	}

	status, ok := svc.GetAsyncStatus(resp.MessageID)
	if !ok || status.Completed {
		t.Fatalf("status before completion = %+v ok=%v", status, ok)
	}

	close(done)
	deadline := time.After(2 * time.Second)
	for {
		status, ok = svc.GetAsyncStatus(resp.MessageID)
		if ok && status.Completed {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("async task never completed: %+v", status)
		case <-time.After(5 * time.Millisecond):
		}
	}
	if status.Text != "done" {
		t.Errorf("final text = %q, want done", status.Text)
	}
}

func TestSessionLifecycle(t *testing.T) {
	svc, _ := newTestChatService(t)

	created, err := svc.CreateChatSession(context.Background(), ChatSession{UserID: "u1", Name: "trip"})
	if err != nil {
		t.Fatalf("CreateChatSession: %v", err)
	}
	if created.ChatID == "" || created.CreatedAt == 0 {
		t.Fatalf("created = %+v, want generated id and timestamp", created)
	}

	if _, err := svc.CreateChatSession(context.Background(), ChatSession{ChatID: created.ChatID}); KindOf(err) != KindValidation {
		t.Errorf("duplicate create = %v, want validation error", err)
	}

	got, err := svc.GetChatSession(context.Background(), created.ChatID)
	if err != nil || got.Name != "trip" {
		t.Fatalf("GetChatSession = %+v, %v", got, err)
	}
	if _, err := svc.GetChatSession(context.Background(), "missing"); KindOf(err) != KindNotFound {
		t.Errorf("missing session = %v, want not found", err)
	}

	if err := svc.ArchiveChatSession(context.Background(), created.ChatID); err != nil {
		t.Fatalf("ArchiveChatSession: %v", err)
	}
	if err := svc.ArchiveChatSession(context.Background(), "missing"); KindOf(err) != KindNotFound {
		t.Errorf("archive missing = %v, want not found", err)
	}
}

func TestListChatsForUserOrdering(t *testing.T) {
	svc, store := newTestChatService(t)
	seed := []ChatSession{
		{ChatID: "old", UserID: "u1", LastMessageTime: 10},
		{ChatID: "new", UserID: "u1", LastMessageTime: 30},
		{ChatID: "mid", UserID: "u1", LastMessageTime: 20},
		{ChatID: "gone", UserID: "u1", LastMessageTime: 40, Archived: true},
		{ChatID: "other", UserID: "u2", LastMessageTime: 50},
	}
	for _, s := range seed {
		if err := store.SaveSession(context.Background(), s); err != nil {
			t.Fatal(err)
		}
	}

	page, err := svc.ListChatsForUser(context.Background(), "u1", PageRequest{}, false)
	if err != nil {
		t.Fatalf("ListChatsForUser: %v", err)
	}
	got := make([]string, len(page.Items))
	for i, s := range page.Items {
		got[i] = s.ChatID
	}
	want := []string{"new", "mid", "old"}
	if len(got) != len(want) {
		t.Fatalf("ids = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ids = %v, want %v", got, want)
		}
	}

	// Archived sessions show up only on request.
	page, err = svc.ListChatsForUser(context.Background(), "u1", PageRequest{}, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 4 || page.Items[0].ChatID != "gone" {
		t.Errorf("with archived = %d items, first %q", len(page.Items), page.Items[0].ChatID)
	}

	// Page size 2 splits the result.
	page, err = svc.ListChatsForUser(context.Background(), "u1", PageRequest{Page: 1, Size: 2}, false)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 3 || len(page.Items) != 1 || page.Items[0].ChatID != "old" {
		t.Errorf("page 1 = %+v", page)
	}
}

func TestChatHistoryFiltersContext(t *testing.T) {
	svc, store := newTestChatService(t)
	if _, err := svc.CreateChatSession(context.Background(), ChatSession{ChatID: "c1", UserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	msgs := []ChatMessage{
		{ID: "m1", ChatID: "c1", Type: MessageUser, Timestamp: 1},
		{ID: "m2", ChatID: "c1", Type: MessageContext, Timestamp: 2, Text: "retrieved passage"},
		{ID: "m3", ChatID: "c1", Type: MessageAI, Timestamp: 3},
	}
	for _, m := range msgs {
		if err := store.AppendMessage(context.Background(), m); err != nil {
			t.Fatal(err)
		}
	}

	page, err := svc.GetChatHistory(context.Background(), "c1", PageRequest{}, false)
	if err != nil {
		t.Fatalf("GetChatHistory: %v", err)
	}
	if len(page.Items) != 2 || page.Items[0].ID != "m3" || page.Items[1].ID != "m1" {
		t.Errorf("filtered history = %+v", page.Items)
	}

	page, err = svc.GetChatHistory(context.Background(), "c1", PageRequest{}, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 3 || page.Items[1].ID != "m2" {
		t.Errorf("full history = %+v", page.Items)
	}

	if _, err := svc.GetChatHistory(context.Background(), "missing", PageRequest{}, false); KindOf(err) != KindNotFound {
		t.Errorf("missing chat = %v, want not found", err)
	}
}

func TestConvertMessageToTasks(t *testing.T) {
	next := &SchemaRef{SchemaName: "followUp"}
	msg := ChatMessage{
		Type: MessageAI,
		Response: &ChatResponse{
			NextSchema: next,
			Properties: []Property{
				{Name: "city", NameID: "city.selected", Value: "Paris"},
				{Name: "note", Value: "no id, skipped"},
				{Name: "dates", NameID: "dates.range", Value: "june", MultiSelect: true},
			},
		},
	}

	tasks := ConvertMessageToTasks(msg)
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(tasks))
	}
	if tasks[0].NameID != "city.selected" || tasks[1].NameID != "dates.range" {
		t.Errorf("task order = %q, %q", tasks[0].NameID, tasks[1].NameID)
	}
	for _, task := range tasks {
		if task.NextSchema != next {
			t.Errorf("task %q lost the next schema", task.NameID)
		}
	}
	if !tasks[1].MultiSelect {
		t.Error("multiSelect flag dropped")
	}
}

func TestWorkflowMetadata(t *testing.T) {
	svc, _ := newTestChatService(t, doubleWorkflow(), echoWorkflow())

	infos := svc.ListWorkflows()
	if len(infos) != 2 {
		t.Fatalf("workflows = %d, want 2", len(infos))
	}

	info, err := svc.GetWorkflowDetails("double")
	if err != nil {
		t.Fatalf("GetWorkflowDetails: %v", err)
	}
	if info.InitialStep != "a" || len(info.StepIDs) != 2 {
		t.Errorf("details = %+v", info)
	}

	// The initial step of "double" takes a free-form trigger.
	schema, err := svc.GetInitialSchema("double")
	if err != nil {
		t.Fatalf("GetInitialSchema: %v", err)
	}
	if schema != nil {
		t.Errorf("initial schema = %+v, want nil", schema)
	}

	schemas, err := svc.GetWorkflowSchemas("double")
	if err != nil {
		t.Fatalf("GetWorkflowSchemas: %v", err)
	}
	if len(schemas) != 1 || schemas[0].ID != "doubleIn" {
		t.Errorf("schemas = %+v, want doubleIn", schemas)
	}

	if _, err := svc.GetWorkflowDetails("ghost"); KindOf(err) != KindUnknownWorkflow {
		t.Errorf("unknown workflow = %v, want unknown workflow kind", err)
	}
}
