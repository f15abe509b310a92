package driftkit

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestStreamIsCold(t *testing.T) {
	var started atomic.Bool
	s := NewStream(context.Background(), func(ctx context.Context, emit func(StreamEvent)) {
		started.Store(true)
		emit(StreamEvent{Delta: "hi"})
	})

	time.Sleep(20 * time.Millisecond)
	if started.Load() {
		t.Fatal("producer ran before Subscribe")
	}

	text, _, err := s.Collect()
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if text != "hi" {
		t.Errorf("text = %q, want hi", text)
	}
	if !started.Load() {
		t.Error("producer never ran")
	}
}

func TestStreamReplaysForLateSubscribers(t *testing.T) {
	release := make(chan struct{})
	s := NewStream(context.Background(), func(ctx context.Context, emit func(StreamEvent)) {
		emit(StreamEvent{Delta: "a"})
		emit(StreamEvent{Delta: "b"})
		<-release
		emit(StreamEvent{Delta: "c"})
	})

	first := s.Subscribe()
	if ev := <-first; ev.Delta != "a" {
		t.Fatalf("first event = %+v, want delta a", ev)
	}

	// A late subscriber sees the full history.
	late := s.Subscribe()
	close(release)

	var got string
	for ev := range late {
		got += ev.Delta
	}
	if got != "abc" {
		t.Errorf("late subscriber saw %q, want abc", got)
	}
}

func TestStreamCancel(t *testing.T) {
	s := NewStream(context.Background(), func(ctx context.Context, emit func(StreamEvent)) {
		emit(StreamEvent{Delta: "partial"})
		<-ctx.Done()
	})

	ch := s.Subscribe()
	if ev := <-ch; ev.Delta != "partial" {
		t.Fatalf("event = %+v, want delta partial", ev)
	}
	s.Cancel()

	var last StreamEvent
	for ev := range ch {
		last = ev
	}
	if !last.Done || !errors.Is(last.Err, context.Canceled) {
		t.Errorf("terminal event = %+v, want Done with context.Canceled", last)
	}
}

func TestStreamProducerFinalResponse(t *testing.T) {
	s := NewStream(context.Background(), func(ctx context.Context, emit func(StreamEvent)) {
		emit(StreamEvent{Delta: "ok"})
		emit(StreamEvent{Done: true, Response: &ModelResponse{Content: "ok", Usage: Usage{PromptTokens: 1, CompletionTokens: 2}}})
	})
	text, resp, err := s.Collect()
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if text != "ok" || resp == nil || resp.Usage.Total() != 3 {
		t.Errorf("got text=%q resp=%+v", text, resp)
	}
}

func TestErrorStream(t *testing.T) {
	wantErr := NewError(KindInfrastructure, "backend down")
	_, _, err := errorStream(wantErr).Collect()
	if KindOf(err) != KindInfrastructure {
		t.Fatalf("error kind = %v, want infrastructure", KindOf(err))
	}
}
