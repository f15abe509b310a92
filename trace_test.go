package driftkit

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type captureSink struct {
	mu   sync.Mutex
	recs []TraceRecord
	err  error
}

func (c *captureSink) Record(_ context.Context, rec TraceRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.recs = append(c.recs, rec)
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recs)
}

func TestAsyncSinkDelivers(t *testing.T) {
	dst := &captureSink{}
	sink := NewAsyncSink(dst)
	for i := 0; i < 10; i++ {
		if err := sink.Record(context.Background(), TraceRecord{ID: NewID()}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	sink.Close()
	if dst.count() != 10 {
		t.Errorf("delivered %d records, want 10", dst.count())
	}
}

func TestAsyncSinkDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	blocking := TraceSinkFunc(func(context.Context, TraceRecord) error {
		<-block
		return nil
	})
	sink := NewAsyncSink(blocking, WithSinkWorkers(1), WithSinkQueueSize(1))

	// First record occupies the worker, second fills the queue, the rest drop.
	for i := 0; i < 5; i++ {
		if err := sink.Record(context.Background(), TraceRecord{ID: NewID()}); err != nil {
			t.Fatalf("Record must never fail: %v", err)
		}
	}
	close(block)
	sink.Close()
}

func TestSinkRegistryFanOut(t *testing.T) {
	a := &captureSink{}
	b := &captureSink{err: errors.New("sink b down")}
	c := &captureSink{}
	reg := NewSinkRegistry(a, b, c)

	err := reg.Record(context.Background(), TraceRecord{ID: "r1"})
	if err == nil || err.Error() != "sink b down" {
		t.Fatalf("Record error = %v, want sink b's error", err)
	}
	if a.count() != 1 || c.count() != 1 {
		t.Errorf("fan-out stopped early: a=%d c=%d", a.count(), c.count())
	}
}

func TestRequestContextRoundTrip(t *testing.T) {
	rc := RequestContext{ChatID: "c1", WorkflowID: "wf", StepID: "s1"}
	ctx := WithRequestContext(context.Background(), rc)
	got, ok := RequestContextFrom(ctx)
	if !ok || got != rc {
		t.Fatalf("RequestContextFrom = %+v ok=%v", got, ok)
	}
	if _, ok := RequestContextFrom(context.Background()); ok {
		t.Error("empty context reported a request context")
	}
}
