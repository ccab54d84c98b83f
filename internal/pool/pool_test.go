package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meridianhq/meridian/internal/emit"
	"github.com/meridianhq/meridian/internal/event"
	"github.com/meridianhq/meridian/internal/ident"
	"github.com/meridianhq/meridian/internal/plugin"
	"github.com/meridianhq/meridian/internal/process"
)

// stubTransformer scripts per-event behavior through fn.
type stubTransformer struct {
	fn     func(ev *event.PluginEvent) (*event.PluginEvent, error)
	closed bool
}

func (s *stubTransformer) Transform(_ context.Context, ev *event.PluginEvent) (*event.PluginEvent, error) {
	if s.fn == nil {
		return ev, nil
	}
	return s.fn(ev)
}

func (s *stubTransformer) Close() { s.closed = true }

func factoryOf(fn func(ev *event.PluginEvent) (*event.PluginEvent, error)) plugin.Factory {
	return func() (plugin.Transformer, error) {
		return &stubTransformer{fn: fn}, nil
	}
}

func testEvent(id string) *event.PluginEvent {
	return &event.PluginEvent{UUID: id, DistinctID: "d", TeamID: 1, Event: "pageview"}
}

// stubResolver and stubSink back a real Processor for ingestEvent tasks.
type stubResolver struct{}

func (stubResolver) HandleIdentifyOrAlias(_ context.Context, _ string, _ event.Properties, _ string, _ int64) error {
	return nil
}

type stubSink struct{}

func (stubSink) Capture(_ context.Context, in emit.CaptureInput) (*emit.CanonicalEvent, int64, error) {
	return &emit.CanonicalEvent{
		UUID:       in.EventUUID,
		Event:      in.Name,
		Timestamp:  in.Timestamp,
		TeamID:     in.TeamID,
		DistinctID: in.DistinctID,
	}, 0, nil
}

func (stubSink) CaptureSnapshot(_ context.Context, _ emit.SnapshotInput) error {
	return nil
}

func testProcessor() *process.Processor {
	return process.NewProcessor(stubResolver{}, stubSink{}, nil, process.NewMetrics(prometheus.NewRegistry()))
}

func TestProcessEventTransforms(t *testing.T) {
	p, err := New(Config{Concurrency: 2, TasksPerWorker: 2}, factoryOf(func(ev *event.PluginEvent) (*event.PluginEvent, error) {
		ev.Event = "transformed"
		return ev, nil
	}), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer p.Destroy(context.Background())

	res, err := p.RunTask(context.Background(), Task{Name: TaskProcessEvent, Event: testEvent("e1")})
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if res.Event == nil || res.Event.Event != "transformed" {
		t.Errorf("result = %+v, want transformed event", res.Event)
	}
}

func TestProcessEventDrop(t *testing.T) {
	p, err := New(Config{Concurrency: 1, TasksPerWorker: 1}, factoryOf(func(ev *event.PluginEvent) (*event.PluginEvent, error) {
		return nil, nil
	}), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer p.Destroy(context.Background())

	res, err := p.RunTask(context.Background(), Task{Name: TaskProcessEvent, Event: testEvent("e1")})
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if res.Event != nil {
		t.Errorf("dropped event came back: %+v", res.Event)
	}
}

func TestProcessEventPluginErrorContinuesUntransformed(t *testing.T) {
	p, err := New(Config{Concurrency: 1, TasksPerWorker: 1}, factoryOf(func(ev *event.PluginEvent) (*event.PluginEvent, error) {
		return nil, fmt.Errorf("%w: boom", plugin.ErrPlugin)
	}), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer p.Destroy(context.Background())

	res, err := p.RunTask(context.Background(), Task{Name: TaskProcessEvent, Event: testEvent("e1")})
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if res.Event == nil || res.Event.Event != "pageview" {
		t.Errorf("result = %+v, want original event", res.Event)
	}
}

func TestProcessEventsBatch(t *testing.T) {
	p, err := New(Config{Concurrency: 2, TasksPerWorker: 2}, factoryOf(func(ev *event.PluginEvent) (*event.PluginEvent, error) {
		if ev.UUID == "drop-me" {
			return nil, nil
		}
		return ev, nil
	}), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer p.Destroy(context.Background())

	events := []*event.PluginEvent{testEvent("e1"), testEvent("drop-me"), testEvent("e3")}
	res, err := p.RunTask(context.Background(), Task{Name: TaskProcessEvents, Events: events})
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}

	if len(res.Events) != 3 {
		t.Fatalf("len(Events) = %d, want same-length result", len(res.Events))
	}
	if res.Events[0] == nil || res.Events[2] == nil {
		t.Error("kept events missing from result")
	}
	if res.Events[1] != nil {
		t.Error("dropped event not nil in result")
	}
}

func TestIngestEventTask(t *testing.T) {
	p, err := New(Config{Concurrency: 2, TasksPerWorker: 2}, nil, testProcessor())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer p.Destroy(context.Background())

	ev := testEvent("0190a6a1-3b5c-7def-8123-456789abcdef")
	res, err := p.RunTask(context.Background(), Task{Name: TaskIngestEvent, Event: ev})
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}

	if res.Canonical == nil {
		t.Fatal("ingestEvent must return the canonical event")
	}
	if res.Canonical.UUID.String() != ev.UUID {
		t.Errorf("UUID = %v, want %v", res.Canonical.UUID, ev.UUID)
	}
	if res.Canonical.Event != "pageview" || res.Canonical.DistinctID != "d" {
		t.Errorf("canonical = %+v", res.Canonical)
	}
}

func TestIngestEventTaskPropagatesInvalidUUID(t *testing.T) {
	p, err := New(Config{Concurrency: 1, TasksPerWorker: 1}, nil, testProcessor())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer p.Destroy(context.Background())

	_, err = p.RunTask(context.Background(), Task{Name: TaskIngestEvent, Event: testEvent("not-a-uuid")})
	if !errors.Is(err, ident.ErrInvalidUUID) {
		t.Errorf("error = %v, want ErrInvalidUUID", err)
	}
}

func TestUnknownTask(t *testing.T) {
	p, err := New(Config{Concurrency: 1, TasksPerWorker: 1}, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer p.Destroy(context.Background())

	_, err = p.RunTask(context.Background(), Task{Name: "fold"})
	if !errors.Is(err, ErrUnknownTask) {
		t.Errorf("error = %v, want ErrUnknownTask", err)
	}
}

func TestWorkerCrashFailsTaskAndRecovers(t *testing.T) {
	p, err := New(Config{Concurrency: 1, TasksPerWorker: 1}, factoryOf(func(ev *event.PluginEvent) (*event.PluginEvent, error) {
		if ev.UUID == "bomb" {
			panic("plugin detonated")
		}
		return ev, nil
	}), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer p.Destroy(context.Background())

	_, err = p.RunTask(context.Background(), Task{Name: TaskProcessEvent, Event: testEvent("bomb")})
	if !errors.Is(err, ErrWorkerCrashed) {
		t.Fatalf("error = %v, want ErrWorkerCrashed", err)
	}

	// The worker restarts with a fresh transformer and keeps serving.
	res, err := p.RunTask(context.Background(), Task{Name: TaskProcessEvent, Event: testEvent("e2")})
	if err != nil {
		t.Fatalf("RunTask after crash failed: %v", err)
	}
	if res.Event == nil || res.Event.UUID != "e2" {
		t.Errorf("result = %+v", res.Event)
	}
}

func TestOverflowQueuesFIFO(t *testing.T) {
	release := make(chan struct{})
	var order []string
	var mu sync.Mutex

	p, err := New(Config{Concurrency: 1, TasksPerWorker: 1}, factoryOf(func(ev *event.PluginEvent) (*event.PluginEvent, error) {
		<-release
		mu.Lock()
		order = append(order, ev.UUID)
		mu.Unlock()
		return ev, nil
	}), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	var results []<-chan TaskResult
	for i := 0; i < 5; i++ {
		results = append(results, p.Submit(ctx, Task{Name: TaskProcessEvent, Event: testEvent(fmt.Sprintf("e%d", i))}))
	}
	close(release)

	for _, ch := range results {
		if res := <-ch; res.Err != nil {
			t.Fatalf("task failed: %v", res.Err)
		}
	}
	p.Destroy(ctx)

	mu.Lock()
	defer mu.Unlock()
	for i, id := range order {
		if id != fmt.Sprintf("e%d", i) {
			t.Fatalf("order = %v, want FIFO", order)
		}
	}
}

func TestDestroyDrainsAndRejects(t *testing.T) {
	slow := make(chan struct{})
	p, err := New(Config{Concurrency: 2, TasksPerWorker: 2}, factoryOf(func(ev *event.PluginEvent) (*event.PluginEvent, error) {
		<-slow
		return ev, nil
	}), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	inFlight := p.Submit(ctx, Task{Name: TaskProcessEvent, Event: testEvent("e1")})

	done := make(chan struct{})
	go func() {
		p.Destroy(ctx)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Destroy returned before in-flight task finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(slow)
	<-done

	if res := <-inFlight; res.Err != nil {
		t.Errorf("in-flight task failed: %v", res.Err)
	}

	if _, err := p.RunTask(ctx, Task{Name: TaskProcessEvent, Event: testEvent("e2")}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("error = %v, want ErrPoolClosed", err)
	}
}
