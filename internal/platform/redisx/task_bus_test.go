package redisx

import (
	"context"
	"testing"
	"time"
)

func TestLocalTaskBusFanOut(t *testing.T) {
	ctx := context.Background()
	bus := NewLocalTaskBus()

	chA, cancelA, err := bus.Subscribe(ctx, "task-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancelA()
	chB, cancelB, err := bus.Subscribe(ctx, "task-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancelB()
	chOther, cancelOther, err := bus.Subscribe(ctx, "task-2")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancelOther()

	if err := bus.Publish(ctx, TaskEvent{TaskID: "task-1", Status: "running", Progress: 0.2}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for _, ch := range []<-chan TaskEvent{chA, chB} {
		select {
		case ev := <-ch:
			if ev.Status != "running" || ev.Progress != 0.2 {
				t.Fatalf("unexpected event: %+v", ev)
			}
			if ev.At == 0 {
				t.Fatalf("publish should stamp the event time")
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber did not receive the event")
		}
	}
	select {
	case ev := <-chOther:
		t.Fatalf("subscriber of another task received %+v", ev)
	default:
	}
}

func TestLocalTaskBusCancelClosesChannel(t *testing.T) {
	ctx := context.Background()
	bus := NewLocalTaskBus()

	ch, cancel, err := bus.Subscribe(ctx, "task-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	// Cancel is idempotent.
	cancel()

	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after cancel")
	}

	// Publishing after the last unsubscribe must not panic or block.
	if err := bus.Publish(ctx, TaskEvent{TaskID: "task-1", Status: "running"}); err != nil {
		t.Fatalf("publish after unsubscribe: %v", err)
	}
}

func TestLocalTaskBusValidation(t *testing.T) {
	ctx := context.Background()
	bus := NewLocalTaskBus()

	if err := bus.Publish(ctx, TaskEvent{}); err == nil {
		t.Fatalf("expected error for missing task id")
	}
	if _, _, err := bus.Subscribe(ctx, ""); err == nil {
		t.Fatalf("expected error for missing task id")
	}
}
