package actorfabric

import (
	"context"
	"testing"
	"time"
)

func TestActorCallRoundTrip(t *testing.T) {
	a := NewActor(0, 4)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go a.Run(ctx)

	got, err := Call(ctx, a, func(n int) int { return n + 41 })
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if got != 41 {
		t.Fatalf("expected 41, got %d", got)
	}
}

func TestActorSendReturnsMailboxFullWhenConsumerIsNotDraining(t *testing.T) {
	a := NewActor(struct{}{}, 1)
	ctx := context.Background()

	if err := a.Send(ctx, func(struct{}) {}); err != nil {
		t.Fatalf("first send into an empty capacity-1 mailbox should succeed: %v", err)
	}
	if err := a.Send(ctx, func(struct{}) {}); err != ErrMailboxFull {
		t.Fatalf("expected ErrMailboxFull with nothing draining the mailbox, got %v", err)
	}
}

func TestActorRunStopsOnContextCancel(t *testing.T) {
	a := NewActor(0, 4)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected Run to return ctx.Err() on cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestCallReturnsContextErrorWhenMailboxNeverDrains(t *testing.T) {
	a := NewActor(0, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	// NewActor turns capacity 0 into DefaultMailboxCapacity, so Send
	// succeeds; with no Run goroutine consuming the mailbox the reply never
	// arrives and Call returns ctx.Err() once the deadline passes.
	_, err := Call(ctx, a, func(n int) int { return n })
	if err == nil {
		t.Fatal("expected an error when nothing drains the mailbox")
	}
}
