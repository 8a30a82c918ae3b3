package events

import (
	"errors"
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishDeliversInOrder(t *testing.T) {
	b := NewBroadcaster(16, testLogger())
	sub := b.Subscribe()
	defer sub.Close()

	published := []Event{
		StartupStarted(),
		ImageFetchStarted(),
		ImageFetchCompleted(),
		StartupCompleted(),
	}
	for _, ev := range published {
		if err := b.Publish(ev); err != nil {
			t.Fatalf("Publish(%s): %v", ev.Type, err)
		}
	}

	for i, want := range published {
		got := <-sub.Events()
		if got.Type != want.Type {
			t.Fatalf("event %d type = %s, want %s", i, got.Type, want.Type)
		}
		if got.ID == "" {
			t.Fatalf("event %d has no id", i)
		}
	}
}

func TestLateSubscriberMissesEarlierEvents(t *testing.T) {
	b := NewBroadcaster(16, testLogger())
	if err := b.Publish(StartupStarted()); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	sub := b.Subscribe()
	defer sub.Close()

	if err := b.Publish(StartupCompleted()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got := <-sub.Events()
	if got.Type != TypeStartupCompleted {
		t.Fatalf("first delivered event = %s, want %s", got.Type, TypeStartupCompleted)
	}
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected extra event %s", ev.Type)
	default:
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	b := NewBroadcaster(2, testLogger())
	slow := b.Subscribe()
	fast := b.Subscribe()

	// Fill the slow subscriber's buffer, then overflow it. The fast
	// subscriber drains as it goes and must keep receiving.
	for i := 0; i < 3; i++ {
		if err := b.Publish(StartupStarted()); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		<-fast.Events()
	}

	if got := b.SubscriberCount(); got != 1 {
		t.Fatalf("SubscriberCount = %d, want 1 after slow subscriber dropped", got)
	}

	// The dropped subscriber's channel is closed after its buffer drains.
	for i := 0; i < 2; i++ {
		if _, ok := <-slow.Events(); !ok {
			t.Fatalf("slow subscriber channel closed before buffered events drained")
		}
	}
	if _, ok := <-slow.Events(); ok {
		t.Fatal("slow subscriber channel still open, want closed")
	}

	// Publishing continues unaffected.
	if err := b.Publish(StartupCompleted()); err != nil {
		t.Fatalf("Publish after drop: %v", err)
	}
	if got := <-fast.Events(); got.Type != TypeStartupCompleted {
		t.Fatalf("event = %s, want %s", got.Type, TypeStartupCompleted)
	}
	fast.Close()
}

func TestSubscriptionCloseUnsubscribes(t *testing.T) {
	b := NewBroadcaster(16, testLogger())
	sub := b.Subscribe()
	if got := b.SubscriberCount(); got != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", got)
	}
	sub.Close()
	sub.Close() // idempotent
	if got := b.SubscriberCount(); got != 0 {
		t.Fatalf("SubscriberCount = %d, want 0", got)
	}
	if err := b.Publish(StartupStarted()); err != nil {
		t.Fatalf("Publish with no subscribers: %v", err)
	}
}

func TestPublishRejectsMalformedEvents(t *testing.T) {
	b := NewBroadcaster(16, testLogger())
	cases := []Event{
		{Type: "bogus-event"},
		{Type: TypeStartupFailed},             // missing error
		{Type: TypeServerStarting},            // missing server id
		{Type: TypeServerFailed, ServerID: "a"}, // missing error
		{Type: TypeRuntimeProgress, Percentage: 250},
	}
	for _, ev := range cases {
		if err := b.Publish(ev); err == nil {
			t.Errorf("Publish(%+v) succeeded, want error", ev)
		}
	}
}

func TestEventConstructorsCarryPayloads(t *testing.T) {
	ev := StartupFailed(errors.New("boom"))
	if ev.Error != "boom" {
		t.Fatalf("Error = %q, want %q", ev.Error, "boom")
	}
	ev = ServerFailed("fs", errors.New("spawn failed"))
	if ev.ServerID != "fs" || ev.Error != "spawn failed" {
		t.Fatalf("ServerFailed payload = %+v", ev)
	}
	ev = RuntimeProgress(42, "pulling")
	if ev.Percentage != 42 || ev.Message != "pulling" {
		t.Fatalf("RuntimeProgress payload = %+v", ev)
	}
}
