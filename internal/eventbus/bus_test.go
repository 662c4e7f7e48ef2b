package eventbus

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jfourny/etlrun/internal/domain"
)

func statusEvent(execID uuid.UUID, status domain.ExecutionStatus) domain.Event {
	return domain.Event{Kind: domain.EventKindStatus, ExecutionID: execID, Status: status}
}

func progressEvent(execID uuid.UUID, pct int) domain.Event {
	return domain.Event{Kind: domain.EventKindProgress, ExecutionID: execID, Progress: pct, Phase: domain.PhaseExtract}
}

func recv(t *testing.T, sub *Subscription) domain.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		if !ok {
			t.Fatal("stream closed unexpectedly")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return domain.Event{}
}

func TestBus_DeliversInOrderWithSeq(t *testing.T) {
	bus := New()
	execID := uuid.New()
	sub := bus.Subscribe(execID)
	defer sub.Close()

	bus.Publish(statusEvent(execID, domain.ExecutionStatusRunning))
	bus.Publish(progressEvent(execID, 10))
	bus.Publish(progressEvent(execID, 20))

	for i, wantSeq := range []uint64{1, 2, 3} {
		ev := recv(t, sub)
		if ev.Seq != wantSeq {
			t.Errorf("event %d: Seq = %d, want %d", i, ev.Seq, wantSeq)
		}
	}
}

func TestBus_PublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	bus := New()
	execID := uuid.New()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish(progressEvent(execID, i%100))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked with no subscribers")
	}
}

func TestBus_TerminalStatusClosesStream(t *testing.T) {
	bus := New()
	execID := uuid.New()
	sub := bus.Subscribe(execID)

	bus.Publish(statusEvent(execID, domain.ExecutionStatusRunning))
	bus.Publish(statusEvent(execID, domain.ExecutionStatusCompleted))

	if ev := recv(t, sub); ev.Status != domain.ExecutionStatusRunning {
		t.Errorf("first event status = %s", ev.Status)
	}
	if ev := recv(t, sub); ev.Status != domain.ExecutionStatusCompleted {
		t.Errorf("second event status = %s", ev.Status)
	}

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Error("expected stream to close after terminal event")
		}
	case <-time.After(time.Second):
		t.Fatal("stream not closed after terminal event")
	}

	if got := bus.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount = %d after terminal, want 0", got)
	}
}

func TestBus_OverflowDropsOldestProgressOnly(t *testing.T) {
	bus := New(WithSubscriberBuffer(3))
	execID := uuid.New()
	sub := bus.Subscribe(execID)
	defer sub.Close()

	// Queue up while the consumer is not reading: a log event, then more
	// progress than the buffer holds.
	bus.Publish(domain.Event{Kind: domain.EventKindLog, ExecutionID: execID, Log: &domain.LogEntry{Message: "started"}})
	for pct := 10; pct <= 50; pct += 10 {
		bus.Publish(progressEvent(execID, pct))
	}

	// The log event survives; the oldest progress events are gone.
	ev := recv(t, sub)
	if ev.Kind != domain.EventKindLog {
		t.Fatalf("first event kind = %s, want log", ev.Kind)
	}

	var got []int
	for i := 0; i < 2; i++ {
		ev := recv(t, sub)
		if ev.Kind != domain.EventKindProgress {
			t.Fatalf("expected progress event, got %s", ev.Kind)
		}
		got = append(got, ev.Progress)
	}
	if got[0] != 40 || got[1] != 50 {
		t.Errorf("surviving progress = %v, want [40 50]", got)
	}
}

func TestBus_SlowSubscriberNeverDropsStatus(t *testing.T) {
	bus := New(WithSubscriberBuffer(2))
	execID := uuid.New()
	sub := bus.Subscribe(execID)
	defer sub.Close()

	bus.Publish(statusEvent(execID, domain.ExecutionStatusPending))
	bus.Publish(statusEvent(execID, domain.ExecutionStatusRunning))
	for pct := 1; pct <= 20; pct++ {
		bus.Publish(progressEvent(execID, pct))
	}
	bus.Publish(statusEvent(execID, domain.ExecutionStatusCompleted))

	var statuses []domain.ExecutionStatus
	for ev := range sub.C {
		if ev.Kind == domain.EventKindStatus {
			statuses = append(statuses, ev.Status)
		}
	}

	want := []domain.ExecutionStatus{
		domain.ExecutionStatusPending,
		domain.ExecutionStatusRunning,
		domain.ExecutionStatusCompleted,
	}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("statuses[%d] = %s, want %s", i, statuses[i], want[i])
		}
	}
}

func TestBus_SubscribersIsolatedByExecution(t *testing.T) {
	bus := New()
	a, b := uuid.New(), uuid.New()

	subA := bus.Subscribe(a)
	defer subA.Close()
	subB := bus.Subscribe(b)
	defer subB.Close()

	bus.Publish(progressEvent(a, 10))

	ev := recv(t, subA)
	if ev.ExecutionID != a {
		t.Errorf("subscriber A got event for %s", ev.ExecutionID)
	}

	select {
	case ev := <-subB.C:
		t.Errorf("subscriber B got unexpected event: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBus_SeqPerExecution(t *testing.T) {
	bus := New()
	a, b := uuid.New(), uuid.New()
	subA := bus.Subscribe(a)
	defer subA.Close()
	subB := bus.Subscribe(b)
	defer subB.Close()

	bus.Publish(progressEvent(a, 10))
	bus.Publish(progressEvent(a, 20))
	bus.Publish(progressEvent(b, 5))

	if ev := recv(t, subA); ev.Seq != 1 {
		t.Errorf("a first Seq = %d", ev.Seq)
	}
	if ev := recv(t, subA); ev.Seq != 2 {
		t.Errorf("a second Seq = %d", ev.Seq)
	}
	if ev := recv(t, subB); ev.Seq != 1 {
		t.Errorf("b first Seq = %d, sequences must be independent", ev.Seq)
	}
}

func TestSubscription_CloseStopsDelivery(t *testing.T) {
	bus := New()
	execID := uuid.New()
	sub := bus.Subscribe(execID)

	sub.Close()
	sub.Close() // idempotent

	for {
		if _, ok := <-sub.C; !ok {
			break
		}
	}
	if got := bus.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount = %d after Close, want 0", got)
	}
}
