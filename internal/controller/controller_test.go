package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jfourny/etlrun/internal/testutil"
)

func TestController_AdmitWithinLimit(t *testing.T) {
	c := New(2)
	ctx := testutil.TestContext(t)

	for i := 0; i < 2; i++ {
		if err := c.Admit(ctx, uuid.New()); err != nil {
			t.Fatalf("Admit %d failed: %v", i, err)
		}
	}
	if got := c.Running(); got != 2 {
		t.Errorf("Running = %d, want 2", got)
	}
	if got := c.QueueLen(); got != 0 {
		t.Errorf("QueueLen = %d, want 0", got)
	}
}

func TestController_QueuesBeyondLimit(t *testing.T) {
	c := New(1)
	ctx := testutil.TestContext(t)

	if err := c.Admit(ctx, uuid.New()); err != nil {
		t.Fatal(err)
	}

	admitted := make(chan error, 1)
	go func() {
		admitted <- c.Admit(ctx, uuid.New())
	}()

	testutil.WaitUntil(t, time.Second, func() bool { return c.QueueLen() == 1 })

	select {
	case err := <-admitted:
		t.Fatalf("second Admit returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	c.Release()
	if err := <-admitted; err != nil {
		t.Fatalf("queued Admit failed after Release: %v", err)
	}
	if got := c.Running(); got != 1 {
		t.Errorf("Running = %d, want 1", got)
	}
}

func TestController_FIFOOrder(t *testing.T) {
	c := New(1)
	ctx := testutil.TestContext(t)

	if err := c.Admit(ctx, uuid.New()); err != nil {
		t.Fatal(err)
	}

	const n = 5
	var mu sync.Mutex
	var order []int

	for i := 0; i < n; i++ {
		i := i
		go func() {
			if err := c.Admit(ctx, uuid.New()); err != nil {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}()
		// Enqueue one at a time so arrival order is deterministic.
		testutil.WaitUntil(t, time.Second, func() bool { return c.QueueLen() == i+1 })
	}

	for i := 0; i < n; i++ {
		c.Release()
		want := i + 1
		testutil.WaitUntil(t, time.Second, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(order) == want
		})
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("admission order = %v, want ascending", order)
		}
	}
}

func TestController_TryCancelQueued(t *testing.T) {
	c := New(1)
	ctx := testutil.TestContext(t)

	if err := c.Admit(ctx, uuid.New()); err != nil {
		t.Fatal(err)
	}

	queuedID := uuid.New()
	admitErr := make(chan error, 1)
	go func() {
		admitErr <- c.Admit(ctx, queuedID)
	}()
	testutil.WaitUntil(t, time.Second, func() bool { return c.QueueLen() == 1 })

	if !c.TryCancel(queuedID) {
		t.Fatal("TryCancel should succeed for a queued request")
	}
	if err := <-admitErr; !errors.Is(err, ErrCancelled) {
		t.Errorf("Admit after cancel = %v, want ErrCancelled", err)
	}
	if got := c.QueueLen(); got != 0 {
		t.Errorf("QueueLen = %d, want 0", got)
	}

	// Slot is still held by the first execution; Release should not panic
	// and should leave the counter consistent.
	c.Release()
	if got := c.Running(); got != 0 {
		t.Errorf("Running = %d, want 0", got)
	}
}

func TestController_TryCancelUnknown(t *testing.T) {
	c := New(1)
	if c.TryCancel(uuid.New()) {
		t.Error("TryCancel of unknown id should return false")
	}
}

func TestController_AdmitContextCancelled(t *testing.T) {
	c := New(1)
	base := testutil.TestContext(t)

	if err := c.Admit(base, uuid.New()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(base)
	admitErr := make(chan error, 1)
	go func() {
		admitErr <- c.Admit(ctx, uuid.New())
	}()
	testutil.WaitUntil(t, time.Second, func() bool { return c.QueueLen() == 1 })

	cancel()
	if err := <-admitErr; !errors.Is(err, context.Canceled) {
		t.Errorf("Admit = %v, want context.Canceled", err)
	}
	testutil.WaitUntil(t, time.Second, func() bool { return c.QueueLen() == 0 })
}

func TestController_ConcurrentChurn(t *testing.T) {
	c := New(3)
	ctx := testutil.TestContext(t)

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Admit(ctx, uuid.New()); err != nil {
				t.Errorf("Admit failed: %v", err)
				return
			}
			if got := c.Running(); got > 3 {
				t.Errorf("Running = %d, exceeds limit", got)
			}
			time.Sleep(time.Millisecond)
			c.Release()
		}()
	}
	wg.Wait()

	if got := c.Running(); got != 0 {
		t.Errorf("Running = %d after churn, want 0", got)
	}
	if got := c.QueueLen(); got != 0 {
		t.Errorf("QueueLen = %d after churn, want 0", got)
	}
}
