// SPDX-License-Identifier: MIT

package shutdown

import (
	"context"
	"sync"
	"testing"
	"time"
)

// Invariant 5: N calls run cleanups exactly once, in order.
func TestInitiateShutdown_AtMostOnce(t *testing.T) {
	c := New(nil)

	var mu sync.Mutex
	var order []string
	add := func(name string) Cleanup {
		return func(context.Context) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
		}
	}

	c.Register("stop-session", add("stop-session"))
	c.Register("stop-instances", add("stop-instances"))
	c.Register("release-lock", add("release-lock"))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.InitiateShutdown("signal")
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"stop-session", "stop-instances", "release-lock"}
	if len(order) != len(want) {
		t.Fatalf("cleanups ran %d times total: %v", len(order), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
	if !c.Complete() {
		t.Error("coordinator not marked complete")
	}
}

func TestCleanupPanicIsolated(t *testing.T) {
	c := New(nil)

	var ran bool
	c.Register("bad", func(context.Context) { panic("cleanup bug") })
	c.Register("good", func(context.Context) { ran = true })

	c.InitiateShutdown("exception")

	if !ran {
		t.Error("cleanup after panicking one did not run")
	}
	if !c.Complete() {
		t.Error("shutdown not completed despite panic")
	}
}

func TestRegisterAfterShutdownIgnored(t *testing.T) {
	c := New(nil)
	c.InitiateShutdown("test")

	var ran bool
	c.Register("late", func(context.Context) { ran = true })

	if ran {
		t.Error("late registration executed")
	}
}

func TestLaterCallersWaitForCompletion(t *testing.T) {
	c := New(nil)

	release := make(chan struct{})
	c.Register("slow", func(context.Context) { <-release })

	go c.InitiateShutdown("first")

	// Give the first caller time to take ownership.
	time.Sleep(50 * time.Millisecond)

	secondDone := make(chan struct{})
	go func() {
		c.InitiateShutdown("second")
		close(secondDone)
	}()

	select {
	case <-secondDone:
		t.Fatal("second caller returned before cleanups finished")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)

	select {
	case <-secondDone:
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never returned")
	}
}

func TestDoneChannel(t *testing.T) {
	c := New(nil)
	select {
	case <-c.Done():
		t.Fatal("done closed before shutdown")
	default:
	}
	c.InitiateShutdown("test")
	select {
	case <-c.Done():
	default:
		t.Fatal("done not closed after shutdown")
	}
}
