// SPDX-License-Identifier: MIT

package util

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type syncWriter struct {
	mu *sync.Mutex
	w  *bytes.Buffer
}

func (s syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func TestGo_RecoverPanic(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	logger := slog.New(slog.NewTextHandler(syncWriter{&mu, &buf}, nil))

	done := make(chan struct{})
	Go("boom", logger, func() {
		defer close(done)
		panic("kaboom")
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine did not finish")
	}

	// Recovery logging happens after the deferred close; poll briefly.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		s := buf.String()
		mu.Unlock()
		if strings.Contains(s, "kaboom") {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("panic not logged")
}

func TestGo_NilLogger(t *testing.T) {
	done := make(chan struct{})
	Go("quiet", nil, func() {
		defer close(done)
		panic("still contained")
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine did not finish")
	}
}

func TestCall(t *testing.T) {
	if err := Call(func() {}); err != nil {
		t.Errorf("Call on clean fn: %v", err)
	}

	err := Call(func() { panic("observer bug") })
	if err == nil || !strings.Contains(err.Error(), "observer bug") {
		t.Errorf("Call on panicking fn: %v", err)
	}
}
