package server

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"aviatorclient/internal/app"
)

func TestNewHub(t *testing.T) {
	hub := NewHub(func(string) app.Snapshot { return app.Snapshot{} }, zap.NewNop())

	if hub == nil {
		t.Fatal("NewHub() returned nil")
	}
	if hub.clients == nil {
		t.Error("Hub clients map is nil")
	}
	if count := hub.GetClientCount(); count != 0 {
		t.Errorf("GetClientCount() = %v, want 0", count)
	}
}

func TestHub_NotifyNeverBlocks(t *testing.T) {
	hub := NewHub(func(string) app.Snapshot { return app.Snapshot{} }, zap.NewNop())

	// Not running, so only the first notification is buffered.
	done := make(chan bool, 1)
	go func() {
		for i := 0; i < 100; i++ {
			hub.Notify()
		}
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Error("Notify() blocked while the hub was idle")
	}
}

func TestHub_StopReleasesRegistration(t *testing.T) {
	hub := NewHub(func(string) app.Snapshot { return app.Snapshot{} }, zap.NewNop())
	hub.Stop()
	hub.Stop()

	if c := hub.RegisterClient(nil, ""); c != nil {
		t.Error("RegisterClient() after Stop should return nil")
	}
}

func TestClient_OfferKeepsLatest(t *testing.T) {
	c := &Client{out: make(chan []byte, 1)}

	c.offer([]byte("first"))
	c.offer([]byte("second"))
	c.offer([]byte("third"))

	if got := string(<-c.out); got != "third" {
		t.Errorf("pending = %q, want third", got)
	}
	select {
	case extra := <-c.out:
		t.Errorf("unexpected extra message %q", extra)
	default:
	}
}

func TestClient_PumpSignalsExit(t *testing.T) {
	c := &Client{out: make(chan []byte, 1), done: make(chan struct{}), log: zap.NewNop()}
	go c.pump()

	close(c.out)
	select {
	case <-c.done:
	case <-time.After(time.Second):
		t.Fatal("pump did not signal exit after out closed")
	}
}

func TestHub_UnregisterAfterStopWaitsForWriter(t *testing.T) {
	hub := NewHub(func(string) app.Snapshot { return app.Snapshot{} }, zap.NewNop())
	hub.Stop()

	c := &Client{out: make(chan []byte, 1), done: make(chan struct{}), log: zap.NewNop()}
	go c.pump()
	returned := make(chan struct{})
	go func() {
		hub.UnregisterClient(c)
		close(returned)
	}()

	select {
	case <-returned:
		t.Fatal("UnregisterClient returned while the writer was still running")
	case <-time.After(50 * time.Millisecond):
	}
	close(c.out)
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("UnregisterClient did not return after the writer exited")
	}
}
