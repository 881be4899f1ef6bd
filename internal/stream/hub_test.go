package stream

import (
	"context"
	"strings"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		default:
			time.Sleep(2 * time.Millisecond)
		}
	}
}

func TestBroadcastReachesRegisteredClient(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := &Client{hub: hub, send: make(chan []byte, 4)}
	hub.Register(client)
	waitFor(t, "registration", func() bool { return hub.ClientCount() == 1 })

	hub.Broadcast("delivery_result", map[string]string{"message_id": "m1"})
	select {
	case data := <-client.send:
		if !strings.Contains(string(data), "delivery_result") {
			t.Fatalf("envelope missing type: %s", data)
		}
		if !strings.Contains(string(data), "m1") {
			t.Fatalf("envelope missing payload: %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("broadcast never reached the client")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	client := &Client{hub: hub, send: make(chan []byte, 1)}
	hub.Register(client)
	waitFor(t, "registration", func() bool { return hub.ClientCount() == 1 })

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("hub loop did not stop on cancellation")
	}
	if _, open := <-client.send; open {
		t.Fatalf("client send channel should be closed on shutdown")
	}
	if hub.ClientCount() != 0 {
		t.Fatalf("clients should be cleared on shutdown")
	}
}
