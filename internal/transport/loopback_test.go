package transport

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"wagate/internal/eventbus"
)

func TestLoopbackLifecycle(t *testing.T) {
	t.Parallel()
	bus := eventbus.New(zerolog.Nop())

	var mu sync.Mutex
	var states []string
	bus.SubscribeSession(func(e eventbus.SessionState) error {
		mu.Lock()
		states = append(states, e.State)
		mu.Unlock()
		return nil
	})

	lb := NewLoopback(LoopbackConfig{}, bus, zerolog.Nop())
	if lb.State() != StateDisconnected {
		t.Fatalf("initial state = %q", lb.State())
	}

	ctx := context.Background()
	if err := lb.Open(ctx); err != nil {
		t.Fatal(err)
	}
	if !lb.IsOpen() {
		t.Fatal("not open after Open")
	}
	if err := lb.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if lb.IsOpen() {
		t.Fatal("still open after Close")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{StateConnecting, StateConnected, StateDisconnecting, StateDisconnected}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states[%d] = %q, want %q", i, states[i], want[i])
		}
	}
}

func TestLoopbackClosedIsUnavailable(t *testing.T) {
	t.Parallel()
	lb := NewLoopback(LoopbackConfig{}, eventbus.New(zerolog.Nop()), zerolog.Nop())
	ctx := context.Background()

	if _, err := lb.IsReachable(ctx, "1@s.whatsapp.net"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("IsReachable error = %v, want ErrUnavailable", err)
	}
	if _, err := lb.Send(ctx, "1@s.whatsapp.net", nil); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Send error = %v, want ErrUnavailable", err)
	}
	if _, err := lb.Retract(ctx, "1@s.whatsapp.net", "x"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Retract error = %v, want ErrUnavailable", err)
	}
}

func TestLoopbackUnreachableList(t *testing.T) {
	t.Parallel()
	lb := NewLoopback(LoopbackConfig{
		Unreachable: []string{"666@s.whatsapp.net", " 777@s.whatsapp.net "},
	}, eventbus.New(zerolog.Nop()), zerolog.Nop())
	ctx := context.Background()
	if err := lb.Open(ctx); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		jid  string
		want bool
	}{
		{jid: "666@s.whatsapp.net", want: false},
		{jid: "777@s.whatsapp.net", want: false},
		{jid: "888@s.whatsapp.net", want: true},
	}
	for _, tt := range tests {
		ok, err := lb.IsReachable(ctx, tt.jid)
		if err != nil {
			t.Fatalf("IsReachable(%s): %v", tt.jid, err)
		}
		if ok != tt.want {
			t.Fatalf("IsReachable(%s) = %v, want %v", tt.jid, ok, tt.want)
		}
	}
}

func TestLoopbackSendEmitsAcks(t *testing.T) {
	t.Parallel()
	bus := eventbus.New(zerolog.Nop())

	var mu sync.Mutex
	var updates []eventbus.MessageUpdated
	bus.SubscribeUpdated(func(e eventbus.MessageUpdated) error {
		mu.Lock()
		updates = append(updates, e)
		mu.Unlock()
		return nil
	})

	lb := NewLoopback(LoopbackConfig{AckDelay: 5 * time.Millisecond}, bus, zerolog.Nop())
	ctx := context.Background()
	if err := lb.Open(ctx); err != nil {
		t.Fatal(err)
	}

	res, err := lb.Send(ctx, "1@s.whatsapp.net", json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if !strings.HasPrefix(res.TransportMessageID, "loop-") {
		t.Fatalf("transport message id = %q", res.TransportMessageID)
	}
	if res.StatusCode != StatusServerAck {
		t.Fatalf("status = %q, want %q", res.StatusCode, StatusServerAck)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(updates)
		mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d updates before deadline, want 2", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(updates) != 2 {
		t.Fatalf("updates = %+v, want DELIVERY_ACK then READ", updates)
	}
	if updates[0].Status != StatusDeliveryAck || updates[1].Status != StatusRead {
		t.Fatalf("statuses = %q, %q", updates[0].Status, updates[1].Status)
	}
	for _, u := range updates {
		if u.TransportMessageID != res.TransportMessageID || u.JID != "1@s.whatsapp.net" {
			t.Fatalf("update = %+v", u)
		}
	}
}
