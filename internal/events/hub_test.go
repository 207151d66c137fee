package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"qms/queue-engine/internal/models"

	"github.com/rs/zerolog"
)

func TestHubDeliversBySubscription(t *testing.T) {
	h := NewHub(zerolog.Nop())
	a := &Client{ID: "a", Send: make(chan []byte, 4)}
	b := &Client{ID: "b", Send: make(chan []byte, 4)}
	h.Register(a)
	h.Register(b)
	h.UpdateSubscription(a, Subscription{DepartmentIDs: []string{"dept-a"}})
	h.UpdateSubscription(b, Subscription{DepartmentIDs: []string{"dept-b"}})

	event := Event{
		Type:         TicketCalled,
		DepartmentID: "dept-a",
		Ticket:       &models.Ticket{TicketID: "t-1", Number: 3},
		OccurredAt:   time.Now().UTC(),
	}
	if err := h.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-a.Send:
		var got Event
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Type != TicketCalled || got.Ticket == nil || got.Ticket.Number != 3 {
			t.Fatalf("unexpected event %+v", got)
		}
	default:
		t.Fatalf("expected subscribed client to receive event")
	}
	if len(b.Send) != 0 {
		t.Fatalf("expected other department to receive nothing")
	}
}

func TestHubTransferReachesBothDepartments(t *testing.T) {
	h := NewHub(zerolog.Nop())
	a := &Client{ID: "a", Send: make(chan []byte, 1), Subscription: Subscription{DepartmentIDs: []string{"dept-a"}}}
	b := &Client{ID: "b", Send: make(chan []byte, 1), Subscription: Subscription{DepartmentIDs: []string{"dept-b"}}}
	h.Register(a)
	h.Register(b)

	_ = h.Publish(context.Background(), Event{Type: TicketTransferred, DepartmentID: "dept-a", TargetDepartmentID: "dept-b"})
	if len(a.Send) != 1 || len(b.Send) != 1 {
		t.Fatalf("expected both departments notified, got %d and %d", len(a.Send), len(b.Send))
	}
}

func TestHubDropsForSlowClient(t *testing.T) {
	h := NewHub(zerolog.Nop())
	c := &Client{ID: "slow", Send: make(chan []byte, 1), Subscription: Subscription{DepartmentIDs: []string{"dept-a"}}}
	h.Register(c)
	h.Broadcast([]byte("one"), []string{"dept-a"})
	h.Broadcast([]byte("two"), []string{"dept-a"})
	if got := string(<-c.Send); got != "one" {
		t.Fatalf("expected first message kept, got %s", got)
	}
	h.Unregister(c)
	h.Unregister(c)
	if h.ClientCount() != 0 {
		t.Fatalf("expected no clients")
	}
}

func TestParseSubscribe(t *testing.T) {
	msg, ok := ParseSubscribe([]byte(`{"action":"subscribe","department_id":"dept-a"}`))
	if !ok || len(msg.DepartmentIDs) != 1 || msg.DepartmentIDs[0] != "dept-a" {
		t.Fatalf("unexpected parse result %+v %v", msg, ok)
	}
	if _, ok := ParseSubscribe([]byte(`{"action":"shout"}`)); ok {
		t.Fatalf("expected unknown action to be rejected")
	}
	if _, ok := ParseSubscribe([]byte(`not json`)); ok {
		t.Fatalf("expected invalid json to be rejected")
	}
}
