package memory

import (
	"context"
	"errors"
	"testing"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	payload := map[string]int{"orders": 3}
	id1, err := pub.Publish(context.Background(), "run_summary", payload)
	if err != nil || id1 != "memory-1" {
		t.Fatalf("unexpected publish result id=%s err=%v", id1, err)
	}
	payload["orders"] = 99
	id2, err := pub.Publish(context.Background(), "recovery_summary", "payload")
	if err != nil || id2 != "memory-2" {
		t.Fatalf("unexpected publish result id=%s err=%v", id2, err)
	}

	msgs := pub.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Event != "run_summary" || string(msgs[0].Data) != `{"orders":3}` {
		t.Fatalf("first message not recorded as a snapshot: %+v", msgs[0])
	}

	msgs[0].Event = "modified"
	if pub.Messages()[0].Event == "modified" {
		t.Fatal("expected Messages() to return a copy")
	}
}

func TestPublisherFailWith(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("topic deleted")
	pub.FailWith(boom)
	if _, err := pub.Publish(context.Background(), "run_summary", 1); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	pub.FailWith(nil)
	if _, err := pub.Publish(context.Background(), "run_summary", 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pub.Messages()) != 1 {
		t.Fatalf("expected only the successful publish to be recorded")
	}
}
