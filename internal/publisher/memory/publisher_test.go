package memory

import (
	"context"
	"errors"
	"testing"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "topic-a", map[string]string{"k": "v"})
	if err != nil || id1 != "memory-1" {
		t.Fatalf("unexpected publish result id=%s err=%v", id1, err)
	}
	id2, err := pub.Publish(context.Background(), "topic-b", "payload")
	if err != nil || id2 != "memory-2" {
		t.Fatalf("unexpected publish result id=%s err=%v", id2, err)
	}
	msgs := pub.Messages()
	if len(msgs) != 2 || msgs[1].ID != "memory-2" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if got := pub.Topic("topic-b"); len(got) != 1 || got[0] != "payload" {
		t.Fatalf("unexpected topic payloads %+v", got)
	}
}

func TestPublisherFailWith(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("boom")
	pub.FailWith(boom)
	if _, err := pub.Publish(context.Background(), "t", 1); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	pub.FailWith(nil)
	if _, err := pub.Publish(context.Background(), "t", 1); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if len(pub.Messages()) != 1 {
		t.Fatal("failed publish should not be recorded")
	}
}
