package compliance

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestEffectQueue_RunsInOrder(t *testing.T) {
	q := NewEffectQueue(zerolog.Nop())

	var order []string
	q.Defer("first", func(context.Context) error {
		order = append(order, "first")
		return nil
	})
	q.Defer("second", func(context.Context) error {
		order = append(order, "second")
		return nil
	})

	if q.Len() != 2 {
		t.Fatalf("expected 2 queued effects, got %d", q.Len())
	}
	if err := q.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("expected registration order, got %v", order)
	}
	if q.Len() != 0 {
		t.Error("flush must drain the queue")
	}
}

func TestEffectQueue_FailureDoesNotStopTheQueue(t *testing.T) {
	q := NewEffectQueue(zerolog.Nop())

	boom := errors.New("boom")
	ran := false
	q.Defer("failing", func(context.Context) error { return boom })
	q.Defer("after", func(context.Context) error {
		ran = true
		return nil
	})

	err := q.Flush(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected the failure surfaced, got %v", err)
	}
	if !ran {
		t.Error("later effects must still run")
	}
}
