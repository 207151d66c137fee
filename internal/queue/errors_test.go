package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"qms/queue-engine/internal/store"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err       error
		kind      Kind
		retriable bool
	}{
		{store.ErrNoTicket, KindNoTicketsWaiting, false},
		{store.ErrConflict, KindConflictLost, true},
		{store.ErrInvalidState, KindInvalidTransition, false},
		{store.ErrTicketNotFound, KindNotFound, false},
		{store.ErrServiceInactive, KindNotFound, false},
		{fmt.Errorf("lookup: %w", store.ErrQueueNotFound), KindNotFound, false},
		{store.ErrArchiveUnavailable, KindArchiveUnavailable, true},
		{context.DeadlineExceeded, KindStorageUnavailable, true},
		{errors.New("connection reset by peer"), KindStorageUnavailable, true},
	}
	for _, tt := range cases {
		err := classify("op", tt.err)
		if got := KindOf(err); got != tt.kind {
			t.Fatalf("classify(%v) kind=%q, want %q", tt.err, got, tt.kind)
		}
		if got := IsRetriable(err); got != tt.retriable {
			t.Fatalf("classify(%v) retriable=%v, want %v", tt.err, got, tt.retriable)
		}
		if !errors.Is(err, tt.err) {
			t.Fatalf("classify(%v) lost the wrapped error", tt.err)
		}
	}
}

func TestClassifyKeepsEngineErrors(t *testing.T) {
	original := newError("call_next", KindTransient, "retries exhausted", store.ErrConflict)
	if got := classify("other", original); got != error(original) {
		t.Fatalf("expected engine error to pass through, got %v", got)
	}
	if classify("op", nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}
