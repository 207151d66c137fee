package postgres

import (
	"database/sql"
	"testing"
	"time"
)

func TestNullIfEmpty(t *testing.T) {
	if got := nullIfEmpty(""); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
	if got := nullIfEmpty("abc"); got != "abc" {
		t.Fatalf("expected abc, got %v", got)
	}
}

func TestNullTimePtrNormalizesToUTC(t *testing.T) {
	if got := nullTimePtr(sql.NullTime{}); got != nil {
		t.Fatalf("expected nil for invalid time")
	}
	local := time.Date(2024, 1, 2, 10, 0, 0, 0, time.FixedZone("WIB", 7*3600))
	got := nullTimePtr(sql.NullTime{Time: local, Valid: true})
	if got == nil || got.Location() != time.UTC || !got.Equal(local) {
		t.Fatalf("expected UTC instant equal to input, got %v", got)
	}
}
