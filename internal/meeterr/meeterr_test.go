package meeterr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := New(KindDuplicate, "athlete %s already entered", "a1")
	if KindOf(err) != KindDuplicate {
		t.Errorf("KindOf = %v, want duplicate", KindOf(err))
	}

	// Kind survives wrapping with %w.
	wrapped := fmt.Errorf("create entry: %w", err)
	if KindOf(wrapped) != KindDuplicate {
		t.Errorf("wrapped KindOf = %v, want duplicate", KindOf(wrapped))
	}

	if KindOf(errors.New("plain")) != KindInternal {
		t.Error("plain error should classify as internal")
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Internal(cause, "insert heat")
	if !errors.Is(err, cause) {
		t.Error("Internal should wrap its cause")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{New(KindValidation, "bad kana"), 2},
		{New(KindDuplicate, "dup"), 2},
		{New(KindStandardExceeded, "too slow"), 2},
		{New(KindNotFound, "no race"), 2},
		{New(KindCapacity, "full"), 3},
		{New(KindStateConflict, "already approved"), 4},
		{New(KindNoFallback, "no fallback"), 4},
		{New(KindFinalizedExists, "finalized"), 4},
		{New(KindLaneConflict, "lane 3 taken"), 4},
		{errors.New("boom"), 5},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
