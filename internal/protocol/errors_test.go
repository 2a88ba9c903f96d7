package protocol

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrProtoBadRequest,
		ErrRateLimit,
		ErrReadOnly,
		ErrNotFound,
		ErrReferential,
		ErrTemporal,
		ErrOutOfBounds,
		ErrOwnership,
		ErrSchema,
		ErrStaleConflict,
		ErrValidationTimeout,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestCodeOfUsesOutermostError(t *testing.T) {
	inner := Reject(ErrTemporal, "timestamp before last activity")
	stale := &Error{Code: ErrStaleConflict, Reason: "state moved: " + inner.Reason, Cause: inner}
	wrapped := fmt.Errorf("commit: %w", stale)

	if got := CodeOf(wrapped); got != ErrStaleConflict {
		t.Fatalf("code=%q", got)
	}
	var pe *Error
	if !errors.As(errors.Unwrap(stale), &pe) || pe.Code != ErrTemporal {
		t.Fatalf("cause not reachable: %v", pe)
	}
	if CodeOf(errors.New("disk full")) != ErrInternal || CodeOf(nil) != "" {
		t.Fatalf("unexpected fallback codes")
	}
}

func TestRejectedResult(t *testing.T) {
	res := RejectedResult("cs-1", "move", Reject(ErrOutOfBounds, "x=20 outside hub"))
	if res.Committed() || res.Status != StatusRejected || res.Code != ErrOutOfBounds || res.Reason != "x=20 outside hub" {
		t.Fatalf("res=%+v", res)
	}
	res = RejectedResult("cs-2", "move", errors.New("boom"))
	if res.Code != ErrInternal || res.Reason != "boom" {
		t.Fatalf("res=%+v", res)
	}
}
