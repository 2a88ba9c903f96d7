package protocol

import (
	"errors"
	"fmt"
)

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrRateLimit       = "E_RATE_LIMIT"
	ErrReadOnly        = "E_READ_ONLY"
	ErrNotFound        = "E_NOT_FOUND"

	// Changeset admission.
	ErrReferential       = "E_REFERENTIAL"
	ErrTemporal          = "E_TEMPORAL"
	ErrOutOfBounds       = "E_OUT_OF_BOUNDS"
	ErrOwnership         = "E_OWNERSHIP"
	ErrSchema            = "E_SCHEMA"
	ErrStaleConflict     = "E_STALE_CONFLICT"
	ErrValidationTimeout = "E_VALIDATION_TIMEOUT"

	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:   {},
	ErrRateLimit:         {},
	ErrReadOnly:          {},
	ErrNotFound:          {},
	ErrReferential:       {},
	ErrTemporal:          {},
	ErrOutOfBounds:       {},
	ErrOwnership:         {},
	ErrSchema:            {},
	ErrStaleConflict:     {},
	ErrValidationTimeout: {},
	ErrInternal:          {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// Error is a machine-readable rejection. Rejections never mutate the store;
// the proposer may fix the changeset and resubmit.
type Error struct {
	Code   string
	Reason string
	Cause  error
}

func Reject(code, format string, args ...any) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Reason
}

func (e *Error) Unwrap() error { return e.Cause }

// CodeOf returns the code of the outermost *Error in err's chain,
// ErrInternal for any other non-nil error and "" for nil.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrInternal
}
