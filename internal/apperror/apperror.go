package apperror

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure so callers can branch without string matching.
type Kind string

const (
	KindPermissionDenied    Kind = "PERMISSION_DENIED"
	KindHardwareUnavailable Kind = "HARDWARE_UNAVAILABLE"
	KindTimeout             Kind = "TIMEOUT"
	KindPayloadInvalid      Kind = "PAYLOAD_INVALID"
	KindCheckpointMismatch  Kind = "CHECKPOINT_MISMATCH"
	KindRoundMismatch       Kind = "ROUND_MISMATCH"
	KindConflict            Kind = "CONFLICT"
	KindRateLimited         Kind = "RATE_LIMITED"
	KindNetworkUnreachable  Kind = "NETWORK_UNREACHABLE"
	KindConnection          Kind = "CONNECTION_ERROR"
	KindServerRejected      Kind = "SERVER_REJECTED"
	KindBusy                Kind = "BUSY"
	KindNoActiveRound       Kind = "NO_ACTIVE_ROUND"
	KindOutOfRange          Kind = "OUT_OF_RANGE"
	KindInvalidInput        Kind = "INVALID_INPUT"
	KindCancelled           Kind = "CANCELLED"
)

// Error is an application error carrying a Kind and a human-readable message.
type Error struct {
	Kind       Kind
	Message    string
	Err        error
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so errors.Is(err, apperror.New(KindTimeout, ""))
// works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(err error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// RateLimited builds a KindRateLimited error with the server supplied delay.
func RateLimited(message string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Message: message, RetryAfter: retryAfter}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" when none.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

var userMessages = map[Kind]string{
	KindPermissionDenied:    "Permission denied. Enable location and NFC access.",
	KindHardwareUnavailable: "This device cannot read checkpoint tags.",
	KindTimeout:             "Timed out. Hold the phone near the tag and try again.",
	KindPayloadInvalid:      "Tag has no valid data.",
	KindCheckpointMismatch:  "Wrong checkpoint. This tag belongs to another checkpoint.",
	KindRoundMismatch:       "Wrong round. This tag belongs to another round.",
	KindConflict:            "Finish your current round first.",
	KindRateLimited:         "Too many requests. Try again shortly.",
	KindNetworkUnreachable:  "No network connection.",
	KindConnection:          "Could not reach the server.",
	KindServerRejected:      "The server rejected the request.",
	KindBusy:                "Already registering a checkpoint.",
	KindNoActiveRound:       "No active round.",
	KindOutOfRange:          "You are too far from the checkpoint.",
	KindInvalidInput:        "Invalid input.",
	KindCancelled:           "Scan cancelled.",
}

// UserMessage returns the short, reason-specific text shown to the guard.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if msg, ok := userMessages[KindOf(err)]; ok {
		return msg
	}
	return "Something went wrong."
}
