package dc6006l

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotOpen            = errors.New("dc6006l: session not open")
	ErrAlreadyOpen        = errors.New("dc6006l: session already open")
	ErrPortNotFound       = errors.New("dc6006l: port not found")
	ErrStateUnavailable   = errors.New("dc6006l: no valid state frame within attempt budget")
	ErrStatusUnavailable  = errors.New("dc6006l: no valid status frame")
	ErrNoAck              = errors.New("dc6006l: no valid acknowledgement")
	ErrOutputNotConfirmed = errors.New("dc6006l: output state not confirmed")
	ErrReadBackMismatch   = errors.New("dc6006l: read-back mismatch")
	ErrUnknownField       = errors.New("dc6006l: unknown status field")
	ErrBusy               = errors.New("dc6006l: session busy")
	ErrReportingDisabled  = errors.New("dc6006l: state reporting disabled")
)

// FrameKind names the response format a decode error belongs to.
type FrameKind string

const (
	FrameAck    FrameKind = "ack"
	FrameState  FrameKind = "state"
	FrameStatus FrameKind = "status"
	FrameEcho   FrameKind = "echo"
)

// FrameError indicates a response that failed length, marker, sentinel or
// digit validation. Offset is -1 for length mismatches.
type FrameError struct {
	Kind   FrameKind
	Length int
	Offset int
	Reason string
}

func (e *FrameError) Error() string {
	if e.Offset < 0 {
		return fmt.Sprintf("invalid %s frame (%d bytes): %s", e.Kind, e.Length, e.Reason)
	}
	return fmt.Sprintf("invalid %s frame (%d bytes) at offset %d: %s", e.Kind, e.Length, e.Offset, e.Reason)
}

// PortNotFoundError indicates that the requested port was not enumerated.
type PortNotFoundError struct {
	Port      string
	Available []string
}

func (e *PortNotFoundError) Error() string {
	return fmt.Sprintf("port %s not found (available: %s)", e.Port, strings.Join(e.Available, ", "))
}

func (e *PortNotFoundError) Is(target error) bool { return target == ErrPortNotFound }

// ReadBackMismatchError indicates that the device echoed a value other than
// the one requested, beyond the tolerance.
type ReadBackMismatchError struct {
	Quantity  string
	Requested float64
	ReadBack  float64
	Tolerance float64
}

func (e *ReadBackMismatchError) Error() string {
	return fmt.Sprintf("%s read-back mismatch: set %g, got %g (tolerance %g)",
		e.Quantity, e.Requested, e.ReadBack, e.Tolerance)
}

func (e *ReadBackMismatchError) Is(target error) bool { return target == ErrReadBackMismatch }

// OutputConfirmError indicates that the requested on/off state was never
// observed within the attempt budget.
type OutputConfirmError struct {
	Target   bool
	Attempts int
}

func (e *OutputConfirmError) Error() string {
	target := "off"
	if e.Target {
		target = "on"
	}
	return fmt.Sprintf("output %s not confirmed after %d attempts", target, e.Attempts)
}

func (e *OutputConfirmError) Is(target error) bool { return target == ErrOutputNotConfirmed }

// WriteError wraps a failed write on the channel.
type WriteError struct {
	Command CommandKind
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s failed: %v", e.Command, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// IsFatal reports whether err is a programmer or transport error rather than
// one of the expected outcomes of an unreliable link.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var we *WriteError
	switch {
	case errors.Is(err, ErrNotOpen),
		errors.Is(err, ErrAlreadyOpen),
		errors.Is(err, ErrPortNotFound),
		errors.As(err, &we):
		return true
	case errors.Is(err, ErrStateUnavailable),
		errors.Is(err, ErrStatusUnavailable),
		errors.Is(err, ErrNoAck),
		errors.Is(err, ErrOutputNotConfirmed),
		errors.Is(err, ErrReadBackMismatch),
		errors.Is(err, ErrUnknownField),
		errors.Is(err, ErrBusy),
		errors.Is(err, ErrReportingDisabled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}
