package checkin

import (
	"errors"
	"fmt"
	"time"
)

// Status tags the result of validating one check-in request. The set is
// closed; anything outside it is a fault, not an outcome.
type Status string

const (
	StatusAccepted        Status = "accepted"
	StatusAlreadyRecorded Status = "already_recorded"
	StatusOffNetwork      Status = "off_network"
	StatusSessionNotFound Status = "session_not_found"
)

// Outcome is the result of one validation attempt. Produced per request,
// handed straight to the encoder, never persisted.
type Outcome struct {
	Status     Status
	Student    string
	Segment    string
	SessionID  int64
	RecordedAt time.Time
}

// InvalidArgumentError reports a precondition violation: a malformed device
// identifier or a non-positive session id. It signals a caller bug and is
// raised before the validation algorithm runs, so it is not an Outcome.
type InvalidArgumentError struct {
	Field  string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsInvalidArgument reports whether err is a precondition violation rather
// than an infrastructure fault.
func IsInvalidArgument(err error) bool {
	var target *InvalidArgumentError
	return errors.As(err, &target)
}
