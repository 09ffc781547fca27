package checkin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"smartroll/internal/presence"
	"smartroll/internal/session"
)

// Validator decides whether a (device, session, student) check-in is
// credited. It reads sessions and presence, and writes at most one
// attendance record per (session, student) pair.
type Validator struct {
	registry session.Registry
	resolver presence.Resolver
	records  RecordStore
	now      func() time.Time
}

// NewValidator wires the decision engine to its collaborators.
func NewValidator(registry session.Registry, resolver presence.Resolver, records RecordStore) *Validator {
	return &Validator{
		registry: registry,
		resolver: resolver,
		records:  records,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Validate runs the check-in decision for a student-initiated request.
func (v *Validator) Validate(ctx context.Context, deviceID string, sessionID int64, studentID string) (Outcome, error) {
	return v.validate(ctx, deviceID, sessionID, studentID, "checkin")
}

// Heartbeat runs the same decision for a router-observed device. The only
// difference is the source tag on a created record.
func (v *Validator) Heartbeat(ctx context.Context, deviceID string, sessionID int64, studentID string) (Outcome, error) {
	return v.validate(ctx, deviceID, sessionID, studentID, "heartbeat")
}

// validate applies the rules in strict order; the first matching rule wins.
// Dependency faults propagate unchanged, never as outcomes.
func (v *Validator) validate(ctx context.Context, deviceID string, sessionID int64, studentID, source string) (Outcome, error) {
	// Preconditions come before any lookup.
	mac, err := presence.CanonicalMAC(deviceID)
	if err != nil {
		return Outcome{}, &InvalidArgumentError{Field: "device_id", Reason: err.Error()}
	}
	if sessionID <= 0 {
		return Outcome{}, &InvalidArgumentError{Field: "session_id", Reason: fmt.Sprintf("must be positive, got %d", sessionID)}
	}
	if studentID == "" {
		return Outcome{}, &InvalidArgumentError{Field: "student", Reason: "identity required"}
	}

	sess, err := v.registry.Find(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return Outcome{Status: StatusSessionNotFound, SessionID: sessionID, Student: studentID}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	// A closed or expired session answers exactly like a missing one, so a
	// caller cannot probe the schedule.
	if !sess.OpenAt(v.now()) {
		return Outcome{Status: StatusSessionNotFound, SessionID: sessionID, Student: studentID}, nil
	}

	att, err := v.resolver.Resolve(ctx, mac)
	if errors.Is(err, presence.ErrNoAttachment) {
		return Outcome{Status: StatusOffNetwork, SessionID: sessionID, Student: studentID, Segment: sess.Segment}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	if !att.OnSegment(sess.Segment) {
		return Outcome{Status: StatusOffNetwork, SessionID: sessionID, Student: studentID, Segment: sess.Segment}, nil
	}

	rec, created, err := v.records.InsertIfAbsent(ctx, Record{
		SessionID:  sessionID,
		StudentID:  studentID,
		DeviceMAC:  mac,
		Source:     source,
		RecordedAt: v.now(),
	})
	if err != nil {
		return Outcome{}, err
	}

	status := StatusAccepted
	if !created {
		status = StatusAlreadyRecorded
	}
	return Outcome{
		Status:     status,
		Student:    studentID,
		Segment:    sess.Segment,
		SessionID:  sessionID,
		RecordedAt: rec.RecordedAt,
	}, nil
}
