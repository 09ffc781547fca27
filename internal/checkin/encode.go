package checkin

import (
	"fmt"
	"net/http"
	"time"
)

// Encode maps an outcome to its transport response. The table is fixed:
// changing a row is a protocol version bump, not a tweak.
func Encode(out Outcome) (int, map[string]any) {
	switch out.Status {
	case StatusAccepted:
		return http.StatusOK, map[string]any{
			"status":           string(StatusAccepted),
			"student":          out.Student,
			"classroom_prefix": out.Segment,
		}
	case StatusAlreadyRecorded:
		return http.StatusOK, map[string]any{
			"status":           string(StatusAlreadyRecorded),
			"student":          out.Student,
			"classroom_prefix": out.Segment,
			"recorded_at":      out.RecordedAt.UTC().Format(time.RFC3339),
		}
	case StatusOffNetwork:
		return http.StatusForbidden, map[string]any{
			"error": "you must be on the classroom Wi-Fi",
		}
	case StatusSessionNotFound:
		return http.StatusNotFound, map[string]any{
			"error": fmt.Sprintf("session %d not found", out.SessionID),
		}
	}
	// Unreachable for well-formed outcomes; an unknown status means a bug
	// below this layer and is surfaced as such, never as a business reply.
	return http.StatusInternalServerError, map[string]any{
		"error": fmt.Sprintf("unhandled outcome %q", out.Status),
	}
}

// EncodeError maps validation errors: precondition violations are the
// caller's fault, everything else is an infrastructure fault the caller
// may retry.
func EncodeError(err error) (int, map[string]any) {
	if IsInvalidArgument(err) {
		return http.StatusBadRequest, map[string]any{"error": err.Error()}
	}
	return http.StatusServiceUnavailable, map[string]any{
		"error": "temporarily unavailable, try again",
	}
}
