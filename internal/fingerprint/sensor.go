// ABOUTME: Hardware sensor abstraction for fingerprint acquisition.
// ABOUTME: Enroll and verify are event streams closed by the sensor when done.

package fingerprint

import (
	"context"

	"github.com/halcyonos/devicelock/internal/protocol"
	"github.com/halcyonos/devicelock/internal/store"
)

// EnrollEvent is one step of a fingerprint acquisition. Exactly one of the
// terminal fields is set on the final event: Template on success, Err on
// failure. Non-terminal events carry acquisition feedback (PartialPrint,
// SensorIsDirty, ...).
type EnrollEvent struct {
	Feedback protocol.Feedback
	Progress int // 0-100
	Template []byte
	Err      error
}

// VerifyEvent is one step of a verification scan: either a match against an
// enrolled print, or acquisition feedback for a retry.
type VerifyEvent struct {
	Matched  bool
	ID       string // matched fingerprint ID
	Feedback protocol.Feedback
}

// Sensor is the fingerprint hardware. Both streams end when the sensor
// closes the channel; canceling the context stops the acquisition.
type Sensor interface {
	Enroll(ctx context.Context) (<-chan EnrollEvent, error)
	Verify(ctx context.Context, prints []*store.Fingerprint) (<-chan VerifyEvent, error)
}
