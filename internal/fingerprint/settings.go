// ABOUTME: Fingerprint settings object: enrolled-print management and the
// ABOUTME: enroll/verify flows, token-gated like every privileged operation.

package fingerprint

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonos/devicelock/internal/authorization"
	"github.com/halcyonos/devicelock/internal/protocol"
	"github.com/halcyonos/devicelock/internal/session"
	"github.com/halcyonos/devicelock/internal/store"
)

var (
	ErrBusy           = errors.New("an enrollment is already in progress")
	ErrNotEnrolling   = errors.New("no enrollment in progress")
	ErrNoFingerprints = errors.New("no fingerprints enrolled")
	ErrNoSensor       = errors.New("no fingerprint sensor available")
)

// enrollment is one in-progress acquisition.
type enrollment struct {
	client protocol.Client
	name   string
	cancel context.CancelFunc
}

// Settings is the fingerprint settings object.
type Settings struct {
	ctx    context.Context
	object *session.Object
	auth   *authorization.Authorizer
	store  store.Store
	sensor Sensor
	logger *slog.Logger

	mu     sync.Mutex
	enroll *enrollment

	// Hooks into the authenticator: a verified match and acquisition
	// feedback during verification.
	verified func()
	feedback func(protocol.Feedback)
}

func NewSettings(ctx context.Context, object *session.Object, auth *authorization.Authorizer, st store.Store, sensor Sensor, logger *slog.Logger) *Settings {
	s := &Settings{
		ctx:    ctx,
		object: object,
		auth:   auth,
		store:  st,
		sensor: sensor,
		logger: logger.With("component", "fingerprint"),
	}
	object.SetCancelHook(func(c protocol.Client) { s.cancelFor(c) })
	return s
}

// SetVerifiedHook installs the callback fired on a verified match.
func (s *Settings) SetVerifiedHook(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verified = fn
}

// SetFeedbackHook installs the callback fired on acquisition feedback during
// verification.
func (s *Settings) SetFeedbackHook(fn func(protocol.Feedback)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback = fn
}

// Fingerprints lists the enrolled prints. Templates are never exposed.
func (s *Settings) Fingerprints(ctx context.Context) ([]*store.Fingerprint, error) {
	prints, err := s.store.ListFingerprints(ctx)
	if err != nil {
		return nil, err
	}
	for _, fp := range prints {
		fp.Template = nil
	}
	return prints, nil
}

// Enrolled reports whether any print is enrolled and a sensor is present,
// i.e. fingerprint authentication is usable.
func (s *Settings) Enrolled(ctx context.Context) bool {
	if s.sensor == nil {
		return false
	}
	prints, err := s.store.ListFingerprints(ctx)
	if err != nil {
		s.logger.Error("listing fingerprints", "error", err)
		return false
	}
	return len(prints) > 0
}

// Enroll begins acquiring a new print for client. Privileged: token must
// authorize the operation.
func (s *Settings) Enroll(client protocol.Client, token, name string) error {
	if err := s.auth.Authorize(token); err != nil {
		return err
	}
	if s.sensor == nil {
		return ErrNoSensor
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enroll != nil {
		return ErrBusy
	}
	if !s.object.Claim(client) {
		return ErrBusy
	}

	ctx, cancel := context.WithCancel(s.ctx)
	events, err := s.sensor.Enroll(ctx)
	if err != nil {
		cancel()
		s.object.Release(client)
		return err
	}

	en := &enrollment{client: client, name: name, cancel: cancel}
	s.enroll = en
	s.logger.Info("enrollment started", "name", name)
	go s.runEnroll(en, events)
	return nil
}

// CancelEnroll cancels the caller's in-progress enrollment.
func (s *Settings) CancelEnroll(client protocol.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	en := s.enroll
	if en == nil || !sameClient(en.client, client) {
		return ErrNotEnrolling
	}
	en.client.Error(protocol.ErrorCanceled)
	en.client.Aborted()
	en.client.AuthenticationEnded(false)
	s.finishEnrollLocked(en, "canceled")
	return nil
}

// Rename renames an enrolled print. Privileged.
func (s *Settings) Rename(ctx context.Context, token, id, name string) error {
	if err := s.auth.Authorize(token); err != nil {
		return err
	}
	return s.store.RenameFingerprint(ctx, id, name)
}

// Remove deletes an enrolled print. Privileged.
func (s *Settings) Remove(ctx context.Context, token, id string) error {
	if err := s.auth.Authorize(token); err != nil {
		return err
	}
	if err := s.store.RemoveFingerprint(ctx, id); err != nil {
		return err
	}
	s.logger.Info("fingerprint removed", "id", id)
	return nil
}

// Verify starts a verification scan against the enrolled prints. Matches and
// acquisition feedback are delivered through the installed hooks; the scan
// ends on a match, sensor exhaustion, or context cancellation.
func (s *Settings) Verify(ctx context.Context) error {
	if s.sensor == nil {
		return ErrNoSensor
	}
	prints, err := s.store.ListFingerprints(ctx)
	if err != nil {
		return err
	}
	if len(prints) == 0 {
		return ErrNoFingerprints
	}

	events, err := s.sensor.Verify(ctx, prints)
	if err != nil {
		return err
	}
	go s.runVerify(events)
	return nil
}

func (s *Settings) runVerify(events <-chan VerifyEvent) {
	for ev := range events {
		s.mu.Lock()
		verified, feedback := s.verified, s.feedback
		s.mu.Unlock()

		if ev.Matched {
			s.logger.Info("fingerprint verified", "id", ev.ID)
			if verified != nil {
				verified()
			}
			return
		}
		if feedback != nil {
			feedback(ev.Feedback)
		}
	}
}

func (s *Settings) runEnroll(en *enrollment, events <-chan EnrollEvent) {
	for ev := range events {
		s.mu.Lock()
		if s.enroll != en {
			s.mu.Unlock()
			return
		}

		switch {
		case ev.Err != nil:
			s.logger.Error("enrollment failed", "error", ev.Err)
			en.client.Error(protocol.ErrorSoftwareError)
			en.client.Aborted()
			en.client.AuthenticationEnded(false)
			s.finishEnrollLocked(en, "failed")
			s.mu.Unlock()
			return

		case ev.Template != nil:
			fp := &store.Fingerprint{
				ID:         uuid.NewString(),
				Name:       en.name,
				Template:   ev.Template,
				AcquiredAt: time.Now().UTC(),
			}
			if err := s.store.AddFingerprint(s.ctx, fp); err != nil {
				s.logger.Error("storing fingerprint", "error", err)
				en.client.Error(protocol.ErrorSoftwareError)
				en.client.Aborted()
				en.client.AuthenticationEnded(false)
				s.finishEnrollLocked(en, "store-failed")
				s.mu.Unlock()
				return
			}
			en.client.AuthenticationEnded(true)
			s.finishEnrollLocked(en, "enrolled")
			s.mu.Unlock()
			return

		default:
			en.client.Feedback(ev.Feedback, protocol.FeedbackData{}, protocol.MethodFingerprint)
			s.mu.Unlock()
		}
	}

	// The sensor gave up without a terminal event.
	s.mu.Lock()
	if s.enroll == en {
		en.client.Error(protocol.ErrorSoftwareError)
		en.client.Aborted()
		en.client.AuthenticationEnded(false)
		s.finishEnrollLocked(en, "sensor-closed")
	}
	s.mu.Unlock()
}

// finishEnrollLocked tears down the enrollment. Callers hold s.mu.
func (s *Settings) finishEnrollLocked(en *enrollment, outcome string) {
	en.cancel()
	s.object.Release(en.client)
	s.enroll = nil
	s.logger.Info("enrollment finished", "outcome", outcome)
}

// cancelFor is the session layer's disconnect entry point.
func (s *Settings) cancelFor(client protocol.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	en := s.enroll
	if en != nil && sameClient(en.client, client) {
		s.finishEnrollLocked(en, "disconnected")
	}
}

func sameClient(a, b protocol.Client) bool {
	return a.ConnectionID() == b.ConnectionID() && a.Path() == b.Path()
}
