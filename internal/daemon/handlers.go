// ABOUTME: Bus method handlers: JSON params in, engine calls out.
// ABOUTME: One registration block per hosted object.

package daemon

import (
	"encoding/json"
	"time"

	"github.com/halcyonos/devicelock/internal/backend"
	"github.com/halcyonos/devicelock/internal/devicelock"
	"github.com/halcyonos/devicelock/internal/protocol"
	"github.com/halcyonos/devicelock/internal/session"
	"github.com/halcyonos/devicelock/internal/store"
)

// decode unmarshals params into v; absent params decode as zero values.
func decode(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	return json.Unmarshal(params, v)
}

func (d *Daemon) registerHandlers() {
	d.registerAuthenticator()
	d.registerDeviceLock()
	d.registerFingerprint()
}

func (d *Daemon) registerAuthenticator() {
	s := d.server

	s.Handle(ObjectAuthenticator, "request_challenge", func(c protocol.Client, params json.RawMessage) (any, error) {
		var p struct {
			Methods uint32 `json:"methods"`
			PID     uint32 `json:"pid"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		code, allowed, err := d.authAuth.RequestChallenge(c, protocol.Methods(p.Methods), p.PID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"challenge": code, "allowed_methods": uint32(allowed)}, nil
	})

	s.Handle(ObjectAuthenticator, "relinquish_challenge", func(c protocol.Client, params json.RawMessage) (any, error) {
		d.authAuth.RelinquishChallenge(c)
		return nil, nil
	})

	s.Handle(ObjectAuthenticator, "authenticate", func(c protocol.Client, params json.RawMessage) (any, error) {
		var p struct {
			Challenge string `json:"challenge"`
			Methods   uint32 `json:"methods"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, d.authEngine.Authenticate(c, p.Challenge, protocol.Methods(p.Methods))
	})

	s.Handle(ObjectAuthenticator, "request_permission", func(c protocol.Client, params json.RawMessage) (any, error) {
		var p struct {
			Message    string         `json:"message"`
			Methods    uint32         `json:"methods"`
			Properties map[string]any `json:"properties"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, d.authEngine.RequestPermission(c, p.Message, p.Properties, protocol.Methods(p.Methods))
	})

	s.Handle(ObjectAuthenticator, "change_security_code", func(c protocol.Client, params json.RawMessage) (any, error) {
		var p struct {
			Challenge string `json:"challenge"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, d.authEngine.ChangeSecurityCode(c, p.Challenge)
	})

	s.Handle(ObjectAuthenticator, "change_encryption_code", func(c protocol.Client, params json.RawMessage) (any, error) {
		var p struct {
			Challenge string `json:"challenge"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, d.authEngine.ChangeEncryptionCode(c, p.Challenge)
	})

	s.Handle(ObjectAuthenticator, "clear_codes", func(c protocol.Client, params json.RawMessage) (any, error) {
		return nil, d.authEngine.ClearCodes(c)
	})

	s.Handle(ObjectAuthenticator, "enter_security_code", func(c protocol.Client, params json.RawMessage) (any, error) {
		var p struct {
			Code string `json:"code"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, d.authEngine.EnterSecurityCode(c, p.Code)
	})

	s.Handle(ObjectAuthenticator, "request_security_code", func(c protocol.Client, params json.RawMessage) (any, error) {
		return nil, d.authEngine.RequestSecurityCode(c)
	})

	s.Handle(ObjectAuthenticator, "authorize", func(c protocol.Client, params json.RawMessage) (any, error) {
		return nil, d.authEngine.Authorize(c)
	})

	s.Handle(ObjectAuthenticator, "cancel", func(c protocol.Client, params json.RawMessage) (any, error) {
		return nil, d.authEngine.Cancel(c)
	})

	s.Handle(ObjectAuthenticator, "availability", func(c protocol.Client, params json.RawMessage) (any, error) {
		avail, err := backend.Availability(d.ctx, d.store, d.checker, store.KindSecurity, false, d.fingerprints.Enrolled(d.ctx))
		if err != nil {
			return nil, err
		}
		return map[string]any{"availability": avail.String()}, nil
	})

	d.registerPresentation(ObjectAuthenticator, d.registry.Object(ObjectAuthenticator))
}

func (d *Daemon) registerDeviceLock() {
	s := d.server

	s.Handle(ObjectDeviceLock, "unlock", func(c protocol.Client, params json.RawMessage) (any, error) {
		return nil, d.lockEngine.Unlock(c)
	})

	s.Handle(ObjectDeviceLock, "enter_security_code", func(c protocol.Client, params json.RawMessage) (any, error) {
		var p struct {
			Code string `json:"code"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, d.lockEngine.EnterSecurityCode(c, p.Code)
	})

	s.Handle(ObjectDeviceLock, "cancel", func(c protocol.Client, params json.RawMessage) (any, error) {
		return nil, d.lockEngine.Cancel(c)
	})

	s.Handle(ObjectDeviceLock, "lock_state", func(c protocol.Client, params json.RawMessage) (any, error) {
		return map[string]any{
			"state":     d.lockEngine.LockState().String(),
			"unlocking": d.lockEngine.Unlocking(),
			"enabled":   d.lockEngine.Enabled(),
		}, nil
	})

	// Platform feed inputs. The socket is root-only; these are trusted.
	s.Handle(ObjectDeviceLock, "set_required_state", func(c protocol.Client, params json.RawMessage) (any, error) {
		var p struct {
			State string `json:"state"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		switch p.State {
		case "locked":
			d.lockEngine.SetRequiredState(devicelock.RequireLocked)
		case "unlocked":
			d.lockEngine.SetRequiredState(devicelock.RequireUnlocked)
		default:
			d.lockEngine.SetRequiredState(devicelock.NoRequirement)
		}
		return nil, nil
	})

	s.Handle(ObjectDeviceLock, "set_conditions", func(c protocol.Client, params json.RawMessage) (any, error) {
		var p struct {
			CallActive         bool `json:"call_active"`
			DisplayOnWithFocus bool `json:"display_on_with_focus"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		d.lockEngine.SetConditions(devicelock.Conditions{
			CallActive:         p.CallActive,
			DisplayOnWithFocus: p.DisplayOnWithFocus,
		})
		return nil, nil
	})

	d.registerPresentation(ObjectDeviceLock, d.registry.Object(ObjectDeviceLock))
}

func (d *Daemon) registerFingerprint() {
	s := d.server

	s.Handle(ObjectFingerprint, "request_challenge", func(c protocol.Client, params json.RawMessage) (any, error) {
		var p struct {
			Methods uint32 `json:"methods"`
			PID     uint32 `json:"pid"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		code, allowed, err := d.fpAuth.RequestChallenge(c, protocol.Methods(p.Methods), p.PID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"challenge": code, "allowed_methods": uint32(allowed)}, nil
	})

	s.Handle(ObjectFingerprint, "relinquish_challenge", func(c protocol.Client, params json.RawMessage) (any, error) {
		d.fpAuth.RelinquishChallenge(c)
		return nil, nil
	})

	s.Handle(ObjectFingerprint, "list", func(c protocol.Client, params json.RawMessage) (any, error) {
		prints, err := d.fingerprints.Fingerprints(d.ctx)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, 0, len(prints))
		for _, fp := range prints {
			out = append(out, map[string]any{
				"id":          fp.ID,
				"name":        fp.Name,
				"acquired_at": fp.AcquiredAt.Format(time.RFC3339),
			})
		}
		return out, nil
	})

	s.Handle(ObjectFingerprint, "enroll", func(c protocol.Client, params json.RawMessage) (any, error) {
		var p struct {
			Token string `json:"token"`
			Name  string `json:"name"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, d.fingerprints.Enroll(c, p.Token, p.Name)
	})

	s.Handle(ObjectFingerprint, "cancel_enroll", func(c protocol.Client, params json.RawMessage) (any, error) {
		return nil, d.fingerprints.CancelEnroll(c)
	})

	s.Handle(ObjectFingerprint, "rename", func(c protocol.Client, params json.RawMessage) (any, error) {
		var p struct {
			Token string `json:"token"`
			ID    string `json:"id"`
			Name  string `json:"name"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, d.fingerprints.Rename(d.ctx, p.Token, p.ID, p.Name)
	})

	s.Handle(ObjectFingerprint, "remove", func(c protocol.Client, params json.RawMessage) (any, error) {
		var p struct {
			Token string `json:"token"`
			ID    string `json:"id"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, d.fingerprints.Remove(d.ctx, p.Token, p.ID)
	})

	s.Handle(ObjectFingerprint, "verify", func(c protocol.Client, params json.RawMessage) (any, error) {
		return nil, d.fingerprints.Verify(d.ctx)
	})

	d.registerPresentation(ObjectFingerprint, d.registry.Object(ObjectFingerprint))
}

// registerPresentation wires the input front-end registration stack shared
// by every prompting object.
func (d *Daemon) registerPresentation(name string, object *session.Object) {
	s := d.server

	s.Handle(name, "attach", func(c protocol.Client, params json.RawMessage) (any, error) {
		object.Attach(c)
		return nil, nil
	})

	s.Handle(name, "detach", func(c protocol.Client, params json.RawMessage) (any, error) {
		object.Detach(c)
		return nil, nil
	})

	s.Handle(name, "set_registered", func(c protocol.Client, params json.RawMessage) (any, error) {
		var p struct {
			Registered bool `json:"registered"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		object.SetRegistered(c, p.Registered)
		return nil, nil
	})

	s.Handle(name, "set_active", func(c protocol.Client, params json.RawMessage) (any, error) {
		var p struct {
			Active bool `json:"active"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		object.SetActive(c, p.Active)
		return nil, nil
	})
}
