// ABOUTME: Availability computation shared by the flow engines.
// ABOUTME: Decides up front whether a flow can prompt at all, and with which methods.

package backend

import (
	"context"

	"github.com/halcyonos/devicelock/internal/protocol"
	"github.com/halcyonos/devicelock/internal/store"
)

// Availability decides what a flow over the given credential kind can offer
// before any prompt is shown. The attempt counter is read from the store
// mirror, which the engines refresh from every backend result, so it tracks
// the backend-authoritative count for both backend implementations.
// requireCode marks flows that are impossible without a stored code, such as
// clearing one; for those, no code set means SecurityCodeRequired rather
// than AuthenticationNotRequired.
func Availability(ctx context.Context, st store.Store, checker CodeChecker, kind string, requireCode, fingerprintsEnrolled bool) (protocol.Availability, error) {
	policy, err := st.Policy(ctx)
	if err != nil {
		return 0, err
	}

	switch policy.ManagerLock {
	case "recoverable":
		return protocol.ManagerLockedRecoverable, nil
	case "permanent":
		return protocol.ManagerLockedPermanent, nil
	}

	set, err := checker.CodeSet(ctx, kind)
	if err != nil {
		return 0, err
	}
	if !set {
		if requireCode {
			return protocol.SecurityCodeRequired, nil
		}
		return protocol.AuthenticationNotRequired, nil
	}

	attempts, err := st.Attempts(ctx, kind)
	if err != nil {
		return 0, err
	}
	if policy.MaximumAttempts > 0 && attempts >= policy.MaximumAttempts {
		return protocol.CodeEntryLockedRecoverable, nil
	}

	if fingerprintsEnrolled {
		return protocol.CanAuthenticate, nil
	}
	return protocol.CanAuthenticateSecurityCode, nil
}

// LockoutError maps a locked availability onto the error surfaced to clients.
func LockoutError(a protocol.Availability) protocol.FlowError {
	switch a {
	case protocol.CodeEntryLockedPermanent, protocol.ManagerLockedPermanent:
		return protocol.ErrorPermanentlyLockedOut
	default:
		return protocol.ErrorLockedOut
	}
}
