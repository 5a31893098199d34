// ABOUTME: Authentication method bitset and availability enumeration.
// ABOUTME: Methods are combined per request and intersected with object policy.

package protocol

import "strings"

// Methods is a bitset of authentication methods a client is willing to
// accept, or an object is willing to offer.
type Methods uint32

const (
	// MethodSecurityCode authenticates with the device security code.
	MethodSecurityCode Methods = 1 << iota
	// MethodEncryptionCode authenticates with the disk-encryption code.
	MethodEncryptionCode
	// MethodFingerprint authenticates with an enrolled fingerprint.
	MethodFingerprint
	// MethodConfirmation accepts a bare user confirmation with no credential.
	MethodConfirmation
)

// AllMethods is every method the daemon knows about.
const AllMethods = MethodSecurityCode | MethodEncryptionCode | MethodFingerprint | MethodConfirmation

// Has reports whether every method in m is present in the set.
func (ms Methods) Has(m Methods) bool { return ms&m == m }

// Intersect returns the methods present in both sets.
func (ms Methods) Intersect(other Methods) Methods { return ms & other }

// String renders the set for logs, e.g. "security-code|confirmation".
func (ms Methods) String() string {
	if ms == 0 {
		return "none"
	}
	var parts []string
	if ms.Has(MethodSecurityCode) {
		parts = append(parts, "security-code")
	}
	if ms.Has(MethodEncryptionCode) {
		parts = append(parts, "encryption-code")
	}
	if ms.Has(MethodFingerprint) {
		parts = append(parts, "fingerprint")
	}
	if ms.Has(MethodConfirmation) {
		parts = append(parts, "confirmation")
	}
	return strings.Join(parts, "|")
}

// Availability describes whether an object can authenticate right now, and
// why not when it cannot.
type Availability int

const (
	// AuthenticationNotRequired means no code is set; the action succeeds
	// immediately, or with a bare confirmation prompt when requested.
	AuthenticationNotRequired Availability = iota
	// CanAuthenticate means authentication can proceed with any of the
	// offered methods.
	CanAuthenticate
	// CanAuthenticateSecurityCode means only the security code is currently
	// usable (e.g. fingerprint sensor unavailable).
	CanAuthenticateSecurityCode
	// SecurityCodeRequired means the action is impossible until a security
	// code has been set. Surfaced as unavailable, not as a lockout.
	SecurityCodeRequired
	// CodeEntryLockedRecoverable means the attempt budget is exhausted but
	// the lockout clears with time.
	CodeEntryLockedRecoverable
	// CodeEntryLockedPermanent means the attempt budget is exhausted and the
	// lockout does not clear on its own.
	CodeEntryLockedPermanent
	// ManagerLockedRecoverable means a device manager imposed a recoverable
	// lockout.
	ManagerLockedRecoverable
	// ManagerLockedPermanent means a device manager imposed a permanent
	// lockout.
	ManagerLockedPermanent
)

// Locked reports whether the availability is any lockout variant.
func (a Availability) Locked() bool {
	switch a {
	case CodeEntryLockedRecoverable, CodeEntryLockedPermanent, ManagerLockedRecoverable, ManagerLockedPermanent:
		return true
	}
	return false
}

func (a Availability) String() string {
	switch a {
	case AuthenticationNotRequired:
		return "not-required"
	case CanAuthenticate:
		return "can-authenticate"
	case CanAuthenticateSecurityCode:
		return "can-authenticate-security-code"
	case SecurityCodeRequired:
		return "security-code-required"
	case CodeEntryLockedRecoverable:
		return "locked-recoverable"
	case CodeEntryLockedPermanent:
		return "locked-permanent"
	case ManagerLockedRecoverable:
		return "manager-locked-recoverable"
	case ManagerLockedPermanent:
		return "manager-locked-permanent"
	}
	return "unknown"
}
