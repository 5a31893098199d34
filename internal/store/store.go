// ABOUTME: Store interface and data types for devicelock persistence.
// ABOUTME: Holds policy values, credential hashes and history, attempt counters, fingerprints.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Credential kinds. Each kind has its own hash, history, and attempt counter.
const (
	KindSecurity   = "security"
	KindEncryption = "encryption"
)

// CodeGeneration is the code-generation policy for new security codes.
type CodeGeneration int

const (
	// GenerationNone never offers a generated code.
	GenerationNone CodeGeneration = iota
	// GenerationOptional offers a generated code the user may discard.
	GenerationOptional
	// GenerationMandatory requires the user to take the generated code.
	GenerationMandatory
)

// Policy holds the persisted device-lock policy values. These survive daemon
// restarts and are shared across all flows.
type Policy struct {
	// MaximumAttempts bounds rejected code entries before lockout.
	// Zero means unbounded.
	MaximumAttempts int

	// MinimumLength and MaximumLength bound accepted code lengths.
	MinimumLength int
	MaximumLength int

	// CodeGeneration selects the generated-code policy for code changes.
	CodeGeneration CodeGeneration

	// MaximumAgeDays expires codes after this many days. Zero disables expiry.
	MaximumAgeDays int

	// HistoryLength is how many previous hashes a new code is checked against.
	// Zero disables the reuse check.
	HistoryLength int

	// AutomaticLocking is the idle window before the device locks itself.
	// Negative disables automatic locking.
	AutomaticLocking time.Duration

	// InputIsKeyboard selects an alphanumeric rather than numeric code entry.
	InputIsKeyboard bool

	// ManagerLock is a lockout imposed by a device manager, independent of
	// the attempt counter. Empty, "recoverable", or "permanent".
	ManagerLock string
}

// Credential is a stored code hash with its argon2id parameters.
type Credential struct {
	Kind    string
	Salt    []byte
	Hash    []byte
	Time    uint32
	Memory  uint32
	Threads uint8
	SetAt   time.Time
}

// Fingerprint is one enrolled fingerprint record.
type Fingerprint struct {
	ID         string
	Name       string
	Template   []byte
	AcquiredAt time.Time
}

// Store is the persistence boundary for the daemon. All methods are safe for
// concurrent use.
type Store interface {
	// Policy returns the current policy values.
	Policy(ctx context.Context) (Policy, error)

	// UpdatePolicy replaces the policy values and notifies watchers.
	UpdatePolicy(ctx context.Context, p Policy) error

	// WatchPolicy registers a callback invoked after every UpdatePolicy.
	WatchPolicy(fn func(Policy))

	// Credential returns the stored credential for kind, or ErrNotFound when
	// no code of that kind is set.
	Credential(ctx context.Context, kind string) (*Credential, error)

	// SetCredential stores a new credential, pushing the previous one onto
	// the history ring bounded by the policy's HistoryLength.
	SetCredential(ctx context.Context, c *Credential) error

	// ClearCredential removes the credential and its history for kind.
	ClearCredential(ctx context.Context, kind string) error

	// CredentialHistory returns previous credentials for kind, newest first.
	CredentialHistory(ctx context.Context, kind string) ([]*Credential, error)

	// Attempts returns the persisted attempt counter for kind.
	Attempts(ctx context.Context, kind string) (int, error)

	// SetAttempts overwrites the attempt counter for kind.
	SetAttempts(ctx context.Context, kind string, n int) error

	// ListFingerprints returns all enrolled fingerprints, oldest first.
	ListFingerprints(ctx context.Context) ([]*Fingerprint, error)

	// AddFingerprint stores a newly enrolled fingerprint.
	AddFingerprint(ctx context.Context, fp *Fingerprint) error

	// RenameFingerprint updates the display name of a fingerprint.
	RenameFingerprint(ctx context.Context, id, name string) error

	// RemoveFingerprint deletes a fingerprint. ErrNotFound when absent.
	RemoveFingerprint(ctx context.Context, id string) error

	// Close releases the underlying database.
	Close() error
}
