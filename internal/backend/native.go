// ABOUTME: In-process credential backend backed by the sqlite store.
// ABOUTME: Hashes codes with argon2id and owns the persisted attempt counter.

package backend

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"io"
	"log/slog"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/halcyonos/devicelock/internal/store"
)

// argon2id parameters for newly stored credentials. Stored parameters are
// read back per credential, so these can change without invalidating old
// hashes.
const (
	hashTime    uint32 = 3
	hashMemory  uint32 = 64 * 1024
	hashThreads uint8  = 4
	saltLength         = 16
	keyLength          = 32
)

// RekeyFunc performs the disk-encryption rekeying for a new encryption code.
// It runs on its own goroutine; the engine sees the operation as Evaluating
// until it returns.
type RekeyFunc func(ctx context.Context, oldCode, newCode string) error

// Native is the in-process CodeChecker. Codes are stored as argon2id hashes
// in the sqlite store; the attempt counter lives there too, so it survives
// daemon restarts.
type Native struct {
	store  store.Store
	rekey  RekeyFunc
	logger *slog.Logger
}

// NewNative creates the native backend. rekey may be nil when the platform
// performs no disk-encryption rekeying; SetEncryptionCode then commits
// synchronously.
func NewNative(st store.Store, rekey RekeyFunc, logger *slog.Logger) *Native {
	return &Native{
		store:  st,
		rekey:  rekey,
		logger: logger.With("component", "backend"),
	}
}

// CodeSet reports whether a code of the given kind is currently set.
func (n *Native) CodeSet(ctx context.Context, kind string) (bool, error) {
	_, err := n.store.Credential(ctx, kind)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CheckCode verifies a security code against the stored hash.
func (n *Native) CheckCode(ctx context.Context, code string) *Call {
	return Resolved(n.check(ctx, store.KindSecurity, code))
}

// CheckEncryptionCode verifies the disk-encryption code.
func (n *Native) CheckEncryptionCode(ctx context.Context, code string) *Call {
	return Resolved(n.check(ctx, store.KindEncryption, code))
}

func (n *Native) check(ctx context.Context, kind, code string) CheckResult {
	policy, err := n.store.Policy(ctx)
	if err != nil {
		n.logger.Error("reading policy", "error", err)
		return CheckResult{Outcome: OutcomeError}
	}
	if policy.ManagerLock != "" {
		return CheckResult{Outcome: OutcomeLockedOut}
	}

	cred, err := n.store.Credential(ctx, kind)
	if err == store.ErrNotFound {
		// No code set: nothing to verify.
		return CheckResult{Outcome: OutcomeSuccess}
	}
	if err != nil {
		n.logger.Error("reading credential", "kind", kind, "error", err)
		return CheckResult{Outcome: OutcomeError}
	}

	attempts, err := n.store.Attempts(ctx, kind)
	if err != nil {
		n.logger.Error("reading attempts", "kind", kind, "error", err)
		return CheckResult{Outcome: OutcomeError}
	}
	if policy.MaximumAttempts > 0 && attempts >= policy.MaximumAttempts {
		return CheckResult{Outcome: OutcomeLockedOut, AttemptsUsed: attempts}
	}

	if !verify(cred, code) {
		attempts++
		if err := n.store.SetAttempts(ctx, kind, attempts); err != nil {
			n.logger.Error("writing attempts", "kind", kind, "error", err)
			return CheckResult{Outcome: OutcomeError}
		}
		n.logger.Info("code rejected", "kind", kind, "attempts", attempts)
		return CheckResult{Outcome: OutcomeFailure, AttemptsUsed: attempts}
	}

	// A verified-correct entry is the only thing that resets the counter.
	if err := n.store.SetAttempts(ctx, kind, 0); err != nil {
		n.logger.Error("resetting attempts", "kind", kind, "error", err)
		return CheckResult{Outcome: OutcomeError}
	}

	if policy.MaximumAgeDays > 0 {
		age := time.Since(cred.SetAt)
		if age > time.Duration(policy.MaximumAgeDays)*24*time.Hour {
			return CheckResult{Outcome: OutcomeExpired}
		}
	}
	return CheckResult{Outcome: OutcomeSuccess}
}

// SetCode replaces the security code, enforcing the reuse history policy.
func (n *Native) SetCode(ctx context.Context, oldCode, newCode string) *Call {
	return Resolved(n.set(ctx, store.KindSecurity, newCode))
}

// SetEncryptionCode rekeys the disk encryption and then commits the new code
// hash. With a rekey hook configured the call resolves asynchronously.
func (n *Native) SetEncryptionCode(ctx context.Context, oldCode, newCode string) *Call {
	if res := n.historyCheck(ctx, store.KindEncryption, newCode); res != nil {
		return Resolved(*res)
	}
	if n.rekey == nil {
		return Resolved(n.set(ctx, store.KindEncryption, newCode))
	}

	call := NewCall()
	go func() {
		if err := n.rekey(ctx, oldCode, newCode); err != nil {
			n.logger.Error("encryption rekey failed", "error", err)
			call.Resolve(CheckResult{Outcome: OutcomeError})
			return
		}
		call.Resolve(n.set(ctx, store.KindEncryption, newCode))
	}()
	return call
}

// historyCheck returns a non-nil result when the new code is rejected by the
// reuse policy.
func (n *Native) historyCheck(ctx context.Context, kind, newCode string) *CheckResult {
	history, err := n.store.CredentialHistory(ctx, kind)
	if err != nil {
		n.logger.Error("reading history", "kind", kind, "error", err)
		return &CheckResult{Outcome: OutcomeError}
	}
	if cur, err := n.store.Credential(ctx, kind); err == nil {
		history = append(history, cur)
	}
	for _, old := range history {
		if verify(old, newCode) {
			return &CheckResult{Outcome: OutcomeInHistory}
		}
	}
	return nil
}

func (n *Native) set(ctx context.Context, kind, newCode string) CheckResult {
	if res := n.historyCheck(ctx, kind, newCode); res != nil {
		return *res
	}

	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		n.logger.Error("generating salt", "error", err)
		return CheckResult{Outcome: OutcomeError}
	}

	cred := &store.Credential{
		Kind:    kind,
		Salt:    salt,
		Hash:    argon2.IDKey([]byte(newCode), salt, hashTime, hashMemory, hashThreads, keyLength),
		Time:    hashTime,
		Memory:  hashMemory,
		Threads: hashThreads,
		SetAt:   time.Now().UTC(),
	}
	if err := n.store.SetCredential(ctx, cred); err != nil {
		n.logger.Error("storing credential", "kind", kind, "error", err)
		return CheckResult{Outcome: OutcomeError}
	}
	if err := n.store.SetAttempts(ctx, kind, 0); err != nil {
		n.logger.Error("resetting attempts", "kind", kind, "error", err)
		return CheckResult{Outcome: OutcomeError}
	}
	n.logger.Info("code changed", "kind", kind)
	return CheckResult{Outcome: OutcomeSuccess}
}

// ClearCode verifies and then removes the security code. An age-expired code
// still verifies here; clearing it moots the expiry.
func (n *Native) ClearCode(ctx context.Context, code string) *Call {
	res := n.check(ctx, store.KindSecurity, code)
	if res.Outcome != OutcomeSuccess && res.Outcome != OutcomeExpired {
		return Resolved(res)
	}
	if err := n.store.ClearCredential(ctx, store.KindSecurity); err != nil {
		n.logger.Error("clearing credential", "error", err)
		return Resolved(CheckResult{Outcome: OutcomeError})
	}
	n.logger.Info("code cleared", "kind", store.KindSecurity)
	return Resolved(CheckResult{Outcome: OutcomeSuccess})
}

// verify compares a code against a stored credential using its recorded
// argon2id parameters.
func verify(cred *store.Credential, code string) bool {
	hash := argon2.IDKey([]byte(code), cred.Salt, cred.Time, cred.Memory, cred.Threads, uint32(len(cred.Hash)))
	return subtle.ConstantTimeCompare(hash, cred.Hash) == 1
}

var _ CodeChecker = (*Native)(nil)
