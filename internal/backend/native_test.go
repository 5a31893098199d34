// ABOUTME: Tests for the native credential backend.
// ABOUTME: Covers attempt counting, lockout, history reuse, expiry, and async rekeying.

package backend

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonos/devicelock/internal/protocol"
	"github.com/halcyonos/devicelock/internal/store"
)

func newNative(t *testing.T) (*Native, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewNative(st, nil, slog.Default()), st
}

func result(t *testing.T, call *Call) CheckResult {
	t.Helper()
	select {
	case res := <-call.Done():
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("backend call did not resolve")
		return CheckResult{}
	}
}

func TestCheckCodeNoCodeSet(t *testing.T) {
	n, _ := newNative(t)

	res := result(t, n.CheckCode(context.Background(), "1234"))
	assert.Equal(t, OutcomeSuccess, res.Outcome)
}

func TestSetAndCheckCode(t *testing.T) {
	n, _ := newNative(t)
	ctx := context.Background()

	res := result(t, n.SetCode(ctx, "", "1234"))
	require.Equal(t, OutcomeSuccess, res.Outcome)

	set, err := n.CodeSet(ctx, store.KindSecurity)
	require.NoError(t, err)
	assert.True(t, set)

	res = result(t, n.CheckCode(ctx, "1234"))
	assert.Equal(t, OutcomeSuccess, res.Outcome)

	res = result(t, n.CheckCode(ctx, "4321"))
	assert.Equal(t, OutcomeFailure, res.Outcome)
	assert.Equal(t, 1, res.AttemptsUsed)
}

func TestAttemptCountingAndReset(t *testing.T) {
	n, st := newNative(t)
	ctx := context.Background()

	require.Equal(t, OutcomeSuccess, result(t, n.SetCode(ctx, "", "1234")).Outcome)

	for i := 1; i <= 3; i++ {
		res := result(t, n.CheckCode(ctx, "wrong"))
		assert.Equal(t, OutcomeFailure, res.Outcome)
		assert.Equal(t, i, res.AttemptsUsed, "attempt %d", i)
	}

	// A correct entry resets the persisted counter to zero.
	res := result(t, n.CheckCode(ctx, "1234"))
	assert.Equal(t, OutcomeSuccess, res.Outcome)

	attempts, err := st.Attempts(ctx, store.KindSecurity)
	require.NoError(t, err)
	assert.Equal(t, 0, attempts)
}

func TestLockoutAtMaximum(t *testing.T) {
	n, st := newNative(t)
	ctx := context.Background()

	p, err := st.Policy(ctx)
	require.NoError(t, err)
	p.MaximumAttempts = 2
	require.NoError(t, st.UpdatePolicy(ctx, p))

	require.Equal(t, OutcomeSuccess, result(t, n.SetCode(ctx, "", "1234")).Outcome)

	assert.Equal(t, OutcomeFailure, result(t, n.CheckCode(ctx, "a")).Outcome)
	res := result(t, n.CheckCode(ctx, "b"))
	assert.Equal(t, OutcomeFailure, res.Outcome)
	assert.Equal(t, 2, res.AttemptsUsed)

	// The budget is spent: even the correct code is refused now.
	assert.Equal(t, OutcomeLockedOut, result(t, n.CheckCode(ctx, "1234")).Outcome)
}

func TestManagerLockRefusesEntry(t *testing.T) {
	n, st := newNative(t)
	ctx := context.Background()

	require.Equal(t, OutcomeSuccess, result(t, n.SetCode(ctx, "", "1234")).Outcome)

	p, err := st.Policy(ctx)
	require.NoError(t, err)
	p.ManagerLock = "permanent"
	require.NoError(t, st.UpdatePolicy(ctx, p))

	assert.Equal(t, OutcomeLockedOut, result(t, n.CheckCode(ctx, "1234")).Outcome)
}

func TestSetCodeRejectsHistory(t *testing.T) {
	n, st := newNative(t)
	ctx := context.Background()

	p, err := st.Policy(ctx)
	require.NoError(t, err)
	p.HistoryLength = 2
	require.NoError(t, st.UpdatePolicy(ctx, p))

	require.Equal(t, OutcomeSuccess, result(t, n.SetCode(ctx, "", "1111")).Outcome)
	require.Equal(t, OutcomeSuccess, result(t, n.SetCode(ctx, "1111", "2222")).Outcome)

	// Reusing the current or a recent code is refused.
	assert.Equal(t, OutcomeInHistory, result(t, n.SetCode(ctx, "2222", "2222")).Outcome)
	assert.Equal(t, OutcomeInHistory, result(t, n.SetCode(ctx, "2222", "1111")).Outcome)

	assert.Equal(t, OutcomeSuccess, result(t, n.SetCode(ctx, "2222", "3333")).Outcome)
}

func TestExpiredCode(t *testing.T) {
	n, st := newNative(t)
	ctx := context.Background()

	p, err := st.Policy(ctx)
	require.NoError(t, err)
	p.MaximumAgeDays = 30
	require.NoError(t, st.UpdatePolicy(ctx, p))

	require.Equal(t, OutcomeSuccess, result(t, n.SetCode(ctx, "", "1234")).Outcome)

	// Backdate the credential past the expiry window.
	cred, err := st.Credential(ctx, store.KindSecurity)
	require.NoError(t, err)
	cred.SetAt = time.Now().UTC().Add(-31 * 24 * time.Hour)
	require.NoError(t, st.SetCredential(ctx, cred))

	res := result(t, n.CheckCode(ctx, "1234"))
	assert.Equal(t, OutcomeExpired, res.Outcome)

	// The code was still correct, so the attempt counter is reset.
	attempts, err := st.Attempts(ctx, store.KindSecurity)
	require.NoError(t, err)
	assert.Equal(t, 0, attempts)
}

func TestClearCodeVerifiesFirst(t *testing.T) {
	n, _ := newNative(t)
	ctx := context.Background()

	require.Equal(t, OutcomeSuccess, result(t, n.SetCode(ctx, "", "1234")).Outcome)

	res := result(t, n.ClearCode(ctx, "wrong"))
	assert.Equal(t, OutcomeFailure, res.Outcome)

	set, err := n.CodeSet(ctx, store.KindSecurity)
	require.NoError(t, err)
	assert.True(t, set)

	assert.Equal(t, OutcomeSuccess, result(t, n.ClearCode(ctx, "1234")).Outcome)

	set, err = n.CodeSet(ctx, store.KindSecurity)
	require.NoError(t, err)
	assert.False(t, set)
}

func TestClearCodeWithExpiredCode(t *testing.T) {
	n, st := newNative(t)
	ctx := context.Background()

	p, err := st.Policy(ctx)
	require.NoError(t, err)
	p.MaximumAgeDays = 30
	require.NoError(t, st.UpdatePolicy(ctx, p))

	require.Equal(t, OutcomeSuccess, result(t, n.SetCode(ctx, "", "1234")).Outcome)

	cred, err := st.Credential(ctx, store.KindSecurity)
	require.NoError(t, err)
	cred.SetAt = time.Now().UTC().Add(-31 * 24 * time.Hour)
	require.NoError(t, st.SetCredential(ctx, cred))

	// The code is correct but age-expired; clearing it moots the expiry.
	assert.Equal(t, OutcomeSuccess, result(t, n.ClearCode(ctx, "1234")).Outcome)

	set, err := n.CodeSet(ctx, store.KindSecurity)
	require.NoError(t, err)
	assert.False(t, set)
}

func TestSetEncryptionCodeWithRekeyResolvesAsync(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer st.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	n := NewNative(st, func(ctx context.Context, oldCode, newCode string) error {
		close(started)
		<-release
		return nil
	}, slog.Default())

	call := n.SetEncryptionCode(context.Background(), "", "9999")

	// Unresolved while the rekey is in flight: this is the engine's
	// Evaluating state.
	<-started
	_, resolved := call.TryResult()
	assert.False(t, resolved)

	close(release)
	res := result(t, call)
	assert.Equal(t, OutcomeSuccess, res.Outcome)

	set, err := n.CodeSet(context.Background(), store.KindEncryption)
	require.NoError(t, err)
	assert.True(t, set)
}

func TestGenerateCodeHonorsPolicy(t *testing.T) {
	p := store.Policy{MinimumLength: 6, MaximumLength: 8}
	code, err := GenerateCode(p)
	require.NoError(t, err)
	assert.Len(t, code, 6)
	for _, r := range code {
		assert.True(t, r >= '0' && r <= '9', "numeric policy produced %q", code)
	}

	p.InputIsKeyboard = true
	code, err = GenerateCode(p)
	require.NoError(t, err)
	assert.Len(t, code, 6)
}

func TestAvailabilityRequireCode(t *testing.T) {
	n, st := newNative(t)
	ctx := context.Background()

	// A flow that cannot run without a stored code sees SecurityCodeRequired,
	// not pass-through, while no code is set.
	avail, err := Availability(ctx, st, n, store.KindSecurity, true, false)
	require.NoError(t, err)
	assert.Equal(t, protocol.SecurityCodeRequired, avail)

	avail, err = Availability(ctx, st, n, store.KindSecurity, false, false)
	require.NoError(t, err)
	assert.Equal(t, protocol.AuthenticationNotRequired, avail)

	require.Equal(t, OutcomeSuccess, result(t, n.SetCode(ctx, "", "1234")).Outcome)

	avail, err = Availability(ctx, st, n, store.KindSecurity, true, false)
	require.NoError(t, err)
	assert.Equal(t, protocol.CanAuthenticateSecurityCode, avail)
}
