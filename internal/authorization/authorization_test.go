// ABOUTME: Tests for challenge lifecycle and token scoping.
// ABOUTME: Verifies issuance, supersession, relinquish, and the challenge-still-issued gate.

package authorization

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonos/devicelock/internal/protocol"
)

// fakeClient records the signals it receives.
type fakeClient struct {
	conn    string
	path    string
	expired int
}

func (f *fakeClient) ConnectionID() string { return f.conn }
func (f *fakeClient) Path() string         { return f.path }
func (f *fakeClient) AuthenticationStarted(uint32, protocol.Methods, protocol.Feedback, protocol.FeedbackData) {
}
func (f *fakeClient) AuthenticationUnavailable(uint32, protocol.FlowError)             {}
func (f *fakeClient) AuthenticationEvaluating()                                        {}
func (f *fakeClient) AuthenticationEnded(bool)                                         {}
func (f *fakeClient) Feedback(protocol.Feedback, protocol.FeedbackData, protocol.Methods) {}
func (f *fakeClient) Error(protocol.FlowError)                                         {}
func (f *fakeClient) Authenticated(string)                                             {}
func (f *fakeClient) Aborted()                                                         {}
func (f *fakeClient) ChallengeExpired()                                                { f.expired++ }

func newAuthorizer(t *testing.T, allowed protocol.Methods) *Authorizer {
	t.Helper()
	minter, err := NewTokenMinter(nil, 0)
	require.NoError(t, err)
	return NewAuthorizer("authenticator", allowed, minter, slog.Default())
}

func TestRequestChallengeIntersectsMethods(t *testing.T) {
	a := newAuthorizer(t, protocol.MethodSecurityCode|protocol.MethodFingerprint)
	client := &fakeClient{conn: "c1", path: "/client/1"}

	code, allowed, err := a.RequestChallenge(client, protocol.MethodSecurityCode|protocol.MethodConfirmation, 100)
	require.NoError(t, err)
	assert.NotEmpty(t, code)
	assert.Equal(t, protocol.MethodSecurityCode, allowed)

	ch := a.ChallengeFor(client)
	require.NotNil(t, ch)
	assert.Equal(t, Issued, ch.Status)
	assert.Equal(t, uint32(100), ch.RequesterPID)
}

func TestRequestChallengeEmptyIntersection(t *testing.T) {
	a := newAuthorizer(t, protocol.MethodSecurityCode)
	client := &fakeClient{conn: "c1", path: "/client/1"}

	_, _, err := a.RequestChallenge(client, protocol.MethodFingerprint, 100)
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.Nil(t, a.ChallengeFor(client))
}

func TestRequestChallengeSupersedes(t *testing.T) {
	a := newAuthorizer(t, protocol.AllMethods)
	client := &fakeClient{conn: "c1", path: "/client/1"}

	first, _, err := a.RequestChallenge(client, protocol.MethodSecurityCode, 100)
	require.NoError(t, err)
	second, _, err := a.RequestChallenge(client, protocol.MethodSecurityCode, 100)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, 1, client.expired, "superseded challenge is daemon-invalidated")
	assert.Nil(t, a.Lookup(first))
	assert.NotNil(t, a.Lookup(second))
}

func TestRelinquishIsIdempotent(t *testing.T) {
	a := newAuthorizer(t, protocol.AllMethods)
	client := &fakeClient{conn: "c1", path: "/client/1"}

	code, _, err := a.RequestChallenge(client, protocol.MethodSecurityCode, 100)
	require.NoError(t, err)

	a.RelinquishChallenge(client)
	a.RelinquishChallenge(client)

	assert.Nil(t, a.Lookup(code))
	assert.Equal(t, 0, client.expired, "relinquish is not an expiry")
}

func TestTokenScopedToIssuedChallenge(t *testing.T) {
	a := newAuthorizer(t, protocol.AllMethods)
	client := &fakeClient{conn: "c1", path: "/client/1"}

	code, _, err := a.RequestChallenge(client, protocol.MethodSecurityCode, 100)
	require.NoError(t, err)

	token, err := a.MintToken(code, protocol.MethodSecurityCode)
	require.NoError(t, err)
	require.NoError(t, a.Authorize(token))

	// Once the challenge leaves Issued the token must be rejected.
	a.RelinquishChallenge(client)
	assert.ErrorIs(t, a.Authorize(token), ErrChallengeNotIssued)
}

func TestTokenRejectedAfterSupersession(t *testing.T) {
	a := newAuthorizer(t, protocol.AllMethods)
	client := &fakeClient{conn: "c1", path: "/client/1"}

	code, _, err := a.RequestChallenge(client, protocol.MethodSecurityCode, 100)
	require.NoError(t, err)
	token, err := a.MintToken(code, protocol.MethodSecurityCode)
	require.NoError(t, err)

	_, _, err = a.RequestChallenge(client, protocol.MethodSecurityCode, 100)
	require.NoError(t, err)

	assert.ErrorIs(t, a.Authorize(token), ErrChallengeNotIssued)
}

func TestTokenRejectedAcrossMinters(t *testing.T) {
	a := newAuthorizer(t, protocol.AllMethods)
	client := &fakeClient{conn: "c1", path: "/client/1"}

	code, _, err := a.RequestChallenge(client, protocol.MethodSecurityCode, 100)
	require.NoError(t, err)

	otherMinter, err := NewTokenMinter([]byte("different secret entirely..........."), 0)
	require.NoError(t, err)
	forged, err := otherMinter.Mint(code, protocol.MethodSecurityCode)
	require.NoError(t, err)

	assert.Error(t, a.Authorize(forged))
}

func TestDropConnectionInvalidatesQuietly(t *testing.T) {
	a := newAuthorizer(t, protocol.AllMethods)
	client := &fakeClient{conn: "c1", path: "/client/1"}
	other := &fakeClient{conn: "c2", path: "/client/1"}

	code1, _, err := a.RequestChallenge(client, protocol.MethodSecurityCode, 100)
	require.NoError(t, err)
	code2, _, err := a.RequestChallenge(other, protocol.MethodSecurityCode, 200)
	require.NoError(t, err)

	a.DropConnection("c1")

	assert.Nil(t, a.Lookup(code1))
	assert.NotNil(t, a.Lookup(code2))
	assert.Equal(t, 0, client.expired, "no signal to a dropped connection")
}

func TestExpireAllNotifiesHolders(t *testing.T) {
	a := newAuthorizer(t, protocol.AllMethods)
	client := &fakeClient{conn: "c1", path: "/client/1"}

	code, _, err := a.RequestChallenge(client, protocol.MethodSecurityCode, 100)
	require.NoError(t, err)

	a.ExpireAll()

	assert.Nil(t, a.Lookup(code))
	assert.Equal(t, 1, client.expired)
}

func TestNoAuthenticationObjectAuthorizesAnything(t *testing.T) {
	a := newAuthorizer(t, 0)
	client := &fakeClient{conn: "c1", path: "/client/1"}

	// Never-authenticating objects: relinquish no-ops, authorize passes.
	a.RelinquishChallenge(client)
	assert.NoError(t, a.Authorize("anything"))
}

func TestConcurrentChallengeLifecycle(t *testing.T) {
	a := newAuthorizer(t, protocol.AllMethods)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		client := &fakeClient{conn: fmt.Sprintf("c%d", i), path: "/client/1"}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _, err := a.RequestChallenge(client, protocol.MethodSecurityCode, 1)
				assert.NoError(t, err)
				a.RelinquishChallenge(client)
			}
		}()
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		client := &fakeClient{conn: fmt.Sprintf("c%d", i), path: "/client/1"}
		assert.Nil(t, a.ChallengeFor(client))
	}
}

func TestDirectoryResolvesAcrossObjects(t *testing.T) {
	minter, err := NewTokenMinter(nil, 0)
	require.NoError(t, err)
	auth := NewAuthorizer("authenticator", protocol.AllMethods, minter, slog.Default())
	fp := NewAuthorizer("fingerprint", protocol.AllMethods, minter, slog.Default())
	dir := NewDirectory(auth, fp)

	client := &fakeClient{conn: "c1", path: "/client/1"}
	code, _, err := fp.RequestChallenge(client, protocol.MethodSecurityCode, 1)
	require.NoError(t, err)

	issuer, ch := dir.Resolve(client, code)
	require.NotNil(t, ch)
	assert.Same(t, fp, issuer)
	assert.Equal(t, Issued, ch.Status)

	// A code nobody issued, or a holder mismatch, resolves to nothing.
	_, ch = dir.Resolve(client, "never-issued")
	assert.Nil(t, ch)
	_, ch = dir.Resolve(&fakeClient{conn: "c2", path: "/client/1"}, code)
	assert.Nil(t, ch)

	issuer, ch = dir.Lookup(code)
	require.NotNil(t, ch)
	assert.Same(t, fp, issuer)
}

func TestTokenLifetimeHonored(t *testing.T) {
	// A negative lifetime mints tokens that are already expired, which makes
	// the configured lifetime observable without sleeping.
	minter, err := NewTokenMinter(nil, -time.Minute)
	require.NoError(t, err)

	token, err := minter.Mint("challenge-code", protocol.MethodSecurityCode)
	require.NoError(t, err)

	_, _, err = minter.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerifyRoundTrip(t *testing.T) {
	minter, err := NewTokenMinter(nil, 0)
	require.NoError(t, err)

	token, err := minter.Mint("challenge-code", protocol.MethodFingerprint)
	require.NoError(t, err)

	code, method, err := minter.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "challenge-code", code)
	assert.Equal(t, protocol.MethodFingerprint, method)
}
