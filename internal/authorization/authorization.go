// ABOUTME: Challenge lifecycle for one authorizable object.
// ABOUTME: Issues, relinquishes, supersedes, and expires challenge codes.

package authorization

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/halcyonos/devicelock/internal/protocol"
)

// Challenge errors.
var (
	// ErrUnsupported means none of the requested methods are allowed for
	// this object; no challenge is issued.
	ErrUnsupported = errors.New("no requested authentication method is supported")
	// ErrChallengeNotIssued means a token's originating challenge is no
	// longer in the issued state.
	ErrChallengeNotIssued = errors.New("challenge is not issued")
)

// Status is the lifecycle state of a challenge.
type Status int

const (
	// NoChallenge means the client holds no challenge on this object.
	NoChallenge Status = iota
	// Requesting means issuance is in progress.
	Requesting
	// Issued means the challenge is live and its tokens are honored.
	Issued
)

// Challenge tracks one pending authorization request.
type Challenge struct {
	Code           string
	AllowedMethods protocol.Methods
	RequesterPID   uint32
	Status         Status

	client protocol.Client
}

// clientKey identifies a client object across connections.
type clientKey struct {
	connection string
	path       string
}

// Authorizer manages challenges for a single authorizable object. Exactly
// one live challenge exists per (object, client) pair.
type Authorizer struct {
	object  string
	allowed protocol.Methods
	tokens  *TokenMinter
	logger  *slog.Logger

	mu         sync.Mutex
	challenges map[clientKey]*Challenge
	byCode     map[string]clientKey
}

// NewAuthorizer creates an authorizer for one object. allowed is the
// object's full method set; zero means the object never requires
// authentication. All authorizers of a daemon share one TokenMinter so a
// token can be checked by the object that consumes it.
func NewAuthorizer(object string, allowed protocol.Methods, tokens *TokenMinter, logger *slog.Logger) *Authorizer {
	return &Authorizer{
		object:     object,
		allowed:    allowed,
		tokens:     tokens,
		logger:     logger.With("component", "authorization", "object", object),
		challenges: make(map[clientKey]*Challenge),
		byCode:     make(map[string]clientKey),
	}
}

func keyFor(client protocol.Client) clientKey {
	return clientKey{connection: client.ConnectionID(), path: client.Path()}
}

// RequestChallenge issues a challenge for client. The allowed methods are
// the intersection of the object's methods and the requested ones; an empty
// intersection fails with ErrUnsupported and issues nothing. The reply is
// immediate; no authentication happens here.
func (a *Authorizer) RequestChallenge(client protocol.Client, requested protocol.Methods, pid uint32) (code string, allowed protocol.Methods, err error) {
	allowed = a.allowed.Intersect(requested)
	if allowed == 0 {
		return "", 0, ErrUnsupported
	}

	ch := &Challenge{
		Code:           uuid.New().String(),
		AllowedMethods: allowed,
		RequesterPID:   pid,
		Status:         Requesting,
		client:         client,
	}

	a.mu.Lock()
	key := keyFor(client)

	// A new request supersedes any live challenge from the same client. The
	// superseded challenge was invalidated by the daemon, not relinquished,
	// so the client is told.
	old, hadOld := a.challenges[key]
	if hadOld {
		old.Status = NoChallenge
		delete(a.byCode, old.Code)
	}

	a.challenges[key] = ch
	a.byCode[ch.Code] = key
	ch.Status = Issued
	a.mu.Unlock()

	if hadOld {
		client.ChallengeExpired()
	}

	a.logger.Info("challenge issued", "client", key.path, "pid", pid, "methods", allowed.String())
	return ch.Code, allowed, nil
}

// RelinquishChallenge invalidates the client's challenge. Idempotent, and a
// no-op on objects that never require authentication.
func (a *Authorizer) RelinquishChallenge(client protocol.Client) {
	if a.allowed == 0 {
		return
	}

	a.mu.Lock()
	key := keyFor(client)
	ch, ok := a.challenges[key]
	if ok {
		ch.Status = NoChallenge
		delete(a.challenges, key)
		delete(a.byCode, ch.Code)
	}
	a.mu.Unlock()

	if ok {
		a.logger.Info("challenge relinquished", "client", key.path)
	}
}

// DropConnection invalidates every challenge issued to the given connection.
// The connection is gone, so no ChallengeExpired signal is sent.
func (a *Authorizer) DropConnection(connectionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for key, ch := range a.challenges {
		if key.connection == connectionID {
			ch.Status = NoChallenge
			delete(a.challenges, key)
			delete(a.byCode, ch.Code)
		}
	}
}

// ExpireAll invalidates every live challenge and notifies each holder. Used
// on daemon-side resets.
func (a *Authorizer) ExpireAll() {
	a.mu.Lock()
	expired := make([]*Challenge, 0, len(a.challenges))
	for key, ch := range a.challenges {
		ch.Status = NoChallenge
		expired = append(expired, ch)
		delete(a.challenges, key)
		delete(a.byCode, ch.Code)
	}
	a.mu.Unlock()

	for _, ch := range expired {
		ch.client.ChallengeExpired()
	}
}

// ChallengeFor returns the client's live challenge, or nil.
func (a *Authorizer) ChallengeFor(client protocol.Client) *Challenge {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.challenges[keyFor(client)]
}

// Lookup returns the live challenge with the given code, or nil.
func (a *Authorizer) Lookup(code string) *Challenge {
	a.mu.Lock()
	defer a.mu.Unlock()
	key, ok := a.byCode[code]
	if !ok {
		return nil
	}
	return a.challenges[key]
}

// MintToken produces an authentication token bound to the challenge and the
// method that authenticated it.
func (a *Authorizer) MintToken(code string, method protocol.Methods) (string, error) {
	return a.tokens.Mint(code, method)
}

// Authorize verifies a token presented to a privileged operation: the
// signature must check out and the originating challenge must still be
// issued. This is the gate every privileged operation runs before honoring a
// token.
func (a *Authorizer) Authorize(token string) error {
	if a.allowed == 0 {
		return nil
	}

	code, _, err := a.tokens.Verify(token)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	key, ok := a.byCode[code]
	if !ok {
		return ErrChallengeNotIssued
	}
	if ch := a.challenges[key]; ch == nil || ch.Status != Issued {
		return ErrChallengeNotIssued
	}
	return nil
}
