// ABOUTME: Public operations of the authentication flow engine.
// ABOUTME: Validates callers and challenges, then drives the state machine in flow.go.

package authenticator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/halcyonos/devicelock/internal/authorization"
	"github.com/halcyonos/devicelock/internal/backend"
	"github.com/halcyonos/devicelock/internal/protocol"
	"github.com/halcyonos/devicelock/internal/session"
	"github.com/halcyonos/devicelock/internal/store"
)

// Engine errors returned to the calling client. Flow outcomes are signalled,
// not returned.
var (
	ErrInvalidChallenge = errors.New("challenge is not issued to this client")
	ErrNotActiveClient  = errors.New("caller does not own the active flow")
	ErrNoFlow           = errors.New("no flow in progress")
	ErrEvaluating       = errors.New("backend is evaluating; only cancel is accepted")
	ErrCodeLength       = errors.New("code length outside policy bounds")
	ErrNotPermitted     = errors.New("operation not valid in the current phase")
)

// FlowKind identifies which operation a flow serves.
type FlowKind int

const (
	FlowAuthenticate FlowKind = iota
	FlowPermission
	FlowChangeSecurity
	FlowChangeEncryption
	FlowClear
)

func (k FlowKind) String() string {
	switch k {
	case FlowAuthenticate:
		return "authenticate"
	case FlowPermission:
		return "permission"
	case FlowChangeSecurity:
		return "change-security-code"
	case FlowChangeEncryption:
		return "change-encryption-code"
	case FlowClear:
		return "clear-code"
	}
	return "unknown"
}

// request is one deferred engine request held in the single pending slot.
type request struct {
	kind      FlowKind
	client    protocol.Client
	challenge string
	methods   protocol.Methods
	message   string
	props     map[string]any
}

// Engine is the authentication flow engine for one authorizable object.
// All state is guarded by mu; concurrency is message arrival ordering, not
// shared mutable state.
type Engine struct {
	ctx     context.Context
	object  *session.Object
	auths   *authorization.Directory
	checker backend.CodeChecker
	store   store.Store
	logger  *slog.Logger

	// fingerprints reports whether fingerprint authentication is currently
	// usable; nil means never.
	fingerprints func(context.Context) bool

	mu      sync.Mutex
	flow    *flow
	pending *request
}

// NewEngine creates the engine and wires it into the object's cancel hook.
// auths holds every authorizer whose challenges the engine authenticates;
// tokens are minted through the authorizer that issued the challenge, so the
// issuing object honors them.
func NewEngine(ctx context.Context, object *session.Object, auths *authorization.Directory, checker backend.CodeChecker, st store.Store, logger *slog.Logger) *Engine {
	e := &Engine{
		ctx:     ctx,
		object:  object,
		auths:   auths,
		checker: checker,
		store:   st,
		logger:  logger.With("component", "authenticator"),
	}
	object.SetCancelHook(func(c protocol.Client) { e.cancelFor(c) })
	return e
}

// SetFingerprintSource installs the callback deciding whether fingerprint
// authentication can be offered.
func (e *Engine) SetFingerprintSource(fn func(context.Context) bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fingerprints = fn
}

// Authenticate starts an authentication flow for a previously issued
// challenge. On success the client receives Authenticated with a token bound
// to the challenge.
func (e *Engine) Authenticate(client protocol.Client, challengeCode string, methods protocol.Methods) error {
	if err := e.checkChallenge(client, challengeCode); err != nil {
		return err
	}
	return e.submit(&request{kind: FlowAuthenticate, client: client, challenge: challengeCode, methods: methods})
}

// RequestPermission prompts the user to approve an application action. The
// outcome is AuthenticationEnded(confirmed); no token is minted.
func (e *Engine) RequestPermission(client protocol.Client, message string, properties map[string]any, methods protocol.Methods) error {
	return e.submit(&request{kind: FlowPermission, client: client, methods: methods, message: message, props: properties})
}

// ChangeSecurityCode starts a security-code change flow: verify the current
// code, then enter and repeat a new one.
func (e *Engine) ChangeSecurityCode(client protocol.Client, challengeCode string) error {
	if err := e.checkChallenge(client, challengeCode); err != nil {
		return err
	}
	return e.submit(&request{kind: FlowChangeSecurity, client: client, challenge: challengeCode, methods: protocol.MethodSecurityCode})
}

// ChangeEncryptionCode starts a disk-encryption code change flow.
func (e *Engine) ChangeEncryptionCode(client protocol.Client, challengeCode string) error {
	if err := e.checkChallenge(client, challengeCode); err != nil {
		return err
	}
	return e.submit(&request{kind: FlowChangeEncryption, client: client, challenge: challengeCode, methods: protocol.MethodEncryptionCode})
}

// ClearCodes starts a clear-code flow: verify the current code, then remove it.
func (e *Engine) ClearCodes(client protocol.Client) error {
	return e.submit(&request{kind: FlowClear, client: client, methods: protocol.MethodSecurityCode})
}

// EnterSecurityCode submits a code entry for the active flow. Which code it
// is (current, new, repeated, suggested) depends on the phase.
func (e *Engine) EnterSecurityCode(client protocol.Client, code string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.flow == nil {
		return ErrNoFlow
	}
	if !sameClient(e.flow.client, client) {
		return ErrNotActiveClient
	}
	if e.flow.eval != nil {
		return ErrEvaluating
	}
	return e.enterCodeLocked(code)
}

// RequestSecurityCode re-queries a generated code suggestion during new-code
// entry. Only meaningful when the generation policy offers one.
func (e *Engine) RequestSecurityCode(client protocol.Client) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.flow == nil {
		return ErrNoFlow
	}
	if !sameClient(e.flow.client, client) {
		return ErrNotActiveClient
	}
	if e.flow.eval != nil {
		return ErrEvaluating
	}
	return e.suggestCodeLocked()
}

// Authorize accepts the flow through the Confirmation method: valid only
// while a flow is offering Confirmation.
func (e *Engine) Authorize(client protocol.Client) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.flow == nil {
		return ErrNoFlow
	}
	if !sameClient(e.flow.client, client) {
		return ErrNotActiveClient
	}
	if e.flow.eval != nil {
		return ErrEvaluating
	}
	if e.flow.phase != phaseAuthenticating || !e.flow.methods.Has(protocol.MethodConfirmation) {
		return ErrNotPermitted
	}
	e.succeedLocked(protocol.MethodConfirmation)
	return nil
}

// Cancel cancels the caller's flow. During an uninterruptible backend call
// the cancel is deferred and resolved by the success-wins rule.
func (e *Engine) Cancel(client protocol.Client) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.flow == nil || !sameClient(e.flow.client, client) {
		// Cancel of nothing is legal; it may race a terminal outcome.
		return nil
	}
	e.cancelLocked()
	return nil
}

// FingerprintVerified reports a successful sensor match for an enrolled
// fingerprint. Completes the flow when fingerprint is an active method.
func (e *Engine) FingerprintVerified() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.flow == nil || e.flow.eval != nil || e.flow.phase != phaseAuthenticating {
		return
	}
	if !e.flow.methods.Has(protocol.MethodFingerprint) {
		return
	}
	e.succeedLocked(protocol.MethodFingerprint)
}

// FingerprintFeedback forwards sensor acquisition feedback to the active
// client while fingerprint authentication is offered.
func (e *Engine) FingerprintFeedback(kind protocol.Feedback) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.flow == nil || e.flow.phase != phaseAuthenticating || !e.flow.methods.Has(protocol.MethodFingerprint) {
		return
	}
	e.flow.client.Feedback(kind, protocol.FeedbackData{}, e.flow.methods)
}

// cancelFor is the session layer's entry point: the client disconnected or
// its presenter withdrew. Treated identically to an explicit cancel.
func (e *Engine) cancelFor(client protocol.Client) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending != nil && sameClient(e.pending.client, client) {
		e.pending = nil
	}
	if e.flow != nil && sameClient(e.flow.client, client) {
		e.cancelLocked()
	}
}

// checkChallenge validates that the client holds the issued challenge it
// names, on whichever object issued it.
func (e *Engine) checkChallenge(client protocol.Client, challengeCode string) error {
	_, ch := e.auths.Resolve(client, challengeCode)
	if ch == nil || ch.Status != authorization.Issued {
		return ErrInvalidChallenge
	}
	return nil
}

// submit runs the arbitration rule: start immediately when idle; otherwise
// cancel the in-progress flow and park the request in the pending slot,
// replacing (and abort-notifying) any older pending request.
func (e *Engine) submit(req *request) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.flow == nil {
		e.startLocked(req)
		return nil
	}

	// A repeat of the in-progress or pending request is a no-op.
	if sameClient(e.flow.client, req.client) && e.flow.kind == req.kind && e.flow.challenge == req.challenge {
		return nil
	}
	if e.pending != nil {
		if sameClient(e.pending.client, req.client) && e.pending.kind == req.kind && e.pending.challenge == req.challenge {
			return nil
		}
		// The newer request wins the slot; the replaced one is aborted the
		// way its own flow would be.
		e.abortSignal(e.pending.client, protocol.ErrorCanceled)
	}
	e.pending = req
	e.cancelLocked()
	return nil
}

func sameClient(a, b protocol.Client) bool {
	return a.ConnectionID() == b.ConnectionID() && a.Path() == b.Path()
}
