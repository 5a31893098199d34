// ABOUTME: State machine internals of the authentication flow engine.
// ABOUTME: Phase transitions, backend call handling, deferred cancel, and terminal outcomes.

package authenticator

import (
	"github.com/halcyonos/devicelock/internal/authorization"
	"github.com/halcyonos/devicelock/internal/backend"
	"github.com/halcyonos/devicelock/internal/protocol"
	"github.com/halcyonos/devicelock/internal/store"
)

// phase is the engine's position inside one flow.
type phase int

const (
	phaseAuthenticating phase = iota // waiting for the current code (or confirmation)
	phaseEnteringNewCode
	phaseRepeatingNewCode
	phaseSuggestingCode
)

// evaluation marks an outstanding backend call. While non-nil the flow is
// uninterruptible: the only accepted input is a cancel, which is recorded
// here and resolved when the call completes.
type evaluation struct {
	cancelRequested bool
}

// flow is one in-progress authentication, change, or clear interaction.
type flow struct {
	kind      FlowKind
	client    protocol.Client
	challenge string
	methods   protocol.Methods
	pid       uint32
	phase     phase

	// auth issued the flow's challenge; nil for challenge-less flows.
	auth *authorization.Authorizer

	// Secret buffers, dropped on every terminal outcome.
	currentCode string
	newCode     string
	suggested   string

	eval *evaluation
}

// credentialKind selects which stored credential a flow verifies against.
func (f *flow) credentialKind() string {
	switch f.kind {
	case FlowChangeEncryption:
		return store.KindEncryption
	case FlowAuthenticate, FlowPermission:
		if !f.methods.Has(protocol.MethodSecurityCode) && f.methods.Has(protocol.MethodEncryptionCode) {
			return store.KindEncryption
		}
	}
	return store.KindSecurity
}

func credentialMethod(kind string) protocol.Methods {
	if kind == store.KindEncryption {
		return protocol.MethodEncryptionCode
	}
	return protocol.MethodSecurityCode
}

// startLocked begins a flow for req, or signals why it cannot start.
// Callers hold e.mu.
func (e *Engine) startLocked(req *request) {
	var pid uint32
	var issuer *authorization.Authorizer
	if req.challenge != "" {
		if a, ch := e.auths.Lookup(req.challenge); ch != nil {
			issuer = a
			pid = ch.RequesterPID
		}
	}

	if !e.object.Claim(req.client) {
		req.client.AuthenticationUnavailable(pid, protocol.ErrorFunctionUnavailable)
		return
	}

	// A flow that must mint a token needs its challenge still live. It was
	// validated on submission, but can be invalidated while pending.
	if req.kind == FlowAuthenticate && issuer == nil {
		e.unavailableLocked(req.client, pid, protocol.ErrorFunctionUnavailable)
		return
	}

	fl := &flow{
		kind:      req.kind,
		client:    req.client,
		challenge: req.challenge,
		methods:   req.methods,
		pid:       pid,
		auth:      issuer,
		phase:     phaseAuthenticating,
	}

	requireCode := req.kind == FlowClear
	avail, err := backend.Availability(e.ctx, e.store, e.checker, fl.credentialKind(), requireCode, e.fingerprintsUsable(req))
	if err != nil {
		e.logger.Error("computing availability", "kind", req.kind.String(), "error", err)
		e.unavailableLocked(req.client, pid, protocol.ErrorSoftwareError)
		return
	}

	if avail.Locked() {
		e.unavailableLocked(req.client, pid, backend.LockoutError(avail))
		return
	}

	// The action needs a code set first; unavailable, not a lockout.
	if avail == protocol.SecurityCodeRequired {
		e.unavailableLocked(req.client, pid, protocol.ErrorFunctionUnavailable)
		return
	}

	switch avail {
	case protocol.AuthenticationNotRequired:
		e.startWithoutCodeLocked(req, fl)
	default:
		e.startWithCodeLocked(req, fl, avail)
	}
}

// startWithoutCodeLocked handles flows beginning with no code set.
func (e *Engine) startWithoutCodeLocked(req *request, fl *flow) {
	switch req.kind {
	case FlowAuthenticate, FlowPermission:
		if req.methods.Has(protocol.MethodConfirmation) {
			fl.methods = protocol.MethodConfirmation
			e.flow = fl
			fl.client.AuthenticationStarted(fl.pid, fl.methods, protocol.ConfirmAction, protocol.FeedbackData{})
			return
		}
		// No code, no confirmation wanted: immediate pass-through success.
		e.flow = fl
		e.succeedLocked(credentialMethod(fl.credentialKind()))

	case FlowChangeSecurity, FlowChangeEncryption:
		// Nothing to verify; this is the initial code set.
		e.flow = fl
		e.beginNewCodeEntryLocked(true)

	}
}

// startWithCodeLocked handles flows that must verify the current code.
func (e *Engine) startWithCodeLocked(req *request, fl *flow, avail protocol.Availability) {
	active := req.methods
	switch req.kind {
	case FlowAuthenticate:
		if _, ch := e.auths.Lookup(req.challenge); ch != nil {
			active = active.Intersect(ch.AllowedMethods)
		}
	case FlowChangeSecurity, FlowClear:
		active = protocol.MethodSecurityCode
	case FlowChangeEncryption:
		active = protocol.MethodEncryptionCode
	}

	// With a code set, bare confirmation is never enough, and fingerprint is
	// offered only when the sensor has enrolled prints.
	active &^= protocol.MethodConfirmation
	if avail != protocol.CanAuthenticate {
		active &^= protocol.MethodFingerprint
	}

	if active == 0 {
		e.unavailableLocked(req.client, fl.pid, protocol.ErrorFunctionUnavailable)
		return
	}

	fl.methods = active
	e.flow = fl

	feedback := protocol.EnterSecurityCode
	if req.kind == FlowChangeSecurity || req.kind == FlowChangeEncryption || req.kind == FlowClear {
		feedback = protocol.EnterCurrentSecurityCode
	}
	fl.client.AuthenticationStarted(fl.pid, active, feedback, protocol.FeedbackData{})
}

// fingerprintsUsable reports whether fingerprint can be offered for a
// request. Change and clear flows need the actual code.
func (e *Engine) fingerprintsUsable(req *request) bool {
	if req.kind != FlowAuthenticate && req.kind != FlowPermission {
		return false
	}
	if e.fingerprints == nil {
		return false
	}
	return e.fingerprints(e.ctx)
}

// unavailableLocked signals that a flow could not start and frees the slot.
func (e *Engine) unavailableLocked(client protocol.Client, pid uint32, kind protocol.FlowError) {
	e.object.Release(client)
	client.AuthenticationUnavailable(pid, kind)
	e.logger.Info("flow unavailable", "error", kind.String())
	e.resumePendingLocked()
}

// enterCodeLocked dispatches a code entry on the current phase.
func (e *Engine) enterCodeLocked(code string) error {
	fl := e.flow
	switch fl.phase {
	case phaseAuthenticating:
		if fl.kind == FlowClear {
			e.beginCallLocked(e.checker.ClearCode(e.ctx, code), func(res backend.CheckResult) {
				e.clearResultLocked(res)
			})
			return nil
		}
		var call *backend.Call
		if fl.credentialKind() == store.KindEncryption {
			call = e.checker.CheckEncryptionCode(e.ctx, code)
		} else {
			call = e.checker.CheckCode(e.ctx, code)
		}
		e.beginCallLocked(call, func(res backend.CheckResult) {
			e.checkResultLocked(code, res)
		})
		return nil

	case phaseEnteringNewCode:
		if err := e.validateNewCodeLocked(code); err != nil {
			return err
		}
		fl.newCode = code
		fl.phase = phaseRepeatingNewCode
		fl.client.Feedback(protocol.RepeatNewSecurityCode, protocol.FeedbackData{}, fl.methods)
		return nil

	case phaseSuggestingCode:
		if code != fl.suggested {
			// A mismatch regenerates and re-suggests; the wrong value is
			// never silently accepted.
			return e.suggestCodeLocked()
		}
		fl.newCode = code
		fl.phase = phaseRepeatingNewCode
		fl.client.Feedback(protocol.RepeatNewSecurityCode, protocol.FeedbackData{}, fl.methods)
		return nil

	case phaseRepeatingNewCode:
		if code != fl.newCode {
			fl.newCode = ""
			fl.phase = phaseEnteringNewCode
			fl.client.Feedback(protocol.SecurityCodesDoNotMatch, protocol.FeedbackData{}, fl.methods)
			return nil
		}
		e.commitChangeLocked()
		return nil
	}
	return ErrNotPermitted
}

// validateNewCodeLocked enforces the policy's length bounds on new codes.
func (e *Engine) validateNewCodeLocked(code string) error {
	policy, err := e.store.Policy(e.ctx)
	if err != nil {
		e.logger.Error("reading policy", "error", err)
		e.abortLocked(protocol.ErrorSoftwareError)
		return nil
	}
	if len(code) < policy.MinimumLength || (policy.MaximumLength > 0 && len(code) > policy.MaximumLength) {
		return ErrCodeLength
	}
	return nil
}

// commitChangeLocked submits the verified new code to the backend.
func (e *Engine) commitChangeLocked() {
	fl := e.flow
	var call *backend.Call
	if fl.kind == FlowChangeEncryption {
		call = e.checker.SetEncryptionCode(e.ctx, fl.currentCode, fl.newCode)
	} else {
		call = e.checker.SetCode(e.ctx, fl.currentCode, fl.newCode)
	}
	e.beginCallLocked(call, func(res backend.CheckResult) {
		e.commitResultLocked(res)
	})
}

// beginCallLocked resolves a backend call immediately when it can, and
// otherwise suspends the flow into the evaluating state.
func (e *Engine) beginCallLocked(call *backend.Call, handler func(backend.CheckResult)) {
	if res, ok := call.TryResult(); ok {
		handler(res)
		return
	}

	fl := e.flow
	fl.eval = &evaluation{}
	fl.client.AuthenticationEvaluating()
	go func() {
		res := <-call.Done()
		e.completeEvaluation(fl, res, handler)
	}()
}

// completeEvaluation resumes a flow suspended on a backend call, applying
// the success-wins-over-late-cancel rule.
func (e *Engine) completeEvaluation(fl *flow, res backend.CheckResult, handler func(backend.CheckResult)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.flow != fl || fl.eval == nil {
		return
	}
	canceled := fl.eval.cancelRequested
	fl.eval = nil

	success := res.Outcome == backend.OutcomeSuccess || res.Outcome == backend.OutcomeExpired
	if canceled && !success {
		e.abortLocked(protocol.ErrorCanceled)
		return
	}

	handler(res)

	// Success won over the deferred cancel. If the success only advanced the
	// flow rather than completing it, the cancel is honored now.
	if canceled && e.flow == fl {
		e.abortLocked(protocol.ErrorCanceled)
	}
}

// checkResultLocked applies a current-code verification result.
func (e *Engine) checkResultLocked(code string, res backend.CheckResult) {
	fl := e.flow
	switch res.Outcome {
	case backend.OutcomeSuccess, backend.OutcomeExpired:
		if res.Outcome == backend.OutcomeExpired && (fl.kind == FlowAuthenticate || fl.kind == FlowPermission) {
			fl.client.Feedback(protocol.SecurityCodeExpired, protocol.FeedbackData{}, fl.methods)
		}
		switch fl.kind {
		case FlowAuthenticate, FlowPermission:
			e.succeedLocked(credentialMethod(fl.credentialKind()))
		case FlowChangeSecurity, FlowChangeEncryption:
			fl.currentCode = code
			e.beginNewCodeEntryLocked(false)
		}

	case backend.OutcomeFailure:
		e.rejectLocked(res.AttemptsUsed)

	case backend.OutcomeLockedOut:
		e.abortLocked(protocol.ErrorLockedOut)

	default:
		e.abortLocked(protocol.ErrorSoftwareError)
	}
}

// clearResultLocked applies the combined verify-and-clear result. An expired
// code still verified; clearing it moots the expiry.
func (e *Engine) clearResultLocked(res backend.CheckResult) {
	switch res.Outcome {
	case backend.OutcomeSuccess, backend.OutcomeExpired:
		e.flow.client.AuthenticationEnded(true)
		e.finishLocked("security-code-cleared")
	case backend.OutcomeFailure:
		e.rejectLocked(res.AttemptsUsed)
	case backend.OutcomeLockedOut:
		e.abortLocked(protocol.ErrorLockedOut)
	default:
		e.abortLocked(protocol.ErrorSoftwareError)
	}
}

// commitResultLocked applies the new-code commit result.
func (e *Engine) commitResultLocked(res backend.CheckResult) {
	fl := e.flow
	switch res.Outcome {
	case backend.OutcomeSuccess:
		fl.client.AuthenticationEnded(true)
		if fl.kind == FlowChangeEncryption {
			e.finishLocked("encryption-code-changed")
		} else {
			e.finishLocked("security-code-changed")
		}
	case backend.OutcomeInHistory:
		fl.newCode = ""
		fl.phase = phaseEnteringNewCode
		fl.client.Feedback(protocol.SecurityCodeInHistory, protocol.FeedbackData{}, fl.methods)
	default:
		e.abortLocked(protocol.ErrorSoftwareError)
	}
}

// rejectLocked handles a rejected code entry: mirror the backend's attempt
// count, report attempts remaining, and lock out when the budget is spent.
func (e *Engine) rejectLocked(attemptsUsed int) {
	fl := e.flow

	if err := e.store.SetAttempts(e.ctx, fl.credentialKind(), attemptsUsed); err != nil {
		e.logger.Error("mirroring attempts", "error", err)
	}

	policy, err := e.store.Policy(e.ctx)
	if err != nil {
		e.logger.Error("reading policy", "error", err)
		e.abortLocked(protocol.ErrorSoftwareError)
		return
	}

	remaining := protocol.UnboundedAttempts
	if policy.MaximumAttempts > 0 {
		remaining = policy.MaximumAttempts - attemptsUsed
		if remaining < 0 {
			remaining = 0
		}
	}
	fl.client.Feedback(protocol.IncorrectSecurityCode, protocol.FeedbackData{AttemptsRemaining: remaining}, fl.methods)

	if policy.MaximumAttempts > 0 && attemptsUsed >= policy.MaximumAttempts {
		e.abortLocked(protocol.ErrorLockedOut)
	}
}

// beginNewCodeEntryLocked advances a change flow into new-code entry,
// honoring the generation policy. started selects the opening signal.
func (e *Engine) beginNewCodeEntryLocked(started bool) {
	fl := e.flow
	policy, err := e.store.Policy(e.ctx)
	if err != nil {
		e.logger.Error("reading policy", "error", err)
		e.abortLocked(protocol.ErrorSoftwareError)
		return
	}

	if policy.CodeGeneration == store.GenerationMandatory {
		code, err := backend.GenerateCode(policy)
		if err != nil {
			e.logger.Error("generating code", "error", err)
			e.abortLocked(protocol.ErrorSoftwareError)
			return
		}
		fl.suggested = code
		fl.phase = phaseSuggestingCode
		data := protocol.FeedbackData{SuggestedCode: code}
		if started {
			fl.client.AuthenticationStarted(fl.pid, fl.methods, protocol.SuggestSecurityCode, data)
		} else {
			fl.client.Feedback(protocol.SuggestSecurityCode, data, fl.methods)
		}
		return
	}

	fl.phase = phaseEnteringNewCode
	if started {
		fl.client.AuthenticationStarted(fl.pid, fl.methods, protocol.EnterNewSecurityCode, protocol.FeedbackData{})
	} else {
		fl.client.Feedback(protocol.EnterNewSecurityCode, protocol.FeedbackData{}, fl.methods)
	}
}

// suggestCodeLocked generates (or regenerates) a code suggestion during
// new-code entry.
func (e *Engine) suggestCodeLocked() error {
	fl := e.flow
	if fl.kind != FlowChangeSecurity && fl.kind != FlowChangeEncryption {
		return ErrNotPermitted
	}
	if fl.phase != phaseEnteringNewCode && fl.phase != phaseSuggestingCode {
		return ErrNotPermitted
	}

	policy, err := e.store.Policy(e.ctx)
	if err != nil {
		e.logger.Error("reading policy", "error", err)
		e.abortLocked(protocol.ErrorSoftwareError)
		return nil
	}
	if policy.CodeGeneration == store.GenerationNone {
		return ErrNotPermitted
	}

	code, err := backend.GenerateCode(policy)
	if err != nil {
		e.logger.Error("generating code", "error", err)
		e.abortLocked(protocol.ErrorSoftwareError)
		return nil
	}
	fl.suggested = code
	fl.phase = phaseSuggestingCode
	fl.client.Feedback(protocol.SuggestSecurityCode, protocol.FeedbackData{SuggestedCode: code}, fl.methods)
	return nil
}

// succeedLocked completes an authenticate or permission flow successfully.
func (e *Engine) succeedLocked(method protocol.Methods) {
	fl := e.flow

	if fl.kind == FlowAuthenticate {
		token, err := fl.auth.MintToken(fl.challenge, method)
		if err != nil {
			e.logger.Error("minting token", "error", err)
			e.abortLocked(protocol.ErrorSoftwareError)
			return
		}
		fl.client.Authenticated(token)
	}
	fl.client.AuthenticationEnded(true)
	e.finishLocked("authenticated")
}

// cancelLocked cancels the current flow, deferring while uninterruptible.
func (e *Engine) cancelLocked() {
	fl := e.flow
	if fl.eval != nil {
		fl.eval.cancelRequested = true
		return
	}
	e.abortLocked(protocol.ErrorCanceled)
}

// abortLocked ends the current flow without success.
func (e *Engine) abortLocked(kind protocol.FlowError) {
	fl := e.flow
	e.abortSignal(fl.client, kind)

	outcome := "aborted"
	switch fl.kind {
	case FlowChangeSecurity:
		outcome = "security-code-change-aborted"
	case FlowChangeEncryption:
		outcome = "encryption-code-change-aborted"
	case FlowClear:
		outcome = "security-code-clear-aborted"
	}
	e.finishLocked(outcome)
}

// abortSignal emits the abort signal sequence a flow of any kind produces.
// Also used to cancel-notify a replaced pending request.
func (e *Engine) abortSignal(client protocol.Client, kind protocol.FlowError) {
	client.Error(kind)
	client.Aborted()
	client.AuthenticationEnded(false)
}

// finishLocked is every terminal outcome: drop the secret buffers, release
// the active client, return to idle, and resume any pending request.
func (e *Engine) finishLocked(outcome string) {
	fl := e.flow
	fl.currentCode = ""
	fl.newCode = ""
	fl.suggested = ""

	e.object.Release(fl.client)
	e.flow = nil
	e.logger.Info("flow finished", "kind", fl.kind.String(), "outcome", outcome)
	e.resumePendingLocked()
}

// resumePendingLocked starts the most recently parked request, if any.
func (e *Engine) resumePendingLocked() {
	if e.pending == nil {
		return
	}
	req := e.pending
	e.pending = nil
	e.startLocked(req)
}
