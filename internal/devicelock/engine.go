// ABOUTME: Device-lock flow engine: unlock, forced code change on expiry,
// ABOUTME: and the lock-state driver (policy feed, conditions, idle timer).

package devicelock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/halcyonos/devicelock/internal/backend"
	"github.com/halcyonos/devicelock/internal/protocol"
	"github.com/halcyonos/devicelock/internal/session"
	"github.com/halcyonos/devicelock/internal/store"
)

var (
	ErrNotActiveClient = errors.New("caller does not own the active flow")
	ErrNoFlow          = errors.New("no unlock in progress")
	ErrEvaluating      = errors.New("backend is evaluating; only cancel is accepted")
	ErrCodeLength      = errors.New("code length outside policy bounds")
)

// LockState is the externally observable device lock state.
type LockState int

const (
	Unlocked LockState = iota
	Locked
)

func (s LockState) String() string {
	if s == Locked {
		return "locked"
	}
	return "unlocked"
}

// Requirement is the lock-policy feed's decision: the platform's signals
// (display off with immediate-lock policy, lock key, ...) distilled into a
// required state.
type Requirement int

const (
	NoRequirement Requirement = iota
	RequireLocked
	RequireUnlocked
)

// Conditions are the platform conditions that exempt the device from
// automatic locking while they hold.
type Conditions struct {
	CallActive         bool
	DisplayOnWithFocus bool
}

func (c Conditions) exempt() bool {
	return c.CallActive || c.DisplayOnWithFocus
}

type phase int

const (
	phaseAuthenticating phase = iota
	phaseEnteringNewCode
	phaseRepeatingNewCode
)

// evaluation marks an outstanding backend call; while non-nil only cancel is
// accepted, and it is deferred.
type evaluation struct {
	cancelRequested bool
}

// flow is one in-progress unlock interaction.
type flow struct {
	client protocol.Client
	phase  phase

	// expired is set when the current code verified but is past its maximum
	// age: the change sub-flow must complete before the unlock is granted.
	expired bool

	currentCode string
	newCode     string

	eval *evaluation
}

// Engine is the device-lock flow engine and lock-state driver.
type Engine struct {
	ctx     context.Context
	object  *session.Object
	checker backend.CodeChecker
	store   store.Store
	logger  *slog.Logger

	mu         sync.Mutex
	state      LockState
	conditions Conditions
	flow       *flow
	timer      *time.Timer
	watchers   []func(LockState)
}

// NewEngine creates the device-lock engine. The device starts locked when a
// security code is set and unlocked otherwise.
func NewEngine(ctx context.Context, object *session.Object, checker backend.CodeChecker, st store.Store, logger *slog.Logger) *Engine {
	e := &Engine{
		ctx:     ctx,
		object:  object,
		checker: checker,
		store:   st,
		logger:  logger.With("component", "devicelock"),
		state:   Locked,
	}
	if set, err := checker.CodeSet(ctx, store.KindSecurity); err == nil && !set {
		e.state = Unlocked
	}

	object.SetCancelHook(func(c protocol.Client) { e.cancelFor(c) })
	st.WatchPolicy(func(store.Policy) {
		e.mu.Lock()
		e.armTimerLocked()
		e.mu.Unlock()
	})

	e.mu.Lock()
	e.armTimerLocked()
	e.mu.Unlock()
	return e
}

// LockState reports the current lock state.
func (e *Engine) LockState() LockState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Unlocking reports whether an unlock flow is in progress.
func (e *Engine) Unlocking() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flow != nil
}

// Enabled reports whether the device lock is meaningful at all, i.e. a
// security code is set.
func (e *Engine) Enabled() bool {
	set, err := e.checker.CodeSet(e.ctx, store.KindSecurity)
	if err != nil {
		e.logger.Error("querying code set", "error", err)
		return false
	}
	return set
}

// WatchLockState registers a callback fired on every lock-state change. The
// callback runs with the engine lock held and must not call back in.
func (e *Engine) WatchLockState(fn func(LockState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.watchers = append(e.watchers, fn)
}

// Unlock begins an unlock flow for client. A no-op when the device is
// already unlocked or an unlock is already in progress.
func (e *Engine) Unlock(client protocol.Client) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == Unlocked || e.flow != nil {
		return nil
	}
	e.startLocked(client)
	return nil
}

// EnterSecurityCode submits a code entry for the active unlock flow: the
// current code while authenticating, the new code in a forced change.
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

// Cancel cancels the caller's unlock flow, deferred while the backend is
// mid-operation.
func (e *Engine) Cancel(client protocol.Client) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.flow == nil || !sameClient(e.flow.client, client) {
		return nil
	}
	e.cancelLocked()
	return nil
}

// SetRequiredState applies the lock-policy feed's decision.
func (e *Engine) SetRequiredState(req Requirement) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch req {
	case RequireLocked:
		e.setStateLocked(Locked)
	case RequireUnlocked:
		// The platform unlocked the device out from under any flow; the
		// flow is moot.
		if e.flow != nil {
			e.cancelLocked()
		}
		e.setStateLocked(Unlocked)
	case NoRequirement:
		e.armTimerLocked()
	}
}

// SetConditions updates the exemption conditions and re-evaluates the idle
// timer.
func (e *Engine) SetConditions(c Conditions) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conditions = c
	e.armTimerLocked()
}

func sameClient(a, b protocol.Client) bool {
	return a.ConnectionID() == b.ConnectionID() && a.Path() == b.Path()
}

// cancelFor is the session layer's disconnect entry point.
func (e *Engine) cancelFor(client protocol.Client) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.flow != nil && sameClient(e.flow.client, client) {
		e.cancelLocked()
	}
}

// startLocked begins an unlock flow, or signals why it cannot start.
func (e *Engine) startLocked(client protocol.Client) {
	if !e.object.Claim(client) {
		client.AuthenticationUnavailable(0, protocol.ErrorFunctionUnavailable)
		return
	}

	avail, err := backend.Availability(e.ctx, e.store, e.checker, store.KindSecurity, false, false)
	if err != nil {
		e.logger.Error("computing availability", "error", err)
		e.object.Release(client)
		client.AuthenticationUnavailable(0, protocol.ErrorSoftwareError)
		return
	}

	if avail.Locked() {
		e.object.Release(client)
		client.AuthenticationUnavailable(0, backend.LockoutError(avail))
		return
	}

	e.flow = &flow{client: client, phase: phaseAuthenticating}

	if avail == protocol.AuthenticationNotRequired {
		// No code set; nothing to check.
		e.grantLocked()
		return
	}
	client.AuthenticationStarted(0, protocol.MethodSecurityCode, protocol.EnterSecurityCode, protocol.FeedbackData{})
}

// enterCodeLocked dispatches a code entry on the current phase.
func (e *Engine) enterCodeLocked(code string) error {
	fl := e.flow
	switch fl.phase {
	case phaseAuthenticating:
		e.beginCallLocked(e.checker.CheckCode(e.ctx, code), func(res backend.CheckResult) {
			e.checkResultLocked(code, res)
		})
		return nil

	case phaseEnteringNewCode:
		if err := e.validateNewCodeLocked(code); err != nil {
			return err
		}
		fl.newCode = code
		fl.phase = phaseRepeatingNewCode
		fl.client.Feedback(protocol.RepeatNewSecurityCode, protocol.FeedbackData{}, protocol.MethodSecurityCode)
		return nil

	case phaseRepeatingNewCode:
		if code != fl.newCode {
			fl.newCode = ""
			fl.phase = phaseEnteringNewCode
			fl.client.Feedback(protocol.SecurityCodesDoNotMatch, protocol.FeedbackData{}, protocol.MethodSecurityCode)
			return nil
		}
		e.beginCallLocked(e.checker.SetCode(e.ctx, fl.currentCode, fl.newCode), func(res backend.CheckResult) {
			e.commitResultLocked(res)
		})
		return nil
	}
	return ErrNoFlow
}

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

// beginCallLocked resolves a backend call immediately when it can, otherwise
// suspends the flow into the evaluating state.
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

// completeEvaluation resumes a suspended flow, applying the
// success-wins-over-late-cancel rule.
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

	// A verified-but-expired code only advanced the flow into the forced
	// change; a deferred cancel is honored against that.
	if canceled && e.flow == fl {
		e.abortLocked(protocol.ErrorCanceled)
	}
}

// checkResultLocked applies the current-code verification result.
func (e *Engine) checkResultLocked(code string, res backend.CheckResult) {
	fl := e.flow
	switch res.Outcome {
	case backend.OutcomeSuccess:
		e.grantLocked()

	case backend.OutcomeExpired:
		// Verified, but the code has aged out: the unlock is held hostage
		// to a code change.
		fl.expired = true
		fl.currentCode = code
		fl.phase = phaseEnteringNewCode
		fl.client.Feedback(protocol.SecurityCodeExpired, protocol.FeedbackData{}, protocol.MethodSecurityCode)
		fl.client.Feedback(protocol.EnterNewSecurityCode, protocol.FeedbackData{}, protocol.MethodSecurityCode)

	case backend.OutcomeFailure:
		e.rejectLocked(res.AttemptsUsed)

	case backend.OutcomeLockedOut:
		e.abortLocked(protocol.ErrorLockedOut)

	default:
		e.abortLocked(protocol.ErrorSoftwareError)
	}
}

// commitResultLocked applies the forced-change commit result; success grants
// the deferred unlock.
func (e *Engine) commitResultLocked(res backend.CheckResult) {
	fl := e.flow
	switch res.Outcome {
	case backend.OutcomeSuccess:
		e.grantLocked()
	case backend.OutcomeInHistory:
		fl.newCode = ""
		fl.phase = phaseEnteringNewCode
		fl.client.Feedback(protocol.SecurityCodeInHistory, protocol.FeedbackData{}, protocol.MethodSecurityCode)
	default:
		e.abortLocked(protocol.ErrorSoftwareError)
	}
}

// rejectLocked mirrors the backend's attempt count, reports attempts
// remaining, and locks out when the budget is spent.
func (e *Engine) rejectLocked(attemptsUsed int) {
	fl := e.flow

	if err := e.store.SetAttempts(e.ctx, store.KindSecurity, attemptsUsed); err != nil {
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
	fl.client.Feedback(protocol.IncorrectSecurityCode, protocol.FeedbackData{AttemptsRemaining: remaining}, protocol.MethodSecurityCode)

	if policy.MaximumAttempts > 0 && attemptsUsed >= policy.MaximumAttempts {
		e.abortLocked(protocol.ErrorLockedOut)
	}
}

// grantLocked completes the unlock: the flow ends confirmed and the device
// transitions to unlocked.
func (e *Engine) grantLocked() {
	fl := e.flow
	fl.client.AuthenticationEnded(true)
	e.finishLocked(fl.expired, "unlocked")
	e.setStateLocked(Unlocked)
}

// cancelLocked cancels the current flow, deferring while uninterruptible.
func (e *Engine) cancelLocked() {
	if e.flow.eval != nil {
		e.flow.eval.cancelRequested = true
		return
	}
	e.abortLocked(protocol.ErrorCanceled)
}

// abortLocked ends the current flow without granting the unlock.
func (e *Engine) abortLocked(kind protocol.FlowError) {
	fl := e.flow
	fl.client.Error(kind)
	fl.client.Aborted()
	fl.client.AuthenticationEnded(false)
	e.finishLocked(fl.expired, "aborted")
}

// finishLocked is every terminal outcome: drop secret buffers, release the
// client, return to idle.
func (e *Engine) finishLocked(changed bool, outcome string) {
	fl := e.flow
	fl.currentCode = ""
	fl.newCode = ""

	e.object.Release(fl.client)
	e.flow = nil
	e.logger.Info("unlock flow finished", "outcome", outcome, "code_changed", changed)
}

// setStateLocked applies a lock-state change, notifies watchers, and
// re-evaluates the idle timer.
func (e *Engine) setStateLocked(s LockState) {
	if e.state == s {
		e.armTimerLocked()
		return
	}
	e.state = s
	e.logger.Info("lock state changed", "state", s.String())
	for _, fn := range e.watchers {
		fn(s)
	}
	e.armTimerLocked()
}

// armTimerLocked (re)arms the automatic-locking idle timer. Armed only when
// the device is unlocked, the policy enables automatic locking, and no
// exempting condition holds.
func (e *Engine) armTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}

	if e.state != Unlocked || e.conditions.exempt() {
		return
	}

	policy, err := e.store.Policy(e.ctx)
	if err != nil {
		e.logger.Error("reading policy", "error", err)
		return
	}
	if policy.AutomaticLocking < 0 {
		return
	}

	e.timer = time.AfterFunc(policy.AutomaticLocking, e.timerFired)
}

// timerFired locks the device when the idle window elapses. Locking without
// a code set is pointless, so the timer only bites while the lock is
// enabled.
func (e *Engine) timerFired() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != Unlocked || e.conditions.exempt() {
		return
	}
	set, err := e.checker.CodeSet(e.ctx, store.KindSecurity)
	if err != nil || !set {
		return
	}
	e.setStateLocked(Locked)
}
