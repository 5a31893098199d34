// ABOUTME: Credential backend vocabulary shared by the flow engines.
// ABOUTME: Defines tagged check results and the future-style Call used for slow backends.

package backend

import "context"

// Outcome is the named result of a backend credential operation.
type Outcome int

const (
	// OutcomeSuccess means the code verified or the operation committed.
	OutcomeSuccess Outcome = iota
	// OutcomeFailure means the code was rejected; AttemptsUsed carries the
	// authoritative attempt count.
	OutcomeFailure
	// OutcomeExpired means the code verified but must be changed before the
	// operation completes.
	OutcomeExpired
	// OutcomeInHistory means a new code was rejected by the reuse policy.
	OutcomeInHistory
	// OutcomeLockedOut means the backend refuses further entries.
	OutcomeLockedOut
	// OutcomeError means the backend failed in an unexpected way.
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeExpired:
		return "expired"
	case OutcomeInHistory:
		return "in-history"
	case OutcomeLockedOut:
		return "locked-out"
	case OutcomeError:
		return "error"
	}
	return "unknown"
}

// CheckResult is the tagged result of a backend operation. The backend, not
// the engine, is authoritative for AttemptsUsed: the counter must survive
// daemon restarts, so it is read back from the result rather than tracked by
// the caller.
type CheckResult struct {
	Outcome      Outcome
	AttemptsUsed int
}

// Call is one outstanding backend operation. A backend that can answer
// immediately resolves the call before returning it; one that cannot resolves
// it later from its own goroutine. A call whose result is not yet available
// is the engine's Evaluating suspension point.
type Call struct {
	done chan CheckResult
}

// NewCall returns an unresolved call for asynchronous backends.
func NewCall() *Call {
	return &Call{done: make(chan CheckResult, 1)}
}

// Resolved returns a call already carrying its result.
func Resolved(res CheckResult) *Call {
	c := NewCall()
	c.Resolve(res)
	return c
}

// Resolve delivers the result. Resolving twice is a programming error.
func (c *Call) Resolve(res CheckResult) {
	c.done <- res
	close(c.done)
}

// Done returns the channel the result is delivered on.
func (c *Call) Done() <-chan CheckResult {
	return c.done
}

// TryResult returns the result if the call has already resolved.
func (c *Call) TryResult() (CheckResult, bool) {
	select {
	case res, ok := <-c.done:
		if !ok {
			return CheckResult{Outcome: OutcomeError}, false
		}
		return res, true
	default:
		return CheckResult{}, false
	}
}

// CodeChecker is the pluggable credential backend. Implementations verify and
// change codes; they never see the engine's state machine. Two
// implementations exist: the in-process native backend and the out-of-process
// command backend, selected at construction.
type CodeChecker interface {
	// CheckCode verifies a security code.
	CheckCode(ctx context.Context, code string) *Call

	// SetCode replaces the security code. The old code is empty when no code
	// was previously set.
	SetCode(ctx context.Context, oldCode, newCode string) *Call

	// ClearCode removes the security code after verifying it.
	ClearCode(ctx context.Context, code string) *Call

	// CheckEncryptionCode verifies the disk-encryption code.
	CheckEncryptionCode(ctx context.Context, code string) *Call

	// SetEncryptionCode rekeys the disk encryption. Typically slow; expected
	// to resolve asynchronously.
	SetEncryptionCode(ctx context.Context, oldCode, newCode string) *Call

	// CodeSet reports whether a code of the given kind is currently set.
	CodeSet(ctx context.Context, kind string) (bool, error)
}
