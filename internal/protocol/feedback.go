// ABOUTME: Feedback and error kinds signalled to clients during a flow.
// ABOUTME: Covers code entry prompts, rejection feedback, and fingerprint acquisition.

package protocol

// Feedback identifies a prompt or progress message sent to the active client.
type Feedback int

const (
	// EnterSecurityCode prompts for the current security code.
	EnterSecurityCode Feedback = iota
	// EnterCurrentSecurityCode prompts for the current code ahead of a
	// change or clear.
	EnterCurrentSecurityCode
	// EnterNewSecurityCode prompts for the first entry of a new code.
	EnterNewSecurityCode
	// RepeatNewSecurityCode prompts for the confirming entry of a new code.
	RepeatNewSecurityCode
	// SuggestSecurityCode presents a generated code the user must re-enter.
	SuggestSecurityCode
	// IncorrectSecurityCode reports a rejected entry; carries attempts remaining.
	IncorrectSecurityCode
	// SecurityCodesDoNotMatch reports a repeat entry that differed from the first.
	SecurityCodesDoNotMatch
	// SecurityCodeInHistory reports a new code rejected by the reuse policy.
	SecurityCodeInHistory
	// SecurityCodeExpired reports that the verified code must be changed
	// before the operation completes.
	SecurityCodeExpired
	// ConfirmAction prompts for a bare confirmation when no credential is
	// required.
	ConfirmAction

	// Fingerprint acquisition feedback, forwarded from the sensor.

	// PartialPrint means the sample captured only part of the finger.
	PartialPrint
	// PrintIsUnclear means the sample was too smudged to use.
	PrintIsUnclear
	// SensorIsDirty asks the user to clean the sensor.
	SensorIsDirty
	// SwipeFaster asks for a faster swipe.
	SwipeFaster
	// SwipeSlower asks for a slower swipe.
	SwipeSlower
	// UnrecognizedFinger means the sample matched no enrolled fingerprint.
	UnrecognizedFinger
	// ContactLost means the finger left the sensor mid-sample.
	ContactLost
)

func (f Feedback) String() string {
	switch f {
	case EnterSecurityCode:
		return "enter-security-code"
	case EnterCurrentSecurityCode:
		return "enter-current-security-code"
	case EnterNewSecurityCode:
		return "enter-new-security-code"
	case RepeatNewSecurityCode:
		return "repeat-new-security-code"
	case SuggestSecurityCode:
		return "suggest-security-code"
	case IncorrectSecurityCode:
		return "incorrect-security-code"
	case SecurityCodesDoNotMatch:
		return "security-codes-do-not-match"
	case SecurityCodeInHistory:
		return "security-code-in-history"
	case SecurityCodeExpired:
		return "security-code-expired"
	case ConfirmAction:
		return "confirm-action"
	case PartialPrint:
		return "partial-print"
	case PrintIsUnclear:
		return "print-is-unclear"
	case SensorIsDirty:
		return "sensor-is-dirty"
	case SwipeFaster:
		return "swipe-faster"
	case SwipeSlower:
		return "swipe-slower"
	case UnrecognizedFinger:
		return "unrecognized-finger"
	case ContactLost:
		return "contact-lost"
	}
	return "unknown"
}

// UnboundedAttempts is the attempts-remaining value meaning no maximum is
// configured.
const UnboundedAttempts = -1

// FeedbackData carries the variable part of a Feedback signal.
type FeedbackData struct {
	// AttemptsRemaining accompanies IncorrectSecurityCode. UnboundedAttempts
	// when no maximum is configured.
	AttemptsRemaining int `json:"attemptsRemaining,omitempty"`
	// SuggestedCode accompanies SuggestSecurityCode.
	SuggestedCode string `json:"suggestedCode,omitempty"`
}

// FlowError identifies why a flow could not start or was torn down.
type FlowError int

const (
	// ErrorFunctionUnavailable means the action cannot be authenticated at
	// all right now (no usable method, or a code must be set first).
	ErrorFunctionUnavailable FlowError = iota
	// ErrorLockedOut means the attempt budget is exhausted, recoverably.
	ErrorLockedOut
	// ErrorPermanentlyLockedOut means the lockout does not clear on its own.
	ErrorPermanentlyLockedOut
	// ErrorSoftwareError means an unexpected backend failure aborted the flow.
	ErrorSoftwareError
	// ErrorCanceled means the flow was canceled by the user or a disconnect.
	ErrorCanceled
)

func (e FlowError) String() string {
	switch e {
	case ErrorFunctionUnavailable:
		return "function-unavailable"
	case ErrorLockedOut:
		return "locked-out"
	case ErrorPermanentlyLockedOut:
		return "permanently-locked-out"
	case ErrorSoftwareError:
		return "software-error"
	case ErrorCanceled:
		return "canceled"
	}
	return "unknown"
}
