// ABOUTME: Client signal interface implemented by every attached client process.
// ABOUTME: The daemon only ever talks to clients through this vocabulary.

package protocol

// Client is the daemon's view of one attached client object. Implementations
// deliver signals to the remote process; delivery order must match the order
// the signals were emitted in.
//
// Implementations must not block the caller indefinitely; a slow client is
// the transport's problem, not the engine's.
type Client interface {
	// ConnectionID identifies the underlying connection. All client objects
	// sharing a connection disappear together when it drops.
	ConnectionID() string

	// Path identifies the client object within its connection.
	Path() string

	// AuthenticationStarted tells the client a flow it requested is now
	// waiting on user input.
	AuthenticationStarted(pid uint32, methods Methods, feedback Feedback, data FeedbackData)

	// AuthenticationUnavailable tells the client its request cannot be
	// authenticated at all right now.
	AuthenticationUnavailable(pid uint32, err FlowError)

	// AuthenticationEvaluating tells the client the backend is busy and only
	// a deferred cancel will be accepted.
	AuthenticationEvaluating()

	// AuthenticationEnded closes the flow from the client's perspective.
	AuthenticationEnded(confirmed bool)

	// Feedback delivers a prompt or progress message for the active flow.
	Feedback(kind Feedback, data FeedbackData, activeMethods Methods)

	// Error delivers a flow-scoped error.
	Error(kind FlowError)

	// Authenticated delivers the token minted for a successful authentication.
	Authenticated(token string)

	// Aborted tells the client its flow ended without success.
	Aborted()

	// ChallengeExpired tells the client the daemon invalidated a challenge
	// the client did not relinquish itself.
	ChallengeExpired()
}
