// ABOUTME: The remote client as seen by the engines: protocol.Client backed
// ABOUTME: by signal frames written to the owning connection.

package bus

import (
	"github.com/halcyonos/devicelock/internal/protocol"
)

// client is one (connection, path) endpoint. Engines hold these and emit
// signals through them; writes go through the connection's serialized
// writer, so per-client signal order matches emission order.
type client struct {
	conn   *connection
	object string
	path   string
}

func (c *client) ConnectionID() string { return c.conn.id }
func (c *client) Path() string         { return c.path }

func (c *client) send(name string, params any) {
	c.conn.write(signal{Signal: name, Object: c.object, Path: c.path, Params: params})
}

func (c *client) AuthenticationStarted(pid uint32, methods protocol.Methods, feedback protocol.Feedback, data protocol.FeedbackData) {
	c.send("authentication_started", map[string]any{
		"pid":      pid,
		"methods":  uint32(methods),
		"feedback": feedback.String(),
		"data":     feedbackData(feedback, data),
	})
}

func (c *client) AuthenticationUnavailable(pid uint32, kind protocol.FlowError) {
	c.send("authentication_unavailable", map[string]any{
		"pid":   pid,
		"error": kind.String(),
	})
}

func (c *client) AuthenticationEvaluating() {
	c.send("authentication_evaluating", nil)
}

func (c *client) AuthenticationEnded(confirmed bool) {
	c.send("authentication_ended", map[string]any{"confirmed": confirmed})
}

func (c *client) Feedback(kind protocol.Feedback, data protocol.FeedbackData, methods protocol.Methods) {
	c.send("feedback", map[string]any{
		"feedback": kind.String(),
		"methods":  uint32(methods),
		"data":     feedbackData(kind, data),
	})
}

func (c *client) Error(kind protocol.FlowError) {
	c.send("error", map[string]any{"error": kind.String()})
}

func (c *client) Authenticated(token string) {
	c.send("authenticated", map[string]any{"token": token})
}

func (c *client) Aborted() {
	c.send("aborted", nil)
}

func (c *client) ChallengeExpired() {
	c.send("challenge_expired", nil)
}

// feedbackData trims the wire payload to what the feedback kind carries.
func feedbackData(kind protocol.Feedback, data protocol.FeedbackData) map[string]any {
	switch kind {
	case protocol.IncorrectSecurityCode:
		return map[string]any{"attempts_remaining": data.AttemptsRemaining}
	case protocol.SuggestSecurityCode:
		return map[string]any{"suggested_code": data.SuggestedCode}
	}
	return nil
}
