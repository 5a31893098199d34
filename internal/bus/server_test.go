// ABOUTME: Tests for the unix-socket frame server.
// ABOUTME: Covers dispatch, signal delivery order, and disconnect fanout.

package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonos/devicelock/internal/protocol"
	"github.com/halcyonos/devicelock/internal/session"
)

type testConn struct {
	conn net.Conn
	r    *bufio.Scanner
}

func startServer(t *testing.T, configure func(*Server)) (*Server, string) {
	t.Helper()
	registry := session.NewRegistry(slog.Default())
	srv := NewServer(registry, slog.Default())
	configure(srv)

	socket := filepath.Join(t.TempDir(), "devicelockd.sock")
	require.NoError(t, srv.Listen(socket))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		srv.Close()
		<-done
	})
	return srv, socket
}

func dial(t *testing.T, socket string) *testConn {
	t.Helper()
	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), maxFrame)
	return &testConn{conn: conn, r: sc}
}

func (tc *testConn) call(t *testing.T, req request) {
	t.Helper()
	b, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = tc.conn.Write(append(b, '\n'))
	require.NoError(t, err)
}

// next reads one frame and decodes it into out.
func (tc *testConn) next(t *testing.T, out any) {
	t.Helper()
	require.True(t, tc.r.Scan(), "connection closed early: %v", tc.r.Err())
	require.NoError(t, json.Unmarshal(tc.r.Bytes(), out))
}

func TestRequestResponse(t *testing.T) {
	_, socket := startServer(t, func(s *Server) {
		s.Handle("devicelock", "lock_state", func(c protocol.Client, params json.RawMessage) (any, error) {
			return map[string]string{"state": "locked"}, nil
		})
	})

	tc := dial(t, socket)
	tc.call(t, request{ID: 7, Object: "devicelock", Method: "lock_state", Path: "/client/1"})

	var resp struct {
		ID     uint64            `json:"id"`
		Result map[string]string `json:"result"`
		Error  string            `json:"error"`
	}
	tc.next(t, &resp)
	assert.Equal(t, uint64(7), resp.ID)
	assert.Empty(t, resp.Error)
	assert.Equal(t, "locked", resp.Result["state"])
}

func TestUnknownMethod(t *testing.T) {
	_, socket := startServer(t, func(*Server) {})

	tc := dial(t, socket)
	tc.call(t, request{ID: 1, Object: "nowhere", Method: "nothing"})

	var resp struct {
		ID    uint64 `json:"id"`
		Error string `json:"error"`
	}
	tc.next(t, &resp)
	assert.Equal(t, uint64(1), resp.ID)
	assert.Equal(t, ErrUnknownMethod.Error(), resp.Error)
}

func TestHandlerErrorsAreReturned(t *testing.T) {
	_, socket := startServer(t, func(s *Server) {
		s.Handle("authenticator", "enter_security_code", func(c protocol.Client, params json.RawMessage) (any, error) {
			return nil, errors.New("no flow in progress")
		})
	})

	tc := dial(t, socket)
	tc.call(t, request{ID: 3, Object: "authenticator", Method: "enter_security_code"})

	var resp struct {
		ID    uint64 `json:"id"`
		Error string `json:"error"`
	}
	tc.next(t, &resp)
	assert.Equal(t, "no flow in progress", resp.Error)
}

func TestSignalsDeliveredInOrder(t *testing.T) {
	_, socket := startServer(t, func(s *Server) {
		s.Handle("authenticator", "authenticate", func(c protocol.Client, params json.RawMessage) (any, error) {
			c.AuthenticationStarted(42, protocol.MethodSecurityCode, protocol.EnterSecurityCode, protocol.FeedbackData{})
			c.Feedback(protocol.IncorrectSecurityCode, protocol.FeedbackData{AttemptsRemaining: 2}, protocol.MethodSecurityCode)
			c.Authenticated("tok")
			return nil, nil
		})
	})

	tc := dial(t, socket)
	tc.call(t, request{ID: 1, Object: "authenticator", Method: "authenticate", Path: "/client/1"})

	var frames []map[string]any
	for i := 0; i < 4; i++ {
		var frame map[string]any
		tc.next(t, &frame)
		frames = append(frames, frame)
	}

	// Signals were emitted before the handler returned, so they precede the
	// response.
	assert.Equal(t, "authentication_started", frames[0]["signal"])
	assert.Equal(t, "/client/1", frames[0]["path"])
	assert.Equal(t, "feedback", frames[1]["signal"])
	params := frames[1]["params"].(map[string]any)
	data := params["data"].(map[string]any)
	assert.Equal(t, float64(2), data["attempts_remaining"])
	assert.Equal(t, "authenticated", frames[2]["signal"])
	assert.Equal(t, "tok", frames[2]["params"].(map[string]any)["token"])
	assert.Equal(t, float64(1), frames[3]["id"])
}

func TestClientIdentityStablePerPath(t *testing.T) {
	ids := make(chan string, 2)
	_, socket := startServer(t, func(s *Server) {
		s.Handle("devicelock", "unlock", func(c protocol.Client, params json.RawMessage) (any, error) {
			ids <- c.ConnectionID() + c.Path()
			return nil, nil
		})
	})

	tc := dial(t, socket)
	tc.call(t, request{ID: 1, Object: "devicelock", Method: "unlock", Path: "/client/1"})
	tc.call(t, request{ID: 2, Object: "devicelock", Method: "unlock", Path: "/client/1"})

	var resp map[string]any
	tc.next(t, &resp)
	tc.next(t, &resp)

	first, second := <-ids, <-ids
	assert.Equal(t, first, second)
}

func TestDisconnectFansOut(t *testing.T) {
	dropped := make(chan string, 1)
	srv, socket := startServer(t, func(s *Server) {
		s.registry.OnDisconnect(func(id string) { dropped <- id })
		s.Handle("devicelock", "unlock", func(c protocol.Client, params json.RawMessage) (any, error) {
			return nil, nil
		})
	})
	_ = srv

	tc := dial(t, socket)
	tc.call(t, request{ID: 1, Object: "devicelock", Method: "unlock", Path: "/client/1"})
	var resp map[string]any
	tc.next(t, &resp)

	tc.conn.Close()

	select {
	case <-dropped:
	case <-time.After(time.Second):
		t.Fatal("disconnect never fanned out")
	}
}
