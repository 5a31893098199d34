// ABOUTME: Unix-socket server: accepts client connections, reads request
// ABOUTME: frames, dispatches to registered object methods, answers by id.

package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/halcyonos/devicelock/internal/protocol"
	"github.com/halcyonos/devicelock/internal/session"
)

var ErrUnknownMethod = errors.New("unknown object method")

// maxFrame bounds one request line.
const maxFrame = 64 * 1024

// Handler serves one object method. The returned value becomes the
// response's result field.
type Handler func(c protocol.Client, params json.RawMessage) (any, error)

// Server hosts the daemon's objects on a unix socket.
type Server struct {
	registry *session.Registry
	logger   *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	conns    map[string]*connection
	ln       net.Listener

	wg sync.WaitGroup
}

func NewServer(registry *session.Registry, logger *slog.Logger) *Server {
	return &Server{
		registry: registry,
		logger:   logger.With("component", "bus"),
		handlers: make(map[string]Handler),
		conns:    make(map[string]*connection),
	}
}

// Handle registers the handler for object.method. Must be called before
// Serve.
func (s *Server) Handle(object, method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[object+"."+method] = h
}

// Listen binds the unix socket, replacing a stale one from a previous run.
func (s *Server) Listen(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("restricting socket mode: %w", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.logger.Info("listening", "socket", path)
	return nil
}

// Serve accepts connections until ctx is canceled or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("bus: Serve before Listen")
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}

		c := &connection{
			id:      uuid.NewString(),
			conn:    conn,
			srv:     s,
			clients: make(map[string]*client),
		}
		s.mu.Lock()
		s.conns[c.id] = c
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.serve()
		}()
	}
}

// Broadcast sends a signal frame to every open connection. Used for
// property-change notifications that are not scoped to one client.
func (s *Server) Broadcast(object, name string, params any) {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.write(signal{Signal: name, Object: object, Params: params})
	}
}

// Close tears down the listener and every open connection.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.ln
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		c.conn.Close()
	}
	s.wg.Wait()
	return err
}

// connection is one attached client process.
type connection struct {
	id   string
	conn net.Conn
	srv  *Server

	wmu sync.Mutex

	cmu     sync.Mutex
	clients map[string]*client
}

// write marshals and sends one frame. Serialized, so signal order on the
// wire matches emission order.
func (c *connection) write(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		c.srv.logger.Error("marshaling frame", "error", err)
		return
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.conn.Write(append(b, '\n')); err != nil {
		c.srv.logger.Debug("writing frame", "connection", c.id, "error", err)
	}
}

// clientFor returns the (object, path) endpoint, creating it on first use.
func (c *connection) clientFor(object, path string) *client {
	c.cmu.Lock()
	defer c.cmu.Unlock()
	key := object + "\x00" + path
	if cl, ok := c.clients[key]; ok {
		return cl
	}
	cl := &client{conn: c, object: object, path: path}
	c.clients[key] = cl
	return cl
}

// serve reads request frames until the connection drops, then fans the
// disconnect out through the session registry.
func (c *connection) serve() {
	c.srv.logger.Info("client connected", "connection", c.id)

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 4096), maxFrame)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			c.srv.logger.Debug("bad frame", "connection", c.id, "error", err)
			continue
		}
		c.dispatch(&req)
	}

	c.conn.Close()
	c.srv.mu.Lock()
	delete(c.srv.conns, c.id)
	c.srv.mu.Unlock()

	c.srv.registry.DropConnection(c.id)
	c.srv.logger.Info("client disconnected", "connection", c.id)
}

func (c *connection) dispatch(req *request) {
	c.srv.mu.Lock()
	h := c.srv.handlers[req.Object+"."+req.Method]
	c.srv.mu.Unlock()

	if h == nil {
		c.write(response{ID: req.ID, Error: ErrUnknownMethod.Error()})
		return
	}

	result, err := h(c.clientFor(req.Object, req.Path), req.Params)
	if err != nil {
		c.write(response{ID: req.ID, Error: err.Error()})
		return
	}
	c.write(response{ID: req.ID, Result: result})
}
