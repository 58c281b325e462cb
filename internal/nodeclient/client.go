// ABOUTME: WebSocket client a worker node uses to register with the gateway and serve tasks.
// ABOUTME: Handles the register handshake, heartbeats, task ack/result and reconnects.

package nodeclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/2389/fleet-gateway/internal/protocol"
)

// ErrDisconnected settles any call still waiting on a socket that went away.
var ErrDisconnected = errors.New("disconnected from gateway")

// GatewayError is an error frame sent by the gateway. Connect returns it
// when the registration is refused; after registration it is passed to
// the OnError handlers.
type GatewayError struct {
	Code   string
	Reason string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error %s: %s", e.Code, e.Reason)
}

// Conn is the subset of *websocket.Conn the client uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a connection to url.
type Dialer func(ctx context.Context, url string) (Conn, error)

// DefaultDialer dials with gorilla's default websocket dialer.
func DefaultDialer(ctx context.Context, url string) (Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return ws, nil
}

// Handler processes one task and returns the result payload.
type Handler func(ctx context.Context, task protocol.LaneMessage) (json.RawMessage, error)

// Options configures a Client.
type Options struct {
	URL          string
	NodeID       string
	Token        string
	Capabilities protocol.NodeCapabilities

	Dialer        Dialer
	MaxFrameBytes int
	Logger        *slog.Logger

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	MaxRestarts      int
	RestartWindow    time.Duration
}

// Client connects one worker node to the gateway.
type Client struct {
	opts      Options
	logger    *slog.Logger
	heartbeat *HeartbeatResponder

	mu            sync.Mutex
	errorHandlers []func(error)
}

// New validates opts and creates a client.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("gateway url is required")
	}
	if opts.NodeID == "" {
		return nil, errors.New("node id is required")
	}
	if err := protocol.ValidateCapabilities(opts.Capabilities); err != nil {
		return nil, err
	}
	if opts.Dialer == nil {
		opts.Dialer = DefaultDialer
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = protocol.DefaultMaxFrameBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:      opts,
		logger:    logger.With("node_id", opts.NodeID),
		heartbeat: NewHeartbeatResponder(),
	}, nil
}

// OnError registers fn to receive oversized frames and error frames that
// arrive after registration.
func (c *Client) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorHandlers = append(c.errorHandlers, fn)
}

// Heartbeat returns the client's heartbeat responder.
func (c *Client) Heartbeat() *HeartbeatResponder {
	return c.heartbeat
}

func (c *Client) emitError(err error) {
	c.mu.Lock()
	handlers := append([]func(error){}, c.errorHandlers...)
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(err)
	}
}

// await is a one-shot result. Only the first settle counts.
type await struct {
	once sync.Once
	ch   chan error
}

func newAwait() *await {
	return &await{ch: make(chan error, 1)}
}

func (a *await) settle(err error) bool {
	settled := false
	a.once.Do(func() {
		a.ch <- err
		settled = true
	})
	return settled
}

// Session is one registered connection to the gateway.
type Session struct {
	client *Client
	conn   Conn

	writeMu sync.Mutex
	tasks   chan protocol.LaneMessage

	mu        sync.Mutex
	id        string
	err       error
	pending   []*await
	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
}

// ID returns the session id assigned by the gateway.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Done is closed when the socket's reader exits.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session ended, nil while it is running.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Send encodes and writes a frame.
func (s *Session) Send(f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and closes the socket.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closing)
		_ = s.Send(protocol.Close("client closing"))
		err = s.conn.Close()
	})
	return err
}

func (s *Session) watch(a *await) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		a.settle(ErrDisconnected)
	default:
		s.pending = append(s.pending, a)
	}
}

func (s *Session) finish(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	pending := s.pending
	s.pending = nil
	close(s.done)
	s.mu.Unlock()

	for _, a := range pending {
		a.settle(ErrDisconnected)
	}
	s.conn.Close()
}

// Connect dials the gateway, registers and waits for the ack. Exactly
// one of the ack, an error frame, an unexpected close or ctx
// cancellation settles the call.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	conn, err := c.opts.Dialer(ctx, c.opts.URL)
	if err != nil {
		return nil, err
	}

	s := &Session{
		client:  c,
		conn:    conn,
		tasks:   make(chan protocol.LaneMessage, 64),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	ack := newAwait()
	s.watch(ack)
	go s.readLoop(ack)

	if err := s.Send(protocol.Register(c.opts.NodeID, c.opts.Token, c.opts.Capabilities)); err != nil {
		ack.settle(fmt.Errorf("sending register: %w", err))
	}

	select {
	case err = <-ack.ch:
	case <-ctx.Done():
		ack.settle(ctx.Err())
		err = <-ack.ch
	}
	if err != nil {
		s.Close()
		return nil, err
	}

	c.logger.Info("registered with gateway", "session_id", s.ID())
	return s, nil
}

func (s *Session) readLoop(ack *await) {
	c := s.client
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.finish(ErrDisconnected)
			return
		}

		f, err := protocol.Decode(raw, c.opts.MaxFrameBytes)
		if err != nil {
			if protocol.IsFrameTooLarge(err) {
				c.emitError(err)
			} else {
				c.logger.Warn("dropping malformed frame", "error", err)
			}
			continue
		}

		switch f.Type {
		case protocol.TypeRegisterAck:
			s.mu.Lock()
			s.id = f.SessionID
			s.mu.Unlock()
			ack.settle(nil)

		case protocol.TypeError:
			gerr := &GatewayError{Code: f.Code, Reason: f.Reason}
			if !ack.settle(gerr) {
				c.emitError(gerr)
			}

		case protocol.TypePing:
			pong, _ := c.heartbeat.Respond(f)
			if err := s.Send(pong); err != nil {
				c.logger.Debug("failed to answer ping", "error", err)
			}

		case protocol.TypeTask:
			// Acked by serve once a handler takes it.
			select {
			case s.tasks <- f.LaneMessage():
			case <-s.closing:
				s.finish(ErrDisconnected)
				return
			}

		case protocol.TypeClose:
			c.logger.Info("gateway closed session", "reason", f.Reason)
			s.finish(ErrDisconnected)
			return

		default:
			c.logger.Debug("ignoring frame", "type", f.Type)
		}
	}
}

// serve runs tasks until the session ends or ctx is cancelled, at most
// MaxConcurrency at a time. A task is acked only when a handler slot
// takes it, so an ack always means the task gets handled.
func (s *Session) serve(ctx context.Context, handler Handler) error {
	limit := s.client.opts.Capabilities.MaxConcurrency
	if limit < 1 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)

	for {
		select {
		case <-ctx.Done():
			s.Close()
			g.Wait()
			return ctx.Err()
		case <-s.done:
			if n := len(s.tasks); n > 0 {
				s.client.logger.Warn("session ended with tasks never taken; the gateway will redeliver them", "count", n)
			}
			g.Wait()
			return s.Err()
		case task := <-s.tasks:
			g.Go(func() error {
				if err := s.Send(protocol.TaskAck(task.MessageID)); err != nil {
					s.client.logger.Debug("dropping task that could not be acked", "message_id", task.MessageID, "error", err)
					return nil
				}
				s.runTask(ctx, handler, task)
				return nil
			})
		}
	}
}

func (s *Session) runTask(ctx context.Context, handler Handler, task protocol.LaneMessage) {
	logger := s.client.logger.With("message_id", task.MessageID, "lane", task.Lane)
	out, err := handler(ctx, task)
	if err != nil {
		logger.Warn("task failed", "error", err)
		out, _ = json.Marshal(map[string]string{"error": err.Error()})
	}
	if err := s.Send(protocol.TaskResult(task.MessageID, task.ConversationKey, out)); err != nil {
		logger.Warn("failed to send task result", "error", err)
	}
}

// Run connects and serves tasks with handler until ctx is cancelled,
// reconnecting after unexpected disconnects. It returns nil on
// cancellation, the GatewayError when registration is refused and
// ErrRestartBudgetExhausted when reconnects come too fast.
func (c *Client) Run(ctx context.Context, handler Handler) error {
	strategy := NewReconnectStrategy(c.opts.ReconnectInitial, c.opts.ReconnectMax)
	restarts := NewRestartTracker(c.opts.MaxRestarts, c.opts.RestartWindow)

	for {
		s, err := c.Connect(ctx)
		if err == nil {
			strategy.Reset()
			err = s.serve(ctx, handler)
		}
		if ctx.Err() != nil {
			return nil
		}

		var gerr *GatewayError
		if errors.As(err, &gerr) {
			return err
		}
		if !restarts.Allow() {
			return fmt.Errorf("%w: %w", ErrRestartBudgetExhausted, err)
		}

		delay := strategy.Next()
		c.logger.Warn("connection lost, reconnecting", "error", err, "delay", delay, "restarts", restarts.Count())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}
