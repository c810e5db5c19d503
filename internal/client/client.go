// Package client is the thin client side of the broker: a connection state
// machine that correlates request/reply frames, tracks the current session
// and reconnects after transport loss. Session membership is not restored
// after a reconnect; callers join again.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"collab/api/internal/collab"
	"collab/api/internal/oplog"
	"collab/api/internal/sessions"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateInSession    State = "in_session"
)

// Events emitted by the client itself rather than the broker.
const (
	EventConnectionInterrupted = "connection.interrupted"
	EventConnectionRestored    = "connection.restored"
	EventConnectionLost        = "connection.lost"
)

const (
	DefaultMaxRetries     = 5
	DefaultRetryStep      = 500 * time.Millisecond
	DefaultRequestTimeout = 10 * time.Second
	DefaultEventBuffer    = 256
)

type Event struct {
	Channel string          `json:"channel"`
	Name    string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

// Connection describes the broker side of an established connection.
type Connection struct {
	ConnectionID string           `json:"connection_id"`
	WorkspaceID  string           `json:"workspace_id"`
	Principal    collab.Principal `json:"principal"`
	Node         string           `json:"node"`
}

type Options struct {
	Dial           DialFunc
	MaxRetries     int
	RetryStep      time.Duration
	RequestTimeout time.Duration
	EventBuffer    int
	Logger         *slog.Logger
}

type reply struct {
	frame Frame
	err   error
}

type Client struct {
	opts   Options
	logger *slog.Logger
	events chan Event
	nextID atomic.Uint64

	mu         sync.Mutex
	state      State
	transport  Transport
	conn       Connection
	session    *sessions.Session
	pending    map[string]chan reply
	generation uint64
	lost       bool
	stop       context.CancelFunc
}

func New(opts Options) *Client {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryStep <= 0 {
		opts.RetryStep = DefaultRetryStep
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		opts:    opts,
		logger:  opts.Logger,
		events:  make(chan Event, opts.EventBuffer),
		state:   StateDisconnected,
		pending: make(map[string]chan reply),
	}
}

// Events delivers broker events and the client's own connection events. The
// channel is never closed; events are dropped when the buffer is full.
func (c *Client) Events() <-chan Event {
	return c.events
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the session the client is currently in.
func (c *Client) Session() (sessions.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return sessions.Session{}, false
	}
	return *c.session, true
}

func (c *Client) Connection() Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Connect dials the broker and waits for the handshake. The broker
// subscribes the connection to its workspace channel.
func (c *Client) Connect(ctx context.Context) (Connection, error) {
	c.mu.Lock()
	switch c.state {
	case StateConnected, StateInSession:
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	case StateConnecting:
		c.mu.Unlock()
		return Connection{}, fmt.Errorf("%w: connect already in progress", collab.ErrConnectionError)
	}
	c.state = StateConnecting
	c.lost = false
	c.mu.Unlock()

	t, info, err := c.dial(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if c.state == StateConnecting {
			c.state = StateDisconnected
		}
		return Connection{}, err
	}
	if c.state != StateConnecting {
		_ = t.Close()
		return Connection{}, fmt.Errorf("%w: disconnected while connecting", collab.ErrConnectionError)
	}
	c.attachLocked(t, info)
	return info, nil
}

// Disconnect closes the connection from any state. Outstanding requests fail
// with ErrConnectionError.
func (c *Client) Disconnect() {
	c.mu.Lock()
	t := c.transport
	c.transport = nil
	c.generation++
	c.state = StateDisconnected
	c.session = nil
	c.lost = false
	stop := c.stop
	c.stop = nil
	pending := c.takePendingLocked()
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	failPending(pending, fmt.Errorf("%w: disconnected", collab.ErrConnectionError))
	if t != nil {
		_ = t.Close()
	}
}

func (c *Client) StartSession(ctx context.Context, kind collab.SessionKind, channelName string, permissions map[string]string) (sessions.Session, error) {
	if err := c.requireIdle(); err != nil {
		return sessions.Session{}, err
	}
	var session sessions.Session
	err := c.request(ctx, "session.start", map[string]any{
		"kind":         kind,
		"channel_name": channelName,
		"permissions":  permissions,
	}, &session)
	if err != nil {
		return sessions.Session{}, err
	}
	c.enter(session)
	return session, nil
}

func (c *Client) JoinSession(ctx context.Context, sessionID string) (sessions.Session, error) {
	if err := c.requireIdle(); err != nil {
		return sessions.Session{}, err
	}
	var session sessions.Session
	if err := c.request(ctx, "session.join", map[string]any{"session_id": sessionID}, &session); err != nil {
		return sessions.Session{}, err
	}
	c.enter(session)
	return session, nil
}

// LeaveSession returns the client to the connected state. A session that
// ended or vanished on the broker side counts as left.
func (c *Client) LeaveSession(ctx context.Context) error {
	session, err := c.current()
	if err != nil {
		return err
	}
	err = c.request(ctx, "session.leave", map[string]any{"session_id": session.ID}, nil)
	if err != nil && !errors.Is(err, collab.ErrSessionEnded) && !errors.Is(err, collab.ErrSessionNotFound) {
		return err
	}
	c.exit(session.ID)
	return nil
}

func (c *Client) EndSession(ctx context.Context) error {
	session, err := c.current()
	if err != nil {
		return err
	}
	if err := c.request(ctx, "session.end", map[string]any{"session_id": session.ID}, nil); err != nil {
		return err
	}
	c.exit(session.ID)
	return nil
}

// SendOperation submits a document operation in the current session. A
// stale base version comes back as a result with StatusConflict.
func (c *Client) SendOperation(ctx context.Context, input oplog.Input) (oplog.Result, error) {
	session, err := c.current()
	if err != nil {
		return oplog.Result{}, err
	}
	input.SessionID = session.ID
	var result oplog.Result
	if err := c.request(ctx, "operation.send", input, &result); err != nil {
		return oplog.Result{}, err
	}
	return result, nil
}

func (c *Client) ResolveConflict(ctx context.Context, input oplog.ResolveInput) (oplog.Result, error) {
	session, err := c.current()
	if err != nil {
		return oplog.Result{}, err
	}
	input.SessionID = session.ID
	var result oplog.Result
	if err := c.request(ctx, "conflict.resolve", input, &result); err != nil {
		return oplog.Result{}, err
	}
	return result, nil
}

func (c *Client) SendMessage(ctx context.Context, input sessions.MessageInput) (sessions.Message, error) {
	session, err := c.current()
	if err != nil {
		return sessions.Message{}, err
	}
	var msg sessions.Message
	err = c.request(ctx, "message.send", map[string]any{
		"session_id":   session.ID,
		"message":      input.Message,
		"message_type": input.MessageType,
		"metadata":     input.Metadata,
	}, &msg)
	return msg, err
}

func (c *Client) SendDataUpdate(ctx context.Context, input sessions.UpdateInput) (sessions.Update, error) {
	session, err := c.current()
	if err != nil {
		return sessions.Update{}, err
	}
	var update sessions.Update
	err = c.request(ctx, "data.send", map[string]any{
		"session_id": session.ID,
		"data_type":  input.DataType,
		"data":       input.Data,
		"operation":  input.Operation,
	}, &update)
	return update, err
}

func (c *Client) SendCursor(ctx context.Context, x, y float64, elementID string) error {
	session, err := c.current()
	if err != nil {
		return err
	}
	return c.request(ctx, "cursor.send", map[string]any{
		"session_id": session.ID,
		"x":          x,
		"y":          y,
		"element_id": elementID,
	}, nil)
}

func (c *Client) Document(ctx context.Context, documentID string) (oplog.Document, error) {
	session, err := c.current()
	if err != nil {
		return oplog.Document{}, err
	}
	var doc oplog.Document
	err = c.request(ctx, "document.get", map[string]any{"session_id": session.ID, "document_id": documentID}, &doc)
	return doc, err
}

// Changes returns the accepted operations on documentID newer than since.
func (c *Client) Changes(ctx context.Context, documentID string, since int64) ([]oplog.Operation, error) {
	session, err := c.current()
	if err != nil {
		return nil, err
	}
	var changes []oplog.Operation
	err = c.request(ctx, "document.changes", map[string]any{
		"session_id":  session.ID,
		"document_id": documentID,
		"since":       since,
	}, &changes)
	return changes, err
}

func (c *Client) ActiveSessions(ctx context.Context) ([]sessions.Summary, error) {
	var items []sessions.Summary
	err := c.request(ctx, "sessions.list", map[string]any{}, &items)
	return items, err
}

func (c *Client) History(ctx context.Context, sessionID string) (sessions.History, error) {
	var history sessions.History
	err := c.request(ctx, "session.history", map[string]any{"session_id": sessionID}, &history)
	return history, err
}

func (c *Client) Online(ctx context.Context) ([]collab.Principal, error) {
	var items []collab.Principal
	err := c.request(ctx, "presence.list", map[string]any{}, &items)
	return items, err
}

func (c *Client) requireIdle() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateConnected:
		return nil
	case StateInSession:
		return fmt.Errorf("%w: already in session %s", collab.ErrInvalidArgument, c.session.ID)
	default:
		return c.notConnectedLocked()
	}
}

func (c *Client) current() (sessions.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInSession || c.session == nil {
		return sessions.Session{}, collab.ErrNotInSession
	}
	return *c.session, nil
}

func (c *Client) enter(session sessions.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return
	}
	c.state = StateInSession
	c.session = &session
}

func (c *Client) exit(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateInSession && c.session != nil && c.session.ID == sessionID {
		c.state = StateConnected
		c.session = nil
	}
}

func (c *Client) notConnectedLocked() error {
	if c.lost {
		return collab.ErrConnectionLost
	}
	return fmt.Errorf("%w: not connected", collab.ErrConnectionError)
}

func (c *Client) request(ctx context.Context, frameType string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", collab.ErrInvalidArgument, frameType, err)
	}

	c.mu.Lock()
	t := c.transport
	if t == nil {
		err := c.notConnectedLocked()
		c.mu.Unlock()
		return err
	}
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	ch := make(chan reply, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	if err := t.Send(ctx, Frame{Type: frameType, RequestID: id, Payload: body}); err != nil {
		c.forget(id)
		return fmt.Errorf("%w: send %s: %v", collab.ErrConnectionError, frameType, err)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		return decodeReply(r.frame, out)
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

func decodeReply(frame Frame, out any) error {
	switch frame.Type {
	case "error":
		remote := &collab.RemoteError{}
		if err := json.Unmarshal(frame.Payload, remote); err != nil {
			return fmt.Errorf("decode error reply: %w", err)
		}
		return remote
	case "ack":
		if out == nil {
			return nil
		}
		var ack struct {
			Result json.RawMessage `json:"result"`
		}
		if err := json.Unmarshal(frame.Payload, &ack); err != nil {
			return fmt.Errorf("decode ack: %w", err)
		}
		if err := json.Unmarshal(ack.Result, out); err != nil {
			return fmt.Errorf("decode ack result: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unexpected reply frame %q", frame.Type)
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) takePendingLocked() map[string]chan reply {
	pending := c.pending
	c.pending = make(map[string]chan reply)
	return pending
}

func failPending(pending map[string]chan reply, err error) {
	for _, ch := range pending {
		ch <- reply{err: err}
	}
}

// dial opens a transport and waits for the broker's connected frame.
func (c *Client) dial(ctx context.Context) (Transport, Connection, error) {
	if c.opts.Dial == nil {
		return nil, Connection{}, fmt.Errorf("%w: no dialer configured", collab.ErrConnectionError)
	}
	t, err := c.opts.Dial(ctx)
	if err != nil {
		return nil, Connection{}, fmt.Errorf("%w: %v", collab.ErrConnectionError, err)
	}

	type received struct {
		frame Frame
		err   error
	}
	first := make(chan received, 1)
	go func() {
		frame, err := t.Receive()
		first <- received{frame: frame, err: err}
	}()

	select {
	case <-ctx.Done():
		_ = t.Close()
		return nil, Connection{}, fmt.Errorf("%w: %v", collab.ErrConnectionError, ctx.Err())
	case res := <-first:
		if res.err != nil {
			_ = t.Close()
			return nil, Connection{}, fmt.Errorf("%w: handshake: %v", collab.ErrConnectionError, res.err)
		}
		switch res.frame.Type {
		case "connected":
			var info Connection
			if err := json.Unmarshal(res.frame.Payload, &info); err != nil {
				_ = t.Close()
				return nil, Connection{}, fmt.Errorf("%w: decode handshake: %v", collab.ErrConnectionError, err)
			}
			return t, info, nil
		case "error":
			_ = t.Close()
			return nil, Connection{}, decodeReply(res.frame, nil)
		default:
			_ = t.Close()
			return nil, Connection{}, fmt.Errorf("%w: unexpected handshake frame %q", collab.ErrConnectionError, res.frame.Type)
		}
	}
}

// attachLocked installs an established transport. The caller holds c.mu.
func (c *Client) attachLocked(t Transport, info Connection) {
	c.transport = t
	c.conn = info
	c.session = nil
	c.state = StateConnected
	c.generation++
	go c.readLoop(c.generation, t)
}

func (c *Client) readLoop(generation uint64, t Transport) {
	for {
		frame, err := t.Receive()
		if err != nil {
			c.handleLoss(generation, err)
			return
		}
		switch frame.Type {
		case "ack", "error":
			c.mu.Lock()
			ch, ok := c.pending[frame.RequestID]
			delete(c.pending, frame.RequestID)
			c.mu.Unlock()
			if ok {
				ch <- reply{frame: frame}
			}
		case "event":
			var event Event
			if err := json.Unmarshal(frame.Payload, &event); err != nil {
				c.logger.Warn("undecodable event frame", "error", err)
				continue
			}
			c.observe(event)
			c.emit(event)
		}
	}
}

// observe leaves the local session when the broker ends it.
func (c *Client) observe(event Event) {
	if event.Name != collab.EventSessionEnded {
		return
	}
	var ended struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(event.Data, &ended); err != nil {
		return
	}
	c.exit(ended.SessionID)
}

func (c *Client) emit(event Event) {
	select {
	case c.events <- event:
	default:
		c.logger.Warn("client event buffer full, dropping event", "event", event.Name, "channel", event.Channel)
	}
}

func (c *Client) handleLoss(generation uint64, cause error) {
	c.mu.Lock()
	if generation != c.generation || c.transport == nil {
		c.mu.Unlock()
		return
	}
	c.transport = nil
	c.session = nil
	c.state = StateConnecting
	pending := c.takePendingLocked()
	ctx, cancel := context.WithCancel(context.Background())
	c.stop = cancel
	c.mu.Unlock()

	failPending(pending, fmt.Errorf("%w: %v", collab.ErrConnectionLost, cause))
	c.logger.Warn("connection interrupted", "error", cause)
	c.emit(Event{Name: EventConnectionInterrupted})
	c.reconnect(ctx, cancel)
}

type dialed struct {
	transport Transport
	info      Connection
}

func (c *Client) reconnect(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	res, err := backoff.Retry(ctx, func() (dialed, error) {
		t, info, err := c.dial(ctx)
		if err != nil {
			var remote *collab.RemoteError
			if errors.As(err, &remote) {
				return dialed{}, backoff.Permanent(err)
			}
			return dialed{}, err
		}
		return dialed{transport: t, info: info}, nil
	},
		backoff.WithBackOff(&linearBackOff{step: c.opts.RetryStep}),
		backoff.WithMaxTries(uint(c.opts.MaxRetries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Info("reconnect attempt failed", "error", err, "retry_in", next)
		}),
	)

	c.mu.Lock()
	if c.state != StateConnecting || ctx.Err() != nil {
		c.mu.Unlock()
		if err == nil {
			_ = res.transport.Close()
		}
		return
	}
	c.stop = nil
	if err != nil {
		c.state = StateDisconnected
		c.lost = true
		c.mu.Unlock()
		c.logger.Error("connection lost", "error", err)
		c.emit(Event{Name: EventConnectionLost})
		return
	}
	c.attachLocked(res.transport, res.info)
	c.mu.Unlock()
	c.logger.Info("connection restored", "connection_id", res.info.ConnectionID)
	c.emit(Event{Name: EventConnectionRestored})
}

// linearBackOff waits step, 2*step, 3*step and so on.
type linearBackOff struct {
	step    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.step
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}
