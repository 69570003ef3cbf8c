// Package conn manages the WebSocket connection lifecycle: dialing,
// heartbeats, ack correlation, and reconnection with exponential
// backoff. It is a pure transport layer; it never touches the message
// store or the outbound queue, and its side effects are observable only
// through emitted events.
package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/jbaxter/msgsync/internal/chat"
	"github.com/jbaxter/msgsync/internal/errors"
	"github.com/jbaxter/msgsync/internal/events"
	"github.com/jbaxter/msgsync/internal/retry"
)

//go:generate mockgen -source=conn.go -destination=wsconn_mock_test.go -package=conn

// wsConn is the slice of *websocket.Conn the client uses. Mocked in tests.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// State is the connection lifecycle state. Exactly one per client
// process; never persisted.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateBackoff      State = "backoff"
)

// StateChange is the payload of KindConnectionState events. Attempt and
// Wait are set only for backoff transitions.
type StateChange struct {
	State   State
	Attempt int
	Wait    time.Duration
}

// readLimit bounds inbound frames. Chat messages are small; anything
// near this size is a protocol violation.
const readLimit = 1 << 20

// tickInterval is the granularity for ack deadlines and heartbeat
// scheduling inside the event loop.
const tickInterval = time.Second

// inboundMsg wraps a message read from the WebSocket by the reader
// goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// sendOp is a message submitted to the event loop, resolved when the
// server acks it or the ack deadline passes.
type sendOp struct {
	msg    chat.Message
	result chan sendResult
}

type sendResult struct {
	ack chat.Ack
	err error
}

// frameOp is a fire-and-forget frame write (backfill requests,
// heartbeats triggered externally).
type frameOp struct {
	data   []byte
	result chan error
}

// Config holds the connection policy. Durations come from configuration
// with the defaults documented in internal/config.
type Config struct {
	URL string

	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	LivenessTimeout   time.Duration
	AckTimeout        time.Duration

	BackoffBase          time.Duration
	BackoffCap           time.Duration
	MaxReconnectAttempts int

	// ProtocolErrorLimit is the number of consecutive malformed frames
	// tolerated before the connection is torn down.
	ProtocolErrorLimit int
}

// FrameHandler receives inbound message, backfillResponse, and orphaned
// ack frames. Called from the event loop goroutine; implementations
// should hand off quickly.
type FrameHandler func(f chat.Frame)

// Client drives one WebSocket connection at a time.
//
// Architecture: a reader goroutine feeds inboundCh with raw frames. A
// single event loop (inside Run) processes inbound frames, submitted
// send operations, and heartbeat ticks. All writes to the connection
// happen from the event loop, so no write mutex is needed.
type Client struct {
	cfg     Config
	emitter *events.Emitter
	logger  *slog.Logger

	// dial is swapped out in tests.
	dial func(ctx context.Context) (wsConn, error)

	conn      wsConn
	inboundCh chan inboundMsg
	opCh      chan sendOp
	frameCh   chan frameOp

	onFrame FrameHandler

	state   State
	stateMu sync.RWMutex

	lastMessage time.Time
	lastMsgMu   sync.Mutex

	// stopMu guards stopping, conn, and connCancel, which Disconnect
	// touches from outside the Run goroutine.
	stopMu sync.Mutex

	// connCancel stops the reader goroutine of the current connection.
	connCancel context.CancelFunc

	// stopping is set by Disconnect so Run knows the closure was an
	// explicit user action, not a transport failure.
	stopping bool
}

// New creates a client. The frame handler must be set with OnFrame
// before Run.
func New(cfg Config, emitter *events.Emitter, logger *slog.Logger) *Client {
	c := &Client{
		cfg:     cfg,
		emitter: emitter,
		logger:  logger,
		opCh:    make(chan sendOp, 64),
		frameCh: make(chan frameOp, 16),
		state:   StateDisconnected,
	}
	c.dial = c.dialWebSocket

	return c
}

// OnFrame registers the inbound frame handler. Must be called before Run.
func (c *Client) OnFrame(h FrameHandler) {
	c.onFrame = h
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	return c.state
}

func (c *Client) setState(change StateChange) {
	c.stateMu.Lock()
	prev := c.state
	c.state = change.State
	c.stateMu.Unlock()

	if prev != change.State || change.State == StateBackoff {
		c.emitter.Publish(events.KindConnectionState, change)
	}
}

func (c *Client) dialWebSocket(ctx context.Context) (wsConn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	ws, _, err := websocket.Dial(dctx, c.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(readLimit)

	return ws, nil
}

// connect dials and transitions connecting -> connected.
func (c *Client) connect(ctx context.Context) error {
	c.setState(StateChange{State: StateConnecting})
	c.logger.Debug("connecting", slog.String("url", c.cfg.URL))

	ws, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("dialing websocket: %w", err)
	}

	c.stopMu.Lock()
	c.conn = ws
	c.stopMu.Unlock()
	c.touchLastMessage()
	c.setState(StateChange{State: StateConnected})
	c.logger.Info("connected", slog.String("url", c.cfg.URL))

	return nil
}

// Run connects and services the connection until the context is
// cancelled, Disconnect is called, or the reconnect budget is spent.
// On transport errors it transitions to backoff and retries with the
// shared exponential policy; a successful open resets the attempt
// counter. Once attempts are exhausted it parks in disconnected and
// returns nil, leaving reconnection to an explicit user action.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0

	for {
		if err := ctx.Err(); err != nil {
			c.setState(StateChange{State: StateDisconnected})
			return err
		}

		if err := c.connect(ctx); err != nil {
			if ctx.Err() != nil {
				c.setState(StateChange{State: StateDisconnected})
				return ctx.Err()
			}

			attempt++
			if attempt >= c.cfg.MaxReconnectAttempts {
				c.logger.Warn("reconnect attempts exhausted, parking",
					slog.Int("attempts", attempt),
					slog.String("error", err.Error()),
				)
				c.setState(StateChange{State: StateDisconnected})
				return nil
			}

			if !c.waitBackoff(ctx, attempt, err) {
				c.setState(StateChange{State: StateDisconnected})
				return ctx.Err()
			}
			continue
		}

		attempt = 0

		connCtx, connCancel := context.WithCancel(ctx)
		c.stopMu.Lock()
		c.connCancel = connCancel
		c.stopMu.Unlock()
		c.startReader(connCtx)

		err := c.eventLoop(ctx, connCtx)
		connCancel()

		if c.isStopping() || ctx.Err() != nil {
			c.setState(StateChange{State: StateDisconnected})
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}

		attempt++
		if attempt >= c.cfg.MaxReconnectAttempts {
			c.logger.Warn("reconnect attempts exhausted, parking",
				slog.Int("attempts", attempt),
				slog.String("error", err.Error()),
			)
			c.setState(StateChange{State: StateDisconnected})
			return nil
		}

		if !c.waitBackoff(ctx, attempt, err) {
			c.setState(StateChange{State: StateDisconnected})
			return ctx.Err()
		}
	}
}

// waitBackoff sleeps for the policy delay plus jitter. Returns false if
// the context was cancelled while waiting.
func (c *Client) waitBackoff(ctx context.Context, attempt int, cause error) bool {
	wait := retry.Backoff(attempt, c.cfg.BackoffBase, c.cfg.BackoffCap)
	c.setState(StateChange{State: StateBackoff, Attempt: attempt, Wait: wait})
	c.logger.Warn("connection lost, backing off",
		slog.Int("attempt", attempt),
		slog.Duration("wait", wait),
		slog.String("error", cause.Error()),
	)

	jitter := time.Duration(rand.Int63n(int64(wait)/2 + 1))
	timer := time.NewTimer(wait + jitter)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Disconnect is the explicit user action: it cancels pending timers and
// the reader, closes the socket, and leaves the client parked. Sends in
// flight are abandoned without charging an attempt.
func (c *Client) Disconnect() error {
	c.stopMu.Lock()
	c.stopping = true
	cancel := c.connCancel
	conn := c.conn
	c.stopMu.Unlock()

	if cancel != nil {
		cancel()
	}

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "bye")
	}

	return nil
}

// ClearStopped re-arms the client after an explicit Disconnect so a
// user-triggered reconnect can call Run again.
func (c *Client) ClearStopped() {
	c.stopMu.Lock()
	c.stopping = false
	c.stopMu.Unlock()
}

func (c *Client) isStopping() bool {
	c.stopMu.Lock()
	defer c.stopMu.Unlock()

	return c.stopping
}

// Send submits a message to the event loop and waits for the server's
// ack. Each send has its own ack deadline; a timeout is returned as a
// retryable transport error. A context cancelled mid-send reports the
// send as abandoned so the queue does not charge an attempt.
func (c *Client) Send(ctx context.Context, m chat.Message) (chat.Ack, error) {
	if c.State() != StateConnected {
		return chat.Ack{}, errors.ErrNotConnected
	}

	op := sendOp{msg: m, result: make(chan sendResult, 1)}

	select {
	case c.opCh <- op:
	case <-ctx.Done():
		return chat.Ack{}, fmt.Errorf("%w: %v", errors.ErrSendAbandoned, ctx.Err())
	}

	select {
	case res := <-op.result:
		return res.ack, res.err
	case <-ctx.Done():
		return chat.Ack{}, fmt.Errorf("%w: %v", errors.ErrSendAbandoned, ctx.Err())
	}
}

// SendFrame writes an arbitrary frame (backfill requests) from the
// event loop. Returns once the write completed.
func (c *Client) SendFrame(ctx context.Context, typ string, payload any) error {
	if c.State() != StateConnected {
		return errors.ErrNotConnected
	}

	data, err := chat.EncodeFrame(typ, payload)
	if err != nil {
		return err
	}

	op := frameOp{data: data, result: make(chan error, 1)}

	select {
	case c.frameCh <- op:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-op.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startReader launches a goroutine that reads from the WebSocket and
// feeds inboundCh. The channel is captured by value so a stale reader
// from a previous connection cannot feed the new one.
func (c *Client) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, 64)
	c.inboundCh = ch
	conn := c.conn

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// eventLoop services one connection. All writes happen here. Returns on
// read error, liveness timeout, context cancellation, or repeated
// protocol violations.
func (c *Client) eventLoop(ctx context.Context, connCtx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	// pending correlates in-flight sends by message ID. Scoped to this
	// connection: whatever is unresolved when the loop exits is failed
	// over to the caller.
	pending := make(map[string]pendingSend)
	defer c.failPending(pending)

	lastHeartbeat := time.Now()
	protoErrs := 0

	for {
		select {
		case msg := <-c.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}
			c.touchLastMessage()

			if msg.typ != websocket.MessageText {
				c.logger.Debug("ignoring non-text frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			ok, err := c.handleInbound(msg.data, pending)
			if err != nil {
				return err
			}
			if ok {
				protoErrs = 0
			} else {
				protoErrs++
				if protoErrs >= c.cfg.ProtocolErrorLimit {
					c.conn.Close(websocket.StatusProtocolError, "repeated malformed frames")
					return fmt.Errorf("%w: %d consecutive malformed frames", errors.ErrProtocol, protoErrs)
				}
			}

		case op := <-c.opCh:
			data, err := chat.EncodeFrame(chat.FrameMessage, op.msg.ToWire())
			if err != nil {
				op.result <- sendResult{err: err}
				continue
			}
			if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
				op.result <- sendResult{err: fmt.Errorf("writing message frame: %w", err)}
				return fmt.Errorf("writing message frame: %w", err)
			}
			pending[op.msg.ID] = pendingSend{op: op, deadline: time.Now().Add(c.cfg.AckTimeout)}

		case op := <-c.frameCh:
			err := c.conn.Write(ctx, websocket.MessageText, op.data)
			op.result <- err
			if err != nil {
				return fmt.Errorf("writing frame: %w", err)
			}

		case <-ticker.C:
			now := time.Now()

			for id, p := range pending {
				if now.After(p.deadline) {
					p.op.result <- sendResult{err: fmt.Errorf("%w: message %s", errors.ErrAckTimeout, id)}
					delete(pending, id)
				}
			}

			c.lastMsgMu.Lock()
			elapsed := time.Since(c.lastMessage)
			c.lastMsgMu.Unlock()

			if elapsed > c.cfg.HeartbeatInterval+c.cfg.LivenessTimeout {
				c.logger.Warn("liveness timeout, closing connection")
				c.conn.Close(websocket.StatusGoingAway, "liveness timeout")
				return fmt.Errorf("liveness timeout after %s", elapsed.Truncate(time.Second))
			}

			if now.Sub(lastHeartbeat) >= c.cfg.HeartbeatInterval {
				data, err := chat.EncodeFrame(chat.FrameHeartbeat, nil)
				if err != nil {
					return err
				}
				if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
					return fmt.Errorf("sending heartbeat: %w", err)
				}
				lastHeartbeat = now
			}

		case <-ctx.Done():
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

type pendingSend struct {
	op       sendOp
	deadline time.Time
}

// failPending resolves every in-flight send when a connection dies. An
// explicit disconnect marks them abandoned (no attempt charged); a
// transport failure marks them retryable. Ops accepted into the channels
// but never picked up by the loop are resolved too, so a caller blocked
// in Send or SendFrame cannot outlive the connection.
func (c *Client) failPending(pending map[string]pendingSend) {
	for id, p := range pending {
		if c.isStopping() {
			p.op.result <- sendResult{err: errors.ErrSendAbandoned}
		} else {
			p.op.result <- sendResult{err: fmt.Errorf("connection lost awaiting ack for %s", id)}
		}
		delete(pending, id)
	}

	for {
		select {
		case op := <-c.opCh:
			if c.isStopping() {
				op.result <- sendResult{err: errors.ErrSendAbandoned}
			} else {
				op.result <- sendResult{err: fmt.Errorf("%w: connection lost before write", errors.ErrNotConnected)}
			}

		case op := <-c.frameCh:
			op.result <- errors.ErrNotConnected

		default:
			return
		}
	}
}

// handleInbound routes one text frame. Returns ok=false for malformed
// frames (logged and dropped) and a non-nil error only for conditions
// that must tear the connection down.
func (c *Client) handleInbound(data []byte, pending map[string]pendingSend) (bool, error) {
	typ := gjson.GetBytes(data, "type").Str
	if typ == "" {
		c.logger.Warn("malformed frame, missing type", slog.Int("bytes", len(data)))
		return false, nil
	}

	switch typ {
	case chat.FrameHeartbeat:
		// Liveness already refreshed by the read itself.
		return true, nil

	case chat.FrameAck:
		var f chat.Frame
		if err := decodeFrame(data, &f); err != nil {
			c.logger.Warn("malformed ack frame", slog.String("error", err.Error()))
			return false, nil
		}

		var ack chat.Ack
		if err := f.DecodePayload(&ack); err != nil {
			c.logger.Warn("malformed ack payload", slog.String("error", err.Error()))
			return false, nil
		}

		if p, ok := pending[ack.ID]; ok {
			p.op.result <- sendResult{ack: ack}
			delete(pending, ack.ID)
			return true, nil
		}

		// Ack for a send we no longer track (e.g. it timed out locally).
		// Forward it so the coordinator can still settle the message.
		c.forwardFrame(f)

		return true, nil

	case chat.FrameMessage, chat.FrameBackfillResponse:
		var f chat.Frame
		if err := decodeFrame(data, &f); err != nil {
			c.logger.Warn("malformed frame", slog.String("type", typ), slog.String("error", err.Error()))
			return false, nil
		}

		c.forwardFrame(f)

		return true, nil

	default:
		c.logger.Debug("unexpected frame type", slog.String("type", typ))
		return false, nil
	}
}

func (c *Client) forwardFrame(f chat.Frame) {
	if c.onFrame == nil {
		c.logger.Warn("no frame handler registered, dropping frame", slog.String("type", f.Type))
		return
	}

	c.onFrame(f)
}

func decodeFrame(data []byte, f *chat.Frame) error {
	return json.Unmarshal(data, f)
}

func (c *Client) touchLastMessage() {
	c.lastMsgMu.Lock()
	c.lastMessage = time.Now()
	c.lastMsgMu.Unlock()
}
