package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mcphost/internal/domain"
	"mcphost/internal/infra/telemetry"
	"mcphost/internal/infra/transport"
)

// Result resolves one call: exactly one of Value or Err is set.
type Result struct {
	Value json.RawMessage
	Err   error
}

// PendingCall is a call in flight. Done yields exactly one Result.
type PendingCall struct {
	ID   int64
	done chan Result
}

func (p *PendingCall) Done() <-chan Result {
	return p.done
}

// NotificationHandler receives every inbound message without a
// correlatable id, in arrival order.
type NotificationHandler func(method string, params json.RawMessage)

// Client speaks JSON-RPC 2.0 over a transport connection. Request ids
// are a monotonic counter, never reused for the life of the client.
// Concurrent calls interleave freely on the wire.
type Client struct {
	conn    transport.Conn
	logger  *zap.Logger
	server  string
	metrics domain.Metrics

	onNotification NotificationHandler
	onClosed       func(err error)

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*pendingEntry

	cancelRead context.CancelFunc
	closeOnce  sync.Once
	closed     chan struct{}
}

type pendingEntry struct {
	done  chan Result
	timer *time.Timer
}

type Options struct {
	Logger  *zap.Logger
	Server  string
	Metrics domain.Metrics

	// OnNotification is invoked synchronously from the read loop so
	// notification order matches arrival order.
	OnNotification NotificationHandler

	// OnClosed fires once when the read loop stops on a transport
	// error. It does not fire on explicit Close.
	OnClosed func(err error)
}

func NewClient(conn transport.Conn, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:           conn,
		logger:         logger,
		server:         opts.Server,
		metrics:        metrics,
		onNotification: opts.OnNotification,
		onClosed:       opts.OnClosed,
		pending:        make(map[int64]*pendingEntry),
		cancelRead:     cancel,
		closed:         make(chan struct{}),
	}
	go c.readLoop(ctx)
	return c
}

// CallAsync issues a request and returns immediately. The result is
// delivered on the pending call's Done channel: the matching response,
// ErrCallTimeout once timeout elapses, or ErrCallCancelled if the
// client closes first. A response arriving after the timeout is
// dropped, never delivered.
func (c *Client) CallAsync(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (*PendingCall, error) {
	if c.isClosed() {
		return nil, domain.ErrConnectionClosed
	}
	if timeout <= 0 {
		timeout = domain.DefaultCallTimeout
	}

	id := c.nextID.Add(1)
	entry := &pendingEntry{done: make(chan Result, 1)}

	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return nil, domain.ErrConnectionClosed
	}
	c.pending[id] = entry
	c.mu.Unlock()

	payload, err := json.Marshal(domain.Message{
		JSONRPC: domain.JSONRPCVersion,
		ID:      domain.RequestID(id),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if err := c.conn.Send(ctx, payload); err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("send request: %w", err)
	}

	timer := time.AfterFunc(timeout, func() {
		if removed := c.takePending(id); removed != nil {
			removed.done <- Result{Err: fmt.Errorf("%s: %w", method, domain.ErrCallTimeout)}
		}
	})

	// The response may have raced in before the timer was armed. Attach
	// it only while the call is still pending; entry.timer is read and
	// written under c.mu alone.
	c.mu.Lock()
	if current, stillPending := c.pending[id]; stillPending && current == entry {
		entry.timer = timer
		c.mu.Unlock()
	} else {
		c.mu.Unlock()
		timer.Stop()
	}

	return &PendingCall{ID: id, done: entry.done}, nil
}

// Call issues a request and blocks for the result.
func (c *Client) Call(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	call, err := c.CallAsync(ctx, method, params, timeout)
	if err != nil {
		return nil, err
	}
	select {
	case result := <-call.Done():
		return result.Value, result.Err
	case <-ctx.Done():
		c.takePending(call.ID)
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget notification: no id, no response.
func (c *Client) Notify(ctx context.Context, method string, params json.RawMessage) error {
	if c.isClosed() {
		return domain.ErrConnectionClosed
	}
	payload, err := json.Marshal(domain.Message{
		JSONRPC: domain.JSONRPCVersion,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := c.conn.Send(ctx, payload); err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	return nil
}

// Close stops the read loop, closes the connection, and fails every
// pending call with ErrCallCancelled. Idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancelRead()
		err = c.conn.Close()
		c.failPending(domain.ErrCallCancelled)
	})
	return err
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		frame, err := c.conn.Recv(ctx)
		if err != nil {
			if c.isClosed() || ctx.Err() != nil {
				return
			}
			c.logger.Warn("transport read failed",
				telemetry.EventField(telemetry.EventTransportError),
				telemetry.ServerNameField(c.server),
				zap.Error(err),
			)
			// Pending calls are left to their own deadlines; only an
			// explicit Close cancels them.
			if c.onClosed != nil {
				c.onClosed(err)
			}
			return
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame json.RawMessage) {
	var msg domain.Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		c.anomaly("malformed_frame", zap.Error(err))
		return
	}

	switch {
	case msg.IsResponse():
		c.dispatchResponse(&msg)
	case msg.IsNotification():
		if c.onNotification != nil {
			c.onNotification(msg.Method, msg.Params)
		}
	case msg.IsRequest():
		// Server-to-client requests (sampling etc.) are out of scope;
		// answer method-not-found so the server is not left hanging.
		c.rejectServerCall(&msg)
	default:
		c.anomaly("unclassifiable_message", zap.ByteString("frame", frame))
	}
}

func (c *Client) dispatchResponse(msg *domain.Message) {
	id, ok := domain.ParseRequestID(msg.ID)
	if !ok {
		c.anomaly("invalid_response_id", zap.ByteString("id", msg.ID))
		return
	}
	entry := c.takePending(id)
	if entry == nil {
		// Late or unsolicited; dropped per protocol contract.
		c.anomaly("unmatched_response", telemetry.RequestIDField(id))
		return
	}
	if msg.Error != nil {
		entry.done <- Result{Err: msg.Error}
		return
	}
	entry.done <- Result{Value: msg.Result}
}

func (c *Client) rejectServerCall(msg *domain.Message) {
	payload, err := json.Marshal(domain.Message{
		JSONRPC: domain.JSONRPCVersion,
		ID:      msg.ID,
		Error:   &domain.RPCError{Code: -32601, Message: "method not found"},
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.conn.Send(ctx, payload); err != nil {
		c.logger.Debug("respond to server call failed",
			telemetry.ServerNameField(c.server),
			telemetry.MethodField(msg.Method),
			zap.Error(err),
		)
	}
}

func (c *Client) anomaly(kind string, fields ...zap.Field) {
	c.metrics.ObserveProtocolAnomaly(c.server, kind)
	fields = append([]zap.Field{
		telemetry.EventField(telemetry.EventProtocolAnomaly),
		telemetry.ServerNameField(c.server),
		zap.String("kind", kind),
	}, fields...)
	c.logger.Warn("protocol anomaly", fields...)
}

// takePending removes and returns the entry for id, stopping its
// deadline timer while still under the lock so no other goroutine
// touches the timer afterwards.
func (c *Client) takePending(id int64) *pendingEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.pending[id]
	if entry == nil {
		return nil
	}
	delete(c.pending, id)
	if entry.timer != nil {
		entry.timer.Stop()
	}
	return entry
}

func (c *Client) removePending(id int64) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	for _, entry := range pending {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
	c.mu.Unlock()
	for _, entry := range pending {
		entry.done <- Result{Err: err}
	}
}

// PendingCount reports how many calls are awaiting responses.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
