// Package session owns the per-server lifecycle: launching the
// transport, running the MCP initialization handshake, serving tool
// listings and invocations, and tearing everything down. One Session
// corresponds to one configured stdio server.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mcphost/internal/domain"
	"mcphost/internal/infra/logring"
	"mcphost/internal/infra/rpc"
	"mcphost/internal/infra/telemetry"
	"mcphost/internal/infra/transport"
)

// maxNotificationMessageBytes caps how much of a log/progress
// notification payload is retained per entry.
const maxNotificationMessageBytes = 8 * 1024

type Options struct {
	Logger  *zap.Logger
	Metrics domain.Metrics

	// Transport overrides how the server is reached. Nil selects the
	// stdio transport for the session's descriptor.
	Transport transport.Transport

	CallTimeout     time.Duration
	InitTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxFrameBytes   int
	LogBufferSize   int
	CompletedLimit  int
}

func (o *Options) applyDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = domain.NopMetrics{}
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = domain.DefaultCallTimeout
	}
	if o.InitTimeout <= 0 {
		o.InitTimeout = domain.DefaultInitTimeout
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = domain.DefaultShutdownTimeout
	}
}

// Session drives one stdio MCP server through its lifecycle:
//
//	Disconnected -> Connecting -> Initializing -> Ready
//	Ready -> Degraded        (transport failed underneath us)
//	any   -> Closed          (explicit Close, or startup failure)
//
// All exported methods are safe for concurrent use.
type Session struct {
	name       string
	instanceID string
	desc       domain.ServerDescriptor
	logger     *zap.Logger
	metrics    domain.Metrics
	opts       Options

	ring        *logring.Ring
	invocations *invocationTable

	mu          sync.Mutex
	state       domain.SessionState
	lastError   error
	catalog     domain.ToolCatalog
	client      *rpc.Client
	stop        transport.StopFn
	serverInfo  domain.Implementation
	connectedAt time.Time

	closeOnce sync.Once
	closeErr  error
}

func New(desc domain.ServerDescriptor, opts Options) *Session {
	opts.applyDefaults()
	instanceID := uuid.NewString()
	logger := opts.Logger.Named("session").With(
		telemetry.ServerNameField(desc.Name),
		telemetry.SessionIDField(instanceID),
	)
	return &Session{
		name:       desc.Name,
		instanceID: instanceID,
		desc:       desc,
		logger:     logger,
		metrics:    opts.Metrics,
		opts:       opts,
		ring: logring.New(logring.Options{
			Capacity: opts.LogBufferSize,
			Server:   desc.Name,
			Metrics:  opts.Metrics,
		}),
		invocations: newInvocationTable(opts.CompletedLimit),
		state:       domain.SessionDisconnected,
	}
}

func (s *Session) Name() string               { return s.name }
func (s *Session) InstanceID() string         { return s.instanceID }
func (s *Session) Kind() domain.TransportKind { return s.desc.Kind() }

func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Start launches the server process and runs the MCP handshake. On
// success the session is Ready and its tool catalog has been fetched.
// On failure the session is Closed with the startup error recorded;
// Start never leaves a half-open process behind.
func (s *Session) Start(ctx context.Context) error {
	if err := s.transition(domain.SessionDisconnected, domain.SessionConnecting, nil); err != nil {
		return err
	}
	s.logger.Info("connecting",
		telemetry.EventField(telemetry.EventConnectAttempt),
		zap.String("command", s.desc.Command),
	)

	conn, stop, err := s.openTransport(ctx)
	if err != nil {
		wrapped := domain.Wrap(domain.CodeUnavailable, "session start", err)
		s.fail(wrapped)
		s.logger.Warn("connect failed",
			telemetry.EventField(telemetry.EventConnectFailure),
			zap.Error(err),
		)
		s.metrics.ObserveSessionStart(s.name, wrapped)
		return wrapped
	}

	client := rpc.NewClient(conn, rpc.Options{
		Logger:         s.logger,
		Server:         s.name,
		Metrics:        s.metrics,
		OnNotification: s.handleNotification,
		OnClosed:       s.handleTransportError,
	})

	s.mu.Lock()
	if s.state != domain.SessionConnecting {
		state := s.state
		s.mu.Unlock()
		// A concurrent Close won the race while the transport was
		// opening; release the fresh transport instead of resurrecting
		// the session.
		_ = client.Close()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		_ = stop(stopCtx)
		cancel()
		return domain.E(domain.CodeFailedPrecond, "session start",
			fmt.Sprintf("cannot move %s -> %s", state, domain.SessionInitializing), domain.ErrSessionUnavailable)
	}
	s.client = client
	s.stop = stop
	s.state = domain.SessionInitializing
	s.mu.Unlock()

	if err := s.initialize(ctx); err != nil {
		wrapped := domain.Wrap(domain.CodeProtocol, "session start", err)
		// A connection that died mid-handshake is a transport failure,
		// not a protocol one.
		if transportErr := s.LastError(); transportErr != nil {
			wrapped = domain.Wrap(domain.CodeUnavailable, "session start", transportErr)
			err = transportErr
		}
		s.fail(wrapped)
		s.teardownTransport()
		s.logger.Warn("handshake failed",
			telemetry.EventField(telemetry.EventHandshakeFailure),
			zap.Error(err),
		)
		s.metrics.ObserveSessionStart(s.name, wrapped)
		return wrapped
	}

	s.mu.Lock()
	if s.state != domain.SessionInitializing {
		state := s.state
		s.mu.Unlock()
		return domain.E(domain.CodeFailedPrecond, "session start",
			fmt.Sprintf("cannot move %s -> %s", state, domain.SessionReady), domain.ErrSessionUnavailable)
	}
	s.state = domain.SessionReady
	s.connectedAt = time.Now()
	serverInfo := s.serverInfo
	s.mu.Unlock()

	s.logger.Info("session ready",
		telemetry.EventField(telemetry.EventConnectSuccess),
		zap.String("serverName", serverInfo.Name),
		zap.String("serverVersion", serverInfo.Version),
	)
	s.metrics.ObserveSessionStart(s.name, nil)

	// Prime the catalog so tools are routable immediately. A failure
	// here is not fatal: the session stays Ready and the next ListTools
	// retries.
	if _, err := s.ListTools(ctx); err != nil {
		s.logger.Warn("initial tool listing failed", zap.Error(err))
	}
	return nil
}

func (s *Session) openTransport(ctx context.Context) (transport.Conn, transport.StopFn, error) {
	tr := s.opts.Transport
	if tr == nil {
		tr = transport.NewStdioTransport(transport.StdioTransportOptions{
			Logger:        s.logger,
			MaxFrameBytes: s.opts.MaxFrameBytes,
			OnStderr:      s.appendStderr,
		})
	}
	return tr.Open(ctx, s.desc)
}

func (s *Session) initialize(ctx context.Context) error {
	params, err := json.Marshal(domain.InitializeParams{
		ProtocolVersion: domain.ProtocolVersion,
		Capabilities:    domain.ClientCapabilities{},
		ClientInfo: domain.Implementation{
			Name:    domain.ClientName,
			Version: domain.ClientVersion,
		},
	})
	if err != nil {
		return fmt.Errorf("marshal initialize params: %w", err)
	}

	raw, err := s.client.Call(ctx, domain.MethodInitialize, params, s.opts.InitTimeout)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result domain.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("decode initialize result: %w", err)
	}
	if result.ProtocolVersion != domain.ProtocolVersion {
		// Version negotiation is tolerant: the server answered, so we
		// proceed with whatever it speaks and record the mismatch.
		s.logger.Warn("protocol version mismatch",
			zap.String("requested", domain.ProtocolVersion),
			zap.String("offered", result.ProtocolVersion),
		)
	}

	s.mu.Lock()
	s.serverInfo = result.ServerInfo
	s.mu.Unlock()

	if err := s.client.Notify(ctx, domain.NotificationInitialized, nil); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

// Ping checks connection liveness with the protocol-level ping.
func (s *Session) Ping(ctx context.Context) error {
	client, err := s.readyClient()
	if err != nil {
		return err
	}
	if _, err := client.Call(ctx, domain.MethodPing, nil, s.opts.InitTimeout); err != nil {
		return domain.Wrap(domain.CodeUnavailable, "ping", err)
	}
	return nil
}

// ListTools fetches the server's tool catalog and replaces the cached
// one wholesale. Requires a Ready session.
func (s *Session) ListTools(ctx context.Context) (domain.ToolCatalog, error) {
	client, err := s.readyClient()
	if err != nil {
		return domain.ToolCatalog{}, err
	}

	raw, err := client.Call(ctx, domain.MethodListTools, nil, s.opts.CallTimeout)
	if err != nil {
		return domain.ToolCatalog{}, domain.Wrap(domain.CodeUnavailable, "list tools", err)
	}

	var result domain.ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return domain.ToolCatalog{}, domain.E(domain.CodeProtocol, "list tools", "malformed tools/list result", err)
	}

	for i := range result.Tools {
		result.Tools[i].ResolveSchema()
	}
	catalog := domain.ToolCatalog{
		Tools:     result.Tools,
		FetchedAt: time.Now(),
	}

	s.mu.Lock()
	s.catalog = catalog
	s.mu.Unlock()

	s.logger.Debug("tool catalog replaced", zap.Int("tools", len(catalog.Tools)))
	return catalog, nil
}

// Tools returns the cached catalog without touching the wire.
func (s *Session) Tools() domain.ToolCatalog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.catalog
}

// Invoke starts a tool call and returns its pending invocation without
// waiting for the server. A tool absent from the cached catalog fails
// fast with ErrUnknownTool and produces no wire traffic. The returned
// invocation resolves through Await or shows up resolved in Snapshot.
func (s *Session) Invoke(ctx context.Context, tool string, args json.RawMessage) (domain.Invocation, error) {
	client, err := s.readyClient()
	if err != nil {
		return domain.Invocation{}, err
	}

	s.mu.Lock()
	catalogTool, known := s.catalog.Lookup(tool)
	s.mu.Unlock()
	if !known {
		return domain.Invocation{}, domain.E(domain.CodeNotFound, "invoke", fmt.Sprintf("tool %q", tool), domain.ErrUnknownTool)
	}
	if err := catalogTool.ValidateArguments(args); err != nil {
		return domain.Invocation{}, err
	}

	params, err := json.Marshal(domain.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return domain.Invocation{}, domain.E(domain.CodeInvalidArgument, "invoke", "marshal call params", err)
	}

	call, err := client.CallAsync(ctx, domain.MethodCallTool, params, s.opts.CallTimeout)
	if err != nil {
		return domain.Invocation{}, domain.Wrap(domain.CodeUnavailable, "invoke", err)
	}

	inv := domain.Invocation{
		ID:        call.ID,
		Tool:      tool,
		Arguments: args,
		State:     domain.InvocationPending,
		StartedAt: time.Now(),
	}
	s.invocations.add(inv)
	s.logger.Debug("invocation started",
		telemetry.EventField(telemetry.EventInvokeStart),
		telemetry.ToolField(tool),
		telemetry.RequestIDField(call.ID),
	)

	go s.awaitInvocation(inv, call)
	return inv, nil
}

func (s *Session) awaitInvocation(inv domain.Invocation, call *rpc.PendingCall) {
	result := <-call.Done()

	state := domain.InvocationSucceeded
	switch {
	case result.Err == nil:
	case errors.Is(result.Err, domain.ErrCallTimeout):
		state = domain.InvocationTimedOut
	case errors.Is(result.Err, domain.ErrCallCancelled):
		state = domain.InvocationCancelled
	default:
		state = domain.InvocationFailed
	}

	resolved, ok := s.invocations.resolve(inv.ID, state, result.Value, result.Err)
	if !ok {
		// Already resolved by Close; nothing left to record.
		return
	}

	duration := resolved.ResolvedAt.Sub(resolved.StartedAt)
	s.metrics.ObserveInvocation(s.name, string(resolved.State), duration)
	s.logger.Debug("invocation resolved",
		telemetry.EventField(telemetry.EventInvokeResolved),
		telemetry.ToolField(resolved.Tool),
		telemetry.RequestIDField(resolved.ID),
		telemetry.StateField(string(resolved.State)),
		telemetry.DurationField(duration),
		zap.Error(resolved.Err),
	)
}

// Await blocks until the invocation resolves or ctx is cancelled, then
// returns its final snapshot.
func (s *Session) Await(ctx context.Context, id int64) (domain.Invocation, error) {
	record, pending := s.invocations.get(id)
	if !pending {
		if inv, ok := s.invocations.lookup(id); ok {
			return inv, nil
		}
		return domain.Invocation{}, domain.E(domain.CodeNotFound, "await", fmt.Sprintf("invocation %d", id), nil)
	}
	select {
	case <-record.done:
	case <-ctx.Done():
		return domain.Invocation{}, ctx.Err()
	}
	inv, _ := s.invocations.lookup(id)
	return inv, nil
}

// Invocation returns the current snapshot of one invocation.
func (s *Session) Invocation(id int64) (domain.Invocation, bool) {
	return s.invocations.lookup(id)
}

// TailLogs replays the buffered log entries and streams new ones in
// arrival order until ctx is cancelled or the session closes.
func (s *Session) TailLogs(ctx context.Context) <-chan domain.LogEntry {
	return s.ring.Tail(ctx)
}

// Snapshot assembles the read-only view of the session.
func (s *Session) Snapshot() domain.SessionSnapshot {
	s.mu.Lock()
	state := s.state
	lastError := s.lastError
	catalog := s.catalog
	connectedAt := s.connectedAt
	s.mu.Unlock()

	return domain.SessionSnapshot{
		Name:        s.name,
		InstanceID:  s.instanceID,
		Kind:        s.desc.Kind(),
		State:       state,
		LastError:   lastError,
		Catalog:     catalog,
		Pending:     s.invocations.pendingSnapshot(),
		Completed:   s.invocations.completedSnapshot(),
		LogsEvicted: s.ring.Evicted(),
		ConnectedAt: connectedAt,
		GeneratedAt: time.Now(),
	}
}

// Close cancels the read loop, fails every pending invocation as
// cancelled, kills the server process, and waits for its exit. Close is
// idempotent; concurrent callers all observe the first run's error.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.closeLocked(ctx)
	})
	return s.closeErr
}

func (s *Session) closeLocked(ctx context.Context) error {
	s.mu.Lock()
	alreadyTerminal := s.state == domain.SessionClosed
	s.state = domain.SessionClosed
	client := s.client
	stop := s.stop
	s.client = nil
	s.stop = nil
	s.mu.Unlock()

	var errs []error
	if client != nil {
		if err := client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close rpc client: %w", err))
		}
	}
	s.invocations.cancelAll(domain.ErrCallCancelled)

	if stop != nil {
		stopCtx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
		if err := stop(stopCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop transport: %w", err))
		}
		cancel()
	}
	s.ring.Close()

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Warn("session closed with errors",
			telemetry.EventField(telemetry.EventCloseFailure),
			zap.Error(err),
		)
	} else if !alreadyTerminal {
		s.logger.Info("session closed", telemetry.EventField(telemetry.EventCloseSuccess))
	}
	s.metrics.ObserveSessionStop(s.name)
	return err
}

// teardownTransport is the startup-failure cleanup path: it releases
// the half-open transport without flipping closeOnce, so a later Close
// stays a no-op error-wise.
func (s *Session) teardownTransport() {
	s.mu.Lock()
	client := s.client
	stop := s.stop
	s.client = nil
	s.stop = nil
	s.mu.Unlock()

	if client != nil {
		_ = client.Close()
	}
	if stop != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		_ = stop(ctx)
		cancel()
	}
	s.ring.Close()
}

// handleTransportError runs when the read loop dies underneath a live
// session. A Ready session degrades; its pending invocations are left
// to their own deadlines, since only an explicit Close cancels them. A
// failure mid-handshake instead closes the client so Start fails
// immediately rather than waiting out the init timeout.
func (s *Session) handleTransportError(err error) {
	s.mu.Lock()
	switch s.state {
	case domain.SessionInitializing:
		s.lastError = domain.Wrap(domain.CodeUnavailable, "transport", err)
		client := s.client
		s.mu.Unlock()
		if client != nil {
			_ = client.Close()
		}
		return
	case domain.SessionReady:
		s.state = domain.SessionDegraded
		s.lastError = domain.Wrap(domain.CodeUnavailable, "transport", err)
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		return
	}

	s.logger.Warn("session degraded",
		telemetry.EventField(telemetry.EventTransportError),
		zap.Int("pending", s.invocations.pendingCount()),
		zap.Error(err),
	)
	s.ring.Append(domain.LogEntry{
		Timestamp: time.Now(),
		Level:     domain.LogLevelError,
		Source:    s.name,
		Stream:    domain.LogStreamProtocol,
		Message:   fmt.Sprintf("transport failed: %v", err),
	})
}

// handleNotification routes inbound server notifications. Malformed
// payloads are recorded as anomalies and dropped without disturbing the
// session.
func (s *Session) handleNotification(method string, params json.RawMessage) {
	switch method {
	case domain.NotificationLogMessage:
		var p domain.LogMessageParams
		if err := json.Unmarshal(params, &p); err != nil {
			s.anomaly("malformed_log_notification", err)
			return
		}
		s.ring.Append(domain.LogEntry{
			Timestamp: time.Now(),
			Level:     domain.NormalizeLogLevel(p.Level),
			Source:    s.name,
			Stream:    domain.LogStreamNotification,
			Logger:    p.Logger,
			Message:   truncateMessage(logData(p.Data)),
		})

	case domain.NotificationProgress:
		var p domain.ProgressParams
		if err := json.Unmarshal(params, &p); err != nil {
			s.anomaly("malformed_progress_notification", err)
			return
		}
		s.ring.Append(domain.LogEntry{
			Timestamp: time.Now(),
			Level:     domain.LogLevelInfo,
			Source:    s.name,
			Stream:    domain.LogStreamNotification,
			Message:   truncateMessage(progressMessage(p)),
		})

	case domain.NotificationToolsChanged:
		s.mu.Lock()
		s.catalog.Stale = true
		s.mu.Unlock()
		s.logger.Debug("tool catalog marked stale")

	default:
		s.logger.Debug("unhandled notification", telemetry.MethodField(method))
	}
}

func (s *Session) appendStderr(line string) {
	s.ring.Append(domain.LogEntry{
		Timestamp: time.Now(),
		Level:     domain.LogLevelWarning,
		Source:    s.name,
		Stream:    domain.LogStreamStderr,
		Message:   truncateMessage(line),
	})
}

func (s *Session) anomaly(kind string, err error) {
	s.metrics.ObserveProtocolAnomaly(s.name, kind)
	s.logger.Warn("protocol anomaly",
		telemetry.EventField(telemetry.EventProtocolAnomaly),
		zap.String("kind", kind),
		zap.Error(err),
	)
}

// readyClient returns the RPC client iff the session is Ready.
func (s *Session) readyClient() (*rpc.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.SessionReady || s.client == nil {
		return nil, domain.E(domain.CodeUnavailable, "session",
			fmt.Sprintf("session is %s", s.state), domain.ErrSessionUnavailable)
	}
	return s.client, nil
}

func (s *Session) transition(from, to domain.SessionState, lastError error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return domain.E(domain.CodeFailedPrecond, "session",
			fmt.Sprintf("cannot move %s -> %s", s.state, to), domain.ErrSessionUnavailable)
	}
	s.state = to
	if lastError != nil {
		s.lastError = lastError
	}
	return nil
}

// fail records a startup error and parks the session in Closed.
func (s *Session) fail(err error) {
	s.mu.Lock()
	s.state = domain.SessionClosed
	s.lastError = err
	s.mu.Unlock()
	s.ring.Close()
}

func truncateMessage(msg string) string {
	if len(msg) <= maxNotificationMessageBytes {
		return msg
	}
	// Trim back to a rune boundary so the cut never leaves a partial
	// UTF-8 sequence at the end.
	cut := maxNotificationMessageBytes
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

// logData flattens a notification's data payload into a line: plain
// strings verbatim, anything else as compact JSON.
func logData(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	return string(data)
}

func progressMessage(p domain.ProgressParams) string {
	if p.Message != "" {
		if p.Total > 0 {
			return fmt.Sprintf("%s (%.0f/%.0f)", p.Message, p.Progress, p.Total)
		}
		return p.Message
	}
	if p.Total > 0 {
		return fmt.Sprintf("progress %.0f/%.0f", p.Progress, p.Total)
	}
	return fmt.Sprintf("progress %.0f", p.Progress)
}
