// Package probe handles remote server descriptors that only carry a
// URL. No MCP session is established; the host issues a single HTTP
// health check and reports the endpoint as Ready or Closed. Probed
// servers expose no tools.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mcphost/internal/domain"
	"mcphost/internal/infra/logring"
	"mcphost/internal/infra/telemetry"
)

type Options struct {
	Logger  *zap.Logger
	Metrics domain.Metrics

	// Client overrides the HTTP client, primarily for tests. Nil
	// selects a client bounded by domain.DefaultProbeTimeout.
	Client  *http.Client
	Timeout time.Duration

	LogBufferSize int
}

// Session is the health-probe stand-in for a remote server. It
// satisfies the same lifecycle surface as a stdio session so the
// registry can treat both uniformly.
type Session struct {
	name       string
	instanceID string
	desc       domain.ServerDescriptor
	logger     *zap.Logger
	metrics    domain.Metrics
	client     *http.Client
	timeout    time.Duration
	ring       *logring.Ring

	mu        sync.Mutex
	state     domain.SessionState
	lastError error
	probedAt  time.Time

	closeOnce sync.Once
}

func New(desc domain.ServerDescriptor, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = domain.DefaultProbeTimeout
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	instanceID := uuid.NewString()
	return &Session{
		name:       desc.Name,
		instanceID: instanceID,
		desc:       desc,
		logger: logger.Named("probe").With(
			telemetry.ServerNameField(desc.Name),
			telemetry.SessionIDField(instanceID),
		),
		metrics: metrics,
		client:  client,
		timeout: timeout,
		ring: logring.New(logring.Options{
			Capacity: opts.LogBufferSize,
			Server:   desc.Name,
			Metrics:  metrics,
		}),
		state: domain.SessionDisconnected,
	}
}

func (s *Session) Name() string               { return s.name }
func (s *Session) InstanceID() string         { return s.instanceID }
func (s *Session) Kind() domain.TransportKind { return domain.TransportHTTP }

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

// Start issues one GET against the configured URL. A 200 marks the
// endpoint Ready; anything else closes the session with the probe
// error recorded.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != domain.SessionDisconnected {
		state := s.state
		s.mu.Unlock()
		return domain.E(domain.CodeFailedPrecond, "probe start",
			fmt.Sprintf("session is %s", state), domain.ErrSessionUnavailable)
	}
	s.state = domain.SessionConnecting
	s.mu.Unlock()

	s.logger.Info("probing endpoint",
		telemetry.EventField(telemetry.EventConnectAttempt),
		zap.String("url", s.desc.URL),
	)

	probeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := s.probe(probeCtx)

	s.mu.Lock()
	s.probedAt = time.Now()
	if err != nil {
		s.state = domain.SessionClosed
		s.lastError = err
	} else {
		s.state = domain.SessionReady
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("probe failed",
			telemetry.EventField(telemetry.EventConnectFailure),
			zap.String("url", s.desc.URL),
			zap.Error(err),
		)
		s.appendProbeLog(domain.LogLevelError, fmt.Sprintf("health probe failed: %v", err))
		s.ring.Close()
		s.metrics.ObserveSessionStart(s.name, err)
		return err
	}

	s.logger.Info("endpoint healthy",
		telemetry.EventField(telemetry.EventConnectSuccess),
		zap.String("url", s.desc.URL),
	)
	s.appendProbeLog(domain.LogLevelInfo, fmt.Sprintf("health probe succeeded: %s", s.desc.URL))
	s.metrics.ObserveSessionStart(s.name, nil)
	return nil
}

func (s *Session) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.desc.URL, nil)
	if err != nil {
		return domain.E(domain.CodeInvalidArgument, "probe", fmt.Sprintf("bad url %q", s.desc.URL), err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return domain.Wrap(domain.CodeUnavailable, "probe", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.E(domain.CodeUnavailable, "probe",
			fmt.Sprintf("endpoint returned %d", resp.StatusCode), domain.ErrSessionUnavailable)
	}
	return nil
}

// Tools always reports an empty catalog: probed servers expose none.
func (s *Session) Tools() domain.ToolCatalog {
	return domain.ToolCatalog{}
}

func (s *Session) ListTools(context.Context) (domain.ToolCatalog, error) {
	return domain.ToolCatalog{}, domain.E(domain.CodeFailedPrecond, "probe",
		"remote endpoint exposes no tools", domain.ErrSessionUnavailable)
}

func (s *Session) Invoke(context.Context, string, json.RawMessage) (domain.Invocation, error) {
	return domain.Invocation{}, domain.E(domain.CodeFailedPrecond, "probe",
		"remote endpoint exposes no tools", domain.ErrSessionUnavailable)
}

func (s *Session) Await(_ context.Context, id int64) (domain.Invocation, error) {
	return domain.Invocation{}, domain.E(domain.CodeNotFound, "probe",
		fmt.Sprintf("invocation %d", id), nil)
}

func (s *Session) TailLogs(ctx context.Context) <-chan domain.LogEntry {
	return s.ring.Tail(ctx)
}

func (s *Session) Snapshot() domain.SessionSnapshot {
	s.mu.Lock()
	state := s.state
	lastError := s.lastError
	probedAt := s.probedAt
	s.mu.Unlock()

	return domain.SessionSnapshot{
		Name:        s.name,
		InstanceID:  s.instanceID,
		Kind:        domain.TransportHTTP,
		State:       state,
		LastError:   lastError,
		LogsEvicted: s.ring.Evicted(),
		ConnectedAt: probedAt,
		GeneratedAt: time.Now(),
	}
}

// Close marks the probe session closed. There is no process or
// connection to tear down.
func (s *Session) Close(context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = domain.SessionClosed
		s.mu.Unlock()
		s.ring.Close()
		s.metrics.ObserveSessionStop(s.name)
		s.logger.Info("probe session closed", telemetry.EventField(telemetry.EventCloseSuccess))
	})
	return nil
}

func (s *Session) appendProbeLog(level domain.LogLevel, msg string) {
	s.ring.Append(domain.LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Source:    s.name,
		Stream:    domain.LogStreamProbe,
		Message:   msg,
	})
}
