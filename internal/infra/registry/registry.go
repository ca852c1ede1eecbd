// Package registry owns the set of configured server sessions: it
// starts them concurrently, hands out per-server accessors, aggregates
// status, and tears everything down on stop.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mcphost/internal/domain"
	"mcphost/internal/infra/probe"
	"mcphost/internal/infra/session"
	"mcphost/internal/infra/telemetry"
)

// Handle is the lifecycle surface the registry needs from a session,
// whether it speaks MCP over stdio or is a bare health probe.
type Handle interface {
	Name() string
	Kind() domain.TransportKind
	State() domain.SessionState
	Start(ctx context.Context) error
	Close(ctx context.Context) error
	Snapshot() domain.SessionSnapshot
	TailLogs(ctx context.Context) <-chan domain.LogEntry
	ListTools(ctx context.Context) (domain.ToolCatalog, error)
	Tools() domain.ToolCatalog
	Invoke(ctx context.Context, tool string, args json.RawMessage) (domain.Invocation, error)
	Await(ctx context.Context, id int64) (domain.Invocation, error)
}

var (
	_ Handle = (*session.Session)(nil)
	_ Handle = (*probe.Session)(nil)
)

type Options struct {
	Logger  *zap.Logger
	Metrics domain.Metrics

	Session session.Options

	// NewHandle overrides session construction, primarily for tests.
	NewHandle func(desc domain.ServerDescriptor) Handle
}

// Registry maps server names to their sessions. The session map is
// written only by Start and Stop; per-session operations read it
// through the accessors.
type Registry struct {
	logger    *zap.Logger
	metrics   domain.Metrics
	newHandle func(desc domain.ServerDescriptor) Handle

	mu       sync.Mutex
	sessions map[string]Handle
	stopped  bool
	stopErr  error
}

func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	newHandle := opts.NewHandle
	if newHandle == nil {
		sessionOpts := opts.Session
		if sessionOpts.Logger == nil {
			sessionOpts.Logger = logger
		}
		if sessionOpts.Metrics == nil {
			sessionOpts.Metrics = metrics
		}
		probeOpts := probe.Options{
			Logger:        logger,
			Metrics:       metrics,
			LogBufferSize: sessionOpts.LogBufferSize,
		}
		newHandle = func(desc domain.ServerDescriptor) Handle {
			if desc.Kind() == domain.TransportHTTP {
				return probe.New(desc, probeOpts)
			}
			return session.New(desc, sessionOpts)
		}
	}
	return &Registry{
		logger:    logger.Named("registry"),
		metrics:   metrics,
		newHandle: newHandle,
		sessions:  make(map[string]Handle),
	}
}

// Start launches one session per descriptor, all concurrently. A
// session that fails to start is kept in the registry in its failed
// state so status reporting can surface the error; one server's
// failure never blocks or fails the others. Start returns an error
// only for invalid input: duplicate names or a registry already
// stopped.
func (r *Registry) Start(ctx context.Context, descriptors []domain.ServerDescriptor) error {
	seen := make(map[string]struct{}, len(descriptors))
	for _, desc := range descriptors {
		if desc.Name == "" {
			return domain.E(domain.CodeInvalidArgument, "registry start", "descriptor with empty name", nil)
		}
		if _, dup := seen[desc.Name]; dup {
			return domain.E(domain.CodeFailedPrecond, "registry start",
				fmt.Sprintf("server %q", desc.Name), domain.ErrDuplicateServer)
		}
		seen[desc.Name] = struct{}{}
	}

	handles := make([]Handle, 0, len(descriptors))
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return domain.E(domain.CodeFailedPrecond, "registry start", "registry is stopped", domain.ErrSessionUnavailable)
	}
	for _, desc := range descriptors {
		if _, exists := r.sessions[desc.Name]; exists {
			r.mu.Unlock()
			return domain.E(domain.CodeFailedPrecond, "registry start",
				fmt.Sprintf("server %q", desc.Name), domain.ErrDuplicateServer)
		}
		handle := r.newHandle(desc)
		r.sessions[desc.Name] = handle
		handles = append(handles, handle)
	}
	r.mu.Unlock()

	r.logger.Info("starting sessions", zap.Int("count", len(handles)))

	var group errgroup.Group
	for _, handle := range handles {
		group.Go(func() error {
			if err := handle.Start(ctx); err != nil {
				// Recorded in the session's own state; isolated from
				// the other sessions.
				r.logger.Warn("session start failed",
					telemetry.ServerNameField(handle.Name()),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = group.Wait()

	r.metrics.SetActiveSessions(r.activeCount())
	return nil
}

// Session returns the handle for one configured server.
func (r *Registry) Session(name string) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.sessions[name]
	if !ok {
		return nil, domain.E(domain.CodeNotFound, "registry",
			fmt.Sprintf("server %q", name), domain.ErrUnknownServer)
	}
	return handle, nil
}

// Names returns the configured server names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke routes a tool call to the named server's session.
func (r *Registry) Invoke(ctx context.Context, server, tool string, args json.RawMessage) (domain.Invocation, error) {
	handle, err := r.Session(server)
	if err != nil {
		return domain.Invocation{}, err
	}
	return handle.Invoke(ctx, tool, args)
}

// Status snapshots every session's state.
func (r *Registry) Status() domain.RegistrySnapshot {
	r.mu.Lock()
	handles := make([]Handle, 0, len(r.sessions))
	for _, handle := range r.sessions {
		handles = append(handles, handle)
	}
	r.mu.Unlock()

	snapshot := domain.RegistrySnapshot{
		Sessions:    make(map[string]domain.SessionSnapshot, len(handles)),
		GeneratedAt: time.Now(),
	}
	for _, handle := range handles {
		snapshot.Sessions[handle.Name()] = handle.Snapshot()
	}
	return snapshot
}

// Stop closes every session concurrently, waiting for all transport
// shutdowns to complete, and collects every error rather than stopping
// at the first. Stop is idempotent: repeat calls return the first
// run's result.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		err := r.stopErr
		r.mu.Unlock()
		return err
	}
	r.stopped = true
	handles := make([]Handle, 0, len(r.sessions))
	for _, handle := range r.sessions {
		handles = append(handles, handle)
	}
	r.mu.Unlock()

	r.logger.Info("stopping sessions", zap.Int("count", len(handles)))

	errCh := make(chan error, len(handles))
	var group errgroup.Group
	for _, handle := range handles {
		group.Go(func() error {
			if err := handle.Close(ctx); err != nil {
				errCh <- fmt.Errorf("close %s: %w", handle.Name(), err)
			}
			return nil
		})
	}
	_ = group.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	err := errors.Join(errs...)

	r.mu.Lock()
	r.stopErr = err
	r.mu.Unlock()

	r.metrics.SetActiveSessions(0)
	if err != nil {
		r.logger.Warn("stopped with errors", zap.Error(err))
	} else {
		r.logger.Info("stopped")
	}
	return err
}

func (r *Registry) activeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	active := 0
	for _, handle := range r.sessions {
		if handle.State().Operational() {
			active++
		}
	}
	return active
}
