package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"mcphost/internal/domain"
	"mcphost/internal/infra/transport"
)

// fakeServer scripts one MCP server over an in-memory conn. Requests
// are answered by the configured handlers; notifications can be pushed
// at any time.
type fakeServer struct {
	mu       sync.Mutex
	requests []domain.Message
	onCall   func(params domain.CallToolParams, id json.RawMessage) *domain.Message
	onList   func(id json.RawMessage) *domain.Message
	tools    []domain.Tool

	inbox      chan json.RawMessage
	closed     chan struct{}
	once       sync.Once
	stopCalled bool
}

func newFakeServer(tools ...domain.Tool) *fakeServer {
	return &fakeServer{
		tools:  tools,
		inbox:  make(chan json.RawMessage, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeServer) Open(context.Context, domain.ServerDescriptor) (transport.Conn, transport.StopFn, error) {
	stop := func(context.Context) error {
		f.mu.Lock()
		f.stopCalled = true
		f.mu.Unlock()
		f.close()
		return nil
	}
	return f, stop, nil
}

func (f *fakeServer) Send(_ context.Context, payload json.RawMessage) error {
	select {
	case <-f.closed:
		return domain.ErrConnectionClosed
	default:
	}
	var msg domain.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	f.mu.Lock()
	f.requests = append(f.requests, msg)
	onCall := f.onCall
	onList := f.onList
	f.mu.Unlock()

	if msg.IsNotification() {
		return nil
	}
	switch msg.Method {
	case domain.MethodInitialize:
		f.reply(msg.ID, mustJSON(domain.InitializeResult{
			ProtocolVersion: domain.ProtocolVersion,
			ServerInfo:      domain.Implementation{Name: "fake-server", Version: "1.0"},
		}))
	case domain.MethodPing:
		f.reply(msg.ID, json.RawMessage(`{}`))
	case domain.MethodListTools:
		if onList != nil {
			if response := onList(msg.ID); response != nil {
				f.deliver(*response)
			}
			return nil
		}
		f.reply(msg.ID, mustJSON(domain.ListToolsResult{Tools: f.tools}))
	case domain.MethodCallTool:
		var params domain.CallToolParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return err
		}
		if onCall == nil {
			return nil
		}
		if response := onCall(params, msg.ID); response != nil {
			f.deliver(*response)
		}
	}
	return nil
}

func (f *fakeServer) Recv(ctx context.Context) (json.RawMessage, error) {
	select {
	case frame := <-f.inbox:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.closed:
		return nil, domain.ErrConnectionClosed
	}
}

func (f *fakeServer) Close() error {
	f.close()
	return nil
}

func (f *fakeServer) close() {
	f.once.Do(func() { close(f.closed) })
}

func (f *fakeServer) reply(id json.RawMessage, result json.RawMessage) {
	f.deliver(domain.Message{JSONRPC: domain.JSONRPCVersion, ID: id, Result: result})
}

func (f *fakeServer) deliver(msg domain.Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}
	f.inbox <- payload
}

func (f *fakeServer) notify(method string, params any) {
	f.deliver(domain.Message{
		JSONRPC: domain.JSONRPCVersion,
		Method:  method,
		Params:  mustJSON(params),
	})
}

func (f *fakeServer) methodCalls(method string) []domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Message
	for _, msg := range f.requests {
		if msg.Method == method {
			out = append(out, msg)
		}
	}
	return out
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

func addTool() domain.Tool {
	return domain.Tool{
		Name:        "add",
		Description: "adds two integers",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"a":{"type":"integer"},"b":{"type":"integer"}},"required":["a","b"]}`),
	}
}

func slowTool() domain.Tool {
	return domain.Tool{Name: "slow_tool"}
}

func startSession(t *testing.T, server *fakeServer, opts Options) *Session {
	t.Helper()
	opts.Transport = server
	sess := New(domain.ServerDescriptor{Name: "fake", Command: "/bin/true"}, opts)
	require.NoError(t, sess.Start(context.Background()))
	t.Cleanup(func() { _ = sess.Close(context.Background()) })
	return sess
}

func TestSessionStartReachesReadyWithCatalog(t *testing.T) {
	server := newFakeServer(addTool(), slowTool())
	sess := startSession(t, server, Options{})

	require.Equal(t, domain.SessionReady, sess.State())

	catalog := sess.Tools()
	require.ElementsMatch(t, []string{"add", "slow_tool"}, catalog.Names())
	require.False(t, catalog.Stale)

	// Handshake order on the wire: initialize, initialized, tools/list.
	require.Len(t, server.methodCalls(domain.MethodInitialize), 1)
	require.Len(t, server.methodCalls(domain.NotificationInitialized), 1)
	require.Len(t, server.methodCalls(domain.MethodListTools), 1)
}

func TestSessionStartFailsWhenTransportCannotOpen(t *testing.T) {
	sess := New(domain.ServerDescriptor{Name: "broken", Command: "/nope"}, Options{
		Transport: transportFunc(func(context.Context, domain.ServerDescriptor) (transport.Conn, transport.StopFn, error) {
			return nil, nil, domain.ErrExecutableNotFound
		}),
	})

	err := sess.Start(context.Background())
	require.Error(t, err)
	require.Equal(t, domain.SessionClosed, sess.State())
	require.ErrorIs(t, sess.LastError(), domain.ErrExecutableNotFound)
}

type transportFunc func(ctx context.Context, desc domain.ServerDescriptor) (transport.Conn, transport.StopFn, error)

func (f transportFunc) Open(ctx context.Context, desc domain.ServerDescriptor) (transport.Conn, transport.StopFn, error) {
	return f(ctx, desc)
}

func TestSessionStartIsSingleShot(t *testing.T) {
	server := newFakeServer(addTool())
	sess := startSession(t, server, Options{})

	err := sess.Start(context.Background())
	require.ErrorIs(t, err, domain.ErrSessionUnavailable)
}

func TestInvokeSucceeds(t *testing.T) {
	server := newFakeServer(addTool())
	server.onCall = func(params domain.CallToolParams, id json.RawMessage) *domain.Message {
		require.Equal(t, "add", params.Name)
		return &domain.Message{JSONRPC: domain.JSONRPCVersion, ID: id, Result: json.RawMessage(`5`)}
	}
	sess := startSession(t, server, Options{})

	inv, err := sess.Invoke(context.Background(), "add", json.RawMessage(`{"a":2,"b":3}`))
	require.NoError(t, err)
	require.Equal(t, domain.InvocationPending, inv.State)

	final, err := sess.Await(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, domain.InvocationSucceeded, final.State)
	require.Equal(t, "5", string(final.Result))
	require.NoError(t, final.Err)

	snap := sess.Snapshot()
	require.Empty(t, snap.Pending)
	require.Len(t, snap.Completed, 1)
}

func TestInvokeUnknownToolFailsFastWithoutWireTraffic(t *testing.T) {
	server := newFakeServer(addTool())
	sess := startSession(t, server, Options{})

	_, err := sess.Invoke(context.Background(), "no_such_tool", nil)
	require.ErrorIs(t, err, domain.ErrUnknownTool)
	require.Empty(t, server.methodCalls(domain.MethodCallTool))
}

func TestInvokeRejectsArgumentsFailingSchema(t *testing.T) {
	server := newFakeServer(addTool())
	sess := startSession(t, server, Options{})

	_, err := sess.Invoke(context.Background(), "add", json.RawMessage(`{"a":"two"}`))
	require.Error(t, err)
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeInvalidArgument, code)
	require.Empty(t, server.methodCalls(domain.MethodCallTool))
}

func TestInvokeTimesOutAndClearsPending(t *testing.T) {
	server := newFakeServer(slowTool())
	server.onCall = func(domain.CallToolParams, json.RawMessage) *domain.Message {
		return nil // never answer
	}
	sess := startSession(t, server, Options{CallTimeout: 100 * time.Millisecond})

	inv, err := sess.Invoke(context.Background(), "slow_tool", nil)
	require.NoError(t, err)

	final, err := sess.Await(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, domain.InvocationTimedOut, final.State)
	require.ErrorIs(t, final.Err, domain.ErrCallTimeout)
	require.Empty(t, sess.Snapshot().Pending)
}

func TestInvokeSurfacesToolError(t *testing.T) {
	server := newFakeServer(addTool())
	server.onCall = func(_ domain.CallToolParams, id json.RawMessage) *domain.Message {
		return &domain.Message{
			JSONRPC: domain.JSONRPCVersion,
			ID:      id,
			Error:   &domain.RPCError{Code: -32000, Message: "tool exploded"},
		}
	}
	sess := startSession(t, server, Options{})

	inv, err := sess.Invoke(context.Background(), "add", json.RawMessage(`{"a":1,"b":1}`))
	require.NoError(t, err)

	final, err := sess.Await(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, domain.InvocationFailed, final.State)
	var rpcErr *domain.RPCError
	require.ErrorAs(t, final.Err, &rpcErr)
	require.Equal(t, "tool exploded", rpcErr.Message)
}

func TestCloseCancelsPendingInvocations(t *testing.T) {
	server := newFakeServer(slowTool())
	server.onCall = func(domain.CallToolParams, json.RawMessage) *domain.Message {
		return nil
	}
	sess := startSession(t, server, Options{CallTimeout: time.Minute})

	var ids []int64
	for i := 0; i < 3; i++ {
		inv, err := sess.Invoke(context.Background(), "slow_tool", nil)
		require.NoError(t, err)
		ids = append(ids, inv.ID)
	}

	require.NoError(t, sess.Close(context.Background()))
	require.Equal(t, domain.SessionClosed, sess.State())

	snap := sess.Snapshot()
	require.Empty(t, snap.Pending)
	for _, id := range ids {
		inv, ok := sess.Invocation(id)
		require.True(t, ok)
		require.Equal(t, domain.InvocationCancelled, inv.State)
		require.ErrorIs(t, inv.Err, domain.ErrCallCancelled)
	}

	server.mu.Lock()
	stopped := server.stopCalled
	server.mu.Unlock()
	require.True(t, stopped)

	// Closed sessions refuse further work.
	_, err := sess.Invoke(context.Background(), "slow_tool", nil)
	require.ErrorIs(t, err, domain.ErrSessionUnavailable)
	_, err = sess.ListTools(context.Background())
	require.ErrorIs(t, err, domain.ErrSessionUnavailable)
}

func TestTransportFailureDegradesSession(t *testing.T) {
	server := newFakeServer(addTool())
	sess := startSession(t, server, Options{})

	server.close()

	require.Eventually(t, func() bool {
		return sess.State() == domain.SessionDegraded
	}, 2*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, sess.LastError(), domain.ErrConnectionClosed)

	_, err := sess.Invoke(context.Background(), "add", json.RawMessage(`{"a":1,"b":2}`))
	require.ErrorIs(t, err, domain.ErrSessionUnavailable)

	// Close from Degraded still succeeds.
	require.NoError(t, sess.Close(context.Background()))
	require.Equal(t, domain.SessionClosed, sess.State())
}

func TestNotificationsAppendToLogInArrivalOrder(t *testing.T) {
	server := newFakeServer(addTool())
	sess := startSession(t, server, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tail := sess.TailLogs(ctx)

	server.notify(domain.NotificationLogMessage, domain.LogMessageParams{
		Level: "error",
		Data:  json.RawMessage(`"first"`),
	})
	server.notify(domain.NotificationProgress, domain.ProgressParams{
		Progress: 1, Total: 4, Message: "working",
	})
	server.notify(domain.NotificationLogMessage, domain.LogMessageParams{
		Level: "warn",
		Data:  json.RawMessage(`{"detail":"second"}`),
	})

	read := func() domain.LogEntry {
		select {
		case entry := <-tail:
			return entry
		case <-time.After(2 * time.Second):
			t.Fatal("log entry not delivered")
			return domain.LogEntry{}
		}
	}

	first := read()
	require.Equal(t, domain.LogStreamNotification, first.Stream)
	require.Equal(t, domain.LogLevelError, first.Level)
	require.Equal(t, "first", first.Message)

	second := read()
	require.Equal(t, "working (1/4)", second.Message)

	third := read()
	require.Equal(t, domain.LogLevelWarning, third.Level)
	require.JSONEq(t, `{"detail":"second"}`, third.Message)
}

func TestListChangedMarksCatalogStale(t *testing.T) {
	server := newFakeServer(addTool())
	sess := startSession(t, server, Options{})

	require.False(t, sess.Tools().Stale)
	server.notify(domain.NotificationToolsChanged, nil)

	require.Eventually(t, func() bool {
		return sess.Tools().Stale
	}, 2*time.Second, 10*time.Millisecond)

	// The stale catalog still routes lookups until refreshed.
	_, known := sess.Tools().Lookup("add")
	require.True(t, known)

	refreshed, err := sess.ListTools(context.Background())
	require.NoError(t, err)
	require.False(t, refreshed.Stale)
}

func TestListToolsFailureKeepsCachedCatalog(t *testing.T) {
	server := newFakeServer(addTool(), slowTool())
	sess := startSession(t, server, Options{})

	before := sess.Tools()
	require.ElementsMatch(t, []string{"add", "slow_tool"}, before.Names())

	server.onList = func(id json.RawMessage) *domain.Message {
		return &domain.Message{
			JSONRPC: domain.JSONRPCVersion,
			ID:      id,
			Error:   &domain.RPCError{Code: -32603, Message: "listing broke"},
		}
	}

	_, err := sess.ListTools(context.Background())
	require.Error(t, err)

	// The previous catalog stays in place untouched.
	after := sess.Tools()
	require.ElementsMatch(t, []string{"add", "slow_tool"}, after.Names())
	require.Equal(t, before.FetchedAt, after.FetchedAt)
}

func TestCloseDuringConnectDoesNotResurrectSession(t *testing.T) {
	server := newFakeServer(addTool())
	opened := make(chan struct{})
	release := make(chan struct{})
	sess := New(domain.ServerDescriptor{Name: "raced", Command: "/bin/true"}, Options{
		Transport: transportFunc(func(ctx context.Context, desc domain.ServerDescriptor) (transport.Conn, transport.StopFn, error) {
			close(opened)
			<-release
			return server.Open(ctx, desc)
		}),
	})

	errCh := make(chan error, 1)
	go func() { errCh <- sess.Start(context.Background()) }()

	<-opened
	require.NoError(t, sess.Close(context.Background()))
	close(release)

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, domain.ErrSessionUnavailable)
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return")
	}
	require.Equal(t, domain.SessionClosed, sess.State())

	// The transport opened by the losing Start must still be released.
	require.Eventually(t, func() bool {
		server.mu.Lock()
		defer server.mu.Unlock()
		return server.stopCalled
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMalformedNotificationIsNonFatal(t *testing.T) {
	server := newFakeServer(addTool())
	sess := startSession(t, server, Options{})

	server.deliver(domain.Message{
		JSONRPC: domain.JSONRPCVersion,
		Method:  domain.NotificationLogMessage,
		Params:  json.RawMessage(`"not an object"`),
	})

	// The session keeps serving calls afterwards.
	require.Eventually(t, func() bool {
		_, err := sess.ListTools(context.Background())
		return err == nil
	}, 2*time.Second, 50*time.Millisecond)
	require.Equal(t, domain.SessionReady, sess.State())
}

func TestPingRoundTrips(t *testing.T) {
	server := newFakeServer(addTool())
	sess := startSession(t, server, Options{})

	require.NoError(t, sess.Ping(context.Background()))

	require.NoError(t, sess.Close(context.Background()))
	require.ErrorIs(t, sess.Ping(context.Background()), domain.ErrSessionUnavailable)
}

func TestCloseIsIdempotent(t *testing.T) {
	server := newFakeServer(addTool())
	sess := startSession(t, server, Options{})

	require.NoError(t, sess.Close(context.Background()))
	require.NoError(t, sess.Close(context.Background()))
}

func TestAwaitUnknownInvocation(t *testing.T) {
	server := newFakeServer(addTool())
	sess := startSession(t, server, Options{})

	_, err := sess.Await(context.Background(), 12345)
	require.Error(t, err)
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeNotFound, code)
}

func TestSnapshotReflectsLifecycle(t *testing.T) {
	server := newFakeServer(addTool())
	sess := startSession(t, server, Options{})

	snap := sess.Snapshot()
	require.Equal(t, "fake", snap.Name)
	require.NotEmpty(t, snap.InstanceID)
	require.Equal(t, domain.TransportStdio, snap.Kind)
	require.Equal(t, domain.SessionReady, snap.State)
	require.False(t, snap.ConnectedAt.IsZero())
	require.ElementsMatch(t, []string{"add"}, snap.Catalog.Names())
}

func TestProgressMessageFormats(t *testing.T) {
	cases := []struct {
		params domain.ProgressParams
		want   string
	}{
		{domain.ProgressParams{Message: "indexing", Progress: 2, Total: 10}, "indexing (2/10)"},
		{domain.ProgressParams{Message: "indexing"}, "indexing"},
		{domain.ProgressParams{Progress: 3, Total: 9}, "progress 3/9"},
		{domain.ProgressParams{Progress: 7}, "progress 7"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, progressMessage(tc.params))
	}
}

func TestTruncateMessageRespectsRuneBoundaries(t *testing.T) {
	require.Equal(t, "short", truncateMessage("short"))

	// A multi-byte rune straddling the cap is dropped whole rather than
	// leaving a partial UTF-8 sequence behind.
	long := strings.Repeat("a", maxNotificationMessageBytes-1) + "世界"
	truncated := truncateMessage(long)
	require.LessOrEqual(t, len(truncated), maxNotificationMessageBytes)
	require.True(t, utf8.ValidString(truncated))
	require.Equal(t, strings.Repeat("a", maxNotificationMessageBytes-1), truncated)
}

func TestInvocationHistoryIsBounded(t *testing.T) {
	table := newInvocationTable(2)
	for i := int64(1); i <= 5; i++ {
		table.add(domain.Invocation{ID: i, State: domain.InvocationPending})
		_, ok := table.resolve(i, domain.InvocationSucceeded, nil, nil)
		require.True(t, ok)
	}
	completed := table.completedSnapshot()
	require.Len(t, completed, 2)
	require.Equal(t, int64(4), completed[0].ID)
	require.Equal(t, int64(5), completed[1].ID)

	_, ok := table.resolve(5, domain.InvocationFailed, nil, errors.New("again"))
	require.False(t, ok, "double resolve must be a no-op")
}

func TestInvocationsResolveIndependently(t *testing.T) {
	server := newFakeServer(addTool())
	server.onCall = func(params domain.CallToolParams, id json.RawMessage) *domain.Message {
		var args struct {
			A int `json:"a"`
			B int `json:"b"`
		}
		require.NoError(t, json.Unmarshal(params.Arguments, &args))
		return &domain.Message{
			JSONRPC: domain.JSONRPCVersion,
			ID:      id,
			Result:  json.RawMessage(fmt.Sprintf("%d", args.A+args.B)),
		}
	}
	sess := startSession(t, server, Options{})

	first, err := sess.Invoke(context.Background(), "add", json.RawMessage(`{"a":2,"b":3}`))
	require.NoError(t, err)
	second, err := sess.Invoke(context.Background(), "add", json.RawMessage(`{"a":10,"b":20}`))
	require.NoError(t, err)

	firstFinal, err := sess.Await(context.Background(), first.ID)
	require.NoError(t, err)
	require.Equal(t, "5", string(firstFinal.Result))

	secondFinal, err := sess.Await(context.Background(), second.ID)
	require.NoError(t, err)
	require.Equal(t, "30", string(secondFinal.Result))
}
