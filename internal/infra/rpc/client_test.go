package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mcphost/internal/domain"
)

// chanConn is an in-memory transport.Conn scripted by tests.
type chanConn struct {
	mu     sync.Mutex
	sent   []domain.Message
	inbox  chan json.RawMessage
	closed chan struct{}
	once   sync.Once
}

func newChanConn() *chanConn {
	return &chanConn{
		inbox:  make(chan json.RawMessage, 64),
		closed: make(chan struct{}),
	}
}

func (c *chanConn) Send(_ context.Context, payload json.RawMessage) error {
	select {
	case <-c.closed:
		return domain.ErrConnectionClosed
	default:
	}
	var msg domain.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()
	return nil
}

func (c *chanConn) Recv(ctx context.Context) (json.RawMessage, error) {
	select {
	case frame, ok := <-c.inbox:
		if !ok {
			return nil, domain.ErrConnectionClosed
		}
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, domain.ErrConnectionClosed
	}
}

func (c *chanConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *chanConn) deliver(raw string) {
	c.inbox <- json.RawMessage(raw)
}

func (c *chanConn) sentMessages() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Message, len(c.sent))
	copy(out, c.sent)
	return out
}

func TestClientCorrelatesConcurrentCalls(t *testing.T) {
	conn := newChanConn()
	client := NewClient(conn, Options{Server: "test"})
	defer client.Close()

	ctx := context.Background()
	const calls = 8

	pending := make([]*PendingCall, 0, calls)
	for i := 0; i < calls; i++ {
		call, err := client.CallAsync(ctx, "tools/call", nil, 5*time.Second)
		require.NoError(t, err)
		pending = append(pending, call)
	}

	// Ids are unique and monotonic.
	seen := map[int64]bool{}
	for _, call := range pending {
		require.False(t, seen[call.ID])
		seen[call.ID] = true
	}

	// Respond in reverse order; each call must resolve to its own id.
	for i := calls - 1; i >= 0; i-- {
		conn.deliver(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%d}`, pending[i].ID, pending[i].ID))
	}

	for _, call := range pending {
		select {
		case result := <-call.Done():
			require.NoError(t, result.Err)
			require.Equal(t, fmt.Sprintf("%d", call.ID), string(result.Value))
		case <-time.After(2 * time.Second):
			t.Fatalf("call %d did not resolve", call.ID)
		}
	}
	require.Zero(t, client.PendingCount())
}

// echoConn answers every request from inside Send, so the response is
// usually dispatched before CallAsync has armed the deadline timer.
type echoConn struct {
	*chanConn
}

func (c *echoConn) Send(ctx context.Context, payload json.RawMessage) error {
	if err := c.chanConn.Send(ctx, payload); err != nil {
		return err
	}
	var msg domain.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	if msg.IsRequest() {
		c.deliver(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":"ok"}`, msg.ID))
	}
	return nil
}

func TestClientHandlesResponseBeforeTimerArms(t *testing.T) {
	conn := &echoConn{chanConn: newChanConn()}
	client := NewClient(conn, Options{Server: "test"})
	defer client.Close()

	ctx := context.Background()
	var group sync.WaitGroup
	for i := 0; i < 16; i++ {
		group.Add(1)
		go func() {
			defer group.Done()
			for j := 0; j < 25; j++ {
				call, err := client.CallAsync(ctx, "tools/call", nil, time.Minute)
				require.NoError(t, err)
				select {
				case result := <-call.Done():
					require.NoError(t, result.Err)
					require.Equal(t, `"ok"`, string(result.Value))
				case <-time.After(2 * time.Second):
					t.Errorf("call %d did not resolve", call.ID)
					return
				}
			}
		}()
	}
	group.Wait()
	require.Zero(t, client.PendingCount())
}

func TestClientTimeoutDropsLateResponse(t *testing.T) {
	conn := newChanConn()
	client := NewClient(conn, Options{Server: "test"})
	defer client.Close()

	call, err := client.CallAsync(context.Background(), "slow_tool", nil, 50*time.Millisecond)
	require.NoError(t, err)

	select {
	case result := <-call.Done():
		require.ErrorIs(t, result.Err, domain.ErrCallTimeout)
	case <-time.After(time.Second):
		t.Fatal("call did not time out")
	}
	require.Zero(t, client.PendingCount())

	// The late response must be dropped silently, not delivered.
	conn.deliver(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":"late"}`, call.ID))

	select {
	case result := <-call.Done():
		t.Fatalf("late response was delivered: %+v", result)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientSurfacesServerRejection(t *testing.T) {
	conn := newChanConn()
	client := NewClient(conn, Options{Server: "test"})
	defer client.Close()

	call, err := client.CallAsync(context.Background(), "tools/call", nil, time.Second)
	require.NoError(t, err)

	conn.deliver(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32000,"message":"tool exploded","data":{"k":1}}}`, call.ID))

	result := <-call.Done()
	require.Error(t, result.Err)
	var rpcErr *domain.RPCError
	require.ErrorAs(t, result.Err, &rpcErr)
	require.Equal(t, int64(-32000), rpcErr.Code)
	require.Equal(t, "tool exploded", rpcErr.Message)
	require.JSONEq(t, `{"k":1}`, string(rpcErr.Data))
}

func TestClientNotificationsArriveInOrder(t *testing.T) {
	conn := newChanConn()

	var mu sync.Mutex
	var got []string
	client := NewClient(conn, Options{
		Server: "test",
		OnNotification: func(method string, params json.RawMessage) {
			mu.Lock()
			got = append(got, method+":"+string(params))
			mu.Unlock()
		},
	})
	defer client.Close()

	for i := 0; i < 5; i++ {
		conn.deliver(fmt.Sprintf(`{"jsonrpc":"2.0","method":"notifications/message","params":%d}`, i))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, entry := range got {
		require.Equal(t, fmt.Sprintf("notifications/message:%d", i), entry)
	}
}

func TestClientNotifyHasNoID(t *testing.T) {
	conn := newChanConn()
	client := NewClient(conn, Options{Server: "test"})
	defer client.Close()

	require.NoError(t, client.Notify(context.Background(), "notifications/initialized", nil))

	sent := conn.sentMessages()
	require.Len(t, sent, 1)
	require.Empty(t, sent[0].ID)
	require.Equal(t, "notifications/initialized", sent[0].Method)
}

func TestClientCloseCancelsPending(t *testing.T) {
	conn := newChanConn()
	client := NewClient(conn, Options{Server: "test"})

	var calls []*PendingCall
	for i := 0; i < 3; i++ {
		call, err := client.CallAsync(context.Background(), "tools/call", nil, time.Minute)
		require.NoError(t, err)
		calls = append(calls, call)
	}

	require.NoError(t, client.Close())

	for _, call := range calls {
		select {
		case result := <-call.Done():
			require.ErrorIs(t, result.Err, domain.ErrCallCancelled)
		case <-time.After(time.Second):
			t.Fatal("pending call not cancelled on close")
		}
	}
	require.Zero(t, client.PendingCount())

	_, err := client.CallAsync(context.Background(), "tools/list", nil, time.Second)
	require.ErrorIs(t, err, domain.ErrConnectionClosed)
}

func TestClientUnmatchedResponseIsDropped(t *testing.T) {
	conn := newChanConn()
	client := NewClient(conn, Options{Server: "test"})
	defer client.Close()

	conn.deliver(`{"jsonrpc":"2.0","id":999,"result":"nobody asked"}`)
	conn.deliver(`{"jsonrpc":"2.0","id":"garbage-id","result":1}`)
	conn.deliver(`this is not json`)

	// The connection must remain usable after anomalies.
	call, err := client.CallAsync(context.Background(), "ping", nil, time.Second)
	require.NoError(t, err)
	conn.deliver(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{}}`, call.ID))

	result := <-call.Done()
	require.NoError(t, result.Err)
}

func TestClientAnswersServerCallsWithMethodNotFound(t *testing.T) {
	conn := newChanConn()
	client := NewClient(conn, Options{Server: "test"})
	defer client.Close()

	conn.deliver(`{"jsonrpc":"2.0","id":77,"method":"sampling/createMessage","params":{}}`)

	require.Eventually(t, func() bool {
		for _, msg := range conn.sentMessages() {
			if msg.Error != nil && msg.Error.Code == -32601 {
				id, ok := domain.ParseRequestID(msg.ID)
				return ok && id == 77
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientCallBlocksUntilResult(t *testing.T) {
	conn := newChanConn()
	client := NewClient(conn, Options{Server: "test"})
	defer client.Close()

	go func() {
		require.Eventually(t, func() bool { return len(conn.sentMessages()) == 1 }, time.Second, 5*time.Millisecond)
		sent := conn.sentMessages()[0]
		id, _ := domain.ParseRequestID(sent.ID)
		conn.deliver(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"tools":[]}}`, id))
	}()

	value, err := client.Call(context.Background(), "tools/list", nil, 2*time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `{"tools":[]}`, string(value))
}
