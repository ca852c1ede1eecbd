package transport

import (
	"context"
	"encoding/json"
	"io"

	"mcphost/internal/domain"
)

// IOStreams carries the byte streams of a launched server process.
type IOStreams struct {
	Reader io.ReadCloser
	Writer io.WriteCloser
}

// StopFn tears down whatever Open started: kills the child process
// group, closes its handles, and waits for exit. Safe to call on every
// exit path.
type StopFn func(ctx context.Context) error

// Conn is one open bidirectional message stream. Send frames a single
// JSON-RPC document; Recv yields inbound documents in arrival order
// until the stream closes.
type Conn interface {
	Send(ctx context.Context, payload json.RawMessage) error
	Recv(ctx context.Context) (json.RawMessage, error)
	Close() error
}

// Transport opens a connection to one configured server.
type Transport interface {
	Open(ctx context.Context, desc domain.ServerDescriptor) (Conn, StopFn, error)
}
