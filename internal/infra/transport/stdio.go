package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"mcphost/internal/domain"
)

// StdioTransport spawns a server as a child process and frames
// newline-delimited JSON-RPC over its stdin/stdout.
type StdioTransport struct {
	launcher      *CommandLauncher
	maxFrameBytes int
}

type StdioTransportOptions struct {
	Logger        *zap.Logger
	MaxFrameBytes int

	// OnStderr receives each line the child writes to stderr.
	OnStderr func(line string)
}

func NewStdioTransport(opts StdioTransportOptions) *StdioTransport {
	maxFrameBytes := opts.MaxFrameBytes
	if maxFrameBytes <= 0 {
		maxFrameBytes = domain.DefaultMaxFrameBytes
	}
	return &StdioTransport{
		launcher: NewCommandLauncher(CommandLauncherOptions{
			Logger:   opts.Logger,
			OnStderr: opts.OnStderr,
		}),
		maxFrameBytes: maxFrameBytes,
	}
}

func (t *StdioTransport) Open(ctx context.Context, desc domain.ServerDescriptor) (Conn, StopFn, error) {
	streams, stop, err := t.launcher.Start(ctx, desc)
	if err != nil {
		return nil, nil, err
	}
	return newStdioConn(streams, t.maxFrameBytes), stop, nil
}

// stdioConn pumps frames from a dedicated reader goroutine so that a
// blocked subprocess never wedges Recv callers past their context.
type stdioConn struct {
	streams IOStreams
	writer  *frameWriter

	frames chan json.RawMessage

	mu        sync.Mutex
	readErr   error
	readDone  chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

func newStdioConn(streams IOStreams, maxFrameBytes int) *stdioConn {
	c := &stdioConn{
		streams:  streams,
		writer:   newFrameWriter(streams.Writer),
		frames:   make(chan json.RawMessage, 16),
		readDone: make(chan struct{}),
		closed:   make(chan struct{}),
	}
	go c.readLoop(newFrameReader(streams.Reader, maxFrameBytes))
	return c
}

func (c *stdioConn) readLoop(reader *frameReader) {
	defer close(c.readDone)
	for {
		frame, err := reader.Next()
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}
		select {
		case c.frames <- frame:
		case <-c.closed:
			return
		}
	}
}

func (c *stdioConn) Send(ctx context.Context, payload json.RawMessage) error {
	select {
	case <-c.closed:
		return domain.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return c.writer.Write(payload)
}

func (c *stdioConn) Recv(ctx context.Context) (json.RawMessage, error) {
	select {
	case frame := <-c.frames:
		return frame, nil
	default:
	}
	select {
	case frame := <-c.frames:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, domain.ErrConnectionClosed
	case <-c.readDone:
		// Drain frames that raced with the reader exiting.
		select {
		case frame := <-c.frames:
			return frame, nil
		default:
		}
		c.mu.Lock()
		err := c.readErr
		c.mu.Unlock()
		if err == nil {
			err = domain.ErrConnectionClosed
		}
		return nil, fmt.Errorf("read frame: %w", err)
	}
}

func (c *stdioConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.streams.Writer.Close()
		_ = c.streams.Reader.Close()
	})
	return nil
}

var _ Conn = (*stdioConn)(nil)
