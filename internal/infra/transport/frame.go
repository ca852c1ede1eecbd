package transport

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"mcphost/internal/domain"
)

// frameReader splits a byte stream into newline-delimited JSON-RPC
// frames. Partial reads are buffered until a full line arrives; a line
// exceeding maxBytes fails the stream rather than growing unbounded.
type frameReader struct {
	buf      *bufio.Reader
	maxBytes int
	failed   error
}

func newFrameReader(r io.Reader, maxBytes int) *frameReader {
	if maxBytes <= 0 {
		maxBytes = domain.DefaultMaxFrameBytes
	}
	return &frameReader{
		buf:      bufio.NewReaderSize(r, 64*1024),
		maxBytes: maxBytes,
	}
}

// Next returns the next complete frame, blocking until one is
// available. Empty lines are skipped. After an error the reader stays
// failed; restarting requires a fresh open.
func (f *frameReader) Next() (json.RawMessage, error) {
	if f.failed != nil {
		return nil, f.failed
	}
	for {
		line, err := f.readLine()
		if err != nil {
			f.failed = err
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return json.RawMessage(line), nil
	}
}

func (f *frameReader) readLine() ([]byte, error) {
	var accumulated []byte
	for {
		chunk, err := f.buf.ReadSlice('\n')
		accumulated = append(accumulated, chunk...)
		if len(accumulated) > f.maxBytes {
			return nil, fmt.Errorf("%w: frame over %d bytes", domain.ErrFrameTooLarge, f.maxBytes)
		}
		if err == nil {
			return accumulated, nil
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF && len(bytes.TrimSpace(accumulated)) > 0 {
			// Final line without trailing newline.
			return accumulated, nil
		}
		return nil, err
	}
}

// frameWriter serializes outgoing frames, one JSON document per line.
// Concurrent senders interleave whole frames, never bytes.
type frameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newFrameWriter(w io.Writer) *frameWriter {
	return &frameWriter{w: w}
}

func (f *frameWriter) Write(payload json.RawMessage) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty frame", domain.ErrMalformedFrame)
	}
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
