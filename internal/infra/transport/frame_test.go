package transport

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"mcphost/internal/domain"
)

func TestFrameReaderSplitsLines(t *testing.T) {
	input := strings.NewReader(`{"jsonrpc":"2.0","id":1,"result":{}}` + "\n" +
		"\n" +
		`{"jsonrpc":"2.0","method":"notifications/message"}` + "\n")
	reader := newFrameReader(input, 0)

	first, err := reader.Next()
	require.NoError(t, err)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, string(first))

	second, err := reader.Next()
	require.NoError(t, err)
	require.JSONEq(t, `{"jsonrpc":"2.0","method":"notifications/message"}`, string(second))

	_, err = reader.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestFrameReaderBuffersPartialReads(t *testing.T) {
	pr, pw := io.Pipe()
	reader := newFrameReader(pr, 0)

	go func() {
		_, _ = pw.Write([]byte(`{"jsonrpc":"2.0",`))
		_, _ = pw.Write([]byte(`"id":7,"result":5}`))
		_, _ = pw.Write([]byte("\n"))
		_ = pw.Close()
	}()

	frame, err := reader.Next()
	require.NoError(t, err)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":7,"result":5}`, string(frame))
}

func TestFrameReaderLastLineWithoutNewline(t *testing.T) {
	reader := newFrameReader(strings.NewReader(`{"jsonrpc":"2.0","id":1,"result":true}`), 0)

	frame, err := reader.Next()
	require.NoError(t, err)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":true}`, string(frame))

	_, err = reader.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestFrameReaderFailsOnOversizedFrame(t *testing.T) {
	huge := strings.Repeat("x", 512)
	reader := newFrameReader(strings.NewReader(huge+"\n"), 128)

	_, err := reader.Next()
	require.ErrorIs(t, err, domain.ErrFrameTooLarge)

	// The stream stays failed; it is not restartable.
	_, err = reader.Next()
	require.ErrorIs(t, err, domain.ErrFrameTooLarge)
}

func TestFrameWriterAppendsNewline(t *testing.T) {
	var buf bytes.Buffer
	writer := newFrameWriter(&buf)

	require.NoError(t, writer.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)))
	require.NoError(t, writer.Write([]byte(`{"jsonrpc":"2.0","id":2,"method":"ping"}`)))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, lines[0])
	require.JSONEq(t, `{"jsonrpc":"2.0","id":2,"method":"ping"}`, lines[1])
}

func TestFrameWriterRejectsEmptyFrame(t *testing.T) {
	writer := newFrameWriter(&bytes.Buffer{})
	require.ErrorIs(t, writer.Write(nil), domain.ErrMalformedFrame)
}
