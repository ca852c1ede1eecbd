package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorString(t *testing.T) {
	err := E(CodeUnavailable, "session invoke", "transport gone", nil)
	require.Equal(t, "session invoke: UNAVAILABLE: transport gone", err.Error())

	bare := E(CodeNotFound, "", "", ErrUnknownTool)
	require.Equal(t, "NOT_FOUND: unknown tool", bare.Error())
}

func TestWrapKeepsExistingCode(t *testing.T) {
	inner := E(CodeDeadlineExceeded, "rpc call", "", ErrCallTimeout)
	wrapped := Wrap(CodeInternal, "session invoke", inner)
	require.Equal(t, CodeDeadlineExceeded, wrapped.Code)
	require.Equal(t, "rpc call", wrapped.Op)
	require.ErrorIs(t, wrapped, ErrCallTimeout)
}

func TestCodeFrom(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ErrorCode
		ok   bool
	}{
		{name: "unknown tool", err: ErrUnknownTool, code: CodeNotFound, ok: true},
		{name: "session unavailable", err: ErrSessionUnavailable, code: CodeUnavailable, ok: true},
		{name: "timeout", err: fmt.Errorf("invoke: %w", ErrCallTimeout), code: CodeDeadlineExceeded, ok: true},
		{name: "cancelled", err: ErrCallCancelled, code: CodeCanceled, ok: true},
		{name: "oversized frame", err: ErrFrameTooLarge, code: CodeProtocol, ok: true},
		{name: "rejected", err: &RPCError{Code: -32000, Message: "no"}, code: CodeRejected, ok: true},
		{name: "domain error wins", err: E(CodeInternal, "op", "", nil), code: CodeInternal, ok: true},
		{name: "unknown", err: errors.New("plain"), ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, ok := CodeFrom(tt.err)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.code, code)
		})
	}
}
