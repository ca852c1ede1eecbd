package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mcphost/internal/domain"
)

func TestLogBroadcasterDeliversHostEntries(t *testing.T) {
	logs := NewLogBroadcaster(zapcore.InfoLevel)
	logger := zap.New(logs.Core()).Named("registry")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := logs.Subscribe(ctx)

	logger.Warn("session degraded", ServerNameField("calc"))

	select {
	case entry := <-ch:
		require.Equal(t, "session degraded", entry.Message)
		require.Equal(t, domain.LogLevelWarning, entry.Level)
		require.Equal(t, domain.LogStreamHost, entry.Stream)
		require.Equal(t, "calc", entry.Source)
		require.Equal(t, "registry", entry.Logger)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast entry")
	}
}

func TestLogBroadcasterFiltersBelowMinLevel(t *testing.T) {
	logs := NewLogBroadcaster(zapcore.WarnLevel)
	logger := zap.New(logs.Core())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := logs.Subscribe(ctx)

	logger.Info("too quiet")
	logger.Error("loud enough")

	select {
	case entry := <-ch:
		require.Equal(t, "loud enough", entry.Message)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast entry")
	}
}

func TestLogBroadcasterSubscribeClosesOnCancel(t *testing.T) {
	logs := NewLogBroadcaster(zapcore.DebugLevel)

	ctx, cancel := context.WithCancel(context.Background())
	ch := logs.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription channel did not close")
	}
}
