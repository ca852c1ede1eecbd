package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"

	"go.uber.org/zap"

	"mcphost/internal/domain"
	"mcphost/internal/infra/telemetry"
)

// CommandLauncher spawns MCP server processes and hands back their
// stdio streams. Stderr is mirrored line by line to the logger and to
// the optional OnStderr sink.
type CommandLauncher struct {
	logger   *zap.Logger
	onStderr func(line string)
}

type CommandLauncherOptions struct {
	Logger   *zap.Logger
	OnStderr func(line string)
}

func NewCommandLauncher(opts CommandLauncherOptions) *CommandLauncher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandLauncher{
		logger:   logger,
		onStderr: opts.OnStderr,
	}
}

func (l *CommandLauncher) Start(ctx context.Context, desc domain.ServerDescriptor) (IOStreams, StopFn, error) {
	if strings.TrimSpace(desc.Command) == "" {
		return IOStreams{}, nil, fmt.Errorf("%w: command is required for stdio transport", domain.ErrInvalidCommand)
	}

	cmd := exec.CommandContext(ctx, desc.Command, desc.Args...)
	if desc.Cwd != "" {
		cmd.Dir = desc.Cwd
	}
	cmd.Env = append(os.Environ(), formatEnv(desc.Env)...)
	groupCleanup := setupProcessHandling(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return IOStreams{}, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return IOStreams{}, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return IOStreams{}, nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return IOStreams{}, nil, fmt.Errorf("start command: %w", classifyStartError(err))
	}

	stderrLogger := l.logger.With(
		zap.String(telemetry.FieldLogSource, telemetry.LogSourceDownstream),
		telemetry.ServerNameField(desc.Name),
		zap.String(telemetry.FieldLogStream, domain.LogStreamStderr),
	)
	go l.mirrorStderr(stderr, stderrLogger)

	stop := func(stopCtx context.Context) error {
		if err := stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			l.logger.Warn("close stdin failed", zap.Error(err))
		}
		if err := stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			l.logger.Warn("close stdout failed", zap.Error(err))
		}
		if groupCleanup != nil {
			groupCleanup()
		}
		return waitForProcess(stopCtx, cmd)
	}

	return IOStreams{Reader: stdout, Writer: stdin}, stop, nil
}

const maxStderrLineLength = 32 * 1024

func (l *CommandLauncher) mirrorStderr(reader io.Reader, logger *zap.Logger) {
	buf := bufio.NewReaderSize(reader, 8192)
	for {
		line, isPrefix, err := buf.ReadLine()
		if len(line) > 0 {
			trimmed := strings.TrimRight(string(line), "\r\n")
			if trimmed != "" {
				if len(trimmed) > maxStderrLineLength {
					trimmed = trimmed[:maxStderrLineLength] + "... [truncated]"
				}
				logger.Info(trimmed)
				if l.onStderr != nil {
					l.onStderr(trimmed)
				}
			}
			if isPrefix {
				// Discard the rest of an oversized line.
				for isPrefix && err == nil {
					_, isPrefix, err = buf.ReadLine()
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func waitForProcess(ctx context.Context, cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()
	if ctx == nil {
		return normalizeExitError(<-done)
	}
	select {
	case err := <-done:
		return normalizeExitError(err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func normalizeExitError(err error) error {
	if err == nil {
		return nil
	}
	// Killed by the cleanup signal; not a shutdown failure.
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == -1 {
		return nil
	}
	return err
}

func formatEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return out
}

func classifyStartError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", domain.ErrExecutableNotFound, err.Error())
	}
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: %s", domain.ErrPermissionDenied, err.Error())
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		if errors.Is(pathErr.Err, exec.ErrNotFound) || errors.Is(pathErr.Err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", domain.ErrExecutableNotFound, err.Error())
		}
		if errors.Is(pathErr.Err, os.ErrPermission) {
			return fmt.Errorf("%w: %s", domain.ErrPermissionDenied, err.Error())
		}
	}
	return err
}
