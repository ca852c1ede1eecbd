package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// TransportKind selects how a configured server is reached.
type TransportKind string

const (
	// TransportStdio spawns the server as a child process and speaks
	// newline-delimited JSON-RPC over its stdin/stdout.
	TransportStdio TransportKind = "stdio"

	// TransportHTTP marks a remote server that is only health-probed.
	// No MCP session is established and no tools are exposed.
	TransportHTTP TransportKind = "http"
)

func NormalizeTransport(transport TransportKind) TransportKind {
	trimmed := strings.ToLower(strings.TrimSpace(string(transport)))
	switch trimmed {
	case "", "stdio":
		return TransportStdio
	case "http", "sse", "streamable_http", "streamable-http":
		return TransportHTTP
	default:
		return TransportKind(trimmed)
	}
}

// ServerDescriptor describes one configured MCP server. Immutable once
// loaded; the registry keys sessions by Name.
type ServerDescriptor struct {
	Name      string            `json:"name"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	URL       string            `json:"url,omitempty"`
	Transport TransportKind     `json:"transport,omitempty"`
}

// Kind resolves the effective transport: an explicit setting wins,
// otherwise a url-only descriptor is treated as remote.
func (d ServerDescriptor) Kind() TransportKind {
	if d.Transport != "" {
		return NormalizeTransport(d.Transport)
	}
	if d.Command == "" && d.URL != "" {
		return TransportHTTP
	}
	return TransportStdio
}

type SessionState string

const (
	SessionDisconnected SessionState = "disconnected"
	SessionConnecting   SessionState = "connecting"
	SessionInitializing SessionState = "initializing"
	SessionReady        SessionState = "ready"
	SessionDegraded     SessionState = "degraded"
	SessionClosed       SessionState = "closed"
)

// Terminal reports whether a session in this state can never leave it.
func (s SessionState) Terminal() bool {
	return s == SessionClosed
}

// Operational reports whether read-only session operations are allowed.
func (s SessionState) Operational() bool {
	return s == SessionReady || s == SessionDegraded
}

type InvocationState string

const (
	InvocationPending   InvocationState = "pending"
	InvocationSucceeded InvocationState = "succeeded"
	InvocationFailed    InvocationState = "failed"
	InvocationTimedOut  InvocationState = "timed_out"
	InvocationCancelled InvocationState = "cancelled"
)

// Resolved reports whether the invocation has left the pending set.
func (s InvocationState) Resolved() bool {
	return s != InvocationPending
}

// Invocation is a snapshot of one tool call and its resolution. The
// owning session hands out copies; Result and Err are nil until the
// invocation resolves.
type Invocation struct {
	ID         int64
	Tool       string
	Arguments  json.RawMessage
	State      InvocationState
	Result     json.RawMessage
	Err        error
	StartedAt  time.Time
	ResolvedAt time.Time
}

type LogLevel string

const (
	LogLevelDebug     LogLevel = "debug"
	LogLevelInfo      LogLevel = "info"
	LogLevelNotice    LogLevel = "notice"
	LogLevelWarning   LogLevel = "warning"
	LogLevelError     LogLevel = "error"
	LogLevelCritical  LogLevel = "critical"
	LogLevelAlert     LogLevel = "alert"
	LogLevelEmergency LogLevel = "emergency"
)

// NormalizeLogLevel maps arbitrary server-reported levels onto the known
// set, defaulting to info.
func NormalizeLogLevel(level string) LogLevel {
	switch LogLevel(strings.ToLower(strings.TrimSpace(level))) {
	case LogLevelDebug, LogLevelInfo, LogLevelNotice, LogLevelWarning,
		LogLevelError, LogLevelCritical, LogLevelAlert, LogLevelEmergency:
		return LogLevel(strings.ToLower(strings.TrimSpace(level)))
	case "warn":
		return LogLevelWarning
	default:
		return LogLevelInfo
	}
}

// Log streams distinguish where a session log entry originated.
const (
	LogStreamStderr       = "stderr"
	LogStreamNotification = "notification"
	LogStreamProtocol     = "protocol"
	LogStreamProbe        = "probe"
	LogStreamHost         = "host"
)

// LogEntry is one captured line of server output or one log/progress
// notification. Append-only per session, ordered by arrival.
type LogEntry struct {
	Timestamp time.Time
	Level     LogLevel
	Source    string
	Stream    string
	Logger    string
	Message   string
}

// SessionSnapshot is the read-only view of one session handed to the
// presentation layer.
type SessionSnapshot struct {
	Name        string
	InstanceID  string
	Kind        TransportKind
	State       SessionState
	LastError   error
	Catalog     ToolCatalog
	Pending     []Invocation
	Completed   []Invocation
	LogsEvicted uint64
	ConnectedAt time.Time
	GeneratedAt time.Time
}

// RegistrySnapshot aggregates every session's snapshot, keyed by name.
type RegistrySnapshot struct {
	Sessions    map[string]SessionSnapshot
	GeneratedAt time.Time
}
