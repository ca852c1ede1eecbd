package telemetry

import (
	"time"

	"go.uber.org/zap"
)

const (
	FieldEvent      = "event"
	FieldServerName = "serverName"
	FieldSessionID  = "sessionID"
	FieldState      = "state"
	FieldRequestID  = "requestID"
	FieldMethod     = "method"
	FieldTool       = "tool"
	FieldDurationMs = "duration_ms"
	FieldLogSource  = "log_source"
	FieldLogStream  = "stream"
)

const (
	EventConnectAttempt   = "connect_attempt"
	EventConnectSuccess   = "connect_success"
	EventConnectFailure   = "connect_failure"
	EventHandshakeFailure = "handshake_failure"
	EventTransportError   = "transport_error"
	EventProtocolAnomaly  = "protocol_anomaly"
	EventInvokeStart      = "invoke_start"
	EventInvokeResolved   = "invoke_resolved"
	EventCloseSuccess     = "close_success"
	EventCloseFailure     = "close_failure"
)

const (
	LogSourceHost       = "host"
	LogSourceDownstream = "downstream"
)

func EventField(event string) zap.Field {
	return zap.String(FieldEvent, event)
}

func ServerNameField(name string) zap.Field {
	return zap.String(FieldServerName, name)
}

func SessionIDField(id string) zap.Field {
	return zap.String(FieldSessionID, id)
}

func StateField(state string) zap.Field {
	return zap.String(FieldState, state)
}

func RequestIDField(id int64) zap.Field {
	return zap.Int64(FieldRequestID, id)
}

func MethodField(method string) zap.Field {
	return zap.String(FieldMethod, method)
}

func ToolField(tool string) zap.Field {
	return zap.String(FieldTool, tool)
}

func DurationField(duration time.Duration) zap.Field {
	return zap.Int64(FieldDurationMs, duration.Milliseconds())
}
