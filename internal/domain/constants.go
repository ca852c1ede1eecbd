package domain

import "time"

const (
	ProtocolVersion = "2025-06-18"

	ClientName    = "mcphost"
	ClientVersion = "0.1.0"

	DefaultCallTimeout      = 30 * time.Second
	DefaultInitTimeout      = 10 * time.Second
	DefaultProbeTimeout     = 5 * time.Second
	DefaultShutdownTimeout  = 5 * time.Second
	DefaultMaxFrameBytes    = 4 * 1024 * 1024
	DefaultLogBufferSize    = 1024
	DefaultCompletedHistory = 128
)
