// Package config loads the host configuration file: the mcpServers map
// naming each downstream server plus runtime tuning knobs. Files are
// JSON, with ${VAR} environment references expanded in string fields.
package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"mcphost/internal/domain"
)

// Config is the fully validated host configuration.
type Config struct {
	Servers []domain.ServerDescriptor
	Runtime RuntimeConfig
}

// RuntimeConfig carries the tuning knobs shared by every session.
type RuntimeConfig struct {
	CallTimeout     time.Duration
	InitTimeout     time.Duration
	ProbeTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxFrameBytes   int
	LogBufferSize   int
	CompletedLimit  int

	MetricsListenAddress string
}

type rawConfig struct {
	CallTimeoutSeconds     int `mapstructure:"callTimeoutSeconds"`
	InitTimeoutSeconds     int `mapstructure:"initTimeoutSeconds"`
	ProbeTimeoutSeconds    int `mapstructure:"probeTimeoutSeconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdownTimeoutSeconds"`
	MaxFrameBytes          int `mapstructure:"maxFrameBytes"`
	LogBufferSize          int `mapstructure:"logBufferSize"`
	CompletedLimit         int `mapstructure:"completedLimit"`

	Observability rawObservability `mapstructure:"observability"`
}

type rawServer struct {
	Command   string            `json:"command"`
	Args      []string          `json:"args"`
	Env       map[string]string `json:"env"`
	Cwd       string            `json:"cwd"`
	URL       string            `json:"url"`
	Transport string            `json:"transport"`
	Disabled  bool              `json:"disabled"`
}

type rawObservability struct {
	ListenAddress string `mapstructure:"listenAddress"`
}

type Loader struct {
	logger *zap.Logger
}

func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{logger: logger.Named("config")}
}

func newConfigViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("json")
	v.SetDefault("callTimeoutSeconds", int(domain.DefaultCallTimeout/time.Second))
	v.SetDefault("initTimeoutSeconds", int(domain.DefaultInitTimeout/time.Second))
	v.SetDefault("probeTimeoutSeconds", int(domain.DefaultProbeTimeout/time.Second))
	v.SetDefault("shutdownTimeoutSeconds", int(domain.DefaultShutdownTimeout/time.Second))
	v.SetDefault("maxFrameBytes", domain.DefaultMaxFrameBytes)
	v.SetDefault("logBufferSize", domain.DefaultLogBufferSize)
	v.SetDefault("completedLimit", domain.DefaultCompletedHistory)
	return v
}

// Load reads and validates the configuration at path. Validation
// errors across all servers are collected and reported together.
func (l *Loader) Load(ctx context.Context, path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	v := newConfigViper()
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	// The server map is decoded outside viper, which lowercases map
	// keys and would mangle server names.
	var serverSection struct {
		MCPServers map[string]rawServer `json:"mcpServers"`
	}
	if err := json.Unmarshal(data, &serverSection); err != nil {
		return Config{}, fmt.Errorf("decode servers: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Config{}, err
	}

	missing := make(map[string]struct{})
	servers := make([]domain.ServerDescriptor, 0, len(serverSection.MCPServers))
	var validationErrors []string
	for name, server := range serverSection.MCPServers {
		if server.Disabled {
			l.logger.Info("server disabled in config", zap.String("server", name))
			continue
		}
		desc := normalizeServer(name, server, missing)
		if errs := validateServer(desc); len(errs) > 0 {
			validationErrors = append(validationErrors, errs...)
			continue
		}
		servers = append(servers, desc)
	}
	if len(validationErrors) > 0 {
		sort.Strings(validationErrors)
		return Config{}, errors.New(strings.Join(validationErrors, "; "))
	}
	if names := missingList(missing); len(names) > 0 {
		l.logger.Warn("missing environment variables in config",
			zap.String("path", path),
			zap.Strings("missing", names),
		)
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Name < servers[j].Name })

	return Config{
		Servers: servers,
		Runtime: RuntimeConfig{
			CallTimeout:          time.Duration(raw.CallTimeoutSeconds) * time.Second,
			InitTimeout:          time.Duration(raw.InitTimeoutSeconds) * time.Second,
			ProbeTimeout:         time.Duration(raw.ProbeTimeoutSeconds) * time.Second,
			ShutdownTimeout:      time.Duration(raw.ShutdownTimeoutSeconds) * time.Second,
			MaxFrameBytes:        raw.MaxFrameBytes,
			LogBufferSize:        raw.LogBufferSize,
			CompletedLimit:       raw.CompletedLimit,
			MetricsListenAddress: raw.Observability.ListenAddress,
		},
	}, nil
}

func normalizeServer(name string, server rawServer, missing map[string]struct{}) domain.ServerDescriptor {
	expand := func(value string) string {
		return expandEnvWithTracking(value, missing)
	}
	args := make([]string, len(server.Args))
	for i, arg := range server.Args {
		args[i] = expand(arg)
	}
	var env map[string]string
	if len(server.Env) > 0 {
		env = make(map[string]string, len(server.Env))
		for key, value := range server.Env {
			env[key] = expand(value)
		}
	}
	return domain.ServerDescriptor{
		Name:      strings.TrimSpace(name),
		Command:   expand(server.Command),
		Args:      args,
		Env:       env,
		Cwd:       expand(server.Cwd),
		URL:       expand(server.URL),
		Transport: domain.TransportKind(server.Transport),
	}
}

func validateServer(desc domain.ServerDescriptor) []string {
	var errs []string
	if desc.Name == "" {
		errs = append(errs, "server with empty name")
		return errs
	}
	switch desc.Kind() {
	case domain.TransportStdio:
		if desc.Command == "" {
			errs = append(errs, fmt.Sprintf("server %q: stdio transport requires a command", desc.Name))
		}
	case domain.TransportHTTP:
		if desc.URL == "" {
			errs = append(errs, fmt.Sprintf("server %q: http transport requires a url", desc.Name))
		}
	default:
		errs = append(errs, fmt.Sprintf("server %q: unsupported transport %q", desc.Name, desc.Transport))
	}
	return errs
}

func expandEnvWithTracking(value string, missing map[string]struct{}) string {
	if !strings.Contains(value, "$") {
		return value
	}
	return os.Expand(value, func(key string) string {
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		missing[key] = struct{}{}
		return ""
	})
}

func missingList(missing map[string]struct{}) []string {
	if len(missing) == 0 {
		return nil
	}
	names := make([]string, 0, len(missing))
	for name := range missing {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
