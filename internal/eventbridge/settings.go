package eventbridge

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/stageflow/internal/config"
	"github.com/kingrea/stageflow/internal/protocol"
)

// DefaultDedupeWindow is how many recent event IDs are remembered when the
// settings leave it unset.
const DefaultDedupeWindow = 1024

// envelopeHeadroom covers everything in a finish event besides the last
// worker message: earlier messages, roles and the other event fields.
const envelopeHeadroom int64 = 1 << 20

// Settings is the resolved runtime configuration of the bridge server.
type Settings struct {
	Enabled      bool
	Host         string
	Port         int
	MaxBodyBytes int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	DedupeWindow int
}

// BodyLimit returns the request cap for finish events whose last worker
// message is maxOutput bytes, the most the parser reads. JSON escaping can
// double the message, and the envelope gets fixed headroom on top.
func BodyLimit(maxOutput int) int64 {
	if maxOutput <= 0 {
		maxOutput = protocol.DefaultMaxOutputBytes
	}
	return 2*int64(maxOutput) + envelopeHeadroom
}

// SettingsFromConfig resolves the bridge section of the project config. An
// unset body cap is sized from policy.max_output_bytes. STAGEFLOW_BRIDGE_*
// environment variables override enabled, host and port.
func SettingsFromConfig(cfg *config.Config) Settings {
	var project config.ProjectConfig
	enabled := true
	if cfg != nil {
		project = cfg.Project
		enabled = cfg.BridgeEnabled()
	}
	bridge := project.Bridge
	s := Settings{
		Enabled:      enabled,
		Host:         strings.TrimSpace(bridge.Host),
		Port:         bridge.Port,
		MaxBodyBytes: bridge.MaxBodyBytes,
		ReadTimeout:  bridge.RequestTimeout,
		WriteTimeout: bridge.RequestTimeout,
		IdleTimeout:  bridge.IdleTimeout,
		DedupeWindow: bridge.DedupeWindow,
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = BodyLimit(project.Policy.MaxOutputBytes)
	}
	for _, o := range envOverrides {
		if value, ok := os.LookupEnv(o.name); ok && strings.TrimSpace(value) != "" {
			o.apply(&s, strings.TrimSpace(value))
		}
	}
	return s.withDefaults()
}

type envOverride struct {
	name  string
	apply func(*Settings, string)
}

var envOverrides = []envOverride{
	{"STAGEFLOW_BRIDGE_ENABLED", func(s *Settings, v string) {
		if enabled, err := strconv.ParseBool(v); err == nil {
			s.Enabled = enabled
		}
	}},
	{"STAGEFLOW_BRIDGE_HOST", func(s *Settings, v string) { s.Host = v }},
	{"STAGEFLOW_BRIDGE_PORT", func(s *Settings, v string) {
		if port, err := strconv.Atoi(v); err == nil && isValidPort(port) {
			s.Port = port
		}
	}},
}

// withDefaults fills what a zero config leaves unset. Loaded configs are
// already defaulted and validated by the config package.
func (s Settings) withDefaults() Settings {
	if s.Host == "" {
		s.Host = "127.0.0.1"
	}
	if !isValidPort(s.Port) {
		s.Port = 8765
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = BodyLimit(0)
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = 15 * time.Second
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = s.ReadTimeout
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = time.Minute
	}
	if s.DedupeWindow <= 0 {
		s.DedupeWindow = DefaultDedupeWindow
	}
	return s
}

// Address returns the TCP bind address in host:port form.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL returns the HTTP base URL for the server.
func (s Settings) URL() string {
	return "http://" + s.Address()
}

func isValidPort(port int) bool {
	return port > 0 && port <= 65535
}
