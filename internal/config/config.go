// internal/config/config.go
//
// This package handles configuration and the .stageflow directory structure.
// Every project that runs the engine gets a .stageflow/ folder in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/stageflow/internal/workflow"
)

const (
	// Dir is the name of the directory we create in each project
	Dir = workflow.DefaultRootDir

	defaultTemplateID = "quick-dev"
	defaultFallbackID = "quick-dev"
	defaultBackend    = BackendFile
	defaultLogLevel   = "info"
	defaultBridgeHost = "127.0.0.1"
	defaultBridgePort = 8765
	defaultTimeout    = 5 * time.Minute
	defaultHintLength = 500
	defaultHistory    = 20
	defaultInference  = 200
	defaultRetries    = 3
	defaultCrashLimit = 3
	defaultMaxOutput  = 1 << 20
	defaultDedupe     = 1024
	defaultRequest    = 15 * time.Second
	defaultIdle       = 60 * time.Second
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendBadger = "badger"
)

const defaultProjectConfigYAML = `# stageflow project configuration
version: 1

# Retry, crash and barrier limits applied by the engine.
policy:
  max_retries: 3
  max_crash_retries: 3
  barrier_timeout: 5m
  hint_max_length: 500
  retry_history_limit: 20
  min_inference_length: 200
  # Bytes of a worker's last message read when parsing its result.
  max_output_bytes: 1048576
  # 0 delegates every ready stage at once.
  max_parallel: 0

templates:
  default: quick-dev
  fallback: quick-dev
  # Optional YAML file with extra or overriding templates.
  # file: .stageflow/templates.yaml

# Session state backend: memory, file or badger.
store:
  backend: file

logging:
  level: info

# Host tool names gated while a pipeline is active.
tools:
  write: [Edit, Write, MultiEdit, NotebookEdit]
  delegate: [Task]

# Stage type -> worker overrides, e.g. REVIEW: senior-reviewer
roster: {}

# HTTP event intake used by "stageflow serve".
bridge:
  enabled: true
  host: 127.0.0.1
  port: 8765
  # 0 sizes the request limit from policy.max_output_bytes.
  max_body_bytes: 0
  # Recent event IDs answered from cache on redelivery.
  dedupe_window: 1024
  request_timeout: 15s
  idle_timeout: 60s
`

var validate = validator.New()

// PolicyConfig tunes retry and barrier behaviour.
type PolicyConfig struct {
	MaxRetries         int           `yaml:"max_retries" validate:"gte=0,lte=50"`
	MaxCrashRetries    int           `yaml:"max_crash_retries" validate:"gte=0,lte=50"`
	BarrierTimeout     time.Duration `yaml:"barrier_timeout" validate:"gte=0"`
	HintMaxLength      int           `yaml:"hint_max_length" validate:"gte=0"`
	RetryHistoryLimit  int           `yaml:"retry_history_limit" validate:"gte=0"`
	MinInferenceLength int           `yaml:"min_inference_length" validate:"gte=0"`
	MaxParallel        int           `yaml:"max_parallel" validate:"gte=0"`
	MaxOutputBytes     int           `yaml:"max_output_bytes" validate:"gte=0,lte=67108864"`
}

// TemplatesConfig selects which templates the builder uses.
type TemplatesConfig struct {
	Default  string `yaml:"default" validate:"required"`
	Fallback string `yaml:"fallback" validate:"required"`
	File     string `yaml:"file,omitempty"`
}

// StoreConfig selects the session state backend.
type StoreConfig struct {
	Backend    string `yaml:"backend" validate:"oneof=memory file badger"`
	Path       string `yaml:"path,omitempty"`
	SyncWrites bool   `yaml:"sync_writes,omitempty"`
}

// LoggingConfig controls the structured log file.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

// ToolsConfig names the host tools the engine gates.
type ToolsConfig struct {
	Write    []string `yaml:"write,omitempty"`
	Delegate []string `yaml:"delegate,omitempty"`
}

// BridgeConfig captures the HTTP event intake settings.
type BridgeConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Host    string `yaml:"host,omitempty" validate:"omitempty,hostname|ip"`
	Port    int    `yaml:"port,omitempty" validate:"gte=0,lte=65535"`
	// MaxBodyBytes caps one event request. Zero derives the cap from
	// policy.max_output_bytes.
	MaxBodyBytes   int64         `yaml:"max_body_bytes,omitempty" validate:"gte=0"`
	DedupeWindow   int           `yaml:"dedupe_window,omitempty" validate:"gte=0,lte=1000000"`
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty" validate:"gte=0"`
	IdleTimeout    time.Duration `yaml:"idle_timeout,omitempty" validate:"gte=0"`
}

// ProjectConfig models .stageflow/config.yaml.
type ProjectConfig struct {
	Version   int               `yaml:"version" validate:"gte=1"`
	Policy    PolicyConfig      `yaml:"policy"`
	Templates TemplatesConfig   `yaml:"templates"`
	Store     StoreConfig       `yaml:"store"`
	Logging   LoggingConfig     `yaml:"logging"`
	Tools     ToolsConfig       `yaml:"tools"`
	Roster    map[string]string `yaml:"roster"`
	Bridge    BridgeConfig      `yaml:"bridge"`
}

// Config holds the runtime configuration for one project.
type Config struct {
	// ProjectDir is the directory the command was run from
	ProjectDir string

	// Layout resolves paths inside ProjectDir/.stageflow
	Layout *workflow.Workflow

	Project ProjectConfig
}

// Init creates the .stageflow directory structure in projectDir and writes
// a default config.yaml when none exists.
//
// Structure created:
// .stageflow/
// ├── config.yaml
// ├── state/   <- session records (file or badger backend)
// ├── team/    <- workers.json roster overrides
// └── logs/    <- stageflow.log and work-log.md
func Init(projectDir string) error {
	layout := workflow.New(filepath.Join(projectDir, Dir))
	if err := layout.Initialize(); err != nil {
		return err
	}
	return ensureProjectConfig(layout.ConfigPath())
}

// Load reads projectDir/.stageflow/config.yaml. A missing file yields the
// defaults.
func Load(projectDir string) (*Config, error) {
	if strings.TrimSpace(projectDir) == "" {
		return nil, errors.New("config: project directory is required")
	}
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("config: resolve %s: %w", projectDir, err)
	}
	cfg := &Config{
		ProjectDir: abs,
		Layout:     workflow.New(filepath.Join(abs, Dir)),
		Project:    defaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return c.Layout.ConfigPath()
}

// TemplatesFile returns the template override file, or "" when none is
// configured and the default location does not exist.
func (c *Config) TemplatesFile() string {
	if c.Project.Templates.File != "" {
		return c.Project.Templates.File
	}
	path := c.Layout.TemplatesPath()
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return ""
}

// StorePath returns the directory used by the file or badger backend.
func (c *Config) StorePath() string {
	if c.Project.Store.Path != "" {
		return c.Project.Store.Path
	}
	if c.Project.Store.Backend == BackendBadger {
		return c.Layout.BadgerDir()
	}
	return c.Layout.StateDir()
}

// DefaultTemplate returns the configured default template identifier.
func (c *Config) DefaultTemplate() string {
	return c.Project.Templates.Default
}

// SetDefaultTemplate updates the default template and persists the value
// back to .stageflow/config.yaml.
func (c *Config) SetDefaultTemplate(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("config: template id is required")
	}
	c.Project.Templates.Default = id
	return c.Save()
}

// BridgeEnabled reports whether the event intake should start.
func (c *Config) BridgeEnabled() bool {
	if c.Project.Bridge.Enabled == nil {
		return true
	}
	return *c.Project.Bridge.Enabled
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	parsed := defaultProjectConfig()
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.normalize(c.ProjectDir)
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

func defaultProjectConfig() ProjectConfig {
	pc := ProjectConfig{
		Version: 1,
		Policy: PolicyConfig{
			MaxRetries:         defaultRetries,
			MaxCrashRetries:    defaultCrashLimit,
			BarrierTimeout:     defaultTimeout,
			HintMaxLength:      defaultHintLength,
			RetryHistoryLimit:  defaultHistory,
			MinInferenceLength: defaultInference,
			MaxOutputBytes:     defaultMaxOutput,
		},
	}
	pc.applyDefaults()
	return pc
}

// applyDefaults fills the string and map fields a partial file may leave
// empty. Numeric policy fields keep whatever the file says, zero included.
func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if pc.Templates.Default == "" {
		pc.Templates.Default = defaultTemplateID
	}
	if pc.Templates.Fallback == "" {
		pc.Templates.Fallback = defaultFallbackID
	}
	if pc.Store.Backend == "" {
		pc.Store.Backend = defaultBackend
	}
	if pc.Logging.Level == "" {
		pc.Logging.Level = defaultLogLevel
	}
	if pc.Roster == nil {
		pc.Roster = map[string]string{}
	}
	if pc.Bridge.Host == "" {
		pc.Bridge.Host = defaultBridgeHost
	}
	if pc.Bridge.Port == 0 {
		pc.Bridge.Port = defaultBridgePort
	}
	if pc.Bridge.DedupeWindow == 0 {
		pc.Bridge.DedupeWindow = defaultDedupe
	}
	if pc.Bridge.RequestTimeout == 0 {
		pc.Bridge.RequestTimeout = defaultRequest
	}
	if pc.Bridge.IdleTimeout == 0 {
		pc.Bridge.IdleTimeout = defaultIdle
	}
}

func (pc *ProjectConfig) normalize(base string) {
	pc.Templates.Default = strings.TrimSpace(pc.Templates.Default)
	pc.Templates.Fallback = strings.TrimSpace(pc.Templates.Fallback)
	pc.Templates.File = resolvePath(base, pc.Templates.File)
	pc.Store.Backend = strings.ToLower(strings.TrimSpace(pc.Store.Backend))
	pc.Store.Path = resolvePath(base, pc.Store.Path)
	pc.Logging.Level = strings.ToLower(strings.TrimSpace(pc.Logging.Level))
	pc.Tools.Write = trimAll(pc.Tools.Write)
	pc.Tools.Delegate = trimAll(pc.Tools.Delegate)
	roster := make(map[string]string, len(pc.Roster))
	for stage, worker := range pc.Roster {
		roster[strings.ToUpper(strings.TrimSpace(stage))] = strings.TrimSpace(worker)
	}
	pc.Roster = roster
	pc.Bridge.Host = strings.TrimSpace(pc.Bridge.Host)
}

func (pc *ProjectConfig) validate() error {
	if err := validate.Struct(pc); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("%s fails %q (value %v)", first.Namespace(), first.Tag(), first.Value())
		}
		return err
	}
	for stage, worker := range pc.Roster {
		if worker == "" {
			return fmt.Errorf("roster[%s]: worker is required", stage)
		}
	}
	return nil
}

func trimAll(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0644)
}

// Save validates the current settings and writes them to config.yaml.
func (c *Config) Save() error {
	if c == nil {
		return fmt.Errorf("config: nil receiver")
	}
	c.Project.applyDefaults()
	c.Project.normalize(c.ProjectDir)
	if err := c.Project.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.MkdirAll(c.Layout.Dir(), 0o755); err != nil {
		return fmt.Errorf("config: ensure %s: %w", Dir, err)
	}
	data, err := yaml.Marshal(c.Project)
	if err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := os.WriteFile(c.ProjectConfigPath(), data, 0644); err != nil {
		return fmt.Errorf("config: write project config: %w", err)
	}
	return nil
}
