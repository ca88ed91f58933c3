package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/handlerkit/pkg/telemetry"
)

// Handler kinds.
const (
	HandlerKindScript  = "script"
	HandlerKindProcess = "process"
	HandlerKindWASM    = "wasm"
)

// Config is the complete handlerkit configuration.
type Config struct {
	// Telemetry configures logging, tracing, metrics and events.
	Telemetry telemetry.Config `yaml:"telemetry"`

	// Store configures the trigger and report database.
	Store StoreConfig `yaml:"store"`

	// Validation configures model validation.
	Validation ValidationConfig `yaml:"validation"`

	// Callback configures delivery of progress reports.
	Callback CallbackConfig `yaml:"callback"`

	// Dispatcher configures firing of due re-invocation triggers.
	Dispatcher DispatcherConfig `yaml:"dispatcher"`

	// Handler selects and configures the resource handler.
	Handler HandlerConfig `yaml:"handler"`

	// Budget is the host execution budget of one invocation.
	Budget time.Duration `yaml:"budget" validate:"gt=0"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	// Path is the database file, or ":memory:".
	Path string `yaml:"path" validate:"required"`
}

// ValidationConfig configures model validation.
type ValidationConfig struct {
	// SchemaPath is a JSON Schema document for resource models. Empty disables schema checks.
	SchemaPath string `yaml:"schema_path"`

	// PolicyDir holds Rego policies evaluated against resource models.
	PolicyDir string `yaml:"policy_dir"`

	// Watch reloads the schema and policies when they change on disk.
	Watch bool `yaml:"watch"`
}

// CallbackConfig configures the HTTP callback reporter.
type CallbackConfig struct {
	// Endpoint is used when a request carries no response endpoint.
	Endpoint string `yaml:"endpoint" validate:"omitempty,url"`

	// Timeout bounds one HTTP attempt.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`

	// MaxAttempts is the number of delivery attempts per report.
	MaxAttempts int `yaml:"max_attempts" validate:"gte=1,lte=10"`

	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration `yaml:"initial_backoff" validate:"gte=0"`

	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration `yaml:"max_backoff" validate:"gte=0"`

	// RecordReports also stores every report in the database.
	RecordReports bool `yaml:"record_reports"`
}

// DispatcherConfig configures the trigger dispatcher.
type DispatcherConfig struct {
	// Interval is how often due triggers are claimed.
	Interval time.Duration `yaml:"interval" validate:"gt=0"`

	// BatchSize is the maximum number of triggers claimed per tick.
	BatchSize int `yaml:"batch_size" validate:"gte=1"`
}

// HandlerConfig selects the resource handler.
type HandlerConfig struct {
	// Kind is "script" for a Starlark handler, "process" for a stdio handler
	// process or "wasm" for a WebAssembly module.
	Kind string `yaml:"kind" validate:"required,oneof=script process wasm"`

	// Script is the Starlark file for script handlers.
	Script string `yaml:"script" validate:"required_if=Kind script"`

	// Globals are predeclared in the Starlark script.
	Globals map[string]interface{} `yaml:"globals"`

	// Command is the executable for process handlers.
	Command string `yaml:"command" validate:"required_if=Kind process"`

	// Module is the WebAssembly file for wasm handlers.
	Module string `yaml:"module" validate:"required_if=Kind wasm"`

	// MemoryLimitPages caps the memory of a wasm handler in 64KB pages.
	MemoryLimitPages uint32 `yaml:"memory_limit_pages"`

	// Args are passed to Command.
	Args []string `yaml:"args"`

	// Env adds KEY=VALUE pairs to the environment of Command.
	Env []string `yaml:"env"`

	// Timeout bounds one handler cycle.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`

	// StartupTimeout bounds the wait for a handler process to become ready.
	StartupTimeout time.Duration `yaml:"startup_timeout" validate:"gte=0"`

	// ResourceTags are resource-defined tags merged over the stack tags.
	ResourceTags map[string]string `yaml:"resource_tags"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Telemetry: *telemetry.DefaultConfig(),
		Store: StoreConfig{
			Path: "handlerkit.db",
		},
		Callback: CallbackConfig{
			Timeout:        10 * time.Second,
			MaxAttempts:    3,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			RecordReports:  true,
		},
		Dispatcher: DispatcherConfig{
			Interval:  5 * time.Second,
			BatchSize: 10,
		},
		Handler: HandlerConfig{
			Kind:    HandlerKindScript,
			Script:  "handler.star",
			Timeout: 30 * time.Second,
		},
		Budget: 15 * time.Minute,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints and the telemetry configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}
