package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides. Nested keys join with "_", so
// store.path is overridden by HANDLERKIT_STORE_PATH.
const EnvPrefix = "HANDLERKIT"

//go:embed config_schema.cue
var configSchema string

// Load reads the configuration at path over the defaults, applies environment
// overrides and validates the result. An empty path yields the defaults plus
// overrides. Files ending in .cue are checked against the #Config schema;
// anything else is read as YAML, which includes JSON.
func Load(path string) (*Config, error) {
	base := Default()
	if path != "" {
		if err := loadFile(path, base); err != nil {
			return nil, err
		}
	}

	cfg, err := applyEnv(base)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, into *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if filepath.Ext(path) == ".cue" {
		m, err := decodeCUE(data, path)
		if err != nil {
			return err
		}
		if data, err = json.Marshal(m); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(into); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv layers HANDLERKIT_* variables over cfg.
func applyEnv(cfg *Config) (*Config, error) {
	encoded, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(encoded)); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var out Config
	if err := v.Unmarshal(&out, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
	}); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}

	// viper folds map keys to lower case
	out.Handler.Globals = cfg.Handler.Globals
	out.Handler.ResourceTags = cfg.Handler.ResourceTags
	out.Telemetry.Tracing.Headers = cfg.Telemetry.Tracing.Headers

	return &out, nil
}

// decodeCUE compiles a CUE config, unifies it with #Config and decodes it.
func decodeCUE(data []byte, path string) (map[string]interface{}, error) {
	ctx := cuecontext.New()

	schemaValue := ctx.CompileString(configSchema)
	if err := schemaValue.Err(); err != nil {
		return nil, fmt.Errorf("internal error: failed to compile config schema: %w", err)
	}

	userValue := ctx.CompileBytes(data, cue.Filename(path))
	if err := userValue.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	schema := schemaValue.LookupPath(cue.ParsePath("#Config"))
	unified := schema.Unify(userValue)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	var m map[string]interface{}
	if err := unified.Decode(&m); err != nil {
		return nil, formatCUEError(err)
	}
	return m, nil
}

// formatCUEError flattens CUE errors into one message with file positions.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return fmt.Errorf("invalid config: %w", err)
	}

	var b strings.Builder
	b.WriteString("invalid config:")
	for _, e := range errs {
		b.WriteString("\n  ")
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			fmt.Fprintf(&b, "%s:%d:%d: ", pos[0].Filename(), pos[0].Line(), pos[0].Column())
		}
		format, args := e.Msg()
		fmt.Fprintf(&b, format, args...)
	}
	return errors.New(b.String())
}
