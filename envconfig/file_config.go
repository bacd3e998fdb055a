package envconfig

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config represents the TOML configuration structure
type Config struct {
	Guidance struct {
		Sequential bool   `toml:"sequential"`
		Precision  string `toml:"precision"`
	} `toml:"guidance"`

	Logging struct {
		Debug  bool   `toml:"debug"`
		Format string `toml:"format"`
	} `toml:"logging"`
}

// LoadFile applies the settings of a TOML configuration file. Environment
// variables read afterwards by LoadConfig take precedence.
func LoadFile(path string) error {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return fmt.Errorf("error parsing config file %s: %w", path, err)
	}

	if md.IsDefined("guidance", "sequential") {
		Sequential = cfg.Guidance.Sequential
	}
	if cfg.Guidance.Precision != "" {
		Precision = cfg.Guidance.Precision
	}
	if md.IsDefined("logging", "debug") {
		Debug = cfg.Logging.Debug
	}
	if cfg.Logging.Format != "" {
		LogFormat = cfg.Logging.Format
	}
	return nil
}

// GenerateExampleConfig returns a commented example TOML configuration
func GenerateExampleConfig() string {
	return `# Guidance Configuration File
# Environment variables (GUIDANCE_*) override these values.

[guidance]
# Run unconditioned and conditioned passes one after the other (default: false)
sequential = false
# Working precision of guidance outputs: "f32", "f16" or "bf16" (default: "f32")
precision = "f32"

[logging]
# Enable debug logging (default: false)
debug = false
# "text" or "json" (default: "text")
format = "text"
`
}
