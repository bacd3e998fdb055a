package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/ollama/guidance/logutil"
)

var (
	// Set via GUIDANCE_DEBUG in the environment
	Debug bool
	// Set via GUIDANCE_SEQUENTIAL in the environment
	Sequential bool
	// Set via GUIDANCE_PRECISION in the environment
	Precision string
	// Set via GUIDANCE_LOG_FORMAT in the environment
	LogFormat string
	// Set via GUIDANCE_CONFIG in the environment
	ConfigPath string
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"GUIDANCE_CONFIG":     {"GUIDANCE_CONFIG", ConfigPath, "Path to a TOML configuration file"},
		"GUIDANCE_DEBUG":      {"GUIDANCE_DEBUG", Debug, "Show additional debug information (e.g. GUIDANCE_DEBUG=1)"},
		"GUIDANCE_LOG_FORMAT": {"GUIDANCE_LOG_FORMAT", LogFormat, "Log output format, text or json (default \"text\")"},
		"GUIDANCE_PRECISION":  {"GUIDANCE_PRECISION", Precision, "Working precision of guidance outputs: f32, f16 or bf16 (default \"f32\")"},
		"GUIDANCE_SEQUENTIAL": {"GUIDANCE_SEQUENTIAL", Sequential, "Run unconditioned and conditioned passes one after the other to save memory"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// LogLevel returns the log level implied by the configuration.
// GUIDANCE_DEBUG=2 enables trace logging.
func LogLevel() slog.Level {
	switch {
	case clean("GUIDANCE_DEBUG") == "2":
		return logutil.LevelTrace
	case Debug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

// LoadConfig resets every setting to its default, applies the configuration
// file named by GUIDANCE_CONFIG if any, then applies the environment.
func LoadConfig() {
	Debug = false
	Sequential = false
	Precision = "f32"
	LogFormat = "text"

	ConfigPath = clean("GUIDANCE_CONFIG")
	if ConfigPath != "" {
		if err := LoadFile(ConfigPath); err != nil {
			slog.Error("invalid config file, ignoring", "GUIDANCE_CONFIG", ConfigPath, "error", err)
		}
	}

	if debug := clean("GUIDANCE_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	if seq := clean("GUIDANCE_SEQUENTIAL"); seq != "" {
		s, err := strconv.ParseBool(seq)
		if err != nil {
			slog.Error("invalid setting, ignoring", "GUIDANCE_SEQUENTIAL", seq, "error", err)
		} else {
			Sequential = s
		}
	}

	if p := clean("GUIDANCE_PRECISION"); p != "" {
		Precision = strings.ToLower(p)
	}

	if f := clean("GUIDANCE_LOG_FORMAT"); f != "" {
		switch f = strings.ToLower(f); f {
		case "text", "json":
			LogFormat = f
		default:
			slog.Error("invalid setting, ignoring", "GUIDANCE_LOG_FORMAT", f)
		}
	}
}
