package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/adaptive-select/internal/eval"
	"github.com/danielpatrickdp/adaptive-select/internal/gate"
	"github.com/danielpatrickdp/adaptive-select/internal/policy"
)

// #region config
// Corrupt-state handling modes.
const (
	OnCorruptFail         = "fail"
	OnCorruptReinitialize = "reinitialize"
)

// Config is the selector daemon configuration, loadable from a YAML file.
type Config struct {
	ListenAddr  string `yaml:"listen_addr" validate:"required,hostname_port"`
	MetricsAddr string `yaml:"metrics_addr" validate:"omitempty,hostname_port"`
	DBPath      string `yaml:"db_path" validate:"required"`
	LogLevel    string `yaml:"log_level" validate:"oneof=trace debug info warn warning error"`
	OnCorrupt   string `yaml:"on_corrupt" validate:"oneof=fail reinitialize"`
	// Seed drives epsilon-greedy exploration.
	Seed int64 `yaml:"seed"`

	Policy policy.Config   `yaml:"policy"`
	Gate   gate.GateConfig `yaml:"gate"`
	Eval   eval.EvalConfig `yaml:"eval"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		ListenAddr:  "localhost:50061",
		MetricsAddr: "localhost:9464",
		DBPath:      "adaptive_select.db",
		LogLevel:    "info",
		OnCorrupt:   OnCorruptFail,
		Seed:        1,
		Policy:      policy.DefaultConfig(),
		Gate:        gate.DefaultGateConfig(),
		Eval:        eval.DefaultEvalConfig(),
	}
}

// #endregion config

// #region load
// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config: %w", err)
		}
	}

	cfg.DBPath = envOr("ADAPTIVE_DB", cfg.DBPath)
	cfg.ListenAddr = envOr("SELECTOR_ADDR", cfg.ListenAddr)
	cfg.LogLevel = envOr("LOG_LEVEL", cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field ranges using the struct tags.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion load
