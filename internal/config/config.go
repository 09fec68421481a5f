// Package config loads the bridge configuration from YAML and sets up
// logging.
package config

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// DefaultDependencies is the install list used when none is configured.
var DefaultDependencies = []string{"dashboard", "requests", "vue-components"}

type Config struct {
	Addr         string     `yaml:"addr" validate:"required,hostname_port"`
	Dependencies []string   `yaml:"dependencies" validate:"dive,required"`
	PackageDir   string     `yaml:"package_dir"`
	App          AppConfig  `yaml:"app"`
	Log          LogConfig  `yaml:"log"`
	HTTP         HTTPConfig `yaml:"http"`
}

type AppConfig struct {
	// Name selects a bundled application when Script is empty.
	Name   string `yaml:"name" validate:"required_without=Script"`
	Script string `yaml:"script"`
	Title  string `yaml:"title"`
	// Location attaches a location model to the document.
	Location bool `yaml:"location"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=auto console json"`
}

type HTTPConfig struct {
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

func Default() Config {
	return Config{
		Addr:         "127.0.0.1:7777",
		Dependencies: append([]string(nil), DefaultDependencies...),
		App: AppConfig{
			Name:     "pdb-input",
			Location: true,
		},
		Log:  LogConfig{Level: "info", Format: "auto"},
		HTTP: HTTPConfig{Timeout: 30 * time.Second},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, cfg.Validate()
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config: read %s", path)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "config: parse %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrapf(err, "config: %s", path)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	return nil
}

// SetupLogging configures the global zerolog logger. Output goes to w, as a
// console writer when w is a terminal (or format is "console") and as JSON
// otherwise.
func SetupLogging(lc LogConfig, w io.Writer) error {
	level := zerolog.InfoLevel
	if lc.Level != "" {
		l, err := zerolog.ParseLevel(lc.Level)
		if err != nil {
			return errors.Wrapf(err, "config: log level %q", lc.Level)
		}
		level = l
	}
	zerolog.SetGlobalLevel(level)

	console := lc.Format == "console"
	if lc.Format == "" || lc.Format == "auto" {
		if f, ok := w.(*os.File); ok {
			console = isatty.IsTerminal(f.Fd())
		}
	}
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return nil
}
