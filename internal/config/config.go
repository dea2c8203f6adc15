package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix namespaces environment overrides, e.g. GIGCHAT_SOCKET_URL.
const EnvPrefix = "GIGCHAT"

var validate = validator.New()

// Config represents the global ~/.gigchat/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
}

// Settings is the per-profile profile.toml. Zero values are filled from
// Defaults before the file and the environment are applied.
type Settings struct {
	APIURL         string        `toml:"api_url" envconfig:"API_URL" validate:"required,url"`
	SocketURL      string        `toml:"socket_url" envconfig:"SOCKET_URL" validate:"required,url"`
	AckTimeout     time.Duration `toml:"ack_timeout" envconfig:"ACK_TIMEOUT" validate:"gt=0"`
	UploadTimeout  time.Duration `toml:"upload_timeout" envconfig:"UPLOAD_TIMEOUT" validate:"gt=0"`
	MessagingRoute string        `toml:"messaging_route" envconfig:"MESSAGING_ROUTE" validate:"required,startswith=/"`
	AlertMaxLen    int           `toml:"alert_max_len" envconfig:"ALERT_MAX_LEN" validate:"gte=1"`
	LogLevel       string        `toml:"log_level" envconfig:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	Reconnect      Reconnect     `toml:"reconnect" envconfig:"RECONNECT"`
}

// Reconnect controls the reconnect backoff. Factor 1 gives a constant delay.
type Reconnect struct {
	Initial time.Duration `toml:"initial" envconfig:"INITIAL" validate:"gt=0"`
	Max     time.Duration `toml:"max" envconfig:"MAX" validate:"gtefield=Initial"`
	Factor  float64       `toml:"factor" envconfig:"FACTOR" validate:"gte=1"`
	Jitter  bool          `toml:"jitter" envconfig:"JITTER"`
}

// Defaults returns the settings used when nothing is configured.
func Defaults() Settings {
	return Settings{
		APIURL:         "http://localhost:8080",
		SocketURL:      "ws://localhost:8080/ws",
		AckTimeout:     10 * time.Second,
		UploadTimeout:  2 * time.Minute,
		MessagingRoute: "/messages",
		AlertMaxLen:    25,
		LogLevel:       "info",
		Reconnect: Reconnect{
			Initial: time.Second,
			Max:     30 * time.Second,
			Factor:  2,
		},
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// LoadSettings layers Defaults, the TOML file at path (optional) and
// GIGCHAT_* environment variables, then validates the result.
func LoadSettings(path string) (*Settings, error) {
	s := Defaults()
	if path != "" {
		if _, err := toml.DecodeFile(path, &s); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &s); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks field constraints.
func (s *Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}
