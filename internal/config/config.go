// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ovis-hpc/ldmsd/internal/log"
	ldmsderrors "github.com/ovis-hpc/ldmsd/pkg/errors"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Defaults shared with the command line help text.
const (
	DefaultPluginLibPath = "/usr/local/lib/ovis-ldms"
	DefaultSocketDir     = "/var/run"
	DefaultSocketName    = "ldmsd/metric_socket"
	DefaultConfigBufLen  = 8192
	DefaultMaxRecordLen  = 1 << 20
)

// Config is the daemon configuration.
type Config struct {
	// PluginLibPath is a colon-separated list of directories searched for
	// plugin libraries.
	// Environment: LDMSD_PLUGIN_LIBPATH
	PluginLibPath string `yaml:"plugin_libpath" validate:"required"`

	// Socket configures the local control socket.
	Socket SocketConfig `yaml:"socket"`

	// TCP configures the network control socket.
	TCP TCPConfig `yaml:"tcp"`

	// ConfigBufLen is the initial control read buffer and the longest
	// config file line accepted.
	// Environment: LDMSD_MAX_CONFIG_STR_LEN
	ConfigBufLen int `yaml:"config_buf_len" validate:"gte=64"`

	// MaxRecordLen caps the rec_len a control client may declare.
	MaxRecordLen int `yaml:"max_record_len" validate:"gtefield=ConfigBufLen"`

	// ConfigFiles are replayed at startup, in order.
	ConfigFiles []string `yaml:"config_files,omitempty"`

	// PIDFile, when set, is created at startup and removed at exit.
	// Environment: LDMSD_PIDFILE
	PIDFile string `yaml:"pid_file,omitempty"`

	// Log configures daemon logging.
	Log LogConfig `yaml:"log"`

	// MetricsAddr, when set, serves Prometheus metrics over HTTP.
	// Environment: LDMSD_METRICS_ADDR
	MetricsAddr string `yaml:"metrics_addr,omitempty" validate:"omitempty,hostname_port"`

	// Hostname labels the metric sets this daemon publishes.
	Hostname string `yaml:"hostname,omitempty"`

	// ShutdownTimeout bounds orderly shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// SocketConfig configures the Unix-domain control socket.
type SocketConfig struct {
	// Dir is the directory holding the socket.
	// Environment: LDMSD_SOCKPATH
	Dir string `yaml:"dir"`

	// Name is the socket file name relative to Dir.
	Name string `yaml:"name"`

	// Path, when set, overrides Dir and Name.
	Path string `yaml:"path,omitempty"`

	// Disabled turns the local socket off.
	Disabled bool `yaml:"disabled"`
}

// FullPath returns the socket path.
func (s SocketConfig) FullPath() string {
	if s.Path != "" {
		return s.Path
	}
	return filepath.Join(s.Dir, s.Name)
}

// TCPConfig configures the network control socket.
type TCPConfig struct {
	// Port enables the listener when non-zero.
	// Environment: LDMSD_TCP_PORT
	Port int `yaml:"port" validate:"gte=0,lte=65535"`

	// Addr is the bind address; empty binds all interfaces.
	Addr string `yaml:"addr,omitempty" validate:"omitempty,ip"`

	// SecretFile holds "secretword=<secret>". Without it clients are not
	// challenged.
	// Environment: LDMSD_SECRET_FILE
	SecretFile string `yaml:"secret_file,omitempty"`

	// WatchSecret reloads the secret when the file changes.
	WatchSecret bool `yaml:"watch_secret"`

	// AuthFailureLimit is the number of failed handshakes per address
	// tolerated within AuthFailureWindow before the address is locked out.
	AuthFailureLimit int `yaml:"auth_failure_limit" validate:"gte=1"`

	// AuthFailureWindow is the counting window for failed handshakes.
	AuthFailureWindow time.Duration `yaml:"auth_failure_window" validate:"gt=0"`

	// AuthLockout is how long a locked out address is refused.
	AuthLockout time.Duration `yaml:"auth_lockout" validate:"gt=0"`
}

// Address returns the host:port to listen on.
func (t TCPConfig) Address() string {
	return net.JoinHostPort(t.Addr, strconv.Itoa(t.Port))
}

// LogConfig configures daemon logging.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error, critical, quiet, all).
	// Environment: LDMSD_LOG_LEVEL
	Level string `yaml:"level"`

	// Format is the log format (text, json).
	Format string `yaml:"format" validate:"oneof=text json"`

	// File, when set, receives logs instead of stderr and can be rotated.
	// Environment: LDMSD_LOG_FILE
	File string `yaml:"file,omitempty"`

	// AddSource adds source file and line information.
	AddSource bool `yaml:"add_source"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		PluginLibPath: DefaultPluginLibPath,
		Socket: SocketConfig{
			Dir:  DefaultSocketDir,
			Name: DefaultSocketName,
		},
		TCP: TCPConfig{
			AuthFailureLimit:  5,
			AuthFailureWindow: time.Minute,
			AuthLockout:       time.Minute,
		},
		ConfigBufLen:    DefaultConfigBufLen,
		MaxRecordLen:    DefaultMaxRecordLen,
		Log:             LogConfig{Level: "info", Format: "text"},
		ShutdownTimeout: 5 * time.Second,
	}
}

// Load builds the configuration: defaults, then the YAML file at path
// (if any), then environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, &ldmsderrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", path),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, &ldmsderrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// applyDefaults fills zero values left by a partial file.
func (c *Config) applyDefaults() {
	d := Default()
	if c.PluginLibPath == "" {
		c.PluginLibPath = d.PluginLibPath
	}
	if c.Socket.Dir == "" {
		c.Socket.Dir = d.Socket.Dir
	}
	if c.Socket.Name == "" {
		c.Socket.Name = d.Socket.Name
	}
	if c.TCP.AuthFailureLimit == 0 {
		c.TCP.AuthFailureLimit = d.TCP.AuthFailureLimit
	}
	if c.TCP.AuthFailureWindow == 0 {
		c.TCP.AuthFailureWindow = d.TCP.AuthFailureWindow
	}
	if c.TCP.AuthLockout == 0 {
		c.TCP.AuthLockout = d.TCP.AuthLockout
	}
	if c.ConfigBufLen == 0 {
		c.ConfigBufLen = d.ConfigBufLen
	}
	if c.MaxRecordLen == 0 {
		c.MaxRecordLen = d.MaxRecordLen
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv applies environment overrides. Numeric variables that do
// not parse are reported rather than ignored.
func (c *Config) loadFromEnv() error {
	if val := os.Getenv("LDMSD_PLUGIN_LIBPATH"); val != "" {
		c.PluginLibPath = val
	}
	if val := os.Getenv("LDMSD_SOCKPATH"); val != "" {
		c.Socket.Dir = val
	}
	if val := os.Getenv("LDMSD_MAX_CONFIG_STR_LEN"); val != "" {
		n, err := strconv.ParseInt(val, 0, 32)
		if err != nil {
			return &ldmsderrors.ConfigError{Key: "LDMSD_MAX_CONFIG_STR_LEN", Reason: "not a number", Cause: err}
		}
		c.ConfigBufLen = int(n)
		if c.MaxRecordLen < c.ConfigBufLen {
			c.MaxRecordLen = c.ConfigBufLen
		}
	}
	if val := os.Getenv("LDMSD_TCP_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return &ldmsderrors.ConfigError{Key: "LDMSD_TCP_PORT", Reason: "not a number", Cause: err}
		}
		c.TCP.Port = port
	}
	if val := os.Getenv("LDMSD_SECRET_FILE"); val != "" {
		c.TCP.SecretFile = val
	}
	if val := os.Getenv("LDMSD_PIDFILE"); val != "" {
		c.PIDFile = val
	}
	if val := os.Getenv("LDMSD_METRICS_ADDR"); val != "" {
		c.MetricsAddr = val
	}
	if val := os.Getenv("LDMSD_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LDMSD_LOG_FILE"); val != "" {
		c.Log.File = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		for _, fe := range verrs {
			errs = append(errs, describeFieldError(fe))
		}
	}

	if !log.ValidLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("log.level %q is not a known level", c.Log.Level))
	}
	if c.Socket.Disabled && c.TCP.Port == 0 {
		errs = append(errs, "no control listener enabled: socket.disabled is set and tcp.port is 0")
	}
	if c.TCP.Port == 0 && c.TCP.SecretFile != "" {
		errs = append(errs, "tcp.secret_file is set but tcp.port is 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", field, fe.Param(), fe.Value())
	case "gtefield":
		return fmt.Sprintf("%s must be at least %s, got %v", field, fe.Param(), fe.Value())
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("%s failed %s=%s, got %v", field, fe.Tag(), fe.Param(), fe.Value())
		}
		return fmt.Sprintf("%s failed %s, got %v", field, fe.Tag(), fe.Value())
	}
}

// LibPaths splits PluginLibPath into its directories.
func (c *Config) LibPaths() []string {
	var dirs []string
	for _, dir := range strings.Split(c.PluginLibPath, ":") {
		if dir != "" {
			dirs = append(dirs, dir)
		}
	}
	return dirs
}
