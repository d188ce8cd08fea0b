// Package configfile loads an authflow deployment from a YAML or TOML file
// plus AUTHFLOW_* environment overrides.
package configfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/IMQS/log"
	"github.com/MrEthical07/authflow"
	"gopkg.in/yaml.v3"
)

var ErrUnknownFormat = errors.New("config file must end in .yaml, .yml or .toml")

// File is the on-disk schema: the engine Config at the top level plus the
// sections only a server needs.
type File struct {
	authflow.Config `yaml:",inline"`

	HTTP      HTTPConfig      `yaml:"http" toml:"http"`
	Log       LogConfig       `yaml:"log" toml:"log"`
	Directory DirectoryConfig `yaml:"directory" toml:"directory"`
}

// DirectoryConfig points at the SQL user directory. An empty Driver means an
// in-memory directory that is lost on restart.
type DirectoryConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

type HTTPConfig struct {
	Addr              string        `yaml:"addr" toml:"addr"`
	TrustProxy        bool          `yaml:"trust_proxy" toml:"trust_proxy"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" toml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	MetricsPath       string        `yaml:"metrics_path" toml:"metrics_path"`
}

type LogConfig struct {
	// File is a path, or empty for stdout.
	File  string `yaml:"file" toml:"file"`
	Color bool   `yaml:"color" toml:"color"`
}

func Default() *File {
	return &File{
		Config: authflow.DefaultConfig(),
		HTTP: HTTPConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
	}
}

// Load reads path (skipped when empty), applies environment overrides and
// then reads the JWT key files. The result is not validated; Builder.Build
// does that.
func Load(path string) (*File, error) {
	f := Default()
	if path != "" {
		if err := decode(path, f); err != nil {
			return nil, err
		}
	}
	applyEnv(f)
	if err := f.readKeys(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return f, nil
}

func decode(path string, f *File) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(raw, f); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.DecodeFile(path, f); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	default:
		return fmt.Errorf("%s: %w", path, ErrUnknownFormat)
	}
	return nil
}

// readKeys resolves relative key paths against the config file's directory.
func (f *File) readKeys(base string) error {
	read := func(p string) ([]byte, error) {
		if p == "" {
			return nil, nil
		}
		if !filepath.IsAbs(p) && base != "" {
			p = filepath.Join(base, p)
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading key: %w", err)
		}
		return b, nil
	}
	var err error
	if f.JWT.PrivateKey, err = read(f.JWT.PrivateKeyFile); err != nil {
		return err
	}
	if f.JWT.PublicKey, err = read(f.JWT.PublicKeyFile); err != nil {
		return err
	}
	return nil
}

// Logger opens the configured log destination.
func (f *File) Logger() *log.Logger {
	if f.Log.File == "" {
		return log.New(log.Stdout, f.Log.Color)
	}
	return log.New(f.Log.File, f.Log.Color)
}

func applyEnv(f *File) {
	f.Store.Backend = envOrDefault("AUTHFLOW_STORE_BACKEND", f.Store.Backend)
	f.Store.RedisAddr = envOrDefault("AUTHFLOW_REDIS_ADDR", f.Store.RedisAddr)
	f.Store.RedisPassword = envOrDefault("AUTHFLOW_REDIS_PASSWORD", f.Store.RedisPassword)
	f.Store.RedisDB = envInt("AUTHFLOW_REDIS_DB", f.Store.RedisDB)
	f.Store.BoltPath = envOrDefault("AUTHFLOW_BOLT_PATH", f.Store.BoltPath)
	f.Store.Prefix = envOrDefault("AUTHFLOW_STORE_PREFIX", f.Store.Prefix)
	f.Store.OpTimeout = envDuration("AUTHFLOW_STORE_TIMEOUT", f.Store.OpTimeout)

	f.TokenStrategy = authflow.TokenStrategy(envOrDefault("AUTHFLOW_TOKEN_STRATEGY", string(f.TokenStrategy)))
	f.Session.TTL = envDuration("AUTHFLOW_SESSION_TTL", f.Session.TTL)
	f.JWT.SigningMethod = envOrDefault("AUTHFLOW_JWT_SIGNING_METHOD", f.JWT.SigningMethod)
	f.JWT.PrivateKeyFile = envOrDefault("AUTHFLOW_JWT_PRIVATE_KEY_FILE", f.JWT.PrivateKeyFile)
	f.JWT.PublicKeyFile = envOrDefault("AUTHFLOW_JWT_PUBLIC_KEY_FILE", f.JWT.PublicKeyFile)
	f.JWT.AccessTTL = envDuration("AUTHFLOW_JWT_ACCESS_TTL", f.JWT.AccessTTL)
	f.JWT.RefreshTTL = envDuration("AUTHFLOW_JWT_REFRESH_TTL", f.JWT.RefreshTTL)
	f.JWT.Issuer = envOrDefault("AUTHFLOW_JWT_ISSUER", f.JWT.Issuer)

	f.Flow.EmailVerification = envBool("AUTHFLOW_EMAIL_VERIFICATION", f.Flow.EmailVerification)
	f.Codes.RevealInLogs = envBool("AUTHFLOW_REVEAL_CODES", f.Codes.RevealInLogs)
	f.Metrics.Enabled = envBool("AUTHFLOW_METRICS_ENABLED", f.Metrics.Enabled)
	f.Audit.Enabled = envBool("AUTHFLOW_AUDIT_ENABLED", f.Audit.Enabled)

	f.HTTP.Addr = envOrDefault("AUTHFLOW_HTTP_ADDR", f.HTTP.Addr)
	f.HTTP.TrustProxy = envBool("AUTHFLOW_TRUST_PROXY", f.HTTP.TrustProxy)
	f.Log.File = envOrDefault("AUTHFLOW_LOG_FILE", f.Log.File)
	f.Directory.Driver = envOrDefault("AUTHFLOW_DB_DRIVER", f.Directory.Driver)
	f.Directory.DSN = envOrDefault("AUTHFLOW_DB_DSN", f.Directory.DSN)
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

// envInt keeps fallback for empty or unparsable values.
func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envBool(name string, fallback bool) bool {
	switch strings.ToLower(os.Getenv(name)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

func envDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
