// Package config loads and validates the valet configuration file.
//
// The file is declarative (YAML or JSON by extension), read exactly once at
// startup, and immutable afterwards. Unknown keys are rejected. Any
// validation failure aborts startup before a socket is bound.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const DefaultBasePath = "/mcp"

// Config is the root of the valet configuration. All fields are immutable
// after Load returns.
type Config struct {
	Root   RootConfig   `mapstructure:"root" validate:"required"`
	Server ServerConfig `mapstructure:"server" validate:"required"`
	Auth   AuthConfig   `mapstructure:"auth" validate:"required"`
	Limits LimitsConfig `mapstructure:"limits" validate:"required"`
	Exec   ExecConfig   `mapstructure:"exec" validate:"required"`

	// Derived at load time, not part of the file.
	Origins mapset.Set[string] `mapstructure:"-" validate:"-"`
	PassEnv mapset.Set[string] `mapstructure:"-" validate:"-"`
}

// RootConfig names the single directory outside which no file operation may
// reach. RootDir is canonicalized (symlinks resolved) during Load.
type RootConfig struct {
	RootDir string `mapstructure:"root_dir" validate:"required"`
}

type ServerConfig struct {
	BindAddr string `mapstructure:"bind_addr" validate:"required,ip"`
	Port     int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	BasePath string `mapstructure:"base_path" validate:"required,startswith=/"`
}

type AuthConfig struct {
	BearerToken    string   `mapstructure:"bearer_token" validate:"required"`
	AllowedOrigins []string `mapstructure:"allowed_origins" validate:"required,min=1,dive,required"`
}

type LimitsConfig struct {
	ExecTimeoutS int `mapstructure:"exec_timeout_s" validate:"required,min=1"`
	MaxStdoutKB  int `mapstructure:"max_stdout_kb" validate:"required,min=1"`
	MaxRequestKB int `mapstructure:"max_request_kb" validate:"required,min=1"`
}

type ExecConfig struct {
	AllowedCmds []string `mapstructure:"allowed_cmds" validate:"required,min=1,dive,required"`
	PassEnv     []string `mapstructure:"pass_env" validate:"dive,required"`
}

// MaxStdoutBytes is the per-stream output cap in bytes.
func (c *Config) MaxStdoutBytes() int64 { return int64(c.Limits.MaxStdoutKB) * 1024 }

// MaxRequestBytes is the inbound body cap in bytes.
func (c *Config) MaxRequestBytes() int64 { return int64(c.Limits.MaxRequestKB) * 1024 }

// Load reads, strictly parses, and validates the configuration at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("server.base_path", DefaultBasePath)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	// UnmarshalExact rejects keys that do not map to a struct field.
	if err := v.UnmarshalExact(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks field constraints and canonicalizes derived state. It is
// exposed so tests can build configs without a file.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ip := net.ParseIP(cfg.Server.BindAddr)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("bind_addr must be a loopback address, got %q", cfg.Server.BindAddr)
	}

	if strings.TrimSpace(cfg.Auth.BearerToken) == "" {
		return fmt.Errorf("bearer_token must not be blank")
	}

	cfg.Origins = mapset.NewSet[string]()
	for _, origin := range cfg.Auth.AllowedOrigins {
		if err := checkOrigin(origin); err != nil {
			return err
		}
		cfg.Origins.Add(origin)
	}

	cfg.PassEnv = mapset.NewSet[string]()
	for _, name := range cfg.Exec.PassEnv {
		cfg.PassEnv.Add(name)
	}

	canonical, err := canonicalRoot(cfg.Root.RootDir)
	if err != nil {
		return err
	}
	cfg.Root.RootDir = canonical

	return nil
}

// checkOrigin enforces the exact-match origin shape: scheme + host only,
// no path, no trailing slash.
func checkOrigin(origin string) error {
	if strings.HasSuffix(origin, "/") {
		return fmt.Errorf("allowed origin %q must not have a trailing slash", origin)
	}
	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("allowed origin %q is not a valid URL: %w", origin, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" || u.Path != "" ||
		u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return fmt.Errorf("allowed origin %q must be scheme://host only", origin)
	}
	return nil
}

// canonicalRoot requires an absolute, existing directory and resolves it
// through symlinks so later containment checks compare canonical paths.
func canonicalRoot(root string) (string, error) {
	if !filepath.IsAbs(root) {
		return "", fmt.Errorf("root_dir must be an absolute path, got %q", root)
	}
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("root_dir %q cannot be resolved: %w", root, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("root_dir %q is not accessible: %w", root, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("root_dir %q is not a directory", root)
	}
	return resolved, nil
}
