// Package config loads client and dev server settings from a YAML file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, value.Value)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
	HTTP       HTTPConfig       `yaml:"http"`
	Generation GenerationConfig `yaml:"generation"`
	Log        LogConfig        `yaml:"log"`
	DevServer  DevServerConfig  `yaml:"devserver"`
}

type ServerConfig struct {
	BaseURL string `yaml:"base_url"`
	WSPath  string `yaml:"ws_path"`
	SockJS  bool   `yaml:"sockjs"`
}

type ReconnectConfig struct {
	BaseDelay   Duration `yaml:"base_delay"`
	MaxAttempts int      `yaml:"max_attempts"`
}

type HTTPConfig struct {
	Timeout Duration `yaml:"timeout"`
}

type GenerationConfig struct {
	SettleDelay Duration `yaml:"settle_delay"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type DevServerConfig struct {
	Addr       string   `yaml:"addr"`
	Generator  string   `yaml:"generator"`
	ChunkDelay Duration `yaml:"chunk_delay"`
	Model      string   `yaml:"model"`
	// APIKey is only read from OPENAI_API_KEY.
	APIKey string `yaml:"-"`
}

const (
	GeneratorScripted = "scripted"
	GeneratorOpenAI   = "openai"
)

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL: "http://localhost:8080",
			WSPath:  "/ws/generation",
		},
		Reconnect: ReconnectConfig{
			BaseDelay:   Duration(time.Second),
			MaxAttempts: 5,
		},
		HTTP:       HTTPConfig{Timeout: Duration(30 * time.Second)},
		Generation: GenerationConfig{SettleDelay: Duration(time.Second)},
		Log:        LogConfig{Level: "info"},
		DevServer: DevServerConfig{
			Addr:       ":8080",
			Generator:  GeneratorScripted,
			ChunkDelay: Duration(50 * time.Millisecond),
			Model:      "gpt-4o-mini",
		},
	}
}

// DefaultPath is ~/.config/leostream/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "leostream", "config.yaml")
}

// Load reads defaults, then the file at path, then the environment. An empty
// path means DefaultPath, which may be missing; an explicit path must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from LEOSTREAM_* variables and OPENAI_API_KEY.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("LEOSTREAM_BASE_URL"); ok {
		c.Server.BaseURL = v
	}
	if v, ok := lookup("LEOSTREAM_WS_PATH"); ok {
		c.Server.WSPath = v
	}
	if v, ok := lookup("LEOSTREAM_SOCKJS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LEOSTREAM_SOCKJS: %w", err)
		}
		c.Server.SockJS = b
	}
	if v, ok := lookup("LEOSTREAM_RECONNECT_BASE_DELAY"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("LEOSTREAM_RECONNECT_BASE_DELAY: %w", err)
		}
		c.Reconnect.BaseDelay = Duration(d)
	}
	if v, ok := lookup("LEOSTREAM_RECONNECT_MAX_ATTEMPTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LEOSTREAM_RECONNECT_MAX_ATTEMPTS: %w", err)
		}
		c.Reconnect.MaxAttempts = n
	}
	if v, ok := lookup("LEOSTREAM_HTTP_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("LEOSTREAM_HTTP_TIMEOUT: %w", err)
		}
		c.HTTP.Timeout = Duration(d)
	}
	if v, ok := lookup("LEOSTREAM_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := lookup("OPENAI_API_KEY"); ok {
		c.DevServer.APIKey = v
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || u.Host == "" {
		errs = append(errs, fmt.Errorf("server.base_url %q is not an absolute URL", c.Server.BaseURL))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errs = append(errs, fmt.Errorf("server.base_url scheme must be http or https, got %q", u.Scheme))
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		errs = append(errs, fmt.Errorf("server.ws_path %q must start with /", c.Server.WSPath))
	}
	if c.Reconnect.BaseDelay <= 0 {
		errs = append(errs, errors.New("reconnect.base_delay must be positive"))
	}
	if c.Reconnect.MaxAttempts <= 0 {
		errs = append(errs, errors.New("reconnect.max_attempts must be positive"))
	}
	if c.HTTP.Timeout <= 0 {
		errs = append(errs, errors.New("http.timeout must be positive"))
	}
	if c.Generation.SettleDelay < 0 {
		errs = append(errs, errors.New("generation.settle_delay must not be negative"))
	}
	switch c.DevServer.Generator {
	case GeneratorScripted, GeneratorOpenAI:
	default:
		errs = append(errs, fmt.Errorf("devserver.generator %q is not one of scripted, openai", c.DevServer.Generator))
	}
	return errors.Join(errs...)
}

// WebSocketURL joins the base URL and the websocket path.
func (c *Config) WebSocketURL() string {
	return strings.TrimRight(c.Server.BaseURL, "/") + c.Server.WSPath
}
