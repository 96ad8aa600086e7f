package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerCfg struct {
	Listen         string `yaml:"listen"`
	ReadTimeoutMs  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMs int    `yaml:"write_timeout_ms"`
}

type UpstreamCfg struct {
	BaseURL      string `yaml:"base_url"`
	TimeoutSec   int    `yaml:"timeout_sec"`
	MaxRedirects int    `yaml:"max_redirects"`
}

type TokenCfg struct {
	Secret       string `yaml:"secret"`
	ClientSecret string `yaml:"client_secret"`
	System       string `yaml:"system"`
	TTLSec       int    `yaml:"ttl_sec"`
}

type CookieCfg struct {
	Name      string `yaml:"name"`
	MaxAgeSec int    `yaml:"max_age_sec"` // 0 = bound to token TTL
	Insecure  bool   `yaml:"insecure"`    // opt-out for plain-HTTP setups
}

type MappingCfg struct {
	File          string `yaml:"file"`
	DebounceMs    int    `yaml:"debounce_ms"`
	WatchDisabled bool   `yaml:"watch_disabled"`
}

type SecurityCfg struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LoggingCfg struct {
	Level string `yaml:"level"` // info|debug
}

type Config struct {
	Server   ServerCfg   `yaml:"server"`
	Upstream UpstreamCfg `yaml:"upstream"`
	Token    TokenCfg    `yaml:"token"`
	Cookie   CookieCfg   `yaml:"cookie"`
	Mapping  MappingCfg  `yaml:"mapping"`
	Security SecurityCfg `yaml:"security"`
	Logging  LoggingCfg  `yaml:"logging"`
}

// Load reads the YAML config file (if present), applies environment
// overrides, and fills in defaults. A missing file is not an error: the
// gateway can run entirely from environment variables and fallbacks.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()

	// defaults
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":3030"
	}
	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = "http://127.0.0.1:80"
	}
	if cfg.Upstream.TimeoutSec == 0 {
		cfg.Upstream.TimeoutSec = 120
	}
	if cfg.Upstream.MaxRedirects == 0 {
		cfg.Upstream.MaxRedirects = 5
	}
	if cfg.Token.Secret == "" {
		cfg.Token.Secret = "bestv-jwt-secret-2026"
	}
	if cfg.Token.ClientSecret == "" {
		cfg.Token.ClientSecret = "bestvwin2026"
	}
	if cfg.Token.System == "" {
		cfg.Token.System = "bestv-tvcms"
	}
	if cfg.Token.TTLSec == 0 {
		cfg.Token.TTLSec = 1800
	}
	if cfg.Cookie.Name == "" {
		cfg.Cookie.Name = "auth_token"
	}
	if cfg.Mapping.File == "" {
		cfg.Mapping.File = "mappings.json"
	}
	if cfg.Mapping.DebounceMs == 0 {
		cfg.Mapping.DebounceMs = 200
	}
	if len(cfg.Security.AllowedOrigins) == 0 {
		cfg.Security.AllowedOrigins = []string{"*"}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	return &cfg, nil
}

// applyEnv layers environment variables over whatever the file provided.
// PORT is accepted as a shorthand for server.listen.
func (c *Config) applyEnv() {
	if v := os.Getenv("RAGGATE_LISTEN"); v != "" {
		c.Server.Listen = v
	} else if v := os.Getenv("PORT"); v != "" {
		c.Server.Listen = ":" + v
	}
	if v := os.Getenv("RAGFLOW_BASE_URL"); v != "" {
		c.Upstream.BaseURL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Token.Secret = v
	}
	if v := os.Getenv("CLIENT_SECRET"); v != "" {
		c.Token.ClientSecret = v
	}
	if v := os.Getenv("TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Token.TTLSec = int(d / time.Second)
		}
	}
	if v := os.Getenv("MAPPING_FILE"); v != "" {
		c.Mapping.File = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.Security.AllowedOrigins = splitAndTrim(v)
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url invalid: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("upstream.base_url must be http or https")
	}
	if u.Host == "" {
		return errors.New("upstream.base_url must carry a host")
	}
	if len(c.Token.Secret) < 16 {
		return errors.New("token.secret too short; need >=16 bytes")
	}
	if c.Token.TTLSec <= 0 {
		return errors.New("token.ttl_sec must be positive")
	}
	if c.Upstream.MaxRedirects < 0 {
		return errors.New("upstream.max_redirects must be >= 0")
	}
	if c.Cookie.MaxAgeSec < 0 {
		return errors.New("cookie.max_age_sec must be >= 0")
	}
	return nil
}

func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Token.TTLSec) * time.Second
}

func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.Upstream.TimeoutSec) * time.Second
}

// CookieSecure reports whether cookies carry the Secure attribute. They are
// SameSite=None, which browsers reject without Secure, so it stays on unless
// explicitly opted out.
func (c *Config) CookieSecure() bool {
	return !c.Cookie.Insecure
}

// CookieMaxAge returns the auth cookie lifetime in seconds, never exceeding
// the token TTL: a cookie that outlives its token only produces 403s.
func (c *Config) CookieMaxAge() int {
	if c.Cookie.MaxAgeSec == 0 || c.Cookie.MaxAgeSec > c.Token.TTLSec {
		return c.Token.TTLSec
	}
	return c.Cookie.MaxAgeSec
}
