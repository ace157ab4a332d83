package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lawnchairsociety/qlcbridge/internal/cmdfilter"
	"github.com/lawnchairsociety/qlcbridge/internal/database"
	"github.com/lawnchairsociety/qlcbridge/internal/qlc"
	"gopkg.in/yaml.v3"
)

// Config holds bridge-wide configuration settings.
type Config struct {
	Instances []InstanceConfig `yaml:"instances"`
	Poll      PollConfig       `yaml:"poll"`
	API       APIConfig        `yaml:"api"`
	Database  database.Config  `yaml:"database"`
}

// InstanceConfig describes one QLC+ server.
type InstanceConfig struct {
	// Name identifies the instance to the dispatcher and in logs.
	Name string `yaml:"name"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// TimeoutSeconds is the response window for correlated commands.
	TimeoutSeconds float64 `yaml:"timeout_seconds"`
}

// Timeout returns the response window as a duration.
func (i InstanceConfig) Timeout() time.Duration {
	return time.Duration(i.TimeoutSeconds * float64(time.Second))
}

// Endpoint converts the instance into a client endpoint.
func (i InstanceConfig) Endpoint() qlc.Endpoint {
	return qlc.Endpoint{
		Host:     i.Host,
		Port:     i.Port,
		Username: i.Username,
		Password: i.Password,
		Timeout:  i.Timeout(),
	}
}

// PollConfig holds the refresh cadence and the backoff applied after failures.
type PollConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`

	// BackoffAfter is the number of consecutive failed refreshes before
	// the interval starts to grow.
	BackoffAfter int `yaml:"backoff_after"`

	// BackoffSeconds is the first extra delay; it doubles up to MaxBackoffSeconds.
	BackoffSeconds    int `yaml:"backoff_seconds"`
	MaxBackoffSeconds int `yaml:"max_backoff_seconds"`
}

// Interval returns the refresh interval.
func (p PollConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

// APIConfig holds settings for the command dispatch surface.
type APIConfig struct {
	// Listen is the HTTP listen address. Empty disables the API.
	Listen string `yaml:"listen"`

	// TokenHash is a bcrypt hash of the bearer token. Empty disables auth.
	TokenHash string `yaml:"token_hash"`

	// AllowedOrigins is a list of origins allowed to connect via WebSocket.
	// Empty list enforces same-origin policy.
	// Use "*" to allow all origins (not recommended for production).
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TrustedProxies lists reverse proxy IPs or CIDR ranges whose
	// X-Forwarded-For and X-Real-IP headers identify the client. Headers
	// from any other peer are ignored.
	TrustedProxies []string `yaml:"trusted_proxies"`

	// MaxMessageSize is the maximum WebSocket request size in bytes.
	MaxMessageSize int64 `yaml:"max_message_size"`

	Connections ConnectionsConfig `yaml:"connections"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	CommandRate CommandRateConfig `yaml:"command_rate"`

	// CommandFilter restricts which raw commands remote clients may send.
	CommandFilter cmdfilter.Config `yaml:"command_filter"`

	// CommandFilterFile, when set, replaces CommandFilter with the
	// contents of a standalone filter file.
	CommandFilterFile string `yaml:"command_filter_file"`
}

// CommandRateConfig bounds how fast one WebSocket client may send commands.
type CommandRateConfig struct {
	// MaxCommands per window. 0 disables the limit.
	MaxCommands   int `yaml:"max_commands"`
	WindowSeconds int `yaml:"window_seconds"`
}

// ConnectionsConfig holds connection limit settings.
type ConnectionsConfig struct {
	// MaxPerIP is the maximum concurrent requests allowed from a single IP address.
	// 0 means unlimited.
	MaxPerIP int `yaml:"max_per_ip"`

	// MaxTotal is the maximum total concurrent requests. 0 means unlimited.
	MaxTotal int `yaml:"max_total"`
}

// RateLimitConfig holds lockout settings for failed API token checks.
type RateLimitConfig struct {
	// MaxAttempts is the maximum failed attempts before lockout.
	MaxAttempts int `yaml:"max_attempts"`

	// LockoutSeconds is the initial lockout duration in seconds.
	LockoutSeconds int `yaml:"lockout_seconds"`

	// MaxLockoutSeconds is the maximum lockout duration (for exponential backoff).
	MaxLockoutSeconds int `yaml:"max_lockout_seconds"`
}

// DefaultConfig returns a Config with defaults and no instances.
func DefaultConfig() *Config {
	return &Config{
		Poll: PollConfig{
			IntervalSeconds:   30,
			BackoffAfter:      3,
			BackoffSeconds:    30,
			MaxBackoffSeconds: 300,
		},
		API: APIConfig{
			Listen:         "127.0.0.1:8484",
			AllowedOrigins: []string{},
			MaxMessageSize: 4096,
			Connections: ConnectionsConfig{
				MaxPerIP: 3,
				MaxTotal: 100,
			},
			RateLimit: RateLimitConfig{
				MaxAttempts:       5,
				LockoutSeconds:    30,
				MaxLockoutSeconds: 300,
			},
			CommandRate: CommandRateConfig{
				MaxCommands:   50,
				WindowSeconds: 10,
			},
		},
		Database: database.DefaultConfig("data/qlcbridge.db"),
	}
}

// LoadConfig loads configuration from a YAML file, then applies
// environment overrides and per-instance defaults.
// A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, config); err != nil {
			return DefaultConfig(), fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return config, err
	}

	config.applyEnv()
	config.applyInstanceDefaults()
	if err := config.loadCommandFilter(); err != nil {
		return config, err
	}
	return config, nil
}

// loadCommandFilter swaps in the filter file named by command_filter_file.
func (c *Config) loadCommandFilter() error {
	path := c.API.CommandFilterFile
	if path == "" {
		return nil
	}
	filter, err := cmdfilter.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("failed to load command filter %s: %w", path, err)
	}
	c.API.CommandFilter = *filter
	return nil
}

// applyEnv lets a single-instance deployment be configured without a file.
func (c *Config) applyEnv() {
	host := os.Getenv("QLC_HOST")
	if host == "" && len(c.Instances) == 0 {
		return
	}
	if len(c.Instances) == 0 {
		c.Instances = append(c.Instances, InstanceConfig{})
	}

	first := &c.Instances[0]
	if host != "" {
		first.Host = host
	}
	if port := os.Getenv("QLC_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			first.Port = p
		}
	}
	if username := os.Getenv("QLC_USERNAME"); username != "" {
		first.Username = username
	}
	if password := os.Getenv("QLC_PASSWORD"); password != "" {
		first.Password = password
	}
}

func (c *Config) applyInstanceDefaults() {
	for i := range c.Instances {
		inst := &c.Instances[i]
		if inst.Name == "" {
			inst.Name = inst.Host
		}
		if inst.Port == 0 {
			inst.Port = qlc.DefaultPort
		}
		if inst.TimeoutSeconds <= 0 {
			inst.TimeoutSeconds = qlc.DefaultTimeout.Seconds()
		}
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Instances) == 0 {
		errs = append(errs, errors.New("no QLC+ instances configured"))
	}

	seen := make(map[string]bool)
	for i, inst := range c.Instances {
		if inst.Host == "" {
			errs = append(errs, fmt.Errorf("instance %d: host is required", i))
		}
		if inst.Port < 1 || inst.Port > 65535 {
			errs = append(errs, fmt.Errorf("instance %q: port %d out of range", inst.Name, inst.Port))
		}
		if (inst.Username == "") != (inst.Password == "") {
			errs = append(errs, fmt.Errorf("instance %q: username and password must be set together", inst.Name))
		}
		if seen[inst.Name] {
			errs = append(errs, fmt.Errorf("instance %q: duplicate name", inst.Name))
		}
		seen[inst.Name] = true
	}

	if c.Poll.IntervalSeconds <= 0 {
		errs = append(errs, errors.New("poll.interval_seconds must be positive"))
	}

	for _, proxy := range c.API.TrustedProxies {
		if _, _, err := net.ParseCIDR(proxy); err != nil && net.ParseIP(proxy) == nil {
			errs = append(errs, fmt.Errorf("api.trusted_proxies: %q is not an IP or CIDR range", proxy))
		}
	}

	switch c.Database.Driver {
	case "", "none", string(database.DialectSQLite), string(database.DialectPostgres):
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not sqlite or postgres", c.Database.Driver))
	}

	return errors.Join(errs...)
}

// Instance returns the named instance.
func (c *Config) Instance(name string) (InstanceConfig, bool) {
	for _, inst := range c.Instances {
		if inst.Name == name {
			return inst, true
		}
	}
	return InstanceConfig{}, false
}

// IsOriginAllowed checks if the given origin is allowed based on the config.
// Returns true if:
// - AllowedOrigins contains "*" (allow all)
// - AllowedOrigins contains the exact origin
// - AllowedOrigins is empty and origin matches the request host (same-origin)
func (c *APIConfig) IsOriginAllowed(origin, requestHost string) bool {
	if len(c.AllowedOrigins) == 0 {
		return isSameOrigin(origin, requestHost)
	}

	for _, allowed := range c.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}

	return false
}

// isSameOrigin checks if the origin matches the request host (same-origin policy).
func isSameOrigin(origin, requestHost string) bool {
	if origin == "" {
		return true // Non-browser clients send no Origin
	}

	originHost := origin
	if idx := strings.Index(origin, "://"); idx != -1 {
		originHost = origin[idx+3:]
	}
	originHost = strings.TrimSuffix(originHost, "/")

	return originHost == requestHost
}
