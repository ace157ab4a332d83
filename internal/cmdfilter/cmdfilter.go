// Package cmdfilter decides which raw QLC+ commands remote API clients may send.
//
// Patterns are matched token-wise against the start of a command, so
// "QLC+API|stopAllFunctions" blocks exactly that call, "GM_VALUE" blocks
// every grand master change and "QLC+API" blocks all API queries.
package cmdfilter

import (
	"errors"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrBlocked is returned for commands the filter rejects.
var ErrBlocked = errors.New("command not allowed")

// Config holds the command filter configuration
type Config struct {
	Enabled bool     `yaml:"enabled"`
	Blocked []string `yaml:"blocked"`
	// Allowed, when non-empty, is the only set of commands let through.
	Allowed []string `yaml:"allowed"`
}

// Result contains the outcome of checking a command
type Result struct {
	Allowed bool   // Whether the command is allowed
	Reason  string // Reason for rejection (if not allowed)
}

// Filter checks commands against the configured patterns.
type Filter struct {
	enabled bool
	blocked [][]string // Lowercase pattern tokens
	allowed [][]string
}

// New creates a Filter from a Config
func New(cfg *Config) *Filter {
	if cfg == nil {
		return &Filter{enabled: false}
	}
	return &Filter{
		enabled: cfg.Enabled,
		blocked: compile(cfg.Blocked),
		allowed: compile(cfg.Allowed),
	}
}

func compile(patterns []string) [][]string {
	out := make([][]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, strings.Split(strings.ToLower(p), "|"))
	}
	return out
}

// LoadConfig loads command filter configuration from a YAML file
func LoadConfig(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Check validates a command against the filter rules
func (f *Filter) Check(command string) Result {
	if !f.enabled {
		return Result{Allowed: true}
	}

	tokens := strings.Split(strings.ToLower(strings.TrimSpace(command)), "|")

	for _, p := range f.blocked {
		if hasPrefix(tokens, p) {
			return Result{Allowed: false, Reason: "That command is blocked."}
		}
	}

	if len(f.allowed) > 0 {
		for _, p := range f.allowed {
			if hasPrefix(tokens, p) {
				return Result{Allowed: true}
			}
		}
		return Result{Allowed: false, Reason: "That command is not on the allow list."}
	}

	return Result{Allowed: true}
}

func hasPrefix(tokens, pattern []string) bool {
	if len(tokens) < len(pattern) {
		return false
	}
	for i, p := range pattern {
		if tokens[i] != p {
			return false
		}
	}
	return true
}

// IsEnabled returns whether the filter is enabled
func (f *Filter) IsEnabled() bool {
	return f.enabled
}
