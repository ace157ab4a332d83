package logger

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds logging configuration
type Config struct {
	Level          string `yaml:"level"`
	ConsoleEnabled *bool  `yaml:"console_enabled"`
	ConsoleFormat  string `yaml:"console_format"`
	FileEnabled    bool   `yaml:"file_enabled"`
	FilePath       string `yaml:"file_path"`
	FileFormat     string `yaml:"file_format"`
	FileMaxSizeMB  int    `yaml:"file_max_size_mb"`
	FileMaxBackups int    `yaml:"file_max_backups"`
	FileMaxAgeDays int    `yaml:"file_max_age_days"`
	FileCompress   bool   `yaml:"file_compress"`
}

// fileConfig is the on-disk shape; the logging block sits next to the
// bridge settings in the same YAML file.
type fileConfig struct {
	Logging Config `yaml:"logging"`
}

// DefaultConfig returns console-only text logging at INFO.
func DefaultConfig() Config {
	enabled := true
	return Config{
		Level:          "INFO",
		ConsoleEnabled: &enabled,
		ConsoleFormat:  "text",
		FilePath:       "logs/qlcbridge.log",
		FileFormat:     "text",
		FileMaxSizeMB:  10,
		FileMaxBackups: 5,
		FileMaxAgeDays: 30,
	}
}

// Console reports whether console output is on. Unset means on.
func (c Config) Console() bool {
	return c.ConsoleEnabled == nil || *c.ConsoleEnabled
}

// LoadConfig loads logging configuration from a YAML file
// and applies environment variable overrides
func LoadConfig(configPath string) (Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err == nil {
			var fc fileConfig
			if err := yaml.Unmarshal(data, &fc); err != nil {
				applyEnv(&config)
				return config, err
			}
			merge(&config, fc.Logging)
		}
		// A missing file means defaults
	}

	applyEnv(&config)
	return config, nil
}

func merge(dst *Config, src Config) {
	if src.Level != "" {
		dst.Level = src.Level
	}
	if src.ConsoleEnabled != nil {
		dst.ConsoleEnabled = src.ConsoleEnabled
	}
	if src.ConsoleFormat != "" {
		dst.ConsoleFormat = src.ConsoleFormat
	}
	dst.FileEnabled = src.FileEnabled
	dst.FileCompress = src.FileCompress
	if src.FilePath != "" {
		dst.FilePath = src.FilePath
	}
	if src.FileFormat != "" {
		dst.FileFormat = src.FileFormat
	}
	if src.FileMaxSizeMB > 0 {
		dst.FileMaxSizeMB = src.FileMaxSizeMB
	}
	if src.FileMaxBackups > 0 {
		dst.FileMaxBackups = src.FileMaxBackups
	}
	if src.FileMaxAgeDays > 0 {
		dst.FileMaxAgeDays = src.FileMaxAgeDays
	}
}

func applyEnv(config *Config) {
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		config.Level = logLevel
	}

	if consoleFormat := os.Getenv("LOG_CONSOLE_FORMAT"); consoleFormat != "" {
		config.ConsoleFormat = consoleFormat
	}

	if fileEnabled := os.Getenv("LOG_FILE_ENABLED"); fileEnabled != "" {
		if enabled, err := strconv.ParseBool(fileEnabled); err == nil {
			config.FileEnabled = enabled
		}
	}

	if filePath := os.Getenv("LOG_FILE_PATH"); filePath != "" {
		config.FilePath = filePath
	}
}
