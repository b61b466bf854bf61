// Package config loads the engine's runtime settings from a YAML file with
// environment overrides for the values that differ per deployment.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so windows can be written as "4h" or "90m" in
// the YAML file.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Std returns the wrapped standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full runtime configuration.
type Config struct {
	DatabaseURL     string  `yaml:"database_url"`
	ExportJWTSecret string  `yaml:"export_jwt_secret"`
	HolidaysFile    string  `yaml:"holidays_file"`
	Routing         Routing `yaml:"routing"`
}

// Routing carries the routing engine's thresholds and SLA windows.
type Routing struct {
	ConfidenceThreshold float64  `yaml:"confidence_threshold"`
	HighValueMinor      int64    `yaml:"high_value_minor"`
	AutomatableReasons  []string `yaml:"automatable_reasons"`
	SpecialistAckWindow Duration `yaml:"specialist_ack_window"`
	ManagerAckWindow    Duration `yaml:"manager_ack_window"`
	AutoAckWindow       Duration `yaml:"auto_ack_window"`
	BacklogThreshold    int      `yaml:"backlog_threshold"`
	ClassifierTimeout   Duration `yaml:"classifier_timeout"`
	NotifyRetries       uint64   `yaml:"notify_retries"`
	NotifyTimeout       Duration `yaml:"notify_timeout"`
}

// Load reads the YAML file at path and applies environment overrides. A
// missing file is not an error; overrides and defaults still apply so the
// engine can boot from environment alone.
func Load(path string) (Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("EXPORT_JWT_SECRET"); v != "" {
		cfg.ExportJWTSecret = v
	}
	if v := os.Getenv("HOLIDAYS_FILE"); v != "" {
		cfg.HolidaysFile = v
	}

	return cfg, nil
}
