package config

import "time"

// Config represents the complete aoa-runner configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	State   StateConfig   `yaml:"state"`
	API     APIConfig     `yaml:"api"`
	Jobs    JobsConfig    `yaml:"jobs"`
	Uploads UploadsConfig `yaml:"uploads"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name" validate:"required"`
	LogLevel  string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"oneof=json text"`
	// Environment "dev" enables stack traces in API error bodies.
	Environment string `yaml:"environment" validate:"oneof=dev production test"`
}

// StateConfig defines job store settings.
type StateConfig struct {
	Driver      string `yaml:"driver" validate:"oneof=sqlite postgres"`
	Path        string `yaml:"path" validate:"required_if=Driver sqlite"`
	PostgresURL string `yaml:"postgres_url" validate:"required_if=Driver postgres"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Listen    string     `yaml:"listen" validate:"required,hostname_port"`
	MaxBodyMB int        `yaml:"max_body_mb" validate:"gt=0"`
	Tokens    []APIToken `yaml:"tokens" validate:"dive"`
}

// APIToken maps a bearer token to the owner whose jobs it may touch.
type APIToken struct {
	Token  string   `yaml:"token" validate:"required"`
	Owner  string   `yaml:"owner" validate:"required"`
	Scopes []string `yaml:"scopes" validate:"min=1,dive,oneof=jobs:ro jobs:rw events:ro *"`
}

// JobsConfig defines the workspace root and the external analysis tool.
type JobsConfig struct {
	Dir              string        `yaml:"dir" validate:"required"`
	Tool             ToolConfig    `yaml:"tool"`
	TerminationGrace time.Duration `yaml:"termination_grace" validate:"gte=0"`
	// Retention > 0 enables the janitor that removes unclaimed workspaces.
	Retention      time.Duration `yaml:"retention" validate:"gte=0"`
	JanitorEvery   time.Duration `yaml:"janitor_every" validate:"gte=0"`
	OrphanRecovery bool          `yaml:"orphan_recovery"`
}

// ToolConfig describes how the external analysis tool is invoked. The job
// id is always appended as the final argument.
type ToolConfig struct {
	Command string   `yaml:"command" validate:"required"`
	Args    []string `yaml:"args"`
}

// UploadsConfig defines per-slot upload policies.
type UploadsConfig struct {
	MaxSizeMB int        `yaml:"max_size_mb" validate:"gt=0"`
	Samples   SlotConfig `yaml:"samples"`
	Model     SlotConfig `yaml:"model"`
}

// SlotConfig lists the MIME types accepted for one upload slot.
type SlotConfig struct {
	MIMETypes []string `yaml:"mime_types" validate:"min=1,dive,required"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "aoa-runner",
			LogLevel:    "info",
			LogFormat:   "json",
			Environment: "production",
		},
		State: StateConfig{
			Driver: "sqlite",
			Path:   "./data/state.db",
		},
		API: APIConfig{
			Listen:    "127.0.0.1:9000",
			MaxBodyMB: 25,
		},
		Jobs: JobsConfig{
			Dir: "./data/jobs",
			Tool: ToolConfig{
				Command: "R",
				Args:    []string{"-e", `source("/app/r/aoa_script.R")`, "--args"},
			},
			TerminationGrace: 5 * time.Second,
			JanitorEvery:     time.Hour,
			OrphanRecovery:   true,
		},
		Uploads: UploadsConfig{
			MaxSizeMB: 10,
			Samples: SlotConfig{MIMETypes: []string{
				"application/geo+json",
				"application/json",
				"application/geopackage+sqlite3",
				"application/octet-stream",
			}},
			Model: SlotConfig{MIMETypes: []string{
				"application/octet-stream",
			}},
		},
	}
}

// IsDev reports whether the service runs in development mode.
func (c *Config) IsDev() bool {
	return c.Service.Environment == "dev"
}

// MaxUploadBytes returns the per-file upload limit in bytes.
func (u UploadsConfig) MaxUploadBytes() int64 {
	return int64(u.MaxSizeMB) * 1024 * 1024
}
