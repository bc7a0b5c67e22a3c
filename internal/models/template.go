package models

import "time"

// NetworkMode controls what a lab container can reach.
type NetworkMode string

const (
	// NetworkNone gives the container a loopback interface only.
	NetworkNone NetworkMode = "none"
	// NetworkIsolated attaches the container to an internal network with no egress.
	NetworkIsolated NetworkMode = "isolated"
	// NetworkBridged attaches the container to the default bridge.
	NetworkBridged NetworkMode = "bridged"
)

// Valid reports whether m is a known network mode.
func (m NetworkMode) Valid() bool {
	switch m {
	case NetworkNone, NetworkIsolated, NetworkBridged:
		return true
	}
	return false
}

type ResourceLimits struct {
	CPUShares int64 `yaml:"cpu_shares" json:"cpu_shares"`
	MemoryMB  int64 `yaml:"memory_mb" json:"memory_mb"`
	PIDLimit  int64 `yaml:"pid_limit" json:"pid_limit"`
}

// Instructions is the learner-facing description of an exercise.
type Instructions struct {
	Title            string   `yaml:"title" json:"title"`
	Objective        string   `yaml:"objective" json:"objective"`
	Steps            []string `yaml:"steps" json:"steps"`
	ExpectedDuration string   `yaml:"expected_duration" json:"expected_duration,omitempty"`
}

// LabTemplate is an immutable exercise blueprint.
type LabTemplate struct {
	ID                     string         `yaml:"id" json:"id"`
	Name                   string         `yaml:"name" json:"name"`
	BaseImage              string         `yaml:"base_image" json:"base_image"`
	SetupCommands          []string       `yaml:"setup_commands" json:"-"`
	AllowedCommandPatterns []string       `yaml:"allowed_command_patterns" json:"allowed_command_patterns"`
	ResourceLimits         ResourceLimits `yaml:"resource_limits" json:"resource_limits"`
	NetworkMode            NetworkMode    `yaml:"network_mode" json:"network_mode"`
	Capabilities           []string       `yaml:"capabilities" json:"-"`
	ExposedPorts           []string       `yaml:"exposed_ports" json:"-"`
	IdleTimeoutSeconds     int            `yaml:"idle_timeout_seconds" json:"idle_timeout_seconds"`
	MaxLifetimeSeconds     int            `yaml:"max_lifetime_seconds" json:"max_lifetime_seconds"`
	Instructions           Instructions   `yaml:"instructions" json:"instructions"`
}

func (t *LabTemplate) IdleTimeout() time.Duration {
	return time.Duration(t.IdleTimeoutSeconds) * time.Second
}

func (t *LabTemplate) MaxLifetime() time.Duration {
	return time.Duration(t.MaxLifetimeSeconds) * time.Second
}
