// Package config loads the fcvmm CLI configuration from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// JailSection configures jailed execution. Present means jailed: a launch
// with a nil Jail runs the VMM unrestricted.
type JailSection struct {
	UID           uint32 `yaml:"uid"`
	GID           uint32 `yaml:"gid"`
	ChrootBaseDir string `yaml:"chroot_base_dir,omitempty"`
	CgroupVersion int    `yaml:"cgroup_version,omitempty"`
	Daemonize     bool   `yaml:"daemonize,omitempty"`
	NetNS         string `yaml:"netns,omitempty"`
	PidNamespace  bool   `yaml:"pid_namespace,omitempty"`
}

// ResourceSection is one file to place into the instance environment.
type ResourceSection struct {
	Source string `yaml:"source"`
	Dest   string `yaml:"dest"`
	// Placement is "copy", "hardlink" or "auto" (hardlink, copy across
	// filesystems). Defaults to "auto".
	Placement string `yaml:"placement,omitempty"`
}

// Config is the top-level CLI configuration.
type Config struct {
	VmmPath    string `yaml:"vmm_path"`
	JailerPath string `yaml:"jailer_path,omitempty"`

	// BaseDir is where unrestricted instances keep their working
	// directories.
	BaseDir string `yaml:"base_dir,omitempty"`

	// RegistryPath is the SQLite database tracking launched instances.
	RegistryPath string `yaml:"registry_path,omitempty"`

	ConfigFile string `yaml:"vmm_config_file,omitempty"`

	// StartTimeoutSec bounds how long launch waits for the control socket.
	StartTimeoutSec int `yaml:"start_timeout_sec,omitempty"`

	Resources []ResourceSection `yaml:"resources,omitempty"`
	ExtraArgs []string          `yaml:"extra_args,omitempty"`

	Jail *JailSection `yaml:"jail,omitempty"`
}

const (
	DefaultBaseDir      = "/var/lib/fcvmm/instances"
	DefaultRegistryPath = "/var/lib/fcvmm/fcvmm.db"
	DefaultStartTimeout = 10
)

// Load reads and validates a Config from a YAML file, filling defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if cfg.VmmPath == "" {
		return nil, errors.New("config: vmm_path is required")
	}
	if cfg.Jail != nil && cfg.JailerPath == "" {
		return nil, errors.New("config: jail requires jailer_path")
	}

	if cfg.BaseDir == "" {
		cfg.BaseDir = DefaultBaseDir
	}
	if cfg.RegistryPath == "" {
		cfg.RegistryPath = DefaultRegistryPath
	}
	if cfg.StartTimeoutSec == 0 {
		cfg.StartTimeoutSec = DefaultStartTimeout
	}

	for i, res := range cfg.Resources {
		if res.Source == "" || res.Dest == "" {
			return nil, fmt.Errorf("config: resource %d needs source and dest", i)
		}
		switch res.Placement {
		case "", "auto", "copy", "hardlink":
		default:
			return nil, fmt.Errorf("config: resource %d has unknown placement %q", i, res.Placement)
		}
	}

	return &cfg, nil
}
