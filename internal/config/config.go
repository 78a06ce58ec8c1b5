// Package config loads the immutable control-plane configuration from YAML.
package config

import (
	"fmt"
	"os"

	"github.com/oriys/lambdo/internal/vmerrors"
	"gopkg.in/yaml.v3"
)

const (
	apiVersion = "lambdo.io/v1alpha1"
	kind       = "Config"
)

// Step is one shell command in a language's execution recipe.
// {{filename}} in CommandTemplate is substituted with the request's entrypoint filename.
type Step struct {
	CommandTemplate string `yaml:"command_template"`
	EmitStdout      bool   `yaml:"emit_stdout"`
}

// Language describes one warm-pool language target.
type Language struct {
	Name          string `yaml:"name"`
	Version       string `yaml:"version"`
	InitramfsPath string `yaml:"initramfs_path"`
	Steps         []Step `yaml:"steps"`
}

// Key returns the language_key used to index the warm pool (name+version).
func (l Language) Key() string {
	return l.Name + "/" + l.Version
}

// Config is the immutable, startup-loaded control-plane configuration.
type Config struct {
	BridgeName  string     `yaml:"bridge_name"`
	BridgeCIDR  string     `yaml:"bridge_cidr"`
	KernelPath  string     `yaml:"kernel_path"`
	GRPCListen  string     `yaml:"grpc_listen"`
	HTTPListen  string     `yaml:"http_listen"`
	Languages   []Language `yaml:"languages"`
}

type document struct {
	APIVersion string `yaml:"apiVersion"`
	Kind       string `yaml:"kind"`
	Config     `yaml:",inline"`
}

// Load reads and validates the YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, vmerrors.Wrap(vmerrors.ErrConfig, fmt.Sprintf("read %s: %v", path, err))
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, vmerrors.Wrap(vmerrors.ErrConfig, fmt.Sprintf("parse %s: %v", path, err))
	}
	if doc.APIVersion != apiVersion {
		return nil, vmerrors.Wrap(vmerrors.ErrConfig, fmt.Sprintf("unsupported apiVersion %q", doc.APIVersion))
	}
	if doc.Kind != kind {
		return nil, vmerrors.Wrap(vmerrors.ErrConfig, fmt.Sprintf("unsupported kind %q", doc.Kind))
	}

	cfg := doc.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural invariants and rejects a config whose languages
// reference initramfs images that do not exist on disk, so a bad config fails
// fast at startup instead of lazily on first boot.
func (c *Config) Validate() error {
	if c.BridgeName == "" {
		return vmerrors.Wrap(vmerrors.ErrConfig, "bridge_name is required")
	}
	if len(c.BridgeName) > 15 {
		return vmerrors.Wrap(vmerrors.ErrConfig, "bridge_name exceeds 15 characters")
	}
	if c.BridgeCIDR == "" {
		return vmerrors.Wrap(vmerrors.ErrConfig, "bridge_cidr is required")
	}
	if c.KernelPath == "" {
		return vmerrors.Wrap(vmerrors.ErrConfig, "kernel_path is required")
	}
	if _, err := os.Stat(c.KernelPath); err != nil {
		return vmerrors.Wrap(vmerrors.ErrConfig, fmt.Sprintf("kernel_path %q: %v", c.KernelPath, err))
	}
	if len(c.Languages) == 0 {
		return vmerrors.Wrap(vmerrors.ErrConfig, "at least one language is required")
	}
	seen := make(map[string]bool, len(c.Languages))
	for _, lang := range c.Languages {
		if lang.Name == "" || lang.Version == "" {
			return vmerrors.Wrap(vmerrors.ErrConfig, "language name and version are required")
		}
		key := lang.Key()
		if seen[key] {
			return vmerrors.Wrap(vmerrors.ErrConfig, fmt.Sprintf("duplicate language %q", key))
		}
		seen[key] = true
		if lang.InitramfsPath == "" {
			return vmerrors.Wrap(vmerrors.ErrConfig, fmt.Sprintf("language %q: initramfs_path is required", key))
		}
		if _, err := os.Stat(lang.InitramfsPath); err != nil {
			return vmerrors.Wrap(vmerrors.ErrConfig, fmt.Sprintf("language %q initramfs_path: %v", key, err))
		}
	}
	return nil
}
