package logship

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default file locations written by the launcher and the edge server. Each
// path maps to a per-environment log group named /coursechat/<env><path>.
var defaultSourcePaths = []string{
	"/var/log/coursechat/backend.log",
	"/var/log/coursechat/frontend.log",
	"/var/log/coursechat/launcher.log",
	"/var/log/coursechat/edge-access.log",
	"/var/log/coursechat/edge-error.log",
}

const (
	// instanceIDFile is populated by cloud-init on EC2 hosts. When it is
	// absent the hostname names the log stream instead.
	instanceIDFile = "/var/lib/cloud/data/instance-id"

	DefaultBatchSize     = 500
	DefaultFlushInterval = 5 * time.Second
)

// Duration accepts human-readable values such as "5s" or "250ms" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Source pairs a local log file with the CloudWatch log group its lines are
// shipped to.
type Source struct {
	Path  string `yaml:"path"`
	Group string `yaml:"group"`
}

// Config is the agent's declarative configuration, usually loaded from
// /etc/coursechat/logship.yaml.
type Config struct {
	Environment   string   `yaml:"environment"`
	Region        string   `yaml:"region"`
	Stream        string   `yaml:"stream,omitempty"`
	BatchSize     int      `yaml:"batch_size,omitempty"`
	FlushInterval Duration `yaml:"flush_interval,omitempty"`
	Sources       []Source `yaml:"sources,omitempty"`
}

// DefaultConfig builds the standard source set for an environment: all five
// known log files mapped to their per-environment groups.
func DefaultConfig(environment, region string) Config {
	cfg := Config{Environment: environment, Region: region}
	for _, path := range defaultSourcePaths {
		cfg.Sources = append(cfg.Sources, Source{
			Path:  path,
			Group: GroupForPath(environment, path),
		})
	}
	return cfg
}

// GroupForPath derives the log group name from the environment and the local
// file path, e.g. dev + /var/log/coursechat/backend.log becomes
// /coursechat/dev/var/log/coursechat/backend.log.
func GroupForPath(environment, path string) string {
	return fmt.Sprintf("/coursechat/%s%s", environment, path)
}

// LoadConfig reads and validates a YAML config file. Sources without an
// explicit group fall back to the environment-derived name, and an empty
// source list falls back to the default set.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return normalize(cfg)
}

func normalize(cfg Config) (Config, error) {
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	cfg.Region = strings.TrimSpace(cfg.Region)
	if cfg.Environment == "" {
		return Config{}, fmt.Errorf("environment is required")
	}
	if cfg.Region == "" {
		return Config{}, fmt.Errorf("region is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = Duration(DefaultFlushInterval)
	}
	if len(cfg.Sources) == 0 {
		cfg.Sources = DefaultConfig(cfg.Environment, cfg.Region).Sources
	}
	seen := make(map[string]struct{}, len(cfg.Sources))
	for i, src := range cfg.Sources {
		src.Path = strings.TrimSpace(src.Path)
		if src.Path == "" {
			return Config{}, fmt.Errorf("source %d: path is required", i)
		}
		if _, dup := seen[src.Path]; dup {
			return Config{}, fmt.Errorf("source %d: duplicate path %s", i, src.Path)
		}
		seen[src.Path] = struct{}{}
		if strings.TrimSpace(src.Group) == "" {
			src.Group = GroupForPath(cfg.Environment, src.Path)
		}
		cfg.Sources[i] = src
	}
	return cfg, nil
}

// ResolveStream returns the configured stream name, the EC2 instance id, or
// the hostname, in that order of preference.
func ResolveStream(cfg Config) string {
	if cfg.Stream != "" {
		return cfg.Stream
	}
	if data, err := os.ReadFile(instanceIDFile); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "unknown-host"
}
