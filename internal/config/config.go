package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the corresponding field is left empty.
const (
	DefaultDestBranch        = "master"
	DefaultReleaseTagPattern = `^\d{2}H\d{2}$`
	DefaultMaxMessageLen     = 4000
	DefaultListenAddr        = "127.0.0.1:8080"
	DefaultEventsTopic       = "upcoded.runs"
	DefaultArchivePrefix     = "batches"
)

var targetName = regexp.MustCompile(`^[A-Z][A-Z0-9]*$`)

// Config represents the complete upcoded configuration
type Config struct {
	Source  RepoConfig    `yaml:"source"`
	Dest    RepoConfig    `yaml:"dest"`
	Paths   PathsConfig   `yaml:"paths"`
	Deploy  DeployConfig  `yaml:"deploy"`
	Report  ReportConfig  `yaml:"report"`
	Auth    AuthConfig    `yaml:"auth"`
	Serve   ServeConfig   `yaml:"serve"`
	History HistoryConfig `yaml:"history"`
	Events  EventsConfig  `yaml:"events"`
	Archive ArchiveConfig `yaml:"archive"`
}

// RepoConfig configures one git repository and its local working copy
type RepoConfig struct {
	URL    string `yaml:"url"`
	Branch string `yaml:"branch"`
	Dir    string `yaml:"dir"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	StateDir   string `yaml:"state_dir"`
	StagingDir string `yaml:"staging_dir"`
	RulesFile  string `yaml:"rules_file"`
}

// DeployConfig configures deploy targets and release tags
type DeployConfig struct {
	Targets           []string `yaml:"targets"`
	ReleaseTagPattern string   `yaml:"release_tag_pattern"`
	DefaultReleaseTag string   `yaml:"default_release_tag"`
}

// ReportConfig configures report rendering
type ReportConfig struct {
	MaxMessageLen int `yaml:"max_message_len"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// ServeConfig configures the HTTP command server
type ServeConfig struct {
	ListenAddr        string   `yaml:"listen_addr"`
	TokenSecretFile   string   `yaml:"token_secret_file"`
	WebhookSecretFile string   `yaml:"webhook_secret_file"`
	AllowedRefs       []string `yaml:"allowed_refs"`
}

// HistoryConfig configures the run history store. Empty DSN disables it.
type HistoryConfig struct {
	DSN string `yaml:"dsn"`
}

// EventsConfig configures run event publishing. No brokers disables it.
type EventsConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// ArchiveConfig configures batch archival to S3. Empty bucket disables it.
type ArchiveConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	for _, s := range []*string{
		&c.Source.URL, &c.Source.Branch, &c.Source.Dir,
		&c.Dest.URL, &c.Dest.Branch, &c.Dest.Dir,
		&c.Paths.StateDir, &c.Paths.StagingDir, &c.Paths.RulesFile,
		&c.Auth.SSHKeyFile, &c.Auth.HTTPSTokenFile,
		&c.Serve.ListenAddr, &c.Serve.TokenSecretFile, &c.Serve.WebhookSecretFile,
		&c.History.DSN,
		&c.Events.Topic,
		&c.Archive.Bucket, &c.Archive.Prefix, &c.Archive.Region,
	} {
		*s = os.ExpandEnv(*s)
	}
	for i := range c.Events.Brokers {
		c.Events.Brokers[i] = os.ExpandEnv(c.Events.Brokers[i])
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Dest.Branch == "" {
		c.Dest.Branch = DefaultDestBranch
	}
	if c.Paths.StateDir != "" {
		if c.Source.Dir == "" {
			c.Source.Dir = filepath.Join(c.Paths.StateDir, "source")
		}
		if c.Dest.Dir == "" {
			c.Dest.Dir = filepath.Join(c.Paths.StateDir, "deploy")
		}
		if c.Paths.StagingDir == "" {
			c.Paths.StagingDir = filepath.Join(c.Paths.StateDir, "staging")
		}
	}
	for i, t := range c.Deploy.Targets {
		c.Deploy.Targets[i] = strings.ToUpper(strings.TrimSpace(t))
	}
	if c.Deploy.ReleaseTagPattern == "" {
		c.Deploy.ReleaseTagPattern = DefaultReleaseTagPattern
	}
	c.Deploy.DefaultReleaseTag = strings.ToUpper(strings.TrimSpace(c.Deploy.DefaultReleaseTag))
	if c.Report.MaxMessageLen <= 0 {
		c.Report.MaxMessageLen = DefaultMaxMessageLen
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = DefaultListenAddr
	}
	if c.Events.Topic == "" {
		c.Events.Topic = DefaultEventsTopic
	}
	if c.Archive.Prefix == "" {
		c.Archive.Prefix = DefaultArchivePrefix
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Source.URL == "" {
		return fmt.Errorf("source.url is required")
	}
	if c.Source.Branch == "" {
		return fmt.Errorf("source.branch is required")
	}
	if c.Dest.URL == "" {
		return fmt.Errorf("dest.url is required")
	}

	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}
	if c.Paths.RulesFile == "" {
		return fmt.Errorf("paths.rules_file is required")
	}

	// Working copies and staging must not overlap
	dirs := map[string]string{
		"source.dir":        c.Source.Dir,
		"dest.dir":          c.Dest.Dir,
		"paths.staging_dir": c.Paths.StagingDir,
	}
	seen := make(map[string]string)
	for _, name := range []string{"source.dir", "dest.dir", "paths.staging_dir"} {
		dir := filepath.Clean(dirs[name])
		if other, ok := seen[dir]; ok {
			return fmt.Errorf("%s and %s must differ: %s", other, name, dir)
		}
		seen[dir] = name
	}

	if len(c.Deploy.Targets) == 0 {
		return fmt.Errorf("deploy.targets requires at least one target")
	}
	for _, t := range c.Deploy.Targets {
		if !targetName.MatchString(t) {
			return fmt.Errorf("invalid deploy target %q (must be upper-case letters and digits)", t)
		}
	}
	if _, err := regexp.Compile(c.Deploy.ReleaseTagPattern); err != nil {
		return fmt.Errorf("invalid deploy.release_tag_pattern: %w", err)
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	// Validate auth: the credential is used for every repository whose URL
	// has its scheme, so at least one of them must
	if c.Auth.SSHKeyFile != "" && !IsSSH(c.Source.URL) && !IsSSH(c.Dest.URL) {
		return fmt.Errorf("auth.ssh_key_file is set but neither source.url nor dest.url uses an SSH scheme (git@ or ssh://)")
	}
	if c.Auth.HTTPSTokenFile != "" && !IsHTTPS(c.Source.URL) && !IsHTTPS(c.Dest.URL) {
		return fmt.Errorf("auth.https_token_file is set but neither source.url nor dest.url uses HTTPS scheme")
	}

	if len(c.Events.Brokers) > 0 && c.Events.Topic == "" {
		return fmt.Errorf("events.topic is required when events.brokers is set")
	}

	return nil
}

// ValidateServe checks the settings required by the HTTP server
func (c *Config) ValidateServe() error {
	if c.Serve.ListenAddr == "" {
		return fmt.Errorf("serve.listen_addr is required")
	}
	if c.Serve.TokenSecretFile == "" {
		return fmt.Errorf("serve.token_secret_file is required")
	}
	return nil
}

// HasTarget reports whether name is a configured deploy target
func (c *Config) HasTarget(name string) bool {
	name = strings.ToUpper(strings.TrimSpace(name))
	for _, t := range c.Deploy.Targets {
		if t == name {
			return true
		}
	}
	return false
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

// HistoryEnabled reports whether runs are recorded
func (c *Config) HistoryEnabled() bool {
	return c.History.DSN != ""
}

// EventsEnabled reports whether run events are published
func (c *Config) EventsEnabled() bool {
	return len(c.Events.Brokers) > 0
}

// ArchiveEnabled reports whether staged batches are archived
func (c *Config) ArchiveEnabled() bool {
	return c.Archive.Bucket != ""
}

// IsHTTPS returns true if url uses HTTPS
func IsHTTPS(url string) bool {
	return strings.HasPrefix(url, "https://")
}

// IsSSH returns true if url uses SSH
func IsSSH(url string) bool {
	return strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")
}
