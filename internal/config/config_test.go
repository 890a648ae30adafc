package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() Config {
	return Config{
		Source: RepoConfig{
			URL:    "git@gitlab.example.com:his/upcode.git",
			Branch: "main",
			Dir:    "/state/source",
		},
		Dest: RepoConfig{
			URL:    "git@gitlab.example.com:his/deploy.git",
			Branch: "master",
			Dir:    "/state/deploy",
		},
		Paths: PathsConfig{
			StateDir:   "/state",
			StagingDir: "/state/staging",
			RulesFile:  "/etc/upcoded/rules.json",
		},
		Deploy: DeployConfig{
			Targets:           []string{"BVDAKHOA", "BVLONGAN"},
			ReleaseTagPattern: DefaultReleaseTagPattern,
		},
		Auth: AuthConfig{
			SSHKeyFile: "/key",
		},
	}
}

func TestLoad(t *testing.T) {
	// Create a temporary config file
	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = os.Remove(tmpfile.Name())
	}()

	content := `
source:
  url: "git@gitlab.example.com:his/upcode.git"
  branch: "main"

dest:
  url: "git@gitlab.example.com:his/deploy.git"

paths:
  state_dir: "/var/lib/upcoded"
  rules_file: "/etc/upcoded/rules.json"

deploy:
  targets: ["bvdakhoa", " BVLONGAN "]
  default_release_tag: "17h19"

auth:
  ssh_key_file: "/home/user/.ssh/key"

events:
  brokers: ["localhost:9092"]
`

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpfile.Name())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	checks := []struct {
		name string
		got  string
		want string
	}{
		{"Source.URL", cfg.Source.URL, "git@gitlab.example.com:his/upcode.git"},
		{"Source.Dir", cfg.Source.Dir, "/var/lib/upcoded/source"},
		{"Dest.Branch", cfg.Dest.Branch, DefaultDestBranch},
		{"Dest.Dir", cfg.Dest.Dir, "/var/lib/upcoded/deploy"},
		{"Paths.StagingDir", cfg.Paths.StagingDir, "/var/lib/upcoded/staging"},
		{"Deploy.Targets", strings.Join(cfg.Deploy.Targets, ","), "BVDAKHOA,BVLONGAN"},
		{"Deploy.DefaultReleaseTag", cfg.Deploy.DefaultReleaseTag, "17H19"},
		{"Deploy.ReleaseTagPattern", cfg.Deploy.ReleaseTagPattern, DefaultReleaseTagPattern},
		{"Events.Topic", cfg.Events.Topic, DefaultEventsTopic},
		{"Serve.ListenAddr", cfg.Serve.ListenAddr, DefaultListenAddr},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.name, c.got, c.want)
		}
	}
	if cfg.Report.MaxMessageLen != DefaultMaxMessageLen {
		t.Errorf("Report.MaxMessageLen = %d, want %d", cfg.Report.MaxMessageLen, DefaultMaxMessageLen)
	}
	if !cfg.EventsEnabled() || cfg.HistoryEnabled() || cfg.ArchiveEnabled() {
		t.Errorf("unexpected feature toggles: events=%v history=%v archive=%v",
			cfg.EventsEnabled(), cfg.HistoryEnabled(), cfg.ArchiveEnabled())
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("source: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); err == nil {
		t.Error("expected error for malformed YAML")
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("source:\n  url: x\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(invalid); err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("expected invalid configuration error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(*Config) {},
		},
		{
			name:    "missing source url",
			mutate:  func(c *Config) { c.Source.URL = "" },
			wantErr: "source.url",
		},
		{
			name:    "missing source branch",
			mutate:  func(c *Config) { c.Source.Branch = "" },
			wantErr: "source.branch",
		},
		{
			name:    "missing dest url",
			mutate:  func(c *Config) { c.Dest.URL = "" },
			wantErr: "dest.url",
		},
		{
			name:    "missing state_dir",
			mutate:  func(c *Config) { c.Paths.StateDir = "" },
			wantErr: "paths.state_dir",
		},
		{
			name:    "relative state_dir",
			mutate:  func(c *Config) { c.Paths.StateDir = "relative/state" },
			wantErr: "absolute",
		},
		{
			name:    "missing rules file",
			mutate:  func(c *Config) { c.Paths.RulesFile = "" },
			wantErr: "paths.rules_file",
		},
		{
			name:    "staging overlaps source",
			mutate:  func(c *Config) { c.Paths.StagingDir = "/state/source/" },
			wantErr: "must differ",
		},
		{
			name:    "no targets",
			mutate:  func(c *Config) { c.Deploy.Targets = nil },
			wantErr: "deploy.targets",
		},
		{
			name:    "lower-case target",
			mutate:  func(c *Config) { c.Deploy.Targets = []string{"bvdakhoa"} },
			wantErr: "invalid deploy target",
		},
		{
			name:    "bad release tag pattern",
			mutate:  func(c *Config) { c.Deploy.ReleaseTagPattern = "(" },
			wantErr: "release_tag_pattern",
		},
		{
			name: "no auth method is valid for public repos",
			mutate: func(c *Config) {
				c.Auth = AuthConfig{}
				c.Source.URL = "https://gitlab.example.com/his/upcode.git"
			},
		},
		{
			name:    "both ssh key and https token set",
			mutate:  func(c *Config) { c.Auth.HTTPSTokenFile = "/token" },
			wantErr: "only one of",
		},
		{
			name: "ssh key with https urls",
			mutate: func(c *Config) {
				c.Source.URL = "https://gitlab.example.com/his/upcode.git"
				c.Dest.URL = "https://gitlab.example.com/his/deploy.git"
			},
			wantErr: "SSH scheme",
		},
		{
			name:   "ssh key used for the destination only",
			mutate: func(c *Config) { c.Source.URL = "http://gitlab.internal/his/upcode.git" },
		},
		{
			name: "https token with ssh urls",
			mutate: func(c *Config) {
				c.Auth = AuthConfig{HTTPSTokenFile: "/token"}
			},
			wantErr: "HTTPS scheme",
		},
		{
			name: "https token used for the destination only",
			mutate: func(c *Config) {
				c.Auth = AuthConfig{HTTPSTokenFile: "/token"}
				c.Source.URL = "http://gitlab.internal/his/upcode.git"
				c.Dest.URL = "https://gitlab.example.com/his/deploy.git"
			},
		},
		{
			name: "https token used for the source only",
			mutate: func(c *Config) {
				c.Auth = AuthConfig{HTTPSTokenFile: "/token"}
				c.Source.URL = "https://gitlab.example.com/his/upcode.git"
			},
		},
		{
			name: "brokers without topic",
			mutate: func(c *Config) {
				c.Events.Brokers = []string{"localhost:9092"}
			},
			wantErr: "events.topic",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateServe(t *testing.T) {
	cfg := validConfig()
	cfg.applyDefaults()
	if err := cfg.ValidateServe(); err == nil {
		t.Error("expected error without token secret")
	}

	cfg.Serve.TokenSecretFile = "/secret"
	if err := cfg.ValidateServe(); err != nil {
		t.Errorf("ValidateServe() unexpected error: %v", err)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{Paths: PathsConfig{StateDir: "/state"}}
	cfg.applyDefaults()

	if cfg.Source.Dir != "/state/source" || cfg.Dest.Dir != "/state/deploy" || cfg.Paths.StagingDir != "/state/staging" {
		t.Errorf("applyDefaults() dirs = %q %q %q", cfg.Source.Dir, cfg.Dest.Dir, cfg.Paths.StagingDir)
	}
	if cfg.Dest.Branch != DefaultDestBranch {
		t.Errorf("applyDefaults() did not set dest branch, got %q", cfg.Dest.Branch)
	}
	if cfg.Archive.Prefix != DefaultArchivePrefix {
		t.Errorf("applyDefaults() did not set archive prefix, got %q", cfg.Archive.Prefix)
	}

	// Explicit values must not be overwritten
	cfg2 := Config{
		Paths:  PathsConfig{StateDir: "/state", StagingDir: "/tmp/staging"},
		Dest:   RepoConfig{Branch: "release"},
		Report: ReportConfig{MaxMessageLen: 100},
	}
	cfg2.applyDefaults()

	if cfg2.Paths.StagingDir != "/tmp/staging" {
		t.Errorf("applyDefaults() overwrote staging dir, got %q", cfg2.Paths.StagingDir)
	}
	if cfg2.Dest.Branch != "release" {
		t.Errorf("applyDefaults() overwrote dest branch, got %q", cfg2.Dest.Branch)
	}
	if cfg2.Report.MaxMessageLen != 100 {
		t.Errorf("applyDefaults() overwrote max message len, got %d", cfg2.Report.MaxMessageLen)
	}
}

func TestHasTarget(t *testing.T) {
	cfg := validConfig()

	tests := []struct {
		name string
		want bool
	}{
		{"BVDAKHOA", true},
		{" bvlongan ", true},
		{"BVOTHER", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cfg.HasTarget(tt.name); got != tt.want {
				t.Errorf("HasTarget(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestAuthMethod(t *testing.T) {
	tests := []struct {
		name string
		auth AuthConfig
		want string
	}{
		{
			name: "ssh key set",
			auth: AuthConfig{SSHKeyFile: "/key"},
			want: "ssh",
		},
		{
			name: "https token set",
			auth: AuthConfig{HTTPSTokenFile: "/token"},
			want: "https",
		},
		{
			name: "no auth",
			auth: AuthConfig{},
			want: "none",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Auth: tt.auth}
			if got := cfg.AuthMethod(); got != tt.want {
				t.Errorf("AuthMethod() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestURLSchemes(t *testing.T) {
	tests := []struct {
		url       string
		wantHTTPS bool
		wantSSH   bool
	}{
		{"https://gitlab.example.com/his/upcode.git", true, false},
		{"ssh://git@gitlab.example.com/his/upcode.git", false, true},
		{"git@gitlab.example.com:his/upcode.git", false, true},
		{"/srv/git/upcode.git", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := IsHTTPS(tt.url); got != tt.wantHTTPS {
				t.Errorf("IsHTTPS() = %v, want %v", got, tt.wantHTTPS)
			}
			if got := IsSSH(tt.url); got != tt.wantSSH {
				t.Errorf("IsSSH() = %v, want %v", got, tt.wantSSH)
			}
		})
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("UPCODED_TEST_HOME", "/home/testuser")

	cfg := Config{
		Source: RepoConfig{
			URL:    "https://gitlab.example.com/${UPCODED_TEST_HOME}/repo.git",
			Branch: "${UPCODED_TEST_HOME}",
		},
		Paths: PathsConfig{
			StateDir:  "${UPCODED_TEST_HOME}/.local/state/upcoded",
			RulesFile: "${UPCODED_TEST_HOME}/rules.json",
		},
		Auth: AuthConfig{
			SSHKeyFile: "${UPCODED_TEST_HOME}/.ssh/key",
		},
		Serve: ServeConfig{
			ListenAddr:      "${UPCODED_TEST_HOME}:8080",
			TokenSecretFile: "${UPCODED_TEST_HOME}/secret",
		},
		History: HistoryConfig{DSN: "postgres://${UPCODED_TEST_HOME}"},
		Events:  EventsConfig{Brokers: []string{"${UPCODED_TEST_HOME}:9092"}},
	}

	cfg.expandEnv()

	checks := []struct {
		name string
		got  string
		want string
	}{
		{"Source.URL", cfg.Source.URL, "https://gitlab.example.com//home/testuser/repo.git"},
		{"Source.Branch", cfg.Source.Branch, "/home/testuser"},
		{"Paths.StateDir", cfg.Paths.StateDir, "/home/testuser/.local/state/upcoded"},
		{"Paths.RulesFile", cfg.Paths.RulesFile, "/home/testuser/rules.json"},
		{"Auth.SSHKeyFile", cfg.Auth.SSHKeyFile, "/home/testuser/.ssh/key"},
		{"Serve.ListenAddr", cfg.Serve.ListenAddr, "/home/testuser:8080"},
		{"Serve.TokenSecretFile", cfg.Serve.TokenSecretFile, "/home/testuser/secret"},
		{"History.DSN", cfg.History.DSN, "postgres:///home/testuser"},
		{"Events.Brokers[0]", cfg.Events.Brokers[0], "/home/testuser:9092"},
	}

	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("expandEnv() %s = %s, want %s", c.name, c.got, c.want)
		}
	}
}
