package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/upcoded/internal/history"
	"github.com/schaermu/upcoded/internal/pipeline"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeConfig(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	stateDir := filepath.Join(tmpDir, "state")

	configContent := []byte(`source:
  url: "git@gitlab.example.com:his/upcode.git"
  branch: "main"
dest:
  url: "git@gitlab.example.com:his/deploy.git"
paths:
  state_dir: "` + stateDir + `"
  rules_file: "` + filepath.Join(tmpDir, "rules.json") + `"
deploy:
  targets: ["BVDAKHOA", "BVLONGAN"]
`)
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, configContent, 0o600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return cfgPath
}

func TestSetupLogger(t *testing.T) {
	origLevel := logLevel
	origFormat := logFormat
	t.Cleanup(func() {
		logLevel = origLevel
		logFormat = origFormat
	})

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
		want      slog.Level
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text", want: slog.LevelDebug},
		{name: "info/json", logLevel: "info", logFormat: "json", want: slog.LevelInfo},
		{name: "warn/text", logLevel: "warn", logFormat: "text", want: slog.LevelWarn},
		{name: "error/text", logLevel: "error", logFormat: "text", want: slog.LevelError},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text", want: slog.LevelInfo},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat

			logger := setupLogger()
			if logger == nil {
				t.Fatal("setupLogger returned nil")
			}
			ctx := context.Background()
			if !logger.Enabled(ctx, tc.want) {
				t.Errorf("expected level %s to be enabled", tc.want)
			}
			if tc.want > slog.LevelDebug && logger.Enabled(ctx, tc.want-4) {
				t.Errorf("expected level below %s to be disabled", tc.want)
			}
		})
	}
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgFile = writeConfig(t)

	cfg, err := loadConfig(testLogger())
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.Dest.Branch != "master" {
		t.Errorf("expected default dest branch master, got %q", cfg.Dest.Branch)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")

	if _, err := loadConfig(testLogger()); err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoadConfig_DefaultPath(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })
	cfgFile = ""
	t.Setenv("HOME", t.TempDir())

	if _, err := loadConfig(testLogger()); err == nil {
		t.Error("expected error when default config file doesn't exist")
	}
}

func TestNewServices_OptionalObserversDisabled(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })
	cfgFile = writeConfig(t)

	cfg, err := loadConfig(testLogger())
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}

	svc, err := newServices(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("newServices returned error: %v", err)
	}
	defer svc.close()

	if svc.orchestrator == nil {
		t.Fatal("expected orchestrator")
	}
	if _, ok := svc.runs.(history.NopStore); !ok {
		t.Errorf("expected NopStore without a DSN, got %T", svc.runs)
	}
	if len(svc.closers) != 0 {
		t.Errorf("expected no closers, got %d", len(svc.closers))
	}
}

func TestDeployRequest(t *testing.T) {
	got := deployRequest([]string{"17h19", "fix", "invoice", "totals"}, []string{"BVLONGAN"})
	want := pipeline.DeployRequest{
		ReleaseTag:    "17h19",
		CommitMessage: "fix invoice totals",
		Targets:       []string{"BVLONGAN"},
	}
	if got.ReleaseTag != want.ReleaseTag || got.CommitMessage != want.CommitMessage ||
		strings.Join(got.Targets, ",") != strings.Join(want.Targets, ",") {
		t.Errorf("deployRequest() = %+v, want %+v", got, want)
	}
}

func TestPrintChunks(t *testing.T) {
	var buf bytes.Buffer
	printChunks(&buf, []string{"first", "second"})
	if got, want := buf.String(), "first\n\nsecond\n"; got != want {
		t.Errorf("printChunks() = %q, want %q", got, want)
	}
}

func TestPrintRuns(t *testing.T) {
	var buf bytes.Buffer
	err := printRuns(&buf, []history.Run{{
		Mode:      "deploy",
		Batch:     "20240101",
		State:     "DONE",
		Removed:   3,
		Targets:   []string{"BVDAKHOA_17H19", "BVLONGAN_17H19"},
		StartedAt: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
	}})
	if err != nil {
		t.Fatalf("printRuns returned error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header and one row, got %q", buf.String())
	}
	for _, want := range []string{"deploy", "20240101", "DONE", "BVDAKHOA_17H19,BVLONGAN_17H19"} {
		if !strings.Contains(lines[1], want) {
			t.Errorf("row %q does not contain %q", lines[1], want)
		}
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	if ctx == nil {
		t.Fatal("setupSignalHandler returned nil context")
	}

	cancel()

	<-ctx.Done()
	if err := ctx.Err(); err == nil {
		t.Fatal("expected context error after cancel, got nil")
	}
}

func TestVersionCmd(t *testing.T) {
	// versionCmd.Run simply prints version info; should not panic.
	versionCmd.Run(versionCmd, []string{})
}

func TestCommandArgs(t *testing.T) {
	tests := []struct {
		name    string
		cmdArgs func([]string) error
		args    []string
		wantErr bool
	}{
		{"check without region", func(a []string) error { return checkCmd.Args(checkCmd, a) }, nil, false},
		{"check with region", func(a []string) error { return checkCmd.Args(checkCmd, a) }, []string{"hn"}, false},
		{"check with two regions", func(a []string) error { return checkCmd.Args(checkCmd, a) }, []string{"hn", "hcm"}, true},
		{"deploy without message", func(a []string) error { return deployCmd.Args(deployCmd, a) }, []string{"17H19"}, true},
		{"deploy with message", func(a []string) error { return deployCmd.Args(deployCmd, a) }, []string{"17H19", "msg"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmdArgs(tt.args)
			if (err != nil) != tt.wantErr {
				t.Errorf("args error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
