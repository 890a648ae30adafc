package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/schaermu/upcoded/internal/activation"
	"github.com/schaermu/upcoded/internal/archive"
	"github.com/schaermu/upcoded/internal/config"
	"github.com/schaermu/upcoded/internal/events"
	"github.com/schaermu/upcoded/internal/git"
	"github.com/schaermu/upcoded/internal/history"
	"github.com/schaermu/upcoded/internal/pipeline"
	"github.com/schaermu/upcoded/internal/report"
	"github.com/schaermu/upcoded/internal/server"
	"github.com/spf13/cobra"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Command flags
	deployTargets []string
	historyLimit  int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "upcoded",
	Short: "Validate and deploy daily database script batches",
	Long: `upcoded checks the scripts committed to today's batch folder of a source
repository against per-region naming rules, and deploys a cleaned copy of the
batch into release folders of a destination repository.

It runs one-shot from the command line or as an HTTP server that also reacts
to push webhooks with a check run.`,
	SilenceUsage: true,
}

var checkCmd = &cobra.Command{
	Use:   "check [region]",
	Short: "Validate today's batch",
	Long: `Check syncs the source repository, finds today's batch folder and reports
every file whose name or contents break the rules. An optional region code
limits the check to files of that region.

Exits non-zero when invalid files are found.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCheck,
}

var deployCmd = &cobra.Command{
	Use:   "deploy <release-tag> <commit message...>",
	Short: "Deploy today's batch to the destination repository",
	Long: `Deploy stages today's batch, removes invalid files and report layouts, copies
the result into {batch}/{TARGET}_{tag} of the destination repository and pushes
a commit with the given message.

The release tag is either a time tag such as 17H19, deployed to every target
(or those given with --target), or a full folder name such as BVDAKHOA_17H19.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runDeploy,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP command server",
	Long: `Serve exposes check and deploy over HTTP behind bearer token auth, lists
recent runs, and accepts signed push webhooks that trigger a check run.

A systemd socket-activated listener is used when present, otherwise the
configured listen address.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent pipeline runs",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("upcoded %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/upcoded/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	deployCmd.Flags().StringSliceVar(&deployTargets, "target", nil, "deploy only to these targets (repeatable)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of runs to list")

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	svc, err := newServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.close()

	var region string
	if len(args) == 1 {
		region = args[0]
	}

	rep, err := svc.orchestrator.Check(ctx, region)
	if err != nil {
		logger.Error("check failed", "error", err)
		return err
	}

	printChunks(cmd.OutOrStdout(), rep.Chunks(cfg.Report.MaxMessageLen))
	if !rep.NoBatch && !rep.Valid() {
		return fmt.Errorf("%d invalid file(s) in batch %s", len(rep.Records), rep.Batch)
	}
	return nil
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	svc, err := newServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.close()

	res, err := svc.orchestrator.Deploy(ctx, deployRequest(args, deployTargets))
	if err != nil {
		logger.Error("deploy failed", "error", err)
		return err
	}

	_, _ = fmt.Fprintln(cmd.OutOrStdout(), res.Summary())
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("invalid serve configuration: %w", err)
	}

	svc, err := newServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.close()

	srv, err := server.NewServer(cfg, svc.orchestrator, svc.runs, logger)
	if err != nil {
		return err
	}

	ln, activated, err := activation.Listen(cfg.Serve.ListenAddr)
	if err != nil {
		return err
	}
	if activated {
		logger.Info("using socket-activated listener", "addr", ln.Addr().String())
	}

	return srv.Start(ctx, ln)
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.HistoryEnabled() {
		return errors.New("history.dsn is not configured")
	}

	store, err := history.Open(ctx, cfg.History.DSN)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	runs, err := store.Recent(ctx, historyLimit)
	if err != nil {
		return err
	}
	return printRuns(cmd.OutOrStdout(), runs)
}

// deployRequest builds a request from "<tag> <message words...>".
func deployRequest(args, targets []string) pipeline.DeployRequest {
	return pipeline.DeployRequest{
		ReleaseTag:    args[0],
		CommitMessage: strings.Join(args[1:], " "),
		Targets:       targets,
	}
}

// services holds the orchestrator and its optional observers.
type services struct {
	orchestrator *pipeline.Orchestrator
	runs         history.Store
	closers      []func() error
}

func (s *services) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

// newServices wires the orchestrator. History, events and archiving are
// only enabled when configured.
func newServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*services, error) {
	svc := &services{runs: history.NopStore{}}
	opts := []pipeline.Option{}

	if cfg.HistoryEnabled() {
		store, err := history.Open(ctx, cfg.History.DSN)
		if err != nil {
			return nil, err
		}
		svc.closers = append(svc.closers, store.Close)
		if err := store.EnsureSchema(ctx); err != nil {
			svc.close()
			return nil, err
		}
		svc.runs = store
		opts = append(opts, pipeline.WithHistory(store))
		logger.Debug("run history enabled")
	}

	if cfg.EventsEnabled() {
		pub, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers:      cfg.Events.Brokers,
			Topic:        cfg.Events.Topic,
			WriteTimeout: 10 * time.Second,
		})
		if err != nil {
			svc.close()
			return nil, err
		}
		svc.closers = append(svc.closers, pub.Close)
		opts = append(opts, pipeline.WithEvents(pub))
		logger.Debug("run events enabled", "topic", cfg.Events.Topic)
	}

	if cfg.ArchiveEnabled() {
		arc, err := archive.NewS3Archiver(ctx, cfg.Archive.Bucket, cfg.Archive.Prefix, cfg.Archive.Region)
		if err != nil {
			svc.close()
			return nil, err
		}
		opts = append(opts, pipeline.WithArchiver(arc))
		logger.Debug("batch archive enabled", "bucket", cfg.Archive.Bucket)
	}

	gitClient := git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)
	orch, err := pipeline.NewOrchestrator(cfg, gitClient, logger, opts...)
	if err != nil {
		svc.close()
		return nil, err
	}
	svc.orchestrator = orch
	if cfg.EventsEnabled() {
		// Runs before the publisher's closer so queued events are flushed.
		svc.closers = append(svc.closers, orch.Close)
	}
	return svc, nil
}

// printChunks writes report chunks separated by blank lines.
func printChunks(w io.Writer, chunks []string) {
	for i, c := range chunks {
		if i > 0 {
			_, _ = fmt.Fprintln(w)
		}
		_, _ = fmt.Fprintln(w, c)
	}
}

func printRuns(w io.Writer, runs []history.Run) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "STARTED\tMODE\tBATCH\tSTATE\tSTAGE\tREMOVED\tINVALID\tTARGETS")
	for _, r := range runs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			r.StartedAt.Local().Format(report.DateLayout),
			r.Mode, r.Batch, r.State, r.Stage,
			r.Removed, r.Invalid, strings.Join(r.Targets, ","))
	}
	return tw.Flush()
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = fmt.Sprintf("%s/.config/upcoded/config.yaml", home)
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"source", cfg.Source.URL,
		"dest", cfg.Dest.URL,
		"targets", cfg.Deploy.Targets,
		"state_dir", cfg.Paths.StateDir,
		"auth", cfg.AuthMethod())

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
