// Package pipeline sequences the check and deploy runs. Every run passes
// through a fixed series of stages; the first failing stage ends the run
// and is reported as a *StageError.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/schaermu/upcoded/internal/archive"
	"github.com/schaermu/upcoded/internal/config"
	"github.com/schaermu/upcoded/internal/deploy"
	"github.com/schaermu/upcoded/internal/events"
	"github.com/schaermu/upcoded/internal/git"
	"github.com/schaermu/upcoded/internal/history"
	"github.com/schaermu/upcoded/internal/report"
	"github.com/schaermu/upcoded/internal/rules"
	"github.com/schaermu/upcoded/internal/source"
	"github.com/schaermu/upcoded/internal/staging"
	"github.com/schaermu/upcoded/internal/validate"
)

// Orchestrator runs checks and deploys against one configuration. Runs are
// serialized: a second run waits until the first has finished.
type Orchestrator struct {
	cfg      *config.Config
	source   *source.Tree
	staging  *staging.Area
	dest     *deploy.Publisher
	tags     *tagMatcher
	history  history.Store
	events   events.Publisher
	archiver archive.Archiver
	logger   *slog.Logger
	now      func() time.Time

	sem chan struct{}
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the clock used to pick today's batch.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithHistory records every finished run in s.
func WithHistory(s history.Store) Option {
	return func(o *Orchestrator) { o.history = s }
}

// WithEvents publishes stage transitions to p. Delivery happens in the
// background so a slow broker never holds up a run; Close flushes it.
func WithEvents(p events.Publisher) Option {
	return func(o *Orchestrator) { o.events = events.NewAsync(p, o.logger) }
}

// WithArchiver archives every published batch with a.
func WithArchiver(a archive.Archiver) Option {
	return func(o *Orchestrator) { o.archiver = a }
}

// Result describes a successful deploy.
type Result struct {
	RunID   string   `json:"run_id"`
	Batch   string   `json:"batch"`
	Targets []string `json:"targets"`
	// Written lists the destination directories that received the batch.
	Written    []string `json:"written"`
	Removed    int      `json:"removed"`
	Digest     string   `json:"digest"`
	ArchiveKey string   `json:"archive_key,omitempty"`
	Message    string   `json:"message"`
}

// Summary renders r as a status line.
func (r *Result) Summary() string {
	return fmt.Sprintf("Deployed batch %s to %s (%d files removed), committed as %q.",
		r.Batch, strings.Join(r.Targets, ", "), r.Removed, r.Message)
}

// NewOrchestrator creates an Orchestrator for cfg.
func NewOrchestrator(cfg *config.Config, client git.Client, logger *slog.Logger, opts ...Option) (*Orchestrator, error) {
	tags, err := newTagMatcher(cfg)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:     cfg,
		tags:    tags,
		history: history.NopStore{},
		events:  events.Nop{},
		logger:  logger,
		now:     time.Now,
		sem:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.source = source.NewTree(client, cfg.Source.URL, cfg.Source.Branch, cfg.Source.Dir, o.now)
	o.staging = staging.NewArea(cfg.Paths.StagingDir, logger)
	o.dest = deploy.NewPublisher(client, cfg.Dest.URL, cfg.Dest.Branch, cfg.Dest.Dir, logger)
	return o, nil
}

// run tracks one invocation.
type run struct {
	id      uuid.UUID
	mode    Mode
	state   State
	batch   string
	started time.Time
	removed int
	invalid int
	targets []string
	digest  string
}

// Check validates today's batch and reports every rejected file. A region
// filter limits the check to files whose commit message names that region.
// A missing batch is reported, not returned as an error.
func (o *Orchestrator) Check(ctx context.Context, region string) (*report.Report, error) {
	release, err := o.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	ctx = context.WithoutCancel(ctx)

	r := o.begin(ModeCheck)
	rep, err := o.check(ctx, r, strings.ToLower(strings.TrimSpace(region)))
	o.finish(ctx, r, err)
	return rep, err
}

func (o *Orchestrator) check(ctx context.Context, r *run, region string) (*report.Report, error) {
	o.enter(ctx, r, StateSyncingSource)
	if err := o.source.Sync(ctx); err != nil {
		return nil, stageError(StateSyncingSource, err)
	}

	o.enter(ctx, r, StateLoadingRules)
	rs, err := rules.Load(o.cfg.Paths.RulesFile)
	if err != nil {
		return nil, stageError(StateLoadingRules, err)
	}
	if region != "" && !rs.Contains(region) {
		return nil, stageError(StateLoadingRules, fmt.Errorf("%w: %q", ErrUnknownRegion, region))
	}

	o.enter(ctx, r, StateResolvingBatch)
	rep := &report.Report{Today: o.now().Format(source.DateLayout), Region: region}
	batch, ok, err := o.source.ResolveCurrentBatch(ctx)
	if err != nil {
		return nil, stageError(StateResolvingBatch, err)
	}
	if !ok {
		o.logNoBatch(ctx, rep.Today)
		rep.NoBatch = true
		return rep, nil
	}
	r.batch = batch
	rep.Batch = batch

	o.enter(ctx, r, StateValidating)
	files, err := o.source.ListFiles(ctx, batch)
	if err != nil {
		return nil, stageError(StateValidating, err)
	}
	validator := validate.New(rs, os.DirFS(o.source.Dir()))

	for _, f := range files {
		commit, err := o.source.LastCommit(ctx, f)
		if err != nil {
			return nil, stageError(StateValidating, err)
		}
		if commit == nil {
			rep.Skipped++
			continue
		}
		if region != "" && !strings.Contains(strings.ToLower(commit.Message), region) {
			rep.Skipped++
			continue
		}

		rep.Checked++
		verdict := validator.Validate(f, commit.Message)
		if verdict.Valid {
			continue
		}
		rep.Add(report.Record{
			Path:   verdict.Path,
			Reason: verdict.Reason,
			Region: verdict.Region,
			Author: commit.Author,
			Date:   commit.Date,
		})
	}
	r.invalid = len(rep.Records)

	o.logger.Info("check complete",
		"run_id", r.id,
		"batch", batch,
		"checked", rep.Checked,
		"skipped", rep.Skipped,
		"invalid", r.invalid)
	return rep, nil
}

// Deploy validates req, then stages today's batch without rejected files,
// replicates it into every requested target of the destination repository
// and pushes the result.
func (o *Orchestrator) Deploy(ctx context.Context, req DeployRequest) (*Result, error) {
	targets, msg, err := o.tags.resolve(req)
	if err != nil {
		return nil, err
	}

	release, err := o.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	ctx = context.WithoutCancel(ctx)

	r := o.begin(ModeDeploy)
	r.targets = targets
	res, err := o.deploy(ctx, r, targets, msg)
	o.finish(ctx, r, err)
	return res, err
}

func (o *Orchestrator) deploy(ctx context.Context, r *run, targets []string, msg string) (*Result, error) {
	o.logger.Info("starting deploy", "run_id", r.id, "targets", targets, "message", msg)

	o.enter(ctx, r, StateSyncingSource)
	if err := o.source.Sync(ctx); err != nil {
		return nil, stageError(StateSyncingSource, err)
	}

	o.enter(ctx, r, StateLoadingRules)
	rs, err := rules.Load(o.cfg.Paths.RulesFile)
	if err != nil {
		return nil, stageError(StateLoadingRules, err)
	}

	o.enter(ctx, r, StateResolvingBatch)
	batch, ok, err := o.source.ResolveCurrentBatch(ctx)
	if err != nil {
		return nil, stageError(StateResolvingBatch, err)
	}
	if !ok {
		today := o.now().Format(source.DateLayout)
		o.logNoBatch(ctx, today)
		return nil, stageError(StateResolvingBatch, fmt.Errorf("%w (%s)", ErrNoBatch, today))
	}
	r.batch = batch

	o.enter(ctx, r, StateStaging)
	staged, err := o.staging.Build(filepath.Join(o.source.Dir(), batch), batch)
	if err != nil {
		return nil, stageError(StateStaging, err)
	}

	o.enter(ctx, r, StatePruning)
	validator := validate.New(rs, os.DirFS(o.source.Dir()))
	removed, err := o.staging.Prune(ctx, o.source, validator, batch)
	if err != nil {
		return nil, stageError(StatePruning, err)
	}
	r.removed = removed
	digest, err := staging.TreeDigest(staged)
	if err != nil {
		return nil, stageError(StatePruning, err)
	}
	r.digest = digest
	o.logger.Info("staged batch", "run_id", r.id, "batch", batch, "removed", removed, "digest", digest)

	o.enter(ctx, r, StateSyncingDest)
	if err := o.dest.Sync(ctx); err != nil {
		return nil, stageError(StateSyncingDest, err)
	}

	o.enter(ctx, r, StateReplicating)
	written, err := o.dest.Publish(staged, batch, targets)
	if err != nil {
		return nil, stageError(StateReplicating, err)
	}

	o.enter(ctx, r, StatePublishing)
	if err := o.dest.CommitAndPush(ctx, msg); err != nil {
		return nil, stageError(StatePublishing, err)
	}

	res := &Result{
		RunID:   r.id.String(),
		Batch:   batch,
		Targets: targets,
		Written: written,
		Removed: removed,
		Digest:  digest,
		Message: msg,
	}

	if o.archiver != nil {
		o.enter(ctx, r, StateArchiving)
		key, err := o.archiver.Archive(ctx, batch, digest, staged)
		if err != nil {
			// Archival does not undo a published batch
			o.logger.Warn("failed to archive batch", "run_id", r.id, "batch", batch, "error", err)
		} else {
			o.logger.Info("archived batch", "run_id", r.id, "key", key)
			res.ArchiveKey = key
		}
	}

	return res, nil
}

// Close delivers run events still queued. It does not close the publisher
// passed to WithEvents.
func (o *Orchestrator) Close() error {
	return o.events.Close()
}

// acquire waits for the run lock. Only the wait honours ctx: once a run has
// started it always runs to a terminal state.
func (o *Orchestrator) acquire(ctx context.Context) (func(), error) {
	select {
	case o.sem <- struct{}{}:
		return func() { <-o.sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for running pipeline: %w", ctx.Err())
	}
}

func (o *Orchestrator) begin(mode Mode) *run {
	return &run{id: uuid.New(), mode: mode, started: o.now()}
}

func (o *Orchestrator) enter(ctx context.Context, r *run, state State) {
	r.state = state
	o.logger.Info("entering stage", "run_id", r.id, "mode", r.mode, "stage", state)
	o.publish(ctx, r, state, "", nil)
}

// finish records the outcome of r. Observer failures are logged only.
func (o *Orchestrator) finish(ctx context.Context, r *run, err error) {
	rec := history.Run{
		ID:         r.id,
		Mode:       string(r.mode),
		Batch:      r.batch,
		State:      string(StateDone),
		Removed:    r.removed,
		Invalid:    r.invalid,
		Targets:    r.targets,
		Digest:     r.digest,
		StartedAt:  r.started,
		FinishedAt: o.now(),
	}

	if err != nil {
		stage := r.state
		var se *StageError
		if errors.As(err, &se) {
			stage = se.Stage
		}
		rec.State = string(StateFailed)
		rec.Stage = string(stage)
		rec.Error = err.Error()
		o.logger.Error("run failed", "run_id", r.id, "mode", r.mode, "stage", stage, "error", err)
		o.publish(ctx, r, StateFailed, stage, err)
	} else {
		o.logger.Info("run completed", "run_id", r.id, "mode", r.mode, "batch", r.batch)
		o.publish(ctx, r, StateDone, "", nil)
	}

	if err := o.history.Record(ctx, rec); err != nil {
		o.logger.Warn("failed to record run", "run_id", r.id, "error", err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, r *run, state, stage State, runErr error) {
	ev := events.Event{
		RunID: r.id.String(),
		Mode:  string(r.mode),
		State: string(state),
		Stage: string(stage),
		Batch: r.batch,
		At:    o.now(),
	}
	if runErr != nil {
		ev.Error = runErr.Error()
	}
	if err := o.events.Publish(ctx, ev); err != nil {
		o.logger.Warn("failed to publish run event", "run_id", r.id, "state", state, "error", err)
	}
}

func (o *Orchestrator) logNoBatch(ctx context.Context, today string) {
	batches, err := o.source.Batches(ctx)
	if err != nil {
		o.logger.Warn("no batch for today", "today", today, "error", err)
		return
	}
	o.logger.Warn("no batch for today", "today", today, "available", batches)
}
