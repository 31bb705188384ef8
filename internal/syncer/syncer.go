// Package syncer runs one sync: walk the selected sources, fetch details and
// comments, then merge everything into the stored document in one step.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/errortk/internal/fetch"
	"github.com/pavelanni/errortk/internal/merge"
	"github.com/pavelanni/errortk/internal/model"
	"github.com/pavelanni/errortk/internal/normalize"
	"github.com/pavelanni/errortk/internal/source"
	"github.com/pavelanni/errortk/internal/store"
)

// Upstream is everything a run needs from the platform.
type Upstream interface {
	source.Upstream
	fetch.DetailAPI
	fetch.CommentAPI
}

// Store holds the document between runs.
type Store interface {
	Path() string
	Load() (*model.Document, error)
	Save(doc *model.Document, syncedAt time.Time) error
	Lock() (func() error, error)
}

// Journal records finished runs. It may be nil.
type Journal interface {
	RecordRun(sum *model.Summary, storePath string) error
}

// Engine runs syncs against one upstream and one store.
type Engine struct {
	up       Upstream
	store    Store
	journal  Journal
	validate *validator.Validate
	now      func() time.Time
}

// New creates an Engine. journal may be nil.
func New(up Upstream, st Store, journal Journal) *Engine {
	return &Engine{
		up:       up,
		store:    st,
		journal:  journal,
		validate: validator.New(),
		now:      time.Now,
	}
}

type sourceResult struct {
	report   model.SourceReport
	incoming []merge.Incoming
}

// Run performs one sync. Per-id and per-source failures are reported in the
// summary and never stop the run. The returned error is set only for fatal
// problems: invalid config, a held lock, an unreadable store or a failed save.
// When ctx ends early, whatever completed is still merged and saved.
func (e *Engine) Run(ctx context.Context, cfg model.SyncConfig) (*model.Summary, error) {
	if err := e.validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid sync config: %w", err)
	}

	release, err := e.store.Lock()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := release(); err != nil {
			slog.Warn("release store lock", "error", err)
		}
	}()

	doc, err := e.store.Load()
	if errors.Is(err, store.ErrNotFound) {
		slog.Info("no store document yet, starting empty", "path", e.store.Path())
		doc = model.NewDocument()
	} else if err != nil {
		return nil, fmt.Errorf("load store: %w", err)
	}

	sum := &model.Summary{
		RunID:       uuid.NewString(),
		StartedAt:   e.now(),
		Incremental: cfg.Incremental,
	}
	slog.Info("sync started", "run_id", sum.RunID, "sources", cfg.Sources, "incremental", cfg.Incremental, "comments", cfg.IncludeComments)

	runCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	results := make([]sourceResult, len(cfg.Sources))
	var g errgroup.Group
	for i, st := range cfg.Sources {
		g.Go(func() error {
			results[i] = e.runSource(runCtx, st, doc, cfg)
			return nil
		})
	}
	_ = g.Wait()
	sum.Canceled = runCtx.Err() != nil

	merged, stats := merge.Apply(doc, lo.FlatMap(results, func(r sourceResult, _ int) []merge.Incoming {
		return r.incoming
	}))
	for _, r := range results {
		s := stats[r.report.Source]
		r.report.Inserted = s.Inserted
		r.report.Updated = s.Updated
		sum.Sources = append(sum.Sources, r.report)
	}

	sum.FinishedAt = e.now()
	if err := e.store.Save(merged, sum.FinishedAt); err != nil {
		return sum, fmt.Errorf("save store: %w", err)
	}

	if e.journal != nil {
		if err := e.journal.RecordRun(sum, e.store.Path()); err != nil {
			slog.Warn("record sync run", "run_id", sum.RunID, "error", err)
		}
	}

	t := sum.Totals()
	slog.Info("sync finished",
		"run_id", sum.RunID,
		"ok", sum.OK(),
		"canceled", sum.Canceled,
		"discovered", t.Discovered,
		"inserted", t.Inserted,
		"updated", t.Updated,
		"failed", t.Failed,
		"duration", sum.FinishedAt.Sub(sum.StartedAt).Round(time.Millisecond).String(),
	)
	return sum, nil
}

// runSource walks one source and fetches what needs fetching. doc is only read.
func (e *Engine) runSource(ctx context.Context, st model.SourceType, doc *model.Document, cfg model.SyncConfig) sourceResult {
	res := sourceResult{report: model.SourceReport{Source: st}}
	log := slog.With("source", st)

	adapter, err := source.For(st, e.up)
	if err != nil {
		res.report.Error = err.Error()
		return res
	}

	walked := source.Collect(adapter.Walk(ctx))
	if len(walked.Errors) > 0 {
		res.report.Error = errors.Join(walked.Errors...).Error()
		log.Warn("source walk incomplete", "errors", len(walked.Errors), "error", res.report.Error)
	}
	res.report.Discovered = len(walked.Refs)

	toFetch, skipped := merge.Plan(doc, walked.Refs, merge.ModeFor(cfg.Incremental))
	res.report.Skipped = skipped
	log.Info("source walked", "discovered", len(walked.Refs), "skipped", skipped, "to_fetch", len(toFetch))
	if len(toFetch) == 0 {
		return res
	}

	details := fetch.NewDetailer(e.up, cfg.BatchSize, cfg.Concurrency).Fetch(ctx, toFetch)
	fetched := lo.Filter(details, func(d fetch.DetailResult, _ int) bool { return d.Err == nil })
	res.report.Fetched = len(fetched)
	res.report.Failed = len(details) - len(fetched)

	var comments map[int64]fetch.CommentSet
	if cfg.IncludeComments && len(fetched) > 0 {
		res.report.CommentsAttempted = true
		commenter := fetch.NewCommenter(e.up, cfg.CommentPageSize, cfg.CommentMaxPages, cfg.CommentConcurrency)
		comments = commenter.FetchAll(ctx, lo.Map(fetched, func(d fetch.DetailResult, _ int) int64 { return d.Ref.ID }))
		res.report.CommentFailures = len(lo.PickBy(comments, func(_ int64, c fetch.CommentSet) bool { return !c.Complete }))
	}

	res.incoming = make([]merge.Incoming, 0, len(fetched))
	for _, d := range fetched {
		in := merge.Incoming{}
		var texts []string
		if set, ok := comments[d.Ref.ID]; ok {
			texts = set.Texts
			in.CommentsFetched = true
			in.CommentsComplete = set.Complete
		}
		in.Item = normalize.Item(*d.Detail, d.Ref, texts)
		res.incoming = append(res.incoming, in)
	}

	log.Info("source fetched", "fetched", res.report.Fetched, "failed", res.report.Failed, "comment_failures", res.report.CommentFailures)
	return res
}
