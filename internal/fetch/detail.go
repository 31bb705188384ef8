// Package fetch retrieves question bodies and discussion comments in
// capacity-limited batches.
package fetch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/errortk/internal/model"
	"github.com/pavelanni/errortk/internal/upstream"
)

// ErrMissingFromResponse marks an id that was requested but not returned.
var ErrMissingFromResponse = errors.New("question missing from detail response")

// DetailAPI fetches question bodies for ids sharing one provenance.
type DetailAPI interface {
	Questions(ctx context.Context, ids []int64, prov model.Provenance) ([]upstream.Question, error)
}

// DetailResult is the outcome for one ref. Exactly one of Detail and Err is set.
type DetailResult struct {
	Ref    model.QuestionRef
	Detail *upstream.Question
	Err    error
}

// Detailer runs detail batches with a concurrency cap.
type Detailer struct {
	api         DetailAPI
	batchSize   int
	concurrency int
}

// NewDetailer creates a Detailer. Non-positive sizes fall back to 50 ids per
// batch and one batch at a time.
func NewDetailer(api DetailAPI, batchSize, concurrency int) *Detailer {
	if batchSize <= 0 {
		batchSize = 50
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Detailer{api: api, batchSize: batchSize, concurrency: concurrency}
}

type batch struct {
	prov model.Provenance
	refs []model.QuestionRef
}

// planBatches groups refs by request provenance, in order of first
// appearance, and splits each group into chunks of at most size.
func planBatches(refs []model.QuestionRef, size int) []batch {
	var order []model.Provenance
	groups := make(map[model.Provenance][]model.QuestionRef)
	for _, ref := range refs {
		k := ref.Provenance.BatchKey()
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], ref)
	}

	var out []batch
	for _, k := range order {
		for _, chunk := range lo.Chunk(groups[k], size) {
			out = append(out, batch{prov: k, refs: chunk})
		}
	}
	return out
}

// Fetch returns one result per ref. A failing batch marks its refs failed
// without affecting other batches. After ctx is done, batches that have not
// started are reported failed with the context error.
func (d *Detailer) Fetch(ctx context.Context, refs []model.QuestionRef) []DetailResult {
	batches := planBatches(refs, d.batchSize)
	parts := make([][]DetailResult, len(batches))

	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i, b := range batches {
		g.Go(func() error {
			parts[i] = d.fetchBatch(ctx, b)
			return nil
		})
	}
	_ = g.Wait()

	return lo.Flatten(parts)
}

func (d *Detailer) fetchBatch(ctx context.Context, b batch) []DetailResult {
	out := make([]DetailResult, len(b.refs))
	fail := func(err error) []DetailResult {
		for i, ref := range b.refs {
			out[i] = DetailResult{Ref: ref, Err: err}
		}
		return out
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	ids := lo.Map(b.refs, func(r model.QuestionRef, _ int) int64 { return r.ID })
	questions, err := d.api.Questions(ctx, ids, b.prov)
	if err != nil {
		slog.Warn("detail batch failed", "size", len(ids), "first_id", ids[0], "error", err)
		return fail(err)
	}

	byID := lo.KeyBy(questions, func(q upstream.Question) int64 { return q.ID })
	missing := 0
	for i, ref := range b.refs {
		q, ok := byID[ref.ID]
		if !ok {
			out[i] = DetailResult{Ref: ref, Err: ErrMissingFromResponse}
			missing++
			continue
		}
		out[i] = DetailResult{Ref: ref, Detail: &q}
	}
	if missing > 0 {
		slog.Warn("detail batch partially answered", "requested", len(ids), "missing", missing)
	}
	return out
}
