package fetch

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/errortk/internal/upstream"
)

// ErrPageLimit is reported when a question has more comment pages than allowed.
var ErrPageLimit = errors.New("comment page limit reached")

// CommentAPI fetches one page of comments.
type CommentAPI interface {
	Comments(ctx context.Context, questionID int64, page int) ([]upstream.Comment, error)
}

// CommentSet is the comments retrieved for one question. When Complete is
// false, Texts holds what was retrieved before Err.
type CommentSet struct {
	Texts    []string
	Complete bool
	Err      error
}

// Commenter pages through comments.
type Commenter struct {
	api         CommentAPI
	pageSize    int
	maxPages    int
	concurrency int
}

// NewCommenter creates a Commenter. pageSize must match the upstream page size;
// a shorter page ends the sequence.
func NewCommenter(api CommentAPI, pageSize, maxPages, concurrency int) *Commenter {
	if pageSize <= 0 {
		pageSize = 10
	}
	if maxPages <= 0 {
		maxPages = 20
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Commenter{api: api, pageSize: pageSize, maxPages: maxPages, concurrency: concurrency}
}

// Stream yields comment texts page by page. It ends after a short page, or
// after yielding an error.
func (c *Commenter) Stream(ctx context.Context, questionID int64) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for page := 1; page <= c.maxPages; page++ {
			items, err := c.api.Comments(ctx, questionID, page)
			if err != nil {
				yield("", err)
				return
			}
			for _, it := range items {
				text := strings.TrimSpace(it.Content)
				if text == "" {
					continue
				}
				if !yield(text, nil) {
					return
				}
			}
			if len(items) < c.pageSize {
				return
			}
		}
		yield("", ErrPageLimit)
	}
}

// Fetch collects every comment of a question. A failing page truncates the
// set to what was already retrieved.
func (c *Commenter) Fetch(ctx context.Context, questionID int64) CommentSet {
	set := CommentSet{Texts: []string{}, Complete: true}
	for text, err := range c.Stream(ctx, questionID) {
		if err != nil {
			set.Complete = false
			set.Err = err
			break
		}
		set.Texts = append(set.Texts, text)
	}
	return set
}

// FetchAll fetches comments for many questions with the commenter's
// concurrency cap.
func (c *Commenter) FetchAll(ctx context.Context, ids []int64) map[int64]CommentSet {
	sets := make([]CommentSet, len(ids))
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				sets[i] = CommentSet{Texts: []string{}, Err: err}
				return nil
			}
			sets[i] = c.Fetch(ctx, id)
			if sets[i].Err != nil {
				slog.Warn("comments truncated", "question_id", id, "kept", len(sets[i].Texts), "error", sets[i].Err)
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[int64]CommentSet, len(ids))
	for i, id := range ids {
		out[id] = sets[i]
	}
	return out
}
