// Package merge folds freshly normalized items into a loaded document.
// It never touches the filesystem; the caller owns load and save.
package merge

import (
	"github.com/pavelanni/errortk/internal/model"
)

// Mode selects how an incoming ref set is planned against the store.
type Mode int

const (
	// Full re-fetches every discovered id.
	Full Mode = iota
	// Incremental skips ids already present in the store.
	Incremental
)

// ModeFor returns Incremental when incremental is set.
func ModeFor(incremental bool) Mode {
	if incremental {
		return Incremental
	}
	return Full
}

// Plan returns the refs that need a detail fetch and how many were skipped.
// In Full mode every ref is fetched.
func Plan(doc *model.Document, refs []model.QuestionRef, mode Mode) ([]model.QuestionRef, int) {
	if mode != Incremental || doc == nil {
		return refs, 0
	}
	out := make([]model.QuestionRef, 0, len(refs))
	for _, ref := range refs {
		if doc.Has(ref.Key) {
			continue
		}
		out = append(out, ref)
	}
	return out, len(refs) - len(out)
}

// Incoming is one normalized item plus what is known about its comments.
type Incoming struct {
	Item model.ErrorItem
	// CommentsFetched is false when comments were not requested this run;
	// the stored comments are then left alone.
	CommentsFetched bool
	// CommentsComplete is false when paging stopped early.
	CommentsComplete bool
}

// Stats counts what Apply did for one source.
type Stats struct {
	Inserted int
	Updated  int
}

// Apply returns a copy of doc with incoming merged in, plus per-source stats.
// New keys are inserted with status new. Existing keys get their content
// fields and provenance replaced while review state and unknown fields stay.
// Applying the same input twice yields the same document.
func Apply(doc *model.Document, incoming []Incoming) (*model.Document, map[model.SourceType]Stats) {
	if doc == nil {
		doc = model.NewDocument()
	}
	out := doc.Clone()
	stats := make(map[model.SourceType]Stats)

	for _, in := range incoming {
		key := in.Item.Key()
		s := stats[key.Source]
		if cur, ok := out.Items[key]; ok {
			update(cur, in)
			s.Updated++
		} else {
			out.Items[key] = insert(in)
			s.Inserted++
		}
		stats[key.Source] = s
	}
	return out, stats
}

func insert(in Incoming) *model.ErrorItem {
	it := in.Item
	it.UserStatus = model.StatusNew
	it.LastReviewed = nil
	it.Extra = nil
	if !in.CommentsFetched || it.Comments == nil {
		it.Comments = []string{}
	}
	return &it
}

func update(cur *model.ErrorItem, in Incoming) {
	next := in.Item
	cur.OriginName = next.OriginName
	cur.SubName = next.SubName
	cur.Type = next.Type
	cur.Content = next.Content
	cur.Options = next.Options
	cur.Answer = next.Answer
	cur.Analysis = next.Analysis
	cur.Provenance = next.Provenance
	if in.CommentsFetched && replaceComments(cur.Comments, next.Comments, in.CommentsComplete) {
		cur.Comments = next.Comments
		if cur.Comments == nil {
			cur.Comments = []string{}
		}
	}
}

// replaceComments decides whether a fetched comment set supersedes the stored
// one. A truncated fetch must not shrink what is already stored.
func replaceComments(stored, fetched []string, complete bool) bool {
	return complete || len(fetched) >= len(stored)
}
