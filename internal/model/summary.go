package model

import "time"

// SourceReport holds the outcome of one source within a sync run.
type SourceReport struct {
	Source            SourceType `json:"source"`
	Discovered        int        `json:"discovered"`
	Skipped           int        `json:"skipped"` // already in store, incremental mode
	Fetched           int        `json:"fetched"`
	Failed            int        `json:"failed"`
	Inserted          int        `json:"inserted"`
	Updated           int        `json:"updated"`
	CommentsAttempted bool       `json:"comments_attempted"`
	CommentFailures   int        `json:"comment_failures"`
	Error             string     `json:"error,omitempty"` // walk-level failure, if any
}

// OK reports whether the source finished without any failure.
func (r SourceReport) OK() bool {
	return r.Error == "" && r.Failed == 0
}

// Summary is the result of one sync run.
type Summary struct {
	RunID       string         `json:"run_id"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	Incremental bool           `json:"incremental"`
	Sources     []SourceReport `json:"sources"`
	Canceled    bool           `json:"canceled"`
}

// OK reports whether every source succeeded. A run is never reported as
// successful when any id failed.
func (s *Summary) OK() bool {
	if s.Canceled {
		return false
	}
	for _, r := range s.Sources {
		if !r.OK() {
			return false
		}
	}
	return true
}

// Totals sums the per-source counters.
func (s *Summary) Totals() SourceReport {
	var t SourceReport
	for _, r := range s.Sources {
		t.Discovered += r.Discovered
		t.Skipped += r.Skipped
		t.Fetched += r.Fetched
		t.Failed += r.Failed
		t.Inserted += r.Inserted
		t.Updated += r.Updated
		t.CommentFailures += r.CommentFailures
		t.CommentsAttempted = t.CommentsAttempted || r.CommentsAttempted
	}
	return t
}

// Report returns the report for the given source, or nil.
func (s *Summary) Report(st SourceType) *SourceReport {
	for i := range s.Sources {
		if s.Sources[i].Source == st {
			return &s.Sources[i]
		}
	}
	return nil
}
