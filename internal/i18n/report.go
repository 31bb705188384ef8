package i18n

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pavelanni/errortk/internal/model"
)

// SourceName returns the display name of a source.
func SourceName(ctx context.Context, st model.SourceType) string {
	switch st {
	case model.SourceSimulation:
		return T(ctx, "SourceSimulation")
	case model.SourceRealExam:
		return T(ctx, "SourceReal")
	case model.SourceFamousBank:
		return T(ctx, "SourceFamous")
	}
	return string(st)
}

// WriteSummary renders a run summary for the terminal.
func WriteSummary(ctx context.Context, w io.Writer, sum *model.Summary) {
	mode := T(ctx, "ModeFull")
	if sum.Incremental {
		mode = T(ctx, "ModeIncremental")
	}
	fmt.Fprintln(w, Td(ctx, "RunHeader", map[string]any{"ID": sum.RunID, "Mode": mode}))

	for _, r := range sum.Sources {
		fmt.Fprintln(w, Td(ctx, "SourceLine", map[string]any{
			"Source":     SourceName(ctx, r.Source),
			"Discovered": r.Discovered,
			"Skipped":    r.Skipped,
			"Fetched":    r.Fetched,
			"Failed":     r.Failed,
			"Inserted":   r.Inserted,
			"Updated":    r.Updated,
		}))
		if r.CommentsAttempted {
			fmt.Fprintln(w, Td(ctx, "CommentsFetched", map[string]any{"Failures": r.CommentFailures}))
		} else {
			fmt.Fprintln(w, T(ctx, "CommentsNotFetched"))
		}
		if r.Error != "" {
			fmt.Fprintln(w, Td(ctx, "SourceError", map[string]any{"Error": r.Error}))
		}
	}

	t := sum.Totals()
	fmt.Fprintln(w, Td(ctx, "Totals", map[string]any{
		"Discovered": t.Discovered,
		"Inserted":   t.Inserted,
		"Updated":    t.Updated,
		"Failed":     t.Failed,
	}))
	fmt.Fprintln(w, Outcome(ctx, sum))
}

// Outcome is the one-line verdict of a run.
func Outcome(ctx context.Context, sum *model.Summary) string {
	switch {
	case sum.Canceled:
		return T(ctx, "RunCanceled")
	case sum.OK():
		return T(ctx, "RunOK")
	case sum.Totals().Failed > 0:
		return Tp(ctx, "RunFailed", sum.Totals().Failed)
	default:
		return T(ctx, "RunSourceErrors")
	}
}

// HistoryEntry is the subset of a recorded run shown by history listings.
type HistoryEntry struct {
	ID      string
	OK      bool
	Summary model.Summary
}

// WriteHistory renders past runs, one per line.
func WriteHistory(ctx context.Context, w io.Writer, runs []HistoryEntry) {
	if len(runs) == 0 {
		fmt.Fprintln(w, T(ctx, "HistoryEmpty"))
		return
	}
	for _, r := range runs {
		status := T(ctx, "StatusOK")
		if !r.OK {
			status = T(ctx, "StatusFailed")
		}
		t := r.Summary.Totals()
		fmt.Fprintln(w, Td(ctx, "HistoryLine", map[string]any{
			"Started":    r.Summary.StartedAt.Local().Format(time.DateTime),
			"ID":         r.ID,
			"Status":     status,
			"Discovered": t.Discovered,
			"Failed":     t.Failed,
		}))
	}
}
