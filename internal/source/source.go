// Package source walks the three upstream wrong-question hierarchies down to
// flat question references.
package source

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"strings"

	"github.com/pavelanni/errortk/internal/model"
	"github.com/pavelanni/errortk/internal/upstream"
)

// Upstream is the subset of the platform API the adapters need.
type Upstream interface {
	SimulationPapers(ctx context.Context) ([]upstream.SimulationPaper, error)
	RealExams(ctx context.Context) ([]upstream.RealExamPaper, error)
	FamousClasses(ctx context.Context) ([]upstream.FamousClass, error)
	FamousBooks(ctx context.Context, classID int64) ([]upstream.Book, error)
	FamousChapters(ctx context.Context, classID, bookID int64) ([]upstream.FamousChapter, error)
}

// Adapter produces the question references of one source type. Each call to
// Walk re-walks the hierarchy from the top. A yielded error with a zero ref
// reports a failed subtree; the walk may continue after it.
type Adapter interface {
	Source() model.SourceType
	Walk(ctx context.Context) iter.Seq2[model.QuestionRef, error]
}

// For returns the adapter for a source type.
func For(st model.SourceType, up Upstream) (Adapter, error) {
	switch st {
	case model.SourceSimulation:
		return Simulation{up: up}, nil
	case model.SourceRealExam:
		return RealExam{up: up}, nil
	case model.SourceFamousBank:
		return FamousBank{up: up}, nil
	}
	return nil, fmt.Errorf("no adapter for source %q", st)
}

// ClassError reports a famous-bank class whose books or chapters could not be listed.
type ClassError struct {
	ClassID int64
	Name    string
	Err     error
}

func (e *ClassError) Error() string {
	return fmt.Sprintf("class %d (%s): %v", e.ClassID, e.Name, e.Err)
}

func (e *ClassError) Unwrap() error { return e.Err }

// Collected is the deduplicated output of a walk.
type Collected struct {
	Refs   []model.QuestionRef
	Errors []error
}

// Collect drains a walk. Duplicate keys keep their first position but take
// the provenance and labels of the last occurrence.
func Collect(seq iter.Seq2[model.QuestionRef, error]) Collected {
	var out Collected
	index := make(map[model.Key]int)
	for ref, err := range seq {
		if err != nil {
			out.Errors = append(out.Errors, err)
			continue
		}
		if i, ok := index[ref.Key]; ok {
			out.Refs[i] = ref
			continue
		}
		index[ref.Key] = len(out.Refs)
		out.Refs = append(out.Refs, ref)
	}
	return out
}

// splitQIDs parses a comma-separated id list. Blank entries are skipped;
// malformed ones are logged and skipped.
func splitQIDs(s upstream.FlexString) []int64 {
	var ids []int64
	for _, part := range strings.Split(string(s), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			slog.Warn("skipping malformed question id", "value", part)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
