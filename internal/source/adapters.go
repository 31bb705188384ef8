package source

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"github.com/pavelanni/errortk/internal/model"
	"github.com/pavelanni/errortk/internal/upstream"
)

// fallbackBookID is tried when a class lists no books or the list fails.
const fallbackBookID = 1

// Simulation walks simulation paper sets: set -> roll -> qids string.
type Simulation struct{ up Upstream }

// Source implements Adapter.
func (Simulation) Source() model.SourceType { return model.SourceSimulation }

// Walk implements Adapter.
func (a Simulation) Walk(ctx context.Context) iter.Seq2[model.QuestionRef, error] {
	return func(yield func(model.QuestionRef, error) bool) {
		papers, err := a.up.SimulationPapers(ctx)
		if err != nil {
			yield(model.QuestionRef{}, fmt.Errorf("list simulation papers: %w", err))
			return
		}
		for _, p := range papers {
			for _, roll := range p.List {
				for _, ref := range simulationRefs(p, roll) {
					if !yield(ref, nil) {
						return
					}
				}
			}
		}
	}
}

func simulationRefs(p upstream.SimulationPaper, roll upstream.SimulationRoll) []model.QuestionRef {
	ids := splitQIDs(roll.QIDs)
	refs := make([]model.QuestionRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, model.QuestionRef{
			Key:        model.Key{Source: model.SourceSimulation, ID: id},
			OriginName: p.Name,
			SubName:    roll.Name,
			Provenance: model.Provenance{ExamID: roll.ID, TeacherID: p.TeacherID},
		})
	}
	return refs
}

// RealExam walks real exam papers: exam -> qids string.
type RealExam struct{ up Upstream }

// Source implements Adapter.
func (RealExam) Source() model.SourceType { return model.SourceRealExam }

// Walk implements Adapter.
func (a RealExam) Walk(ctx context.Context) iter.Seq2[model.QuestionRef, error] {
	return func(yield func(model.QuestionRef, error) bool) {
		exams, err := a.up.RealExams(ctx)
		if err != nil {
			yield(model.QuestionRef{}, fmt.Errorf("list real exams: %w", err))
			return
		}
		for _, e := range exams {
			for _, ref := range realExamRefs(e) {
				if !yield(ref, nil) {
					return
				}
			}
		}
	}
}

func realExamRefs(e upstream.RealExamPaper) []model.QuestionRef {
	ids := splitQIDs(e.QIDs)
	refs := make([]model.QuestionRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, model.QuestionRef{
			Key:        model.Key{Source: model.SourceRealExam, ID: id},
			OriginName: e.Name,
			Provenance: model.Provenance{ExamID: e.ID, TeacherID: e.TeacherID},
		})
	}
	return refs
}

// FamousBank walks the question bank: class -> book -> chapter -> questions.
// A class that fails is reported and skipped; the other classes are still walked.
type FamousBank struct{ up Upstream }

// Source implements Adapter.
func (FamousBank) Source() model.SourceType { return model.SourceFamousBank }

// Walk implements Adapter.
func (a FamousBank) Walk(ctx context.Context) iter.Seq2[model.QuestionRef, error] {
	return func(yield func(model.QuestionRef, error) bool) {
		classes, err := a.up.FamousClasses(ctx)
		if err != nil {
			yield(model.QuestionRef{}, fmt.Errorf("list famous classes: %w", err))
			return
		}
		for _, class := range classes {
			if class.ID == 0 {
				continue
			}
			if ctx.Err() != nil {
				yield(model.QuestionRef{}, &ClassError{ClassID: class.ID, Name: class.Name, Err: ctx.Err()})
				return
			}
			refs, err := a.walkClass(ctx, class)
			for _, ref := range refs {
				if !yield(ref, nil) {
					return
				}
			}
			if err != nil {
				slog.Warn("famous class walk incomplete", "class_id", class.ID, "class", class.Name, "error", err)
				if !yield(model.QuestionRef{}, &ClassError{ClassID: class.ID, Name: class.Name, Err: err}) {
					return
				}
			}
		}
	}
}

// walkClass returns the refs it managed to collect and the first error met.
func (a FamousBank) walkClass(ctx context.Context, class upstream.FamousClass) ([]model.QuestionRef, error) {
	var firstErr error
	books, err := a.up.FamousBooks(ctx, class.ID)
	if err != nil {
		// The default book may still answer, but the class is only partly
		// known and the walk must say so.
		slog.Warn("list books failed, trying default book", "class_id", class.ID, "error", err)
		firstErr = fmt.Errorf("list books: %w", err)
	}
	if len(books) == 0 {
		books = []upstream.Book{{ID: fallbackBookID}}
	}

	var refs []model.QuestionRef
	for _, book := range books {
		if book.ID == 0 {
			continue
		}
		chapters, err := a.up.FamousChapters(ctx, class.ID, book.ID)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("book %d: %w", book.ID, err)
			}
			continue
		}
		for _, ch := range chapters {
			refs = append(refs, famousRefs(class, book, ch)...)
		}
	}
	return refs, firstErr
}

func famousRefs(class upstream.FamousClass, book upstream.Book, ch upstream.FamousChapter) []model.QuestionRef {
	classID := ch.ClassID
	if classID == 0 {
		classID = class.ID
	}
	refs := make([]model.QuestionRef, 0, len(ch.Questions))
	for _, q := range ch.Questions {
		if q.QID <= 0 {
			continue
		}
		chapterID := q.CIndex
		if chapterID == 0 {
			chapterID = ch.CIndex
		}
		refs = append(refs, model.QuestionRef{
			Key:        model.Key{Source: model.SourceFamousBank, ID: q.QID},
			OriginName: class.Name,
			SubName:    ch.Name,
			Provenance: model.Provenance{
				TeacherID: class.TeacherID,
				ClassID:   classID,
				BookID:    book.ID,
				ChapterID: chapterID,
			},
		})
	}
	return refs
}
