// Package normalize maps raw upstream payloads to ErrorItems. It performs no I/O.
package normalize

import (
	"sort"
	"strings"
	"unicode"

	"github.com/samber/lo"

	"github.com/pavelanni/errortk/internal/model"
	"github.com/pavelanni/errortk/internal/upstream"
)

// Labels is the option label scheme; upstream fields a..d and 1-based
// answer digits both map onto it.
var Labels = []string{"A", "B", "C", "D"}

// Item builds the canonical record for one fetched question. comments may be
// nil when comments were not fetched. Locally owned fields are left zero.
func Item(raw upstream.Question, ref model.QuestionRef, comments []string) model.ErrorItem {
	return model.ErrorItem{
		ID:         ref.ID,
		Source:     ref.Source,
		OriginName: ref.OriginName,
		SubName:    ref.SubName,
		Type:       raw.Type,
		Content:    raw.Title,
		Options:    Options(raw),
		Answer:     Answer(raw.Correct),
		Analysis:   raw.Explain,
		Comments:   append([]string(nil), comments...),
		Provenance: ref.Provenance,
	}
}

// Options returns the non-empty choices in label order.
func Options(raw upstream.Question) []model.Option {
	texts := []string{raw.A, raw.B, raw.C, raw.D}
	opts := make([]model.Option, 0, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		opts = append(opts, model.Option{Label: Labels[i], Content: text})
	}
	return opts
}

// Answer converts the upstream correct field into a sorted set of labels.
// Tokens are separated by commas or whitespace. A digit token maps each
// digit 1-based onto Labels ("13" and "1,3" both mean A and C); any other
// token contributes its letters ("A,C", "ac"). Anything outside the label
// scheme is dropped.
func Answer(correct upstream.FlexString) []string {
	tokens := strings.FieldsFunc(string(correct), func(r rune) bool {
		return r == ',' || r == '，' || r == ';' || unicode.IsSpace(r)
	})

	labels := []string{}
	for _, tok := range tokens {
		if isDigits(tok) {
			labels = append(labels, digitLabels(tok)...)
		} else {
			labels = append(labels, letterLabels(tok)...)
		}
	}
	labels = lo.Uniq(labels)
	sort.Strings(labels)
	return labels
}

func digitLabels(tok string) []string {
	var out []string
	for _, r := range tok {
		idx := int(r-'0') - 1
		if idx >= 0 && idx < len(Labels) {
			out = append(out, Labels[idx])
		}
	}
	return out
}

func letterLabels(tok string) []string {
	var out []string
	for _, r := range strings.ToUpper(tok) {
		if !unicode.IsLetter(r) {
			continue
		}
		if l := string(r); lo.Contains(Labels, l) {
			out = append(out, l)
		}
	}
	return out
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
