package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// SourceType identifies one of the upstream wrong-question taxonomies.
type SourceType string

const (
	// SourceSimulation is the simulation paper taxonomy (upstream error type 5).
	SourceSimulation SourceType = "simulation"
	// SourceRealExam is the real-exam paper taxonomy (upstream error type 4).
	SourceRealExam SourceType = "real"
	// SourceFamousBank is the class/book/chapter question bank (upstream error type 3).
	SourceFamousBank SourceType = "famous"
)

// AllSources lists every source type in the order they are persisted.
var AllSources = []SourceType{SourceSimulation, SourceRealExam, SourceFamousBank}

var sourceAliases = map[string]SourceType{
	"simulation": SourceSimulation,
	"sim":        SourceSimulation,
	"real":       SourceRealExam,
	"exam":       SourceRealExam,
	"famous":     SourceFamousBank,
	"teacher":    SourceFamousBank,
}

// ParseSourceType resolves a source name or one of its aliases.
func ParseSourceType(s string) (SourceType, error) {
	st, ok := sourceAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("unknown source %q", s)
	}
	return st, nil
}

// ParseSources parses a list of source names. Empty input selects all sources.
func ParseSources(names []string) ([]SourceType, error) {
	seen := make(map[SourceType]bool)
	var out []SourceType
	for _, n := range names {
		for _, part := range strings.Split(n, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			st, err := ParseSourceType(part)
			if err != nil {
				return nil, err
			}
			if !seen[st] {
				seen[st] = true
				out = append(out, st)
			}
		}
	}
	if len(out) == 0 {
		return append([]SourceType(nil), AllSources...), nil
	}
	return out, nil
}

// UpstreamErrorType is the type code the error-listing endpoint expects.
func (s SourceType) UpstreamErrorType() int {
	switch s {
	case SourceSimulation:
		return 5
	case SourceRealExam:
		return 4
	case SourceFamousBank:
		return 3
	}
	return 0
}

// Key is the identity of an ErrorItem. Question ids are only unique within a source.
type Key struct {
	Source SourceType
	ID     int64
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.Source, k.ID)
}

// Provenance holds the upstream parameters needed to re-fetch a question body.
type Provenance struct {
	ExamID    int64 `json:"exam_id,omitempty"`
	TeacherID int64 `json:"teacher_id,omitempty"`
	ClassID   int64 `json:"class_id,omitempty"`
	BookID    int64 `json:"book_id,omitempty"`
	ChapterID int64 `json:"chapter_id,omitempty"`
}

// BatchKey returns the subset of provenance sent along with a detail request.
// Refs with equal batch keys may share one request.
func (p Provenance) BatchKey() Provenance {
	p.ChapterID = 0
	return p
}

// QuestionRef is one question id discovered by a source adapter, with the
// labels and provenance of the group it was found in.
type QuestionRef struct {
	Key
	OriginName string
	SubName    string
	Provenance Provenance
}

// UserStatus is the locally owned review state of an item.
type UserStatus string

const (
	StatusNew       UserStatus = "new"
	StatusReviewing UserStatus = "reviewing"
	StatusMastered  UserStatus = "mastered"
)

// Option is one labeled answer choice.
type Option struct {
	Label   string `json:"label"`
	Content string `json:"content"`
}

// ErrorItem is one normalized wrong-question record.
type ErrorItem struct {
	ID         int64      `json:"id"`
	Source     SourceType `json:"source"`
	OriginName string     `json:"origin_name"`
	SubName    string     `json:"sub_name"`
	Type       int        `json:"type"`
	Content    string     `json:"content"`
	Options    []Option   `json:"options"`
	Answer     []string   `json:"answer"`
	Analysis   string     `json:"analysis"`
	Comments   []string   `json:"comments"`
	Provenance Provenance `json:"provenance"`

	// Owned by the review tool. LastReviewed is kept verbatim as written there.
	UserStatus   UserStatus `json:"user_status"`
	LastReviewed *string    `json:"last_reviewed"`

	// Extra carries fields this package does not know about (review
	// scheduling state and the like) so they survive a sync untouched.
	Extra map[string]json.RawMessage `json:"-"`
}

// Key returns the item's identity.
func (it *ErrorItem) Key() Key {
	return Key{Source: it.Source, ID: it.ID}
}

type errorItemJSON ErrorItem

var knownItemFields = map[string]bool{
	"id": true, "source": true, "origin_name": true, "sub_name": true, "type": true,
	"content": true, "options": true, "answer": true, "analysis": true, "comments": true,
	"provenance": true, "user_status": true, "last_reviewed": true,
}

// UnmarshalJSON decodes the known fields and keeps the rest in Extra.
func (it *ErrorItem) UnmarshalJSON(data []byte) error {
	var known errorItemJSON
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for k := range all {
		if knownItemFields[k] {
			delete(all, k)
		}
	}
	if len(all) > 0 {
		known.Extra = all
	}
	*it = ErrorItem(known)
	return nil
}

// MarshalJSON encodes the known fields followed by any preserved extras.
// Nil slices are written as empty arrays.
func (it ErrorItem) MarshalJSON() ([]byte, error) {
	out := errorItemJSON(it)
	if out.Options == nil {
		out.Options = []Option{}
	}
	if out.Answer == nil {
		out.Answer = []string{}
	}
	if out.Comments == nil {
		out.Comments = []string{}
	}
	if out.UserStatus == "" {
		out.UserStatus = StatusNew
	}
	base, err := marshalNoEscape(out)
	if err != nil || len(it.Extra) == 0 {
		return base, err
	}

	// Extras go after the known fields, in key order, so an item keeps its
	// field layout whether or not the review tool has annotated it.
	var buf bytes.Buffer
	buf.Write(base[:len(base)-1])
	for _, k := range slices.Sorted(maps.Keys(it.Extra)) {
		if knownItemFields[k] {
			continue
		}
		key, err := marshalNoEscape(k)
		if err != nil {
			return nil, err
		}
		v := it.Extra[k]
		if len(v) == 0 {
			v = json.RawMessage("null")
		}
		buf.WriteByte(',')
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Meta is the store document header.
type Meta struct {
	LastSync *time.Time `json:"last_sync"`
	Version  string     `json:"version"`
}

// Document is the whole persisted store, keyed by item identity.
type Document struct {
	Meta  Meta
	Items map[Key]*ErrorItem
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{Items: make(map[Key]*ErrorItem)}
}

// Clone returns a deep copy so callers can transform a document without
// touching the one they loaded.
func (d *Document) Clone() *Document {
	out := &Document{Meta: d.Meta, Items: make(map[Key]*ErrorItem, len(d.Items))}
	if d.Meta.LastSync != nil {
		t := *d.Meta.LastSync
		out.Meta.LastSync = &t
	}
	for k, it := range d.Items {
		c := *it
		c.Options = slices.Clone(it.Options)
		c.Answer = slices.Clone(it.Answer)
		c.Comments = slices.Clone(it.Comments)
		if it.LastReviewed != nil {
			lr := *it.LastReviewed
			c.LastReviewed = &lr
		}
		if it.Extra != nil {
			c.Extra = make(map[string]json.RawMessage, len(it.Extra))
			for ek, ev := range it.Extra {
				c.Extra[ek] = ev
			}
		}
		out.Items[k] = &c
	}
	return out
}

// Has reports whether the document holds an item with the given key.
func (d *Document) Has(k Key) bool {
	_, ok := d.Items[k]
	return ok
}

// SyncConfig is what a caller asks a sync run to do.
type SyncConfig struct {
	Sources            []SourceType `validate:"min=1,dive,oneof=simulation real famous"`
	IncludeComments    bool
	Incremental        bool          // skip ids already in the store
	BatchSize          int           `validate:"min=1,max=500"`
	Concurrency        int           `validate:"min=1"`
	CommentConcurrency int           `validate:"min=1"`
	CommentPageSize    int           `validate:"min=1"`
	CommentMaxPages    int           `validate:"min=1"`
	Timeout            time.Duration // 0 means no overall deadline
}

// DefaultSyncConfig returns the defaults used by the CLI.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Sources:            append([]SourceType(nil), AllSources...),
		BatchSize:          50,
		Concurrency:        4,
		CommentConcurrency: 8,
		CommentPageSize:    10,
		CommentMaxPages:    20,
		Timeout:            10 * time.Minute,
	}
}
