package upstream

import (
	"bytes"
	"encoding/json"
	"strings"
)

// envelope wraps every upstream response.
type envelope struct {
	Code  int             `json:"code"`
	Data  json.RawMessage `json:"data"`
	Msg   string          `json:"msg"`
	Error json.RawMessage `json:"error"`
}

func (e envelope) message() string {
	if e.Msg != "" {
		return e.Msg
	}
	if len(e.Error) == 0 || string(e.Error) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Error, &s); err == nil {
		return s
	}
	return string(e.Error)
}

// FlexString decodes a JSON string, number or null into a string. Upstream is
// not consistent about quoting ids and answer codes.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

// SimulationPaper is a simulation paper set from the type 5 error listing.
type SimulationPaper struct {
	ID        int64            `json:"id"`
	Name      string           `json:"name"`
	TeacherID int64            `json:"teacherId"`
	List      []SimulationRoll `json:"list"`
}

// SimulationRoll is one paper inside a simulation set.
type SimulationRoll struct {
	ID   int64      `json:"id"`
	Name string     `json:"name"`
	QIDs FlexString `json:"qids"`
}

// RealExamPaper is an exam from the type 4 error listing.
type RealExamPaper struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	TeacherID int64      `json:"teacherId"`
	QIDs      FlexString `json:"qids"`
}

// FamousClass is a question-bank class with pending errors (type 3 listing).
type FamousClass struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	TeacherID int64  `json:"teacherId"`
}

// Book is a book inside a famous-bank class.
type Book struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// FamousChapter is a chapter group with its wrong questions.
type FamousChapter struct {
	Name      string           `json:"name"`
	ClassID   int64            `json:"classId"`
	CIndex    int64            `json:"cIndex"`
	Questions []FamousQuestion `json:"questions"`
}

// FamousQuestion is a question reference inside a chapter group.
type FamousQuestion struct {
	QID    int64 `json:"qId"`
	CIndex int64 `json:"cIndex"`
}

// Question is a full question body as returned by the detail endpoint.
type Question struct {
	ID      int64      `json:"id"`
	Type    int        `json:"type"`
	Title   string     `json:"title"`
	A       string     `json:"a"`
	B       string     `json:"b"`
	C       string     `json:"c"`
	D       string     `json:"d"`
	Correct FlexString `json:"correct"`
	Explain string     `json:"explain"`
}

// Comment is one discussion note on a question.
type Comment struct {
	ID      int64  `json:"id"`
	Content string `json:"content"`
}
