package fetch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/errortk/internal/model"
	"github.com/pavelanni/errortk/internal/upstream"
)

type detailCall struct {
	ids  []int64
	prov model.Provenance
}

type fakeDetails struct {
	mu      sync.Mutex
	calls   []detailCall
	fail    map[int64]error // fail any batch containing this id
	missing map[int64]bool  // omit from response
}

func (f *fakeDetails) Questions(_ context.Context, ids []int64, prov model.Provenance) ([]upstream.Question, error) {
	f.mu.Lock()
	f.calls = append(f.calls, detailCall{ids: append([]int64(nil), ids...), prov: prov})
	f.mu.Unlock()
	var out []upstream.Question
	for _, id := range ids {
		if err := f.fail[id]; err != nil {
			return nil, err
		}
		if f.missing[id] {
			continue
		}
		out = append(out, upstream.Question{ID: id, Title: fmt.Sprintf("q%d", id)})
	}
	return out, nil
}

func ref(id int64, prov model.Provenance) model.QuestionRef {
	return model.QuestionRef{Key: model.Key{Source: model.SourceFamousBank, ID: id}, Provenance: prov}
}

func TestPlanBatchesGroupsByProvenance(t *testing.T) {
	p1 := model.Provenance{ClassID: 1, BookID: 1, ChapterID: 10}
	p1b := model.Provenance{ClassID: 1, BookID: 1, ChapterID: 11}
	p2 := model.Provenance{ClassID: 1, BookID: 2}
	refs := []model.QuestionRef{ref(1, p1), ref(2, p2), ref(3, p1b), ref(4, p1), ref(5, p2)}

	batches := planBatches(refs, 2)
	require.Len(t, batches, 3)
	assert.Equal(t, p1.BatchKey(), batches[0].prov)
	assert.Len(t, batches[0].refs, 2)
	assert.Equal(t, p1.BatchKey(), batches[1].prov)
	assert.Len(t, batches[1].refs, 1)
	assert.Equal(t, p2, batches[2].prov)
	assert.Len(t, batches[2].refs, 2)
}

func TestDetailerBatchesNeverMixProvenance(t *testing.T) {
	api := &fakeDetails{}
	var refs []model.QuestionRef
	for i := int64(1); i <= 120; i++ {
		refs = append(refs, ref(i, model.Provenance{ExamID: i % 2}))
	}

	results := NewDetailer(api, 50, 4).Fetch(context.Background(), refs)
	require.Len(t, results, 120)
	for _, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, fmt.Sprintf("q%d", r.Ref.ID), r.Detail.Title)
	}

	// 60 ids per provenance -> 50 + 10 each.
	assert.Len(t, api.calls, 4)
	for _, c := range api.calls {
		assert.LessOrEqual(t, len(c.ids), 50)
		for _, id := range c.ids {
			assert.Equal(t, id%2, c.prov.ExamID)
		}
	}
}

func TestDetailerPartialSuccess(t *testing.T) {
	api := &fakeDetails{missing: map[int64]bool{2: true}}
	refs := []model.QuestionRef{ref(1, model.Provenance{}), ref(2, model.Provenance{}), ref(3, model.Provenance{})}

	results := NewDetailer(api, 50, 1).Fetch(context.Background(), refs)
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, ErrMissingFromResponse)
	assert.Nil(t, results[1].Detail)
	assert.NoError(t, results[2].Err)
}

func TestDetailerFailedBatchIsIsolated(t *testing.T) {
	boom := errors.New("boom")
	api := &fakeDetails{fail: map[int64]error{1: boom}}
	refs := []model.QuestionRef{
		ref(1, model.Provenance{ExamID: 1}),
		ref(2, model.Provenance{ExamID: 1}),
		ref(3, model.Provenance{ExamID: 2}),
	}

	results := NewDetailer(api, 50, 2).Fetch(context.Background(), refs)
	byID := map[int64]DetailResult{}
	for _, r := range results {
		byID[r.Ref.ID] = r
	}
	assert.ErrorIs(t, byID[1].Err, boom)
	assert.ErrorIs(t, byID[2].Err, boom)
	assert.NoError(t, byID[3].Err)
}

func TestDetailerCanceledContext(t *testing.T) {
	api := &fakeDetails{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := NewDetailer(api, 1, 1).Fetch(ctx, []model.QuestionRef{ref(1, model.Provenance{}), ref(2, model.Provenance{})})
	require.Len(t, results, 2)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
	assert.Empty(t, api.calls)
}

type fakeComments struct {
	mu    sync.Mutex
	pages map[int64][][]string
	fail  map[int64]int // page number that fails
	calls map[int64][]int
}

func (f *fakeComments) Comments(_ context.Context, qid int64, page int) ([]upstream.Comment, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[int64][]int{}
	}
	f.calls[qid] = append(f.calls[qid], page)
	f.mu.Unlock()
	if f.fail[qid] == page {
		return nil, errors.New("page failed")
	}
	pages := f.pages[qid]
	if page > len(pages) {
		return nil, nil
	}
	var out []upstream.Comment
	for _, s := range pages[page-1] {
		out = append(out, upstream.Comment{Content: s})
	}
	return out, nil
}

func TestCommenterPagesUntilShortPage(t *testing.T) {
	api := &fakeComments{pages: map[int64][][]string{
		7: {{"a", "b"}, {"c", "d"}, {"e"}},
	}}
	set := NewCommenter(api, 2, 10, 1).Fetch(context.Background(), 7)
	assert.True(t, set.Complete)
	assert.NoError(t, set.Err)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, set.Texts)
	assert.Equal(t, []int{1, 2, 3}, api.calls[7])
}

func TestCommenterExactMultipleNeedsEmptyPage(t *testing.T) {
	api := &fakeComments{pages: map[int64][][]string{7: {{"a", "b"}}}}
	set := NewCommenter(api, 2, 10, 1).Fetch(context.Background(), 7)
	assert.True(t, set.Complete)
	assert.Equal(t, []string{"a", "b"}, set.Texts)
	assert.Equal(t, []int{1, 2}, api.calls[7])
}

func TestCommenterTruncatesOnFailure(t *testing.T) {
	api := &fakeComments{
		pages: map[int64][][]string{7: {{"a", "b"}, {"c", "d"}, {"e"}}},
		fail:  map[int64]int{7: 2},
	}
	set := NewCommenter(api, 2, 10, 1).Fetch(context.Background(), 7)
	assert.False(t, set.Complete)
	assert.Error(t, set.Err)
	assert.Equal(t, []string{"a", "b"}, set.Texts)
}

func TestCommenterPageLimit(t *testing.T) {
	api := &fakeComments{pages: map[int64][][]string{7: {{"a"}, {"b"}, {"c"}}}}
	set := NewCommenter(api, 1, 2, 1).Fetch(context.Background(), 7)
	assert.False(t, set.Complete)
	assert.ErrorIs(t, set.Err, ErrPageLimit)
	assert.Equal(t, []string{"a", "b"}, set.Texts)
}

func TestCommenterFetchAll(t *testing.T) {
	api := &fakeComments{
		pages: map[int64][][]string{1: {{"x"}}, 2: {{"y", " "}}},
		fail:  map[int64]int{3: 1},
	}
	sets := NewCommenter(api, 10, 5, 3).FetchAll(context.Background(), []int64{1, 2, 3})
	require.Len(t, sets, 3)
	assert.Equal(t, []string{"x"}, sets[1].Texts)
	assert.Equal(t, []string{"y"}, sets[2].Texts)
	assert.False(t, sets[3].Complete)
	assert.Empty(t, sets[3].Texts)

	var ids []int64
	for id := range api.calls {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	assert.Equal(t, []int64{1, 2, 3}, ids)
}

// inflight tracks the highest number of concurrent calls.
type inflight struct {
	mu   sync.Mutex
	cur  int
	peak int
}

func (f *inflight) enter() {
	f.mu.Lock()
	f.cur++
	if f.cur > f.peak {
		f.peak = f.cur
	}
	f.mu.Unlock()
}

func (f *inflight) leave() {
	f.mu.Lock()
	f.cur--
	f.mu.Unlock()
}

type slowDetails struct{ inflight }

func (s *slowDetails) Questions(_ context.Context, ids []int64, _ model.Provenance) ([]upstream.Question, error) {
	s.enter()
	defer s.leave()
	time.Sleep(5 * time.Millisecond)
	return lo.Map(ids, func(id int64, _ int) upstream.Question { return upstream.Question{ID: id} }), nil
}

type slowComments struct{ inflight }

func (s *slowComments) Comments(_ context.Context, qid int64, _ int) ([]upstream.Comment, error) {
	s.enter()
	defer s.leave()
	time.Sleep(5 * time.Millisecond)
	return []upstream.Comment{{Content: fmt.Sprintf("c%d", qid)}}, nil
}

func TestDetailerRespectsConcurrencyCap(t *testing.T) {
	api := &slowDetails{}
	var refs []model.QuestionRef
	for i := int64(1); i <= 24; i++ {
		refs = append(refs, ref(i, model.Provenance{}))
	}

	results := NewDetailer(api, 1, 3).Fetch(context.Background(), refs)
	require.Len(t, results, 24)
	assert.LessOrEqual(t, api.peak, 3)
	assert.GreaterOrEqual(t, api.peak, 1)
}

func TestCommenterRespectsConcurrencyCap(t *testing.T) {
	api := &slowComments{}
	ids := make([]int64, 16)
	for i := range ids {
		ids[i] = int64(i + 1)
	}

	sets := NewCommenter(api, 10, 5, 4).FetchAll(context.Background(), ids)
	require.Len(t, sets, 16)
	for _, id := range ids {
		assert.True(t, sets[id].Complete)
	}
	assert.LessOrEqual(t, api.peak, 4)
	assert.GreaterOrEqual(t, api.peak, 1)
}
