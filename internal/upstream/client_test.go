package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/errortk/internal/model"
)

func writeEnvelope(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "data": data, "msg": "", "error": nil})
}

func newTestClient(t *testing.T, r http.Handler, attempts int) *Client {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	c, err := New(Config{
		BaseURL:     srv.URL + "/api",
		Token:       "secret",
		MaxAttempts: attempts,
	})
	require.NoError(t, err)
	return c
}

func TestSimulationPapersDecodesEnvelope(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/v2/tk/getError", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "5", r.URL.Query().Get("type"))
		writeEnvelope(w, 200, []map[string]any{{
			"id":   7,
			"name": "26曲艺3+1",
			"list": []map[string]any{{"id": 70, "name": "卷一", "qids": "147851,147852"}},
		}})
	})
	c := newTestClient(t, r, 1)

	papers, err := c.SimulationPapers(context.Background())
	require.NoError(t, err)
	require.Len(t, papers, 1)
	assert.Equal(t, "26曲艺3+1", papers[0].Name)
	require.Len(t, papers[0].List, 1)
	assert.Equal(t, FlexString("147851,147852"), papers[0].List[0].QIDs)
}

func TestDomainErrorIsRetriedThenReported(t *testing.T) {
	var calls atomic.Int32
	r := chi.NewRouter()
	r.Get("/api/v2/tk/getError", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":401,"data":null,"msg":"token expired","error":null}`))
	})
	c := newTestClient(t, r, 3)

	_, err := c.RealExams(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())

	var se *ScheduleError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 3, se.Attempts)

	var de *DomainError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 401, de.Code)
	assert.Equal(t, "token expired", de.Msg)
	assert.True(t, IsDomain(err))
	assert.False(t, IsTransport(err))
}

func TestTransportErrorRecovers(t *testing.T) {
	var calls atomic.Int32
	r := chi.NewRouter()
	r.Get("/api/v1/tk/getQuestions", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		assert.Equal(t, "1,2", r.URL.Query().Get("qids"))
		assert.Equal(t, "25705", r.URL.Query().Get("classId"))
		assert.Equal(t, "3", r.URL.Query().Get("bookId"))
		assert.Empty(t, r.URL.Query().Get("examId"))
		writeEnvelope(w, 200, []map[string]any{
			{"id": 1, "title": "q1", "a": "x", "correct": 1},
			{"id": 2, "title": "q2", "a": "y", "correct": "A,C"},
		})
	})
	c := newTestClient(t, r, 2)

	qs, err := c.Questions(context.Background(), []int64{1, 2}, model.Provenance{ClassID: 25705, BookID: 3, ChapterID: 99})
	require.NoError(t, err)
	require.Len(t, qs, 2)
	assert.Equal(t, FlexString("1"), qs[0].Correct)
	assert.Equal(t, FlexString("A,C"), qs[1].Correct)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTransportErrorCarriesStatus(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/v1/note/getAll", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	})
	c := newTestClient(t, r, 1)

	_, err := c.Comments(context.Background(), 1, 1)
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
}

func TestNullDataIsEmpty(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/v1/tk/famousTk/getBooks", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "9", r.URL.Query().Get("classId"))
		writeEnvelope(w, 200, nil)
	})
	c := newTestClient(t, r, 1)

	books, err := c.FamousBooks(context.Background(), 9)
	require.NoError(t, err)
	assert.Empty(t, books)
}

func TestQuestionsWithNoIDsMakesNoRequest(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s", r.URL)
	})
	c := newTestClient(t, r, 1)

	qs, err := c.Questions(context.Background(), nil, model.Provenance{})
	require.NoError(t, err)
	assert.Nil(t, qs)
}

func TestCanceledContextStopsRetrying(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/v2/tk/getError", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/api", MaxAttempts: 10, BaseBackoff: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = c.FamousClasses(ctx)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestFlexString(t *testing.T) {
	tests := []struct {
		in   string
		want FlexString
	}{
		{`"147851,147852"`, "147851,147852"},
		{`147851`, "147851"},
		{`null`, ""},
		{`" 13 "`, "13"},
	}
	for _, tt := range tests {
		var f FlexString
		require.NoError(t, json.Unmarshal([]byte(tt.in), &f), tt.in)
		assert.Equal(t, tt.want, f, tt.in)
	}
}

func TestRateLimitPacesConcurrentCallers(t *testing.T) {
	var calls atomic.Int32
	r := chi.NewRouter()
	r.Get("/api/v1/note/getAll", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeEnvelope(w, 200, []map[string]any{})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/api", MaxAttempts: 1, RatePerSecond: 20})
	require.NoError(t, err)

	const callers = 6
	start := time.Now()
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Comments(context.Background(), int64(i+1), 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// One token up front, then one every 50ms for the other five.
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, int32(callers), calls.Load())
}

func TestRetryBacksOffBetweenAttempts(t *testing.T) {
	var stamps []time.Time
	var mu sync.Mutex
	r := chi.NewRouter()
	r.Get("/api/v2/tk/getError", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		http.Error(w, "down", http.StatusBadGateway)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/api", MaxAttempts: 3, BaseBackoff: 40 * time.Millisecond, MaxBackoff: time.Second})
	require.NoError(t, err)

	_, err = c.SimulationPapers(context.Background())
	var se *ScheduleError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 3, se.Attempts)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, stamps, 3)
	// 20% jitter around 40ms, then around 80ms.
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 30*time.Millisecond)
	assert.GreaterOrEqual(t, stamps[2].Sub(stamps[1]), 60*time.Millisecond)
}
