package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appI18n "github.com/pavelanni/errortk/internal/i18n"
	"github.com/pavelanni/errortk/internal/model"
	"github.com/pavelanni/errortk/internal/store"
)

type fakeRunner struct {
	got model.SyncConfig
	sum *model.Summary
	err error
}

func (f *fakeRunner) Run(_ context.Context, cfg model.SyncConfig) (*model.Summary, error) {
	f.got = cfg
	return f.sum, f.err
}

// blockingRunner holds each run until its context is canceled.
type blockingRunner struct {
	started  chan struct{}
	finished atomic.Bool
}

func (b *blockingRunner) Run(ctx context.Context, _ model.SyncConfig) (*model.Summary, error) {
	close(b.started)
	<-ctx.Done()
	time.Sleep(20 * time.Millisecond) // merge and save
	b.finished.Store(true)
	return &model.Summary{RunID: "r2", Canceled: true}, nil
}

type testServer struct {
	srv     *httptest.Server
	h       *Handler
	docs    *store.FileStore
	journal *store.Journal
	runner  *fakeRunner
}

func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()
	runner := &fakeRunner{sum: &model.Summary{RunID: "r1", Sources: []model.SourceReport{{Source: model.SourceRealExam}}}}
	ts := newTestServerWith(t, runner, Config{Sync: model.DefaultSyncConfig(), APIToken: token})
	ts.runner = runner
	return ts
}

func newTestServerWith(t *testing.T, runner Runner, cfg Config) *testServer {
	t.Helper()
	require.NoError(t, appI18n.Init("en"))

	docs := store.NewFileStore(filepath.Join(t.TempDir(), "errors.json"))
	j, err := store.NewJournal(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	h, err := New(docs, runner, j, cfg)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(appI18n.Middleware("en"))
	h.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, h: h, docs: docs, journal: j}
}

func (ts *testServer) seed(t *testing.T) {
	t.Helper()
	doc := model.NewDocument()
	add := func(st model.SourceType, id int64, status model.UserStatus) {
		doc.Items[model.Key{Source: st, ID: id}] = &model.ErrorItem{ID: id, Source: st, UserStatus: status, Content: "q"}
	}
	add(model.SourceFamousBank, 139904, model.StatusNew)
	add(model.SourceRealExam, 45327, model.StatusReviewing)
	add(model.SourceRealExam, 45328, model.StatusMastered)
	add(model.SourceSimulation, 147851, model.StatusNew)
	require.NoError(t, ts.docs.Save(doc, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)))
}

func (ts *testServer) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(ts.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (ts *testServer) post(t *testing.T, path, token string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp, body
}

func TestStatusWithoutDocument(t *testing.T) {
	ts := newTestServer(t, "")

	var resp statusResponse
	require.Equal(t, http.StatusOK, ts.get(t, "/status", &resp))
	assert.False(t, resp.Exists)
	assert.False(t, resp.Locked)
	assert.Len(t, resp.Counts, 3)
	assert.Zero(t, resp.Counts[model.SourceRealExam].Total)
}

func TestStatusCounts(t *testing.T) {
	ts := newTestServer(t, "")
	ts.seed(t)
	started := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, ts.journal.RecordRun(&model.Summary{
		RunID:      "r0",
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
		Sources:    []model.SourceReport{{Source: model.SourceRealExam, Discovered: 2}},
	}, ts.docs.Path()))

	var resp statusResponse
	require.Equal(t, http.StatusOK, ts.get(t, "/status", &resp))
	assert.True(t, resp.Exists)
	assert.Equal(t, "2", resp.Meta.Version)
	assert.Equal(t, sourceCounts{Total: 2, Reviewing: 1, Mastered: 1}, *resp.Counts[model.SourceRealExam])
	assert.Equal(t, sourceCounts{Total: 1, New: 1}, *resp.Counts[model.SourceFamousBank])
	assert.Equal(t, 1, resp.Runs)
	require.NotNil(t, resp.LastGood)
	assert.Equal(t, "r0", resp.LastGood.RunID)
}

func TestListItemsFilters(t *testing.T) {
	ts := newTestServer(t, "")
	ts.seed(t)

	var all []model.ErrorItem
	require.Equal(t, http.StatusOK, ts.get(t, "/items", &all))
	require.Len(t, all, 4)
	assert.Equal(t, model.SourceSimulation, all[0].Source)
	assert.Equal(t, model.SourceFamousBank, all[3].Source)

	var exams []model.ErrorItem
	require.Equal(t, http.StatusOK, ts.get(t, "/items?source=exam", &exams))
	require.Len(t, exams, 2)
	assert.Equal(t, int64(45327), exams[0].ID)

	var mastered []model.ErrorItem
	require.Equal(t, http.StatusOK, ts.get(t, "/items?status=mastered", &mastered))
	require.Len(t, mastered, 1)
	assert.Equal(t, int64(45328), mastered[0].ID)

	assert.Equal(t, http.StatusBadRequest, ts.get(t, "/items?source=nope", nil))
	assert.Equal(t, http.StatusBadRequest, ts.get(t, "/items?status=forgotten", nil))
}

func TestGetItem(t *testing.T) {
	ts := newTestServer(t, "")
	ts.seed(t)

	var it model.ErrorItem
	require.Equal(t, http.StatusOK, ts.get(t, "/items/famous/139904", &it))
	assert.Equal(t, int64(139904), it.ID)

	var e map[string]string
	assert.Equal(t, http.StatusNotFound, ts.get(t, "/items/real/139904", &e))
	assert.Equal(t, "Item not found.", e["error"])
	assert.Equal(t, http.StatusBadRequest, ts.get(t, "/items/real/abc", nil))
}

func TestSyncPassesOverrides(t *testing.T) {
	ts := newTestServer(t, "")

	resp, body := ts.post(t, "/sync?sources=real,teacher&incremental=true&comments=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "Sync completed successfully.", body["message"])
	assert.Equal(t, []model.SourceType{model.SourceRealExam, model.SourceFamousBank}, ts.runner.got.Sources)
	assert.True(t, ts.runner.got.Incremental)
	assert.True(t, ts.runner.got.IncludeComments)
	assert.Equal(t, 50, ts.runner.got.BatchSize)

	resp, _ = ts.post(t, "/sync?incremental=maybe", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSyncConflictWhenLocked(t *testing.T) {
	ts := newTestServer(t, "")
	ts.runner.err = store.ErrLocked

	resp, body := ts.post(t, "/sync", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "Another sync is already running.", body["error"])
}

func TestShutdownCancelsAndAwaitsRuns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner := &blockingRunner{started: make(chan struct{})}
	ts := newTestServerWith(t, runner, Config{Sync: model.DefaultSyncConfig(), RunContext: ctx})

	statusCh := make(chan int, 1)
	go func() {
		resp, err := http.Post(ts.srv.URL+"/sync", "", nil)
		if err != nil {
			statusCh <- 0
			return
		}
		resp.Body.Close()
		statusCh <- resp.StatusCode
	}()

	<-runner.started
	cancel()
	ts.h.Wait()
	assert.True(t, runner.finished.Load(), "Wait returned before the run finished")
	assert.Equal(t, http.StatusOK, <-statusCh)

	resp, body := ts.post(t, "/sync", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "The server is shutting down.", body["error"])
}

func TestSyncRequiresToken(t *testing.T) {
	ts := newTestServer(t, "s3cret")

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusForbidden},
		{"right", "s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := ts.post(t, "/sync", tt.token)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}

	// Reads stay open.
	assert.Equal(t, http.StatusOK, ts.get(t, "/status", nil))
}

func TestRunsListing(t *testing.T) {
	ts := newTestServer(t, "")
	var runs []model.Summary
	require.Equal(t, http.StatusOK, ts.get(t, "/runs", &runs))
	assert.Empty(t, runs)
	assert.Equal(t, http.StatusBadRequest, ts.get(t, "/runs?limit=x", nil))
}

func TestStatusReportsCorruptStore(t *testing.T) {
	ts := newTestServer(t, "")
	require.NoError(t, writeFile(ts.docs.Path(), "garbage"))

	var e map[string]string
	assert.Equal(t, http.StatusInternalServerError, ts.get(t, "/status", &e))
	assert.True(t, strings.Contains(e["error"], "unreadable"))
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
