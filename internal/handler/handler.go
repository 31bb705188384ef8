package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	appI18n "github.com/pavelanni/errortk/internal/i18n"
	"github.com/pavelanni/errortk/internal/model"
	"github.com/pavelanni/errortk/internal/store"
)

// Runner performs a sync run.
type Runner interface {
	Run(ctx context.Context, cfg model.SyncConfig) (*model.Summary, error)
}

// Documents gives read access to the stored document.
type Documents interface {
	Path() string
	Load() (*model.Document, error)
	Locked() bool
}

// History lists recorded runs. It may be nil.
type History interface {
	ListRuns(limit int) ([]store.Run, error)
	LastSuccessfulRun() (*store.Run, error)
	RunCount() (int, error)
}

// Config holds the serve-time settings.
type Config struct {
	// Sync is the base configuration for POST /sync; query parameters may
	// override sources, comments and incremental.
	Sync model.SyncConfig
	// APIToken, when set, is required as a bearer token on POST /sync.
	APIToken string
	// RunContext bounds API-triggered runs. It should live as long as the
	// server and be canceled on shutdown so runs stop and save. Defaults to
	// context.Background().
	RunContext context.Context
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	docs    Documents
	runner  Runner
	history History
	config  Config

	runs sync.WaitGroup
}

// New creates a new Handler.
func New(docs Documents, runner Runner, history History, cfg Config) (*Handler, error) {
	if docs == nil || runner == nil {
		return nil, errors.New("handler needs a document store and a runner")
	}
	if cfg.RunContext == nil {
		cfg.RunContext = context.Background()
	}
	return &Handler{docs: docs, runner: runner, history: history, config: cfg}, nil
}

// Wait blocks until every sync run started through the API has returned.
func (h *Handler) Wait() {
	h.runs.Wait()
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/status", h.handleStatus)
	r.Get("/items", h.handleListItems)
	r.Get("/items/{source}/{id}", h.handleGetItem)
	r.Get("/runs", h.handleListRuns)
	r.With(h.requireToken).Post("/sync", h.handleSync)
}

type sourceCounts struct {
	Total     int `json:"total"`
	New       int `json:"new"`
	Reviewing int `json:"reviewing"`
	Mastered  int `json:"mastered"`
}

type statusResponse struct {
	Path     string                             `json:"path"`
	Exists   bool                               `json:"exists"`
	Meta     model.Meta                         `json:"meta"`
	Locked   bool                               `json:"locked"`
	Counts   map[model.SourceType]*sourceCounts `json:"counts"`
	Runs     int                                `json:"runs"`
	LastGood *model.Summary                     `json:"last_successful_run,omitempty"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	doc, exists, err := h.load()
	if err != nil {
		h.storeError(w, r, err)
		return
	}

	resp := statusResponse{
		Path:   h.docs.Path(),
		Exists: exists,
		Meta:   doc.Meta,
		Locked: h.docs.Locked(),
		Counts: make(map[model.SourceType]*sourceCounts, len(model.AllSources)),
	}
	for _, st := range model.AllSources {
		resp.Counts[st] = &sourceCounts{}
	}
	for _, it := range doc.Items {
		c, ok := resp.Counts[it.Source]
		if !ok {
			continue
		}
		c.Total++
		switch it.UserStatus {
		case model.StatusReviewing:
			c.Reviewing++
		case model.StatusMastered:
			c.Mastered++
		default:
			c.New++
		}
	}

	if h.history != nil {
		if n, err := h.history.RunCount(); err != nil {
			slog.Warn("count sync runs", "error", err)
		} else {
			resp.Runs = n
		}
		last, err := h.history.LastSuccessfulRun()
		if err != nil {
			slog.Warn("read last successful run", "error", err)
		} else if last != nil {
			resp.LastGood = &last.Summary
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleListItems(w http.ResponseWriter, r *http.Request) {
	var sources []model.SourceType
	if s := r.URL.Query().Get("source"); s != "" {
		st, err := model.ParseSourceType(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		sources = []model.SourceType{st}
	}
	status := model.UserStatus(strings.ToLower(r.URL.Query().Get("status")))
	switch status {
	case "", model.StatusNew, model.StatusReviewing, model.StatusMastered:
	default:
		writeError(w, http.StatusBadRequest, appI18n.T(r.Context(), "BadRequest"))
		return
	}

	doc, _, err := h.load()
	if err != nil {
		h.storeError(w, r, err)
		return
	}

	items := make([]*model.ErrorItem, 0, len(doc.Items))
	for _, it := range doc.Items {
		if len(sources) > 0 && it.Source != sources[0] {
			continue
		}
		if status != "" && it.UserStatus != status {
			continue
		}
		items = append(items, it)
	}
	order := make(map[model.SourceType]int, len(model.AllSources))
	for i, st := range model.AllSources {
		order[st] = i
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Source != items[j].Source {
			return order[items[i].Source] < order[items[j].Source]
		}
		return items[i].ID < items[j].ID
	})
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) handleGetItem(w http.ResponseWriter, r *http.Request) {
	st, err := model.ParseSourceType(chi.URLParam(r, "source"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid item ID")
		return
	}

	doc, _, err := h.load()
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	it, ok := doc.Items[model.Key{Source: st, ID: id}]
	if !ok {
		writeError(w, http.StatusNotFound, appI18n.T(r.Context(), "ItemNotFound"))
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusOK, []model.Summary{})
		return
	}
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	runs, err := h.history.ListRuns(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]model.Summary, 0, len(runs))
	for _, run := range runs {
		out = append(out, run.Summary)
	}
	writeJSON(w, http.StatusOK, out)
}

type syncResponse struct {
	OK      bool           `json:"ok"`
	Message string         `json:"message"`
	Summary *model.Summary `json:"summary"`
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	cfg := h.config.Sync
	q := r.URL.Query()
	if s := q.Get("sources"); s != "" {
		sources, err := model.ParseSources([]string{s})
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		cfg.Sources = sources
	}
	for name, dst := range map[string]*bool{"incremental": &cfg.Incremental, "comments": &cfg.IncludeComments} {
		if s := q.Get(name); s != "" {
			v, err := strconv.ParseBool(s)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid "+name)
				return
			}
			*dst = v
		}
	}

	if h.config.RunContext.Err() != nil {
		writeError(w, http.StatusServiceUnavailable, appI18n.T(r.Context(), "ShuttingDown"))
		return
	}
	h.runs.Add(1)
	defer h.runs.Done()

	// The run follows the server's lifetime, not the request: a client
	// hanging up must not cut it short.
	sum, err := h.runner.Run(h.config.RunContext, cfg)
	if errors.Is(err, store.ErrLocked) {
		writeError(w, http.StatusConflict, appI18n.T(r.Context(), "StoreLocked"))
		return
	}
	if err != nil {
		slog.Error("sync via API failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{
		OK:      sum.OK(),
		Message: appI18n.Outcome(r.Context(), sum),
		Summary: sum,
	})
}

// load returns the stored document, or an empty one if none exists yet.
func (h *Handler) load() (*model.Document, bool, error) {
	doc, err := h.docs.Load()
	if errors.Is(err, store.ErrNotFound) {
		return model.NewDocument(), false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

func (h *Handler) storeError(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("load store", "path", h.docs.Path(), "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		slog.Error("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
