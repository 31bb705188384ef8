package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/samber/lo"
	"golang.org/x/time/rate"

	"github.com/pavelanni/errortk/internal/model"
)

// DefaultBaseURL is the quiz platform API root; versioned paths are appended.
const DefaultBaseURL = "https://52kaoyan.top/api"

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// Config controls how the client talks to the platform.
type Config struct {
	BaseURL        string
	Token          string
	UserAgent      string
	RequestTimeout time.Duration
	RatePerSecond  float64 // 0 disables pacing
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns the pacing and retry settings used by the CLI.
func DefaultConfig() Config {
	return Config{
		BaseURL:        DefaultBaseURL,
		UserAgent:      defaultUserAgent,
		RequestTimeout: 15 * time.Second,
		RatePerSecond:  5,
		MaxAttempts:    4,
		BaseBackoff:    500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
	}
}

// Client issues authenticated GET requests against the platform. It is safe
// for concurrent use; all callers share one rate limiter.
type Client struct {
	http    *http.Client
	base    *url.URL
	cfg     Config
	limiter *rate.Limiter
}

// New creates a new upstream client.
func New(cfg Config) (*Client, error) {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return &Client{
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		base:    base,
		cfg:     cfg,
		limiter: limiter,
	}, nil
}

// SimulationPapers lists simulation paper sets containing wrong answers.
func (c *Client) SimulationPapers(ctx context.Context) ([]SimulationPaper, error) {
	var out []SimulationPaper
	err := c.get(ctx, "v2", "/tk/getError", errorTypeParams(model.SourceSimulation), &out)
	return out, err
}

// RealExams lists real exams containing wrong answers.
func (c *Client) RealExams(ctx context.Context) ([]RealExamPaper, error) {
	var out []RealExamPaper
	err := c.get(ctx, "v2", "/tk/getError", errorTypeParams(model.SourceRealExam), &out)
	return out, err
}

// FamousClasses lists question-bank classes with pending errors.
func (c *Client) FamousClasses(ctx context.Context) ([]FamousClass, error) {
	var out []FamousClass
	err := c.get(ctx, "v2", "/tk/getError", errorTypeParams(model.SourceFamousBank), &out)
	return out, err
}

// FamousBooks lists the books of a class.
func (c *Client) FamousBooks(ctx context.Context, classID int64) ([]Book, error) {
	var out []Book
	params := url.Values{"classId": {strconv.FormatInt(classID, 10)}}
	err := c.get(ctx, "v1", "/tk/famousTk/getBooks", params, &out)
	return out, err
}

// FamousChapters returns the chapter groups of wrong questions in one book.
func (c *Client) FamousChapters(ctx context.Context, classID, bookID int64) ([]FamousChapter, error) {
	var out []FamousChapter
	params := url.Values{
		"classId": {strconv.FormatInt(classID, 10)},
		"bookId":  {strconv.FormatInt(bookID, 10)},
	}
	err := c.get(ctx, "v1", "/tk/getFamousByError", params, &out)
	return out, err
}

// Questions fetches the bodies of the given ids. All ids must share prov.
func (c *Client) Questions(ctx context.Context, ids []int64, prov model.Provenance) ([]Question, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	params := provenanceParams(prov)
	params.Set("qids", strings.Join(lo.Map(ids, func(id int64, _ int) string {
		return strconv.FormatInt(id, 10)
	}), ","))
	var out []Question
	err := c.get(ctx, "v1", "/tk/getQuestions", params, &out)
	return out, err
}

// Comments fetches one page (1-based) of discussion notes for a question.
func (c *Client) Comments(ctx context.Context, questionID int64, page int) ([]Comment, error) {
	var out []Comment
	params := url.Values{
		"qid":  {strconv.FormatInt(questionID, 10)},
		"page": {strconv.Itoa(page)},
	}
	err := c.get(ctx, "v1", "/note/getAll", params, &out)
	return out, err
}

func errorTypeParams(st model.SourceType) url.Values {
	return url.Values{"type": {strconv.Itoa(st.UpstreamErrorType())}}
}

func provenanceParams(p model.Provenance) url.Values {
	v := url.Values{}
	set := func(k string, n int64) {
		if n != 0 {
			v.Set(k, strconv.FormatInt(n, 10))
		}
	}
	set("examId", p.ExamID)
	set("teacherId", p.TeacherID)
	set("classId", p.ClassID)
	set("bookId", p.BookID)
	return v
}

// get performs a GET with pacing and bounded exponential retry. Both
// transport and domain failures are retried; a done ctx stops retrying.
func (c *Client) get(ctx context.Context, version, path string, params url.Values, out any) error {
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := c.do(ctx, version, path, params, out)
		if err != nil && ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, delay time.Duration) {
			slog.Debug("retrying upstream request", "path", path, "attempt", attempts+1, "delay", delay, "error", err)
		}),
	)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		switch {
		case errors.Is(err, ctxErr) && IsTransport(err):
			return err
		case errors.Is(err, ctxErr):
			return &TransportError{Path: path, Err: err}
		default:
			return &TransportError{Path: path, Err: fmt.Errorf("%w (last error: %v)", ctxErr, err)}
		}
	}
	return &ScheduleError{Path: path, Attempts: attempts, Last: err}
}

// newBackOff returns the delay policy for one request: doubling from
// BaseBackoff up to MaxBackoff with 20% jitter.
func (c *Client) newBackOff() backoff.BackOff {
	if c.cfg.BaseBackoff <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.BaseBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	if b.InitialInterval > b.MaxInterval {
		b.InitialInterval = b.MaxInterval
	}
	b.Reset()
	return b
}

func (c *Client) do(ctx context.Context, version, path string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &TransportError{Path: path, Err: err}
	}

	u := *c.base
	u.Path = u.Path + "/" + version + path
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return &TransportError{Path: path, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	slog.Debug("upstream request", "url", u.Path, "params", u.RawQuery)
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Path: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransportError{Path: path, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &TransportError{Path: path, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode envelope: %w", err)}
	}
	if env.Code != http.StatusOK {
		return &DomainError{Path: path, Code: env.Code, Msg: env.message()}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &TransportError{Path: path, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode data: %w", err)}
	}
	return nil
}
