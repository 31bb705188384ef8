package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pavelanni/errortk/internal/handler"
	appI18n "github.com/pavelanni/errortk/internal/i18n"
	"github.com/pavelanni/errortk/internal/model"
	"github.com/pavelanni/errortk/internal/store"
	"github.com/pavelanni/errortk/internal/syncer"
	"github.com/pavelanni/errortk/internal/upstream"
)

// errRunFailed makes the process exit non-zero after the summary was printed.
var errRunFailed = errors.New("sync reported failures")

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: read .env: %v\n", err)
	}
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "errortk",
		Short:        "Sync wrong-answer questions from the quiz platform into a local review file",
		SilenceUsage: true,
	}

	sync := syncCmd()
	root.AddCommand(sync, serveCmd(), historyCmd())

	// Make "sync" the default when no subcommand is given.
	root.RunE = sync.RunE

	// Register sync flags on root so bare `errortk --incremental` still works.
	root.Flags().AddFlagSet(sync.Flags())

	return root
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch wrong questions and merge them into the store",
		RunE:  runSync,
	}
	addSyncFlags(cmd.Flags())
	addLogFlags(cmd.Flags())
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve store status over HTTP and accept sync requests",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("api-token", "", "Bearer token required for POST /sync (empty disables the check)")
	addSyncFlags(f)
	addLogFlags(f)
	return cmd
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded sync runs",
		RunE:  runHistory,
	}
	f := cmd.Flags()
	f.String("journal", "data/errortk.db", "SQLite sync journal path")
	f.IntP("limit", "n", 20, "Number of runs to show (0 = all)")
	f.Bool("json", false, "Print runs as JSON")
	f.StringP("lang", "l", "en", "Output language (en, zh)")
	addLogFlags(f)
	return cmd
}

func addSyncFlags(f *pflag.FlagSet) {
	def := model.DefaultSyncConfig()
	up := upstream.DefaultConfig()
	f.StringP("file", "f", "data/errors.json", "Store document path")
	f.String("token", "", "Bearer token for the quiz platform (or set TOKEN)")
	f.String("base-url", up.BaseURL, "Quiz platform API root")
	f.StringSliceP("sources", "s", nil, "Sources to sync: simulation, real, famous (default all)")
	f.BoolP("comments", "c", false, "Also fetch discussion comments")
	f.BoolP("incremental", "i", false, "Skip questions already in the store")
	f.Int("batch-size", def.BatchSize, "Question ids per detail request")
	f.Int("concurrency", def.Concurrency, "Concurrent detail requests per source")
	f.Int("comment-concurrency", def.CommentConcurrency, "Concurrent comment fetches per source")
	f.Int("comment-page-size", def.CommentPageSize, "Comments per upstream page")
	f.Int("comment-max-pages", def.CommentMaxPages, "Maximum comment pages per question")
	f.Float64("rate", up.RatePerSecond, "Upstream requests per second (0 = unlimited)")
	f.Int("retries", up.MaxAttempts, "Attempts per upstream request")
	f.Duration("backoff", up.BaseBackoff, "Initial retry backoff")
	f.Duration("request-timeout", up.RequestTimeout, "Timeout for a single upstream request")
	f.Duration("timeout", def.Timeout, "Overall run timeout (0 = none)")
	f.String("journal", "data/errortk.db", "SQLite sync journal path (empty disables)")
	f.StringP("lang", "l", "en", "Output language (en, zh)")
}

func addLogFlags(f *pflag.FlagSet) {
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// legacyEnv maps config keys to the unprefixed variables the first scraper read.
var legacyEnv = map[string]string{
	"token":       "TOKEN",
	"batch-size":  "BATCH_SIZE",
	"comments":    "INCLUDE_COMMENTS",
	"incremental": "INCREMENTAL",
	"sources":     "SOURCES",
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("ERRORTK")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if cmd.Flags().Lookup(key) == nil {
			continue
		}
		_ = v.BindEnv(key, "ERRORTK_"+strings.ToUpper(strings.ReplaceAll(key, "-", "_")), env)
	}

	v.SetConfigName("errortk")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/errortk")
	v.AddConfigPath("/etc/errortk")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func syncConfigFrom(v *viper.Viper) (model.SyncConfig, error) {
	sources, err := model.ParseSources(v.GetStringSlice("sources"))
	if err != nil {
		return model.SyncConfig{}, err
	}
	return model.SyncConfig{
		Sources:            sources,
		IncludeComments:    v.GetBool("comments"),
		Incremental:        v.GetBool("incremental"),
		BatchSize:          v.GetInt("batch-size"),
		Concurrency:        v.GetInt("concurrency"),
		CommentConcurrency: v.GetInt("comment-concurrency"),
		CommentPageSize:    v.GetInt("comment-page-size"),
		CommentMaxPages:    v.GetInt("comment-max-pages"),
		Timeout:            v.GetDuration("timeout"),
	}, nil
}

func upstreamConfigFrom(v *viper.Viper) (upstream.Config, error) {
	token := strings.TrimSpace(v.GetString("token"))
	if token == "" {
		return upstream.Config{}, errors.New("platform token is required: set --token, ERRORTK_TOKEN or TOKEN")
	}
	cfg := upstream.DefaultConfig()
	cfg.BaseURL = v.GetString("base-url")
	cfg.Token = token
	cfg.RatePerSecond = v.GetFloat64("rate")
	cfg.MaxAttempts = v.GetInt("retries")
	cfg.BaseBackoff = v.GetDuration("backoff")
	cfg.RequestTimeout = v.GetDuration("request-timeout")
	return cfg, nil
}

// openJournal returns nil when the journal is disabled.
func openJournal(v *viper.Viper) (*store.Journal, error) {
	path := v.GetString("journal")
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	j, err := store.NewJournal(path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return j, nil
}

// newEngine wires the upstream client, store and journal. The returned
// cleanup closes the journal.
func newEngine(v *viper.Viper) (*syncer.Engine, *store.FileStore, *store.Journal, func(), error) {
	upCfg, err := upstreamConfigFrom(v)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	client, err := upstream.New(upCfg)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("create upstream client: %w", err)
	}

	docs := store.NewFileStore(v.GetString("file"))
	journal, err := openJournal(v)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	cleanup := func() {}
	// A nil *store.Journal must not become a non-nil syncer.Journal.
	var rec syncer.Journal
	if journal != nil {
		rec = journal
		cleanup = func() { journal.Close() }
	}
	return syncer.New(client, docs, rec), docs, journal, cleanup, nil
}

func runSync(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	cfg, err := syncConfigFrom(v)
	if err != nil {
		return fmt.Errorf("parse sources: %w", err)
	}
	engine, _, _, cleanup, err := newEngine(v)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sum, err := engine.Run(ctx, cfg)
	if sum != nil {
		appI18n.WriteSummary(appI18n.WithLocalizer(ctx, appI18n.NewLocalizer(lang)), cmd.OutOrStdout(), sum)
	}
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if !sum.OK() {
		return errRunFailed
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	cfg, err := syncConfigFrom(v)
	if err != nil {
		return fmt.Errorf("parse sources: %w", err)
	}
	engine, docs, journal, cleanup, err := newEngine(v)
	if err != nil {
		return err
	}
	defer cleanup()

	var history handler.History
	if journal != nil {
		history = journal
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h, err := handler.New(docs, engine, history, handler.Config{
		Sync:       cfg,
		APIToken:   v.GetString("api-token"),
		RunContext: ctx,
	})
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	slog.Info("starting server",
		"addr", addr,
		"store", docs.Path(),
		"journal", v.GetString("journal"),
		"lang", lang,
		"sources", cfg.Sources,
		"token_required", v.GetString("api-token") != "",
	)

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		// Canceled runs still merge and save what they fetched; the store
		// lock is released only when they return.
		h.Wait()
		return err
	case err := <-errCh:
		stop()
		h.Wait()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func runHistory(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	journal, err := openJournal(v)
	if err != nil {
		return err
	}
	if journal == nil {
		return errors.New("journal path is empty")
	}
	defer journal.Close()

	runs, err := journal.ExportRuns(v.GetInt("limit"))
	if err != nil {
		return fmt.Errorf("export runs: %w", err)
	}

	w := cmd.OutOrStdout()
	if v.GetBool("json") {
		out := make([]model.Summary, 0, len(runs))
		for _, r := range runs {
			out = append(out, r.Summary)
		}
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		return nil
	}

	entries := make([]appI18n.HistoryEntry, 0, len(runs))
	for _, r := range runs {
		entries = append(entries, appI18n.HistoryEntry{ID: r.ID, OK: r.OK, Summary: r.Summary})
	}
	ctx := appI18n.WithLocalizer(cmd.Context(), appI18n.NewLocalizer(lang))
	appI18n.WriteHistory(ctx, w, entries)
	return nil
}
