package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/examscan/internal/dedupe"
	"github.com/pavelanni/examscan/internal/handler"
	appI18n "github.com/pavelanni/examscan/internal/i18n"
	"github.com/pavelanni/examscan/internal/imaging"
	"github.com/pavelanni/examscan/internal/ingest"
	"github.com/pavelanni/examscan/internal/metrics"
	"github.com/pavelanni/examscan/internal/pdf"
	"github.com/pavelanni/examscan/internal/quality"
	"github.com/pavelanni/examscan/internal/session"
	"github.com/pavelanni/examscan/internal/store"
	"github.com/pavelanni/examscan/internal/watcher"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the capture server and scanner folder watcher",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "examscan.db", "SQLite database path")
	f.String("work-dir", "work", "Directory for page images of open answer copies")
	f.String("output-dir", "pdfs", "Directory for finished PDFs")
	f.String("page-size", "", "PDF paper size such as A4 or Letter (empty = image size)")
	f.StringP("lang", "l", "en", "Default message language (en, ru)")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /scan)")
	f.String("operator-user", "operator", "Operator user name for HTTP Basic auth")
	f.String("operator-password", "", "Operator password (or set EXAMSCAN_OPERATOR_PASSWORD); empty disables auth")
	f.Int64("max-upload-mb", 25, "Largest accepted upload in megabytes")

	f.String("watch-dir", "", "Scanner output folder to ingest from (empty disables)")
	f.Duration("watch-interval", 2*time.Second, "Scanner folder poll interval")
	f.Duration("watch-stable", 2*time.Second, "How long a file must stay unchanged before ingestion")
	f.Duration("watch-stale-after", 2*time.Minute, "Give up on files still changing after this long")
	f.Bool("watch-cleanup", false, "Delete ingested scanner files after a successful completion")
	f.Bool("auto-check", true, "Auto-check each page as it is added")
	f.Bool("auto-split", false, "Split detected two-page spreads during auto-check")

	d := quality.DefaultThresholds()
	f.Int("min-short", d.FloorShort, "Reject images whose short side is below this")
	f.Int("min-long", d.FloorLong, "Reject images whose long side is below this")
	f.Int("recommended-short", d.RecommendedShort, "Warn when the short side is below this")
	f.Int("recommended-long", d.RecommendedLong, "Warn when the long side is below this")
	f.Float64("blur-threshold", d.BlurThreshold, "Warn when the focus score is below this")
	f.Int("duplicate-distance", d.DuplicateDistance, "Warn when a fingerprint is within this Hamming distance")
	f.Int64("max-pixels", imaging.MaxPixels, "Refuse images whose canvas exceeds this many pixels (0 = no limit)")
	addLogFlags(cmd)
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	// Open database.
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	cfg := pipelineConfig(v)
	imaging.MaxPixels = cfg.MaxPixels

	// Initialize i18n.
	lang := cfg.Lang
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	metrics.Init()

	writer := &pdf.Writer{OutputDir: cfg.OutputDir, PageSize: v.GetString("page-size")}
	mgr := session.NewManager(db, quality.New(thresholds(v)), dedupe.New(), writer, session.Options{
		WorkDir:        cfg.WorkDir,
		AutoCheck:      cfg.AutoCheck,
		AutoSplit:      cfg.AutoSplit,
		CleanupSources: cfg.CleanupSources,
	})
	if err := mgr.Recover(ctx); err != nil {
		return fmt.Errorf("recover session: %w", err)
	}

	hcfg := handler.Config{
		MaxUpload:    v.GetInt64("max-upload-mb") << 20,
		OperatorUser: v.GetString("operator-user"),
	}
	if pw := v.GetString("operator-password"); pw != "" {
		if hcfg.OperatorPasswordHash, err = handler.HashPassword(pw); err != nil {
			return fmt.Errorf("hash operator password: %w", err)
		}
	} else {
		slog.Warn("no operator password set, API is open")
	}
	h := handler.New(mgr, db, hcfg)

	// Normalize base path.
	basePath := strings.TrimRight(v.GetString("base-path"), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	if basePath != "" {
		r.Route(basePath, h.Routes)
	} else {
		h.Routes(r)
	}

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.WatchDir != "" {
		events := make(chan watcher.Event, 16)
		w := watcher.New(watcher.Options{
			Dir:        cfg.WatchDir,
			Interval:   v.GetDuration("watch-interval"),
			StableFor:  v.GetDuration("watch-stable"),
			StaleAfter: v.GetDuration("watch-stale-after"),
		})
		g.Go(func() error {
			defer close(events)
			return w.Run(gctx, events)
		})
		g.Go(func() error { return ingest.Run(gctx, events, mgr) })
	}
	g.Go(func() error {
		slog.Info("starting server",
			"addr", addr,
			"lang", lang,
			"work_dir", cfg.WorkDir,
			"output_dir", cfg.OutputDir,
			"watch_dir", cfg.WatchDir,
			"auto_check", cfg.AutoCheck,
			"auto_split", cfg.AutoSplit,
			"max_pixels", cfg.MaxPixels,
			"base_path", basePath,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	slog.Info("server stopped")
	return err
}
