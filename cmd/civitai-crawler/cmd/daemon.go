package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-civitai-crawler/internal/metrics"
	"go-civitai-crawler/internal/models"
	"go-civitai-crawler/internal/scheduler"
	"go-civitai-crawler/internal/store"
)

const defaultMetricsAddr = ":9090"

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Process runs continuously and create scheduled crawls",
	Long: `Runs the crawl worker until interrupted. Crawls listed under [[Schedules]]
in the config are created on their cron schedule. /metrics, /healthz and /runs
are served on MetricsAddr.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().String("addr", "", "Listen address for /metrics and /healthz (overrides MetricsAddr)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	addr := globalConfig.MetricsAddr
	if cmd.Flags().Changed("addr") {
		addr, _ = cmd.Flags().GetString("addr")
	}
	if addr == "" {
		addr = defaultMetricsAddr
	}

	a, err := newApp(globalConfig, appOptions{withIndex: true})
	if err != nil {
		return err
	}
	defer a.Close()

	sched := scheduler.New(a.crawler, globalConfig.DefaultPageSize, globalConfig.DefaultPriority)
	for _, s := range globalConfig.Schedules {
		if err := sched.Add(ctx, s); err != nil {
			return err
		}
	}

	if _, err := a.crawler.Requeue(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           newRouter(a.store),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Infof("Serving metrics on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("HTTP server error")
		}
	}()

	sched.Start()
	log.Infof("Daemon started with %d schedules", sched.Len())

	err = a.queue.Run(ctx, false)

	log.Info("Shutting down")
	sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.WithError(serr).Error("HTTP server shutdown error")
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newRouter(runs store.RunStore) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/runs", func(w http.ResponseWriter, req *http.Request) {
		filter := store.RunFilter{Status: models.RunStatus(req.URL.Query().Get("status"))}
		if l := req.URL.Query().Get("limit"); l != "" {
			n, err := strconv.Atoi(l)
			if err != nil || n < 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
				return
			}
			filter.Limit = n
		}
		list, err := runs.ListRuns(req.Context(), filter)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, list)
	})
	r.Get("/runs/{id}", func(w http.ResponseWriter, req *http.Request) {
		run, err := runs.GetRun(req.Context(), chi.URLParam(req, "id"))
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
			return
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, run)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to write response")
	}
}
