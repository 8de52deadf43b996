package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/listing-evidence/internal/contentstore"
	"github.com/sells-group/listing-evidence/internal/metadata"
	"github.com/sells-group/listing-evidence/internal/model"
	"github.com/sells-group/listing-evidence/internal/monitoring"
	"github.com/sells-group/listing-evidence/internal/state"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve extraction state, metadata and metrics over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		checker := monitoring.NewChecker(
			monitoring.NewCollector(env.State, env.Manifest, cfg.Pipeline.StaleAfter()),
			monitoring.NewAlerter(cfg.Monitor),
			env.Metrics,
			cfg.Monitor,
		)
		go checker.Run(ctx)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr: fmt.Sprintf(":%d", port),
			Handler: newRouter(&api{
				state:    env.State,
				manifest: env.Manifest,
				meta:     env.Metadata,
				metrics:  env.Metrics,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// api serves read-only views over the stores.
type api struct {
	state    *state.Store
	manifest *contentstore.Manifest
	meta     *metadata.Persister
	metrics  *monitoring.Metrics
}

type targetView struct {
	TargetID string `json:"target_id"`
	model.ExtractionState
}

func newRouter(a *api) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if a.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.metrics.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/v1/targets", func(r chi.Router) {
		r.Get("/", a.listTargets)
		r.Get("/{id}", a.getTarget)
		r.Get("/{id}/fields", a.getFields)
		r.Get("/{id}/images", a.getImages)
	})
	return r
}

func (a *api) listTargets(w http.ResponseWriter, r *http.Request) {
	all, err := a.state.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	want := model.Status(r.URL.Query().Get("status"))
	if want != "" && !want.Valid() {
		writeError(w, http.StatusBadRequest, eris.Errorf("unknown status %q", want))
		return
	}
	out := make([]targetView, 0, len(all))
	for _, s := range filterStates(all, want) {
		out = append(out, targetView{TargetID: s.TargetID, ExtractionState: s})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) getTarget(w http.ResponseWriter, r *http.Request) {
	id := model.TargetID(chi.URLParam(r, "id"))
	st, err := a.state.Get(id)
	if errors.Is(err, state.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, targetView{TargetID: st.TargetID, ExtractionState: *st})
}

func (a *api) getFields(w http.ResponseWriter, r *http.Request) {
	if a.meta == nil {
		writeError(w, http.StatusServiceUnavailable, eris.New("metadata store not configured"))
		return
	}
	id := model.TargetID(chi.URLParam(r, "id"))
	view, err := a.meta.Snapshot(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *api) getImages(w http.ResponseWriter, r *http.Request) {
	id := model.TargetID(chi.URLParam(r, "id"))
	entries, err := a.manifest.ForTarget(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []model.ManifestEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
