package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tender-intel/internal/model"
	"github.com/sells-group/tender-intel/internal/resilience"
	"github.com/sells-group/tender-intel/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the analysis HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Scheduler.Start(ctx); err != nil {
			return err
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(env),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
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

func newRouter(env *appEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/analyses", func(r chi.Router) {
		r.Post("/", handleSubmit(env))
		r.Get("/", handleList(env))
		r.Get("/{recordID}", handleStatus(env))
		r.Delete("/{recordID}", handleCancel(env))
	})

	r.Get("/metrics", handleMetrics(env))

	return r
}

type submitRequest struct {
	DocumentID string `json:"document_id"`
	ContentRef string `json:"content_ref"`
	MimeType   string `json:"mime_type"`
	OwnerRef   string `json:"owner_ref,omitempty"`
	Size       int64  `json:"size"`
	Name       string `json:"name,omitempty"`
}

func handleSubmit(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		recordID, err := env.Scheduler.Submit(r.Context(), model.Document{
			ID:         req.DocumentID,
			ContentRef: req.ContentRef,
			MimeType:   req.MimeType,
			OwnerRef:   req.OwnerRef,
			Size:       req.Size,
			Name:       req.Name,
		})
		if err != nil {
			writeTaxonomyError(w, err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{"record_id": recordID})
	}
}

func handleStatus(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := env.Scheduler.Poll(r.Context(), chi.URLParam(r, "recordID"))
		if err != nil {
			writeError(w, http.StatusNotFound, "analysis not found")
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func handleCancel(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := env.Scheduler.Cancel(r.Context(), chi.URLParam(r, "recordID")); err != nil {
			writeTaxonomyError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation requested"})
	}
}

func handleList(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := store.RecordFilter{
			State:      model.JobState(r.URL.Query().Get("state")),
			DocumentID: r.URL.Query().Get("document_id"),
			Limit:      50,
		}
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				filter.Limit = n
			}
		}

		records, err := env.Store.ListRecords(r.Context(), filter)
		if err != nil {
			zap.L().Error("list analyses failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "list failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"analyses": records, "count": len(records)})
	}
}

func handleMetrics(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lookback := 24 * time.Hour
		if v := r.URL.Query().Get("hours"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				lookback = time.Duration(n) * time.Hour
			}
		}

		snap, err := env.Collector.Collect(r.Context(), lookback)
		if err != nil {
			zap.L().Error("collect metrics failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "metrics unavailable")
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// writeTaxonomyError maps classified pipeline errors onto HTTP statuses.
func writeTaxonomyError(w http.ResponseWriter, err error) {
	switch resilience.Kind(err) {
	case resilience.KindConflict:
		writeError(w, http.StatusConflict, err.Error())
	case resilience.KindInput:
		writeError(w, http.StatusBadRequest, err.Error())
	case resilience.KindQuota:
		writeError(w, http.StatusTooManyRequests, err.Error())
	case resilience.KindTransient:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
