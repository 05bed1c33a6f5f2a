package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/eemeter/pkg/log"
	"github.com/raterudder/eemeter/pkg/meter"
	"github.com/raterudder/eemeter/pkg/portfolio"
	"github.com/raterudder/eemeter/pkg/series"
	"github.com/raterudder/eemeter/pkg/storage"
	"github.com/raterudder/eemeter/pkg/types"
)

type evaluator interface {
	EvaluateProject(ctx context.Context, projectID string, opts meter.Options) (meter.Evaluation, error)
	RunMeters(ctx context.Context, groupID string, opts meter.Options) ([]meter.ProjectResult, error)
}

type summarizer interface {
	Summarize(ctx context.Context, groupID string) ([]types.FuelTypeSummary, error)
	RecentSummaries(ctx context.Context, groupID string) ([]portfolio.Summary, error)
}

// Server exposes meter runs and portfolio summaries over HTTP and triggers
// evaluations and aggregations on demand.
type Server struct {
	storage    storage.Database
	evaluator  evaluator
	summarizer summarizer

	listenAddr        string
	httpServer        *http.Server
	serverName        string
	validityThreshold float64
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(db storage.Database, ev *meter.Evaluator, agg *portfolio.Aggregator) *Server {
	srv := &Server{
		storage:           db,
		evaluator:         ev,
		summarizer:        agg,
		serverName:        "eemeter",
		validityThreshold: types.DefaultValidityThreshold,
	}
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	threshold := types.DefaultValidityThreshold
	lflag.JSON(&threshold, "validity-threshold", threshold, "CVRMSE both regimes of a meter run must stay below to be valid")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		if threshold <= 0 {
			log.Ctx(context.Background()).Error("validity-threshold must be positive", slog.Float64("threshold", threshold))
			os.Exit(1)
		}
		srv.validityThreshold = threshold
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/projects/{projectID}/meterruns", s.handleListMeterRuns)
	apiMux.HandleFunc("GET /api/projects/{projectID}/meterruns/{runID}", s.handleGetMeterRun)
	apiMux.HandleFunc("POST /api/projects/{projectID}/evaluate", s.handleEvaluateProject)
	apiMux.HandleFunc("POST /api/groups/{groupID}/evaluate", s.handleEvaluateGroup)
	apiMux.HandleFunc("POST /api/groups/{groupID}/summarize", s.handleSummarize)
	apiMux.HandleFunc("GET /api/groups/{groupID}/summaries", s.handleListSummaries)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiMux)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  15 * time.Second,
	}

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		// Context canceled, shut down gracefully
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, meter.ErrInvalidWindow), errors.Is(err, types.ErrUnsupportedMeterType):
		return http.StatusBadRequest
	case errors.Is(err, portfolio.ErrIntegrity), errors.Is(err, series.ErrAlignment):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs server-side failures and writes err as a JSON error.
func writeError(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	code := errorStatus(err)
	if code >= http.StatusInternalServerError {
		log.Ctx(ctx).ErrorContext(ctx, msg, slog.Any("error", err))
	}
	writeJSONError(w, msg+": "+err.Error(), code)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}
