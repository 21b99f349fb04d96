package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/strategy-cli/internal/model"
	"github.com/sells-group/strategy-cli/internal/monitoring"
	"github.com/sells-group/strategy-cli/internal/resilience"
	"github.com/sells-group/strategy-cli/internal/store"
)

const maxRequestBytes = 1 << 20

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP service for analysis submissions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		srv := newServer(ctx, env.Store, env.Orchestrator(env.Tracker()), env.Breakers, env.Metrics, cfg.Server.MaxConcurrentRuns)

		checker := monitoring.NewChecker(
			monitoring.NewCollector(env.Store, env.Breakers),
			monitoring.NewAlerter(cfg.Monitoring),
			env.Metrics,
			cfg.Monitoring,
		)
		go checker.Run(ctx)

		err = startServer(ctx, srv.routes(cfg.Server.CORSOrigins), resolvePort(servePort, cfg.Server.Port))
		srv.wait()
		return err
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// analysisRunner runs one submission. *pipeline.Orchestrator satisfies it.
type analysisRunner interface {
	Run(ctx context.Context, req model.PipelineRequest) (*model.FinalResult, error)
}

// server accepts submissions and runs them in the background with bounded
// concurrency.
type server struct {
	ctx      context.Context
	store    store.Store
	runner   analysisRunner
	breakers *resilience.Registry
	metrics  *monitoring.Metrics
	sem      chan struct{}
	wg       sync.WaitGroup
	newID    func() string
}

func newServer(ctx context.Context, st store.Store, runner analysisRunner, breakers *resilience.Registry, metrics *monitoring.Metrics, maxConcurrent int) *server {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &server{
		ctx:      ctx,
		store:    st,
		runner:   runner,
		breakers: breakers,
		metrics:  metrics,
		sem:      make(chan struct{}, maxConcurrent),
		newID:    uuid.NewString,
	}
}

// wait blocks until every background run has returned.
func (s *server) wait() {
	s.wg.Wait()
}

func (s *server) routes(origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/analyses", s.handleSubmit)
		r.Get("/analyses/{submissionID}", s.handleGet)
		r.Get("/breakers", s.handleBreakers)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	states := []resilience.BreakerState{}
	if s.breakers != nil {
		states = s.breakers.Snapshots()
	}
	writeJSON(w, http.StatusOK, states)
}

// submitRequest is the POST /v1/analyses body.
type submitRequest struct {
	SubmissionID string         `json:"submission_id"`
	Company      string         `json:"company"`
	Industry     string         `json:"industry"`
	Challenge    string         `json:"challenge"`
	Enrichment   map[string]any `json:"enrichment"`
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req := model.PipelineRequest{
		SubmissionID: body.SubmissionID,
		Company:      body.Company,
		Industry:     body.Industry,
		Challenge:    body.Challenge,
		Enrichment:   body.Enrichment,
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SubmissionID == "" {
		req.SubmissionID = s.newID()
	} else if existing, err := s.store.GetRunBySubmission(r.Context(), req.SubmissionID); err == nil {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":         "submission already exists",
			"submission_id": existing.SubmissionID,
			"run_id":        existing.ID,
			"status":        string(existing.Status),
		})
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "look up submission")
		return
	}

	run, err := s.store.CreateRun(r.Context(), req.SubmissionID, req)
	if err != nil {
		zap.L().Error("serve: failed to create run", zap.String("submission_id", req.SubmissionID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "create run")
		return
	}

	s.wg.Add(1)
	go s.execute(req)

	w.Header().Set("Location", "/v1/analyses/"+req.SubmissionID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":        "accepted",
		"submission_id": req.SubmissionID,
		"run_id":        run.ID,
	})
}

// execute runs one submission once a concurrency slot is free. The queued
// run created by handleSubmit is picked up by the tracker.
func (s *server) execute(req model.PipelineRequest) {
	defer s.wg.Done()
	log := zap.L().With(zap.String("submission_id", req.SubmissionID), zap.String("company", req.Company))

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-s.ctx.Done():
		log.Warn("serve: shutting down before run started")
		return
	}

	if s.runner == nil {
		return
	}
	result, err := s.runner.Run(s.ctx, req)
	if err != nil {
		log.Error("serve: analysis failed", zap.Error(err))
		return
	}
	log.Info("serve: analysis complete", zap.Float64("total_cost_usd", result.Metadata.TotalCostUSD))
}

// analysisResponse is the GET /v1/analyses/{id} body.
type analysisResponse struct {
	SubmissionID string          `json:"submission_id"`
	RunID        string          `json:"run_id"`
	Status       model.RunStatus `json:"status"`
	CostUSD      float64         `json:"cost_usd"`
	DurationMs   int64           `json:"duration_ms"`
	Error        string          `json:"error,omitempty"`
	Stages       []stageStatus   `json:"stages"`
	Result       json.RawMessage `json:"result,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type stageStatus struct {
	Stage  string            `json:"stage"`
	Status model.StageStatus `json:"status"`
	Error  string            `json:"error,omitempty"`
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "submissionID")
	run, err := s.store.GetRunBySubmission(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "submission not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "look up submission")
		return
	}

	resp := analysisResponse{
		SubmissionID: run.SubmissionID,
		RunID:        run.ID,
		Status:       run.Status,
		CostUSD:      run.CostUSD,
		DurationMs:   run.DurationMs,
		Error:        run.Error,
		Stages:       []stageStatus{},
		Result:       run.Result,
		CreatedAt:    run.CreatedAt,
		UpdatedAt:    run.UpdatedAt,
	}

	rows, err := s.store.ListRunStages(r.Context(), run.ID)
	if err != nil {
		zap.L().Warn("serve: failed to list stages", zap.String("run_id", run.ID), zap.Error(err))
	}
	for _, row := range rows {
		resp.Stages = append(resp.Stages, stageStatus{Stage: row.Stage.Key(), Status: row.Status, Error: row.Error})
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("serve: write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// resolvePort prefers the --port flag over config.
func resolvePort(flagPort, cfgPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return cfgPort
}

// startServer serves handler until ctx is cancelled, then shuts down
// gracefully.
func startServer(ctx context.Context, handler http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return eris.Wrap(err, "server listen")
		}
		return nil
	case <-ctx.Done():
	}

	zap.L().Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return eris.Wrap(err, "server shutdown")
	}
	return nil
}
