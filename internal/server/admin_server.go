package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/bastiqui/TSAE75644-2024/internal/errors"
	"github.com/bastiqui/TSAE75644-2024/internal/metrics"
	"github.com/bastiqui/TSAE75644-2024/internal/model"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Replica is the part of the replica the admin server exposes
type Replica interface {
	AddRecipe(ctx context.Context, title, body string) (*model.Recipe, error)
	RemoveRecipe(ctx context.Context, title string) (*model.RemoveOperation, error)
	GetRecipe(ctx context.Context, title string) (*model.Recipe, error)
	ListRecipes(ctx context.Context) ([]model.Recipe, error)
	State(ctx context.Context) (*model.ReplicaState, error)
}

// AdminServer serves metrics, health probes, the replica state dump and the
// local recipe operations over HTTP
type AdminServer struct {
	router     *mux.Router
	httpServer *http.Server
	replica    Replica
	gatherer   prometheus.Gatherer
	ready      func(ctx context.Context) error
	metrics    *metrics.Metrics
	logger     *zap.Logger
	stopChan   chan struct{}
}

// AdminServerConfig holds configuration for the admin server
type AdminServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// ReadyCheck, if set, gates /ready
	ReadyCheck func(ctx context.Context) error
}

type addRecipeRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type errorResponse struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// NewAdminServer creates a new admin server
func NewAdminServer(cfg *AdminServerConfig, replica Replica, gatherer prometheus.Gatherer, m *metrics.Metrics, logger *zap.Logger) *AdminServer {
	router := mux.NewRouter()

	s := &AdminServer{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
		replica:  replica,
		gatherer: gatherer,
		ready:    cfg.ReadyCheck,
		metrics:  m,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
	s.setupRoutes()
	return s
}

func (s *AdminServer) setupRoutes() {
	s.router.Use(s.recovery, s.logging)

	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.readyHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/state", s.stateHandler).Methods(http.MethodGet)

	s.router.HandleFunc("/recipes", s.listRecipes).Methods(http.MethodGet)
	s.router.HandleFunc("/recipes", s.addRecipe).Methods(http.MethodPost)
	s.router.HandleFunc("/recipes/{title}", s.getRecipe).Methods(http.MethodGet)
	s.router.HandleFunc("/recipes/{title}", s.removeRecipe).Methods(http.MethodDelete)
}

// Handler returns the router, for tests and embedding
func (s *AdminServer) Handler() http.Handler {
	return s.router
}

// Start serves until Stop is called. It returns nil on a clean shutdown.
func (s *AdminServer) Start() error {
	s.logger.Info("Starting admin server", zap.String("addr", s.httpServer.Addr))

	go s.collectSystemMetrics()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the admin server
func (s *AdminServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping admin server")

	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown failed: %w", err)
	}
	return nil
}

func (s *AdminServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *AdminServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("Readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not_ready",
				"reason": err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ready",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *AdminServer) stateHandler(w http.ResponseWriter, r *http.Request) {
	state, err := s.replica.State(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *AdminServer) listRecipes(w http.ResponseWriter, r *http.Request) {
	list, err := s.replica.ListRecipes(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []model.Recipe{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *AdminServer) getRecipe(w http.ResponseWriter, r *http.Request) {
	recipe, err := s.replica.GetRecipe(r.Context(), mux.Vars(r)["title"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recipe)
}

func (s *AdminServer) addRecipe(w http.ResponseWriter, r *http.Request) {
	var req addRecipeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.InvalidArgument("invalid request body", err))
		return
	}

	recipe, err := s.replica.AddRecipe(r.Context(), req.Title, req.Body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, recipe)
}

func (s *AdminServer) removeRecipe(w http.ResponseWriter, r *http.Request) {
	op, err := s.replica.RemoveRecipe(r.Context(), mux.Vars(r)["title"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.ViewOf(op))
}

func (s *AdminServer) writeError(w http.ResponseWriter, err error) {
	code := errors.GetCode(err)

	status := http.StatusInternalServerError
	message := err.Error()
	switch code {
	case errors.ErrCodeInvalidArgument:
		status = http.StatusBadRequest
	case errors.ErrCodeNotFound:
		status = http.StatusNotFound
	default:
		s.logger.Error("Admin request failed", zap.Error(err))
		// Raw store errors stay in the log
		if !errors.IsSessionError(err) {
			message = "internal error"
		}
	}

	writeJSON(w, status, errorResponse{
		Status:    "error",
		ErrorCode: code.String(),
		Message:   message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// recovery turns a handler panic into a 500
func (s *AdminServer) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("Panic recovered",
					zap.Any("error", rec),
					zap.String("path", r.URL.Path))
				writeJSON(w, http.StatusInternalServerError, errorResponse{
					Status:    "error",
					ErrorCode: errors.ErrCodeInternal.String(),
					Message:   "internal server error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code for logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *AdminServer) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr))
	})
}

// collectSystemMetrics periodically collects process metrics
func (s *AdminServer) collectSystemMetrics() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	s.updateSystemMetrics()
	for {
		select {
		case <-ticker.C:
			s.updateSystemMetrics()
		case <-s.stopChan:
			return
		}
	}
}

func (s *AdminServer) updateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	s.metrics.UpdateSystemStats(memStats.Alloc, runtime.NumGoroutine())
}
