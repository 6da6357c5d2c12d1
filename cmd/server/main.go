package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/liamcoop/formulary/formula"
	"github.com/liamcoop/formulary/internal/logger"
)

type Server struct {
	db      *sql.DB // nil when using a directory source
	library *formula.Library
	service *formula.Service
	router  *chi.Mux
}

// NewServer wires a source (Postgres when databaseURL is set, otherwise a
// definition directory), the library, the sandbox and the service, and
// performs the initial load unless lazy is set.
func NewServer(databaseURL, formulaDir string, lazy bool) (*Server, error) {
	var db *sql.DB
	var source formula.Source

	switch {
	case databaseURL != "":
		var err error
		db, err = sql.Open("postgres", databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		source = formula.NewPostgresSource(db)
	case formulaDir != "":
		source = formula.NewDirSource(formulaDir)
	default:
		return nil, errors.New("either DATABASE_URL or FORMULA_DIR must be set")
	}

	sandbox := formula.NewSandbox(formula.SandboxConfig{})
	library := formula.NewLibrary(source, sandbox, formula.LibraryConfig{Lazy: lazy})
	service := formula.NewService(library, sandbox)

	if !lazy {
		report, err := library.LoadAll(context.Background())
		if err != nil {
			return nil, fmt.Errorf("failed to load formulas: %w", err)
		}
		logger.Info("initial formula load complete",
			"loaded", report.Loaded, "skipped", report.Skipped)
	}

	s := &Server{
		db:      db,
		library: library,
		service: service,
	}

	s.setupRoutes()

	return s, nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check
	r.Get("/api/v1/health", s.handleHealth)

	// Discovery
	r.Get("/api/v1/formulas", s.handleListFormulas)
	r.Get("/api/v1/formulas/{formulaId}", s.handleGetFormula)

	// Evaluation
	r.Post("/api/v1/evaluate", s.handleEvaluate)

	// Admin
	r.Post("/api/v1/admin/reload", s.handleReload)

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"formulasLoaded": s.library.Count(),
	})
}

// List formulas handler
func (s *Server) handleListFormulas(w http.ResponseWriter, r *http.Request) {
	filter := formula.Filter{
		Category: r.URL.Query().Get("category"),
	}
	if tags := r.URL.Query().Get("tags"); tags != "" {
		filter.Tags = strings.Split(tags, ",")
	}

	summaries, err := s.service.Formulas(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list formulas", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"formulas": summaries,
	})
}

// Get formula handler
func (s *Server) handleGetFormula(w http.ResponseWriter, r *http.Request) {
	formulaID := chi.URLParam(r, "formulaId")

	def, err := s.service.Formula(r.Context(), formulaID)
	if err != nil {
		var notFound *formula.NotFoundError
		if errors.As(err, &notFound) {
			respondError(w, http.StatusNotFound, "formula not found", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to get formula", err)
		return
	}

	respondJSON(w, http.StatusOK, def)
}

// Evaluate handler
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FormulaID string         `json:"formulaId"`
		Inputs    map[string]any `json:"inputs"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if req.FormulaID == "" {
		respondError(w, http.StatusBadRequest, "formulaId is required", nil)
		return
	}
	if req.Inputs == nil {
		req.Inputs = map[string]any{}
	}

	evaluationID := uuid.NewString()
	startTime := time.Now()

	result, err := s.service.Evaluate(r.Context(), req.FormulaID, req.Inputs)
	if err != nil {
		var evalErr *formula.EvaluationError
		if errors.As(err, &evalErr) {
			respondEvaluationError(w, evaluationID, evalErr)
			return
		}
		respondError(w, http.StatusInternalServerError, "evaluation failed", err)
		return
	}

	logger.Debug("formula evaluated",
		"evaluationId", evaluationID,
		"formulaId", result.FormulaID,
		"duration", time.Since(startTime).String())

	respondJSON(w, http.StatusOK, map[string]any{
		"evaluationId": evaluationID,
		"result":       result,
	})
}

// Reload handler
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	report, err := s.library.LoadAll(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "reload failed", err)
		return
	}

	respondJSON(w, http.StatusOK, report)
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	if status >= 500 {
		logger.ErrorHttp5xx()
	} else if status >= 400 {
		logger.WarnHttp4xx()
	}

	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}

func respondEvaluationError(w http.ResponseWriter, evaluationID string, evalErr *formula.EvaluationError) {
	status := statusForKind(evalErr.Kind)
	if status >= 500 {
		logger.ErrorHttp5xx()
	} else {
		logger.WarnHttp4xx()
	}

	respondJSON(w, status, map[string]any{
		"evaluationId": evaluationID,
		"error":        evalErr,
	})
}

func statusForKind(kind formula.ErrorKind) int {
	switch kind {
	case formula.KindUnknownFormula:
		return http.StatusNotFound
	case formula.KindDomainError, formula.KindNonFinite, formula.KindBudgetExceeded:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

func main() {
	databaseURL := os.Getenv("DATABASE_URL")
	formulaDir := os.Getenv("FORMULA_DIR")
	lazy := strings.ToLower(os.Getenv("FORMULA_LAZY")) == "true"

	server, err := NewServer(databaseURL, formulaDir, lazy)
	if err != nil {
		logger.Fatal("failed to create server", "error", err)
	}
	if server.db != nil {
		defer server.db.Close()
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown on SIGINT/SIGTERM
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("server listening", "port", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", "error", err)
		}
	}()

	<-done
	logger.Info("server shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	_ = logger.Shutdown(ctx)
}
