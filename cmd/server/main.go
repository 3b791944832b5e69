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
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/stockroomhq/flowrules/flowrules"
	"github.com/stockroomhq/flowrules/internal/logger"
	"github.com/stockroomhq/flowrules/multitenant"
)

type Server struct {
	db      *sql.DB
	manager *multitenant.Manager
	router  *chi.Mux
}

func NewServer(databaseURL string) (*Server, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewServerWithDB(db)
}

// NewServerWithDB builds a server over an existing connection pool.
func NewServerWithDB(db *sql.DB) (*Server, error) {
	executor := flowrules.NewExecutor(actionTimeoutFromEnv())
	registerBuiltinHandlers(executor, db)

	manager := multitenant.NewManager(db, executor)

	logger.Info("loading tenants")
	if err := manager.LoadAllTenants(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load tenants: %w", err)
	}

	s := &Server{
		db:      db,
		manager: manager,
	}
	s.setupRoutes()

	return s, nil
}

// actionTimeoutFromEnv reads ACTION_TIMEOUT (a Go duration string) for
// the per-action execution bound. Invalid or missing values fall back
// to the executor default.
func actionTimeoutFromEnv() time.Duration {
	raw := os.Getenv("ACTION_TIMEOUT")
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warn("invalid ACTION_TIMEOUT, using default", "value", raw)
		return 0
	}
	return d
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)

	r.Route("/api/v1/tenants", func(r chi.Router) {
		r.Get("/", s.handleListTenants)
		r.Post("/", s.handleCreateTenant)

		r.Route("/{tenantId}", func(r chi.Router) {
			// Event invocation
			r.Post("/events", s.handleEvent)

			// Rule authoring
			r.Post("/rules", s.handleCreateRule)
			r.Get("/rules", s.handleListRules)
			r.Get("/rules/{ruleId}", s.handleGetRule)
			r.Put("/rules/{ruleId}", s.handleUpdateRule)
			r.Delete("/rules/{ruleId}", s.handleDeleteRule)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"tenantsLoaded": len(s.manager.ListTenants()),
	})
}

// handleEvent runs one domain event through a tenant's rule set and
// returns the run report. The engine only errors when the rule set
// cannot be fetched; everything below that is recorded in the report.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if !req.Trigger.Valid() {
		respondError(w, http.StatusBadRequest, "unknown trigger", nil)
		return
	}
	if req.Snapshot == nil {
		respondError(w, http.StatusBadRequest, "snapshot is required", nil)
		return
	}

	engine, err := s.manager.GetEngine(tenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	}

	start := time.Now()
	report, err := engine.Handle(r.Context(), flowrules.Event{
		Trigger:  req.Trigger,
		EntityID: req.EntityID,
		Snapshot: req.Snapshot,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "event handling failed", err)
		return
	}

	respondJSON(w, http.StatusOK, EventResponse{
		Report:      report,
		ElapsedTime: time.Since(start).String(),
	})
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.Query("SELECT id, name, created_at, updated_at FROM tenants ORDER BY created_at DESC")
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list tenants", err)
		return
	}
	defer rows.Close()

	tenants := []TenantResponse{}
	for rows.Next() {
		var t TenantResponse
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to scan tenant", err)
			return
		}
		tenants = append(tenants, t)
	}

	respondJSON(w, http.StatusOK, map[string]any{"tenants": tenants})
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	var tenantID string
	err := s.db.QueryRow(`
		INSERT INTO tenants (id, name, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		RETURNING id
	`, uuid.NewString(), req.Name).Scan(&tenantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create tenant", err)
		return
	}

	if err := s.manager.LoadTenant(r.Context(), tenantID); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to initialize tenant engine", err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"id":   tenantID,
		"name": req.Name,
	})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	engine, err := s.manager.GetEngine(tenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	}

	rule := req.toRule(uuid.NewString())
	if err := engine.AddRule(r.Context(), rule); err != nil {
		respondRuleError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, RuleResponse{
		Rule:     rule,
		Warnings: flowrules.RuleWarnings(rule),
	})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	trigger := flowrules.Trigger(r.URL.Query().Get("trigger"))
	if trigger != "" && !trigger.Valid() {
		respondError(w, http.StatusBadRequest, "unknown trigger", nil)
		return
	}

	engine, err := s.manager.GetEngine(tenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	}

	rules, err := engine.ListRules(r.Context(), trigger)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}
	if rules == nil {
		rules = []*flowrules.FlowRule{}
	}

	respondJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	ruleID := chi.URLParam(r, "ruleId")

	engine, err := s.manager.GetEngine(tenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	}

	rule, err := engine.GetRule(r.Context(), ruleID)
	if err != nil {
		respondError(w, http.StatusNotFound, "rule not found", err)
		return
	}

	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	ruleID := chi.URLParam(r, "ruleId")

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	engine, err := s.manager.GetEngine(tenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	}

	rule := req.toRule(ruleID)
	if err := engine.UpdateRule(r.Context(), rule); err != nil {
		respondRuleError(w, err)
		return
	}

	// Respond with the stored rule so the preserved creation time is in
	// the payload, not the request-built zero value.
	stored, err := engine.GetRule(r.Context(), ruleID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load updated rule", err)
		return
	}

	respondJSON(w, http.StatusOK, RuleResponse{
		Rule:     stored,
		Warnings: flowrules.RuleWarnings(stored),
	})
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	ruleID := chi.URLParam(r, "ruleId")

	engine, err := s.manager.GetEngine(tenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	}

	if err := engine.DeleteRule(r.Context(), ruleID); err != nil {
		respondError(w, http.StatusNotFound, "rule not found", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Helper functions

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}

// respondRuleError maps authoring failures: validation problems get a
// field-level error list, everything else a generic 400.
func respondRuleError(w http.ResponseWriter, err error) {
	var ve *flowrules.ValidationError
	if errors.As(err, &ve) {
		respondJSON(w, http.StatusUnprocessableEntity, ValidationErrorResponse{
			Error:  "rule validation failed",
			Fields: ve.Errors,
		})
		return
	}
	respondError(w, http.StatusBadRequest, "failed to save rule", err)
}

func main() {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		logger.Fatal("DATABASE_URL environment variable is required")
	}

	server, err := NewServer(databaseURL)
	if err != nil {
		logger.Fatal("failed to create server", "error", err)
	}
	defer server.db.Close()

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

	go func() {
		logger.Info("server starting", "port", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}
