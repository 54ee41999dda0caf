package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/ipsix/reconsync/internal/activity"
	"github.com/ipsix/reconsync/internal/config"
	"github.com/ipsix/reconsync/internal/conn"
	"github.com/ipsix/reconsync/internal/engine"
	"github.com/ipsix/reconsync/internal/logging"
	"github.com/ipsix/reconsync/internal/metrics"
	"github.com/ipsix/reconsync/internal/notify"
	"github.com/ipsix/reconsync/internal/registry"
	"github.com/ipsix/reconsync/internal/vulns"
)

// Engine is the read views and intents the API exposes.
type Engine interface {
	Scans() registry.View
	Vulnerabilities() vulns.View
	Notifications() notify.View
	Activity() activity.View
	Connection() conn.State
	Submit(ctx context.Context, req engine.SubmitRequest) (string, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	DeleteVulnerability(ctx context.Context, id string) error
	RetestVulnerability(ctx context.Context, id string) error
	DismissNotification(id string) bool
}

// Link is the manual control of the push channel.
type Link interface {
	Reconnect()
	Disconnect()
}

type Server struct {
	cfg     config.APIConfig
	logger  *logging.Logger
	server  *http.Server
	engine  Engine
	link    Link
	metrics *metrics.Metrics
	handler http.Handler
}

func New(cfg config.APIConfig, logger *logging.Logger, eng Engine, link Link, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  logger.With(logging.Field{Key: "component", Value: "api"}),
		engine:  eng,
		link:    link,
		metrics: m,
	}
	s.handler = s.buildHandler()
	return s
}

func (s *Server) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}

	s.server = &http.Server{
		Addr:              s.cfg.BindAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("api server starting", logging.Field{Key: "addr", Value: s.cfg.BindAddr})
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) buildHandler() http.Handler {
	mux := chi.NewRouter()
	if len(s.cfg.AllowedOrigins) > 0 {
		mux.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
			MaxAge:         300,
		}))
	}
	mux.Use(s.withAuth)

	routes := func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/scans", s.handleScans)
		r.Get("/scans/{id}", s.handleScan)
		r.Get("/history", s.handleHistory)
		r.Get("/vulnerabilities", s.handleVulnerabilities)
		r.Get("/activity", s.handleActivity)
		r.Get("/notifications", s.handleNotifications)
		r.Handle("/metrics", s.metrics.Handler())

		r.Group(func(r chi.Router) {
			r.Use(s.withWrite)
			r.Post("/scans", s.handleSubmit)
			r.Post("/scans/{id}/{action}", s.handleScanAction)
			r.Delete("/vulnerabilities/{id}", s.handleDeleteVulnerability)
			r.Post("/vulnerabilities/{id}/retest", s.handleRetest)
			r.Delete("/notifications/{id}", s.handleDismiss)
			r.Post("/connection/{action}", s.handleConnection)
		})
	}
	routes(mux)
	mux.Route("/api", routes)
	return mux
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("api server stopping")
	return s.server.Shutdown(ctx)
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if s.cfg.AuthToken != "" && token != s.cfg.AuthToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withWrite(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.ReadOnly {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "api is read-only"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connection":      s.engine.Connection(),
		"scans":           s.engine.Scans().Counts(),
		"vulnerabilities": s.engine.Vulnerabilities().Len(),
		"read_only":       s.cfg.ReadOnly,
	})
}

func (s *Server) handleScans(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Scans().List())
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.engine.Scans().Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "scan not found"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Scans().History())
}

func (s *Server) handleVulnerabilities(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("page")
	if raw == "" {
		writeJSON(w, http.StatusOK, s.engine.Vulnerabilities().Current())
		return
	}
	page, err := strconv.Atoi(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "page must be a number"})
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Vulnerabilities().Goto(page))
}

func (s *Server) handleActivity(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Activity().Entries())
}

func (s *Server) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Notifications().Active())
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	if !s.engine.DismissNotification(chi.URLParam(r, "id")) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "notification not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req engine.SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}
	id, err := s.engine.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "queued"})
}

func (s *Server) handleScanAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var err error
	switch chi.URLParam(r, "action") {
	case "pause":
		err = s.engine.Pause(r.Context(), id)
	case "resume":
		err = s.engine.Resume(r.Context(), id)
	case "stop":
		err = s.engine.Stop(r.Context(), id)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown action"})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleDeleteVulnerability(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteVulnerability(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRetest(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RetestVulnerability(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	if s.link == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "push channel not configured"})
		return
	}
	switch chi.URLParam(r, "action") {
	case "reconnect":
		s.link.Reconnect()
	case "disconnect":
		s.link.Disconnect()
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown action"})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrInvalidIntent):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrUnknownScan):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrStopped), errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("api request failed", logging.Err(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
