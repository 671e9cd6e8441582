package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"node.town/speechbuf/stt"
	"node.town/speechbuf/wav"
)

// Server exposes live sessions for diagnostics.
type Server struct {
	registry *stt.Registry
	logger   *log.Logger
	router   *chi.Mux
}

func NewServer(registry *stt.Registry, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}

	s := &Server{
		registry: registry,
		logger:   logger,
		router:   chi.NewRouter(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/sessions", s.handleListSessions)
	s.router.Route("/sessions/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetSession)
		r.Delete("/", s.handleCancelSession)
		r.Get("/pending.wav", s.handlePendingAudio)
	})

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on port until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, port int) error {
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.router,
	}

	errs := make(chan error, 1)
	go func() {
		s.logger.Info("http", "url", fmt.Sprintf("http://localhost:%d", port))
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	if err := <-errs; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug(
			"request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"took", time.Since(start),
		)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*stt.Session, bool) {
	id := chi.URLParam(r, "id")
	session, ok := s.registry.Get(id)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return nil, false
	}
	return session, true
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.registry.List()
	stats := make([]stt.SessionStats, 0, len(sessions))
	for _, session := range sessions {
		stats = append(stats, session.Stats())
	}
	s.writeJSON(w, stats)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, session.Stats())
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := session.Cancel(); err != nil {
		s.logger.Error("failed to cancel session", "id", session.ID(), "error", err)
		http.Error(w, "Failed to cancel session", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePendingAudio serves the audio the service has not yet finished
// with, as a WAV file.
func (s *Server) handlePendingAudio(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}

	snapshot, err := session.Snapshot()
	if err != nil {
		http.Error(w, "Failed to snapshot session", http.StatusInternalServerError)
		return
	}

	size := snapshot.TotalSizeInBytes()
	if size > wav.MaxDataSize {
		http.Error(w, "Pending audio is too large for a WAV file", http.StatusRequestEntityTooLarge)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set(
		"Content-Disposition",
		fmt.Sprintf("attachment; filename=\"%s_pending.wav\"", session.ID()),
	)
	if err := wav.WriteHeader(w, snapshot.Format(), size); err != nil {
		s.logger.Error("failed to write wav header", "error", err)
		return
	}

	for {
		chunk, ok := snapshot.GetNext()
		if !ok {
			break
		}
		if _, err := w.Write(chunk.Bytes()); err != nil {
			s.logger.Error("failed to write pending audio", "error", err)
			return
		}
	}
}
