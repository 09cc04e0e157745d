// internal/collector/server.go
package collector

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/signalnine/statebridge/internal/config"
)

// Server is the local collector
type Server struct {
	cfg    *config.CollectorConfig
	db     *DB
	logger *slog.Logger
	server *http.Server
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithLogger sets the server logger
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a new collector server
func NewServer(cfg *config.CollectorConfig, opts ...ServerOption) (*Server, error) {
	db, err := NewDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Server{cfg: cfg, db: db, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      NewRouter(db, s.logger, cfg.MaxPayloadBytes),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

// NewRouter wires the collector routes onto a chi router
func NewRouter(db *DB, logger *slog.Logger, maxPayloadBytes int64) http.Handler {
	h := NewStateHandler(db, logger, maxPayloadBytes)

	r := chi.NewRouter()
	r.Use(allowCrossOrigin)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Route("/state", func(r chi.Router) {
		r.Post("/", h.Ingest)
		r.Get("/", h.Latest)
		r.Get("/history", h.History)
		r.Get("/stats", h.Stats)
		r.Get("/{id}", h.Get)
	})
	return r
}

// allowCrossOrigin lets agents embedded in pages on other origins post
// snapshots, and answers preflight requests
func allowCrossOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hdr := w.Header()
		hdr.Set("Access-Control-Allow-Origin", "*")
		hdr.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		hdr.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// DB returns the server's database
func (s *Server) DB() *DB {
	return s.db
}

// Run serves until ctx is done. TLS is used when a cert and key are configured.
func (s *Server) Run(ctx context.Context) error {
	defer s.db.Close()

	useTLS := s.cfg.TLSCert != "" && s.cfg.TLSKey != ""
	if useTLS {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCert, s.cfg.TLSKey)
		if err != nil {
			return fmt.Errorf("load TLS cert: %w", err)
		}
		s.server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	s.logger.Info("collector starting", "addr", s.cfg.ListenAddr, "db", s.cfg.DBPath, "tls", useTLS)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if useTLS {
			err = s.server.ListenAndServeTLS("", "")
		} else {
			err = s.server.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("collector shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
