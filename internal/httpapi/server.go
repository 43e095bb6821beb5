// Package httpapi serves the sync controller, the skill and conflict views, and downloads over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/floegence/skillhub/internal/config"
	"github.com/floegence/skillhub/internal/export"
	"github.com/floegence/skillhub/internal/logbuf"
	"github.com/floegence/skillhub/internal/model"
	"github.com/floegence/skillhub/internal/monitor"
	"github.com/floegence/skillhub/internal/pipeline"
	"github.com/floegence/skillhub/internal/registry"
)

const maxBodyBytes = 4 << 20

// Service is the controller surface the API needs.
type Service interface {
	Status(ctx context.Context) (pipeline.Status, error)
	TriggerRun() (pipeline.Status, error)
	Cancel() bool
	History(ctx context.Context, limit int) ([]model.SyncLog, error)

	ListSkills(ctx context.Context, status model.SkillStatus) ([]model.Skill, error)
	GetSkill(ctx context.Context, id string) (model.Skill, error)
	ListConflicts(ctx context.Context, status model.ConflictStatus) ([]model.Conflict, error)
	GetConflict(ctx context.Context, id string) (model.Conflict, error)
	Resolve(ctx context.Context, conflictID string, res model.Resolution) (pipeline.ResolveResult, error)

	ListSources(ctx context.Context) ([]model.Source, error)
	AddSource(ctx context.Context, src model.Source) (model.Source, error)
	UpdateSource(ctx context.Context, id string, patch registry.Patch) (model.Source, error)
	RemoveSource(ctx context.Context, id string) error
}

type Options struct {
	Logger  *slog.Logger
	Listen  string
	Version string

	Service   Service
	Exporter  *export.Exporter
	Monitor   *monitor.Service
	Logs      *logbuf.Buffer
	Metrics   http.Handler
	StatusAPI config.StatusAPIConfig

	Now func() time.Time
}

type Server struct {
	log  *slog.Logger
	opts Options

	ln  net.Listener
	srv *http.Server
}

func New(opts Options) (*Server, error) {
	if opts.Service == nil {
		return nil, errors.New("missing Service")
	}
	if strings.TrimSpace(opts.Listen) == "" {
		return nil, errors.New("missing Listen")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{log: opts.Logger, opts: opts}, nil
}

// Handler returns the routed API without binding a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics)
	}

	mux.HandleFunc("GET /api/sources", s.handleListSources)
	mux.HandleFunc("POST /api/sources", s.handleAddSource)
	mux.HandleFunc("PUT /api/sources/{id}", s.handleUpdateSource)
	mux.HandleFunc("DELETE /api/sources/{id}", s.handleRemoveSource)

	mux.HandleFunc("POST /api/sync", s.handleTriggerSync)
	mux.HandleFunc("DELETE /api/sync", s.handleCancelSync)
	mux.HandleFunc("GET /api/sync/status", s.handleSyncStatus)

	mux.HandleFunc("GET /api/skills", s.handleListSkills)
	mux.HandleFunc("GET /api/skills/{id}", s.handleGetSkill)
	mux.HandleFunc("GET /api/conflicts", s.handleListConflicts)
	mux.HandleFunc("GET /api/conflicts/{id}", s.handleGetConflict)
	mux.HandleFunc("POST /api/conflicts/{id}/resolve", s.handleResolve)

	mux.HandleFunc("GET /api/download", s.handleDownload)
	mux.HandleFunc("GET /api/metadata", s.handleMetadata)
	mux.HandleFunc("GET /api/logs", s.handleListLogs)
	mux.HandleFunc("DELETE /api/logs", s.handleClearLogs)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	return s.recoverer(mux)
}

// Start binds the listener and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Listen, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http api stopped", "error", err)
		}
	}()

	s.log.Info("http api listening", "addr", ln.Addr().String())
	return nil
}

// Addr is the bound address once Start has returned.
func (s *Server) Addr() string {
	if s == nil || s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Close() error {
	if s == nil || s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.log.Error("http handler panic", "method", r.Method, "path", r.URL.Path, "panic", fmt.Sprint(v))
				writeJSON(w, http.StatusInternalServerError, apiResp{OK: false, Error: "internal error", Code: model.ErrCodeInternal})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type apiResp struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
	Data  any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, apiResp{OK: true, Data: data})
}

// writeError maps taxonomy errors onto their status; everything else is a 500 with a generic message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if e, ok := model.AsError(err); ok {
		status := e.HTTPStatus()
		if status >= http.StatusInternalServerError {
			s.log.Error("http request failed", "method", r.Method, "path", r.URL.Path, "code", e.Code(), "error", err)
		}
		msg := e.Message()
		if msg == "" {
			msg = strings.ToLower(e.Code())
		}
		writeJSON(w, status, apiResp{OK: false, Error: msg, Code: e.Code()})
		return
	}
	s.log.Error("http request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusInternalServerError, apiResp{OK: false, Error: "internal error", Code: model.ErrCodeInternal})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, apiResp{OK: false, Error: msg, Code: model.ErrCodeInvalidRequest})
}

// decodeJSON rejects unknown fields and trailing tokens.
func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data")
	}
	return nil
}
