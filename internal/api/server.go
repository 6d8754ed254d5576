package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/orderhist-crawler/internal/crawler"
	"github.com/JakeFAU/orderhist-crawler/internal/metrics"
	"github.com/JakeFAU/orderhist-crawler/internal/middleware"
)

const (
	defaultErrorLimit = 100
	maxErrorLimit     = 1000
	queryTimeout      = 5 * time.Second
)

// Source is the read side of the store the API serves from.
type Source interface {
	crawler.ReportSource
	Years(ctx context.Context) ([]int, error)
	YearStatus(ctx context.Context, year int) (crawler.YearStatus, error)
	ListErrors(ctx context.Context, filter crawler.ErrorFilter) ([]crawler.ErrorLogEntry, error)
	ErrorByID(ctx context.Context, id int64) (crawler.ErrorLogEntry, error)
}

// Server wires HTTP handlers to the store.
type Server struct {
	router chi.Router
	source Source
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(source Source, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{source: source, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(middleware.Metrics)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/summary", s.summary)
		r.Get("/years", s.listYears)
		r.Get("/records", s.listRecords)
		r.Get("/errors", s.listErrors)
		r.Get("/errors/{id}", s.getError)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// summary handles GET /v1/summary: record and ledger totals plus last_modified.
func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()
	report, err := s.source.Report(ctx)
	if err != nil {
		s.logger.Error("load report failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load report")
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(report))
}

// listYears handles GET /v1/years.
func (s *Server) listYears(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()
	years, err := s.source.Years(ctx)
	if err != nil {
		s.logger.Error("list years failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list years")
		return
	}
	out := make([]yearDTO, 0, len(years))
	for _, year := range years {
		status, err := s.source.YearStatus(ctx, year)
		if err != nil {
			s.logger.Error("load year failed", zap.Int("year", year), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load year")
			return
		}
		out = append(out, toYearDTO(status))
	}
	writeJSON(w, http.StatusOK, map[string]any{"years": out})
}

// listRecords handles GET /v1/records?year=. Records come in report order.
func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	var year *int
	if raw := strings.TrimSpace(r.URL.Query().Get("year")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "invalid year")
			return
		}
		year = &v
	}
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()
	report, err := s.source.Report(ctx)
	if err != nil {
		s.logger.Error("load report failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load records")
		return
	}
	out := make([]recordDTO, 0, len(report.Records))
	for _, rec := range report.Records {
		if year != nil && rec.Year != *year {
			continue
		}
		out = append(out, toRecordDTO(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": out})
}

// listErrors handles GET /v1/errors?all=&context=&limit=. Only unresolved
// entries are listed unless all is true.
func (s *Server) listErrors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter crawler.ErrorFilter
	if raw := q.Get("all"); raw != "" {
		all, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid all flag")
			return
		}
		filter.IncludeResolved = all
	}
	if raw := q.Get("context"); raw != "" {
		errCtx, err := parseContext(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Context = errCtx
	}
	limit, err := parseLimit(q.Get("limit"), defaultErrorLimit, maxErrorLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.Limit = limit

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()
	entries, err := s.source.ListErrors(ctx, filter)
	if err != nil {
		s.logger.Error("list errors failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list errors")
		return
	}
	out := make([]errorDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, toErrorDTO(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": out})
}

// getError handles GET /v1/errors/{id}.
func (s *Server) getError(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid error id")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()
	entry, err := s.source.ErrorByID(ctx, id)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			writeError(w, http.StatusNotFound, "error entry not found")
			return
		}
		s.logger.Error("get error failed", zap.Int64("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load error entry")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"error": toErrorDTO(entry)})
}

func parseContext(raw string) (crawler.ErrorContext, error) {
	switch c := crawler.ErrorContext(strings.ToLower(strings.TrimSpace(raw))); c {
	case crawler.ContextYear, crawler.ContextOrder, crawler.ContextCategory, crawler.ContextThumbnail:
		return c, nil
	default:
		return "", fmt.Errorf("invalid context %q", raw)
	}
}

func parseLimit(raw string, def, limit int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(v, limit), nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", reqID),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
