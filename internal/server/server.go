package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/dustin/sitepulse/internal/config"
	"github.com/dustin/sitepulse/internal/identity"
	"github.com/dustin/sitepulse/internal/ingest"
	"github.com/dustin/sitepulse/internal/metrics"
	"github.com/dustin/sitepulse/internal/publisher"
	"github.com/dustin/sitepulse/internal/report"
	"github.com/dustin/sitepulse/internal/storage"
	"github.com/dustin/sitepulse/internal/version"
)

// Tracker accepts page views from clients.
type Tracker interface {
	Track(ctx context.Context, pv ingest.PageView) (ingest.Outcome, error)
}

// Reports serves the actor-facing website endpoints.
type Reports interface {
	Overview(ctx context.Context, hostname, actorID string, period report.Period) (*report.Overview, error)
	RegisterWebsite(ctx context.Context, hostname, actorID string) (*storage.Website, bool, error)
	ListWebsites(ctx context.Context, actorID string) ([]storage.Website, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type StateReporter interface {
	State() publisher.State
}

// Deps are the collaborators behind the routes. Publisher, Metrics and
// MetricsHandler are optional.
type Deps struct {
	Tracker        Tracker
	Reports        Reports
	Store          Pinger
	Publisher      StateReporter
	Metrics        *metrics.Metrics
	MetricsHandler http.Handler
	Logger         *slog.Logger
}

type Server struct {
	deps        Deps
	mux         *http.ServeMux
	cfg         config.Config
	cors        cors
	rateLimiter *RateLimiter
	logger      *slog.Logger
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:        deps,
		mux:         http.NewServeMux(),
		cfg:         cfg,
		cors:        cors{origin: cfg.CORSOrigin, actorHeader: cfg.ActorHeader},
		rateLimiter: NewRateLimiter(cfg.RateLimitPerMinute, time.Minute),
		logger:      logger.With("component", "http"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /robots.txt", s.handleRobotsTxt)
	if s.deps.MetricsHandler != nil {
		s.mux.Handle("GET /metrics", s.deps.MetricsHandler)
	}

	s.mux.HandleFunc("POST /analytics", s.handleAnalytics)

	s.mux.HandleFunc("GET /overview/{hostname}", s.requireActor(s.handleOverview))
	s.mux.HandleFunc("POST /register-website", s.requireActor(s.handleRegisterWebsite))
	s.mux.HandleFunc("GET /websites", s.requireActor(s.handleWebsites))
}

// Close releases the rate limiter.
func (s *Server) Close() {
	s.rateLimiter.Stop()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	setSecurityHeaders(w)
	if s.cors.apply(w, r) {
		return
	}

	if s.rateLimiter.enabled {
		ip := extractIP(r)
		if !s.rateLimiter.Allow(ip) {
			s.logger.Debug("rate limit exceeded", "ip", ip, "path", r.URL.Path)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}

	if s.cfg.MaxRequestBodyBytes > 0 && r.ContentLength > s.cfg.MaxRequestBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if s.cfg.MaxRequestBodyBytes > 0 && r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestBodyBytes)
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)

	if s.deps.Metrics != nil {
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		} else if _, p, ok := strings.Cut(path, " "); ok {
			path = p
		}
		s.deps.Metrics.RecordHTTPRequest(r.Method, path, strconv.Itoa(rec.status), time.Since(start).Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

type actorKey struct{}

// requireActor rejects requests without the actor header. Verifying who the
// actor is happens in front of this service.
func (s *Server) requireActor(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := strings.TrimSpace(r.Header.Get(s.cfg.ActorHeader))
		if actor == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	}
}

func actorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": version.Version})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	dbStatus := "connected"
	httpStatus := http.StatusOK

	if err := s.deps.Store.Ping(r.Context()); err != nil {
		s.logger.Warn("health check failed", "error", err)
		status = "error"
		dbStatus = "disconnected"
		httpStatus = http.StatusServiceUnavailable
	}

	body := map[string]any{
		"status":  status,
		"db":      dbStatus,
		"version": version.Version,
	}
	if s.deps.Publisher != nil {
		state := s.deps.Publisher.State()
		body["queue"] = state.String()
		if state != publisher.Ready && status == "ok" {
			body["status"] = "degraded"
		}
	}
	writeJSON(w, httpStatus, body)
}

func (s *Server) handleRobotsTxt(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("User-agent: *\nDisallow: /\n"))
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	var req analyticsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserAgent == "" {
		req.UserAgent = r.UserAgent()
		if len(req.UserAgent) > 200 {
			req.UserAgent = req.UserAgent[:200]
		}
	}

	pv := ingest.PageView{
		Hostname:    req.Hostname,
		UserAgent:   req.UserAgent,
		Referrer:    req.Referrer,
		Page:        req.Page,
		IPAddress:   extractIP(r),
		CountryCode: countryCode(r.Header.Get(s.cfg.CountryHeader)),
	}
	outcome, err := s.deps.Tracker.Track(r.Context(), pv)
	switch {
	case errors.Is(err, identity.ErrUnavailable):
		s.logger.Error("track failed", "hostname", pv.Hostname, "error", err)
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	case err != nil:
		s.logger.Error("track failed", "hostname", pv.Hostname, "error", err)
		writeError(w, http.StatusInternalServerError, "event not accepted")
		return
	}
	s.logger.Debug("page view", "hostname", pv.Hostname, "outcome", outcome.String())
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := overviewRequest{
		Hostname: r.PathValue("hostname"),
		Start:    q.Get("start"),
		End:      q.Get("end"),
	}
	if err := validateRequest(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	period, err := report.ParsePeriod(req.Start, req.End)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	overview, err := s.deps.Reports.Overview(r.Context(), req.Hostname, actorFrom(r.Context()), period)
	if err != nil {
		s.writeReportError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

func (s *Server) handleRegisterWebsite(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decode(w, r, &req) {
		return
	}
	website, created, err := s.deps.Reports.RegisterWebsite(r.Context(), req.Hostname, actorFrom(r.Context()))
	if err != nil {
		s.writeReportError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, website)
}

func (s *Server) handleWebsites(w http.ResponseWriter, r *http.Request) {
	websites, err := s.deps.Reports.ListWebsites(r.Context(), actorFrom(r.Context()))
	if err != nil {
		s.writeReportError(w, r, err)
		return
	}
	if len(websites) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, websites)
}

// decode reads a JSON body into v and validates it, answering the request
// itself when that fails.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return false
	}
	if err := validateRequest(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (s *Server) writeReportError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, report.ErrNoData):
		w.WriteHeader(http.StatusNoContent)
		return
	case errors.Is(err, report.ErrInvalidPeriod):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, report.ErrNotFound):
		status, msg = http.StatusNotFound, "website not found"
	case errors.Is(err, report.ErrUnauthorized):
		status, msg = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, report.ErrDataUnavailable), errors.Is(err, identity.ErrUnavailable):
		status, msg = http.StatusServiceUnavailable, "service unavailable"
	}

	if report.IsClientError(err) {
		s.logger.Info("request refused", "path", r.URL.Path, "status", status, "error", err)
	} else {
		s.logger.Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	writeError(w, status, msg)
}

// countryCode accepts an ISO 3166 alpha-2 code from a proxy header.
func countryCode(v string) string {
	v = strings.ToUpper(strings.TrimSpace(v))
	if len(v) != 2 || v[0] < 'A' || v[0] > 'Z' || v[1] < 'A' || v[1] > 'Z' {
		return ""
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
