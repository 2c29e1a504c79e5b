package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/toricodesthings/document-ingestion-service/internal/config"
	"github.com/toricodesthings/document-ingestion-service/internal/format"
	"github.com/toricodesthings/document-ingestion-service/internal/pipeline"
	"github.com/toricodesthings/document-ingestion-service/internal/storage"
	"github.com/toricodesthings/document-ingestion-service/internal/types"
)

const (
	version  = "1.0.0"
	xlsxType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	// Room for multipart boundaries and headers on top of the file itself.
	multipartOverhead = 1 << 20
)

type app struct {
	cfg       config.Config
	processor *pipeline.Processor
	logger    *slog.Logger

	requestSem *semaphore.Weighted

	// Per-IP rate limiters
	limiters sync.Map

	metrics serverMetrics
}

type serverMetrics struct {
	mu            sync.RWMutex
	totalRequests int64
	activeReqs    int64
	failedReqs    int64
}

func (m *serverMetrics) incActive() {
	m.mu.Lock()
	m.activeReqs++
	m.totalRequests++
	m.mu.Unlock()
}

func (m *serverMetrics) decActive(failed bool) {
	m.mu.Lock()
	m.activeReqs--
	if failed {
		m.failedReqs++
	}
	m.mu.Unlock()
}

func (m *serverMetrics) get() (total, active, failed int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalRequests, m.activeReqs, m.failedReqs
}

func newApp(cfg config.Config, processor *pipeline.Processor, logger *slog.Logger) *app {
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &app{
		cfg:        cfg,
		processor:  processor,
		logger:     logger,
		requestSem: semaphore.NewWeighted(cfg.MaxConcurrentRequests),
	}
}

func (a *app) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(a.withRequestID)
	r.Use(a.withLogging)
	r.Use(a.withRecovery)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, http.StatusNotFound, "not_found", "No such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	})

	r.Get("/health", a.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(a.withInternalAuth)
		r.Get("/metrics", a.handleMetrics)

		r.Group(func(r chi.Router) {
			r.Use(a.withRateLimit)
			r.Use(a.withConcurrencyLimit)
			r.Post("/process", a.handleProcess)
			r.Post("/v1/chat", a.handleTables)
		})
	})
	return r
}

// housekeeping logs runtime stats and resets rate limiters every
// CleanupInterval until ctx ends.
func (a *app) housekeeping(ctx context.Context) {
	interval := a.cfg.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		total, active, failed := a.metrics.get()
		a.logger.Info("stats",
			"active", active, "total", total, "failed", failed,
			"goroutines", runtime.NumGoroutine(), "mem_mb", m.Alloc/(1<<20))

		a.limiters.Clear()
	}
}

// ---------- Handlers ----------

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, active, _ := a.metrics.get()
	status := "healthy"
	code := http.StatusOK

	ratio := a.cfg.HealthDegradeRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 0.9
	}

	if active >= int64(float64(a.cfg.MaxConcurrentRequests)*ratio) {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":    status,
		"active":    active,
		"converter": a.cfg.Converter,
		"version":   version,
	})
}

func (a *app) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	total, active, failed := a.metrics.get()

	writeJSON(w, http.StatusOK, map[string]any{
		"activeRequests": active,
		"totalRequests":  total,
		"failedRequests": failed,
		"goroutines":     runtime.NumGoroutine(),
		"memAllocMB":     m.Alloc / (1 << 20),
		"memSysMB":       m.Sys / (1 << 20),
	})
}

func (a *app) handleProcess(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.cfg.MaxUploadBytes+multipartOverhead)

	name, data, err := readUpload(r, "file", a.cfg.MaxUploadBytes)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || errors.Is(err, errUploadTooLarge) {
			writeErr(w, http.StatusRequestEntityTooLarge, "too_large", fmt.Sprintf("File exceeds %dMB limit", a.cfg.MaxUploadBytes>>20))
			return
		}
		writeErr(w, http.StatusBadRequest, "bad_request", sanitizeError(err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.cfg.ProcessTimeout)
	defer cancel()

	resp, err := a.processor.Process(ctx, name, data)
	if err != nil {
		a.writeProcessErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *app) handleTables(w http.ResponseWriter, r *http.Request) {
	asXLSX := false
	switch f := strings.ToLower(r.URL.Query().Get("format")); f {
	case "", "json":
	case "xlsx":
		asXLSX = true
	default:
		writeErr(w, http.StatusBadRequest, "bad_request", "format must be json or xlsx")
		return
	}

	req, err := parseJSON[types.ObjectRequest](r, a.cfg.MaxJSONBodyBytes)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", sanitizeError(err))
		return
	}
	if err := validateObjectRequest(req); err != nil {
		writeErr(w, http.StatusBadRequest, "validation_failed", sanitizeError(err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.cfg.TablesTimeout)
	defer cancel()

	resp, err := a.processor.ProcessObject(ctx, req.ObjectName)
	if err != nil {
		a.writeProcessErr(w, r, err)
		return
	}

	if !asXLSX {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	book, err := format.TablesWorkbook(resp)
	if err != nil {
		a.writeProcessErr(w, r, err)
		return
	}
	base := strings.TrimSuffix(filepath.Base(req.ObjectName), filepath.Ext(req.ObjectName))
	w.Header().Set("Content-Type", xlsxType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": base + ".xlsx"}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(book)
}

// writeProcessErr maps pipeline failures to HTTP statuses. Order matters:
// size and capacity errors also wrap the broader storage and context
// errors.
func (a *app) writeProcessErr(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, pipeline.ErrBadInput):
		status, code = http.StatusBadRequest, "bad_request"
	case errors.Is(err, storage.ErrObjectNotFound):
		status, code = http.StatusNotFound, "object_not_found"
	case errors.Is(err, storage.ErrObjectTooLarge):
		status, code = http.StatusRequestEntityTooLarge, "too_large"
	case errors.Is(err, pipeline.ErrNoStore):
		status, code = http.StatusServiceUnavailable, "storage_disabled"
	case errors.Is(err, pipeline.ErrCapacity):
		status, code = http.StatusServiceUnavailable, "convert_capacity"
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, pipeline.ErrStorage):
		status, code = http.StatusBadGateway, "storage_failed"
	case errors.Is(err, pipeline.ErrConversion):
		status, code = http.StatusUnprocessableEntity, "conversion_failed"
	}

	log := a.requestLogger(r)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "status", status, "error", err)
	} else {
		log.Warn("request rejected", "status", status, "error", err)
	}
	writeErr(w, status, code, sanitizeError(err))
}

// ---------- Middleware ----------

func (a *app) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(middleware.RequestIDHeader))
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(middleware.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *app) requestLogger(r *http.Request) *slog.Logger {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return a.logger.With("request_id", id)
	}
	return a.logger
}

func (a *app) withInternalAuth(next http.Handler) http.Handler {
	shared := a.cfg.InternalSharedSecret
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Internal-Auth")
		if shared == "" || subtle.ConstantTimeCompare([]byte(got), []byte(shared)) != 1 {
			writeErr(w, http.StatusUnauthorized, "unauthorized", "Invalid authentication")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *app) withConcurrencyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.requestSem.Acquire(r.Context(), 1); err != nil {
			writeErr(w, http.StatusServiceUnavailable, "capacity", "Service at capacity")
			return
		}
		defer a.requestSem.Release(1)

		ww, ok := w.(middleware.WrapResponseWriter)
		if !ok {
			ww = middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		}

		a.metrics.incActive()
		defer func() { a.metrics.decActive(ww.Status() >= http.StatusInternalServerError) }()

		next.ServeHTTP(ww, r)
	})
}

func (a *app) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := a.rateLimiter(clientIP(r))

		if !limiter.Allow() {
			w.Header().Set("Retry-After", "60")
			writeErr(w, http.StatusTooManyRequests, "rate_limit", "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *app) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				a.requestLogger(r).Error("panic", "panic", fmt.Sprint(rec), "path", sanitizeLogString(r.URL.Path))
				writeErr(w, http.StatusInternalServerError, "internal_error", "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (a *app) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		a.requestLogger(r).Info("http",
			"method", r.Method,
			"path", sanitizeLogString(r.URL.Path),
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", clientIP(r))
	})
}

// ---------- Helpers ----------

func (a *app) rateLimiter(ip string) *rate.Limiter {
	if v, ok := a.limiters.Load(ip); ok {
		return v.(*rate.Limiter)
	}

	every := a.cfg.RateLimitEvery
	if every <= 0 {
		every = 600 * time.Millisecond // ~100/min
	}
	burst := a.cfg.RateLimitBurst
	if burst <= 0 {
		burst = 20
	}

	v, _ := a.limiters.LoadOrStore(ip, rate.NewLimiter(rate.Every(every), burst))
	return v.(*rate.Limiter)
}

// clientIP reads RemoteAddr, which middleware.RealIP has already replaced
// with the forwarded address when one was sent.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

var errUploadTooLarge = errors.New("upload too large")

// readUpload returns the first multipart part named field. Other parts are
// skipped without buffering.
func readUpload(r *http.Request, field string, limit int64) (string, []byte, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return "", nil, fmt.Errorf("multipart body required: %w", err)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return "", nil, fmt.Errorf("%s field required", field)
		}
		if err != nil {
			return "", nil, fmt.Errorf("read multipart: %w", err)
		}
		if part.FormName() != field {
			_ = part.Close()
			continue
		}

		data, err := io.ReadAll(io.LimitReader(part, limit+1))
		_ = part.Close()
		if err != nil {
			return "", nil, fmt.Errorf("read %s: %w", field, err)
		}
		if int64(len(data)) > limit {
			return "", nil, errUploadTooLarge
		}
		return uploadName(part.FileName()), data, nil
	}
}

func uploadName(name string) string {
	name = filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "" || name == "." || name == "/" {
		return "upload"
	}
	return name
}

func validateObjectRequest(req types.ObjectRequest) error {
	name := strings.TrimSpace(req.ObjectName)
	if name == "" {
		return fmt.Errorf("object_name required")
	}
	if len(name) > 1024 {
		return fmt.Errorf("object_name too long")
	}
	if strings.ContainsAny(name, "\x00\r\n") {
		return fmt.Errorf("object_name contains control characters")
	}
	return nil
}

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	msg = strings.ReplaceAll(msg, os.TempDir(), "[tmp]")
	if len(msg) > 300 {
		msg = msg[:300] + "..."
	}
	return msg
}

func sanitizeLogString(s string) string {
	s = strings.ReplaceAll(s, "\n", "")
	s = strings.ReplaceAll(s, "\r", "")
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

func parseJSON[T any](r *http.Request, limit int64) (T, error) {
	var out T
	dec := json.NewDecoder(io.LimitReader(r.Body, limit))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&out); err != nil {
		return out, err
	}

	// Ensure there's nothing else after the first JSON value
	if err := dec.Decode(new(any)); err != io.EOF {
		if err == nil {
			return out, fmt.Errorf("unexpected trailing data")
		}
		return out, err
	}

	return out, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
		"code":    code,
	})
}
