// Package router configures the HTTP routes of corridor.
//
// Routes configured:
//   - GET /api/traffic/today?daysBack=N - Current service day plus N previous days
//   - GET /api/traffic/days/{day}?radius=R - Day window centered on a service day
//   - GET /api/traffic/batch?days=YYYY-MM-DD,... - Independent per-day reads
//   - GET /healthz - JSON diagnostics, 503 when degraded
//   - GET /metrics - Prometheus metrics endpoint
//
// Busy or memory constrained reads answer 503 with a Retry-After header.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HatiCode/corridor/pkg/admission"
	"github.com/HatiCode/corridor/pkg/httpx"
	"github.com/HatiCode/corridor/pkg/traffic"
)

const (
	requestTimeout = 30 * time.Second
	defaultRadius  = 1
)

// SetupRoutes configures HTTP endpoints for corridor. A nil gatherer serves
// the default Prometheus registry.
func SetupRoutes(svc *traffic.Service, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{svc: svc, logger: logger}

	r := mux.NewRouter()

	api := r.PathPrefix("/api/traffic").Methods(http.MethodGet).Subrouter()
	api.HandleFunc("/today", h.today)
	api.HandleFunc("/days/{day}", h.dayWindow)
	api.HandleFunc("/batch", h.batch)

	r.Handle("/healthz", httpx.HealthReportHandler(svc.Health, func(rep traffic.Health) bool {
		return rep.Status == traffic.StatusOK
	})).Methods(http.MethodGet)

	metrics := promhttp.Handler()
	if gatherer != nil {
		metrics = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	r.Handle("/metrics", metrics).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteErrorMessage(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteErrorMessage(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Use(httpx.RecoveryMiddleware(logger), httpx.LoggingMiddleware(logger, "/healthz", "/metrics"))
	return r
}

type handlers struct {
	svc    *traffic.Service
	logger *slog.Logger
}

// today handles GET /api/traffic/today?daysBack=N.
func (h *handlers) today(w http.ResponseWriter, r *http.Request) {
	daysBack, err := intParam(r, "daysBack", 0)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	resp, err := h.svc.QueryToday(ctx, daysBack)
	if err != nil {
		h.writeQueryError(w, r, err)
		return
	}
	h.writeJSON(w, resp)
}

// dayWindow handles GET /api/traffic/days/{day}?radius=R.
func (h *handlers) dayWindow(w http.ResponseWriter, r *http.Request) {
	day := mux.Vars(r)["day"]
	radius, err := intParam(r, "radius", defaultRadius)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	resp, err := h.svc.QueryDayWindow(ctx, day, radius)
	if err != nil {
		h.writeQueryError(w, r, err)
		return
	}
	h.writeJSON(w, resp)
}

// batch handles GET /api/traffic/batch?days=a,b,c.
func (h *handlers) batch(w http.ResponseWriter, r *http.Request) {
	var days []string
	for _, v := range r.URL.Query()["days"] {
		for _, d := range strings.Split(v, ",") {
			if d = strings.TrimSpace(d); d != "" {
				days = append(days, d)
			}
		}
	}
	if len(days) == 0 {
		httpx.WriteErrorMessage(w, http.StatusBadRequest, "days parameter required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	resp, err := h.svc.QueryDays(ctx, days)
	if err != nil {
		h.writeQueryError(w, r, err)
		return
	}
	h.writeJSON(w, resp)
}

func (h *handlers) writeJSON(w http.ResponseWriter, v any) {
	if err := httpx.WriteJSON(w, http.StatusOK, v); err != nil {
		h.logger.Error("failed to write JSON response", "error", err)
	}
}

// writeQueryError maps service errors to HTTP responses.
func (h *handlers) writeQueryError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, traffic.ErrInvalidArgument) {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if retryAfter, ok := admission.Retryable(err); ok {
		h.logger.Warn("heavy read rejected", "path", r.URL.Path, "error", err, "retry_after", retryAfter)
		httpx.WriteUnavailable(w, err, retryAfter)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		h.logger.Warn("query did not finish", "path", r.URL.Path, "error", err)
		httpx.WriteUnavailable(w, errors.New("request timed out"), time.Second)
		return
	}

	h.logger.Error("query failed", "path", r.URL.Path, "error", err)
	httpx.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", name, raw)
	}
	return n, nil
}
