// Package httpx holds corridor's HTTP plumbing: a server with graceful
// shutdown, JSON response helpers, request middleware and the outbound client
// used by traffic adapters.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"
)

// DefaultWriteTimeout bounds one response, including any time a heavy read
// spends queued for admission.
const DefaultWriteTimeout = 45 * time.Second

// Server is an http.Server that logs its lifecycle and stops gracefully.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer returns a Server for addr. A nil handler serves
// http.DefaultServeMux.
func NewServer(addr string, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       2 * time.Minute,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		},
		logger: logger.With("component", "http"),
	}
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.srv.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop. A graceful stop returns nil.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("serving HTTP", "addr", ln.Addr().String())
	if err := s.srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Stop drains open connections for at most timeout, then closes the server.
func (s *Server) Stop(timeout time.Duration) error {
	s.logger.Info("draining HTTP connections", "timeout", timeout)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.srv.Shutdown(ctx); err != nil {
		_ = s.srv.Close()
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// ErrorResponse is the body of every error reply: {"error":"<msg>"}.
// RetryAfterSeconds mirrors the Retry-After header on 503 replies.
type ErrorResponse struct {
	Error             string `json:"error"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

// WriteJSON encodes v and writes it with status. v is encoded before any
// header is sent, so an encoding failure still produces a clean 500.
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return fmt.Errorf("encode response: %w", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

// WriteError replies with status and err's message.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeError(w, status, ErrorResponse{Error: err.Error()})
}

// WriteErrorMessage replies with status and message.
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	writeError(w, status, ErrorResponse{Error: message})
}

// WriteUnavailable replies 503 with a Retry-After header. retryAfter is
// rounded up to whole seconds, minimum one.
func WriteUnavailable(w http.ResponseWriter, err error, retryAfter time.Duration) {
	secs := max(1, int(math.Ceil(retryAfter.Seconds())))
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), RetryAfterSeconds: secs})
}

func writeError(w http.ResponseWriter, status int, resp ErrorResponse) {
	if err := WriteJSON(w, status, resp); err != nil {
		slog.Warn("failed to write error response", "status", status, "message", resp.Error, "error", err)
	}
}

// HealthReportHandler serves report() as JSON. The reply is 503 when
// healthy returns false.
func HealthReportHandler[T any](report func(ctx context.Context) T, healthy func(T) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep := report(r.Context())
		status := http.StatusOK
		if healthy != nil && !healthy(rep) {
			status = http.StatusServiceUnavailable
		}
		if err := WriteJSON(w, status, rep); err != nil {
			slog.Warn("failed to write health report", "error", err)
		}
	}
}

// LoggingMiddleware logs one line per request with its status, response
// size and latency. Replies of 500 and above log at warn; requests to
// quietPaths (probes, scrapes) log at debug.
func LoggingMiddleware(logger *slog.Logger, quietPaths ...string) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	quiet := make(map[string]struct{}, len(quietPaths))
	for _, p := range quietPaths {
		quiet[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			began := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			level := slog.LevelInfo
			if _, ok := quiet[r.URL.Path]; ok {
				level = slog.LevelDebug
			}
			if rec.status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}

			logger.Log(r.Context(), level, "HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"query", r.URL.RawQuery,
				"status", rec.status,
				"bytes", rec.written,
				"duration_ms", time.Since(began).Milliseconds(),
			)
		})
	}
}

// statusRecorder captures the reply status and body size.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	n, err := s.ResponseWriter.Write(b)
	s.written += n
	return n, err
}

// RecoveryMiddleware turns a handler panic into a logged 500 reply.
func RecoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					if v == http.ErrAbortHandler {
						panic(v)
					}
					logger.Error("handler panicked",
						"panic", fmt.Sprint(v),
						"method", r.Method,
						"path", r.URL.Path,
						"stack", string(debug.Stack()),
					)
					WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// NewClient returns the client used for outbound traffic API calls. Adapters
// poll a single host point after point, so idle connections are kept per
// host.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          16,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ResponseHeaderTimeout: timeout,
		},
	}
}
