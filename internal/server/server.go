// Package server exposes a fetchguard.Client over a small JSON HTTP API
// for the cmd/fetchguard "serve" subcommand: a single POST endpoint that
// performs one validated fetch per call, plus a health check.
package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	charmLog "github.com/charmbracelet/log"

	"github.com/lox/fetchguard"
)

// App wraps a fetchguard.Client with an HTTP surface non-Go callers can
// use without linking the library directly.
type App struct {
	client *fetchguard.Client
	logger *charmLog.Logger
}

// AppConfig configures an App.
type AppConfig struct {
	Policy fetchguard.FetchPolicy
	Logger *charmLog.Logger
}

// New builds an App around a fresh fetchguard.Client built from cfg.Policy.
func New(cfg AppConfig) *App {
	logger := cfg.Logger
	if logger == nil {
		logger = charmLog.Default()
	}
	return &App{
		client: fetchguard.New(cfg.Policy),
		logger: logger,
	}
}

type fetchRequestBody struct {
	URL     string              `json:"url"`
	Method  string              `json:"method,omitempty"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    string              `json:"body,omitempty"`
}

type fetchResponseBody struct {
	Status   int                 `json:"status"`
	Headers  map[string][]string `json:"headers"`
	Body     string              `json:"body"`
	FinalURL string              `json:"final_url"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Handler returns the App's http.Handler: POST /v1/fetch, GET /healthz,
// wrapped in the same request-logging middleware the rest of this pack's
// services use.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.HandleFunc("POST /v1/fetch", a.handleFetch)
	return a.loggingMiddleware(mux)
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (a *App) handleFetch(w http.ResponseWriter, r *http.Request) {
	var body fetchRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body"})
		return
	}
	defer r.Body.Close()

	headers := make(fetchguard.Header, len(body.Headers))
	for name, values := range body.Headers {
		for _, v := range values {
			headers.Add(name, v)
		}
	}

	resp, err := a.client.Fetch(r.Context(), fetchguard.FetchRequest{
		URL:     body.URL,
		Method:  body.Method,
		Headers: headers,
		Body:    []byte(body.Body),
	})
	if err != nil {
		writeJSON(w, statusForRejection(err), errorBody{Error: rejectTag(err)})
		return
	}

	writeJSON(w, http.StatusOK, fetchResponseBody{
		Status:   resp.Status,
		Headers:  map[string][]string(resp.Headers),
		Body:     string(resp.Body),
		FinalURL: resp.FinalURL,
	})
}

// rejectTags maps each sentinel to a stable tag callers can match on
// without parsing free text.
var rejectTags = []struct {
	err error
	tag string
}{
	{fetchguard.ErrSchemeDisallowed, "scheme_disallowed"},
	{fetchguard.ErrHostMalformed, "host_malformed"},
	{fetchguard.ErrAllowlistMiss, "allowlist_miss"},
	{fetchguard.ErrBlocklistHit, "blocklist_hit"},
	{fetchguard.ErrPrivateIPBlocked, "private_ip_blocked"},
	{fetchguard.ErrDNSFailure, "dns_failure"},
	{fetchguard.ErrTooManyRedirects, "too_many_redirects"},
	{fetchguard.ErrTimeout, "timeout"},
	{fetchguard.ErrBodyTooLarge, "body_too_large"},
	{fetchguard.ErrRateLimited, "rate_limited"},
	{fetchguard.ErrUpstreamError, "upstream_error"},
}

func rejectTag(err error) string {
	for _, rt := range rejectTags {
		if errors.Is(err, rt.err) {
			return rt.tag
		}
	}
	return "upstream_error"
}

func statusForRejection(err error) int {
	switch {
	case errors.Is(err, fetchguard.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, fetchguard.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, fetchguard.ErrSchemeDisallowed),
		errors.Is(err, fetchguard.ErrHostMalformed),
		errors.Is(err, fetchguard.ErrAllowlistMiss),
		errors.Is(err, fetchguard.ErrBlocklistHit),
		errors.Is(err, fetchguard.ErrPrivateIPBlocked):
		return http.StatusForbidden
	case errors.Is(err, fetchguard.ErrBodyTooLarge):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func (a *App) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		statusCode := recorder.status()
		level := charmLog.InfoLevel
		switch {
		case statusCode >= http.StatusInternalServerError:
			level = charmLog.ErrorLevel
		case statusCode >= http.StatusBadRequest:
			level = charmLog.WarnLevel
		default:
			level = charmLog.DebugLevel
		}

		keyvals := []interface{}{
			"method", r.Method,
			"path", r.URL.Path,
			"status", statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"response_bytes", recorder.bytesWritten,
		}
		if remoteAddr := clientIP(r.RemoteAddr); remoteAddr != "" {
			keyvals = append(keyvals, "remote_addr", remoteAddr)
		}

		a.logger.Log(level, "http request", keyvals...)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Write(data []byte) (int, error) {
	if r.statusCode == 0 {
		r.statusCode = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(data)
	r.bytesWritten += n
	return n, err
}

func (r *statusRecorder) status() int {
	if r.statusCode == 0 {
		return http.StatusOK
	}
	return r.statusCode
}

func (r *statusRecorder) Flush() {
	flusher, ok := r.ResponseWriter.(http.Flusher)
	if !ok {
		return
	}
	flusher.Flush()
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacker not supported")
	}
	return hijacker.Hijack()
}

func (r *statusRecorder) Push(target string, opts *http.PushOptions) error {
	pusher, ok := r.ResponseWriter.(http.Pusher)
	if !ok {
		return http.ErrNotSupported
	}
	return pusher.Push(target, opts)
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
