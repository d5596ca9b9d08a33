// Package api exposes the pipeline over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/forgeworks/forged/internal/build"
	"github.com/forgeworks/forged/internal/cache"
	"github.com/forgeworks/forged/internal/memory"
	"github.com/forgeworks/forged/internal/repair"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Executor runs one build request end to end.
type Executor interface {
	Execute(ctx context.Context, req build.Request) build.Response
}

// HealthReporter exposes the self-repair monitor's view of the pipeline.
type HealthReporter interface {
	Health() repair.Health
}

// Deps holds the handler dependencies. Memory and Monitor are optional;
// their endpoints degrade gracefully when nil.
type Deps struct {
	Executor Executor
	Cache    *cache.Cache
	Memory   *memory.Store
	Monitor  HealthReporter
	Token    string
}

// NewHandler builds the HTTP router. Health is unauthenticated; everything
// else requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/build", handleBuild(deps))
		r.Get("/cache/stats", handleCacheStats(deps))
		r.Get("/projects", handleProjects(deps))
		r.Get("/patterns", handlePatterns(deps))
	})

	return r
}

func handleBuild(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req build.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		resp := deps.Executor.Execute(r.Context(), req)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusFor(resp))
		json.NewEncoder(w).Encode(resp)
	}
}

// statusFor maps a build outcome to an HTTP status. The response body is the
// full result either way.
func statusFor(resp build.Response) int {
	if resp.Success {
		return http.StatusOK
	}
	switch build.Kind(resp.ErrorKind) {
	case build.KindValidation:
		return http.StatusBadRequest
	case build.KindTimeout:
		return http.StatusGatewayTimeout
	case build.KindArbitrationReject, build.KindTestFailure, build.KindFailureExhausted:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if deps.Monitor == nil {
			w.Write([]byte(`{"status":"ok"}`))
			return
		}
		json.NewEncoder(w).Encode(deps.Monitor.Health())
	}
}

func handleCacheStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(deps.Cache.Stats())
	}
}

func handleProjects(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Memory == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "memory store not configured")
			return
		}

		limit := parseIntParam(r, "limit", 20, 100)

		var (
			records []memory.ProjectRecord
			err     error
		)
		if query := r.URL.Query().Get("similar_to"); query != "" {
			records, err = deps.Memory.FindSimilar(query, limit)
		} else {
			records, err = deps.Memory.RecentProjects(limit)
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list projects: %v", err)
			return
		}

		if records == nil {
			records = []memory.ProjectRecord{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(records)
	}
}

func handlePatterns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Memory == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "memory store not configured")
			return
		}

		patterns, err := deps.Memory.DetectedPatterns()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list patterns: %v", err)
			return
		}

		if patterns == nil {
			patterns = []memory.Pattern{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(patterns)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
