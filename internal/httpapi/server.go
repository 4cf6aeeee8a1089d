// Package httpapi exposes the purchase-analysis service over HTTP on a
// go-chi/chi/v5 router: the primary analysis endpoint plus the secondary
// sync/preferences/reset/consolidate/health endpoints of SPEC_FULL.md §6.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/impulseguard/impulsed/internal/memory"
	"github.com/impulseguard/impulsed/internal/metrics"
	"github.com/impulseguard/impulsed/internal/pipeline"
)

// Indexer is the subset of the Vector Index Adapter the HTTP layer drives
// directly (sync/reset), distinct from pipeline.Retriever's read path.
type Indexer interface {
	Reindex(ctx context.Context, contents map[memory.FileName]string) error
	Count(ctx context.Context) (int, error)
}

// Store is the subset of the Memory Store the HTTP layer drives directly.
type Store interface {
	Read(name memory.FileName) (string, error)
	Exists(name memory.FileName) bool
	Write(name memory.FileName, content string) error
	Reset() error
}

// Mutator is the subset of the Memory Mutator the consolidate endpoint
// drives directly.
type Mutator interface {
	Consolidate(ctx context.Context) []memory.ConsolidationReport
}

// Server holds every dependency the HTTP handlers need.
type Server struct {
	Orchestrator *pipeline.Orchestrator
	Store        Store
	Index        Indexer
	Mutator      Mutator
	Metrics      *metrics.Metrics

	RequestTimeout time.Duration

	llmAvailable bool
}

// SetLLMAvailable records whether the Gateway is configured, for the health
// endpoint's llm_available field.
func (s *Server) SetLLMAvailable(v bool) { s.llmAvailable = v }

// Handler builds the chi router with every route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	timeout := s.RequestTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	r.Use(middleware.Timeout(timeout))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/analyze", s.handleAnalyze)
		r.Post("/sync", s.handleSync)
		r.Post("/preferences", s.handlePreferences)
		r.Post("/reset", s.handleReset)
		r.Post("/consolidate", s.handleConsolidate)
		r.Get("/health", s.handleHealth)
	})

	if s.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	return r
}
