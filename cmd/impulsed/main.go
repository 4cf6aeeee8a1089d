// Command impulsed is the purchase-analysis daemon: it wires the Fast
// Stage scorer, the LLM-backed Reasoner, the Memory Store/Mutator, the
// vector index, and the HTTP API together and serves them until signaled
// to stop.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/impulseguard/impulsed/internal/config"
	"github.com/impulseguard/impulsed/internal/httpapi"
	"github.com/impulseguard/impulsed/internal/index"
	"github.com/impulseguard/impulsed/internal/llmgateway"
	"github.com/impulseguard/impulsed/internal/memory"
	"github.com/impulseguard/impulsed/internal/metrics"
	"github.com/impulseguard/impulsed/internal/pipeline"
	"github.com/impulseguard/impulsed/internal/reasoner"
	"github.com/impulseguard/impulsed/internal/scoring"
)

var configPath = flag.String("config", "", "Path to impulsed.yaml; if omitted, defaults plus IMPULSED_* environment overrides are used (memory_dir must then come from IMPULSED_MEMORY_DIR)")

func main() {
	flag.Parse()
	setupLogging()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("impulsed: invalid configuration")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	log.Info().
		Str("memory_dir", cfg.MemoryDir).
		Str("weight_profile", cfg.WeightProfile).
		Str("http_addr", cfg.HTTPAddr).
		Msg("starting impulsed")

	app, err := build(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("impulsed: failed to initialize")
	}
	defer app.index.Close()

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: app.httpServer.Handler()}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("impulsed: HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("impulsed: HTTP server stopped unexpectedly")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("impulsed: shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("impulsed: graceful shutdown failed")
	}
	log.Info().Msg("impulsed: stopped")
}

func setupLogging() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

type application struct {
	store      *memory.Store
	index      *index.Index
	mutator    *memory.Mutator
	orch       *pipeline.Orchestrator
	metrics    *metrics.Metrics
	httpServer *httpapi.Server
}

func build(cfg config.Config) (*application, error) {
	store := memory.NewStore(cfg.MemoryDir)
	if err := store.EnsureInitialized(); err != nil {
		return nil, err
	}

	const indexFile = "index.sqlite"
	store.SetIndexArtifact(indexFile)
	idx, err := index.Open(cfg.MemoryDir + "/" + indexFile)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	idx.SetRecorder(m)

	var primaryGateway *llmgateway.Gateway
	llmAvailable := false
	if cfg.LLMCredentialsPath != "" {
		gwCfg, err := llmgateway.ResolvePreset(cfg.LLMPrimaryPreset, llmgateway.Config{
			CredentialsPath:         cfg.LLMCredentialsPath,
			RateLimitRPS:            cfg.LLMRateLimitRPS,
			RateLimitBurst:          cfg.LLMRateLimitBurst,
			BreakerFailureThreshold: cfg.LLMBreakerFailureThreshold,
			BreakerCooldown:         cfg.LLMBreakerCooldown,
		})
		if err != nil {
			log.Warn().Err(err).Msg("impulsed: could not resolve primary LLM preset, running in degraded (fast-stage-only) mode")
		} else if gw, err := llmgateway.New(gwCfg); err != nil {
			log.Warn().Err(err).Msg("impulsed: could not initialize primary LLM gateway, running in degraded (fast-stage-only) mode")
		} else {
			gw.SetRecorder(m)
			primaryGateway = gw
			llmAvailable = true
		}
	}

	var rsn *reasoner.Reasoner
	if primaryGateway != nil {
		ensemble := buildEnsemble(cfg, m)
		rsn = reasoner.New(primaryGateway, ensemble...)
	}

	var refiner memory.Refiner
	if rsn != nil {
		refiner = rsn
	}
	mutator := memory.NewMutator(store, idx, refiner, cfg.RefinementThreshold, cfg.ConsolidationSizeThreshold, cfg.ConsolidationObservationThreshold)
	mutator.SetRecorder(m)

	orch := &pipeline.Orchestrator{
		Baselines:     scoring.DefaultBaselines(),
		Prior:         cfg.PriorP,
		WeightProfile: scoring.WeightProfile(cfg.WeightProfile),
		Retriever:     idx,
		Reader:        store,
		Reasoner:      rsn,
		Mutator:       mutator,
		OnStage: func(result pipeline.StageResult) {
			m.StageDuration.WithLabelValues(string(result.Stage)).Observe(result.Duration.Seconds())
		},
	}

	httpServer := &httpapi.Server{
		Orchestrator:   orch,
		Store:          store,
		Index:          idx,
		Mutator:        mutator,
		Metrics:        m,
		RequestTimeout: cfg.RequestTimeout,
	}
	httpServer.SetLLMAvailable(llmAvailable)

	return &application{
		store: store, index: idx, mutator: mutator, orch: orch,
		metrics: m, httpServer: httpServer,
	}, nil
}

func buildEnsemble(cfg config.Config, m *metrics.Metrics) []reasoner.Gateway {
	var ensemble []reasoner.Gateway
	for _, preset := range cfg.EnsembleProviders {
		gwCfg, err := llmgateway.ResolvePreset(preset, llmgateway.Config{
			RateLimitRPS:            cfg.LLMRateLimitRPS,
			RateLimitBurst:          cfg.LLMRateLimitBurst,
			BreakerFailureThreshold: cfg.LLMBreakerFailureThreshold,
			BreakerCooldown:         cfg.LLMBreakerCooldown,
		})
		if err != nil {
			log.Warn().Err(err).Str("preset", preset).Msg("impulsed: skipping unknown ensemble preset")
			continue
		}
		gw, err := llmgateway.New(gwCfg)
		if err != nil {
			log.Warn().Err(err).Str("preset", preset).Msg("impulsed: skipping ensemble gateway that failed to initialize")
			continue
		}
		gw.SetRecorder(m)
		ensemble = append(ensemble, gw)
	}
	return ensemble
}
