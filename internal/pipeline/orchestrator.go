// Package pipeline wires the Scoring Kernel, Memory Store/Vector Index, and
// Reasoner into the single request-scoped procedure the purchase-analysis
// endpoint runs: telemetry -> fast score -> retrieve -> reason -> optional
// memory mutation -> response. Unlike the teacher lineage's continuous
// trading workflow, every stage here runs exactly once per inbound request;
// there is no background loop.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/impulseguard/impulsed/internal/memory"
	"github.com/impulseguard/impulsed/internal/reasoner"
	"github.com/impulseguard/impulsed/internal/scoring"
)

// Stage names one of the six timed steps (the seventh, the recover()
// fallback, is not timed), reported to Metrics & Logging as
// instrumented wall-clock durations (mirroring the teacher's
// StageResult/runStage pattern, collapsed into a synchronous call chain).
type Stage string

const (
	StageTelemetry    Stage = "telemetry"
	StageFastScore    Stage = "fast_score"
	StageRetrieve     Stage = "retrieve"
	StageReason       Stage = "reason"
	StageMutate       Stage = "mutate"
	StageComposeReply Stage = "compose_reply"
)

// StageResult is one timed stage's outcome, handed to the StageObserver.
type StageResult struct {
	Stage    Stage
	Success  bool
	Error    string
	Duration time.Duration
}

// StageObserver receives a StageResult after every stage; nil is a valid,
// no-op default.
type StageObserver func(StageResult)

// Retriever is the subset of the Vector Index Adapter the Orchestrator needs.
type Retriever interface {
	Query(ctx context.Context, text string, k int, filter []memory.FileName) ([]memory.Chunk, error)
}

// MemoryReader is the subset of the Memory Store the Orchestrator needs for
// the always-include fallback reads.
type MemoryReader interface {
	Read(name memory.FileName) (string, error)
	Exists(name memory.FileName) bool
}

// Mutator applies a validated memory_update string per §4.F.
type Mutator interface {
	Apply(ctx context.Context, update string) (memory.MutationResult, error)
}

// Request is the primary endpoint's inbound purchase-analysis payload.
type Request struct {
	Product            string
	Cost               float64
	Website            string
	TimeToCart         *float64
	TimeOnSite         float64
	ClickCount         int
	PeakScrollVelocity float64
	SystemHour         int
}

// Response is the primary endpoint's reply: fast-stage fields echoed
// alongside the (possibly degraded) reasoning verdict fields.
type Response struct {
	PImpulseFast             float64              `json:"p_impulse_fast"`
	FastBrainIntervention    scoring.Intervention `json:"fast_brain_intervention"`
	FastBrainDominantTrigger string               `json:"fast_brain_dominant_trigger"`
	ImpulseScore             float64              `json:"impulse_score"`
	Confidence               float64              `json:"confidence"`
	Reasoning                string               `json:"reasoning"`
	InterventionAction       scoring.Intervention `json:"intervention_action"`
	MemoryUpdate             *string              `json:"memory_update"`
}

// Orchestrator runs the seven-step procedure of §4.G.
type Orchestrator struct {
	Baselines      scoring.Baselines
	Prior          float64
	WeightProfile  scoring.WeightProfile

	Retriever Retriever // nil disables retrieval; falls back to direct reads
	Reader    MemoryReader
	Reasoner  *reasoner.Reasoner
	Mutator   Mutator // nil disables memory mutation entirely

	OnStage StageObserver
}

// Analyze runs the full pipeline for one purchase event. It never returns an
// error: any unhandled failure downgrades to the complete fallback verdict of
// §4.G step 7, matching "the purchase endpoint never 5xxs".
func (o *Orchestrator) Analyze(ctx context.Context, req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("pipeline: recovered from panic, returning complete fallback verdict")
			resp = completeFallback()
		}
	}()

	var tele scoring.Telemetry
	o.timed(StageTelemetry, func() error {
		tele = scoring.Telemetry{
			Product:            req.Product,
			Cost:               req.Cost,
			Website:            req.Website,
			TimeToCart:         req.TimeToCart,
			TimeOnSite:         req.TimeOnSite,
			ClickCount:         req.ClickCount,
			PeakScrollVelocity: req.PeakScrollVelocity,
			SystemHour:         req.SystemHour,
		}
		return nil
	})

	var trace scoring.Trace
	o.timed(StageFastScore, func() error {
		trace = scoring.Score(tele, o.Baselines, o.Prior, o.WeightProfile)
		return nil
	})

	var snippets []memory.Chunk
	o.timed(StageRetrieve, func() error {
		snippets = o.retrieve(ctx, req)
		return nil
	})

	var verdict reasoner.Verdict
	o.timed(StageReason, func() error {
		if o.Reasoner == nil {
			verdict = reasoner.Verdict{
				ImpulseScore:       trace.PImpulse,
				Confidence:         0.3,
				Reasoning:          "Reasoner is not configured; returning the fast-stage score.",
				InterventionAction: scoring.InterventionNone,
			}
			return nil
		}
		purchase := reasoner.Purchase{
			Product: req.Product, Cost: req.Cost, Website: req.Website, SystemHour: req.SystemHour,
		}
		if req.TimeToCart != nil || req.TimeOnSite > 0 || req.ClickCount > 0 || req.PeakScrollVelocity > 0 {
			purchase.HasTelemetrySummary = true
			purchase.TimeToCart = tele.EffectiveTimeToCart()
			purchase.TimeOnSite = req.TimeOnSite
			purchase.ClickRate = tele.ClickRate()
			purchase.PeakScrollVelocity = req.PeakScrollVelocity
			purchase.ClickCount = req.ClickCount
		}
		verdict = o.Reasoner.Analyze(ctx, trace.PImpulse, purchase, snippets)
		return nil
	})

	if verdict.MemoryUpdate != nil && o.Mutator != nil {
		o.timed(StageMutate, func() error {
			_, err := o.Mutator.Apply(ctx, *verdict.MemoryUpdate)
			return err
		})
	}

	o.timed(StageComposeReply, func() error {
		resp = Response{
			PImpulseFast:             trace.PImpulse,
			FastBrainIntervention:    trace.Intervention,
			FastBrainDominantTrigger: string(trace.DominantTrigger),
			ImpulseScore:             verdict.ImpulseScore,
			Confidence:               verdict.Confidence,
			Reasoning:                verdict.Reasoning,
			InterventionAction:       verdict.InterventionAction,
			MemoryUpdate:             verdict.MemoryUpdate,
		}
		return nil
	})

	return resp
}

// retrieve forms the query string and calls the Vector Index with k=3 plus
// an always-include rule for Goals.md and Budget.md, falling back to direct
// file reads when similarity search errors or retrieval is unavailable.
func (o *Orchestrator) retrieve(ctx context.Context, req Request) []memory.Chunk {
	if o.Retriever == nil {
		return o.directReadFallback()
	}

	query := fmt.Sprintf("%s $%.2f %s", req.Product, req.Cost, req.Website)
	results, err := o.Retriever.Query(ctx, query, 3, nil)
	if err != nil {
		log.Warn().Err(err).Msg("pipeline: vector index query failed, falling back to direct file reads")
		return o.directReadFallback()
	}

	seen := map[memory.FileName]bool{}
	for _, c := range results {
		seen[c.File] = true
	}
	for _, always := range []memory.FileName{memory.FileGoals, memory.FileBudget} {
		if seen[always] {
			continue
		}
		results = append(results, o.readWholeFileAsChunk(always)...)
	}
	return results
}

func (o *Orchestrator) directReadFallback() []memory.Chunk {
	var out []memory.Chunk
	for _, f := range []memory.FileName{memory.FileGoals, memory.FileBudget} {
		out = append(out, o.readWholeFileAsChunk(f)...)
	}
	return out
}

func (o *Orchestrator) readWholeFileAsChunk(name memory.FileName) []memory.Chunk {
	if o.Reader == nil || !o.Reader.Exists(name) {
		return nil
	}
	content, err := o.Reader.Read(name)
	if err != nil || content == "" {
		return nil
	}
	return memory.Chunks(name, content)
}

func (o *Orchestrator) timed(stage Stage, fn func() error) error {
	start := time.Now()
	err := fn()
	result := StageResult{Stage: stage, Success: err == nil, Duration: time.Since(start)}
	if err != nil {
		result.Error = err.Error()
		log.Warn().Str("stage", string(stage)).Err(err).Dur("duration", result.Duration).Msg("pipeline: stage error")
	}
	if o.OnStage != nil {
		o.OnStage(result)
	}
	return err
}

// completeFallback is the §4.G step 7 complete fallback verdict, used when
// an unhandled panic escapes any inner component.
func completeFallback() Response {
	return Response{
		PImpulseFast:             0.5,
		FastBrainIntervention:    scoring.InterventionMirror,
		FastBrainDominantTrigger: "error",
		ImpulseScore:             0.5,
		Confidence:               0.3,
		Reasoning:                "An internal error occurred; returning the complete fallback verdict.",
		InterventionAction:       scoring.InterventionMirror,
		MemoryUpdate:             nil,
	}
}
