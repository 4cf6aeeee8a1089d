// Package reasoner builds the purchase-analysis prompt, invokes the LLM
// Gateway, and validates/clamps the result into a Verdict. It is the Slow
// Stage half of the two-stage decision pipeline: the Fast Stage (package
// scoring) never talks to the network; this package always does, and always
// degrades gracefully when the network is unavailable.
package reasoner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/impulseguard/impulsed/internal/core"
	"github.com/impulseguard/impulsed/internal/llmgateway"
	"github.com/impulseguard/impulsed/internal/memory"
	"github.com/impulseguard/impulsed/internal/scoring"
)

// Gateway is the subset of *llmgateway.Gateway the Reasoner depends on,
// narrowed to an interface so tests can substitute a scripted stub.
type Gateway interface {
	Name() string
	Call(ctx context.Context, systemPrompt, userPrompt string) (map[string]any, error)
}

// Purchase carries the product/price/host tuple plus the optional behavioral
// telemetry summary the prompt includes when present.
type Purchase struct {
	Product    string
	Cost       float64
	Website    string
	SystemHour int

	HasTelemetrySummary bool
	TimeToCart          float64
	TimeOnSite          float64
	ClickRate           float64
	PeakScrollVelocity  float64
	ClickCount          int
}

// Verdict is the validated, clamped result of a reasoning call.
type Verdict struct {
	ImpulseScore       float64
	Confidence         float64
	Reasoning          string
	InterventionAction scoring.Intervention
	MemoryUpdate       *string
}

const systemInstruction = `You are a deliberate executive function, consulted at the exact moment a person is about to complete an impulse purchase. You weigh the purchase against the person's stated goals, budget, financial state, and known behavioral patterns.

Rubric:
1. Does this purchase serve a goal the person has written down, or work against one?
2. Is the cost proportionate to the person's stated budget and financial state?
3. Does the behavioral context (time of day, browsing velocity, site risk) suggest a considered decision or an impulsive one?
4. Would a brief pause change the outcome, or is intervention unlikely to matter?

Respond with a single JSON object only, no prose outside it, with exactly these keys:
{"impulse_score": 0.0-1.0, "confidence": 0.0-1.0, "reasoning": "one or two sentences", "intervention_action": "NONE|MIRROR|COOLDOWN|PHRASE", "memory_update": "string or null"}`

const consolidationInstruction = `You are consolidating a user's behavioral memory file. Rewrite the given markdown into a tighter document that preserves every distinct observation but removes redundancy and merges similar entries. Respond with a single JSON object only: {"refined_content": "<the full rewritten markdown>"}`

// Reasoner builds prompts, invokes a primary Gateway (and optionally an
// ensemble of secondary Gateways), and validates the result into a Verdict.
type Reasoner struct {
	primary  Gateway
	ensemble []Gateway
}

// New builds a Reasoner against a primary Gateway. Additional Gateways passed
// as the variadic ensemble arguments enable ensemble mode.
func New(primary Gateway, ensemble ...Gateway) *Reasoner {
	return &Reasoner{primary: primary, ensemble: ensemble}
}

// Analyze builds the purchase-analysis prompt, invokes the Gateway(s), and
// returns a validated Verdict. On any Gateway error it returns the degraded
// fallback verdict per the spec's §4.E degraded-mode contract; Analyze itself
// never returns an error, matching "the purchase endpoint never 5xxs".
func (r *Reasoner) Analyze(ctx context.Context, fastScore float64, purchase Purchase, snippets []memory.Chunk) Verdict {
	callCtx := core.CallContext{Ctx: ctx, RequestID: uuid.NewString()}
	userPrompt := buildPrompt(fastScore, purchase, snippets)

	if len(r.ensemble) == 0 {
		raw, err := r.primary.Call(callCtx.Ctx, systemInstruction, userPrompt)
		result := recordCall(r.primary.Name(), callCtx, err)
		if err != nil {
			log.Warn().Str("gateway", r.primary.Name()).Str("request_id", callCtx.RequestID).Err(err).Msg("reasoner: gateway call failed, returning degraded verdict")
			return fallbackVerdict(fastScore, err)
		}
		log.Debug().Str("gateway", r.primary.Name()).Str("request_id", callCtx.RequestID).Str("status", result.Status).Msg("reasoner: gateway call succeeded")
		return validate(raw, fastScore)
	}

	return r.analyzeEnsemble(callCtx, fastScore, userPrompt)
}

type weighted struct {
	verdict Verdict
	weight  float64
}

// analyzeEnsemble requests a verdict from the primary and every secondary
// Gateway, then combines them: impulse_score is a confidence-weighted average
// and confidence is the plain mean of the members' confidences. Reasoning and
// memory_update are taken only from the highest-weighted responder: merging
// two independent free-text mutation instructions is unsafe.
func (r *Reasoner) analyzeEnsemble(callCtx core.CallContext, fastScore float64, userPrompt string) Verdict {
	gateways := append([]Gateway{r.primary}, r.ensemble...)
	results := make([]weighted, 0, len(gateways))

	for _, gw := range gateways {
		raw, err := gw.Call(callCtx.Ctx, systemInstruction, userPrompt)
		recordCall(gw.Name(), callCtx, err)
		if err != nil {
			log.Warn().Str("gateway", gw.Name()).Str("request_id", callCtx.RequestID).Err(err).Msg("reasoner: ensemble member failed, excluding from combination")
			continue
		}
		v := validate(raw, fastScore)
		results = append(results, weighted{verdict: v, weight: v.Confidence})
	}

	if len(results) == 0 {
		return fallbackVerdict(fastScore, fmt.Errorf("reasoner: all %d ensemble gateways failed", len(gateways)))
	}

	return combineEnsemble(results)
}

func combineEnsemble(results []weighted) Verdict {
	var totalWeight, scoreSum, confSum float64
	best := results[0]
	for _, w := range results {
		effective := w.weight
		if effective <= 0 {
			effective = 1.0 / float64(len(results))
		}
		totalWeight += effective
		scoreSum += w.verdict.ImpulseScore * effective
		confSum += w.verdict.Confidence
		if w.weight > best.weight {
			best = w
		}
	}

	combined := Verdict{
		Reasoning:          best.verdict.Reasoning,
		InterventionAction: best.verdict.InterventionAction,
		MemoryUpdate:       best.verdict.MemoryUpdate,
		Confidence:         clamp01(confSum / float64(len(results))),
	}
	if totalWeight > 0 {
		combined.ImpulseScore = clamp01(scoreSum / totalWeight)
	} else {
		combined.ImpulseScore = best.verdict.ImpulseScore
	}
	return combined
}

func recordCall(name string, callCtx core.CallContext, err error) core.CallResult {
	result := core.CallResult{
		Status: core.StatusComplete,
		Metadata: map[string]any{
			"gateway":      name,
			"request_id":   callCtx.RequestID,
			"retry_policy": core.RetryPolicy{MaxAttempts: len(llmgateway.RetrySchedule), Backoff: llmgateway.RetrySchedule},
		},
	}
	if err != nil {
		result.Status = core.StatusFailed
		result.Error = err.Error()
	}
	return result
}

// fallbackVerdict is the degraded verdict returned whenever the Gateway
// raises any typed error: the fast score, confidence 0.3, a reasoning string
// naming the outage, NONE, and no memory update.
func fallbackVerdict(fastScore float64, cause error) Verdict {
	return Verdict{
		ImpulseScore:       clamp01(fastScore),
		Confidence:         0.3,
		Reasoning:          fmt.Sprintf("Reasoning unavailable (%v); falling back to the fast-stage score.", cause),
		InterventionAction: scoring.InterventionNone,
		MemoryUpdate:       nil,
	}
}

// buildPrompt assembles the purchase-analysis prompt: fast score, purchase
// details (with a LATE NIGHT label when applicable), the optional telemetry
// summary, retrieved memory snippets, and the output schema.
func buildPrompt(fastScore float64, p Purchase, snippets []memory.Chunk) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Fast-stage impulse score: %.3f\n\n", clamp01(fastScore))

	fmt.Fprintf(&b, "Purchase: %s, cost $%.2f, on %s, at hour %d", p.Product, p.Cost, p.Website, p.SystemHour)
	if p.SystemHour >= 23 || p.SystemHour <= 5 {
		b.WriteString(" (LATE NIGHT)")
	}
	b.WriteString("\n\n")

	if p.HasTelemetrySummary {
		fmt.Fprintf(&b, "Behavioral telemetry: time to cart %.1fs, time on site %.1fs, click rate %.4f/s, peak scroll velocity %.1fpx/s, click count %d\n\n",
			p.TimeToCart, p.TimeOnSite, p.ClickRate, p.PeakScrollVelocity, p.ClickCount)
	}

	if len(snippets) > 0 {
		b.WriteString("Retrieved memory:\n")
		for _, s := range snippets {
			fmt.Fprintf(&b, "From %s (%s): %s\n", s.File, s.Section, s.Content)
		}
		b.WriteString("\n")
	}

	b.WriteString("Respond with the JSON object described in your instructions: ")
	b.WriteString(`{impulse_score, confidence, reasoning, intervention_action, memory_update}. `)
	b.WriteString("Intervention thresholds: p<0.3 NONE, p<0.6 MIRROR, p<0.85 COOLDOWN, else PHRASE.")

	return b.String()
}

// validate applies the §4.E post-call validation rules to a raw JSON map.
func validate(raw map[string]any, fastScore float64) Verdict {
	v := Verdict{}

	if score, ok := coerceFloat(raw["impulse_score"]); ok {
		v.ImpulseScore = clamp01(score)
	} else {
		v.ImpulseScore = clamp01(fastScore)
	}

	if conf, ok := coerceFloat(raw["confidence"]); ok {
		v.Confidence = clamp01(conf)
	} else {
		v.Confidence = 0.5
	}

	action, _ := raw["intervention_action"].(string)
	action = strings.ToUpper(strings.TrimSpace(action))
	switch scoring.Intervention(action) {
	case scoring.InterventionNone, scoring.InterventionMirror, scoring.InterventionCooldown, scoring.InterventionPhrase:
		v.InterventionAction = scoring.Intervention(action)
	default:
		v.InterventionAction = scoring.InterventionNone
	}

	if reasoning, ok := raw["reasoning"].(string); ok && reasoning != "" {
		v.Reasoning = reasoning
	} else {
		v.Reasoning = "No reasoning was provided for this verdict."
	}

	if update, ok := raw["memory_update"].(string); ok {
		trimmed := strings.TrimSpace(update)
		if trimmed != "" {
			v.MemoryUpdate = &trimmed
		}
	}

	return v
}

// coerceFloat accepts the JSON number representation (float64) or a numeric
// string, matching the teacher lineage's tolerance for LLM output that quotes
// numbers.
func coerceFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		var f float64
		if _, err := fmt.Sscanf(val, "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// ConsolidationPrompt returns the separate "memory consolidation" system
// instruction used by the Memory Mutator's LLM-refine strategy (§4.F step 4).
func ConsolidationPrompt() string { return consolidationInstruction }

// Refine implements memory.Refiner: it asks the primary Gateway to rewrite a
// memory file's full content, using the consolidation instruction rather than
// the purchase-analysis prompt. Used for both the refinement-threshold path
// (§4.B) and the consolidation sweep (§4.F); ensemble members are not
// consulted here, since consolidation does not need multi-provider agreement.
func (r *Reasoner) Refine(ctx context.Context, file string, currentContent string) (string, error) {
	userPrompt := fmt.Sprintf("File: %s\n\n%s", file, currentContent)
	raw, err := r.primary.Call(ctx, consolidationInstruction, userPrompt)
	if err != nil {
		return "", fmt.Errorf("reasoner: refine %s: %w", file, err)
	}
	refined, ok := raw["refined_content"].(string)
	if !ok || strings.TrimSpace(refined) == "" {
		return "", fmt.Errorf("reasoner: refine %s: missing refined_content in response", file)
	}
	return refined, nil
}
