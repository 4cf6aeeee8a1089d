package reasoner

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/impulseguard/impulsed/internal/memory"
	"github.com/impulseguard/impulsed/internal/scoring"
)

// stubGateway implements Gateway with a scripted response or error.
type stubGateway struct {
	name      string
	response  map[string]any
	err       error
	callCount int
}

func (s *stubGateway) Name() string { return s.name }

func (s *stubGateway) Call(ctx context.Context, systemPrompt, userPrompt string) (map[string]any, error) {
	s.callCount++
	if s.err != nil {
		return nil, s.err
	}
	return s.response, nil
}

func basePurchase() Purchase {
	return Purchase{Product: "espresso machine", Cost: 249.99, Website: "amazon.com", SystemHour: 14}
}

func TestAnalyzeSingleGatewaySuccess(t *testing.T) {
	gw := &stubGateway{name: "primary", response: map[string]any{
		"impulse_score":       0.62,
		"confidence":          0.8,
		"reasoning":           "Cost exceeds stated monthly discretionary budget.",
		"intervention_action": "mirror",
		"memory_update":       "  user hesitated on kitchen appliances before  ",
	}}
	r := New(gw)
	v := r.Analyze(context.Background(), 0.4, basePurchase(), nil)

	if v.ImpulseScore != 0.62 {
		t.Errorf("ImpulseScore = %v, want 0.62", v.ImpulseScore)
	}
	if v.InterventionAction != scoring.InterventionMirror {
		t.Errorf("InterventionAction = %v, want MIRROR (case-insensitive uppercased)", v.InterventionAction)
	}
	if v.MemoryUpdate == nil || *v.MemoryUpdate != "user hesitated on kitchen appliances before" {
		t.Errorf("MemoryUpdate = %v, want trimmed string", v.MemoryUpdate)
	}
	if gw.callCount != 1 {
		t.Errorf("expected exactly 1 gateway call, got %d", gw.callCount)
	}
}

func TestAnalyzeDegradedOnGatewayError(t *testing.T) {
	gw := &stubGateway{name: "primary", err: fmt.Errorf("llmgateway: unavailable after 5 attempts")}
	r := New(gw)
	v := r.Analyze(context.Background(), 0.73, basePurchase(), nil)

	if v.ImpulseScore != 0.73 {
		t.Errorf("degraded ImpulseScore = %v, want fast score 0.73", v.ImpulseScore)
	}
	if v.Confidence != 0.3 {
		t.Errorf("degraded Confidence = %v, want 0.3", v.Confidence)
	}
	if v.InterventionAction != scoring.InterventionNone {
		t.Errorf("degraded InterventionAction = %v, want NONE", v.InterventionAction)
	}
	if v.MemoryUpdate != nil {
		t.Errorf("degraded MemoryUpdate = %v, want nil", v.MemoryUpdate)
	}
	if v.Reasoning == "" {
		t.Error("degraded Reasoning must name the outage, got empty string")
	}
}

func TestValidateMissingFieldsFallBack(t *testing.T) {
	v := validate(map[string]any{}, 0.55)
	if v.ImpulseScore != 0.55 {
		t.Errorf("missing impulse_score should fall back to fast score, got %v", v.ImpulseScore)
	}
	if v.Confidence != 0.5 {
		t.Errorf("missing confidence should default to 0.5, got %v", v.Confidence)
	}
	if v.InterventionAction != scoring.InterventionNone {
		t.Errorf("missing intervention_action should substitute NONE, got %v", v.InterventionAction)
	}
	if v.Reasoning == "" {
		t.Error("missing reasoning should substitute a fixed placeholder, not empty string")
	}
	if v.MemoryUpdate != nil {
		t.Errorf("missing memory_update should be nil, got %v", v.MemoryUpdate)
	}
}

func TestValidateInvalidInterventionSubstitutesNone(t *testing.T) {
	v := validate(map[string]any{"intervention_action": "EXPLODE"}, 0.2)
	if v.InterventionAction != scoring.InterventionNone {
		t.Errorf("invalid intervention_action should substitute NONE, got %v", v.InterventionAction)
	}
}

func TestValidateClampsOutOfRangeScores(t *testing.T) {
	v := validate(map[string]any{"impulse_score": 4.0, "confidence": -1.0}, 0.5)
	if v.ImpulseScore != 1.0 {
		t.Errorf("ImpulseScore should clamp to 1.0, got %v", v.ImpulseScore)
	}
	if v.Confidence != 0.0 {
		t.Errorf("Confidence should clamp to 0.0, got %v", v.Confidence)
	}
}

func TestValidateWhitespaceMemoryUpdateIsNil(t *testing.T) {
	v := validate(map[string]any{"memory_update": "   "}, 0.5)
	if v.MemoryUpdate != nil {
		t.Errorf("whitespace-only memory_update should be nil, got %v", v.MemoryUpdate)
	}
}

func TestAnalyzeEnsembleCombinesByConfidence(t *testing.T) {
	primary := &stubGateway{name: "primary", response: map[string]any{
		"impulse_score": 0.8, "confidence": 0.9, "reasoning": "primary reasoning",
		"intervention_action": "COOLDOWN", "memory_update": "primary update",
	}}
	secondary := &stubGateway{name: "secondary", response: map[string]any{
		"impulse_score": 0.2, "confidence": 0.3, "reasoning": "secondary reasoning",
		"intervention_action": "NONE", "memory_update": "secondary update",
	}}
	r := New(primary, secondary)
	v := r.Analyze(context.Background(), 0.5, basePurchase(), nil)

	// Weighted toward the higher-confidence primary responder.
	if v.ImpulseScore <= 0.5 {
		t.Errorf("ensemble ImpulseScore = %v, want weighted toward primary's 0.8", v.ImpulseScore)
	}
	if v.Reasoning != "primary reasoning" {
		t.Errorf("ensemble Reasoning should come from the highest-weighted responder, got %q", v.Reasoning)
	}
	if v.MemoryUpdate == nil || *v.MemoryUpdate != "primary update" {
		t.Errorf("ensemble MemoryUpdate should come from the highest-weighted responder only, got %v", v.MemoryUpdate)
	}
}

func TestAnalyzeEnsembleFallsBackWhenAllFail(t *testing.T) {
	primary := &stubGateway{name: "primary", err: fmt.Errorf("down")}
	secondary := &stubGateway{name: "secondary", err: fmt.Errorf("also down")}
	r := New(primary, secondary)
	v := r.Analyze(context.Background(), 0.44, basePurchase(), nil)

	if v.ImpulseScore != 0.44 {
		t.Errorf("all-failed ensemble should degrade to fast score, got %v", v.ImpulseScore)
	}
	if v.Confidence != 0.3 {
		t.Errorf("all-failed ensemble Confidence = %v, want 0.3", v.Confidence)
	}
}

func TestAnalyzeEnsembleExcludesFailedMembers(t *testing.T) {
	primary := &stubGateway{name: "primary", err: fmt.Errorf("down")}
	secondary := &stubGateway{name: "secondary", response: map[string]any{
		"impulse_score": 0.6, "confidence": 0.7, "reasoning": "secondary only",
		"intervention_action": "MIRROR",
	}}
	r := New(primary, secondary)
	v := r.Analyze(context.Background(), 0.1, basePurchase(), nil)

	if v.Reasoning != "secondary only" {
		t.Errorf("expected surviving ensemble member's verdict, got %q", v.Reasoning)
	}
}

func TestBuildPromptLabelsLateNight(t *testing.T) {
	p := basePurchase()
	p.SystemHour = 2
	prompt := buildPrompt(0.3, p, nil)
	if !strings.Contains(prompt, "LATE NIGHT") {
		t.Error("expected LATE NIGHT label for hour=2")
	}

	p.SystemHour = 14
	prompt = buildPrompt(0.3, p, nil)
	if strings.Contains(prompt, "LATE NIGHT") {
		t.Error("did not expect LATE NIGHT label for hour=14")
	}
}

func TestBuildPromptIncludesSnippets(t *testing.T) {
	snippets := []memory.Chunk{
		{ID: "Goals.md_0", File: memory.FileGoals, Section: "Savings", Content: "saving for a house down payment"},
	}
	prompt := buildPrompt(0.3, basePurchase(), snippets)
	want := "From Goals.md (Savings): saving for a house down payment"
	if !strings.Contains(prompt, want) {
		t.Errorf("expected prompt to contain %q", want)
	}
}

func TestBuildPromptOmitsTelemetryWhenAbsent(t *testing.T) {
	prompt := buildPrompt(0.3, basePurchase(), nil)
	if strings.Contains(prompt, "Behavioral telemetry") {
		t.Error("telemetry summary should be omitted when HasTelemetrySummary is false")
	}
}

func TestBuildPromptIncludesTelemetryWhenPresent(t *testing.T) {
	p := basePurchase()
	p.HasTelemetrySummary = true
	p.TimeToCart = 12.5
	p.TimeOnSite = 45
	p.ClickRate = 0.2
	p.PeakScrollVelocity = 900
	p.ClickCount = 9
	prompt := buildPrompt(0.3, p, nil)
	if !strings.Contains(prompt, "Behavioral telemetry") {
		t.Error("expected telemetry summary section when HasTelemetrySummary is true")
	}
}
