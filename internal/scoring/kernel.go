package scoring

import (
	"math"
	"strings"
)

// Sigmoid steepness for the scroll-velocity and click-rate likelihoods.
const sigmoidK = 2.0

// LikelihoodMin/LikelihoodMax clamp the time, scroll and click likelihoods
// into an open interval so no downstream Bayesian update can divide by
// exactly 0 or 1. The emotion_arousal input is clamped to [0, 1] instead.
const (
	LikelihoodMin = 1e-6
	LikelihoodMax = 1 - 1e-6
)

// DefaultPrior is used when the caller supplies no explicit prior.
const DefaultPrior = 0.2

// highRiskKeywords, largeRetailers, genericRetail and lowRiskKeywords form
// the closed risk-factor table.
// Matching is a case-insensitive substring match, first matching tier wins in
// the order checked below (highest risk first).
var (
	highRiskKeywords = []string{
		"casino", "poker", "bet", "gambl", "wager", "slots", "lottery",
		"flash-sale", "flashsale", "flash sale", "limited time", "doorbuster",
	}
	largeRetailers = []string{
		"amazon", "ebay", "temu", "shein", "aliexpress",
	}
	genericRetail = []string{
		"shop", "store", "mart", "market", "retail", "boutique",
	}
	lowRiskKeywords = []string{
		"edu", "university", "college", "school", ".org", "nonprofit", "charity", "foundation",
	}
)

// containsAny reports whether host contains any needle, case-insensitively.
func containsAny(host string, needles []string) bool {
	lower := strings.ToLower(host)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

// WebsiteRiskFactor scores a host against the closed keyword table.
func WebsiteRiskFactor(host string) float64 {
	switch {
	case containsAny(host, highRiskKeywords):
		return 2.0
	case containsAny(host, largeRetailers):
		return 1.5
	case containsAny(host, genericRetail):
		return 1.0
	case containsAny(host, lowRiskKeywords):
		return 0.5
	default:
		return 1.0
	}
}

// LateNightMultiplier peaks at 1.5x at 3 AM and decays linearly to 1.0x at
// the edges of [1,5]; every other hour is 1.0x.
func LateNightMultiplier(hour int) float64 {
	if hour < 1 || hour > 5 {
		return 1.0
	}
	diff := math.Abs(float64(hour) - 3)
	return 1.0 + 0.5*(1-diff/2)
}

func clamp(x, lo, hi float64) float64 {
	if math.IsNaN(x) {
		return lo
	}
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func zScore(x float64, b Baseline) float64 {
	if b.Std <= 0 {
		return 0
	}
	return (x - b.Mean) / b.Std
}

func sigmoidLikelihood(z float64) float64 {
	l := 1.0 / (1.0 + math.Exp(-sigmoidK*z))
	return clamp(l, LikelihoodMin, LikelihoodMax)
}

// timeToCartLikelihood implements the inverse curve: a cart filled instantly
// is maximally suspicious (L=1); one dragged out past 300s carries no signal.
func timeToCartLikelihood(ttc float64) float64 {
	if ttc <= 0 {
		return clamp(1, LikelihoodMin, LikelihoodMax)
	}
	l := 1 - math.Min(ttc/300.0, 1)
	return clamp(l, LikelihoodMin, LikelihoodMax)
}

// Score runs the full Fast Stage pipeline for one telemetry sample and
// returns a complete trace. It is pure and side-effect free: identical
// inputs always produce an identical trace.
func Score(t Telemetry, baselines Baselines, prior float64, profile WeightProfile) Trace {
	if prior <= 0 || prior >= 1 {
		prior = DefaultPrior
	}

	clickRate := t.ClickRate()
	ttc := t.EffectiveTimeToCart()

	zScores := map[Feature]float64{
		FeatureScrollVelocity: zScore(t.PeakScrollVelocity, baselines[FeatureScrollVelocity]),
		FeatureClickRate:      zScore(clickRate, baselines[FeatureClickRate]),
		FeatureTimeOnSite:     zScore(t.TimeOnSite, baselines[FeatureTimeOnSite]),
		FeatureTimeToCart:     zScore(ttc, baselines[FeatureTimeToCart]),
	}

	likelihoods := map[Feature]float64{
		FeatureScrollVelocity: sigmoidLikelihood(zScores[FeatureScrollVelocity]),
		FeatureClickRate:      sigmoidLikelihood(zScores[FeatureClickRate]),
		FeatureTimeToCart:     timeToCartLikelihood(ttc),
	}

	arousal := 0.5
	if t.EmotionArousal != nil {
		arousal = clamp(*t.EmotionArousal, 0, 1)
	}
	likelihoods[FeatureEmotionArousal] = arousal

	weights := profile.weights()

	contributions := make(map[Feature]float64, len(weights))
	w := 0.0
	var dominant Feature
	best := -1.0
	for _, f := range WeightedFeatureOrder {
		weight := weights[f]
		if weight <= 0 {
			continue
		}
		contribution := weight * likelihoods[f]
		contributions[f] = contribution
		w += contribution
		if contribution > best {
			best = contribution
			dominant = f
		}
	}

	late := LateNightMultiplier(t.SystemHour)
	risk := WebsiteRiskFactor(t.Website)
	adjusted := clamp(w*late*risk, 0, 1)

	denominator := adjusted*prior + (1-adjusted)*(1-prior)
	p := 0.0
	if denominator != 0 {
		p = (adjusted * prior) / denominator
	}
	p = clamp(p, 0, 1)

	return Trace{
		PImpulse:              p,
		DominantTrigger:       dominant,
		ZScores:               zScores,
		Likelihoods:           likelihoods,
		WeightedContributions: contributions,
		Context: ContextFactors{
			LateNightMultiplier: late,
			WebsiteRiskFactor:   risk,
			Hour:                t.SystemHour,
			Website:             t.Website,
		},
		Intervention: ClassifyIntervention(p),
	}
}
