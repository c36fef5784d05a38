// Converts per-message label probabilities and recent history into a bounded
// severity/seriousness judgment.
package score

import (
	"math"
)

// Toxicity labels produced by the scoring collaborator.
const (
	LabelToxic        = "toxic"
	LabelSevereToxic  = "severe_toxic"
	LabelObscene      = "obscene"
	LabelThreat       = "threat"
	LabelInsult       = "insult"
	LabelIdentityHate = "identity_hate"
)

// Labels is the fixed label set, in the order the scoring service reports them.
var Labels = []string{
	LabelToxic,
	LabelSevereToxic,
	LabelObscene,
	LabelThreat,
	LabelInsult,
	LabelIdentityHate,
}

// Vector maps label names to probabilities. Missing labels read as 0.0.
type Vector map[string]float64

// Get returns the probability for a label, clamped to [0,1]. Absent labels
// and NaN values read as zero.
func (v Vector) Get(label string) float64 {
	if v == nil {
		return 0
	}
	return Clamp01(v[label])
}

// Max is the largest probability across all known labels.
func (v Vector) Max() float64 {
	out := 0.0
	for _, l := range Labels {
		out = math.Max(out, v.Get(l))
	}
	return out
}

// Judgment is the bounded outcome of scoring one message in context.
type Judgment struct {
	// instantaneous harm estimate from this message's labels alone
	Severity float64
	// severity blended with recent trend, sarcasm relief, and hard floors
	Seriousness float64
}

// Input is everything the aggregator needs for a single message. History
// slices are oldest-first and supplied fresh by the caller.
type Input struct {
	Labels      Vector
	Sarcasm     float64
	UserHistory []float64
	ChanHistory []float64
}

func Clamp01(f float64) float64 {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += Clamp01(v)
	}
	return sum / float64(len(vals))
}
