package score

import (
	"math"
)

// Hard safety floor: a single message with a high threat or severe_toxic
// probability is always at least this serious, whatever the blend says.
type Override struct {
	ThreatAt      float64
	SevereToxicAt float64
	Floor         float64
}

var DefaultOverride = Override{
	ThreatAt:      0.50,
	SevereToxicAt: 0.60,
	Floor:         0.80,
}

// Triggered reports whether the labels hit either override threshold.
// Thresholds are inclusive.
func (o Override) Triggered(v Vector) bool {
	return v.Get(LabelThreat) >= o.ThreatAt || v.Get(LabelSevereToxic) >= o.SevereToxicAt
}

// Aggregator is a pure function of its inputs: a blending strategy followed
// by the override floor.
type Aggregator struct {
	Strategy Strategy
	Override Override
}

func NewAggregator(s Strategy) *Aggregator {
	if s == nil {
		s = NewWeightedStrategy()
	}
	return &Aggregator{
		Strategy: s,
		Override: DefaultOverride,
	}
}

func (a *Aggregator) Judge(in Input) Judgment {
	j := a.Strategy.Blend(in)
	j.Severity = Clamp01(j.Severity)
	j.Seriousness = Clamp01(j.Seriousness)
	if a.Override.Triggered(in.Labels) {
		j.Seriousness = math.Max(j.Seriousness, a.Override.Floor)
	}
	return j
}
