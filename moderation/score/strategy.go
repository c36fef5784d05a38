package score

import (
	"fmt"
)

const (
	StrategyWeighted        = "weighted"
	StrategySarcasmDiscount = "sarcasm-discount"
)

// A Strategy blends label probabilities, sarcasm, and history into severity
// and seriousness. Safety floors are applied afterwards by the Aggregator, so
// strategies only need to stay within [0,1].
type Strategy interface {
	Name() string
	Blend(in Input) Judgment
}

// Relative weight of each label when computing severity.
var DefaultWeights = map[string]float64{
	LabelThreat:       0.80,
	LabelSevereToxic:  0.75,
	LabelIdentityHate: 0.70,
	LabelToxic:        0.55,
	LabelInsult:       0.50,
	LabelObscene:      0.45,
}

// WeightedStrategy takes the max weighted label as severity, then adds a
// fraction of the user and channel trends and subtracts sarcasm relief.
type WeightedStrategy struct {
	Weights       map[string]float64
	UserTrend     float64
	ChannelTrend  float64
	SarcasmRelief float64
}

func NewWeightedStrategy() *WeightedStrategy {
	return &WeightedStrategy{
		Weights:       DefaultWeights,
		UserTrend:     0.10,
		ChannelTrend:  0.05,
		SarcasmRelief: 0.25,
	}
}

func (s *WeightedStrategy) Name() string {
	return StrategyWeighted
}

func (s *WeightedStrategy) Blend(in Input) Judgment {
	severity := 0.0
	for label, w := range s.Weights {
		if v := w * in.Labels.Get(label); v > severity {
			severity = v
		}
	}
	severity = Clamp01(severity)
	seriousness := severity +
		s.UserTrend*mean(in.UserHistory) +
		s.ChannelTrend*mean(in.ChanHistory) -
		s.SarcasmRelief*Clamp01(in.Sarcasm)
	return Judgment{
		Severity:    severity,
		Seriousness: Clamp01(seriousness),
	}
}

// SarcasmDiscountStrategy scales the strongest raw label by (1 - sarcasm) and
// ignores history. Messages below ToxHigh, or above SarcasmLow, are treated
// as banter and get zero seriousness.
type SarcasmDiscountStrategy struct {
	ToxHigh    float64
	SarcasmLow float64
}

func (s *SarcasmDiscountStrategy) Name() string {
	return StrategySarcasmDiscount
}

func (s *SarcasmDiscountStrategy) Blend(in Input) Judgment {
	toxMax := in.Labels.Max()
	sarcasm := Clamp01(in.Sarcasm)
	j := Judgment{Severity: toxMax}
	if toxMax < s.ToxHigh || sarcasm > s.SarcasmLow {
		return j
	}
	j.Seriousness = Clamp01(toxMax * (1.0 - sarcasm))
	return j
}

// StrategyByName resolves a configured strategy name.
func StrategyByName(name string, toxHigh, sarcasmLow float64) (Strategy, error) {
	switch name {
	case "", StrategyWeighted:
		return NewWeightedStrategy(), nil
	case StrategySarcasmDiscount:
		return &SarcasmDiscountStrategy{ToxHigh: toxHigh, SarcasmLow: sarcasmLow}, nil
	default:
		return nil, fmt.Errorf("unknown seriousness strategy: %q", name)
	}
}
