// Maps aggregated scores, plus an independent crisis-language check, to an
// ordered set of moderation actions.
package policy

import (
	"strings"

	"github.com/dhruvmish/moderation-agent/moderation/score"
)

type Action string

const (
	ActionLogOnly  Action = "log_only"
	ActionWarn     Action = "warn"
	ActionRedact   Action = "redact"
	ActionEscalate Action = "escalate"
	ActionCrisis   Action = "crisis"
)

// Tier is the totally ordered outcome bucket. Larger is stronger.
type Tier int

const (
	TierLogOnly Tier = iota
	TierWarn
	TierEscalate
	TierCrisis
)

func (t Tier) String() string {
	switch t {
	case TierLogOnly:
		return string(ActionLogOnly)
	case TierWarn:
		return string(ActionWarn)
	case TierEscalate:
		return string(ActionEscalate)
	case TierCrisis:
		return string(ActionCrisis)
	default:
		return "unknown"
	}
}

// ParseTier is the inverse of Tier.String. Unknown names map to TierLogOnly.
func ParseTier(s string) Tier {
	switch s {
	case string(ActionWarn):
		return TierWarn
	case string(ActionEscalate):
		return TierEscalate
	case string(ActionCrisis):
		return TierCrisis
	default:
		return TierLogOnly
	}
}

// ActionSet is ordered and de-duplicated. log_only never appears alongside
// any other action.
type ActionSet []Action

func (s ActionSet) Has(a Action) bool {
	for _, v := range s {
		if v == a {
			return true
		}
	}
	return false
}

func (s ActionSet) String() string {
	parts := make([]string, len(s))
	for i, a := range s {
		parts[i] = string(a)
	}
	return strings.Join(parts, ",")
}

// Actions returns the canonical action set for a tier.
func (t Tier) Actions() ActionSet {
	switch t {
	case TierCrisis:
		return ActionSet{ActionCrisis}
	case TierEscalate:
		return ActionSet{ActionEscalate, ActionRedact}
	case TierWarn:
		return ActionSet{ActionWarn, ActionRedact}
	default:
		return ActionSet{ActionLogOnly}
	}
}

type Thresholds struct {
	// blended seriousness at or above which a message escalates
	EscalateAt float64
	// blended seriousness at or above which a message is warned
	WarnAt float64
	// single-message label overrides which escalate regardless of seriousness
	Override score.Override
}

var DefaultThresholds = Thresholds{
	EscalateAt: 0.65,
	WarnAt:     0.45,
	Override:   score.DefaultOverride,
}

type Decision struct {
	Tier    Tier
	Actions ActionSet
	// set when the crisis-language check matched
	Crisis bool
}

type Policy struct {
	Thresholds Thresholds
}

func New(th Thresholds) *Policy {
	return &Policy{Thresholds: th}
}

// Decide evaluates the crisis check first; only when it does not match are
// the severity tiers consulted. Tier boundaries are inclusive.
func (p *Policy) Decide(text string, labels score.Vector, j score.Judgment) Decision {
	if IsCrisis(text) {
		return Decision{Tier: TierCrisis, Actions: TierCrisis.Actions(), Crisis: true}
	}
	tier := p.SeverityTier(labels, j.Seriousness)
	return Decision{Tier: tier, Actions: tier.Actions()}
}

// SeverityTier is the non-crisis part of the decision.
func (p *Policy) SeverityTier(labels score.Vector, seriousness float64) Tier {
	th := p.Thresholds
	switch {
	case th.Override.Triggered(labels) || seriousness >= th.EscalateAt:
		return TierEscalate
	case seriousness >= th.WarnAt:
		return TierWarn
	default:
		return TierLogOnly
	}
}
