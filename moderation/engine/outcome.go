package engine

import (
	"log/slog"
	"time"

	"github.com/dhruvmish/moderation-agent/moderation/ledger"
	"github.com/dhruvmish/moderation-agent/moderation/policy"
	"github.com/dhruvmish/moderation-agent/moderation/report"
	"github.com/dhruvmish/moderation-agent/moderation/score"
)

// pipeline progress, so Retry resumes without repeating completed steps
type stage int

const (
	stageDecided stage = iota
	stageActed
	stagePersisted
	stageCounted
	stageDone
)

// Outcome is everything decided and done for one message.
type Outcome struct {
	UserHash string
	Labels   score.Vector
	Sarcasm  float64
	Judgment score.Judgment
	Decision policy.Decision
	// masked copy of the text, set when the decision includes redact
	Redacted string
	Reply    string
	// set once the incident is recorded
	IncidentID uint
	Violations int
	// true only on the message which triggered the user's final warning
	FinalWarning  bool
	RollingReport *report.Digest
	UserReport    *report.Digest

	msg   Message
	stage stage
}

func (o *Outcome) Message() Message {
	return o.msg
}

// Persisted reports whether the incident, if any, has been recorded.
func (o *Outcome) Persisted() bool {
	return o.Decision.Tier == policy.TierLogOnly || o.stage >= stagePersisted
}

func (o *Outcome) Done() bool {
	return o.Decision.Tier == policy.TierLogOnly || o.stage >= stageDone
}

// builds the ledger row; recordedAt becomes created_at
func (o *Outcome) incident(recordedAt time.Time) *ledger.Incident {
	return &ledger.Incident{
		Platform:    o.msg.Platform,
		ChannelID:   o.msg.ChannelID,
		UserIDHash:  o.UserHash,
		MessageID:   o.msg.MessageID,
		TextExcerpt: report.Excerpt(o.msg.Text, IncidentExcerptLen),
		Sarcasm:     o.Sarcasm,
		ToxMax:      o.Labels.Max(),
		Severity:    o.Judgment.Severity,
		Seriousness: o.Judgment.Seriousness,
		Action:      o.Decision.Tier.String(),
		Reply:       o.Reply,
		MessageAt:   o.msg.CreatedAt,
		CreatedAt:   recordedAt,
	}
}

// one structured line summarizing the message outcome
func (o *Outcome) CanonicalLogLine(logger *slog.Logger) {
	logger.Info("canonical-message-line",
		"tier", o.Decision.Tier.String(),
		"actions", o.Decision.Actions.String(),
		"crisis", o.Decision.Crisis,
		"severity", o.Judgment.Severity,
		"seriousness", o.Judgment.Seriousness,
		"sarcasm", o.Sarcasm,
		"toxMax", o.Labels.Max(),
		"incident", o.IncidentID,
		"violations", o.Violations,
		"finalWarning", o.FinalWarning,
	)
}
