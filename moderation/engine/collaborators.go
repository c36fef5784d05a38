package engine

import (
	"context"
	"errors"

	"github.com/dhruvmish/moderation-agent/moderation/ledger"
	"github.com/dhruvmish/moderation-agent/moderation/report"
	"github.com/dhruvmish/moderation-agent/moderation/score"
)

// returned by Platform.SendDM when the recipient does not accept direct messages
var ErrDMBlocked = errors.New("direct message blocked by recipient")

// Scorer produces label probabilities for a message. It may omit labels.
type Scorer interface {
	Score(ctx context.Context, text string) (score.Vector, error)
	Sarcasm(ctx context.Context, text string) (float64, error)
}

type ReplyKind string

const (
	ReplySerious ReplyKind = "serious"
	ReplyCrisis  ReplyKind = "crisis"
)

type ReplyContext struct {
	Text        string
	Sarcasm     float64
	ToxMax      float64
	Seriousness float64
	Tier        string
}

// Responder writes the direct message sent to the author of an actioned
// message. Errors and empty replies are replaced by a fixed fallback.
type Responder interface {
	GenerateReply(ctx context.Context, kind ReplyKind, rc ReplyContext) (string, error)
}

type MessageRef struct {
	ChannelID string
	MessageID string
}

// Platform applies moderation side effects on the chat surface. All failures
// are logged and never abort processing.
type Platform interface {
	// delete the message, or edit it to the replacement text if deletion is not permitted
	RedactMessage(ctx context.Context, ref MessageRef, replacement string) error
	SendDM(ctx context.Context, userRef, text string) error
	PostChannelNotice(ctx context.Context, channelID, text string) error
}

// Notifier alerts moderators about high-tier incidents.
type Notifier interface {
	SendIncident(ctx context.Context, inc *ledger.Incident) error
}

// Reporter is the subset of the report synthesizer which the pipeline triggers.
type Reporter interface {
	MaybeRollingReport(ctx context.Context, channelID string) (*report.Digest, error)
	UserReport(ctx context.Context, userHash string) (*report.Digest, error)
}
