package engine

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/dhruvmish/moderation-agent/moderation/escalation"
	"github.com/dhruvmish/moderation-agent/moderation/ledger"
	"github.com/dhruvmish/moderation-agent/moderation/policy"
	"github.com/dhruvmish/moderation-agent/moderation/rollingstore"
	"github.com/dhruvmish/moderation-agent/moderation/score"
)

var (
	// wraps the underlying error when an incident, or the user's violation
	// state, could not be recorded
	ErrPersist = errors.New("failed to persist incident")
	// empty text, or missing channel or user
	ErrMalformed = errors.New("malformed message")
)

// runes of message text kept in the stored incident
const IncidentExcerptLen = 240

var tracer = otel.Tracer("moderation-engine")

// Message is one inbound chat message. UserID is the raw platform id and is
// never persisted; only its pseudonym is.
type Message struct {
	Platform  string
	ChannelID string
	UserID    string
	// address for direct messages, if it differs from UserID
	UserRef string
	// display mention used in channel notices
	UserMention string
	MessageID   string
	Text        string
	CreatedAt   time.Time
}

// runtime for scoring messages, deciding on actions, and recording incidents.
//
// Scorer, Responder, Platform, and Notifier are optional; the stores and
// Policy/Aggregator are not.
type Engine struct {
	Logger     *slog.Logger
	Scorer     Scorer
	Responder  Responder
	Platform   Platform
	Notifier   Notifier
	Aggregator *score.Aggregator
	Policy     *policy.Policy
	Rolling    rollingstore.RollingStore
	Tracker    escalation.Tracker
	Ledger     ledger.Ledger
	Reports    Reporter

	PseudonymSalt       string
	FinalWarningAfter   int
	CollaboratorTimeout time.Duration
	Resources           []Resource
	Clock               func() time.Time

	locksOnce sync.Once
	locks     *keyedLocks
}

func (eng *Engine) keyLocks() *keyedLocks {
	eng.locksOnce.Do(func() {
		eng.locks = newKeyedLocks()
	})
	return eng.locks
}

func (eng *Engine) now() time.Time {
	if eng.Clock != nil {
		return eng.Clock()
	}
	return time.Now()
}

func (eng *Engine) finalWarningAfter() int {
	if eng.FinalWarningAfter <= 0 {
		return escalation.DefaultFinalWarningAfter
	}
	return eng.FinalWarningAfter
}

func (eng *Engine) collaboratorTimeout() time.Duration {
	if eng.CollaboratorTimeout <= 0 {
		return 15 * time.Second
	}
	return eng.CollaboratorTimeout
}
