package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dhruvmish/moderation-agent/moderation/escalation"
	"github.com/dhruvmish/moderation-agent/moderation/ledger"
	"github.com/dhruvmish/moderation-agent/moderation/policy"
	"github.com/dhruvmish/moderation-agent/moderation/report"
	"github.com/dhruvmish/moderation-agent/moderation/rollingstore"
	"github.com/dhruvmish/moderation-agent/moderation/score"
)

// FakeScorer returns fixed scores per exact message text; unknown text scores zero.
type FakeScorer struct {
	mu       sync.Mutex
	Labels   map[string]score.Vector
	Sarcasms map[string]float64
	Err      error
}

func NewFakeScorer() *FakeScorer {
	return &FakeScorer{
		Labels:   make(map[string]score.Vector),
		Sarcasms: make(map[string]float64),
	}
}

func (s *FakeScorer) Set(text string, labels score.Vector, sarcasm float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Labels[text] = labels
	s.Sarcasms[text] = sarcasm
}

func (s *FakeScorer) Score(ctx context.Context, text string) (score.Vector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Labels[text], nil
}

func (s *FakeScorer) Sarcasm(ctx context.Context, text string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	return s.Sarcasms[text], nil
}

type FakeResponder struct {
	mu    sync.Mutex
	Reply string
	Err   error
	Calls int
}

func (r *FakeResponder) GenerateReply(ctx context.Context, kind ReplyKind, rc ReplyContext) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls++
	if r.Err != nil {
		return "", r.Err
	}
	return r.Reply, nil
}

type SentDM struct {
	UserRef string
	Text    string
}

type SentNotice struct {
	ChannelID string
	Text      string
}

// FakePlatform records every side effect it is asked to perform.
type FakePlatform struct {
	mu       sync.Mutex
	Redacted []MessageRef
	DMs      []SentDM
	Notices  []SentNotice
	DMErr    error
}

func (p *FakePlatform) RedactMessage(ctx context.Context, ref MessageRef, replacement string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Redacted = append(p.Redacted, ref)
	return nil
}

func (p *FakePlatform) SendDM(ctx context.Context, userRef, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.DMErr != nil {
		return p.DMErr
	}
	p.DMs = append(p.DMs, SentDM{UserRef: userRef, Text: text})
	return nil
}

func (p *FakePlatform) PostChannelNotice(ctx context.Context, channelID, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Notices = append(p.Notices, SentNotice{ChannelID: channelID, Text: text})
	return nil
}

// DMsWithText counts direct messages with exactly this text.
func (p *FakePlatform) DMsWithText(text string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, dm := range p.DMs {
		if dm.Text == text {
			n++
		}
	}
	return n
}

type FakeNotifier struct {
	mu        sync.Mutex
	Incidents []ledger.Incident
}

func (n *FakeNotifier) SendIncident(ctx context.Context, inc *ledger.Incident) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Incidents = append(n.Incidents, *inc)
	return nil
}

// TestFixture is an engine wired entirely to in-memory stores and fake
// collaborators.
func TestFixture() *Engine {
	led := ledger.NewMemLedger()
	return &Engine{
		Logger:              slog.Default(),
		Scorer:              NewFakeScorer(),
		Responder:           &FakeResponder{Reply: "please stop"},
		Platform:            &FakePlatform{},
		Notifier:            &FakeNotifier{},
		Aggregator:          score.NewAggregator(nil),
		Policy:              policy.New(policy.DefaultThresholds),
		Rolling:             rollingstore.NewMemRollingStore(rollingstore.DefaultCapacity, 1000, time.Hour),
		Tracker:             escalation.NewMemTracker(),
		Ledger:              led,
		Reports:             report.NewSynthesizer(led, slog.Default()),
		PseudonymSalt:       "test-salt-0123",
		FinalWarningAfter:   escalation.DefaultFinalWarningAfter,
		CollaboratorTimeout: time.Second,
	}
}
