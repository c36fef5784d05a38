// Builds channel- and user-scoped incident digests from the ledger, and moves
// per-channel report watermarks forward.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/dhruvmish/moderation-agent/moderation/ledger"
)

const DefaultRollingLimit = 50

// Sink receives every generated digest.
type Sink interface {
	Deliver(ctx context.Context, d *Digest) error
}

type Synthesizer struct {
	Ledger ledger.Ledger
	Sinks  []Sink
	Logger *slog.Logger
	// flagged incidents per channel which trigger a rolling report
	RollingLimit int
	ItemLimit    int
	Clock        func() time.Time

	// at most one generation per channel in flight
	locks *xsync.MapOf[string, *sync.Mutex]
}

func NewSynthesizer(l ledger.Ledger, logger *slog.Logger, sinks ...Sink) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{
		Ledger:       l,
		Sinks:        sinks,
		Logger:       logger.With("component", "report"),
		RollingLimit: DefaultRollingLimit,
		ItemLimit:    DefaultItemLimit,
		Clock:        time.Now,
		locks:        xsync.NewMapOf[string, *sync.Mutex](),
	}
}

func (s *Synthesizer) lockChannel(channelID string) func() {
	mu, _ := s.locks.LoadOrCompute(channelID, func() *sync.Mutex { return &sync.Mutex{} })
	mu.Lock()
	return mu.Unlock
}

// the watermark only advances once every sink has accepted the digest, so a
// failed delivery is retried on the next trigger
func (s *Synthesizer) deliver(ctx context.Context, d *Digest) error {
	for _, sink := range s.Sinks {
		if err := sink.Deliver(ctx, d); err != nil {
			return fmt.Errorf("delivering %s report: %w", d.Scope, err)
		}
	}
	return nil
}

// ChannelReport digests every incident in the channel recorded after the
// watermark's last incident. A nil digest with nil error means there was
// nothing new to report, and the watermark was not touched.
func (s *Synthesizer) ChannelReport(ctx context.Context, channelID string) (*Digest, error) {
	unlock := s.lockChannel(channelID)
	defer unlock()

	wm, err := s.Ledger.GetWatermark(ctx, channelID)
	if err != nil {
		return nil, err
	}
	incs, err := s.Ledger.Query(ctx, ledger.Filter{
		ChannelID: channelID,
		AfterID:   wm.LastIncidentID,
	})
	if err != nil {
		return nil, err
	}
	if len(incs) == 0 {
		return nil, nil
	}

	d := buildDigest(incs, s.ItemLimit, ChannelExcerptLen, s.Clock())
	d.Scope = ScopeChannel
	d.ChannelID = channelID
	d.Title = fmt.Sprintf("Channel report: %s", channelID)

	if err := s.deliver(ctx, d); err != nil {
		return nil, err
	}
	var lastID uint
	for _, inc := range incs {
		lastID = max(lastID, inc.ID)
	}
	if err := s.Ledger.AdvanceWatermark(ctx, channelID, d.To, lastID); err != nil {
		return nil, err
	}
	s.Logger.Info("channel report generated", "channel", channelID, "incidents", d.Total, "watermark", d.To, "lastIncident", lastID)
	return d, nil
}

// UserReport covers one user's escalation-tier incidents across all channels,
// over their full history. It has no watermark.
func (s *Synthesizer) UserReport(ctx context.Context, userHash string) (*Digest, error) {
	incs, err := s.Ledger.Query(ctx, ledger.Filter{
		UserIDHash: userHash,
		Actions:    []string{"escalate"},
	})
	if err != nil {
		return nil, err
	}
	if len(incs) == 0 {
		return nil, nil
	}

	d := buildDigest(incs, s.ItemLimit, UserExcerptLen, s.Clock())
	d.Scope = ScopeUser
	d.UserIDHash = userHash
	d.Title = fmt.Sprintf("User special report: %s", userHash)

	if err := s.deliver(ctx, d); err != nil {
		return nil, err
	}
	s.Logger.Info("user report generated", "user", userHash, "incidents", d.Total)
	return d, nil
}

// MaybeRollingReport is called once per flagged incident. It bumps the
// channel's counter and generates a channel report once the rolling limit is
// reached. The counter is only reset by a report actually being generated.
func (s *Synthesizer) MaybeRollingReport(ctx context.Context, channelID string) (*Digest, error) {
	n, err := s.Ledger.BumpFlagCount(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if n < s.RollingLimit {
		return nil, nil
	}
	s.Logger.Info("rolling report limit reached", "channel", channelID, "flagged", n)
	return s.ChannelReport(ctx, channelID)
}

// ScheduledReports runs ChannelReport for every channel with incidents.
// Channels with nothing new are skipped. A failure in one channel does not
// stop the others; all failures are returned together.
func (s *Synthesizer) ScheduledReports(ctx context.Context) ([]*Digest, error) {
	chans, err := s.Ledger.Channels(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Digest
	var errs []error
	for _, ch := range chans {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		d, err := s.ChannelReport(ctx, ch)
		if err != nil {
			s.Logger.Error("scheduled channel report failed", "channel", ch, "err", err)
			errs = append(errs, fmt.Errorf("channel %s: %w", ch, err))
			continue
		}
		if d != nil {
			out = append(out, d)
		}
	}
	s.Logger.Info("scheduled reports finished", "channels", len(chans), "generated", len(out))
	return out, errors.Join(errs...)
}
