package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhruvmish/moderation-agent/moderation/ledger"
	"github.com/dhruvmish/moderation-agent/moderation/policy"
	"github.com/dhruvmish/moderation-agent/moderation/report"
	"github.com/dhruvmish/moderation-agent/moderation/rollingstore"
	"github.com/dhruvmish/moderation-agent/moderation/score"
)

func testMessage(user, text string) Message {
	return Message{
		Platform:  "telegram",
		ChannelID: "chan-1",
		UserID:    user,
		MessageID: fmt.Sprintf("m-%d", time.Now().UnixNano()),
		Text:      text,
	}
}

func TestThreatOverrideEscalates(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := TestFixture()
	eng.Scorer.(*FakeScorer).Set("i will find you", score.Vector{"threat": 0.6}, 0)

	out, err := eng.ProcessMessage(ctx, testMessage("alice", "i will find you"))
	require.NoError(t, err)
	assert.InDelta(0.80, out.Judgment.Seriousness, 1e-9)
	assert.Equal(policy.ActionSet{policy.ActionEscalate, policy.ActionRedact}, out.Decision.Actions)
	assert.Equal("* w*ll f*nd y**", out.Redacted)
	assert.NotZero(out.IncidentID)
	assert.Equal(1, out.Violations)

	incs, err := eng.Ledger.Query(ctx, ledger.Filter{})
	assert.NoError(err)
	require.Len(t, incs, 1)
	assert.Equal("escalate", incs[0].Action)
	// stored excerpt is the original text, never the masked copy
	assert.Equal("i will find you", incs[0].TextExcerpt)
	assert.Equal(out.UserHash, incs[0].UserIDHash)
	assert.NotContains(incs[0].UserIDHash, "alice")

	p := eng.Platform.(*FakePlatform)
	assert.Len(p.Redacted, 1)
	assert.Equal(1, p.DMsWithText("please stop"))
	assert.Len(eng.Notifier.(*FakeNotifier).Incidents, 1)
}

func TestZeroScoresLogOnly(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := TestFixture()

	out, err := eng.ProcessMessage(ctx, testMessage("bob", "good morning all"))
	require.NoError(t, err)
	assert.Equal(0.0, out.Judgment.Seriousness)
	assert.Equal(policy.ActionSet{policy.ActionLogOnly}, out.Decision.Actions)
	assert.True(out.Persisted())
	assert.True(out.Done())

	incs, err := eng.Ledger.Query(ctx, ledger.Filter{})
	assert.NoError(err)
	assert.Empty(incs)
	assert.Empty(eng.Platform.(*FakePlatform).DMs)

	// log_only messages do not count towards the rolling report
	wm, err := eng.Ledger.GetWatermark(ctx, "chan-1")
	assert.NoError(err)
	assert.Equal(0, wm.FlaggedSinceLast)

	// history still records the message
	hist, err := eng.Rolling.Read(ctx, rollingstore.ChannelKey("chan-1"))
	assert.NoError(err)
	assert.Equal([]float64{0}, hist)
}

func TestCrisisOverride(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := TestFixture()
	// scoring is down; crisis detection must still work
	eng.Scorer.(*FakeScorer).Err = errors.New("model unavailable")
	eng.Responder.(*FakeResponder).Err = errors.New("llm timeout")

	out, err := eng.ProcessMessage(ctx, testMessage("carol", "honestly i want to end my life"))
	require.NoError(t, err)
	assert.True(out.Decision.Crisis)
	assert.Equal(policy.TierCrisis, out.Decision.Tier)
	assert.Equal(policy.ActionSet{policy.ActionCrisis}, out.Decision.Actions)
	assert.Equal(0.0, out.Judgment.Severity)
	assert.Empty(out.Redacted)
	assert.Equal(0, out.Violations)
	assert.True(strings.HasPrefix(out.Reply, "You matter, and help is available right now."))
	assert.Contains(out.Reply, "1800-599-0019")

	p := eng.Platform.(*FakePlatform)
	assert.Empty(p.Redacted)
	assert.Equal(1, p.DMsWithText(out.Reply))
	assert.Len(eng.Notifier.(*FakeNotifier).Incidents, 1)

	st, err := eng.Tracker.Get(ctx, out.UserHash)
	assert.NoError(err)
	assert.Equal(0, st.Violations)
}

func TestResponderFallback(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := TestFixture()
	eng.Scorer.(*FakeScorer).Set("you idiot", score.Vector{"toxic": 0.9}, 0)

	eng.Responder.(*FakeResponder).Reply = "   "
	out, err := eng.ProcessMessage(ctx, testMessage("dave", "you idiot"))
	require.NoError(t, err)
	assert.Equal(policy.TierWarn, out.Decision.Tier)
	assert.Equal(FallbackReply(ReplySerious, nil), out.Reply)

	eng.Responder.(*FakeResponder).Err = errors.New("boom")
	out, err = eng.ProcessMessage(ctx, testMessage("dave", "you idiot"))
	require.NoError(t, err)
	assert.Equal(FallbackReply(ReplySerious, nil), out.Reply)
}

func TestDMBlockedIsSoft(t *testing.T) {
	ctx := context.Background()
	eng := TestFixture()
	eng.Scorer.(*FakeScorer).Set("you idiot", score.Vector{"toxic": 0.9}, 0)
	eng.Platform.(*FakePlatform).DMErr = ErrDMBlocked

	out, err := eng.ProcessMessage(ctx, testMessage("erin", "you idiot"))
	require.NoError(t, err)
	assert.NotZero(t, out.IncidentID)
}

func TestMalformedMessages(t *testing.T) {
	ctx := context.Background()
	eng := TestFixture()

	_, err := eng.ProcessMessage(ctx, testMessage("frank", "   "))
	assert.ErrorIs(t, err, ErrMalformed)

	msg := testMessage("frank", "hello")
	msg.ChannelID = ""
	_, err = eng.ProcessMessage(ctx, msg)
	assert.ErrorIs(t, err, ErrMalformed)
}

type flakyLedger struct {
	ledger.Ledger
	fail atomic.Bool
}

func (l *flakyLedger) Append(ctx context.Context, inc *ledger.Incident) (uint, error) {
	if l.fail.Load() {
		return 0, errors.New("database is locked")
	}
	return l.Ledger.Append(ctx, inc)
}

func TestPersistFailureAndRetry(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := TestFixture()
	fl := &flakyLedger{Ledger: eng.Ledger}
	fl.fail.Store(true)
	eng.Ledger = fl
	eng.Scorer.(*FakeScorer).Set("you idiot", score.Vector{"toxic": 0.9}, 0)

	out, err := eng.ProcessMessage(ctx, testMessage("gina", "you idiot"))
	assert.ErrorIs(err, ErrPersist)
	require.NotNil(t, out)
	assert.False(out.Persisted())
	assert.Equal(policy.TierWarn, out.Decision.Tier)

	// still failing
	assert.ErrorIs(eng.Retry(ctx, out), ErrPersist)

	fl.fail.Store(false)
	assert.NoError(eng.Retry(ctx, out))
	assert.True(out.Persisted())
	assert.True(out.Done())
	assert.Equal(1, out.Violations)

	// side effects were not repeated by the retries
	p := eng.Platform.(*FakePlatform)
	assert.Len(p.Redacted, 1)
	assert.Equal(1, p.DMsWithText("please stop"))

	// retrying a finished outcome is a no-op
	assert.NoError(eng.Retry(ctx, out))
	incs, err := eng.Ledger.Query(ctx, ledger.Filter{})
	assert.NoError(err)
	assert.Len(incs, 1)
}

func TestFinalWarningOnce(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := TestFixture()
	eng.Scorer.(*FakeScorer).Set("i will hurt you", score.Vector{"threat": 0.7}, 0)

	msg := testMessage("harry", "i will hurt you")
	msg.UserMention = "@harry"
	for i := 1; i <= 9; i++ {
		out, err := eng.ProcessMessage(ctx, msg)
		require.NoError(t, err)
		assert.Equal(i, out.Violations)
		assert.Equal(i == 6, out.FinalWarning, "message %d", i)
		if i == 6 {
			require.NotNil(t, out.UserReport)
			assert.Equal(6, out.UserReport.Total)
			assert.Equal(report.ScopeUser, out.UserReport.Scope)
		} else {
			assert.Nil(out.UserReport)
		}
	}

	p := eng.Platform.(*FakePlatform)
	assert.Equal(1, p.DMsWithText(FinalWarningText))
	require.Len(t, p.Notices, 1)
	assert.Contains(p.Notices[0].Text, "@harry has reached 6 violations")

	warned, err := eng.Tracker.HasBeenWarned(ctx, Pseudonymize(eng.PseudonymSalt, "harry"))
	assert.NoError(err)
	assert.True(warned)
}

func TestConcurrentSameUser(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := TestFixture()
	eng.Scorer.(*FakeScorer).Set("you idiot", score.Vector{"toxic": 0.9}, 0)

	var finals atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := eng.ProcessMessage(ctx, testMessage("ivy", "you idiot"))
			if assert.NoError(err) && out.FinalWarning {
				finals.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(int32(1), finals.Load())
	assert.Equal(1, eng.Platform.(*FakePlatform).DMsWithText(FinalWarningText))

	hist, err := eng.Rolling.Read(ctx, rollingstore.UserKey(Pseudonymize(eng.PseudonymSalt, "ivy")))
	assert.NoError(err)
	assert.Len(hist, rollingstore.DefaultCapacity)

	st, err := eng.Tracker.Get(ctx, Pseudonymize(eng.PseudonymSalt, "ivy"))
	assert.NoError(err)
	assert.Equal(40, st.Violations)

	// all lock entries released
	assert.Equal(0, eng.keyLocks().Size())
}

func TestRollingReportFromPipeline(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := TestFixture()
	eng.Reports.(*report.Synthesizer).RollingLimit = 3
	eng.Scorer.(*FakeScorer).Set("you idiot", score.Vector{"toxic": 0.9}, 0)
	recorded := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	eng.Clock = func() time.Time { return recorded }

	var generated *report.Digest
	for i := 0; i < 3; i++ {
		msg := testMessage(fmt.Sprintf("user-%d", i), "you idiot")
		msg.CreatedAt = time.Date(2024, 3, 1, 9, i, 0, 0, time.UTC)
		out, err := eng.ProcessMessage(ctx, msg)
		require.NoError(t, err)
		if out.RollingReport != nil {
			generated = out.RollingReport
		}
	}
	require.NotNil(t, generated)
	assert.Equal(3, generated.Total)

	wm, err := eng.Ledger.GetWatermark(ctx, "chan-1")
	assert.NoError(err)
	assert.Equal(0, wm.FlaggedSinceLast)
	assert.True(wm.LastReportAt.Equal(recorded))
	assert.Equal(uint(3), wm.LastIncidentID)

	incs, err := eng.Ledger.Query(ctx, ledger.Filter{ChannelID: "chan-1"})
	require.NoError(t, err)
	require.Len(t, incs, 3)
	assert.True(incs[2].MessageAt.Equal(time.Date(2024, 3, 1, 9, 2, 0, 0, time.UTC)))
	assert.True(incs[2].CreatedAt.Equal(recorded))
}

func TestSameTimestampIncidentsAllReported(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := TestFixture()
	eng.Scorer.(*FakeScorer).Set("i will find you", score.Vector{"threat": 0.6}, 0)
	// one-second platform resolution and a frozen clock: every timestamp collides
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	eng.Clock = func() time.Time { return at }
	synth := eng.Reports.(*report.Synthesizer)

	for i, user := range []string{"mallory", "trent"} {
		msg := testMessage(user, "i will find you")
		msg.CreatedAt = at
		out, err := eng.ProcessMessage(ctx, msg)
		require.NoError(t, err)
		require.NotZero(t, out.IncidentID)

		d, err := synth.ChannelReport(ctx, "chan-1")
		require.NoError(t, err)
		require.NotNil(t, d, "report %d", i)
		assert.Equal(1, d.Total)
		assert.Equal(out.UserHash, d.Items[0].UserIDHash)

		wm, err := eng.Ledger.GetWatermark(ctx, "chan-1")
		require.NoError(t, err)
		assert.Equal(out.IncidentID, wm.LastIncidentID)
	}

	d, err := synth.ChannelReport(ctx, "chan-1")
	assert.NoError(err)
	assert.Nil(d)
}

func TestHistoryRaisesSeriousness(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := TestFixture()
	eng.Scorer.(*FakeScorer).Set("you idiot", score.Vector{"toxic": 0.9}, 0)
	eng.Scorer.(*FakeScorer).Set("jk you idiot", score.Vector{"toxic": 0.9}, 0.9)

	first, err := eng.ProcessMessage(ctx, testMessage("jane", "you idiot"))
	require.NoError(t, err)
	second, err := eng.ProcessMessage(ctx, testMessage("jane", "you idiot"))
	require.NoError(t, err)
	assert.Greater(second.Judgment.Seriousness, first.Judgment.Seriousness)
	assert.Equal(first.Judgment.Severity, second.Judgment.Severity)

	// sarcasm relief drops it below the warn line
	joke, err := eng.ProcessMessage(ctx, testMessage("kim", "jk you idiot"))
	require.NoError(t, err)
	assert.Equal(policy.TierLogOnly, joke.Decision.Tier)
}

func TestPseudonymize(t *testing.T) {
	assert := assert.New(t)
	a := Pseudonymize("salt-one", "12345")
	assert.Len(a, 32)
	assert.Equal(a, Pseudonymize("salt-one", "12345"))
	assert.NotEqual(a, Pseudonymize("salt-two", "12345"))
	assert.NotEqual(a, Pseudonymize("salt-one", "12346"))
	assert.NotContains(a, "12345")
}

func TestKeyedLocksExclusive(t *testing.T) {
	assert := assert.New(t)
	kl := newKeyedLocks()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				unlock := kl.Lock("user/a", "chan/b")
				counter++
				unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(2000, counter)
	assert.Equal(0, kl.Size())
}
