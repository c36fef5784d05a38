package report

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhruvmish/moderation-agent/moderation/ledger"
)

type captureSink struct {
	mu      sync.Mutex
	digests []*Digest
	fail    error
}

func (c *captureSink) Deliver(ctx context.Context, d *Digest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.digests = append(c.digests, d)
	return nil
}

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func appendIncident(t *testing.T, l ledger.Ledger, ch, user, action string, at time.Time, text string) {
	_, err := l.Append(context.Background(), &ledger.Incident{
		Platform:    "telegram",
		ChannelID:   ch,
		UserIDHash:  user,
		Action:      action,
		TextExcerpt: text,
		Seriousness: 0.7,
		CreatedAt:   at,
	})
	require.NoError(t, err)
}

func TestChannelReportAdvancesWatermark(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	l := ledger.NewMemLedger()
	sink := &captureSink{}
	s := NewSynthesizer(l, nil, sink)

	// nothing since the watermark: no report, watermark untouched
	d, err := s.ChannelReport(ctx, "c1")
	assert.NoError(err)
	assert.Nil(d)
	wm, err := l.GetWatermark(ctx, "c1")
	assert.NoError(err)
	assert.True(wm.LastReportAt.Equal(ledger.Epoch))

	for i := 0; i < 12; i++ {
		appendIncident(t, l, "c1", "u1", "warn", base.Add(time.Duration(i)*time.Hour), fmt.Sprintf("msg %d", i))
	}
	appendIncident(t, l, "c2", "u1", "escalate", base, "elsewhere")
	last := base.Add(11 * time.Hour)

	d, err = s.ChannelReport(ctx, "c1")
	assert.NoError(err)
	require.NotNil(t, d)
	assert.Equal(12, d.Total)
	assert.Equal(12, d.ByTier["warn"])
	assert.Len(d.Items, DefaultItemLimit)
	assert.Equal("msg 0", d.Items[0].Excerpt)
	assert.True(d.From.Equal(base))
	assert.True(d.To.Equal(last))
	assert.Equal(1, d.Hourly[10])
	assert.Equal(1, d.Hourly[21])
	assert.Equal(0, d.Hourly[9])
	assert.Len(sink.digests, 1)

	wm, err = l.GetWatermark(ctx, "c1")
	assert.NoError(err)
	assert.True(wm.LastReportAt.Equal(last))

	// repeated with nothing new
	d, err = s.ChannelReport(ctx, "c1")
	assert.NoError(err)
	assert.Nil(d)
	wm, err = l.GetWatermark(ctx, "c1")
	assert.NoError(err)
	assert.True(wm.LastReportAt.Equal(last))
	assert.Len(sink.digests, 1)

	// only incidents after the watermark are included
	appendIncident(t, l, "c1", "u2", "escalate", last.Add(time.Minute), "later")
	d, err = s.ChannelReport(ctx, "c1")
	assert.NoError(err)
	require.NotNil(t, d)
	assert.Equal(1, d.Total)
	assert.Equal("later", d.Items[0].Excerpt)

	// recorded after the report but stamped at or before its watermark
	appendIncident(t, l, "c1", "u3", "warn", last.Add(time.Minute), "same instant")
	appendIncident(t, l, "c1", "u4", "warn", base, "late arrival")
	d, err = s.ChannelReport(ctx, "c1")
	assert.NoError(err)
	require.NotNil(t, d)
	assert.Equal(2, d.Total)
	assert.Equal("late arrival", d.Items[0].Excerpt)
	assert.Equal("same instant", d.Items[1].Excerpt)
	wm, err = l.GetWatermark(ctx, "c1")
	assert.NoError(err)
	assert.True(wm.LastReportAt.Equal(last.Add(time.Minute)))
	assert.Equal(uint(16), wm.LastIncidentID)
}

func TestChannelReportDeliveryFailureKeepsWatermark(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	l := ledger.NewMemLedger()
	sink := &captureSink{fail: errors.New("disk full")}
	s := NewSynthesizer(l, nil, sink)

	appendIncident(t, l, "c1", "u1", "warn", base, "x")
	_, err := l.BumpFlagCount(ctx, "c1")
	assert.NoError(err)

	d, err := s.ChannelReport(ctx, "c1")
	assert.Error(err)
	assert.Nil(d)
	wm, err := l.GetWatermark(ctx, "c1")
	assert.NoError(err)
	assert.True(wm.LastReportAt.Equal(ledger.Epoch))
	assert.Equal(1, wm.FlaggedSinceLast)

	// next trigger succeeds
	sink.fail = nil
	d, err = s.ChannelReport(ctx, "c1")
	assert.NoError(err)
	assert.NotNil(d)
}

func TestMaybeRollingReport(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	l := ledger.NewMemLedger()
	sink := &captureSink{}
	s := NewSynthesizer(l, nil, sink)
	s.RollingLimit = 3

	for i := 0; i < 2; i++ {
		appendIncident(t, l, "c1", "u1", "warn", base.Add(time.Duration(i)*time.Minute), "x")
		d, err := s.MaybeRollingReport(ctx, "c1")
		assert.NoError(err)
		assert.Nil(d)
	}
	appendIncident(t, l, "c1", "u1", "warn", base.Add(2*time.Minute), "x")
	d, err := s.MaybeRollingReport(ctx, "c1")
	assert.NoError(err)
	require.NotNil(t, d)
	assert.Equal(3, d.Total)

	// counter reset by the generated report
	wm, err := l.GetWatermark(ctx, "c1")
	assert.NoError(err)
	assert.Equal(0, wm.FlaggedSinceLast)
}

func TestUserReportEscalationsOnly(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	l := ledger.NewMemLedger()
	s := NewSynthesizer(l, nil)

	d, err := s.UserReport(ctx, "u1")
	assert.NoError(err)
	assert.Nil(d)

	long := strings.Repeat("é", 250)
	appendIncident(t, l, "c1", "u1", "warn", base, "warned")
	appendIncident(t, l, "c1", "u1", "escalate", base.Add(time.Minute), long)
	appendIncident(t, l, "c2", "u1", "escalate", base.Add(2*time.Minute), "line one\nline two")
	appendIncident(t, l, "c2", "u1", "crisis", base.Add(3*time.Minute), "crisis")
	appendIncident(t, l, "c2", "u2", "escalate", base.Add(4*time.Minute), "other user")

	d, err = s.UserReport(ctx, "u1")
	assert.NoError(err)
	require.NotNil(t, d)
	assert.Equal(ScopeUser, d.Scope)
	assert.Equal(2, d.Total)
	assert.Equal(2, d.ByTier["escalate"])
	assert.Equal(UserExcerptLen, len([]rune(d.Items[0].Excerpt)))
	assert.Equal("line one line two", d.Items[1].Excerpt)

	// user reports never move channel watermarks
	wm, err := l.GetWatermark(ctx, "c1")
	assert.NoError(err)
	assert.True(wm.LastReportAt.Equal(ledger.Epoch))
}

func TestScheduledReports(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	l := ledger.NewMemLedger()
	s := NewSynthesizer(l, nil)

	appendIncident(t, l, "c1", "u1", "warn", base, "x")
	appendIncident(t, l, "c2", "u1", "warn", base, "y")
	_, err := s.ChannelReport(ctx, "c2")
	assert.NoError(err)

	out, err := s.ScheduledReports(ctx)
	assert.NoError(err)
	assert.Len(out, 1)
	assert.Equal("c1", out[0].ChannelID)
}

func TestChannelReportSerialized(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	l := ledger.NewMemLedger()
	sink := &captureSink{}
	s := NewSynthesizer(l, nil, sink)
	for i := 0; i < 5; i++ {
		appendIncident(t, l, "c1", "u1", "warn", base.Add(time.Duration(i)*time.Second), "x")
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ChannelReport(ctx, "c1")
			assert.NoError(err)
		}()
	}
	wg.Wait()
	assert.Len(sink.digests, 1)
}

func TestExcerptAndSparkline(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("a b", Excerpt("a\nb", 10))
	assert.Equal("abc", Excerpt("abcdef", 3))
	assert.Equal("", Sparkline(nil))
	assert.Equal("▁▁▁", Sparkline([]int{0, 0, 0}))
	assert.Equal("▁▄█", Sparkline([]int{0, 1, 2}))
}

func TestFileSinkRendersMarkdown(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	dir := t.TempDir()
	sink, err := NewFileSink(dir, nil)
	require.NoError(t, err)
	l := ledger.NewMemLedger()
	s := NewSynthesizer(l, nil, sink)

	appendIncident(t, l, "-100123", "u1", "escalate", base, "you <b>are</b> awful")
	d, err := s.ChannelReport(ctx, "-100123")
	require.NoError(t, err)
	require.NotNil(t, d)

	body, err := os.ReadFile(filepath.Join(dir, FileName(d)))
	require.NoError(t, err)
	text := string(body)
	assert.Contains(text, "# Moderation Report: -100123")
	assert.Contains(text, "**Incidents:** 1")
	assert.Contains(text, "you <b>are</b> awful")
	assert.Contains(text, "seriousness=0.70")
	assert.Equal("report_-100123_20240301_1000.md", FileName(d))

	d, err = s.UserReport(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, d)
	body, err = os.ReadFile(filepath.Join(dir, FileName(d)))
	require.NoError(t, err)
	assert.Contains(string(body), "# User Special Report")
	assert.Contains(string(body), "channel=-100123")
}
