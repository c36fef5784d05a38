package report

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dhruvmish/moderation-agent/moderation/ledger"
)

const (
	// max items listed in a digest
	DefaultItemLimit = 10
	// excerpt length, in runes, for channel and user reports
	ChannelExcerptLen = 180
	UserExcerptLen    = 200
)

type Scope string

const (
	ScopeChannel Scope = "channel"
	ScopeUser    Scope = "user"
)

// Item summarizes a single incident within a digest.
type Item struct {
	IncidentID  uint
	CreatedAt   time.Time
	ChannelID   string
	UserIDHash  string
	Action      string
	Sarcasm     float64
	ToxMax      float64
	Seriousness float64
	Excerpt     string
}

// Digest is the structured result of a report. Rendering to text is handled
// separately by Renderer.
type Digest struct {
	Scope Scope
	Title string
	// set for channel digests
	ChannelID string
	// set for user digests
	UserIDHash string
	// created_at of first and last included incidents
	From        time.Time
	To          time.Time
	GeneratedAt time.Time
	Total       int
	// count per outcome tier (warn, escalate, crisis)
	ByTier map[string]int
	// incidents per hour-of-day, UTC
	Hourly [24]int
	// first N incidents in chronological order
	Items []Item
}

func buildDigest(incs []ledger.Incident, itemLimit, excerptLen int, now time.Time) *Digest {
	d := &Digest{
		From:        incs[0].CreatedAt.UTC(),
		To:          incs[len(incs)-1].CreatedAt.UTC(),
		GeneratedAt: now.UTC(),
		Total:       len(incs),
		ByTier:      map[string]int{"warn": 0, "escalate": 0, "crisis": 0},
	}
	for _, inc := range incs {
		d.ByTier[inc.Action]++
		d.Hourly[inc.CreatedAt.UTC().Hour()]++
		if len(d.Items) < itemLimit {
			d.Items = append(d.Items, Item{
				IncidentID:  inc.ID,
				CreatedAt:   inc.CreatedAt.UTC(),
				ChannelID:   inc.ChannelID,
				UserIDHash:  inc.UserIDHash,
				Action:      inc.Action,
				Sarcasm:     inc.Sarcasm,
				ToxMax:      inc.ToxMax,
				Seriousness: inc.Seriousness,
				Excerpt:     Excerpt(inc.TextExcerpt, excerptLen),
			})
		}
	}
	return d
}

// Excerpt folds newlines to spaces and truncates to at most n runes.
func Excerpt(s string, n int) string {
	s = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

var sparkGlyphs = []rune("▁▂▃▄▅▆▇█")

// Sparkline draws one glyph per bucket, scaled to the largest bucket.
func Sparkline(counts []int) string {
	if len(counts) == 0 {
		return ""
	}
	m := 0
	for _, c := range counts {
		m = max(m, c)
	}
	if m == 0 {
		m = 1
	}
	var sb strings.Builder
	for _, c := range counts {
		sb.WriteRune(sparkGlyphs[c*(len(sparkGlyphs)-1)/m])
	}
	return sb.String()
}

func (d *Digest) Sparkline() string {
	return Sparkline(d.Hourly[:])
}

// Serious is the count of incidents which drew a warning or escalation.
func (d *Digest) Serious() int {
	return d.ByTier["warn"] + d.ByTier["escalate"]
}
