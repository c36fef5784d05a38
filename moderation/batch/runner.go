package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/flosch/pongo2/v6"

	"github.com/dhruvmish/moderation-agent/moderation/engine"
	"github.com/dhruvmish/moderation-agent/moderation/policy"
	"github.com/dhruvmish/moderation-agent/moderation/report"
	"github.com/dhruvmish/moderation-agent/moderation/score"
)

const (
	Platform       = "batch"
	DefaultChannel = "batch"
	DefaultUser    = "unknown"
	DigestFile     = "moderation_report.md"

	// label counts consider each message's two highest labels
	labelTopN       = 2
	labelCountFloor = 0.5
	topEscalations  = 5
	recentWarnings  = 10
	excerptLen      = 100
)

type Processor interface {
	ProcessMessage(ctx context.Context, msg engine.Message) (*engine.Outcome, error)
	Retry(ctx context.Context, out *engine.Outcome) error
}

type Runner struct {
	Engine   Processor
	Renderer *report.Renderer
	Logger   *slog.Logger
	OutDir   string
	Clock    func() time.Time
}

func NewRunner(proc Processor, outDir string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		Engine:   proc,
		Renderer: report.NewRenderer(),
		Logger:   logger.With("system", "batch"),
		OutDir:   outDir,
		Clock:    time.Now,
	}
}

type LabelCount struct {
	Label string
	Count int
}

type Entry struct {
	Seriousness float64
	UserIDHash  string
	ChannelID   string
	Text        string
}

type Summary struct {
	Source    string
	Generated time.Time
	Total     int
	Skipped   int
	Failed    int
	Flagged   int
	Escalated int
	Crisis    int
	Labels    []LabelCount
	// highest seriousness first
	Escalations []Entry
	// in input order, redacted
	Warnings []Entry

	labelCounts map[string]int
}

func newSummary(source string) *Summary {
	return &Summary{
		Source:      source,
		labelCounts: make(map[string]int),
	}
}

func (s *Summary) add(out *engine.Outcome) {
	s.Total++
	msg := out.Message()

	type kv struct {
		k string
		v float64
	}
	var labels []kv
	for _, l := range score.Labels {
		labels = append(labels, kv{l, out.Labels.Get(l)})
	}
	sort.SliceStable(labels, func(i, j int) bool { return labels[i].v > labels[j].v })
	for _, l := range labels[:labelTopN] {
		if l.v >= labelCountFloor {
			s.labelCounts[l.k]++
		}
	}

	switch out.Decision.Tier {
	case policy.TierCrisis:
		s.Crisis++
	case policy.TierEscalate:
		s.Flagged++
		s.Escalated++
		s.Escalations = append(s.Escalations, Entry{
			Seriousness: out.Judgment.Seriousness,
			UserIDHash:  out.UserHash,
			ChannelID:   msg.ChannelID,
			Text:        report.Excerpt(msg.Text, excerptLen),
		})
	case policy.TierWarn:
		s.Flagged++
		if len(s.Warnings) < recentWarnings {
			text := out.Redacted
			if text == "" {
				text = msg.Text
			}
			s.Warnings = append(s.Warnings, Entry{
				Seriousness: out.Judgment.Seriousness,
				UserIDHash:  out.UserHash,
				ChannelID:   msg.ChannelID,
				Text:        report.Excerpt(text, excerptLen),
			})
		}
	}
}

func (s *Summary) finalize(now time.Time) {
	s.Generated = now
	sort.SliceStable(s.Escalations, func(i, j int) bool {
		return s.Escalations[i].Seriousness > s.Escalations[j].Seriousness
	})
	if len(s.Escalations) > topEscalations {
		s.Escalations = s.Escalations[:topEscalations]
	}
	s.Labels = s.Labels[:0]
	for _, l := range score.Labels {
		s.Labels = append(s.Labels, LabelCount{Label: l, Count: s.labelCounts[l]})
	}
}

func toMessage(row Row) engine.Message {
	msg := engine.Message{
		Platform:  Platform,
		ChannelID: row.Channel,
		UserID:    row.UserID,
		MessageID: fmt.Sprintf("line-%d", row.Line),
		Text:      row.Text,
		CreatedAt: row.Timestamp,
	}
	if msg.ChannelID == "" {
		msg.ChannelID = DefaultChannel
	}
	if msg.UserID == "" {
		msg.UserID = DefaultUser
	}
	msg.UserRef = msg.UserID
	return msg
}

// Run processes rows in order through the engine. Rows whose incident can
// not be recorded are retried once, then counted as failed.
func (r *Runner) Run(ctx context.Context, source string, in *Input) (*Summary, error) {
	sum := newSummary(source)
	sum.Skipped = len(in.Skipped)
	for _, sk := range in.Skipped {
		r.Logger.Warn("skipping input row", "line", sk.Line, "reason", sk.Reason)
	}

	for _, row := range in.Rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := r.Engine.ProcessMessage(ctx, toMessage(row))
		if errors.Is(err, engine.ErrPersist) && out != nil {
			err = r.Engine.Retry(ctx, out)
		}
		if err != nil {
			if errors.Is(err, engine.ErrMalformed) {
				sum.Skipped++
				r.Logger.Warn("skipping input row", "line", row.Line, "reason", err)
				continue
			}
			sum.Failed++
			r.Logger.Error("failed to process row", "line", row.Line, "err", err)
			if out == nil {
				continue
			}
		}
		sum.add(out)
	}
	sum.finalize(r.Clock())
	return sum, nil
}

func (r *Runner) Render(sum *Summary) (string, error) {
	return r.Renderer.Render("batch.md", pongo2.Context{
		"source":      sum.Source,
		"generated":   report.FormatTime(sum.Generated),
		"total":       sum.Total,
		"skipped":     sum.Skipped,
		"flagged":     sum.Flagged,
		"escalated":   sum.Escalated,
		"crisis":      sum.Crisis,
		"labels":      sum.Labels,
		"escalations": sum.Escalations,
		"warnings":    sum.Warnings,
	})
}

// WriteDigest renders the summary to OutDir and returns the file path.
func (r *Runner) WriteDigest(sum *Summary) (string, error) {
	md, err := r.Render(sum)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(r.OutDir, 0o755); err != nil {
		return "", fmt.Errorf("creating output dir: %w", err)
	}
	path := filepath.Join(r.OutDir, DigestFile)
	if err := os.WriteFile(path, []byte(md), 0o644); err != nil {
		return "", fmt.Errorf("writing batch digest: %w", err)
	}
	r.Logger.Info("wrote batch digest", "path", path, "total", sum.Total, "flagged", sum.Flagged)
	return path, nil
}
