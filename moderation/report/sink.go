package report

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
)

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// FileSink renders digests as markdown files in a directory.
type FileSink struct {
	Dir      string
	Renderer *Renderer
	Logger   *slog.Logger
}

func NewFileSink(dir string, logger *slog.Logger) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating report directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSink{
		Dir:      dir,
		Renderer: NewRenderer(),
		Logger:   logger,
	}, nil
}

// FileName is the file a digest is written to, relative to the sink directory.
func FileName(d *Digest) string {
	ts := d.To.UTC().Format("20060102_1504")
	switch d.Scope {
	case ScopeUser:
		return fmt.Sprintf("user_report_%s_%s.md", unsafeFileChars.ReplaceAllString(d.UserIDHash, "_"), ts)
	default:
		return fmt.Sprintf("report_%s_%s.md", unsafeFileChars.ReplaceAllString(d.ChannelID, "_"), ts)
	}
}

func (s *FileSink) Deliver(ctx context.Context, d *Digest) error {
	body, err := s.Renderer.RenderDigest(d)
	if err != nil {
		return err
	}
	path := filepath.Join(s.Dir, FileName(d))
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return fmt.Errorf("writing report file: %w", err)
	}
	s.Logger.Info("report written", "path", path, "scope", d.Scope)
	return nil
}
