package platform

import (
	"context"
	"log/slog"

	"github.com/dhruvmish/moderation-agent/moderation/engine"
)

// LogPlatform performs no side effects; it only logs what would have been
// done. Used for batch runs and dry runs.
type LogPlatform struct {
	Logger *slog.Logger
}

var _ engine.Platform = (*LogPlatform)(nil)

func NewLogPlatform(logger *slog.Logger) *LogPlatform {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPlatform{Logger: logger.With("platform", "log")}
}

func (p *LogPlatform) RedactMessage(ctx context.Context, ref engine.MessageRef, replacement string) error {
	p.Logger.Info("would redact message", "channel", ref.ChannelID, "message", ref.MessageID)
	return nil
}

func (p *LogPlatform) SendDM(ctx context.Context, userRef, text string) error {
	p.Logger.Info("would send direct message", "chars", len(text))
	return nil
}

func (p *LogPlatform) PostChannelNotice(ctx context.Context, channelID, text string) error {
	p.Logger.Info("would post channel notice", "channel", channelID, "text", text)
	return nil
}
