package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dhruvmish/moderation-agent/moderation/engine"
)

type Processor interface {
	ProcessMessage(ctx context.Context, msg engine.Message) (*engine.Outcome, error)
	Retry(ctx context.Context, out *engine.Outcome) error
}

// ModerateHandler runs each message through the engine. Persistence failures
// are retried with exponential backoff; malformed messages are skipped.
func ModerateHandler(proc Processor, retries int, backoff time.Duration, logger *slog.Logger) HandleFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, msg engine.Message) error {
		out, err := proc.ProcessMessage(ctx, msg)
		if err == nil {
			return nil
		}
		if errors.Is(err, engine.ErrMalformed) {
			logger.Debug("skipping malformed message", "channel", msg.ChannelID, "message", msg.MessageID, "err", err)
			return nil
		}
		if !errors.Is(err, engine.ErrPersist) || out == nil {
			return err
		}

		wait := backoff
		for attempt := 1; attempt <= retries; attempt++ {
			logger.Warn("retrying incident persistence", "channel", msg.ChannelID, "message", msg.MessageID, "attempt", attempt, "err", err)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			if err = proc.Retry(ctx, out); err == nil {
				return nil
			}
			wait *= 2
		}
		return fmt.Errorf("giving up after %d retries: %w", retries, err)
	}
}
