package rollingstore

import (
	"context"
)

// Default number of past severities retained per key.
const DefaultCapacity = 5

// Bounded per-key history of severities, oldest first.
//
// Implementations only guarantee that each individual call is atomic. Callers
// that read, compute, and then push must serialize those steps per key
// themselves.
type RollingStore interface {
	Read(ctx context.Context, key string) ([]float64, error)
	Push(ctx context.Context, key string, val float64) error
}

func UserKey(userHash string) string {
	return "user/" + userHash
}

func ChannelKey(channelID string) string {
	return "chan/" + channelID
}
