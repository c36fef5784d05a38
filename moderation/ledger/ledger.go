// Append-only store of actioned messages, plus per-channel report watermarks
// and flagged-since-last-report counters.
package ledger

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("ledger: not found")

// Epoch is the watermark of a channel which has never been reported on.
var Epoch = time.Unix(0, 0).UTC()

// Incident is one actioned message. Rows are written once and never updated
// or deleted.
type Incident struct {
	ID          uint   `gorm:"primarykey"`
	Platform    string `gorm:"not null"`
	ChannelID   string `gorm:"index:idx_incidents_channel_created,priority:1;not null"`
	UserIDHash  string `gorm:"index;not null"`
	MessageID   string
	TextExcerpt string
	Sarcasm     float64
	ToxMax      float64
	Severity    float64
	Seriousness float64
	// tier name: warn, escalate, crisis
	Action string `gorm:"index;not null"`
	Reply  string
	// platform timestamp of the message
	MessageAt time.Time
	// when the incident was recorded
	CreatedAt time.Time `gorm:"index:idx_incidents_channel_created,priority:2;not null"`
}

// ReportMeta is the persisted watermark row for a channel.
type ReportMeta struct {
	ID               uint      `gorm:"primarykey"`
	ChannelID        string    `gorm:"uniqueIndex;not null"`
	LastReportAt     time.Time `gorm:"not null"`
	LastIncidentID   uint      `gorm:"not null;default:0"`
	FlaggedSinceLast int       `gorm:"not null;default:0"`
}

func (ReportMeta) TableName() string {
	return "report_meta"
}

// Watermark marks how far a channel has been reported on. Reports select by
// LastIncidentID: ids are handed out in append order, while created_at can
// repeat or land out of order across concurrent appends.
type Watermark struct {
	ChannelID        string
	LastReportAt     time.Time
	LastIncidentID   uint
	FlaggedSinceLast int
}

// Filter narrows a Query. Zero-valued fields do not filter.
type Filter struct {
	ChannelID  string
	UserIDHash string
	// strictly after
	CreatedAfter time.Time
	// strictly greater incident id
	AfterID uint
	Actions []string
	Limit   int
}

type Ledger interface {
	Append(ctx context.Context, inc *Incident) (uint, error)
	// ordered by (created_at, id) ascending
	Query(ctx context.Context, f Filter) ([]Incident, error)
	// creates the watermark (epoch, zero count) on first access
	GetWatermark(ctx context.Context, channelID string) (*Watermark, error)
	// moves last_report_at to 'to' and last_incident_id to lastID, each only
	// forwards, and resets the counter
	AdvanceWatermark(ctx context.Context, channelID string, to time.Time, lastID uint) error
	// post-increment value of the channel's flagged-since-last counter
	BumpFlagCount(ctx context.Context, channelID string) (int, error)
	// distinct channels which have at least one incident
	Channels(ctx context.Context) ([]string, error)
}

// normalizes timestamps so they compare consistently in every backend
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
