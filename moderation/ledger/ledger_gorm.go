package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormLedger struct {
	db *gorm.DB
}

// NewGormLedger migrates the incidents and report_meta tables.
func NewGormLedger(db *gorm.DB) (*GormLedger, error) {
	if err := db.AutoMigrate(&Incident{}, &ReportMeta{}); err != nil {
		return nil, fmt.Errorf("migrating ledger tables: %w", err)
	}
	return &GormLedger{db: db}, nil
}

func (l *GormLedger) Append(ctx context.Context, inc *Incident) (uint, error) {
	if inc.ID != 0 {
		return 0, fmt.Errorf("incident already persisted (id=%d)", inc.ID)
	}
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = time.Now()
	}
	inc.CreatedAt = normalizeTime(inc.CreatedAt)
	if !inc.MessageAt.IsZero() {
		inc.MessageAt = normalizeTime(inc.MessageAt)
	}
	if err := l.db.WithContext(ctx).Create(inc).Error; err != nil {
		return 0, fmt.Errorf("appending incident: %w", err)
	}
	return inc.ID, nil
}

func (l *GormLedger) Query(ctx context.Context, f Filter) ([]Incident, error) {
	q := l.db.WithContext(ctx).Model(&Incident{})
	if f.ChannelID != "" {
		q = q.Where("channel_id = ?", f.ChannelID)
	}
	if f.UserIDHash != "" {
		q = q.Where("user_id_hash = ?", f.UserIDHash)
	}
	if !f.CreatedAfter.IsZero() {
		q = q.Where("created_at > ?", normalizeTime(f.CreatedAfter))
	}
	if f.AfterID > 0 {
		q = q.Where("id > ?", f.AfterID)
	}
	if len(f.Actions) > 0 {
		q = q.Where("action IN ?", f.Actions)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []Incident
	if err := q.Order("created_at ASC, id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("querying incidents: %w", err)
	}
	for i := range out {
		out[i].CreatedAt = out[i].CreatedAt.UTC()
		out[i].MessageAt = out[i].MessageAt.UTC()
	}
	return out, nil
}

func ensureMeta(tx *gorm.DB, channelID string) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&ReportMeta{
		ChannelID:    channelID,
		LastReportAt: Epoch,
	}).Error
}

func (l *GormLedger) fetchMeta(tx *gorm.DB, channelID string) (*Watermark, error) {
	var row ReportMeta
	err := tx.Where("channel_id = ?", channelID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return &Watermark{
		ChannelID:        row.ChannelID,
		LastReportAt:     row.LastReportAt.UTC(),
		LastIncidentID:   row.LastIncidentID,
		FlaggedSinceLast: row.FlaggedSinceLast,
	}, nil
}

func (l *GormLedger) GetWatermark(ctx context.Context, channelID string) (*Watermark, error) {
	var wm *Watermark
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureMeta(tx, channelID); err != nil {
			return err
		}
		var err error
		wm, err = l.fetchMeta(tx, channelID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetching watermark for %s: %w", channelID, err)
	}
	return wm, nil
}

func (l *GormLedger) AdvanceWatermark(ctx context.Context, channelID string, to time.Time, lastID uint) error {
	to = normalizeTime(to)
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureMeta(tx, channelID); err != nil {
			return err
		}
		// single statement so the max() and the reset land together
		return tx.Model(&ReportMeta{}).Where("channel_id = ?", channelID).Updates(map[string]any{
			"last_report_at":     gorm.Expr("CASE WHEN last_report_at < ? THEN ? ELSE last_report_at END", to, to),
			"last_incident_id":   gorm.Expr("CASE WHEN last_incident_id < ? THEN ? ELSE last_incident_id END", lastID, lastID),
			"flagged_since_last": 0,
		}).Error
	})
	if err != nil {
		return fmt.Errorf("advancing watermark for %s: %w", channelID, err)
	}
	return nil
}

func (l *GormLedger) BumpFlagCount(ctx context.Context, channelID string) (int, error) {
	var count int
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureMeta(tx, channelID); err != nil {
			return err
		}
		if err := tx.Model(&ReportMeta{}).Where("channel_id = ?", channelID).Update("flagged_since_last", gorm.Expr("flagged_since_last + 1")).Error; err != nil {
			return err
		}
		wm, err := l.fetchMeta(tx, channelID)
		if err != nil {
			return err
		}
		count = wm.FlaggedSinceLast
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("bumping flag count for %s: %w", channelID, err)
	}
	return count, nil
}

func (l *GormLedger) Channels(ctx context.Context) ([]string, error) {
	var out []string
	err := l.db.WithContext(ctx).Model(&Incident{}).Distinct("channel_id").Order("channel_id").Pluck("channel_id", &out).Error
	if err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}
	return out, nil
}
