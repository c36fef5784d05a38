package escalation

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UserStats is the persisted row behind GormTracker.
type UserStats struct {
	ID         uint   `gorm:"primarykey"`
	UserIDHash string `gorm:"uniqueIndex;not null"`
	Violations int    `gorm:"not null;default:0"`
	Warned     bool   `gorm:"not null;default:false"`
}

func (UserStats) TableName() string {
	return "user_stats"
}

// SQL-backed tracker. Increments and the warned transition are single
// conditional UPDATE statements, so concurrent processes sharing the database
// still observe exactly one transition.
type GormTracker struct {
	db *gorm.DB
}

func NewGormTracker(db *gorm.DB) (*GormTracker, error) {
	if err := db.AutoMigrate(&UserStats{}); err != nil {
		return nil, fmt.Errorf("migrating user_stats: %w", err)
	}
	return &GormTracker{db: db}, nil
}

// ensure a row exists; no-op if it already does
func ensureRow(tx *gorm.DB, userHash string) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&UserStats{UserIDHash: userHash}).Error
}

func (t *GormTracker) RecordViolation(ctx context.Context, userHash string) (int, error) {
	var count int
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureRow(tx, userHash); err != nil {
			return err
		}
		if err := tx.Model(&UserStats{}).Where("user_id_hash = ?", userHash).Update("violations", gorm.Expr("violations + 1")).Error; err != nil {
			return err
		}
		var row UserStats
		if err := tx.Where("user_id_hash = ?", userHash).Take(&row).Error; err != nil {
			return err
		}
		count = row.Violations
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("recording violation: %w", err)
	}
	return count, nil
}

func (t *GormTracker) MarkWarned(ctx context.Context, userHash string) (bool, error) {
	var claimed bool
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureRow(tx, userHash); err != nil {
			return err
		}
		res := tx.Model(&UserStats{}).Where("user_id_hash = ? AND warned = ?", userHash, false).Update("warned", true)
		if res.Error != nil {
			return res.Error
		}
		claimed = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("marking warned: %w", err)
	}
	return claimed, nil
}

func (t *GormTracker) HasBeenWarned(ctx context.Context, userHash string) (bool, error) {
	st, err := t.Get(ctx, userHash)
	return st.Warned, err
}

func (t *GormTracker) Get(ctx context.Context, userHash string) (State, error) {
	var row UserStats
	err := t.db.WithContext(ctx).Where("user_id_hash = ?", userHash).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return State{}, nil
	} else if err != nil {
		return State{}, fmt.Errorf("fetching user stats: %w", err)
	}
	return State{Violations: row.Violations, Warned: row.Warned}, nil
}
