// Validated runtime configuration for the moderation engine.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"github.com/dhruvmish/moderation-agent/moderation/escalation"
	"github.com/dhruvmish/moderation-agent/moderation/policy"
	"github.com/dhruvmish/moderation-agent/moderation/report"
	"github.com/dhruvmish/moderation-agent/moderation/rollingstore"
	"github.com/dhruvmish/moderation-agent/moderation/score"
)

var ErrInvalid = errors.New("invalid configuration")

var validate = validator.New()

type Config struct {
	// seriousness blend: "weighted" or "sarcasm-discount"
	Strategy string `validate:"oneof=weighted sarcasm-discount"`
	// sarcasm-discount strategy gates
	ToxHigh    float64 `validate:"gte=0,lte=1"`
	SarcasmLow float64 `validate:"gte=0,lte=1"`
	// escalate_at
	SeriousnessHigh float64 `validate:"gte=0,lte=1"`
	WarnAt          float64 `validate:"gte=0,lte=1,ltefield=SeriousnessHigh"`

	RollingLimit      int `validate:"gte=1"`
	HistoryCapacity   int `validate:"gte=1,lte=1000"`
	FinalWarningAfter int `validate:"gte=1"`

	// HMAC key for user pseudonyms. Changing it breaks continuity with existing rows.
	PseudonymSalt string `validate:"required,min=8"`

	CollaboratorTimeout time.Duration `validate:"gt=0"`

	ReportDir string `validate:"required"`
	// IANA zone in which the daily report schedule is evaluated
	ReportTimezone string `validate:"required"`
	// standard 5-field cron spec
	DailyReportSpec string `validate:"required"`
}

func Default() Config {
	return Config{
		Strategy:            score.StrategyWeighted,
		ToxHigh:             0.85,
		SarcasmLow:          0.40,
		SeriousnessHigh:     policy.DefaultThresholds.EscalateAt,
		WarnAt:              policy.DefaultThresholds.WarnAt,
		RollingLimit:        report.DefaultRollingLimit,
		HistoryCapacity:     rollingstore.DefaultCapacity,
		FinalWarningAfter:   escalation.DefaultFinalWarningAfter,
		CollaboratorTimeout: 15 * time.Second,
		ReportDir:           "outputs",
		ReportTimezone:      "Asia/Kolkata",
		DailyReportSpec:     "59 23 * * *",
	}
}

// Validate checks field ranges and the rules spanning several fields. Any
// error wraps ErrInvalid.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if _, err := time.LoadLocation(c.ReportTimezone); err != nil {
		return fmt.Errorf("%w: report timezone: %w", ErrInvalid, err)
	}
	if _, err := cron.ParseStandard(c.DailyReportSpec); err != nil {
		return fmt.Errorf("%w: daily report schedule: %w", ErrInvalid, err)
	}
	return nil
}

func (c *Config) Thresholds() policy.Thresholds {
	th := policy.DefaultThresholds
	th.EscalateAt = c.SeriousnessHigh
	th.WarnAt = c.WarnAt
	return th
}

func (c *Config) Aggregator() (*score.Aggregator, error) {
	s, err := score.StrategyByName(c.Strategy, c.ToxHigh, c.SarcasmLow)
	if err != nil {
		return nil, err
	}
	return score.NewAggregator(s), nil
}

func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.ReportTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
