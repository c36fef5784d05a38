package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validConfig() Config {
	c := Default()
	c.PseudonymSalt = "0123456789abcdef"
	return c
}

func TestDefaultIsValid(t *testing.T) {
	c := validConfig()
	assert.NoError(t, c.Validate())

	// no salt is not a usable default
	c = Default()
	assert.ErrorIs(t, c.Validate(), ErrInvalid)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"threshold above one": func(c *Config) { c.SeriousnessHigh = 1.2 },
		"negative threshold":  func(c *Config) { c.ToxHigh = -0.1 },
		"warn above escalate": func(c *Config) { c.WarnAt = 0.9 },
		"unknown strategy":    func(c *Config) { c.Strategy = "vibes" },
		"zero rolling limit":  func(c *Config) { c.RollingLimit = 0 },
		"zero history":        func(c *Config) { c.HistoryCapacity = 0 },
		"short salt":          func(c *Config) { c.PseudonymSalt = "abc" },
		"bad timezone":        func(c *Config) { c.ReportTimezone = "Mars/Olympus" },
		"bad cron spec":       func(c *Config) { c.DailyReportSpec = "every day" },
		"zero collab timeout": func(c *Config) { c.CollaboratorTimeout = 0 },
		"missing report dir":  func(c *Config) { c.ReportDir = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := validConfig()
			mutate(&c)
			assert.ErrorIs(t, c.Validate(), ErrInvalid)
		})
	}
}

func TestDerived(t *testing.T) {
	assert := assert.New(t)
	c := validConfig()
	c.SeriousnessHigh = 0.7
	c.WarnAt = 0.5
	th := c.Thresholds()
	assert.Equal(0.7, th.EscalateAt)
	assert.Equal(0.5, th.WarnAt)

	agg, err := c.Aggregator()
	assert.NoError(err)
	assert.Equal("weighted", agg.Strategy.Name())

	c.Strategy = "sarcasm-discount"
	agg, err = c.Aggregator()
	assert.NoError(err)
	assert.Equal("sarcasm-discount", agg.Strategy.Name())

	assert.Equal("Asia/Kolkata", c.Location().String())
}
