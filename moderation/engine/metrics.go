package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var messageProcessDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "warden_message_duration_sec",
	Help: "Total duration of message moderation processing",
}, []string{"tier"})

var messageProcessCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_messages_processed",
	Help: "Number of messages processed, by outcome tier",
}, []string{"tier"})

var messageSkipCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_messages_skipped",
	Help: "Number of malformed messages skipped",
}, []string{"reason"})

var messageErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_message_errors",
	Help: "Number of messages which failed processing",
}, []string{"stage"})

var collaboratorFailCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_collaborator_failures",
	Help: "Number of collaborator calls which failed and fell back",
}, []string{"collaborator", "op"})

var actionAppliedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_actions_applied",
	Help: "Number of platform moderation actions applied",
}, []string{"action"})

var finalWarningCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "warden_final_warnings",
	Help: "Number of final warnings issued",
})

var reportGeneratedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_reports_generated",
	Help: "Number of digests generated from the pipeline",
}, []string{"scope"})
