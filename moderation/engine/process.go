package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dhruvmish/moderation-agent/moderation/escalation"
	"github.com/dhruvmish/moderation-agent/moderation/policy"
	"github.com/dhruvmish/moderation-agent/moderation/redact"
	"github.com/dhruvmish/moderation-agent/moderation/rollingstore"
	"github.com/dhruvmish/moderation-agent/moderation/score"
)

// ProcessMessage scores, decides, acts on, and records a single message.
//
// Collaborator failures degrade to defaults and never fail the call. If the
// incident cannot be recorded, the returned error wraps ErrPersist and the
// returned Outcome can be handed to Retry.
func (eng *Engine) ProcessMessage(ctx context.Context, msg Message) (out *Outcome, err error) {
	// similar to an HTTP server, we want to recover any panics from processing
	defer func() {
		if r := recover(); r != nil {
			eng.Logger.Error("moderation pipeline exception", "err", r, "channel", msg.ChannelID, "message", msg.MessageID)
			messageErrorCount.WithLabelValues("panic").Inc()
			err = fmt.Errorf("moderation pipeline panic: %v", r)
		}
	}()

	if strings.TrimSpace(msg.Text) == "" {
		messageSkipCount.WithLabelValues("empty_text").Inc()
		return nil, fmt.Errorf("%w: empty text", ErrMalformed)
	}
	if msg.ChannelID == "" || msg.UserID == "" {
		messageSkipCount.WithLabelValues("missing_identity").Inc()
		return nil, fmt.Errorf("%w: missing channel or user", ErrMalformed)
	}

	ctx, span := tracer.Start(ctx, "ProcessMessage")
	defer span.End()
	start := time.Now()

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = eng.now()
	}
	out = &Outcome{
		msg:      msg,
		UserHash: Pseudonymize(eng.PseudonymSalt, msg.UserID),
	}
	logger := eng.Logger.With("channel", msg.ChannelID, "user", out.UserHash, "message", msg.MessageID)
	logger.Debug("processing message")

	eng.scoreMessage(ctx, logger, out)
	eng.decide(ctx, logger, out)

	tier := out.Decision.Tier.String()
	span.SetAttributes(
		attribute.String("channel", msg.ChannelID),
		attribute.String("tier", tier),
		attribute.Float64("seriousness", out.Judgment.Seriousness),
	)
	messageProcessCount.WithLabelValues(tier).Inc()
	defer func() {
		messageProcessDuration.WithLabelValues(tier).Observe(time.Since(start).Seconds())
	}()

	if out.Decision.Tier == policy.TierLogOnly {
		out.CanonicalLogLine(logger)
		return out, nil
	}

	eng.respond(ctx, logger, out)
	if err := eng.finish(ctx, logger, out); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}
	return out, nil
}

// Retry resumes an Outcome whose processing stopped early, typically on
// ErrPersist. Completed steps are not repeated.
func (eng *Engine) Retry(ctx context.Context, out *Outcome) error {
	if out == nil || out.Done() {
		return nil
	}
	logger := eng.Logger.With("channel", out.msg.ChannelID, "user", out.UserHash, "message", out.msg.MessageID)
	logger.Info("retrying message processing", "incident", out.IncidentID)
	return eng.finish(ctx, logger, out)
}

// calls the scoring collaborator with a timeout. Failures read as zero scores.
func (eng *Engine) scoreMessage(ctx context.Context, logger *slog.Logger, out *Outcome) {
	out.Labels = score.Vector{}
	if eng.Scorer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, eng.collaboratorTimeout())
	defer cancel()

	labels, err := eng.Scorer.Score(ctx, out.msg.Text)
	if err != nil {
		collaboratorFailCount.WithLabelValues("scorer", "score").Inc()
		logger.Warn("toxicity scoring failed, using zero scores", "err", err)
	} else if labels != nil {
		out.Labels = labels
	}

	sarcasm, err := eng.Scorer.Sarcasm(ctx, out.msg.Text)
	if err != nil {
		collaboratorFailCount.WithLabelValues("scorer", "sarcasm").Inc()
		logger.Warn("sarcasm scoring failed, using zero", "err", err)
		sarcasm = 0
	}
	out.Sarcasm = score.Clamp01(sarcasm)
}

// Reads history, aggregates, decides, and pushes the new severity, all under
// the user and channel locks. Nothing in here calls out to a collaborator.
func (eng *Engine) decide(ctx context.Context, logger *slog.Logger, out *Outcome) {
	userKey := rollingstore.UserKey(out.UserHash)
	chanKey := rollingstore.ChannelKey(out.msg.ChannelID)

	// fixed order: user then channel
	unlock := eng.keyLocks().Lock(userKey, chanKey)
	defer unlock()

	userHist, err := eng.Rolling.Read(ctx, userKey)
	if err != nil {
		logger.Warn("failed to read user history", "err", err)
		userHist = nil
	}
	chanHist, err := eng.Rolling.Read(ctx, chanKey)
	if err != nil {
		logger.Warn("failed to read channel history", "err", err)
		chanHist = nil
	}

	out.Judgment = eng.Aggregator.Judge(score.Input{
		Labels:      out.Labels,
		Sarcasm:     out.Sarcasm,
		UserHistory: userHist,
		ChanHistory: chanHist,
	})
	out.Decision = eng.Policy.Decide(out.msg.Text, out.Labels, out.Judgment)
	if out.Decision.Actions.Has(policy.ActionRedact) {
		out.Redacted = redact.Text(out.msg.Text)
	}

	if err := eng.Rolling.Push(ctx, userKey, out.Judgment.Severity); err != nil {
		logger.Warn("failed to update user history", "err", err)
	}
	if err := eng.Rolling.Push(ctx, chanKey, out.Judgment.Severity); err != nil {
		logger.Warn("failed to update channel history", "err", err)
	}
}

func replyKind(t policy.Tier) ReplyKind {
	if t == policy.TierCrisis {
		return ReplyCrisis
	}
	return ReplySerious
}

// generates the direct reply; substitutes the fixed fallback on any failure
func (eng *Engine) respond(ctx context.Context, logger *slog.Logger, out *Outcome) {
	kind := replyKind(out.Decision.Tier)
	out.Reply = FallbackReply(kind, eng.Resources)
	if eng.Responder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, eng.collaboratorTimeout())
	defer cancel()

	reply, err := eng.Responder.GenerateReply(ctx, kind, ReplyContext{
		Text:        out.msg.Text,
		Sarcasm:     out.Sarcasm,
		ToxMax:      out.Labels.Max(),
		Seriousness: out.Judgment.Seriousness,
		Tier:        out.Decision.Tier.String(),
	})
	if err != nil {
		collaboratorFailCount.WithLabelValues("responder", string(kind)).Inc()
		logger.Warn("reply generation failed, using fallback", "kind", kind, "err", err)
		return
	}
	if reply = strings.TrimSpace(reply); reply == "" {
		logger.Warn("reply generation returned empty text, using fallback", "kind", kind)
		return
	}
	out.Reply = reply
}

// runs every step after the decision, resuming from the last completed stage
func (eng *Engine) finish(ctx context.Context, logger *slog.Logger, out *Outcome) error {
	if out.stage < stageActed {
		eng.applyActions(ctx, logger, out)
		out.stage = stageActed
	}

	if out.stage < stagePersisted {
		inc := out.incident(eng.now())
		id, err := eng.Ledger.Append(ctx, inc)
		if err != nil {
			messageErrorCount.WithLabelValues("persist").Inc()
			logger.Error("failed to record incident", "err", err)
			return fmt.Errorf("%w: %w", ErrPersist, err)
		}
		out.IncidentID = id
		out.stage = stagePersisted
		if eng.Notifier != nil && out.Decision.Tier >= policy.TierEscalate {
			if err := eng.Notifier.SendIncident(ctx, inc); err != nil {
				collaboratorFailCount.WithLabelValues("notifier", "incident").Inc()
				logger.Warn("failed to notify moderators", "err", err)
			}
		}
	}

	if out.stage < stageCounted {
		if out.Decision.Tier == policy.TierWarn || out.Decision.Tier == policy.TierEscalate {
			n, err := eng.Tracker.RecordViolation(ctx, out.UserHash)
			if err != nil {
				messageErrorCount.WithLabelValues("escalation").Inc()
				return fmt.Errorf("%w: recording violation: %w", ErrPersist, err)
			}
			out.Violations = n
		}
		out.stage = stageCounted
	}

	if out.stage < stageDone {
		if out.Violations > 0 {
			if err := eng.maybeFinalWarning(ctx, logger, out); err != nil {
				messageErrorCount.WithLabelValues("escalation").Inc()
				return fmt.Errorf("%w: %w", ErrPersist, err)
			}
		}
		eng.maybeRollingReport(ctx, logger, out)
		out.stage = stageDone
	}

	out.CanonicalLogLine(logger)
	return nil
}

// platform side effects. All best-effort.
func (eng *Engine) applyActions(ctx context.Context, logger *slog.Logger, out *Outcome) {
	if eng.Platform == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, eng.collaboratorTimeout())
	defer cancel()

	if out.Decision.Actions.Has(policy.ActionRedact) && out.msg.MessageID != "" {
		ref := MessageRef{ChannelID: out.msg.ChannelID, MessageID: out.msg.MessageID}
		if err := eng.Platform.RedactMessage(ctx, ref, RedactPlaceholder); err != nil {
			collaboratorFailCount.WithLabelValues("platform", "redact").Inc()
			logger.Warn("failed to redact message (check bot permissions)", "err", err)
		} else {
			actionAppliedCount.WithLabelValues("redact").Inc()
		}
	}
	if out.Reply != "" {
		eng.sendDM(ctx, logger, out, out.Reply)
	}
}

func (eng *Engine) sendDM(ctx context.Context, logger *slog.Logger, out *Outcome, text string) {
	userRef := out.msg.UserRef
	if userRef == "" {
		userRef = out.msg.UserID
	}
	err := eng.Platform.SendDM(ctx, userRef, text)
	if errors.Is(err, ErrDMBlocked) {
		logger.Info("direct message blocked by user, skipping")
		return
	} else if err != nil {
		collaboratorFailCount.WithLabelValues("platform", "dm").Inc()
		logger.Warn("failed to send direct message", "err", err)
		return
	}
	actionAppliedCount.WithLabelValues("dm").Inc()
}

// Issues the one-time final warning. Only the caller which wins the
// MarkWarned transition sends anything, so concurrent messages from the same
// user can not double-warn.
func (eng *Engine) maybeFinalWarning(ctx context.Context, logger *slog.Logger, out *Outcome) error {
	warned, err := eng.Tracker.HasBeenWarned(ctx, out.UserHash)
	if err != nil {
		return fmt.Errorf("checking warned state: %w", err)
	}
	if !escalation.ShouldFinalWarn(escalation.State{Violations: out.Violations, Warned: warned}, eng.finalWarningAfter()) {
		return nil
	}
	claimed, err := eng.Tracker.MarkWarned(ctx, out.UserHash)
	if err != nil {
		return fmt.Errorf("marking warned: %w", err)
	}
	if !claimed {
		return nil
	}
	out.FinalWarning = true
	finalWarningCount.Inc()
	trace.SpanFromContext(ctx).AddEvent("final-warning", trace.WithAttributes(attribute.Int("violations", out.Violations)))
	logger.Info("issuing final warning", "violations", out.Violations)

	if eng.Platform != nil {
		pctx, cancel := context.WithTimeout(ctx, eng.collaboratorTimeout())
		eng.sendDM(pctx, logger, out, FinalWarningText)
		if err := eng.Platform.PostChannelNotice(pctx, out.msg.ChannelID, finalWarningNotice(out.msg.UserMention, out.Violations)); err != nil {
			collaboratorFailCount.WithLabelValues("platform", "notice").Inc()
			logger.Warn("failed to post final warning notice", "err", err)
		}
		cancel()
	}

	if eng.Reports != nil {
		d, err := eng.Reports.UserReport(ctx, out.UserHash)
		if err != nil {
			logger.Error("failed to generate user report", "err", err)
		} else if d != nil {
			reportGeneratedCount.WithLabelValues("user").Inc()
			out.UserReport = d
		}
	}
	return nil
}

// every recorded incident counts towards the channel's rolling report
func (eng *Engine) maybeRollingReport(ctx context.Context, logger *slog.Logger, out *Outcome) {
	if eng.Reports == nil {
		return
	}
	d, err := eng.Reports.MaybeRollingReport(ctx, out.msg.ChannelID)
	if err != nil {
		logger.Error("rolling report failed, will retry on next trigger", "err", err)
		return
	}
	if d != nil {
		reportGeneratedCount.WithLabelValues("channel").Inc()
		out.RollingReport = d
	}
}
