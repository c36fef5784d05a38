package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dhruvmish/moderation-agent/moderation/ledger"
	"github.com/dhruvmish/moderation-agent/moderation/redact"
	"github.com/dhruvmish/moderation-agent/moderation/report"
)

// SlackNotifier posts incident alerts and digest summaries to a Slack
// "incoming webhook". It also acts as a report.Sink.
type SlackNotifier struct {
	SlackWebhookURL string
	Client          *http.Client
}

var _ Notifier = (*SlackNotifier)(nil)
var _ report.Sink = (*SlackNotifier)(nil)

func (n *SlackNotifier) SendIncident(ctx context.Context, inc *ledger.Incident) error {
	msg := fmt.Sprintf("⚠️ Moderation %s ⚠️\n", inc.Action)
	msg += fmt.Sprintf("channel `%s` / user `%s` / message `%s`\n", inc.ChannelID, inc.UserIDHash, inc.MessageID)
	msg += fmt.Sprintf("seriousness=%.2f tox_max=%.2f sarcasm=%.2f\n", inc.Seriousness, inc.ToxMax, inc.Sarcasm)
	msg += fmt.Sprintf("> %s\n", redact.Text(report.Excerpt(inc.TextExcerpt, report.ChannelExcerptLen)))
	return n.sendSlackMsg(ctx, msg)
}

func (n *SlackNotifier) Deliver(ctx context.Context, d *report.Digest) error {
	msg := fmt.Sprintf("📋 %s\n", d.Title)
	msg += fmt.Sprintf("%s to %s (UTC)\n", report.FormatTime(d.From), report.FormatTime(d.To))
	msg += fmt.Sprintf("incidents=%d warn=%d escalate=%d crisis=%d\n", d.Total, d.ByTier["warn"], d.ByTier["escalate"], d.ByTier["crisis"])
	msg += fmt.Sprintf("`%s`\n", d.Sparkline())
	return n.sendSlackMsg(ctx, msg)
}

type SlackWebhookBody struct {
	Text string `json:"text"`
}

// Sends a simple slack message to a channel via "incoming webhook".
//
// The slack incoming webhook must be already configured in the slack workplace.
func (n *SlackNotifier) sendSlackMsg(ctx context.Context, msg string) error {
	body, err := json.Marshal(SlackWebhookBody{Text: msg})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.SlackWebhookURL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	if resp.StatusCode != 200 || buf.String() != "ok" {
		return fmt.Errorf("failed slack webhook POST request. status=%d", resp.StatusCode)
	}
	return nil
}
