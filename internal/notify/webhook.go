package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/roach88/coldtrace/internal/record"
)

// WebhookSink posts Slack-style block messages to an incoming webhook URL.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a sink posting to url. A nil client uses a client
// with a 10 second timeout.
func NewWebhookSink(url string, client *http.Client) *WebhookSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSink{url: url, client: client}
}

type slackMessage struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

type slackBlock struct {
	Type string     `json:"type"`
	Text *slackText `json:"text,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Notify implements Sink. Any non-2xx response is an error so the
// dispatcher retries it.
func (s *WebhookSink) Notify(ctx context.Context, n record.Notification) error {
	body, err := json.Marshal(buildMessage(n))
	if err != nil {
		return fmt.Errorf("marshaling webhook message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func buildMessage(n record.Notification) slackMessage {
	var header, detail string
	switch {
	case n.Deviation != nil:
		d := n.Deviation
		header = fmt.Sprintf("%s %s at %s", severityEmoji(d.Severity.Rank), titleFor(d.Kind), n.FacilityID)
		detail = fmt.Sprintf("*[%s]* %s %s\n%s to %s (%s)\nmax excursion %s, min %s, max %s",
			strings.ToUpper(d.Severity.Level),
			d.Metric,
			d.Direction,
			d.Start.Format("2006-01-02 15:04 UTC"),
			d.End.Format("2006-01-02 15:04 UTC"),
			d.Duration,
			d.MaxExcursion.String(),
			d.Min.String(),
			d.Max.String(),
		)
		if d.CertificationLapsed {
			detail += "\n_facility certification lapsed_"
		}
	case n.Change != nil:
		c := n.Change
		header = fmt.Sprintf("Incident %s: %s", c.IncidentID, c.ToState)
		detail = fmt.Sprintf("*%s* by %s (%s -> %s)\n%s",
			c.Action, c.Actor, displayState(c.FromState), c.ToState, c.Note)
	default:
		header = fmt.Sprintf("Notification %s", n.ID)
	}

	blocks := []slackBlock{{
		Type: "header",
		Text: &slackText{Type: "plain_text", Text: header},
	}}
	if detail != "" {
		blocks = append(blocks, slackBlock{
			Type: "section",
			Text: &slackText{Type: "mrkdwn", Text: detail},
		})
	}
	return slackMessage{Text: header, Blocks: blocks}
}

func titleFor(kind record.DeviationKind) string {
	if kind == record.KindMonitoringGap {
		return "Monitoring gap"
	}
	return "Excursion"
}

func displayState(s record.IncidentState) string {
	if s == "" {
		return "new"
	}
	return string(s)
}

func severityEmoji(rank int) string {
	switch {
	case rank >= 2:
		return "\U0001f534"
	case rank == 1:
		return "\U0001f7e1"
	default:
		return "\U0001f535"
	}
}
