// Package notify provides Notifier implementations: structured-log output,
// webhook delivery, and a fan-out combinator. Notification failures never
// reach the pipeline; every implementation logs and moves on.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/yuin/goldmark"

	"github.com/calltelemetry/openclaw"
)

// LogNotifier writes notifications to the structured log. Useful on its own
// for CLI operation and as a safety net alongside real channels.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs the notification.
func (n *LogNotifier) Notify(kind openclaw.NotifyKind, p openclaw.Notification) {
	attrs := []any{
		"issue", p.Identifier,
		"status", p.Status,
	}
	if p.Attempt > 0 {
		attrs = append(attrs, "attempt", p.Attempt)
	}
	if p.Reason != "" {
		attrs = append(attrs, "reason", p.Reason)
	}
	if p.Verdict != nil {
		attrs = append(attrs, "pass", p.Verdict.Pass)
	}
	switch kind {
	case openclaw.NotifyEscalation, openclaw.NotifyStuck, openclaw.NotifyWatchdogKill:
		n.logger.Warn("notification: "+string(kind), attrs...)
	default:
		n.logger.Info("notification: "+string(kind), attrs...)
	}
}

// webhookMessage is the JSON body POSTed to the webhook endpoint. The body
// text is markdown rendered to HTML for chat systems that take rich content.
type webhookMessage struct {
	Kind     string                `json:"kind"`
	Payload  openclaw.Notification `json:"payload"`
	BodyHTML string                `json:"bodyHtml"`
}

// WebhookNotifier POSTs notifications to a chat-system webhook.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewWebhookNotifier creates a webhook notifier for the given URL.
func NewWebhookNotifier(url string, logger *slog.Logger) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Notify delivers the notification. Failures are logged and dropped.
func (n *WebhookNotifier) Notify(kind openclaw.NotifyKind, p openclaw.Notification) {
	body, err := json.Marshal(webhookMessage{
		Kind:     string(kind),
		Payload:  p,
		BodyHTML: renderHTML(markdownBody(kind, p)),
	})
	if err != nil {
		n.logger.Warn("webhook notification marshal failed", "kind", kind, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("webhook request build failed", "kind", kind, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("webhook delivery failed", "kind", kind, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Warn("webhook delivery rejected", "kind", kind, "status", resp.StatusCode)
	}
}

// markdownBody formats a human-readable message for the channel.
func markdownBody(kind openclaw.NotifyKind, p openclaw.Notification) string {
	var b bytes.Buffer
	switch kind {
	case openclaw.NotifyAuditPass:
		b.WriteString("✅ **" + p.Identifier + "** passed audit")
	case openclaw.NotifyAuditFail:
		b.WriteString("🔁 **" + p.Identifier + "** failed audit, reworking")
	case openclaw.NotifyEscalation:
		b.WriteString("🚨 **" + p.Identifier + "** is stuck and needs a human")
	case openclaw.NotifyStuck:
		b.WriteString("⏰ **" + p.Identifier + "** went stale")
	case openclaw.NotifyWatchdogKill:
		b.WriteString("🐶 **" + p.Identifier + "** was killed by the watchdog")
	default:
		b.WriteString("**" + p.Identifier + "**: " + string(kind))
	}
	if p.Title != "" {
		b.WriteString(" — " + p.Title)
	}
	if p.Reason != "" {
		b.WriteString("\n\nReason: `" + p.Reason + "`")
	}
	if p.Verdict != nil && len(p.Verdict.Gaps) > 0 {
		b.WriteString("\n\nGaps:\n")
		for _, g := range p.Verdict.Gaps {
			b.WriteString("- " + g + "\n")
		}
	}
	return b.String()
}

// renderHTML converts the markdown body to HTML. On render failure the raw
// markdown is sent instead.
func renderHTML(markdown string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
		return markdown
	}
	return buf.String()
}

// Multi fans a notification out to several notifiers.
type Multi []openclaw.Notifier

// Notify delivers to every wrapped notifier.
func (m Multi) Notify(kind openclaw.NotifyKind, p openclaw.Notification) {
	for _, n := range m {
		n.Notify(kind, p)
	}
}
