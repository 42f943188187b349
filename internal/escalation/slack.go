package escalation

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/davidbz/markl/internal/domain"
)

const maxQuotedMessage = 500

// SlackChannel posts a readable summary to a Slack incoming webhook.
type SlackChannel struct {
	name   string
	url    string
	client *http.Client
}

// NewSlackChannel creates a Slack channel.
func NewSlackChannel(name, webhookURL string, timeout time.Duration) *SlackChannel {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &SlackChannel{
		name:   name,
		url:    webhookURL,
		client: &http.Client{Timeout: timeout},
	}
}

// Name returns the channel identifier.
func (c *SlackChannel) Name() string {
	return c.name
}

// Send performs one delivery attempt.
func (c *SlackChannel) Send(ctx context.Context, event *domain.EscalationEvent) error {
	return post(ctx, c.client, c.name, c.url, nil, slackMessage{Text: FormatSlackText(event)})
}

type slackMessage struct {
	Text string `json:"text"`
}

// FormatSlackText renders event as Slack mrkdwn.
func FormatSlackText(event *domain.EscalationEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, ":rotating_light: *Escalation: %s*\n", event.Category)
	fmt.Fprintf(&b, "*Keywords:* %s\n", strings.Join(event.MatchedKeywords, ", "))
	fmt.Fprintf(&b, "*User:* %s", event.Identity.UserID)
	if event.Identity.TeamID != "" {
		fmt.Fprintf(&b, " (team %s)", event.Identity.TeamID)
	}
	b.WriteString("\n")
	if event.ConversationID != "" {
		fmt.Fprintf(&b, "*Conversation:* %s\n", event.ConversationID)
	}

	message := event.OriginatingMessage
	if runes := []rune(message); len(runes) > maxQuotedMessage {
		message = string(runes[:maxQuotedMessage]) + "…"
	}
	b.WriteString("> ")
	b.WriteString(strings.ReplaceAll(message, "\n", "\n> "))
	return b.String()
}
