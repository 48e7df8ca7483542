package gateway

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/bwmarrin/discordgo"
)

const discordLimit = 2000

// Discord posts notifications through a channel webhook.
type Discord struct {
	session *discordgo.Session
	id      string
	token   string
}

func NewDiscord(webhookURL string) (*Discord, error) {
	id, token, err := ParseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}
	// Webhook execution is authorized by the webhook token, not a bot token.
	s, err := discordgo.New("")
	if err != nil {
		return nil, err
	}
	return &Discord{session: s, id: id, token: token}, nil
}

func (d *Discord) Send(ctx context.Context, text string) error {
	for _, part := range chunks(text, discordLimit) {
		_, err := d.session.WebhookExecute(d.id, d.token, false,
			&discordgo.WebhookParams{Content: part},
			discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("discord webhook: %w", err)
		}
	}
	return nil
}

// ParseWebhookURL extracts the id and token from
// https://discord.com/api/webhooks/<id>/<token>.
func ParseWebhookURL(raw string) (id, token string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("invalid webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("invalid webhook url %q: expected .../webhooks/<id>/<token>", raw)
}
