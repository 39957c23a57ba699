package notifications

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"
)

const discordTimeout = 5 * time.Second

// Discord embed colours.
const (
	colorApproved = 0x2ecc71
	colorRejected = 0xe74c3c
	colorNeutral  = 0x95a5a6
	colorTesting  = 0xf1c40f
)

// DiscordMessage is the subset of the webhook execute payload we send.
type DiscordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

// DiscordEmbed is a single rich embed.
type DiscordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []DiscordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
}

// DiscordField is one name/value row of an embed.
type DiscordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// DiscordWebhook posts messages to a channel webhook, paced to stay under
// Discord's per-webhook rate limit.
type DiscordWebhook struct {
	url     string
	limiter *rate.Limiter
	timeout time.Duration
}

// NewDiscordWebhook returns nil when url is empty. perMinute <= 0 disables pacing.
func NewDiscordWebhook(url string, perMinute int) *DiscordWebhook {
	if url == "" {
		return nil
	}
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	return &DiscordWebhook{
		url:     url,
		limiter: rate.NewLimiter(limit, 1),
		timeout: discordTimeout,
	}
}

// Send waits for a pacing slot and posts msg. It gives up when ctx expires.
func (d *DiscordWebhook) Send(ctx context.Context, msg DiscordMessage) error {
	if d == nil {
		return nil
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}

	timeout := d.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	agent := fiber.Post(d.url).JSON(msg).Timeout(timeout)
	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("discord webhook: %w", errors.Join(errs...))
	}
	if code < 200 || code >= 300 {
		return fmt.Errorf("discord webhook: unexpected status %d: %s", code, truncate(string(body), 200))
	}
	return nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
