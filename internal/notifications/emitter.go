package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"rpportal/internal/featureflags"
	"rpportal/internal/middleware"
	"rpportal/internal/models"
	"rpportal/internal/observability"
	"rpportal/internal/repository"
	"rpportal/internal/service"
	"rpportal/internal/workflow"

	"github.com/google/uuid"
)

const (
	defaultDeliveryTimeout = 15 * time.Second
	persistAttempts        = 3
	persistBackoff         = 100 * time.Millisecond
)

// Delivery channels, used as metric labels.
const (
	ChannelInApp    = "in_app"
	ChannelRealtime = "realtime"
	ChannelDiscord  = "discord"
)

// StatusPayload is the JSON body stored on the notification row and pushed to clients.
type StatusPayload struct {
	ApplicationID uint                     `json:"application_id"`
	Type          models.ApplicationType   `json:"type"`
	From          models.ApplicationStatus `json:"from"`
	To            models.ApplicationStatus `json:"to"`
	ReviewerID    uuid.UUID                `json:"reviewer_id"`
	Comment       *string                  `json:"comment,omitempty"`
	OccurredAt    time.Time                `json:"occurred_at"`
}

type realtimeEnvelope struct {
	Type    string               `json:"type"`
	Payload *models.Notification `json:"payload"`
}

// ApplicationEmitter turns committed transitions into an in-app notification,
// a realtime push, and an optional Discord post. Delivery runs in the background
// and never reports back to the caller.
type ApplicationEmitter struct {
	repo     repository.NotificationRepository
	notifier *Notifier
	hub      *Hub
	discord  *DiscordWebhook
	catalog  *workflow.Catalog
	flags    *featureflags.Manager
	timeout  time.Duration
	wg       sync.WaitGroup
}

// EmitterOption configures an ApplicationEmitter.
type EmitterOption func(*ApplicationEmitter)

// WithNotifier publishes realtime pushes over Redis.
func WithNotifier(n *Notifier) EmitterOption {
	return func(e *ApplicationEmitter) { e.notifier = n }
}

// WithHub delivers realtime pushes to local connections when Redis is unavailable.
func WithHub(h *Hub) EmitterOption {
	return func(e *ApplicationEmitter) { e.hub = h }
}

// WithDiscord posts transitions to a Discord webhook.
func WithDiscord(d *DiscordWebhook) EmitterOption {
	return func(e *ApplicationEmitter) { e.discord = d }
}

// WithCatalog supplies type labels for notification titles.
func WithCatalog(c *workflow.Catalog) EmitterOption {
	return func(e *ApplicationEmitter) { e.catalog = c }
}

// WithEmitterFlags gates realtime and Discord delivery.
func WithEmitterFlags(f *featureflags.Manager) EmitterOption {
	return func(e *ApplicationEmitter) { e.flags = f }
}

// WithDeliveryTimeout bounds each background delivery.
func WithDeliveryTimeout(d time.Duration) EmitterOption {
	return func(e *ApplicationEmitter) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// NewApplicationEmitter creates an emitter that stores notifications in repo.
func NewApplicationEmitter(repo repository.NotificationRepository, opts ...EmitterOption) *ApplicationEmitter {
	e := &ApplicationEmitter{
		repo:    repo,
		catalog: workflow.DefaultCatalog(),
		timeout: defaultDeliveryTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ service.Emitter = (*ApplicationEmitter)(nil)

// ApplicationTransitioned schedules delivery and returns immediately.
func (e *ApplicationEmitter) ApplicationTransitioned(ctx context.Context, event service.ApplicationEvent) {
	if event.Application == nil {
		return
	}
	// Request cancellation must not abort delivery; keep the values for log correlation.
	base := context.WithoutCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				middleware.Logger.ErrorContext(base, "panic delivering application notification",
					slog.Uint64("application_id", uint64(event.Application.ID)),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
			}
		}()

		dctx, cancel := context.WithTimeout(base, e.timeout)
		defer cancel()
		e.deliver(dctx, event)
	}()
}

// Wait blocks until every scheduled delivery has finished.
func (e *ApplicationEmitter) Wait() {
	e.wg.Wait()
}

// Drain waits for pending deliveries or until ctx is done.
func (e *ApplicationEmitter) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *ApplicationEmitter) deliver(ctx context.Context, event service.ApplicationEvent) {
	app := event.Application
	fields := map[string]interface{}{
		"application_id": app.ID,
		"from":           string(event.From),
		"to":             string(event.To),
	}
	observability.LogAsyncOperationStart(ctx, "notify_application_transition", fields)

	n, err := e.buildNotification(event)
	if err != nil {
		observability.LogAsyncOperationError(ctx, "notify_application_transition", err, fields)
		return
	}

	err = e.persist(ctx, n)
	observability.RecordDelivery(ChannelInApp, err)
	if err != nil {
		observability.LogAsyncOperationError(ctx, "persist_notification", err, fields)
	}

	subject := app.AuthorID.String()
	if e.flags.EnabledFor(featureflags.RealtimePush, subject) {
		err := e.push(ctx, app.AuthorID, n)
		observability.RecordDelivery(ChannelRealtime, err)
		if err != nil {
			observability.LogAsyncOperationError(ctx, "push_notification", err, fields)
		}
	}

	if e.discord != nil && e.flags.Enabled(featureflags.DiscordWebhook) {
		err := e.discord.Send(ctx, e.discordMessage(event))
		observability.RecordDelivery(ChannelDiscord, err)
		if err != nil {
			observability.LogAsyncOperationError(ctx, "discord_webhook", err, fields)
		}
	}

	observability.LogAsyncOperationEnd(ctx, "notify_application_transition", fields)
}

func (e *ApplicationEmitter) persist(ctx context.Context, n *models.Notification) error {
	if e.repo == nil {
		return nil
	}
	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		if err = e.repo.Create(ctx, n); err == nil {
			return nil
		}
		if attempt == persistAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("persist notification: %w", ctx.Err())
		case <-time.After(persistBackoff * time.Duration(attempt)):
		}
	}
	return err
}

// push prefers Redis so every instance sees the message; local delivery is the fallback.
func (e *ApplicationEmitter) push(ctx context.Context, userID uuid.UUID, n *models.Notification) error {
	raw, err := json.Marshal(realtimeEnvelope{Type: models.NotificationKindApplicationStatus, Payload: n})
	if err != nil {
		return err
	}
	if e.notifier.Enabled() {
		err = e.notifier.PublishUser(ctx, userID, string(raw))
		if err == nil {
			return nil
		}
	}
	if e.hub != nil {
		e.hub.Deliver(userID, raw)
	}
	return err
}

func (e *ApplicationEmitter) buildNotification(event service.ApplicationEvent) (*models.Notification, error) {
	app := event.Application
	payload, err := json.Marshal(StatusPayload{
		ApplicationID: app.ID,
		Type:          app.Type,
		From:          event.From,
		To:            event.To,
		ReviewerID:    event.ReviewerID,
		Comment:       app.ReviewComment,
		OccurredAt:    event.OccurredAt.UTC(),
	})
	if err != nil {
		return nil, err
	}

	body := "Open the application for details."
	if app.ReviewComment != nil {
		body = *app.ReviewComment
	}
	appID := app.ID
	return &models.Notification{
		UserID:        app.AuthorID,
		Kind:          models.NotificationKindApplicationStatus,
		ApplicationID: &appID,
		Title:         fmt.Sprintf("Your %s application was %s", e.label(app.Type), statusPhrase(event.To)),
		Body:          body,
		Payload:       payload,
		CreatedAt:     event.OccurredAt.UTC(),
	}, nil
}

func (e *ApplicationEmitter) discordMessage(event service.ApplicationEvent) DiscordMessage {
	app := event.Application
	embed := DiscordEmbed{
		Title: fmt.Sprintf("%s application #%d %s", e.label(app.Type), app.ID, statusPhrase(event.To)),
		Color: statusColor(event.To),
		Fields: []DiscordField{
			{Name: "From", Value: string(event.From), Inline: true},
			{Name: "To", Value: string(event.To), Inline: true},
			{Name: "Application", Value: "#" + strconv.FormatUint(uint64(app.ID), 10), Inline: true},
		},
		Timestamp: event.OccurredAt.UTC().Format(time.RFC3339),
	}
	if app.ReviewComment != nil {
		embed.Description = *app.ReviewComment
	}
	return DiscordMessage{Embeds: []DiscordEmbed{embed}}
}

func (e *ApplicationEmitter) label(t models.ApplicationType) string {
	if e.catalog != nil {
		if spec, ok := e.catalog.Lookup(t); ok && spec.Label != "" {
			return spec.Label
		}
	}
	return string(t)
}

func statusPhrase(s models.ApplicationStatus) string {
	switch s {
	case models.ApplicationStatusPending:
		return "returned to pending"
	case models.ApplicationStatusTestRequired:
		return "moved to testing"
	case models.ApplicationStatusTestCompleted:
		return "marked as tested"
	default:
		return string(s)
	}
}

func statusColor(s models.ApplicationStatus) int {
	switch s {
	case models.ApplicationStatusApproved:
		return colorApproved
	case models.ApplicationStatusRejected:
		return colorRejected
	case models.ApplicationStatusTestRequired, models.ApplicationStatusTestCompleted:
		return colorTesting
	default:
		return colorNeutral
	}
}
