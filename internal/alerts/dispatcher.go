package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/wneessen/go-mail"

	"github.com/cognitude/gateway/internal/storage"
)

const (
	dispatchTimeout = 10 * time.Second
	maxRetries      = 3
)

// SMTPConfig configures the email channel transport. Empty Host disables
// email dispatch.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Dispatcher sends a rendered alert through one channel, retrying transient
// transport failures with exponential backoff (1 s, 2 s, 4 s).
type Dispatcher struct {
	httpClient *http.Client
	smtp       SMTPConfig
	log        *slog.Logger
}

// NewDispatcher creates a Dispatcher. httpClient may be nil.
func NewDispatcher(httpClient *http.Client, smtp SMTPConfig, log *slog.Logger) *Dispatcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: dispatchTimeout}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{httpClient: httpClient, smtp: smtp, log: log}
}

// Dispatch delivers alert through ch. Transient failures are retried up to
// three times; permanent failures return immediately.
func (d *Dispatcher) Dispatch(ctx context.Context, ch *storage.AlertChannel, alert Alert) error {
	op := func() error {
		var err error
		switch ch.Kind {
		case ChannelEmail:
			err = d.sendEmail(ctx, ch, alert)
		case ChannelChatWebhook:
			err = d.postWebhook(ctx, ch, chatPayload(alert))
		case ChannelWebhook:
			err = d.postWebhook(ctx, ch, alert)
		default:
			err = backoff.Permanent(fmt.Errorf("alerts: unknown channel kind %q", ch.Kind))
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx))
	if err != nil {
		d.log.Error("alert dispatch failed",
			slog.Int64("channel_id", ch.ID),
			slog.String("channel_kind", ch.Kind),
			slog.String("alert_kind", alert.Kind),
			slog.String("error", err.Error()),
		)
		return err
	}

	d.log.Info("alert dispatched",
		slog.Int64("channel_id", ch.ID),
		slog.String("channel_kind", ch.Kind),
		slog.String("alert_kind", alert.Kind),
	)
	return nil
}

// chatPayload wraps the alert in the flat text shape chat webhooks expect.
func chatPayload(a Alert) any {
	return map[string]string{
		"text": a.Subject(),
	}
}

func (d *Dispatcher) postWebhook(ctx context.Context, ch *storage.AlertChannel, payload any) error {
	url := ch.Config["url"]
	if url == "" {
		return backoff.Permanent(fmt.Errorf("alerts: channel %d has no url configured", ch.ID))
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("alerts: marshal payload: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("alerts: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}
		return fmt.Errorf("alerts: post %s: %w", ch.Kind, err) // transport — retry
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("alerts: webhook returned %d", resp.StatusCode) // transient
	default:
		return backoff.Permanent(fmt.Errorf("alerts: webhook returned %d", resp.StatusCode))
	}
}

func (d *Dispatcher) sendEmail(ctx context.Context, ch *storage.AlertChannel, alert Alert) error {
	if d.smtp.Host == "" {
		return backoff.Permanent(fmt.Errorf("alerts: SMTP is not configured"))
	}
	to := ch.Config["to"]
	if to == "" {
		return backoff.Permanent(fmt.Errorf("alerts: channel %d has no recipient configured", ch.ID))
	}

	msg := mail.NewMsg()
	if err := msg.From(d.smtp.From); err != nil {
		return backoff.Permanent(fmt.Errorf("alerts: sender address: %w", err))
	}
	if err := msg.To(to); err != nil {
		return backoff.Permanent(fmt.Errorf("alerts: recipient address: %w", err))
	}
	msg.Subject(alert.Subject())
	msg.SetBodyString(mail.TypeTextHTML, alert.HTMLBody())

	opts := []mail.Option{mail.WithPort(d.smtp.Port)}
	if d.smtp.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(d.smtp.Username),
			mail.WithPassword(d.smtp.Password),
		)
	}

	client, err := mail.NewClient(d.smtp.Host, opts...)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("alerts: smtp client: %w", err))
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("alerts: send email: %w", err) // transport — retry
	}
	return nil
}
