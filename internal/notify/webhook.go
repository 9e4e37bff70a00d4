package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// WebhookSender POSTs the send request to an external notification
// service. Each attempt gets a short timeout; a small immediate retry
// budget covers blips, anything beyond that is left for the next
// scheduler tick.
type WebhookSender struct {
	url     string
	client  *http.Client
	retries int
	log     zerolog.Logger
}

func NewWebhookSender(url string, timeout time.Duration, retries int, log zerolog.Logger) *WebhookSender {
	if retries < 0 {
		retries = 0
	}
	return &WebhookSender{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		retries: retries,
		log:     log,
	}
}

type webhookPayload struct {
	Channel     string            `json:"channel"`
	Recipient   string            `json:"recipient"`
	TemplateKey string            `json:"template_key"`
	Variables   map[string]string `json:"variables,omitempty"`
}

func (s *WebhookSender) Send(ctx context.Context, channel Channel, recipient, templateKey string, vars map[string]string) error {
	body, err := json.Marshal(webhookPayload{
		Channel:     string(channel),
		Recipient:   recipient,
		TemplateKey: templateKey,
		Variables:   vars,
	})
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}

		lastErr = s.post(ctx, body)
		if lastErr == nil {
			return nil
		}

		s.log.Warn().
			Err(lastErr).
			Int("attempt", attempt+1).
			Str("template", templateKey).
			Msg("notification send attempt failed")
	}

	return fmt.Errorf("send %s notification: %w", templateKey, lastErr)
}

func (s *WebhookSender) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification service returned %d", resp.StatusCode)
	}
	return nil
}

// LogSender writes the would-be notification to the log. Dev default.
type LogSender struct {
	log zerolog.Logger
}

func NewLogSender(log zerolog.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Send(ctx context.Context, channel Channel, recipient, templateKey string, vars map[string]string) error {
	s.log.Info().
		Str("channel", string(channel)).
		Str("recipient", recipient).
		Str("template", templateKey).
		Interface("vars", vars).
		Msg("notification")
	return nil
}
