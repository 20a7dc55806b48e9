package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrDeliveryFailed indicates the notifier exhausted its retry budget. The
// alert state transition that triggered the message is never rolled back on
// delivery failure.
var ErrDeliveryFailed = errors.New("alerting: delivery failed")

// Event carries the context of one alert state transition.
type Event struct {
	Contract    string
	Metric      string
	Operator    Operator
	Threshold   decimal.Decimal
	MetricValue float64
	Transition  string
	At          time.Time
}

// Notifier delivers alert messages.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
	NotifyText(ctx context.Context, text string) error
}

// RetryPolicy bounds delivery retries: MaxAttempts total tries, BaseDelay
// before the first retry, multiplied by Multiplier for each subsequent one.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

// DefaultRetryPolicy matches the Telegram API's tolerance for short bursts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, Multiplier: 2}
}

func (p RetryPolicy) normalised() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	return p
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	policy   RetryPolicy
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier with bounded retries.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, policy RetryPolicy, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		policy:   policy.normalised(),
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify renders and delivers an alert transition message.
func (n *TelegramNotifier) Notify(ctx context.Context, event Event) error {
	if err := n.send(ctx, renderEvent(event)); err != nil {
		return err
	}
	n.logger.Info().
		Str("contract", event.Contract).
		Str("metric", event.Metric).
		Str("transition", event.Transition).
		Msg("alert dispatched")
	return nil
}

// NotifyText delivers a plain text message (startup/shutdown notices).
func (n *TelegramNotifier) NotifyText(ctx context.Context, text string) error {
	return n.send(ctx, text)
}

// send retries transient failures per the policy and wraps the final error
// in ErrDeliveryFailed on exhaustion.
func (n *TelegramNotifier) send(ctx context.Context, text string) error {
	var lastErr error
	delay := n.policy.BaseDelay

	for attempt := 1; attempt <= n.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			n.logger.Debug().Int("attempt", attempt).Dur("delay", delay).Msg("retrying delivery")
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrDeliveryFailed, ctx.Err())
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * n.policy.Multiplier)
		}

		retryable, err := n.sendOnce(ctx, text)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}

	return fmt.Errorf("%w: %v", ErrDeliveryFailed, lastErr)
}

// sendOnce performs a single sendMessage call. The bool reports whether the
// failure is transient (network error, 429, 5xx).
func (n *TelegramNotifier) sendOnce(ctx context.Context, text string) (bool, error) {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    text,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return true, fmt.Errorf("telegram rate limited (429)")
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("telegram server error (%d)", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return false, fmt.Errorf("telegram unexpected status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return false, fmt.Errorf("telegram returned ok=false")
	}

	return false, nil
}

func renderEvent(event Event) string {
	builder := strings.Builder{}
	if event.Transition == TransitionFired {
		builder.WriteString("[Alert FIRING]\n")
	} else {
		builder.WriteString("[Alert cleared]\n")
	}
	builder.WriteString(fmt.Sprintf("Contract: %s\n", event.Contract))
	builder.WriteString(fmt.Sprintf("Rule: %s %s %s\n", event.Metric, event.Operator, event.Threshold.String()))
	builder.WriteString(fmt.Sprintf("Value: %.6f\n", event.MetricValue))
	builder.WriteString(fmt.Sprintf("At: %s UTC\n", event.At.UTC().Format(time.RFC3339)))
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
