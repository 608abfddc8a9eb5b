package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"options-flow-scanner/internal/flow"
)

const telegramLimit = 4000

// Telegram pushes plain-text alerts through the Bot API.
type Telegram struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegram constructs a Telegram sink.
func NewTelegram(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *Telegram {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &Telegram{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// SendSignals sends one message per batch.
func (t *Telegram) SendSignals(ctx context.Context, signals []flow.Signal) error {
	var errs []error
	for i, batch := range Batches(signals, BatchSize) {
		if err := t.send(ctx, FormatPlain(batch)); err != nil {
			errs = append(errs, fmt.Errorf("batch %d: %w", i, err))
		}
	}
	if len(errs) == 0 && len(signals) > 0 {
		t.logger.Info().Int("signals", len(signals)).Msg("alert sent (Telegram)")
	}
	return errors.Join(errs...)
}

// SendDailyDigest sends the summary for date. Markdown markers are stripped.
func (t *Telegram) SendDailyDigest(ctx context.Context, signals []flow.Signal, date string) error {
	text := strings.NewReplacer("**", "", "_", "").Replace(FormatDigest(signals, date))
	return t.send(ctx, text)
}

func (t *Telegram) send(ctx context.Context, text string) error {
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	body, err := postJSON(ctx, t.client, endpoint, map[string]string{
		"chat_id": t.chatID,
		"text":    truncate(text, telegramLimit),
	})
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(body, &result); err == nil && !result.OK {
		return errors.New("telegram: ok=false")
	}
	return nil
}

var _ Sink = (*Telegram)(nil)
