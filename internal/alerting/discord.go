package alerting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"options-flow-scanner/internal/flow"
)

// Discord posts alerts to a channel webhook.
type Discord struct {
	webhookURL string
	client     *http.Client
	logger     zerolog.Logger
}

// NewDiscord constructs a Discord webhook sink.
func NewDiscord(webhookURL string, timeout time.Duration, logger zerolog.Logger) *Discord {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Discord{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "alert_discord").Logger(),
	}
}

// SendSignals posts signals in batches of BatchSize. Every batch is attempted.
func (d *Discord) SendSignals(ctx context.Context, signals []flow.Signal) error {
	var errs []error
	for i, batch := range Batches(signals, BatchSize) {
		if err := d.post(ctx, FormatBatch(batch)); err != nil {
			errs = append(errs, fmt.Errorf("batch %d: %w", i, err))
		}
	}
	if len(errs) == 0 && len(signals) > 0 {
		d.logger.Info().Int("signals", len(signals)).Msg("alert sent (Discord)")
	}
	return errors.Join(errs...)
}

// SendDailyDigest posts the summary for date.
func (d *Discord) SendDailyDigest(ctx context.Context, signals []flow.Signal, date string) error {
	if err := d.post(ctx, FormatDigest(signals, date)); err != nil {
		return err
	}
	d.logger.Info().Str("date", date).Int("signals", len(signals)).Msg("daily digest sent (Discord)")
	return nil
}

func (d *Discord) post(ctx context.Context, content string) error {
	if d.webhookURL == "" {
		d.logger.Warn().Msg("no Discord webhook configured, skipping alert")
		return nil
	}
	if _, err := postJSON(ctx, d.client, d.webhookURL, map[string]string{"content": truncate(content, discordLimit)}); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

var _ Sink = (*Discord)(nil)
