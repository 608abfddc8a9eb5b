package alerting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"options-flow-scanner/internal/flow"
)

// Slack posts alerts to an incoming webhook.
type Slack struct {
	webhookURL string
	client     *http.Client
	logger     zerolog.Logger
}

// NewSlack constructs a Slack webhook sink.
func NewSlack(webhookURL string, timeout time.Duration, logger zerolog.Logger) *Slack {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Slack{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "alert_slack").Logger(),
	}
}

// SendSignals posts signals in batches of BatchSize with a block risk bar.
func (s *Slack) SendSignals(ctx context.Context, signals []flow.Signal) error {
	var errs []error
	for i, batch := range Batches(signals, BatchSize) {
		if err := s.post(ctx, formatSlackBatch(batch)); err != nil {
			errs = append(errs, fmt.Errorf("batch %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// SendDailyDigest posts the summary for date.
func (s *Slack) SendDailyDigest(ctx context.Context, signals []flow.Signal, date string) error {
	return s.post(ctx, FormatDigest(signals, date))
}

func (s *Slack) post(ctx context.Context, text string) error {
	if s.webhookURL == "" {
		return nil
	}
	if _, err := postJSON(ctx, s.client, s.webhookURL, map[string]string{"text": text}); err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	s.logger.Debug().Msg("alert sent (Slack)")
	return nil
}

func formatSlackBatch(batch []flow.Signal) string {
	var b strings.Builder
	b.WriteString(":rotating_light: *Options Flow Alert*\n")
	for _, sig := range batch {
		score := min(max(sig.RiskScore, 0), 5)
		bar := strings.Repeat("█", score) + strings.Repeat("░", 5-score)
		fmt.Fprintf(&b, "\n*[%s]* %s\n    Vol: %s | OI: %s | Premium: %s",
			bar, sig.Description, groupThousands(sig.Volume), groupThousands(sig.OpenInterest), sig.PremiumString())
	}
	return b.String()
}

var _ Sink = (*Slack)(nil)
