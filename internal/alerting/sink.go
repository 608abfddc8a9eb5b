package alerting

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"options-flow-scanner/internal/flow"
)

// Sink receives ranked signals and the daily digest. Delivery is best effort.
type Sink interface {
	SendSignals(ctx context.Context, signals []flow.Signal) error
	SendDailyDigest(ctx context.Context, signals []flow.Signal, date string) error
}

// Channel is a named Sink registered with a Dispatcher.
type Channel struct {
	Name string
	Sink Sink
}

// Dispatcher fans signals out to every configured channel. A failing channel does not stop the others.
type Dispatcher struct {
	channels []Channel
	logger   zerolog.Logger
}

// NewDispatcher builds a dispatcher over channels.
func NewDispatcher(logger zerolog.Logger, channels ...Channel) *Dispatcher {
	return &Dispatcher{
		channels: channels,
		logger:   logger.With().Str("component", "alert_dispatcher").Logger(),
	}
}

// Add registers another channel.
func (d *Dispatcher) Add(name string, sink Sink) {
	d.channels = append(d.channels, Channel{Name: name, Sink: sink})
}

// Len returns the number of channels.
func (d *Dispatcher) Len() int { return len(d.channels) }

// SendSignals implements Sink.
func (d *Dispatcher) SendSignals(ctx context.Context, signals []flow.Signal) error {
	if len(signals) == 0 {
		return nil
	}
	return d.each(func(ch Channel) error { return ch.Sink.SendSignals(ctx, signals) })
}

// SendDailyDigest implements Sink.
func (d *Dispatcher) SendDailyDigest(ctx context.Context, signals []flow.Signal, date string) error {
	return d.each(func(ch Channel) error { return ch.Sink.SendDailyDigest(ctx, signals, date) })
}

func (d *Dispatcher) each(send func(Channel) error) error {
	if len(d.channels) == 0 {
		d.logger.Warn().Msg("no alert channels configured, skipping")
		return nil
	}
	var errs []error
	for _, ch := range d.channels {
		if err := send(ch); err != nil {
			d.logger.Error().Err(err).Str("channel", ch.Name).Msg("alert channel failed")
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name, err))
		}
	}
	return errors.Join(errs...)
}

var _ Sink = (*Dispatcher)(nil)
