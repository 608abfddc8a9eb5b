package calendar

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"options-flow-scanner/internal/flow"
)

// DefaultTimezone is the US equity options exchange timezone.
const DefaultTimezone = "America/New_York"

// Options describe a regular trading session.
type Options struct {
	OpenHour    int
	OpenMinute  int
	CloseHour   int
	CloseMinute int
	Timezone    string
	// Holidays are full-day closures as YYYY-MM-DD in exchange time.
	Holidays []string
}

// Calendar answers market-hours questions in exchange time.
type Calendar struct {
	opts     Options
	loc      *time.Location
	holidays map[string]struct{}
}

// New loads the timezone and parses the holiday list.
func New(opts Options) (*Calendar, error) {
	tz := strings.TrimSpace(opts.Timezone)
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}

	holidays := make(map[string]struct{}, len(opts.Holidays))
	for _, raw := range opts.Holidays {
		day := strings.TrimSpace(raw)
		if day == "" {
			continue
		}
		if _, err := time.Parse(flow.ExpiryLayout, day); err != nil {
			return nil, fmt.Errorf("parse holiday %q: %w", raw, err)
		}
		holidays[day] = struct{}{}
	}
	return &Calendar{opts: opts, loc: loc, holidays: holidays}, nil
}

// Location returns the exchange timezone.
func (c *Calendar) Location() *time.Location { return c.loc }

// In converts t to exchange time.
func (c *Calendar) In(t time.Time) time.Time { return t.In(c.loc) }

// DateString formats t's exchange-local calendar date.
func (c *Calendar) DateString(t time.Time) string {
	return t.In(c.loc).Format(flow.ExpiryLayout)
}

// IsTradingDay reports whether t falls on a weekday that is not a listed holiday.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	local := t.In(c.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, closed := c.holidays[local.Format(flow.ExpiryLayout)]
	return !closed
}

// IsMarketHours reports whether t lies inside [open, close] of a trading day. Both bounds are inclusive.
func (c *Calendar) IsMarketHours(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	local := t.In(c.loc)
	y, m, d := local.Date()
	open := time.Date(y, m, d, c.opts.OpenHour, c.opts.OpenMinute, 0, 0, c.loc)
	closing := time.Date(y, m, d, c.opts.CloseHour, c.opts.CloseMinute, 0, 0, c.loc)
	return !local.Before(open) && !local.After(closing)
}
