package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"options-flow-scanner/internal/flow"
)

func TestNilStoreNotConfigured(t *testing.T) {
	var s *Store
	if err := s.InsertSignals(context.Background(), []flow.Signal{{Ticker: "SPY"}}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := s.SignalsForDate(context.Background(), "2026-02-11", 10); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, _, err := s.TryAdvisoryLock(context.Background(), 1); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	s.Close()
}

func TestInsertEmptyBatchIsNoop(t *testing.T) {
	var s *Store
	if err := s.InsertSignals(context.Background(), nil); err != nil {
		t.Fatalf("empty insert should not touch the pool: %v", err)
	}
}

func TestInsertArgsTradeDateInExchangeTime(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	sig := flow.Signal{
		// 01:30 UTC on the 12th is the evening of the 11th in New York
		Timestamp:        time.Date(2026, 2, 12, 1, 30, 0, 0, time.UTC),
		Ticker:           "AAPL",
		Strike:           212.5,
		Expiry:           "2026-03-20",
		Side:             flow.SideCall,
		LastPrice:        3.14159,
		EstimatedPremium: 123456.789,
		Tags:             []flow.Tag{flow.TagVolumeSpike, flow.TagBullishSweep},
	}
	args := insertArgs(sig, ny)
	if len(args) != 15 {
		t.Fatalf("expected 15 args, got %d", len(args))
	}
	if args[1] != "2026-02-11" {
		t.Fatalf("expected exchange trade date, got %v", args[1])
	}
	if args[3] != "212.5" || args[8] != "3.1416" || args[9] != "123456.79" {
		t.Fatalf("unexpected numeric encoding %v %v %v", args[3], args[8], args[9])
	}
	tags, ok := args[11].([]string)
	if !ok || len(tags) != 2 || tags[1] != "bullish sweep" {
		t.Fatalf("unexpected tags arg %#v", args[11])
	}
}

func TestParseDecimal(t *testing.T) {
	if v, err := parseDecimal("x", "600000.00"); err != nil || v != 600000 {
		t.Fatalf("unexpected %v %v", v, err)
	}
	if _, err := parseDecimal("x", "abc"); err == nil {
		t.Fatal("invalid numeric should fail")
	}
}
