package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"options-flow-scanner/internal/config"
	"options-flow-scanner/internal/flow"
	"options-flow-scanner/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("watchlist: [AAPL]\nalerting:\n  csv_path: \"\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Alerting.Discord.WebhookURL = ""
	cfg.Alerting.Slack.Enabled = false
	cfg.Alerting.Telegram.Enabled = false
	cfg.Alerting.CSVPath = ""
	cfg.Database.DSN = ""
	cfg.Redis.URL = ""
	return cfg
}

func storedSignal(id int64, ticker string, premium float64) storage.StoredSignal {
	return storage.StoredSignal{
		ID:        id,
		TradeDate: "2026-02-11",
		Signal: flow.Signal{
			Timestamp:        time.Date(2026, 2, 11, 15, 30, 0, 0, time.UTC),
			Ticker:           ticker,
			Strike:           220,
			Expiry:           "2026-06-19",
			Side:             flow.SideCall,
			Volume:           600,
			OpenInterest:     1000,
			EstimatedPremium: premium,
			RiskScore:        3,
			Tags:             []flow.Tag{flow.TagVolumeSpike, flow.TagBullishSweep},
		},
	}
}

func TestPremiumByTicker(t *testing.T) {
	stored := []storage.StoredSignal{
		storedSignal(1, "AAPL", 100_000),
		storedSignal(2, "SPY", 400_000),
		storedSignal(3, "AAPL", 250_000),
		storedSignal(4, "TSLA", 50_000),
	}
	got := premiumByTicker(stored, 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 tickers, got %d", len(got))
	}
	if got[0].ticker != "SPY" || got[1].ticker != "AAPL" || got[1].premium != 350_000 {
		t.Fatalf("unexpected totals %+v", got)
	}
}

func TestWriteSignalsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "signals.csv")
	if err := writeSignalsCSV(path, []storage.StoredSignal{storedSignal(7, "AAPL", 600_000)}); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected header and one row, got %d", len(rows))
	}
	if rows[0][0] != "id" || rows[0][1] != "trade_date" || rows[0][2] != "timestamp" {
		t.Fatalf("unexpected header %v", rows[0])
	}
	if rows[1][0] != "7" || rows[1][3] != "AAPL" {
		t.Fatalf("unexpected row %v", rows[1])
	}
}

func TestWritePremiumPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "premium.png")
	stored := []storage.StoredSignal{storedSignal(1, "AAPL", 100_000), storedSignal(2, "SPY", 400_000)}
	if err := writePremiumPNG(path, stored); err != nil {
		t.Fatalf("write png: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read png: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("\x89PNG")) {
		t.Fatal("output is not a PNG")
	}
}

func TestWriteSignalTable(t *testing.T) {
	var buf bytes.Buffer
	sig := storedSignal(1, "AAPL", 600_000).Signal
	if err := writeSignalTable(&buf, []flow.Signal{sig}, time.UTC); err != nil {
		t.Fatalf("write table: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"Contract", "AAPL 220C 6/19", "$600K", "3/5", "volume spike, bullish sweep"} {
		if !strings.Contains(out, want) {
			t.Fatalf("table missing %q:\n%s", want, out)
		}
	}
}

func TestExportRequiresOutput(t *testing.T) {
	a := NewApp(testConfig(t), zerolog.Nop())
	if err := a.Export(context.Background(), ExportOptions{}); err == nil {
		t.Fatal("expected error without --csv or --png")
	}
}

func TestShowRequiresDatabase(t *testing.T) {
	a := NewApp(testConfig(t), zerolog.Nop())
	if err := a.Show(context.Background(), ShowOptions{Limit: 5}); err == nil || !strings.Contains(err.Error(), "database not configured") {
		t.Fatalf("expected database error, got %v", err)
	}
}

func TestSimulateAlertPostsToDiscord(t *testing.T) {
	var (
		mu       sync.Mutex
		contents []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		mu.Lock()
		contents = append(contents, payload.Content)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Alerting.Discord.Enabled = true
	cfg.Alerting.Discord.WebhookURL = srv.URL
	a := NewApp(cfg, zerolog.Nop())

	err := a.SimulateAlert(context.Background(), SimulateOptions{Ticker: "AAPL", Strike: 220, Side: flow.SideCall})
	if err != nil {
		t.Fatalf("模拟告警失败: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(contents) != 1 {
		t.Fatalf("expected one discord message, got %d", len(contents))
	}
	if !strings.Contains(contents[0], "AAPL 220C") || !strings.Contains(contents[0], "volume spike") {
		t.Fatalf("unexpected message %q", contents[0])
	}
}

func TestSimulateAlertWithoutChannels(t *testing.T) {
	a := NewApp(testConfig(t), zerolog.Nop())
	if err := a.SimulateAlert(context.Background(), SimulateOptions{Ticker: "AAPL", Strike: 220, Side: flow.SideCall}); err == nil {
		t.Fatal("未配置告警通道时应返回错误")
	}
}
