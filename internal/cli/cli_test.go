package cli

import (
	"bytes"
	"strings"
	"testing"
)

func TestNormaliseTickers(t *testing.T) {
	got := normaliseTickers([]string{" spy", "AAPL", "", "aapl", "tsla "})
	want := []string{"SPY", "AAPL", "TSLA"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "scan", "digest", "show", "export", "prune", "simulate-alert", "version"} {
		if !names[want] {
			t.Fatalf("command %q not registered", want)
		}
	}
}

func TestVersionCommandSkipsConfig(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version", "--config", "/does/not/exist.yaml"})
	t.Cleanup(func() { rootCmd.SetArgs(nil); rootCmd.SetOut(nil) })

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("version should not need configuration: %v", err)
	}
	if !strings.Contains(out.String(), "flowscanner dev") {
		t.Fatalf("unexpected output %q", out.String())
	}
}
