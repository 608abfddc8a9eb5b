package version

import "testing"

func TestString(t *testing.T) {
	Version, Commit, BuildDate = "v1.2.3", "abc123", "2026-02-11"
	t.Cleanup(func() { Version, Commit, BuildDate = "dev", "unknown", "unknown" })

	if got := String(); got != "v1.2.3 (commit abc123, built 2026-02-11)" {
		t.Fatalf("unexpected version string %q", got)
	}
}
