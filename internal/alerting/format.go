package alerting

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"options-flow-scanner/internal/flow"
)

const (
	// BatchSize is the number of signals per alert message.
	BatchSize = 10
	// discordLimit leaves headroom below Discord's 2000 character cap.
	discordLimit = 1990
)

var riskEmoji = map[int]string{
	1: "⚪",
	2: "\U0001f7e2",
	3: "\U0001f7e1",
	4: "\U0001f7e0",
	5: "\U0001f534",
}

// RiskEmoji returns the colour marker for a risk score.
func RiskEmoji(score int) string {
	if e, ok := riskEmoji[score]; ok {
		return e
	}
	return riskEmoji[1]
}

// Batches splits signals into chunks of at most size.
func Batches(signals []flow.Signal, size int) [][]flow.Signal {
	if size <= 0 {
		size = BatchSize
	}
	var out [][]flow.Signal
	for start := 0; start < len(signals); start += size {
		end := min(start+size, len(signals))
		out = append(out, signals[start:end])
	}
	return out
}

// FormatBatch renders one alert message in markdown.
func FormatBatch(batch []flow.Signal) string {
	var b strings.Builder
	b.WriteString("**\U0001f6a8 Options Flow Alert**\n")
	for _, s := range batch {
		fmt.Fprintf(&b, "\n%s **[%d/5]** %s\n> Vol: %s | OI: %s | Premium: %s",
			RiskEmoji(s.RiskScore), s.RiskScore, s.Description,
			groupThousands(s.Volume), groupThousands(s.OpenInterest), s.PremiumString())
	}
	return b.String()
}

// FormatDigest renders the end-of-day summary.
func FormatDigest(signals []flow.Signal, date string) string {
	if len(signals) == 0 {
		return fmt.Sprintf("**Daily Summary - %s**\nNo significant signals today.", date)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "**\U0001f4ca Daily Summary - %s | Top %d Signals**\n", date, len(signals))
	for i, s := range signals {
		fmt.Fprintf(&b, "\n%d. %s **[%d/5]** %s", i+1, RiskEmoji(s.RiskScore), s.RiskScore, s.Description)
	}
	fmt.Fprintf(&b, "\n\n_Total signals today: %d_", len(signals))
	return b.String()
}

// FormatPlain renders a batch without markdown, for channels that do not parse it.
func FormatPlain(batch []flow.Signal) string {
	var b strings.Builder
	b.WriteString("Options Flow Alert\n")
	for _, s := range batch {
		fmt.Fprintf(&b, "\n[Risk %d/5] %s\n  Vol: %s | OI: %s | Premium: %s | V/OI: %.1f",
			s.RiskScore, s.Description, groupThousands(s.Volume), groupThousands(s.OpenInterest),
			s.PremiumString(), s.OIRatio)
	}
	return b.String()
}

// truncate caps content at limit runes, marking the cut with an ellipsis.
func truncate(content string, limit int) string {
	if utf8.RuneCountInString(content) <= limit {
		return content
	}
	runes := []rune(content)
	return string(runes[:limit]) + "..."
}

func groupThousands(n int64) string {
	raw := strconv.FormatInt(n, 10)
	sign := ""
	if strings.HasPrefix(raw, "-") {
		sign, raw = "-", raw[1:]
	}
	if len(raw) <= 3 {
		return sign + raw
	}
	var b strings.Builder
	lead := len(raw) % 3
	if lead > 0 {
		b.WriteString(raw[:lead])
	}
	for i := lead; i < len(raw); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(raw[i : i+3])
	}
	return sign + b.String()
}
