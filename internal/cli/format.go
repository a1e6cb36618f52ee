// Package cli formats usage reports and live notifications for the terminal.
package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/parley-voice/parley/internal/usage"
)

// FormatTokens formats a token count with K/M/B suffixes.
func FormatTokens(n int64) string {
	abs := n
	if abs < 0 {
		abs = -abs
	}

	switch {
	case abs >= 1_000_000_000:
		return fmt.Sprintf("%.1fB", float64(n)/1_000_000_000)
	case abs >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case abs >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	default:
		return strconv.FormatInt(n, 10)
	}
}

// FormatCost renders a cost held in millicents as US dollars.
// e.g., 1500 -> "$0.015", 250000 -> "$2.50"
func FormatCost(millicents int64) string {
	if millicents < 0 {
		return "-" + FormatCost(-millicents)
	}
	dollars := float64(millicents) / float64(usage.CostScale*100)
	switch {
	case dollars >= 1000:
		return "$" + FormatNumber(int64(dollars+0.5))
	case dollars >= 1:
		return fmt.Sprintf("$%.2f", dollars)
	default:
		return fmt.Sprintf("$%.3f", dollars)
	}
}

// FormatCents renders whole cents, rounding millicents half up.
func FormatCents(millicents int64) string {
	return fmt.Sprintf("%d¢", usage.MinorUnits(millicents))
}

// FormatMinutes formats a minute count, e.g. 125 -> "2h 5m".
func FormatMinutes(mins int64) string {
	if mins <= 0 {
		return "0m"
	}
	if mins >= 60 {
		return fmt.Sprintf("%dh %dm", mins/60, mins%60)
	}
	return fmt.Sprintf("%dm", mins)
}

// FormatNumber adds comma separators to an integer.
func FormatNumber(n int64) string {
	if n < 0 {
		return "-" + FormatNumber(-n)
	}

	s := strconv.FormatInt(n, 10)
	if len(s) <= 3 {
		return s
	}

	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}
