package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/parley-voice/parley/internal/notify"
	"github.com/parley-voice/parley/internal/storage"
)

var (
	ColorBorder    = lipgloss.Color("#282726")
	ColorTextDim   = lipgloss.Color("#575653")
	ColorTextMuted = lipgloss.Color("#6F6E69")
	ColorText      = lipgloss.Color("#FFFCF0")
	ColorAccent    = lipgloss.Color("#3AA99F")
	ColorGreen     = lipgloss.Color("#879A39")
	ColorRed       = lipgloss.Color("#D14D41")
	ColorBlue      = lipgloss.Color("#4385BE")
	ColorPurple    = lipgloss.Color("#8B7EC8")
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(ColorText).Align(lipgloss.Center)
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
	valueStyle     = lipgloss.NewStyle().Foreground(ColorText)
	mutedStyle     = lipgloss.NewStyle().Foreground(ColorTextMuted)
	dimStyle       = lipgloss.NewStyle().Foreground(ColorTextDim)
	costStyle      = lipgloss.NewStyle().Foreground(ColorGreen)
	errorStyle     = lipgloss.NewStyle().Bold(true).Foreground(ColorRed)
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(ColorBlue)
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorPurple)
)

// Table is a bordered text table. The first column is left-aligned and the
// rest right-aligned. A row holding the single cell "---" draws a separator.
type Table struct {
	Title   string
	Headers []string
	Rows    [][]string
}

func RenderTitle(title string) string {
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder).
		Width(55).
		Align(lipgloss.Center).
		Padding(0, 1)
	return box.Render(titleStyle.Render(title))
}

func (t Table) widths() []int {
	cols := len(t.Headers)
	if cols == 0 && len(t.Rows) > 0 {
		cols = len(t.Rows[0])
	}
	widths := make([]int, cols)
	for i, h := range t.Headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.Rows {
		for i, cell := range row {
			if i < cols && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}
	return widths
}

func rule(b *strings.Builder, widths []int, left, mid, right string) {
	b.WriteString(dimStyle.Render(left))
	for i, w := range widths {
		b.WriteString(dimStyle.Render(strings.Repeat("─", w+2)))
		if i < len(widths)-1 {
			b.WriteString(dimStyle.Render(mid))
		}
	}
	b.WriteString(dimStyle.Render(right))
	b.WriteString("\n")
}

func RenderTable(t Table) string {
	if len(t.Rows) == 0 && len(t.Headers) == 0 {
		return ""
	}
	widths := t.widths()
	sep := dimStyle.Render("│")

	var b strings.Builder
	if t.Title != "" {
		b.WriteString("  " + headerStyle.Render(t.Title) + "\n")
	}

	rule(&b, widths, "╭", "┬", "╮")
	if len(t.Headers) > 0 {
		b.WriteString(sep)
		for i, h := range t.Headers {
			b.WriteString(headerStyle.Render(fmt.Sprintf(" %-*s ", widths[i], h)))
			b.WriteString(sep)
		}
		b.WriteString("\n")
		rule(&b, widths, "├", "┼", "┤")
	}

	for _, row := range t.Rows {
		if len(row) == 1 && row[0] == "---" {
			rule(&b, widths, "├", "┼", "┤")
			continue
		}
		b.WriteString(sep)
		for i, w := range widths {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			format := " %*s "
			if i == 0 {
				format = " %-*s "
			}
			b.WriteString(valueStyle.Render(fmt.Sprintf(format, w, cell)))
			b.WriteString(sep)
		}
		b.WriteString("\n")
	}
	rule(&b, widths, "╰", "┴", "╯")

	return b.String()
}

// UsageTable lays out daily summaries with a totals row.
func UsageTable(rows []storage.DailySummary) Table {
	t := Table{
		Title:   "Daily usage",
		Headers: []string{"Date", "Input", "Output", "Cached", "Calls", "Convos", "Minutes", "Cost"},
	}
	var in, out, cached, calls, convos, mins, cost int64
	for _, d := range rows {
		t.Rows = append(t.Rows, []string{
			d.Date,
			FormatTokens(d.InputTokens),
			FormatTokens(d.OutputTokens),
			FormatTokens(d.CachedTokens),
			FormatNumber(d.APICalls),
			FormatNumber(d.Conversations),
			FormatMinutes(d.UsageMinutes),
			FormatCost(d.TotalCost),
		})
		in += d.InputTokens
		out += d.OutputTokens
		cached += d.CachedTokens
		calls += d.APICalls
		convos += d.Conversations
		mins += d.UsageMinutes
		cost += d.TotalCost
	}
	if len(rows) > 1 {
		t.Rows = append(t.Rows, []string{"---"}, []string{
			"Total",
			FormatTokens(in),
			FormatTokens(out),
			FormatTokens(cached),
			FormatNumber(calls),
			FormatNumber(convos),
			FormatMinutes(mins),
			FormatCost(cost),
		})
	}
	return t
}

// RenderNotification renders one notification as a single terminal line.
func RenderNotification(n notify.Notification) string {
	ts := mutedStyle.Render(n.At.Format("15:04:05"))
	switch n.Type {
	case notify.TypeMessage:
		who := userStyle.Render("you")
		if n.Message.Speaker == notify.SpeakerAssistant {
			who = assistantStyle.Render("ai ")
		}
		return fmt.Sprintf("%s %s %s", ts, who, valueStyle.Render(n.Message.Text))
	case notify.TypeSpeaking:
		state := "listening"
		if n.Speaking != nil && *n.Speaking {
			state = "speaking"
		}
		return fmt.Sprintf("%s %s", ts, dimStyle.Render("· "+state))
	case notify.TypeUsageTracked:
		return fmt.Sprintf("%s %s in=%s out=%s turn=%s session=%s", ts,
			dimStyle.Render("· usage"),
			FormatTokens(n.Usage.Usage.InputTokens),
			FormatTokens(n.Usage.Usage.OutputTokens),
			costStyle.Render(FormatCost(n.Usage.Costs.TotalCost)),
			costStyle.Render(FormatCost(n.Usage.Accumulated.TotalCost)),
		)
	case notify.TypeError:
		return fmt.Sprintf("%s %s", ts, errorStyle.Render(n.Error))
	default:
		return ""
	}
}
