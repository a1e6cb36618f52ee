package cli

import (
	"strings"
	"testing"
	"time"

	"github.com/parley-voice/parley/internal/notify"
	"github.com/parley-voice/parley/internal/storage"
	"github.com/parley-voice/parley/internal/usage"
)

func TestFormatTokens(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1234, "1.2K"},
		{1234567, "1.2M"},
		{1234567890, "1.2B"},
		{-1500, "-1.5K"},
	}
	for _, tt := range tests {
		if got := FormatTokens(tt.in); got != tt.want {
			t.Errorf("FormatTokens(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatCost(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "$0.000"},
		{1500, "$0.015"},
		{250000, "$2.50"},
		{150000000, "$1,500"},
		{-1500, "-$0.015"},
	}
	for _, tt := range tests {
		if got := FormatCost(tt.in); got != tt.want {
			t.Errorf("FormatCost(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := FormatCents(1500); got != "2¢" {
		t.Errorf("FormatCents(1500) = %q", got)
	}
}

func TestFormatMinutesAndNumber(t *testing.T) {
	if got := FormatMinutes(125); got != "2h 5m" {
		t.Errorf("FormatMinutes(125) = %q", got)
	}
	if got := FormatMinutes(0); got != "0m" {
		t.Errorf("FormatMinutes(0) = %q", got)
	}
	if got := FormatNumber(1234567); got != "1,234,567" {
		t.Errorf("FormatNumber = %q", got)
	}
}

func TestUsageTableAddsTotals(t *testing.T) {
	rows := []storage.DailySummary{
		{Date: "2024-12-19", InputTokens: 1000, OutputTokens: 500, APICalls: 1, TotalCost: 1500},
		{Date: "2024-12-18", InputTokens: 2000, OutputTokens: 500, APICalls: 2, TotalCost: 3000},
	}
	table := UsageTable(rows)
	if len(table.Rows) != 4 {
		t.Fatalf("expected 2 rows, separator and total, got %d", len(table.Rows))
	}
	total := table.Rows[3]
	if total[0] != "Total" || total[1] != "3.0K" || total[4] != "3" || total[7] != "$0.045" {
		t.Fatalf("unexpected total row %v", total)
	}

	out := RenderTable(table)
	for _, want := range []string{"Daily usage", "2024-12-19", "Total", "╭", "╯"} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered table missing %q", want)
		}
	}
}

func TestRenderTableEmpty(t *testing.T) {
	if RenderTable(Table{}) != "" {
		t.Fatal("expected empty output for empty table")
	}
}

func TestRenderNotification(t *testing.T) {
	at := time.Date(2024, 12, 19, 10, 30, 0, 0, time.UTC)

	line := RenderNotification(notify.NewMessage(notify.Message{Speaker: notify.SpeakerAssistant, Text: "Hello there", Timestamp: at}))
	if !strings.Contains(line, "Hello there") || !strings.Contains(line, "10:30:00") {
		t.Fatalf("unexpected message line %q", line)
	}

	res := &usage.Result{
		Usage:       usage.Sample{InputTokens: 1000, OutputTokens: 500},
		Costs:       usage.Costs{TotalCost: 1500},
		Accumulated: usage.Accumulated{TotalCost: 3000},
	}
	line = RenderNotification(notify.NewUsageTracked(res, at))
	if !strings.Contains(line, "$0.015") || !strings.Contains(line, "$0.030") {
		t.Fatalf("unexpected usage line %q", line)
	}

	if RenderNotification(notify.NewMessageWithUsage(notify.Message{}, res, at)) != "" {
		t.Fatal("message-with-usage duplicates the message line and should render nothing")
	}
	if !strings.Contains(RenderNotification(notify.NewError("API error: boom", at)), "API error: boom") {
		t.Fatal("expected error text")
	}
}
