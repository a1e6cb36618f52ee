package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordEvent("x")
	m.RecordBlocked("pre_parse")
	m.RecordParseError()
	m.RecordSession("ok", 1)
	m.RecordTokens("m", "input_text", 5)
	m.RecordCost("m", 5)
	m.RecordAccountingError("persist")
	m.RecordWatchdogFired()
	m.RecordPendingResponseTimeout()
	m.SetActiveSessions(1)
	m.SetHubClients(1)
}

func TestGetReturnsSingleton(t *testing.T) {
	if Get() != Init() {
		t.Fatal("expected singleton")
	}
}

func TestRecordBlockedCountsByStage(t *testing.T) {
	m := Get()
	before := testutil.ToFloat64(m.EventsBlockedTotal.WithLabelValues("post_parse"))
	m.RecordBlocked("post_parse")
	after := testutil.ToFloat64(m.EventsBlockedTotal.WithLabelValues("post_parse"))
	if after-before != 1 {
		t.Fatalf("expected increment of 1, got %v", after-before)
	}
}

func TestRecordTokensIgnoresZero(t *testing.T) {
	m := Get()
	before := testutil.ToFloat64(m.TokensTotal.WithLabelValues("zero-model", "input_text"))
	m.RecordTokens("zero-model", "input_text", 0)
	if got := testutil.ToFloat64(m.TokensTotal.WithLabelValues("zero-model", "input_text")); got != before {
		t.Fatalf("expected no change, got %v", got)
	}
}
