package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/parley-voice/parley/internal/shared"
	"github.com/parley-voice/parley/internal/usage"
)

func TestMigrateFresh(t *testing.T) {
	db := setupTestDB(t)

	runner := NewMigrationRunner(db)
	if err := runner.Migrate(context.Background()); err != nil {
		t.Fatalf("migration failed: %v", err)
	}

	for _, table := range []string{
		"conversation_records",
		"api_usage_records",
		"daily_usage_summary",
		"pricing_config",
		"protocol_events",
		"schema_migrations",
	} {
		if !tableExists(t, db, table) {
			t.Errorf("%s table not created", table)
		}
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db := setupTestDB(t)
	runner := NewMigrationRunner(db)

	if err := runner.Migrate(context.Background()); err != nil {
		t.Fatalf("first migration failed: %v", err)
	}
	if err := runner.Migrate(context.Background()); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("failed to query migrations: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 migration record, got %d", count)
	}
}

func TestMigrateChecksumMismatch(t *testing.T) {
	db := setupTestDB(t)
	runner := NewMigrationRunner(db)

	if err := runner.Migrate(context.Background()); err != nil {
		t.Fatalf("initial migration failed: %v", err)
	}
	if _, err := db.Exec("UPDATE schema_migrations SET checksum = 'invalid' WHERE version = '001'"); err != nil {
		t.Fatalf("failed to corrupt checksum: %v", err)
	}
	if err := runner.Migrate(context.Background()); err == nil {
		t.Error("expected checksum mismatch error, got nil")
	}
}

func TestSchemaVersion(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	version, err := SchemaVersion(ctx, db)
	if err != nil || version != "" {
		t.Fatalf("unmigrated database: version %q, err %v", version, err)
	}
	if err := NewMigrationRunner(db).Migrate(ctx); err != nil {
		t.Fatalf("migration failed: %v", err)
	}
	if version, err = SchemaVersion(ctx, db); err != nil || version != "001" {
		t.Fatalf("version %q, err %v; want 001", version, err)
	}
}

func TestLookupPricingByEffectiveDate(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	older := usage.Pricing{Model: "m", EffectiveFrom: date(2024, 1, 1), InputText: 100}
	newer := usage.Pricing{Model: "m", EffectiveFrom: date(2025, 1, 1), InputText: 200}
	for _, p := range []usage.Pricing{older, newer} {
		if err := store.UpsertPricing(ctx, p); err != nil {
			t.Fatalf("upsert pricing: %v", err)
		}
	}

	p, err := store.LookupPricing(ctx, "m", date(2024, 6, 1))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if p.InputText != 100 {
		t.Fatalf("expected 2024 rates, got %+v", p)
	}

	p, err = store.LookupPricing(ctx, "m", date(2025, 3, 1))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if p.InputText != 200 || !p.EffectiveFrom.Equal(date(2025, 1, 1)) {
		t.Fatalf("expected 2025 rates, got %+v", p)
	}

	if _, err := store.LookupPricing(ctx, "m", date(2023, 1, 1)); !errors.Is(err, shared.ErrPricingNotFound) {
		t.Fatalf("expected ErrPricingNotFound before first effective date, got %v", err)
	}
	if _, err := store.LookupPricing(ctx, "other", date(2025, 1, 1)); !errors.Is(err, shared.ErrPricingNotFound) {
		t.Fatalf("expected ErrPricingNotFound, got %v", err)
	}
}

func TestUpsertPricingReplacesRates(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	p := usage.Pricing{Model: "m", EffectiveFrom: date(2024, 1, 1), InputText: 1}
	if err := store.UpsertPricing(ctx, p); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	p.InputText = 9
	if err := store.UpsertPricing(ctx, p); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := store.LookupPricing(ctx, "m", date(2024, 2, 1))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.InputText != 9 {
		t.Fatalf("expected replaced rate 9, got %d", got.InputText)
	}
}

func TestDailyUsageAccumulates(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	delta := usage.DailyDelta{
		UserID: "u1",
		Date:   "2025-01-02",
		Usage:  usage.Sample{InputTokens: 1000, OutputTokens: 500, InputTextTokens: 1000, OutputTextTokens: 500},
		Costs:  usage.Costs{TotalCost: 1500},
	}
	for i := 0; i < 2; i++ {
		if err := store.AddDailyUsage(ctx, delta); err != nil {
			t.Fatalf("add daily usage: %v", err)
		}
	}

	rows, err := store.DailySummaries(ctx, "u1", date(2025, 1, 1))
	if err != nil {
		t.Fatalf("daily summaries: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].InputTokens != 2000 || rows[0].TotalCost != 3000 || rows[0].APICalls != 2 {
		t.Fatalf("unexpected summary %+v", rows[0])
	}
}

func TestRecordConversationEndUpdatesAverages(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	start := time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)

	ends := []usage.ConversationEnd{
		{UserID: "u1", SessionID: "s1", Model: "m", StartedAt: start, EndedAt: start.Add(4 * time.Minute), DurationMinutes: 4},
		{UserID: "u1", SessionID: "s2", Model: "m", StartedAt: start, EndedAt: start.Add(7 * time.Minute), DurationMinutes: 7},
	}
	for _, end := range ends {
		if err := store.RecordConversationEnd(ctx, end); err != nil {
			t.Fatalf("record conversation end: %v", err)
		}
	}

	rows, err := store.DailySummaries(ctx, "u1", start)
	if err != nil {
		t.Fatalf("daily summaries: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	got := rows[0]
	if got.Conversations != 2 || got.UsageMinutes != 11 || got.AverageDurationMinutes != 5.5 {
		t.Fatalf("unexpected conversation stats %+v", got)
	}

	var count int
	if err := store.db.QueryRow("SELECT COUNT(*) FROM conversation_records").Scan(&count); err != nil {
		t.Fatalf("count conversations: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 conversation records, got %d", count)
	}
}

func TestAppendUsageRecordStoresRawPayload(t *testing.T) {
	store := setupStore(t)
	rec := usage.Record{
		UserID:    "u1",
		SessionID: "s1",
		EventType: "response.done",
		Model:     "m",
		Usage:     usage.Sample{TotalTokens: 10},
		Costs:     usage.Costs{TotalCost: 3},
		Raw:       json.RawMessage(`{"total_tokens":10}`),
	}
	if err := store.AppendUsageRecord(context.Background(), rec); err != nil {
		t.Fatalf("append: %v", err)
	}

	var (
		total int64
		raw   string
	)
	err := store.db.QueryRow("SELECT total_cost, raw_usage_data FROM api_usage_records WHERE session_id = 's1'").Scan(&total, &raw)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if total != 3 || raw != `{"total_tokens":10}` {
		t.Fatalf("unexpected row total=%d raw=%s", total, raw)
	}
}

func TestEngineAgainstSQLiteStore(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	if err := store.UpsertPricing(ctx, usage.Pricing{Model: "m", EffectiveFrom: date(2020, 1, 1), InputText: 500, OutputText: 2000}); err != nil {
		t.Fatalf("upsert pricing: %v", err)
	}

	engine := usage.NewEngine(store, nil, "u1", "m", nil)
	engine.StartSession("s1")
	res, err := engine.Track(ctx, usage.TrackRequest{
		Usage: json.RawMessage(`{"input_tokens":1000,"output_tokens":500,"input_token_details":{"text_tokens":1000},"output_token_details":{"text_tokens":500}}`),
	})
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if res.PricingSource != usage.PricingFromStore || res.Costs.TotalCost != 1500 {
		t.Fatalf("unexpected result %+v", res)
	}
	if err := engine.EndSession(ctx); err != nil {
		t.Fatalf("end session: %v", err)
	}

	rows, err := store.DailySummaries(ctx, "u1", time.Now().UTC().AddDate(0, 0, -1))
	if err != nil {
		t.Fatalf("daily summaries: %v", err)
	}
	if len(rows) != 1 || rows[0].TotalCost != 1500 || rows[0].Conversations != 1 {
		t.Fatalf("unexpected summaries %+v", rows)
	}
}

func TestAuditTrailPersistsOnClose(t *testing.T) {
	db := setupMigratedDB(t)
	trail := NewAuditTrail(db, nil)

	trail.Record(AuditEvent{SessionID: "s1", EventID: "e1", Type: "response.created", Data: json.RawMessage(`{"type":"response.created"}`)})
	trail.Record(AuditEvent{SessionID: "s1", EventID: "e2", Type: "response.done"})
	trail.Close()

	events, err := SessionEvents(db, "s1")
	if err != nil {
		t.Fatalf("session events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].EventID != "e1" || events[1].Type != "response.done" {
		t.Fatalf("unexpected events %+v", events)
	}
	if string(events[1].Data) != "{}" {
		t.Fatalf("expected empty payload stored as {}, got %s", events[1].Data)
	}

	trail.Record(AuditEvent{SessionID: "s1", EventID: "e3", Type: "late"})
	trail.Close()
}

func setupTestDB(t *testing.T) *sql.DB {
	tmpfile, err := os.CreateTemp("", "parley-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpfile.Close()

	db, err := sql.Open("sqlite", tmpfile.Name())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
		os.Remove(tmpfile.Name())
	})

	return db
}

func setupMigratedDB(t *testing.T) *sql.DB {
	db := setupTestDB(t)
	if err := NewMigrationRunner(db).Migrate(context.Background()); err != nil {
		t.Fatalf("migration failed: %v", err)
	}
	return db
}

func setupStore(t *testing.T) *Store {
	return NewStore(setupMigratedDB(t), nil)
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func tableExists(t *testing.T, db *sql.DB, tableName string) bool {
	var exists int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
		tableName,
	).Scan(&exists)
	if err != nil {
		t.Fatalf("failed to check table existence: %v", err)
	}
	return exists > 0
}
