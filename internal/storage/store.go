// Package storage persists usage accounting, pricing tables and the
// protocol audit trail in SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/parley-voice/parley/internal/shared"
	"github.com/parley-voice/parley/internal/usage"
)

const dateLayout = "2006-01-02"

// Open opens (creating if needed) the SQLite database at path and applies
// all migrations.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := NewMigrationRunner(db).Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

// Store implements usage.Store on top of SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ usage.Store = (*Store)(nil)

func NewStore(db *sql.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// LookupPricing returns the newest active pricing for model effective on or
// before at. A missing row yields shared.ErrPricingNotFound.
func (s *Store) LookupPricing(ctx context.Context, model string, at time.Time) (usage.Pricing, error) {
	var (
		p         usage.Pricing
		effective string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT model_name, effective_from,
			input_text_price_per_1m, input_audio_price_per_1m,
			output_text_price_per_1m, output_audio_price_per_1m,
			cached_input_price_per_1m
		FROM pricing_config
		WHERE model_name = ? AND is_active = 1 AND effective_from <= ?
		ORDER BY effective_from DESC
		LIMIT 1`,
		model, at.UTC().Format(dateLayout),
	).Scan(&p.Model, &effective, &p.InputText, &p.InputAudio, &p.OutputText, &p.OutputAudio, &p.CachedInput)
	if errors.Is(err, sql.ErrNoRows) {
		return usage.Pricing{}, fmt.Errorf("%w: %s", shared.ErrPricingNotFound, model)
	}
	if err != nil {
		return usage.Pricing{}, fmt.Errorf("query pricing %s: %w", model, err)
	}
	p.EffectiveFrom, _ = time.Parse(dateLayout, effective)
	return p, nil
}

// UpsertPricing inserts or replaces the rates for (model, effective date).
func (s *Store) UpsertPricing(ctx context.Context, p usage.Pricing) error {
	effective := p.EffectiveFrom
	if effective.IsZero() {
		effective = time.Unix(0, 0).UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pricing_config (
			model_name, effective_from,
			input_text_price_per_1m, input_audio_price_per_1m,
			output_text_price_per_1m, output_audio_price_per_1m,
			cached_input_price_per_1m, is_active
		) VALUES (?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(model_name, effective_from) DO UPDATE SET
			input_text_price_per_1m = excluded.input_text_price_per_1m,
			input_audio_price_per_1m = excluded.input_audio_price_per_1m,
			output_text_price_per_1m = excluded.output_text_price_per_1m,
			output_audio_price_per_1m = excluded.output_audio_price_per_1m,
			cached_input_price_per_1m = excluded.cached_input_price_per_1m,
			is_active = 1`,
		p.Model, effective.UTC().Format(dateLayout),
		p.InputText, p.InputAudio, p.OutputText, p.OutputAudio, p.CachedInput,
	)
	if err != nil {
		return fmt.Errorf("upsert pricing %s: %w", p.Model, err)
	}
	return nil
}

func (s *Store) AppendUsageRecord(ctx context.Context, rec usage.Record) error {
	raw := string(rec.Raw)
	if raw == "" {
		raw = "{}"
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	u, c := rec.Usage, rec.Costs
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_usage_records (
			user_id, session_id, event_type, response_id, model_name,
			total_tokens, input_tokens, output_tokens,
			input_text_tokens, input_audio_tokens, input_cached_tokens,
			output_text_tokens, output_audio_tokens,
			cached_text_tokens, cached_audio_tokens,
			input_cost, output_cost, cached_cost, total_cost,
			raw_usage_data, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.UserID, rec.SessionID, rec.EventType, rec.ResponseID, rec.Model,
		u.TotalTokens, u.InputTokens, u.OutputTokens,
		u.InputTextTokens, u.InputAudioTokens, u.InputCachedTokens,
		u.OutputTextTokens, u.OutputAudioTokens,
		u.CachedTextTokens, u.CachedAudioTokens,
		c.InputCost, c.OutputCost, c.CachedCost, c.TotalCost,
		raw, createdAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// AddDailyUsage adds one response to the (user, date) aggregate.
func (s *Store) AddDailyUsage(ctx context.Context, d usage.DailyDelta) error {
	u, c := d.Usage, d.Costs
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_usage_summary (
			user_id, usage_date,
			total_input_tokens, total_output_tokens, total_cached_tokens,
			total_input_text_tokens, total_input_audio_tokens,
			total_output_text_tokens, total_output_audio_tokens,
			total_cost, total_api_calls
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(user_id, usage_date) DO UPDATE SET
			total_input_tokens = total_input_tokens + excluded.total_input_tokens,
			total_output_tokens = total_output_tokens + excluded.total_output_tokens,
			total_cached_tokens = total_cached_tokens + excluded.total_cached_tokens,
			total_input_text_tokens = total_input_text_tokens + excluded.total_input_text_tokens,
			total_input_audio_tokens = total_input_audio_tokens + excluded.total_input_audio_tokens,
			total_output_text_tokens = total_output_text_tokens + excluded.total_output_text_tokens,
			total_output_audio_tokens = total_output_audio_tokens + excluded.total_output_audio_tokens,
			total_cost = total_cost + excluded.total_cost,
			total_api_calls = total_api_calls + 1`,
		d.UserID, d.Date,
		u.InputTokens, u.OutputTokens, u.InputCachedTokens,
		u.InputTextTokens, u.InputAudioTokens,
		u.OutputTextTokens, u.OutputAudioTokens,
		c.TotalCost,
	)
	if err != nil {
		return fmt.Errorf("upsert daily usage: %w", err)
	}
	return nil
}

// RecordConversationEnd writes the closed conversation and folds its
// duration into the daily aggregate of the end date.
func (s *Store) RecordConversationEnd(ctx context.Context, end usage.ConversationEnd) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin conversation end: %w", err)
	}
	defer tx.Rollback()

	t := end.Totals
	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversation_records (
			session_id, user_id, model_name, started_at, ended_at, duration_minutes,
			total_input_tokens, total_output_tokens, total_cached_tokens, total_cost, responses
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			ended_at = excluded.ended_at,
			duration_minutes = excluded.duration_minutes,
			total_input_tokens = excluded.total_input_tokens,
			total_output_tokens = excluded.total_output_tokens,
			total_cached_tokens = excluded.total_cached_tokens,
			total_cost = excluded.total_cost,
			responses = excluded.responses`,
		end.SessionID, end.UserID, end.Model,
		end.StartedAt.UTC().Format(time.RFC3339Nano), end.EndedAt.UTC().Format(time.RFC3339Nano),
		end.DurationMinutes,
		t.InputTokens, t.OutputTokens, t.CachedTokens, t.TotalCost, t.Responses,
	)
	if err != nil {
		return fmt.Errorf("upsert conversation record: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO daily_usage_summary (
			user_id, usage_date, total_conversations,
			total_usage_time_minutes, average_conversation_duration_minutes
		) VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(user_id, usage_date) DO UPDATE SET
			average_conversation_duration_minutes = ROUND(
				(average_conversation_duration_minutes * total_conversations + excluded.total_usage_time_minutes)
				/ (total_conversations + 1.0), 2),
			total_conversations = total_conversations + 1,
			total_usage_time_minutes = total_usage_time_minutes + excluded.total_usage_time_minutes`,
		end.UserID, end.EndedAt.UTC().Format(dateLayout),
		end.DurationMinutes, float64(end.DurationMinutes),
	)
	if err != nil {
		return fmt.Errorf("update daily conversation stats: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit conversation end: %w", err)
	}
	return nil
}

// DailySummary is one row of the daily usage report.
type DailySummary struct {
	UserID                 string  `json:"user_id"`
	Date                   string  `json:"usage_date"`
	InputTokens            int64   `json:"total_input_tokens"`
	OutputTokens           int64   `json:"total_output_tokens"`
	CachedTokens           int64   `json:"total_cached_tokens"`
	InputTextTokens        int64   `json:"total_input_text_tokens"`
	InputAudioTokens       int64   `json:"total_input_audio_tokens"`
	OutputTextTokens       int64   `json:"total_output_text_tokens"`
	OutputAudioTokens      int64   `json:"total_output_audio_tokens"`
	TotalCost              int64   `json:"total_cost"`
	APICalls               int64   `json:"total_api_calls"`
	Conversations          int64   `json:"total_conversations"`
	UsageMinutes           int64   `json:"total_usage_time_minutes"`
	AverageDurationMinutes float64 `json:"average_conversation_duration_minutes"`
}

// DailySummaries returns the user's rows on or after since, newest first.
func (s *Store) DailySummaries(ctx context.Context, userID string, since time.Time) ([]DailySummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, usage_date,
			total_input_tokens, total_output_tokens, total_cached_tokens,
			total_input_text_tokens, total_input_audio_tokens,
			total_output_text_tokens, total_output_audio_tokens,
			total_cost, total_api_calls, total_conversations,
			total_usage_time_minutes, average_conversation_duration_minutes
		FROM daily_usage_summary
		WHERE user_id = ? AND usage_date >= ?
		ORDER BY usage_date DESC`,
		userID, since.UTC().Format(dateLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query daily summaries: %w", err)
	}
	defer rows.Close()

	var out []DailySummary
	for rows.Next() {
		var d DailySummary
		if err := rows.Scan(
			&d.UserID, &d.Date,
			&d.InputTokens, &d.OutputTokens, &d.CachedTokens,
			&d.InputTextTokens, &d.InputAudioTokens,
			&d.OutputTextTokens, &d.OutputAudioTokens,
			&d.TotalCost, &d.APICalls, &d.Conversations,
			&d.UsageMinutes, &d.AverageDurationMinutes,
		); err != nil {
			return nil, fmt.Errorf("scan daily summary: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
