package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const auditQueueSize = 1024

// AuditEvent is one inbound protocol frame kept for debugging.
type AuditEvent struct {
	SessionID  string
	EventID    string
	Type       string
	Data       json.RawMessage
	ReceivedAt time.Time
}

// AuditTrail persists protocol events on a background worker so the
// router never waits on disk. When the queue is full events are dropped.
type AuditTrail struct {
	logger *zap.Logger
	db     *sql.DB

	queue   chan AuditEvent
	stopCh  chan struct{}
	once    sync.Once
	workers sync.WaitGroup
}

func NewAuditTrail(db *sql.DB, logger *zap.Logger) *AuditTrail {
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &AuditTrail{
		logger: logger,
		db:     db,
		queue:  make(chan AuditEvent, auditQueueSize),
		stopCh: make(chan struct{}),
	}

	a.workers.Add(1)
	go a.worker()

	return a
}

// Close drains the queue and stops the worker.
func (a *AuditTrail) Close() {
	a.once.Do(func() {
		close(a.stopCh)
	})
	a.workers.Wait()
}

// Record enqueues ev without blocking.
func (a *AuditTrail) Record(ev AuditEvent) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	select {
	case <-a.stopCh:
		return
	default:
	}
	select {
	case a.queue <- ev:
	default:
		a.logger.Warn(
			"audit queue full; dropping event",
			zap.String("event_id", ev.EventID),
			zap.String("type", ev.Type),
			zap.String("session_id", ev.SessionID),
		)
	}
}

func (a *AuditTrail) persist(ev AuditEvent) error {
	if a.db == nil {
		return nil
	}

	data := string(ev.Data)
	if data == "" {
		data = "{}"
	}

	_, err := a.db.Exec(
		`INSERT INTO protocol_events (session_id, event_id, type, data, received_at) VALUES (?, ?, ?, ?, ?)`,
		ev.SessionID,
		ev.EventID,
		ev.Type,
		data,
		ev.ReceivedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("persist protocol event %s: %w", ev.Type, err)
	}
	return nil
}

func (a *AuditTrail) worker() {
	defer a.workers.Done()

	for {
		select {
		case ev := <-a.queue:
			if err := a.persist(ev); err != nil {
				a.logger.Warn("failed to persist protocol event", zap.String("event_id", ev.EventID), zap.Error(err))
			}
		case <-a.stopCh:
			for {
				select {
				case ev := <-a.queue:
					if err := a.persist(ev); err != nil {
						a.logger.Warn("failed to persist protocol event", zap.String("event_id", ev.EventID), zap.Error(err))
					}
				default:
					return
				}
			}
		}
	}
}

// SessionEvents returns the audited events of a session in arrival order.
func SessionEvents(db *sql.DB, sessionID string) ([]AuditEvent, error) {
	rows, err := db.Query(
		`SELECT session_id, event_id, type, data, received_at FROM protocol_events WHERE session_id = ? ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query protocol events: %w", err)
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var (
			ev       AuditEvent
			eventID  sql.NullString
			data     string
			received string
		)
		if err := rows.Scan(&ev.SessionID, &eventID, &ev.Type, &data, &received); err != nil {
			return nil, fmt.Errorf("scan protocol event: %w", err)
		}
		ev.EventID = eventID.String
		ev.Data = json.RawMessage(data)
		ev.ReceivedAt, _ = time.Parse(time.RFC3339Nano, received)
		out = append(out, ev)
	}
	return out, rows.Err()
}
