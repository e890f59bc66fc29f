package postgres

import (
	"context"
	"fmt"

	"github.com/attractor-dev/attractor/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventStore appends and replays the per-run event log.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates an EventStore backed by the given pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append durably inserts one event and publishes it on the run's channel.
// The insert and the NOTIFY share a transaction, so publication never
// precedes the durable append.
func (s *EventStore) Append(ctx context.Context, runID uuid.UUID, eventType string, payload any) (domain.RunEvent, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.RunEvent{}, fmt.Errorf("begin append event: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	ev, err := insertEventTx(ctx, tx, runID, eventType, payload)
	if err != nil {
		return domain.RunEvent{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.RunEvent{}, fmt.Errorf("commit append event: %w", err)
	}
	return ev, nil
}

// ListAfter returns the persisted events for a run with id greater than
// afterID, in insertion order. Pass afterID=0 for the full prefix.
func (s *EventStore) ListAfter(ctx context.Context, runID uuid.UUID, afterID int64) ([]domain.RunEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, ts, type, payload
		 FROM run_events
		 WHERE run_id = $1 AND id > $2
		 ORDER BY id`,
		runID, afterID)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()

	var events []domain.RunEvent
	for rows.Next() {
		var ev domain.RunEvent
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.TS, &ev.Type, &ev.Payload); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LastEventTime returns the timestamp of a run's most recent event, or nil
// when the run has no events. The reaper uses this to detect stalled runs.
func (s *EventStore) LastEventTime(ctx context.Context, runID uuid.UUID) (*int64, error) {
	var unix *int64
	err := s.pool.QueryRow(ctx,
		`SELECT EXTRACT(EPOCH FROM max(ts))::bigint FROM run_events WHERE run_id = $1`,
		runID).Scan(&unix)
	if err != nil {
		return nil, fmt.Errorf("last event time: %w", err)
	}
	return unix, nil
}
