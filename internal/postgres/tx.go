package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/attractor-dev/attractor/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// insertEventTx appends a run event and schedules its NOTIFY inside the same
// transaction. Postgres delivers the notification on commit, so the durable
// append always precedes publication and a rolled-back append is never seen
// by subscribers.
func insertEventTx(ctx context.Context, tx pgx.Tx, runID uuid.UUID, eventType string, payload any) (domain.RunEvent, error) {
	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return domain.RunEvent{}, fmt.Errorf("marshal event payload: %w", err)
		}
	}

	ev := domain.RunEvent{RunID: runID, Type: eventType, Payload: data}
	err := tx.QueryRow(ctx,
		`INSERT INTO run_events (run_id, type, payload) VALUES ($1, $2, $3)
		 RETURNING id, ts`,
		runID, eventType, data).Scan(&ev.ID, &ev.TS)
	if err != nil {
		return domain.RunEvent{}, fmt.Errorf("insert run event: %w", err)
	}

	wire, err := json.Marshal(ev)
	if err != nil {
		return domain.RunEvent{}, fmt.Errorf("marshal event: %w", err)
	}
	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", RunEventChannel(runID), string(wire)); err != nil {
		return domain.RunEvent{}, fmt.Errorf("notify run event: %w", err)
	}
	return ev, nil
}
