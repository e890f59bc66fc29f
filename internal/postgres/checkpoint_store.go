package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/attractor-dev/attractor/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CheckpointStore persists engine resume state and per-node attempt outcomes.
type CheckpointStore struct {
	pool *pgxpool.Pool
}

// NewCheckpointStore creates a CheckpointStore backed by the given pool.
func NewCheckpointStore(pool *pgxpool.Pool) *CheckpointStore {
	return &CheckpointStore{pool: pool}
}

// SaveCheckpoint upserts the single checkpoint row for a run. The engine
// writes one after every completed node, so the row always holds the most
// recent resumable state.
func (s *CheckpointStore) SaveCheckpoint(ctx context.Context, cp *domain.RunCheckpoint) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO run_checkpoints (run_id, current_node_id, context_json, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (run_id) DO UPDATE SET
		        current_node_id = EXCLUDED.current_node_id,
		        context_json = EXCLUDED.context_json,
		        updated_at = now()
		 RETURNING updated_at`,
		cp.RunID, cp.CurrentNodeID, cp.ContextJSON).Scan(&cp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint returns the run's checkpoint, or nil when the run has never
// completed a node.
func (s *CheckpointStore) GetCheckpoint(ctx context.Context, runID uuid.UUID) (*domain.RunCheckpoint, error) {
	var cp domain.RunCheckpoint
	err := s.pool.QueryRow(ctx,
		`SELECT run_id, current_node_id, context_json, updated_at
		 FROM run_checkpoints WHERE run_id = $1`,
		runID).Scan(&cp.RunID, &cp.CurrentNodeID, &cp.ContextJSON, &cp.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return &cp, nil
}

// RecordOutcome appends one node attempt outcome. Outcomes for the same node
// are ordered by attempt number; rows are never updated.
func (s *CheckpointStore) RecordOutcome(ctx context.Context, o *domain.RunNodeOutcome) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO run_node_outcomes (run_id, node_id, attempt, status, payload)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, ts`,
		o.RunID, o.NodeID, o.Attempt, o.Status, o.Payload).Scan(&o.ID, &o.TS)
	if err != nil {
		return fmt.Errorf("record node outcome: %w", err)
	}
	return nil
}

// ListOutcomes returns all node outcomes for a run in insertion order.
func (s *CheckpointStore) ListOutcomes(ctx context.Context, runID uuid.UUID) ([]domain.RunNodeOutcome, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, node_id, attempt, status, payload, ts
		 FROM run_node_outcomes WHERE run_id = $1 ORDER BY id`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("list node outcomes: %w", err)
	}
	defer rows.Close()

	var result []domain.RunNodeOutcome
	for rows.Next() {
		var o domain.RunNodeOutcome
		if err := rows.Scan(&o.ID, &o.RunID, &o.NodeID, &o.Attempt, &o.Status, &o.Payload, &o.TS); err != nil {
			return nil, fmt.Errorf("scan node outcome: %w", err)
		}
		result = append(result, o)
	}
	return result, rows.Err()
}
