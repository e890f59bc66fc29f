package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/attractor-dev/attractor/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// QuestionStore persists human-in-the-loop questions.
type QuestionStore struct {
	pool *pgxpool.Pool
}

// NewQuestionStore creates a QuestionStore backed by the given pool.
func NewQuestionStore(pool *pgxpool.Pool) *QuestionStore {
	return &QuestionStore{pool: pool}
}

const questionColumns = `id, run_id, node_id, prompt, options, status, answer, created_at, answered_at`

func scanQuestion(row pgx.Row) (domain.RunQuestion, error) {
	var q domain.RunQuestion
	var options []byte
	err := row.Scan(&q.ID, &q.RunID, &q.NodeID, &q.Prompt, &options, &q.Status, &q.Answer, &q.CreatedAt, &q.AnsweredAt)
	if err != nil {
		return q, err
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &q.Options); err != nil {
			return q, fmt.Errorf("unmarshal question options: %w", err)
		}
	}
	return q, nil
}

// Register creates a PENDING question, or reuses an existing row with the same
// (run, node, prompt) key: a PENDING row is returned as-is so an engine
// restarted from checkpoint never duplicates a question, and an ANSWERED row
// with a non-empty answer short-circuits the wait entirely.
func (s *QuestionStore) Register(ctx context.Context, q *domain.RunQuestion) error {
	existing, err := scanQuestion(s.pool.QueryRow(ctx,
		`SELECT `+questionColumns+` FROM run_questions
		 WHERE run_id = $1 AND node_id = $2 AND prompt = $3
		   AND (status = 'PENDING' OR (status = 'ANSWERED' AND COALESCE(answer, '') <> ''))
		 ORDER BY created_at DESC LIMIT 1`,
		q.RunID, q.NodeID, q.Prompt))
	if err == nil {
		*q = existing
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("lookup question: %w", err)
	}

	var options []byte
	if len(q.Options) > 0 {
		options, err = json.Marshal(q.Options)
		if err != nil {
			return fmt.Errorf("marshal question options: %w", err)
		}
	}

	q.Status = domain.QuestionPending
	err = s.pool.QueryRow(ctx,
		`INSERT INTO run_questions (run_id, node_id, prompt, options)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		q.RunID, q.NodeID, q.Prompt, options).Scan(&q.ID, &q.CreatedAt)
	if err != nil {
		return fmt.Errorf("register question: %w", err)
	}
	return nil
}

func (s *QuestionStore) GetQuestion(ctx context.Context, id string) (*domain.RunQuestion, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, nil
	}

	q, err := scanQuestion(s.pool.QueryRow(ctx,
		`SELECT `+questionColumns+` FROM run_questions WHERE id = $1`, uid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get question: %w", err)
	}
	return &q, nil
}

func (s *QuestionStore) ListQuestions(ctx context.Context, runID uuid.UUID) ([]domain.RunQuestion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+questionColumns+` FROM run_questions WHERE run_id = $1 ORDER BY created_at`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	var result []domain.RunQuestion
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		result = append(result, q)
	}
	if result == nil {
		result = []domain.RunQuestion{}
	}
	return result, rows.Err()
}

// Answer transitions a PENDING question to ANSWERED. Re-posting an answer to
// an already-ANSWERED question is a no-op and never reopens it; the stored
// question is returned either way so callers can report the outcome.
func (s *QuestionStore) Answer(ctx context.Context, id string, answer string) (*domain.RunQuestion, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, nil
	}

	q, err := scanQuestion(s.pool.QueryRow(ctx,
		`UPDATE run_questions SET status = 'ANSWERED', answer = $2, answered_at = now()
		 WHERE id = $1 AND status = 'PENDING'
		 RETURNING `+questionColumns,
		uid, answer))
	if err == nil {
		return &q, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("answer question: %w", err)
	}

	return s.GetQuestion(ctx, id)
}

// MarkTimeout moves a PENDING question to TIMEOUT.
func (s *QuestionStore) MarkTimeout(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE run_questions SET status = 'TIMEOUT', answered_at = now()
		 WHERE id = $1 AND status = 'PENDING'`, id)
	if err != nil {
		return fmt.Errorf("timeout question: %w", err)
	}
	return nil
}
