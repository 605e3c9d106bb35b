package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v4"

	"quiz-session-service/internal/domain"
)

var attemptColumns = []string{
	"id", "session_id", "user_id", "status", "started_at", "submitted_at",
	"answers", "score", "max_score", "version",
}

// CreateAttempt inserts the attempt while holding a share lock on the session row, so
// it serializes with EndSession and cannot add an active attempt to a session
// that has already ended.
func (s *Store) CreateAttempt(ctx context.Context, a domain.Attempt) error {
	answers, err := encodeAnswers(a)
	if err != nil {
		return err
	}
	query, args, err := sqlBuilder.Insert("quiz_attempts").
		Columns(attemptColumns...).
		Values(a.ID, a.SessionID, a.UserID, string(a.Status), a.StartedAt, a.SubmittedAt,
			answers, a.Score, a.MaxScore, 1).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert attempt: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create attempt: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM quiz_sessions WHERE id=$1 FOR SHARE`, a.SessionID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock session for attempt: %w", err)
	}
	if a.Status == domain.AttemptActive && domain.SessionStatus(status) == domain.StatusEnded {
		return domain.ErrVersionConflict
	}

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicate
		}
		return fmt.Errorf("insert attempt: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit attempt: %w", err)
	}
	return nil
}

func (s *Store) GetAttempt(ctx context.Context, sessionID, userID string) (domain.Attempt, error) {
	query, args, err := sqlBuilder.Select(attemptColumns...).
		From("quiz_attempts").
		Where(squirrel.Eq{"session_id": sessionID, "user_id": userID}).
		ToSql()
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("build get attempt: %w", err)
	}
	return scanAttempt(s.pool.QueryRow(ctx, query, args...))
}

func (s *Store) SaveAttempt(ctx context.Context, a domain.Attempt) (domain.Attempt, error) {
	answers, err := encodeAnswers(a)
	if err != nil {
		return domain.Attempt{}, err
	}
	key := squirrel.Eq{"session_id": a.SessionID, "user_id": a.UserID}
	query, args, err := sqlBuilder.Update("quiz_attempts").
		SetMap(map[string]interface{}{
			"status":       string(a.Status),
			"submitted_at": a.SubmittedAt,
			"answers":      answers,
			"score":        a.Score,
			"max_score":    a.MaxScore,
			"version":      squirrel.Expr("version + 1"),
		}).
		Where(key).
		Where(squirrel.Eq{"version": a.Version}).
		ToSql()
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("build update attempt: %w", err)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("update attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Attempt{}, missingOrStale(ctx, s.pool, "quiz_attempts", key)
	}
	out := a.Clone()
	out.Version++
	return out, nil
}

func (s *Store) ListSessionAttempts(ctx context.Context, sessionID string) ([]domain.Attempt, error) {
	return s.listAttempts(ctx, squirrel.Eq{"session_id": sessionID})
}

func (s *Store) ListUserAttempts(ctx context.Context, userID string, status domain.AttemptStatus) ([]domain.Attempt, error) {
	where := squirrel.Eq{"user_id": userID}
	if status != "" {
		where["status"] = string(status)
	}
	return s.listAttempts(ctx, where)
}

func (s *Store) listAttempts(ctx context.Context, where squirrel.Eq) ([]domain.Attempt, error) {
	query, args, err := sqlBuilder.Select(attemptColumns...).
		From("quiz_attempts").
		Where(where).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list attempts: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()
	out := make([]domain.Attempt, 0)
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAttempt(row pgx.Row) (domain.Attempt, error) {
	var (
		a       domain.Attempt
		status  string
		answers []byte
	)
	err := row.Scan(&a.ID, &a.SessionID, &a.UserID, &status, &a.StartedAt, &a.SubmittedAt,
		&answers, &a.Score, &a.MaxScore, &a.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Attempt{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("scan attempt: %w", err)
	}
	a.Status = domain.AttemptStatus(status)
	a.Answers = map[int]domain.Answer{}
	if err := json.Unmarshal(answers, &a.Answers); err != nil {
		return domain.Attempt{}, fmt.Errorf("unmarshal answers: %w", err)
	}
	return a, nil
}

func encodeAnswers(a domain.Attempt) (string, error) {
	answers := a.Answers
	if answers == nil {
		answers = map[int]domain.Answer{}
	}
	raw, err := json.Marshal(answers)
	if err != nil {
		return "", fmt.Errorf("marshal answers: %w", err)
	}
	return string(raw), nil
}
