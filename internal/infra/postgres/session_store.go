// Package postgres persists sessions and attempts in Postgres through pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"quiz-session-service/internal/domain"
)

var sqlBuilder = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

var sessionColumns = []string{
	"id", "owner_id", "title", "topic", "difficulty", "join_code", "status",
	"duration_sec", "allow_late_join", "started_at", "ends_at", "ended_at",
	"questions", "participants", "created_at", "updated_at", "version",
}

// Store implements app.SessionRepository and app.AttemptRepository. Saves are
// guarded by the version column; ending a session and finalizing its attempts
// share one transaction.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (s *Store) CreateSession(ctx context.Context, sess domain.Session) error {
	questions, participants, err := encodeSessionDocs(sess)
	if err != nil {
		return err
	}
	query, args, err := sqlBuilder.Insert("quiz_sessions").
		Columns(sessionColumns...).
		Values(sess.ID, sess.OwnerID, sess.Title, sess.Topic, sess.Difficulty, sess.JoinCode, string(sess.Status),
			sess.DurationSec, sess.AllowLateJoin, sess.StartedAt, sess.EndsAt, sess.EndedAt,
			questions, participants, sess.CreatedAt, sess.UpdatedAt, 1).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert session: %w", err)
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicate
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (domain.Session, error) {
	query, args, err := sqlBuilder.Select(sessionColumns...).
		From("quiz_sessions").
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return domain.Session{}, fmt.Errorf("build get session: %w", err)
	}
	return scanSession(s.pool.QueryRow(ctx, query, args...))
}

func (s *Store) SessionIDByJoinCode(ctx context.Context, code string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `SELECT id FROM quiz_sessions WHERE join_code=$1`, code).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup join code: %w", err)
	}
	return id, nil
}

func (s *Store) SaveSession(ctx context.Context, sess domain.Session) (domain.Session, error) {
	return saveSession(ctx, s.pool, sess)
}

func saveSession(ctx context.Context, q querier, sess domain.Session) (domain.Session, error) {
	questions, participants, err := encodeSessionDocs(sess)
	if err != nil {
		return domain.Session{}, err
	}
	query, args, err := sqlBuilder.Update("quiz_sessions").
		SetMap(map[string]interface{}{
			"title":           sess.Title,
			"topic":           sess.Topic,
			"difficulty":      sess.Difficulty,
			"status":          string(sess.Status),
			"duration_sec":    sess.DurationSec,
			"allow_late_join": sess.AllowLateJoin,
			"started_at":      sess.StartedAt,
			"ends_at":         sess.EndsAt,
			"ended_at":        sess.EndedAt,
			"questions":       questions,
			"participants":    participants,
			"updated_at":      sess.UpdatedAt,
			"version":         squirrel.Expr("version + 1"),
		}).
		Where(squirrel.Eq{"id": sess.ID, "version": sess.Version}).
		ToSql()
	if err != nil {
		return domain.Session{}, fmt.Errorf("build update session: %w", err)
	}
	tag, err := q.Exec(ctx, query, args...)
	if err != nil {
		return domain.Session{}, fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Session{}, missingOrStale(ctx, q, "quiz_sessions", squirrel.Eq{"id": sess.ID})
	}
	out := sess.Clone()
	out.Version++
	return out, nil
}

func (s *Store) EndSession(ctx context.Context, sess domain.Session) (domain.Session, int, error) {
	if sess.EndedAt == nil {
		return domain.Session{}, 0, errors.New("ended session without endedAt")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Session{}, 0, fmt.Errorf("begin end session: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	saved, err := saveSession(ctx, tx, sess)
	if err != nil {
		return domain.Session{}, 0, err
	}
	query, args, err := sqlBuilder.Update("quiz_attempts").
		Set("status", string(domain.AttemptSubmitted)).
		Set("submitted_at", *sess.EndedAt).
		Set("version", squirrel.Expr("version + 1")).
		Where(squirrel.Eq{"session_id": sess.ID, "status": string(domain.AttemptActive)}).
		ToSql()
	if err != nil {
		return domain.Session{}, 0, fmt.Errorf("build finalize attempts: %w", err)
	}
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return domain.Session{}, 0, fmt.Errorf("finalize attempts: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Session{}, 0, fmt.Errorf("commit end session: %w", err)
	}
	return saved, int(tag.RowsAffected()), nil
}

func (s *Store) DeleteSession(ctx context.Context, id string, version int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM quiz_sessions WHERE id=$1 AND version=$2`, id, version)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return missingOrStale(ctx, s.pool, "quiz_sessions", squirrel.Eq{"id": id})
	}
	return nil
}

func (s *Store) ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]string, error) {
	q := sqlBuilder.Select("id").
		From("quiz_sessions").
		Where(squirrel.Eq{"status": string(domain.StatusActive)}).
		Where(squirrel.Lt{"ends_at": now}).
		OrderBy("ends_at ASC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list expired: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanSession(row pgx.Row) (domain.Session, error) {
	var (
		sess                    domain.Session
		status                  string
		questions, participants []byte
	)
	err := row.Scan(&sess.ID, &sess.OwnerID, &sess.Title, &sess.Topic, &sess.Difficulty, &sess.JoinCode, &status,
		&sess.DurationSec, &sess.AllowLateJoin, &sess.StartedAt, &sess.EndsAt, &sess.EndedAt,
		&questions, &participants, &sess.CreatedAt, &sess.UpdatedAt, &sess.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("scan session: %w", err)
	}
	sess.Status = domain.SessionStatus(status)
	if err := json.Unmarshal(questions, &sess.Questions); err != nil {
		return domain.Session{}, fmt.Errorf("unmarshal questions: %w", err)
	}
	if err := json.Unmarshal(participants, &sess.Participants); err != nil {
		return domain.Session{}, fmt.Errorf("unmarshal participants: %w", err)
	}
	return sess, nil
}

func encodeSessionDocs(sess domain.Session) (string, string, error) {
	questions := sess.Questions
	if questions == nil {
		questions = []domain.Question{}
	}
	participants := sess.Participants
	if participants == nil {
		participants = []domain.Participant{}
	}
	q, err := json.Marshal(questions)
	if err != nil {
		return "", "", fmt.Errorf("marshal questions: %w", err)
	}
	p, err := json.Marshal(participants)
	if err != nil {
		return "", "", fmt.Errorf("marshal participants: %w", err)
	}
	return string(q), string(p), nil
}

// missingOrStale tells a lost compare-and-set apart from a missing row.
func missingOrStale(ctx context.Context, q querier, table string, key squirrel.Eq) error {
	query, args, err := sqlBuilder.Select("1").From(table).Where(key).ToSql()
	if err != nil {
		return err
	}
	var one int
	err = q.QueryRow(ctx, query, args...).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return domain.ErrVersionConflict
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
