package app

import (
	"context"
	"time"

	"quiz-session-service/internal/domain"
)

// SessionRepository abstracts how quiz sessions are stored (in-memory, Postgres).
//
// Saves are compare-and-set on Session.Version: the stored version must equal
// the one passed in, and the returned copy carries the bumped version.
// Implementations return domain.ErrNotFound, domain.ErrDuplicate and
// domain.ErrVersionConflict.
type SessionRepository interface {
	CreateSession(ctx context.Context, s domain.Session) error
	GetSession(ctx context.Context, id string) (domain.Session, error)
	SessionIDByJoinCode(ctx context.Context, code string) (string, error)
	SaveSession(ctx context.Context, s domain.Session) (domain.Session, error)
	// EndSession saves an ended session and moves every active attempt of it to
	// submitted at s.EndedAt, atomically. It returns the finalized count.
	EndSession(ctx context.Context, s domain.Session) (domain.Session, int, error)
	DeleteSession(ctx context.Context, id string, version int64) error
	ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// AttemptRepository stores attempts with a unique (sessionID, userID) key.
// CreateAttempt returns ErrDuplicate when the key exists and
// ErrVersionConflict when an active attempt targets an ended session, checked
// atomically with EndSession.
type AttemptRepository interface {
	CreateAttempt(ctx context.Context, a domain.Attempt) error
	GetAttempt(ctx context.Context, sessionID, userID string) (domain.Attempt, error)
	SaveAttempt(ctx context.Context, a domain.Attempt) (domain.Attempt, error)
	ListSessionAttempts(ctx context.Context, sessionID string) ([]domain.Attempt, error)
	ListUserAttempts(ctx context.Context, userID string, status domain.AttemptStatus) ([]domain.Attempt, error)
}

// Broadcaster fans room events out to subscribers. Publishing happens after
// the change it describes is committed and never fails the command.
type Broadcaster interface {
	Publish(ctx context.Context, ev domain.Event)
}

// JoinCodeResolver maps a join code to a session id, possibly through a cache.
type JoinCodeResolver interface {
	Resolve(ctx context.Context, code string) (string, error)
	Forget(ctx context.Context, code string)
}

// GenerateRequest describes a batch of questions to generate for a session.
type GenerateRequest struct {
	Title      string
	Topic      string
	Difficulty string
	Count      int
	SourceText string
}

// QuestionGenerator produces validated question sets (AI backed in production).
type QuestionGenerator interface {
	Generate(ctx context.Context, req GenerateRequest) ([]domain.Question, error)
}

type nopBroadcaster struct{}

func (nopBroadcaster) Publish(context.Context, domain.Event) {}

// repoResolver resolves join codes straight from the session repository.
type repoResolver struct {
	sessions SessionRepository
}

func (r repoResolver) Resolve(ctx context.Context, code string) (string, error) {
	return r.sessions.SessionIDByJoinCode(ctx, code)
}

func (repoResolver) Forget(context.Context, string) {}
