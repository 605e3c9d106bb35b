package app

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"quiz-session-service/internal/domain"
	"quiz-session-service/internal/logging"

	"github.com/google/uuid"
)

// Settings bounds retries and result sizes.
type Settings struct {
	JoinCodeLength   int
	JoinCodeAttempts int
	WriteRetries     int
	LeaderboardLimit int
	GenerateCount    int
}

// DefaultSettings mirrors the values used when config leaves them unset.
func DefaultSettings() Settings {
	return Settings{
		JoinCodeLength:   6,
		JoinCodeAttempts: 5,
		WriteRetries:     5,
		LeaderboardLimit: 200,
		GenerateCount:    10,
	}
}

// Service contains the live quiz use cases: the session state machine, the
// participant registry and the attempt ledger.
type Service struct {
	sessions  SessionRepository
	attempts  AttemptRepository
	events    Broadcaster
	codes     JoinCodeResolver
	generator QuestionGenerator
	settings  Settings

	now     func() time.Time
	newID   func() string
	newCode func(n int) string

	sessionLocks *keyedMutex
	attemptLocks *keyedMutex
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now; tests use it for deterministic deadlines.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator replaces uuid-based record ids.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// WithJoinCodeGenerator replaces the random join code source.
func WithJoinCodeGenerator(fn func(n int) string) Option {
	return func(s *Service) { s.newCode = fn }
}

// WithJoinCodes installs a (cached) join code resolver.
func WithJoinCodes(r JoinCodeResolver) Option {
	return func(s *Service) { s.codes = r }
}

// WithGenerator installs the question generator.
func WithGenerator(g QuestionGenerator) Option {
	return func(s *Service) { s.generator = g }
}

// WithSettings overrides bounds; zero fields keep their defaults.
func WithSettings(in Settings) Option {
	return func(s *Service) {
		if in.JoinCodeLength > 0 {
			s.settings.JoinCodeLength = in.JoinCodeLength
		}
		if in.JoinCodeAttempts > 0 {
			s.settings.JoinCodeAttempts = in.JoinCodeAttempts
		}
		if in.WriteRetries > 0 {
			s.settings.WriteRetries = in.WriteRetries
		}
		if in.LeaderboardLimit > 0 {
			s.settings.LeaderboardLimit = in.LeaderboardLimit
		}
		if in.GenerateCount > 0 {
			s.settings.GenerateCount = in.GenerateCount
		}
	}
}

// NewService wires the use cases over the given stores and broadcaster.
func NewService(sessions SessionRepository, attempts AttemptRepository, events Broadcaster, opts ...Option) *Service {
	s := &Service{
		sessions:     sessions,
		attempts:     attempts,
		events:       events,
		settings:     DefaultSettings(),
		now:          time.Now,
		newID:        uuid.NewString,
		newCode:      randomJoinCode,
		sessionLocks: newKeyedMutex(),
		attemptLocks: newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.events == nil {
		s.events = nopBroadcaster{}
	}
	if s.codes == nil {
		s.codes = repoResolver{sessions: sessions}
	}
	return s
}

// retry reruns fn while the store reports a lost compare-and-set.
func (s *Service) retry(ctx context.Context, op string, fn func() error) error {
	for i := 0; i < s.settings.WriteRetries; i++ {
		err := fn()
		if !errors.Is(err, domain.ErrVersionConflict) {
			return err
		}
		logging.FromContext(ctx).Debug("version conflict, retrying", "op", op, "try", i+1)
	}
	logging.FromContext(ctx).Warn("giving up after version conflicts", "op", op)
	return domain.ErrConcurrentUpdate
}

func (s *Service) publish(ctx context.Context, sessionID, name string, payload any) {
	s.events.Publish(ctx, domain.Event{Name: name, SessionID: sessionID, Payload: payload})
}

// sessionErr converts store errors into command failures, keeping version
// conflicts intact for retry.
func sessionErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrVersionConflict):
		return err
	case errors.Is(err, domain.ErrNotFound):
		return domain.ErrSessionNotFound
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	return domain.Internal(err)
}

func attemptErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrVersionConflict):
		return err
	case errors.Is(err, domain.ErrNotFound):
		return domain.ErrAttemptNotFound
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	return domain.Internal(err)
}

const joinCodeAlphabet = "abcdefghijklmnopqrstuvwxyz"

var (
	codeRandMu sync.Mutex
	codeRand   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func randomJoinCode(n int) string {
	codeRandMu.Lock()
	defer codeRandMu.Unlock()
	var sb strings.Builder
	sb.Grow(n)
	for i := 0; i < n; i++ {
		sb.WriteByte(joinCodeAlphabet[codeRand.Intn(len(joinCodeAlphabet))])
	}
	return sb.String()
}

// NormalizeJoinCode folds user-typed codes to their stored form.
func NormalizeJoinCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
