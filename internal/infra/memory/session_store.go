package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"quiz-session-service/internal/domain"
)

// Store is an in-memory implementation of app.SessionRepository and
// app.AttemptRepository. Sessions and attempts share one lock so ending a
// session and finalizing its attempts is a single atomic step.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]domain.Session
	joinCodes map[string]string
	attempts  map[string]domain.Attempt
	byUser    map[string]map[string]struct{}
}

func NewStore() *Store {
	return &Store{
		sessions:  make(map[string]domain.Session),
		joinCodes: make(map[string]string),
		attempts:  make(map[string]domain.Attempt),
		byUser:    make(map[string]map[string]struct{}),
	}
}

func (s *Store) CreateSession(_ context.Context, sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return domain.ErrDuplicate
	}
	if _, ok := s.joinCodes[sess.JoinCode]; ok {
		return domain.ErrDuplicate
	}
	sess = sess.Clone()
	sess.Version = 1
	s.sessions[sess.ID] = sess
	s.joinCodes[sess.JoinCode] = sess.ID
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, domain.ErrNotFound
	}
	return sess.Clone(), nil
}

func (s *Store) SessionIDByJoinCode(_ context.Context, code string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.joinCodes[code]
	if !ok {
		return "", domain.ErrNotFound
	}
	return id, nil
}

func (s *Store) SaveSession(_ context.Context, sess domain.Session) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveSessionLocked(sess)
}

func (s *Store) saveSessionLocked(sess domain.Session) (domain.Session, error) {
	current, ok := s.sessions[sess.ID]
	if !ok {
		return domain.Session{}, domain.ErrNotFound
	}
	if current.Version != sess.Version {
		return domain.Session{}, domain.ErrVersionConflict
	}
	sess = sess.Clone()
	sess.JoinCode = current.JoinCode
	sess.Version++
	s.sessions[sess.ID] = sess
	return sess.Clone(), nil
}

func (s *Store) EndSession(_ context.Context, sess domain.Session) (domain.Session, int, error) {
	if sess.EndedAt == nil {
		return domain.Session{}, 0, domain.Internal(errEndedAtMissing)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	saved, err := s.saveSessionLocked(sess)
	if err != nil {
		return domain.Session{}, 0, err
	}
	finalized := 0
	for key, a := range s.attempts {
		if a.SessionID != sess.ID || a.Status != domain.AttemptActive {
			continue
		}
		at := *sess.EndedAt
		a.Status = domain.AttemptSubmitted
		a.SubmittedAt = &at
		a.Version++
		s.attempts[key] = a
		finalized++
	}
	return saved, finalized, nil
}

func (s *Store) DeleteSession(_ context.Context, id string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Version != version {
		return domain.ErrVersionConflict
	}
	delete(s.sessions, id)
	delete(s.joinCodes, current.JoinCode)
	for key, a := range s.attempts {
		if a.SessionID == id {
			delete(s.attempts, key)
			delete(s.byUser[a.UserID], key)
		}
	}
	return nil
}

func (s *Store) ListExpiredSessions(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, sess := range s.sessions {
		if sess.Expired(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}
