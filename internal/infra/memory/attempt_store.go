package memory

import (
	"context"
	"errors"
	"sort"

	"quiz-session-service/internal/domain"
)

var errEndedAtMissing = errors.New("ended session without endedAt")

func attemptKey(sessionID, userID string) string {
	return sessionID + "\x00" + userID
}

func (s *Store) CreateAttempt(_ context.Context, a domain.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := attemptKey(a.SessionID, a.UserID)
	if _, ok := s.attempts[key]; ok {
		return domain.ErrDuplicate
	}
	if sess, ok := s.sessions[a.SessionID]; ok && a.Status == domain.AttemptActive && sess.Status == domain.StatusEnded {
		return domain.ErrVersionConflict
	}
	a = a.Clone()
	a.Version = 1
	s.attempts[key] = a
	if s.byUser[a.UserID] == nil {
		s.byUser[a.UserID] = make(map[string]struct{})
	}
	s.byUser[a.UserID][key] = struct{}{}
	return nil
}

func (s *Store) GetAttempt(_ context.Context, sessionID, userID string) (domain.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attempts[attemptKey(sessionID, userID)]
	if !ok {
		return domain.Attempt{}, domain.ErrNotFound
	}
	return a.Clone(), nil
}

func (s *Store) SaveAttempt(_ context.Context, a domain.Attempt) (domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := attemptKey(a.SessionID, a.UserID)
	current, ok := s.attempts[key]
	if !ok {
		return domain.Attempt{}, domain.ErrNotFound
	}
	if current.Version != a.Version {
		return domain.Attempt{}, domain.ErrVersionConflict
	}
	a = a.Clone()
	a.Version++
	s.attempts[key] = a
	return a.Clone(), nil
}

func (s *Store) ListSessionAttempts(_ context.Context, sessionID string) ([]domain.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Attempt, 0)
	for _, a := range s.attempts {
		if a.SessionID == sessionID {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListUserAttempts(_ context.Context, userID string, status domain.AttemptStatus) ([]domain.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Attempt, 0, len(s.byUser[userID]))
	for key := range s.byUser[userID] {
		a := s.attempts[key]
		if status != "" && a.Status != status {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
