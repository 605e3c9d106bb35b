package app

import (
	"context"
	"sort"
	"time"

	"quiz-session-service/internal/domain"
)

// Leaderboard ranks every attempt of a session: score desc, then earliest
// submission, then earliest start. Unsubmitted attempts rank after submitted
// ones with the same score.
func (s *Service) Leaderboard(ctx context.Context, id string, limit int) (domain.Leaderboard, error) {
	sess, err := s.loadSession(ctx, id)
	if err != nil {
		return domain.Leaderboard{}, err
	}
	attempts, err := s.attempts.ListSessionAttempts(ctx, id)
	if err != nil {
		return domain.Leaderboard{}, domain.Internal(err)
	}
	if limit <= 0 || limit > s.settings.LeaderboardLimit {
		limit = s.settings.LeaderboardLimit
	}

	sortAttempts(attempts)
	if len(attempts) > limit {
		attempts = attempts[:limit]
	}

	names := make(map[string]string, len(sess.Participants))
	for _, p := range sess.Participants {
		names[p.UserID] = p.DisplayName
	}
	entries := make([]domain.LeaderboardEntry, 0, len(attempts))
	for i, a := range attempts {
		entries = append(entries, domain.LeaderboardEntry{
			Rank:        i + 1,
			UserID:      a.UserID,
			DisplayName: names[a.UserID],
			Score:       a.Score,
			MaxScore:    a.MaxScore,
			Status:      a.Status,
			StartedAt:   a.StartedAt,
			SubmittedAt: a.SubmittedAt,
		})
	}
	return domain.Leaderboard{SessionID: id, Entries: entries, UpdatedAt: s.now()}, nil
}

func sortAttempts(attempts []domain.Attempt) {
	sort.SliceStable(attempts, func(i, j int) bool {
		a, b := attempts[i], attempts[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		switch {
		case a.SubmittedAt != nil && b.SubmittedAt != nil:
			if !a.SubmittedAt.Equal(*b.SubmittedAt) {
				return a.SubmittedAt.Before(*b.SubmittedAt)
			}
		case a.SubmittedAt != nil:
			return true
		case b.SubmittedAt != nil:
			return false
		}
		return a.StartedAt.Before(b.StartedAt)
	})
}

// MyResults lists the caller's finished attempts, newest first.
func (s *Service) MyResults(ctx context.Context, who domain.Identity) ([]domain.ResultSummary, error) {
	attempts, err := s.attempts.ListUserAttempts(ctx, who.UserID, domain.AttemptSubmitted)
	if err != nil {
		return nil, domain.Internal(err)
	}
	sort.SliceStable(attempts, func(i, j int) bool {
		return submittedAt(attempts[i]).After(submittedAt(attempts[j]))
	})

	sessions := make(map[string]domain.Session)
	out := make([]domain.ResultSummary, 0, len(attempts))
	for _, a := range attempts {
		sess, ok := sessions[a.SessionID]
		if !ok {
			if sess, err = s.sessions.GetSession(ctx, a.SessionID); err == nil {
				sessions[a.SessionID] = sess
			}
		}
		out = append(out, domain.ResultSummary{
			AttemptID:    a.ID,
			SessionID:    a.SessionID,
			SessionTitle: sess.Title,
			SessionTopic: sess.Topic,
			Score:        a.Score,
			MaxScore:     a.MaxScore,
			SubmittedAt:  submittedAt(a),
		})
	}
	return out, nil
}

func submittedAt(a domain.Attempt) time.Time {
	if a.SubmittedAt != nil {
		return *a.SubmittedAt
	}
	return a.StartedAt
}
