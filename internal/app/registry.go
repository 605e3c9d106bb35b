package app

import (
	"strings"
	"time"

	"quiz-session-service/internal/domain"
)

// addParticipant appends who to the roster unless already present, and
// returns the roster entry for who.
func addParticipant(sess *domain.Session, who domain.Identity, now time.Time) (domain.Participant, bool) {
	for _, p := range sess.Participants {
		if p.UserID == who.UserID {
			return p, false
		}
	}
	p := domain.Participant{
		UserID:      who.UserID,
		DisplayName: displayName(who),
		JoinedAt:    now,
	}
	sess.Participants = append(sess.Participants, p)
	return p, true
}

func isParticipant(sess domain.Session, userID string) bool {
	for _, p := range sess.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

func roster(sess domain.Session) []domain.RosterEntry {
	out := make([]domain.RosterEntry, 0, len(sess.Participants))
	for _, p := range sess.Participants {
		out = append(out, domain.RosterEntry{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			JoinedAt:    p.JoinedAt,
		})
	}
	return out
}

func displayName(who domain.Identity) string {
	if name := strings.TrimSpace(who.Name); name != "" {
		return name
	}
	return "(no name)"
}
