package app

import (
	"context"
	"errors"
	"fmt"

	"quiz-session-service/internal/domain"
	"quiz-session-service/internal/logging"
)

// StartAttempt returns the caller's attempt for an active session, creating
// it on first call. Concurrent first calls converge on a single record.
//
// The session lock is held throughout so End cannot finalize attempts between
// the status check and the insert. Across instances the store refuses to
// create an attempt for a session that is no longer active.
func (s *Service) StartAttempt(ctx context.Context, id string, who domain.Identity) (domain.AttemptStart, error) {
	unlock := s.sessionLocks.Lock(id)
	defer unlock()

	var res domain.AttemptStart
	err := s.retry(ctx, "start-attempt", func() error {
		sess, err := s.refreshLocked(ctx, id)
		if err != nil {
			return err
		}
		if sess.Status != domain.StatusActive {
			return domain.ErrSessionNotActive
		}
		if _, added := addParticipant(&sess, who, s.now()); added {
			if sess, err = s.sessions.SaveSession(ctx, sess); err != nil {
				return sessionErr(err)
			}
		}

		existing, err := s.attempts.GetAttempt(ctx, id, who.UserID)
		if err == nil {
			res = attemptStart(existing, sess, false)
			return nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Internal(err)
		}

		attempt := domain.Attempt{
			ID:        s.newID(),
			SessionID: id,
			UserID:    who.UserID,
			Status:    domain.AttemptActive,
			StartedAt: s.now(),
			Answers:   map[int]domain.Answer{},
			MaxScore:  sess.MaxScore(),
		}
		switch err := s.attempts.CreateAttempt(ctx, attempt); {
		case errors.Is(err, domain.ErrDuplicate):
			// another instance created it first; return the winner
			winner, err := s.attempts.GetAttempt(ctx, id, who.UserID)
			if err != nil {
				return attemptErr(err)
			}
			res = attemptStart(winner, sess, false)
			return nil
		case errors.Is(err, domain.ErrVersionConflict):
			// the session moved on underneath us; re-read it
			return err
		case err != nil:
			return domain.Internal(err)
		}

		logging.FromContext(ctx).Debug("attempt started", "session", id, "user", who.UserID, "maxScore", attempt.MaxScore)
		res = attemptStart(attempt, sess, true)
		return nil
	})
	return res, err
}

func attemptStart(a domain.Attempt, sess domain.Session, created bool) domain.AttemptStart {
	res := domain.AttemptStart{
		AttemptID: a.ID,
		StartedAt: a.StartedAt,
		MaxScore:  a.MaxScore,
		Created:   created,
	}
	if sess.EndsAt != nil {
		res.EndsAt = *sess.EndsAt
	}
	return res
}

// RecordAnswer upserts the answer for qIndex and recomputes the score.
func (s *Service) RecordAnswer(ctx context.Context, id, userID string, qIndex, selectedIndex int) (domain.AnswerResult, error) {
	sess, err := s.loadSession(ctx, id)
	if err != nil {
		return domain.AnswerResult{}, err
	}
	if sess.Status != domain.StatusActive {
		return domain.AnswerResult{}, domain.ErrSessionNotActive
	}

	unlock := s.attemptLocks.Lock(attemptKey(id, userID))
	defer unlock()

	var res domain.AnswerResult
	err = s.retry(ctx, "answer", func() error {
		if sess.Expired(s.now()) {
			// the deadline passed while we waited; make it official
			if _, err := s.loadSession(ctx, id); err != nil {
				return err
			}
			return domain.ErrSessionNotActive
		}

		attempt, err := s.attempts.GetAttempt(ctx, id, userID)
		if err != nil {
			return attemptErr(err)
		}
		if attempt.Status != domain.AttemptActive {
			return domain.ErrAttemptNotActive
		}
		if qIndex < 0 || qIndex >= len(sess.Questions) {
			return domain.BadRequest("INVALID_QINDEX", fmt.Sprintf("qIndex must be 0..%d", len(sess.Questions)-1))
		}
		q := sess.Questions[qIndex]
		if selectedIndex < 0 || selectedIndex >= len(q.Options) {
			return domain.BadRequest("INVALID_SELECTION", "selectedIndex out of range")
		}

		correct := selectedIndex == q.CorrectIndex
		awarded := 0
		if correct {
			awarded = q.Points
		}
		if attempt.Answers == nil {
			attempt.Answers = map[int]domain.Answer{}
		}
		attempt.Answers[qIndex] = domain.Answer{
			QIndex:        qIndex,
			SelectedIndex: selectedIndex,
			IsCorrect:     correct,
			PointsAwarded: awarded,
			AnsweredAt:    s.now(),
		}
		attempt.Recompute()

		saved, err := s.attempts.SaveAttempt(ctx, attempt)
		if err != nil {
			return attemptErr(err)
		}
		res = domain.AnswerResult{
			QIndex:        qIndex,
			IsCorrect:     correct,
			PointsAwarded: awarded,
			Score:         saved.Score,
			MaxScore:      saved.MaxScore,
		}
		s.publish(ctx, id, domain.EventAnswerSubmitted, domain.AnswerSubmittedPayload{
			SessionID: id,
			UserID:    userID,
			QIndex:    qIndex,
			Score:     saved.Score,
		})
		return nil
	})
	return res, err
}

// Submit finalizes the caller's attempt. Repeated calls return the final
// score without error.
func (s *Service) Submit(ctx context.Context, id, userID string, auto bool) (domain.SubmitResult, error) {
	if _, err := s.loadSession(ctx, id); err != nil {
		return domain.SubmitResult{}, err
	}

	unlock := s.attemptLocks.Lock(attemptKey(id, userID))
	defer unlock()

	var res domain.SubmitResult
	err := s.retry(ctx, "submit", func() error {
		attempt, err := s.attempts.GetAttempt(ctx, id, userID)
		if err != nil {
			return attemptErr(err)
		}
		if attempt.Status == domain.AttemptSubmitted {
			res = domain.SubmitResult{Score: attempt.Score, MaxScore: attempt.MaxScore, AlreadySubmitted: true}
			if attempt.SubmittedAt != nil {
				res.SubmittedAt = *attempt.SubmittedAt
			}
			return nil
		}

		now := s.now()
		attempt.Status = domain.AttemptSubmitted
		attempt.SubmittedAt = &now
		saved, err := s.attempts.SaveAttempt(ctx, attempt)
		if err != nil {
			return attemptErr(err)
		}
		res = domain.SubmitResult{Score: saved.Score, MaxScore: saved.MaxScore, SubmittedAt: now}
		logging.FromContext(ctx).Debug("attempt submitted", "session", id, "user", userID, "score", saved.Score, "auto", auto)
		s.publish(ctx, id, domain.EventAttemptSubmitted, domain.AttemptSubmittedPayload{
			SessionID: id,
			UserID:    userID,
			Score:     saved.Score,
			MaxScore:  saved.MaxScore,
			Auto:      auto,
		})
		return nil
	})
	return res, err
}
