package app

import (
	"context"
	"errors"
	"time"

	"quiz-session-service/internal/domain"
	"quiz-session-service/internal/logging"
)

// CreateSession validates and stores a new draft session with a fresh join code.
func (s *Service) CreateSession(ctx context.Context, owner domain.Identity, in domain.NewSession) (domain.Session, error) {
	if owner.Role != domain.RoleTeacher && owner.Role != domain.RoleAdmin {
		return domain.Session{}, domain.ErrRoleNotAllowed.WithMessage("only teachers can create quizzes")
	}
	in, err := domain.NormalizeNewSession(in)
	if err != nil {
		return domain.Session{}, err
	}

	now := s.now()
	sess := domain.Session{
		ID:            s.newID(),
		OwnerID:       owner.UserID,
		Title:         in.Title,
		Topic:         in.Topic,
		Difficulty:    in.Difficulty,
		Status:        domain.StatusDraft,
		DurationSec:   in.DurationSec,
		AllowLateJoin: in.AllowLateJoin,
		Questions:     in.Questions,
		Participants:  []domain.Participant{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	for i := 0; i < s.settings.JoinCodeAttempts; i++ {
		code := s.newCode(s.settings.JoinCodeLength)
		if _, err := s.sessions.SessionIDByJoinCode(ctx, code); err == nil {
			continue
		} else if !errors.Is(err, domain.ErrNotFound) {
			return domain.Session{}, domain.Internal(err)
		}

		sess.JoinCode = code
		err := s.sessions.CreateSession(ctx, sess)
		if errors.Is(err, domain.ErrDuplicate) {
			// lost the race for this code to a concurrent create
			continue
		}
		if err != nil {
			return domain.Session{}, domain.Internal(err)
		}
		logging.FromContext(ctx).Info("session created", "session", sess.ID, "owner", owner.UserID, "questions", len(sess.Questions))
		return sess, nil
	}
	return domain.Session{}, domain.ErrJoinCodeExhausted
}

func (s *Service) getSession(ctx context.Context, id string) (domain.Session, error) {
	sess, err := s.sessions.GetSession(ctx, id)
	if err != nil {
		return domain.Session{}, sessionErr(err)
	}
	return sess, nil
}

// refreshLocked loads a session and, when its deadline has passed, ends it
// before returning. Callers must hold the session lock.
func (s *Service) refreshLocked(ctx context.Context, id string) (domain.Session, error) {
	sess, err := s.getSession(ctx, id)
	if err != nil {
		return domain.Session{}, err
	}
	now := s.now()
	if !sess.Expired(now) {
		return sess, nil
	}
	ended, _, err := s.finish(ctx, sess, now, true)
	return ended, err
}

// loadSession is refreshLocked for callers that do not hold the session lock.
// The lock is only taken when the session actually needs to expire.
func (s *Service) loadSession(ctx context.Context, id string) (domain.Session, error) {
	sess, err := s.getSession(ctx, id)
	if err != nil || !sess.Expired(s.now()) {
		return sess, err
	}

	unlock := s.sessionLocks.Lock(id)
	defer unlock()
	var out domain.Session
	err = s.retry(ctx, "expire", func() error {
		var err error
		out, err = s.refreshLocked(ctx, id)
		return err
	})
	return out, err
}

// finish moves sess to ended at now and finalizes its active attempts in the
// same store operation, then announces it.
func (s *Service) finish(ctx context.Context, sess domain.Session, now time.Time, auto bool) (domain.Session, int, error) {
	sess.Status = domain.StatusEnded
	sess.EndedAt = &now
	sess.UpdatedAt = now

	ended, finalized, err := s.sessions.EndSession(ctx, sess)
	if err != nil {
		return domain.Session{}, 0, sessionErr(err)
	}
	logging.FromContext(ctx).Info("session ended", "session", sess.ID, "auto", auto, "finalized", finalized)
	s.publish(ctx, sess.ID, domain.EventSessionEnded, domain.SessionEndedPayload{
		SessionID: sess.ID,
		Status:    domain.StatusEnded,
		EndedAt:   now,
		Finalized: finalized,
		Auto:      auto,
	})
	return ended, finalized, nil
}

// Start moves a draft session to active. Starting an active session returns
// its existing window.
func (s *Service) Start(ctx context.Context, id string, requester domain.Identity, delay time.Duration) (domain.StartResult, error) {
	unlock := s.sessionLocks.Lock(id)
	defer unlock()

	var res domain.StartResult
	err := s.retry(ctx, "start", func() error {
		sess, err := s.refreshLocked(ctx, id)
		if err != nil {
			return err
		}
		if !sess.IsOwner(requester.UserID) {
			return domain.ErrNotOwner.WithMessage("only the owner can start the quiz")
		}
		switch sess.Status {
		case domain.StatusEnded:
			return domain.ErrSessionEnded
		case domain.StatusActive:
			res = domain.StartResult{StartedAt: *sess.StartedAt, EndsAt: *sess.EndsAt, AlreadyActive: true}
			return nil
		}

		now := s.now()
		startedAt, endsAt := domain.Window(now, delay, sess.DurationSec)
		sess.Status = domain.StatusActive
		sess.StartedAt = &startedAt
		sess.EndsAt = &endsAt
		sess.UpdatedAt = now
		if _, err := s.sessions.SaveSession(ctx, sess); err != nil {
			return sessionErr(err)
		}

		res = domain.StartResult{StartedAt: startedAt, EndsAt: endsAt}
		logging.FromContext(ctx).Info("session started", "session", id, "endsAt", endsAt)
		s.publish(ctx, id, domain.EventSessionStarted, domain.SessionStartedPayload{
			SessionID: id,
			Status:    domain.StatusActive,
			StartedAt: startedAt,
			EndsAt:    endsAt,
		})
		return nil
	})
	return res, err
}

// End force-ends a session and finalizes every active attempt.
func (s *Service) End(ctx context.Context, id string, requester domain.Identity) (domain.EndResult, error) {
	unlock := s.sessionLocks.Lock(id)
	defer unlock()

	var res domain.EndResult
	err := s.retry(ctx, "end", func() error {
		sess, err := s.refreshLocked(ctx, id)
		if err != nil {
			return err
		}
		if !sess.IsOwner(requester.UserID) {
			return domain.ErrNotOwner.WithMessage("only the owner can end the quiz")
		}
		if sess.Status == domain.StatusEnded {
			res = domain.EndResult{EndedAt: *sess.EndedAt, AlreadyEnded: true}
			return nil
		}

		now := s.now()
		_, finalized, err := s.finish(ctx, sess, now, false)
		if err != nil {
			return err
		}
		res = domain.EndResult{EndedAt: now, Finalized: finalized}
		return nil
	})
	return res, err
}

// Status returns the current lifecycle snapshot. It may end an expired session.
func (s *Service) Status(ctx context.Context, id string) (domain.StatusView, error) {
	sess, err := s.loadSession(ctx, id)
	if err != nil {
		return domain.StatusView{}, err
	}
	now := s.now()
	return domain.StatusView{
		SessionID:    sess.ID,
		Title:        sess.Title,
		Topic:        sess.Topic,
		Status:       sess.Status,
		DurationSec:  sess.DurationSec,
		JoinCode:     sess.JoinCode,
		StartedAt:    sess.StartedAt,
		EndsAt:       sess.EndsAt,
		EndedAt:      sess.EndedAt,
		RemainingSec: remainingSec(sess, now),
		ServerTime:   now,
	}, nil
}

// JoinByCode resolves a join code and joins the matching session.
func (s *Service) JoinByCode(ctx context.Context, code string, who domain.Identity) (domain.JoinResult, error) {
	code = NormalizeJoinCode(code)
	id, err := s.codes.Resolve(ctx, code)
	if err != nil {
		return domain.JoinResult{}, sessionErr(err)
	}
	res, err := s.Join(ctx, id, who)
	if errors.Is(err, domain.ErrSessionNotFound) {
		s.codes.Forget(ctx, code)
	}
	return res, err
}

// Join adds the caller to the session's lobby.
func (s *Service) Join(ctx context.Context, id string, who domain.Identity) (domain.JoinResult, error) {
	unlock := s.sessionLocks.Lock(id)
	defer unlock()

	var res domain.JoinResult
	err := s.retry(ctx, "join", func() error {
		sess, err := s.refreshLocked(ctx, id)
		if err != nil {
			return err
		}
		if sess.Status == domain.StatusEnded {
			return domain.ErrSessionEnded
		}
		if sess.Status == domain.StatusActive && !sess.AllowLateJoin {
			return domain.ErrLateJoinClosed
		}

		attempt, err := s.attempts.GetAttempt(ctx, id, who.UserID)
		switch {
		case err == nil && attempt.Status == domain.AttemptSubmitted:
			return domain.ErrAlreadySubmitted
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return domain.Internal(err)
		}

		now := s.now()
		participant, added := addParticipant(&sess, who, now)
		if added {
			if sess, err = s.sessions.SaveSession(ctx, sess); err != nil {
				return sessionErr(err)
			}
		}

		res = domain.JoinResult{
			SessionID:   sess.ID,
			Title:       sess.Title,
			Topic:       sess.Topic,
			Status:      sess.Status,
			DurationSec: sess.DurationSec,
			StartedAt:   sess.StartedAt,
			EndsAt:      sess.EndsAt,
		}
		s.publish(ctx, id, domain.EventParticipantJoined, domain.ParticipantJoinedPayload{
			SessionID:   id,
			UserID:      participant.UserID,
			DisplayName: participant.DisplayName,
			JoinedAt:    participant.JoinedAt,
			Count:       len(sess.Participants),
		})
		return nil
	})
	return res, err
}

// Lobby returns the room snapshot for the owner, a participant or an admin.
func (s *Service) Lobby(ctx context.Context, id string, who domain.Identity) (domain.LobbySnapshot, error) {
	sess, err := s.loadSession(ctx, id)
	if err != nil {
		return domain.LobbySnapshot{}, err
	}
	isOwner := sess.IsOwner(who.UserID)
	if !isOwner && !isParticipant(sess, who.UserID) && who.Role != domain.RoleAdmin {
		return domain.LobbySnapshot{}, domain.ErrNotAllowed
	}
	now := s.now()
	return domain.LobbySnapshot{
		SessionID:    sess.ID,
		Title:        sess.Title,
		Topic:        sess.Topic,
		Status:       sess.Status,
		DurationSec:  sess.DurationSec,
		StartedAt:    sess.StartedAt,
		EndsAt:       sess.EndsAt,
		EndedAt:      sess.EndedAt,
		RemainingSec: remainingSec(sess, now),
		Participants: roster(sess),
		ServerTime:   now,
		YouAreOwner:  isOwner,
	}, nil
}

// QuestionSet is what a caller may see of a session's questions. Answers is
// only filled for the owner.
type QuestionSet struct {
	SessionID string                  `json:"sessionId"`
	Status    domain.SessionStatus    `json:"status"`
	Questions []domain.PublicQuestion `json:"questions"`
	Answers   []domain.Question       `json:"answers,omitempty"`
}

// Questions returns the question set visible to who.
func (s *Service) Questions(ctx context.Context, id string, who domain.Identity) (QuestionSet, error) {
	sess, err := s.loadSession(ctx, id)
	if err != nil {
		return QuestionSet{}, err
	}
	isOwner := sess.IsOwner(who.UserID)
	if !isOwner && !isParticipant(sess, who.UserID) && who.Role != domain.RoleAdmin {
		return QuestionSet{}, domain.ErrNotAllowed
	}
	if sess.Status == domain.StatusDraft && !isOwner {
		return QuestionSet{}, domain.ErrSessionNotStarted
	}
	set := QuestionSet{
		SessionID: sess.ID,
		Status:    sess.Status,
		Questions: domain.Redact(sess.Questions),
	}
	if isOwner {
		set.Answers = sess.Questions
	}
	return set, nil
}

// SetQuestions replaces the question set of a draft session.
func (s *Service) SetQuestions(ctx context.Context, id string, requester domain.Identity, questions []domain.Question) (int, error) {
	unlock := s.sessionLocks.Lock(id)
	defer unlock()

	var count int
	err := s.retry(ctx, "set-questions", func() error {
		sess, err := s.refreshLocked(ctx, id)
		if err != nil {
			return err
		}
		if !sess.IsOwner(requester.UserID) {
			return domain.ErrNotOwner.WithMessage("only the owner can change questions")
		}
		if sess.Status != domain.StatusDraft {
			return domain.ErrSessionNotDraft
		}
		normalized, err := domain.NormalizeQuestions(questions)
		if err != nil {
			return err
		}
		sess.Questions = normalized
		sess.UpdatedAt = s.now()
		if _, err := s.sessions.SaveSession(ctx, sess); err != nil {
			return sessionErr(err)
		}
		count = len(normalized)
		s.publish(ctx, id, domain.EventQuestionsUpdated, domain.QuestionsUpdatedPayload{SessionID: id, Count: count})
		return nil
	})
	return count, err
}

// GenerateQuestions asks the question generator for a fresh set and stores it.
func (s *Service) GenerateQuestions(ctx context.Context, id string, requester domain.Identity, count int, sourceText string) (int, error) {
	if s.generator == nil {
		return 0, domain.ErrGeneratorUnavailable
	}
	sess, err := s.loadSession(ctx, id)
	if err != nil {
		return 0, err
	}
	if !sess.IsOwner(requester.UserID) {
		return 0, domain.ErrNotOwner.WithMessage("only the owner can generate questions")
	}
	if sess.Status != domain.StatusDraft {
		return 0, domain.ErrSessionNotDraft
	}
	if count <= 0 {
		count = s.settings.GenerateCount
	}

	questions, err := s.generator.Generate(ctx, GenerateRequest{
		Title:      sess.Title,
		Topic:      sess.Topic,
		Difficulty: sess.Difficulty,
		Count:      count,
		SourceText: sourceText,
	})
	if err != nil {
		return 0, &domain.Error{Kind: domain.KindUnavailable, Code: "GENERATION_FAILED", Message: "question generation failed", Err: err}
	}
	return s.SetQuestions(ctx, id, requester, questions)
}

// DeleteSession removes a session that never left draft.
func (s *Service) DeleteSession(ctx context.Context, id string, requester domain.Identity) error {
	unlock := s.sessionLocks.Lock(id)
	defer unlock()

	return s.retry(ctx, "delete", func() error {
		sess, err := s.refreshLocked(ctx, id)
		if err != nil {
			return err
		}
		if !sess.IsOwner(requester.UserID) {
			return domain.ErrNotOwner.WithMessage("only the owner can delete the quiz")
		}
		if sess.Status != domain.StatusDraft {
			return domain.ErrSessionNotDraft
		}
		if err := s.sessions.DeleteSession(ctx, id, sess.Version); err != nil {
			return sessionErr(err)
		}
		s.codes.Forget(ctx, sess.JoinCode)
		logging.FromContext(ctx).Info("session deleted", "session", id)
		return nil
	})
}

// ExpireDue ends every active session whose deadline has passed. Expiry is
// also applied lazily on access; this only speeds it up for idle sessions.
func (s *Service) ExpireDue(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = 100
	}
	ids, err := s.sessions.ListExpiredSessions(ctx, s.now(), batch)
	if err != nil {
		return 0, domain.Internal(err)
	}
	ended := 0
	for _, id := range ids {
		expired, err := s.expire(ctx, id)
		if err != nil {
			logging.FromContext(ctx).Warn("expire session failed", "session", id, "err", err)
			continue
		}
		if expired {
			ended++
		}
	}
	return ended, nil
}

// expire ends id if it is still past its deadline and reports whether this
// call did the transition.
func (s *Service) expire(ctx context.Context, id string) (bool, error) {
	unlock := s.sessionLocks.Lock(id)
	defer unlock()

	expired := false
	err := s.retry(ctx, "sweep", func() error {
		sess, err := s.getSession(ctx, id)
		if err != nil {
			return err
		}
		now := s.now()
		if !sess.Expired(now) {
			return nil
		}
		if _, _, err := s.finish(ctx, sess, now, true); err != nil {
			return err
		}
		expired = true
		return nil
	})
	return expired, err
}

// remainingSec rounds the time left up to whole seconds.
func remainingSec(sess domain.Session, now time.Time) int {
	d := sess.Remaining(now)
	return int((d + time.Second - 1) / time.Second)
}
