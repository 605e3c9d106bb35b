package domain

import "time"

// Room event names.
const (
	EventSessionStarted    = "session.started"
	EventSessionEnded      = "session.ended"
	EventParticipantJoined = "lobby.participant-joined"
	EventAnswerSubmitted   = "answer.submitted"
	EventAttemptSubmitted  = "attempt.submitted"
	EventQuestionsUpdated  = "questions.updated"
)

// Event is a message fanned out to every subscriber of a session's room.
type Event struct {
	Name      string `json:"type"`
	SessionID string `json:"sessionId"`
	Payload   any    `json:"payload"`
}

type SessionStartedPayload struct {
	SessionID string        `json:"sessionId"`
	Status    SessionStatus `json:"status"`
	StartedAt time.Time     `json:"startedAt"`
	EndsAt    time.Time     `json:"endsAt"`
}

type SessionEndedPayload struct {
	SessionID string        `json:"sessionId"`
	Status    SessionStatus `json:"status"`
	EndedAt   time.Time     `json:"endedAt"`
	Finalized int           `json:"finalized"`
	Auto      bool          `json:"auto"`
}

type ParticipantJoinedPayload struct {
	SessionID   string    `json:"sessionId"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	JoinedAt    time.Time `json:"joinedAt"`
	Count       int       `json:"count"`
}

type AnswerSubmittedPayload struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	QIndex    int    `json:"qIndex"`
	Score     int    `json:"score"`
}

type AttemptSubmittedPayload struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Score     int    `json:"score"`
	MaxScore  int    `json:"maxScore"`
	Auto      bool   `json:"auto"`
}

type QuestionsUpdatedPayload struct {
	SessionID string `json:"sessionId"`
	Count     int    `json:"count"`
}
