package domain

import "time"

// SessionStatus is the lifecycle state of a quiz session.
type SessionStatus string

const (
	StatusDraft  SessionStatus = "draft"
	StatusActive SessionStatus = "active"
	StatusEnded  SessionStatus = "ended"
)

// AttemptStatus is the lifecycle state of a participant's attempt.
type AttemptStatus string

const (
	AttemptActive    AttemptStatus = "active"
	AttemptSubmitted AttemptStatus = "submitted"
)

// Roles carried by authenticated identities.
const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
	RoleAdmin   = "admin"
)

// Difficulty levels accepted on session creation.
const (
	DifficultyEasy   = "easy"
	DifficultyMedium = "medium"
	DifficultyHard   = "hard"
)

// OptionsPerQuestion is the fixed number of choices on every question.
const OptionsPerQuestion = 4

// Identity is the authenticated caller of a command.
type Identity struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	Name   string `json:"name"`
}

// Question models an MCQ question with exactly one correct option.
type Question struct {
	Text         string   `json:"text"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correctIndex"`
	Points       int      `json:"points"` // defaults to 1 if zero
	Explanation  string   `json:"explanation,omitempty"`
}

// PublicQuestion is a question without its answer key.
type PublicQuestion struct {
	Text    string   `json:"text"`
	Options []string `json:"options"`
	Points  int      `json:"points"`
}

// Participant is a persisted member of a session's lobby.
type Participant struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// Session is one live run of a quiz.
type Session struct {
	ID            string        `json:"id"`
	OwnerID       string        `json:"ownerId"`
	Title         string        `json:"title"`
	Topic         string        `json:"topic"`
	Difficulty    string        `json:"difficulty"`
	JoinCode      string        `json:"joinCode"`
	Status        SessionStatus `json:"status"`
	DurationSec   int           `json:"durationSec"`
	AllowLateJoin bool          `json:"allowLateJoin"`
	StartedAt     *time.Time    `json:"startedAt,omitempty"`
	EndsAt        *time.Time    `json:"endsAt,omitempty"`
	EndedAt       *time.Time    `json:"endedAt,omitempty"`
	Questions     []Question    `json:"questions"`
	Participants  []Participant `json:"participants"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	Version       int64         `json:"version"`
}

// IsOwner reports whether userID created the session.
func (s Session) IsOwner(userID string) bool {
	return s.OwnerID != "" && s.OwnerID == userID
}

// MaxScore sums the points of the current question set.
func (s Session) MaxScore() int {
	total := 0
	for _, q := range s.Questions {
		total += q.Points
	}
	return total
}

// Clone returns a deep copy so callers never share slices or timestamps.
func (s Session) Clone() Session {
	out := s
	out.StartedAt = cloneTime(s.StartedAt)
	out.EndsAt = cloneTime(s.EndsAt)
	out.EndedAt = cloneTime(s.EndedAt)
	if s.Questions != nil {
		out.Questions = make([]Question, len(s.Questions))
		for i, q := range s.Questions {
			q.Options = append([]string(nil), q.Options...)
			out.Questions[i] = q
		}
	}
	if s.Participants != nil {
		out.Participants = append([]Participant(nil), s.Participants...)
	}
	return out
}

// Answer is the recorded choice for a single question.
type Answer struct {
	QIndex        int       `json:"qIndex"`
	SelectedIndex int       `json:"selectedIndex"`
	IsCorrect     bool      `json:"isCorrect"`
	PointsAwarded int       `json:"pointsAwarded"`
	AnsweredAt    time.Time `json:"answeredAt"`
}

// Attempt is one participant's run through one session.
type Attempt struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"sessionId"`
	UserID      string         `json:"userId"`
	Status      AttemptStatus  `json:"status"`
	StartedAt   time.Time      `json:"startedAt"`
	SubmittedAt *time.Time     `json:"submittedAt,omitempty"`
	Answers     map[int]Answer `json:"answers"`
	Score       int            `json:"score"`
	MaxScore    int            `json:"maxScore"`
	Version     int64          `json:"version"`
}

// Recompute sets Score to the sum of awarded points over all answers.
func (a *Attempt) Recompute() {
	total := 0
	for _, ans := range a.Answers {
		total += ans.PointsAwarded
	}
	a.Score = total
}

// Clone returns a deep copy of the attempt.
func (a Attempt) Clone() Attempt {
	out := a
	out.SubmittedAt = cloneTime(a.SubmittedAt)
	if a.Answers != nil {
		out.Answers = make(map[int]Answer, len(a.Answers))
		for k, v := range a.Answers {
			out.Answers[k] = v
		}
	}
	return out
}

// NewSession carries the caller-supplied fields of a session to create.
type NewSession struct {
	Title         string     `json:"title"`
	Topic         string     `json:"topic"`
	Difficulty    string     `json:"difficulty"`
	DurationSec   int        `json:"durationSec"`
	AllowLateJoin bool       `json:"allowLateJoin"`
	Questions     []Question `json:"questions"`
}

// StatusView is the result of a status poll.
type StatusView struct {
	SessionID    string        `json:"sessionId"`
	Title        string        `json:"title"`
	Topic        string        `json:"topic"`
	Status       SessionStatus `json:"status"`
	DurationSec  int           `json:"durationSec"`
	JoinCode     string        `json:"joinCode"`
	StartedAt    *time.Time    `json:"startedAt,omitempty"`
	EndsAt       *time.Time    `json:"endsAt,omitempty"`
	EndedAt      *time.Time    `json:"endedAt,omitempty"`
	RemainingSec int           `json:"remainingSec"`
	ServerTime   time.Time     `json:"serverTime"`
}

// RosterEntry is a participant as rendered in the lobby.
type RosterEntry struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// LobbySnapshot lets a (re)connected client resynchronize its view of a session.
type LobbySnapshot struct {
	SessionID    string        `json:"sessionId"`
	Title        string        `json:"title"`
	Topic        string        `json:"topic"`
	Status       SessionStatus `json:"status"`
	DurationSec  int           `json:"durationSec"`
	StartedAt    *time.Time    `json:"startedAt,omitempty"`
	EndsAt       *time.Time    `json:"endsAt,omitempty"`
	EndedAt      *time.Time    `json:"endedAt,omitempty"`
	RemainingSec int           `json:"remainingSec"`
	Participants []RosterEntry `json:"participants"`
	ServerTime   time.Time     `json:"serverTime"`
	YouAreOwner  bool          `json:"youAreOwner"`
}

// StartResult is returned by a start command.
type StartResult struct {
	StartedAt     time.Time `json:"startedAt"`
	EndsAt        time.Time `json:"endsAt"`
	AlreadyActive bool      `json:"alreadyActive"`
}

// EndResult is returned by an end command.
type EndResult struct {
	EndedAt      time.Time `json:"endedAt"`
	AlreadyEnded bool      `json:"alreadyEnded"`
	Finalized    int       `json:"finalized"`
}

// JoinResult is returned to a participant that joined a session.
type JoinResult struct {
	SessionID   string        `json:"sessionId"`
	Title       string        `json:"title"`
	Topic       string        `json:"topic"`
	Status      SessionStatus `json:"status"`
	DurationSec int           `json:"durationSec"`
	StartedAt   *time.Time    `json:"startedAt,omitempty"`
	EndsAt      *time.Time    `json:"endsAt,omitempty"`
}

// AttemptStart is returned when a participant starts (or resumes) an attempt.
type AttemptStart struct {
	AttemptID string    `json:"attemptId"`
	StartedAt time.Time `json:"startedAt"`
	EndsAt    time.Time `json:"endsAt"`
	MaxScore  int       `json:"maxScore"`
	Created   bool      `json:"created"`
}

// AnswerResult summarizes the outcome of a recorded answer.
type AnswerResult struct {
	QIndex        int  `json:"qIndex"`
	IsCorrect     bool `json:"isCorrect"`
	PointsAwarded int  `json:"pointsAwarded"`
	Score         int  `json:"score"`
	MaxScore      int  `json:"maxScore"`
}

// SubmitResult is the final score of an attempt.
type SubmitResult struct {
	Score            int       `json:"score"`
	MaxScore         int       `json:"maxScore"`
	SubmittedAt      time.Time `json:"submittedAt"`
	AlreadySubmitted bool      `json:"alreadySubmitted"`
}

// LeaderboardEntry is a snapshot-friendly view of an attempt.
type LeaderboardEntry struct {
	Rank        int           `json:"rank"`
	UserID      string        `json:"userId"`
	DisplayName string        `json:"displayName"`
	Score       int           `json:"score"`
	MaxScore    int           `json:"maxScore"`
	Status      AttemptStatus `json:"status"`
	StartedAt   time.Time     `json:"startedAt"`
	SubmittedAt *time.Time    `json:"submittedAt,omitempty"`
}

// Leaderboard captures the ordered scoreboard for a quiz session.
type Leaderboard struct {
	SessionID string             `json:"sessionId"`
	Entries   []LeaderboardEntry `json:"entries"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// ResultSummary is one finished attempt in a participant's history.
type ResultSummary struct {
	AttemptID    string    `json:"attemptId"`
	SessionID    string    `json:"sessionId"`
	SessionTitle string    `json:"sessionTitle"`
	SessionTopic string    `json:"sessionTopic"`
	Score        int       `json:"score"`
	MaxScore     int       `json:"maxScore"`
	SubmittedAt  time.Time `json:"submittedAt"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
