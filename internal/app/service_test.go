package app_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/domain"
	"quiz-session-service/internal/infra/memory"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Publish(_ context.Context, ev domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Name
	}
	return out
}

func (r *recorder) count(name string) int {
	n := 0
	for _, got := range r.names() {
		if got == name {
			n++
		}
	}
	return n
}

type fixture struct {
	svc    *app.Service
	store  *memory.Store
	clock  *fakeClock
	events *recorder
}

var (
	teacher = domain.Identity{UserID: "teacher-1", Role: domain.RoleTeacher, Name: "Ms. Frizzle"}
	other   = domain.Identity{UserID: "teacher-2", Role: domain.RoleTeacher, Name: "Mr. Ratburn"}
	admin   = domain.Identity{UserID: "admin-1", Role: domain.RoleAdmin, Name: "Root"}
)

func student(n int) domain.Identity {
	return domain.Identity{UserID: fmt.Sprintf("student-%d", n), Role: domain.RoleStudent, Name: fmt.Sprintf("Student %d", n)}
}

func newFixture(t *testing.T, opts ...app.Option) *fixture {
	t.Helper()
	f := &fixture{
		store:  memory.NewStore(),
		clock:  &fakeClock{now: t0},
		events: &recorder{},
	}
	opts = append([]app.Option{app.WithClock(f.clock.Now)}, opts...)
	f.svc = app.NewService(f.store, f.store, f.events, opts...)
	return f
}

// sampleQuestions is worth 10 points: 3 + 5 + 2.
func sampleQuestions() []domain.Question {
	return []domain.Question{
		{Text: "2 + 2?", Options: []string{"3", "5", "4", "22"}, CorrectIndex: 2, Points: 3},
		{Text: "Capital of France?", Options: []string{"Paris", "Rome", "Berlin", "Madrid"}, CorrectIndex: 0, Points: 5},
		{Text: "H2O is?", Options: []string{"salt", "water", "air", "fire"}, CorrectIndex: 1, Points: 2},
	}
}

func (f *fixture) create(t *testing.T, lateJoin bool) domain.Session {
	t.Helper()
	sess, err := f.svc.CreateSession(context.Background(), teacher, domain.NewSession{
		Title:         "Warm-up",
		Topic:         "general",
		DurationSec:   900,
		AllowLateJoin: lateJoin,
		Questions:     sampleQuestions(),
	})
	require.NoError(t, err)
	return sess
}

// answerAll answers every question correctly.
func (f *fixture) answerAll(t *testing.T, id string, who domain.Identity) {
	t.Helper()
	for i, q := range sampleQuestions() {
		_, err := f.svc.RecordAnswer(context.Background(), id, who.UserID, i, q.CorrectIndex)
		require.NoError(t, err)
	}
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t)
	sess := f.create(t, false)

	assert.Equal(t, domain.StatusDraft, sess.Status)
	assert.Len(t, sess.JoinCode, 6)
	assert.Equal(t, domain.DifficultyMedium, sess.Difficulty)
	assert.Equal(t, 10, sess.MaxScore())
}

func TestCreateSessionRequiresTeacher(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateSession(context.Background(), student(1), domain.NewSession{
		Title: "x", Topic: "y", DurationSec: 60, Questions: sampleQuestions(),
	})
	require.ErrorIs(t, err, domain.ErrRoleNotAllowed)
}

func TestCreateSessionValidatesQuestions(t *testing.T) {
	f := newFixture(t)
	questions := sampleQuestions()
	questions[1].Options = questions[1].Options[:3]

	_, err := f.svc.CreateSession(context.Background(), teacher, domain.NewSession{
		Title: "x", Topic: "y", DurationSec: 60, Questions: questions,
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindBadRequest, domain.KindOf(err))
}

func TestCreateSessionJoinCodeExhausted(t *testing.T) {
	f := newFixture(t, app.WithJoinCodeGenerator(func(int) string { return "aaaaaa" }))
	f.create(t, false)

	_, err := f.svc.CreateSession(context.Background(), teacher, domain.NewSession{
		Title: "again", Topic: "y", DurationSec: 60, Questions: sampleQuestions(),
	})
	require.ErrorIs(t, err, domain.ErrJoinCodeExhausted)
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))
}

func TestCreateSessionRetriesCollidingCodes(t *testing.T) {
	codes := []string{"aaaaaa", "aaaaaa", "bbbbbb"}
	var mu sync.Mutex
	next := func(int) string {
		mu.Lock()
		defer mu.Unlock()
		c := codes[0]
		if len(codes) > 1 {
			codes = codes[1:]
		}
		return c
	}
	f := newFixture(t, app.WithJoinCodeGenerator(next))
	first := f.create(t, false)
	second := f.create(t, false)

	assert.Equal(t, "aaaaaa", first.JoinCode)
	assert.Equal(t, "bbbbbb", second.JoinCode)
}

func TestStartIsOwnerOnlyAndIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess := f.create(t, false)

	_, err := f.svc.Start(ctx, sess.ID, other, 0)
	require.ErrorIs(t, err, domain.ErrNotOwner)
	assert.Equal(t, domain.KindForbidden, domain.KindOf(err))

	first, err := f.svc.Start(ctx, sess.ID, teacher, 0)
	require.NoError(t, err)
	assert.False(t, first.AlreadyActive)
	assert.Equal(t, t0, first.StartedAt)
	assert.Equal(t, t0.Add(900*time.Second), first.EndsAt)

	f.clock.Advance(30 * time.Second)
	second, err := f.svc.Start(ctx, sess.ID, teacher, 0)
	require.NoError(t, err)
	assert.True(t, second.AlreadyActive)
	assert.Equal(t, first.StartedAt, second.StartedAt)
	assert.Equal(t, first.EndsAt, second.EndsAt)
	assert.Equal(t, 1, f.events.count(domain.EventSessionStarted))
}

func TestStartWithDelay(t *testing.T) {
	f := newFixture(t)
	sess := f.create(t, false)

	res, err := f.svc.Start(context.Background(), sess.ID, teacher, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(10*time.Second), res.StartedAt)
	assert.Equal(t, t0.Add(910*time.Second), res.EndsAt)
}

func TestConcurrentStartsAgree(t *testing.T) {
	f := newFixture(t)
	sess := f.create(t, false)

	const n = 16
	results := make([]domain.StartResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.Start(context.Background(), sess.ID, teacher, 0)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	fresh := 0
	for _, res := range results {
		assert.Equal(t, results[0].EndsAt, res.EndsAt)
		if !res.AlreadyActive {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
}

func TestStatusIsMonotonic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess := f.create(t, false)

	seen := []domain.SessionStatus{}
	record := func() {
		st, err := f.svc.Status(ctx, sess.ID)
		require.NoError(t, err)
		seen = append(seen, st.Status)
	}

	record()
	_, err := f.svc.Start(ctx, sess.ID, teacher, 0)
	require.NoError(t, err)
	record()
	_, err = f.svc.End(ctx, sess.ID, teacher)
	require.NoError(t, err)
	record()

	_, err = f.svc.Start(ctx, sess.ID, teacher, 0)
	require.ErrorIs(t, err, domain.ErrSessionEnded)
	record()

	assert.Equal(t, []domain.SessionStatus{domain.StatusDraft, domain.StatusActive, domain.StatusEnded, domain.StatusEnded}, seen)
}

func TestEndIsIdempotentAndFinalizes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess := f.create(t, false)
	_, err := f.svc.Start(ctx, sess.ID, teacher, 0)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		_, err := f.svc.StartAttempt(ctx, sess.ID, student(i))
		require.NoError(t, err)
	}
	_, err = f.svc.RecordAnswer(ctx, sess.ID, student(1).UserID, 1, 0)
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, sess.ID, student(3).UserID, false)
	require.NoError(t, err)

	_, err = f.svc.End(ctx, sess.ID, other)
	require.ErrorIs(t, err, domain.ErrNotOwner)

	f.clock.Advance(time.Minute)
	res, err := f.svc.End(ctx, sess.ID, teacher)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Finalized)
	assert.Equal(t, t0.Add(time.Minute), res.EndedAt)

	attempts, err := f.store.ListSessionAttempts(ctx, sess.ID)
	require.NoError(t, err)
	for _, a := range attempts {
		assert.Equal(t, domain.AttemptSubmitted, a.Status, a.UserID)
		require.NotNil(t, a.SubmittedAt)
	}
	a1, _ := f.store.GetAttempt(ctx, sess.ID, student(1).UserID)
	assert.Equal(t, 5, a1.Score)

	again, err := f.svc.End(ctx, sess.ID, teacher)
	require.NoError(t, err)
	assert.True(t, again.AlreadyEnded)
	assert.Equal(t, res.EndedAt, again.EndedAt)
	assert.Equal(t, 1, f.events.count(domain.EventSessionEnded))
}

func TestAutoExpiryAfterDeadline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess := f.create(t, false)

	_, err := f.svc.Join(ctx, sess.ID, student(1))
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, sess.ID, student(2))
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, sess.ID, teacher, 0)
	require.NoError(t, err)
	for i := 1; i <= 2; i++ {
		_, err := f.svc.StartAttempt(ctx, sess.ID, student(i))
		require.NoError(t, err)
	}
	_, err = f.svc.RecordAnswer(ctx, sess.ID, student(1).UserID, 0, 2)
	require.NoError(t, err)

	f.clock.Advance(900 * time.Second)
	st, err := f.svc.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, st.Status, "deadline itself is still active")

	f.clock.Advance(time.Second)
	st, err = f.svc.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEnded, st.Status)
	require.NotNil(t, st.EndedAt)

	attempts, err := f.store.ListSessionAttempts(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	for _, a := range attempts {
		assert.Equal(t, domain.AttemptSubmitted, a.Status)
	}

	f.events.mu.Lock()
	last := f.events.events[len(f.events.events)-1]
	f.events.mu.Unlock()
	require.Equal(t, domain.EventSessionEnded, last.Name)
	payload := last.Payload.(domain.SessionEndedPayload)
	assert.True(t, payload.Auto)
	assert.Equal(t, 2, payload.Finalized)
}

func TestExpiryIsCheckedBeforeOtherPreconditions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess := f.create(t, true)
	_, err := f.svc.Start(ctx, sess.ID, teacher, 0)
	require.NoError(t, err)
	f.clock.Advance(901 * time.Second)

	_, err = f.svc.Join(ctx, sess.ID, student(1))
	require.ErrorIs(t, err, domain.ErrSessionEnded)

	res, err := f.svc.End(ctx, sess.ID, teacher)
	require.NoError(t, err)
	assert.True(t, res.AlreadyEnded)

	_, err = f.svc.RecordAnswer(ctx, sess.ID, student(1).UserID, 0, 0)
	require.ErrorIs(t, err, domain.ErrSessionNotActive)
}

func TestExpireDueSweepsIdleSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.create(t, false)
	b := f.create(t, false)
	_, err := f.svc.Start(ctx, a.ID, teacher, 0)
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, b.ID, teacher, time.Hour)
	require.NoError(t, err)

	f.clock.Advance(20 * time.Minute)
	n, err := f.svc.ExpireDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.GetSession(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEnded, got.Status)
	got, err = f.store.GetSession(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
}

// staleListStore reports sessions as overdue even after another instance has
// already ended them.
type staleListStore struct {
	*memory.Store
	extra []string
}

func (s *staleListStore) ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ids, err := s.Store.ListExpiredSessions(ctx, now, limit)
	return append(ids, s.extra...), err
}

func TestExpireDueCountsOnlyItsOwnTransitions(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: t0}
	store := &staleListStore{Store: memory.NewStore()}
	events := &recorder{}
	svc := app.NewService(store, store, events, app.WithClock(clock.Now))

	newSession := func() domain.Session {
		sess, err := svc.CreateSession(ctx, teacher, domain.NewSession{Title: "x", Topic: "y", DurationSec: 60, Questions: sampleQuestions()})
		require.NoError(t, err)
		_, err = svc.Start(ctx, sess.ID, teacher, 0)
		require.NoError(t, err)
		return sess
	}
	overdue, alreadyEnded := newSession(), newSession()
	_, err := svc.End(ctx, alreadyEnded.ID, teacher)
	require.NoError(t, err)
	store.extra = []string{alreadyEnded.ID}

	clock.Advance(2 * time.Minute)
	n, err := svc.ExpireDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, events.count(domain.EventSessionEnded))

	store.extra = []string{overdue.ID, alreadyEnded.ID}
	n, err = svc.ExpireDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStatusReportsRemainingSeconds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess := f.create(t, false)

	st, err := f.svc.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Zero(t, st.RemainingSec, "drafts have no clock")

	_, err = f.svc.Start(ctx, sess.ID, teacher, 0)
	require.NoError(t, err)
	f.clock.Advance(100*time.Second + 500*time.Millisecond)
	st, err = f.svc.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 800, st.RemainingSec)
	snap, err := f.svc.Lobby(ctx, sess.ID, teacher)
	require.NoError(t, err)
	assert.Equal(t, 800, snap.RemainingSec)

	_, err = f.svc.End(ctx, sess.ID, teacher)
	require.NoError(t, err)
	st, err = f.svc.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Zero(t, st.RemainingSec)
}

func TestJoinRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	closed := f.create(t, false)
	open := f.create(t, true)

	for i := 0; i < 3; i++ {
		_, err := f.svc.Join(ctx, closed.ID, student(1))
		require.NoError(t, err)
	}
	got, _ := f.store.GetSession(ctx, closed.ID)
	assert.Len(t, got.Participants, 1, "join is idempotent")
	assert.Equal(t, 3, f.events.count(domain.EventParticipantJoined))

	_, err := f.svc.Start(ctx, closed.ID, teacher, 0)
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, closed.ID, student(2))
	require.ErrorIs(t, err, domain.ErrLateJoinClosed)

	_, err = f.svc.Start(ctx, open.ID, teacher, 0)
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, open.ID, student(2))
	require.NoError(t, err)

	_, err = f.svc.Join(ctx, "missing", student(2))
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestJoinAfterSubmitIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess := f.create(t, true)
	_, err := f.svc.Start(ctx, sess.ID, teacher, 0)
	require.NoError(t, err)

	_, err = f.svc.StartAttempt(ctx, sess.ID, student(1))
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, sess.ID, student(1).UserID, false)
	require.NoError(t, err)

	_, err = f.svc.Join(ctx, sess.ID, student(1))
	require.ErrorIs(t, err, domain.ErrAlreadySubmitted)
	de := domain.AsError(err)
	assert.Equal(t, domain.KindConflict, de.Kind)
	assert.Equal(t, "ALREADY_SUBMITTED", de.Code)
}

func TestJoinByCode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess := f.create(t, false)

	res, err := f.svc.JoinByCode(ctx, "  "+sess.JoinCode+" ", student(1))
	require.NoError(t, err)
	assert.Equal(t, sess.ID, res.SessionID)

	_, err = f.svc.JoinByCode(ctx, "nope", student(1))
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestConcurrentStartAttemptCreatesOne(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess := f.create(t, false)
	_, err := f.svc.Start(ctx, sess.ID, teacher, 0)
	require.NoError(t, err)

	const n = 20
	results := make([]domain.AttemptStart, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.StartAttempt(ctx, sess.ID, student(1))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	created := 0
	for _, res := range results {
		assert.Equal(t, results[0].AttemptID, res.AttemptID)
		assert.Equal(t, 10, res.MaxScore)
		assert.Equal(t, t0.Add(900*time.Second), res.EndsAt)
		if res.Created {
			created++
		}
	}
	assert.Equal(t, 1, created)

	attempts, err := f.store.ListSessionAttempts(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
	got, _ := f.store.GetSession(ctx, sess.ID)
	assert.Len(t, got.Participants, 1, "startAttempt registers the participant once")
}

func TestStartAttemptRequiresActiveSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess := f.create(t, false)

	_, err := f.svc.StartAttempt(ctx, sess.ID, student(1))
	require.ErrorIs(t, err, domain.ErrSessionNotActive)
}

func TestRecordAnswerRecomputesScore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess := f.create(t, false)
	_, err := f.svc.Start(ctx, sess.ID, teacher, 0)
	require.NoError(t, err)
	_, err = f.svc.StartAttempt(ctx, sess.ID, student(1))
	require.NoError(t, err)

	res, err := f.svc.RecordAnswer(ctx, sess.ID, student(1).UserID, 0, 2)
	require.NoError(t, err)
	assert.True(t, res.IsCorrect)
	assert.Equal(t, 3, res.PointsAwarded)
	assert.Equal(t, 3, res.Score)

	res, err = f.svc.RecordAnswer(ctx, sess.ID, student(1).UserID, 0, 1)
	require.NoError(t, err)
	assert.False(t, res.IsCorrect)
	assert.Equal(t, 0, res.PointsAwarded)
	assert.Equal(t, 0, res.Score)

	a, err := f.store.GetAttempt(ctx, sess.ID, student(1).UserID)
	require.NoError(t, err)
	assert.Len(t, a.Answers, 1)
	assert.Equal(t, 1, a.Answers[0].SelectedIndex)
}

func TestRecordAnswerValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess := f.create(t, false)
	_, err := f.svc.Start(ctx, sess.ID, teacher, 0)
	require.NoError(t, err)

	_, err = f.svc.RecordAnswer(ctx, sess.ID, student(1).UserID, 0, 0)
	require.ErrorIs(t, err, domain.ErrAttemptNotFound)

	_, err = f.svc.StartAttempt(ctx, sess.ID, student(1))
	require.NoError(t, err)

	tests := []struct {
		name     string
		qIndex   int
		selected int
		code     string
	}{
		{"negative question", -1, 0, "INVALID_QINDEX"},
		{"question past end", 3, 0, "INVALID_QINDEX"},
		{"negative option", 0, -1, "INVALID_SELECTION"},
		{"option past end", 0, 4, "INVALID_SELECTION"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.RecordAnswer(ctx, sess.ID, student(1).UserID, tt.qIndex, tt.selected)
			de := domain.AsError(err)
			assert.Equal(t, domain.KindBadRequest, de.Kind)
			assert.Equal(t, tt.code, de.Code)
		})
	}

	_, err = f.svc.Submit(ctx, sess.ID, student(1).UserID, false)
	require.NoError(t, err)
	_, err = f.svc.RecordAnswer(ctx, sess.ID, student(1).UserID, 0, 2)
	require.ErrorIs(t, err, domain.ErrAttemptNotActive)
}

func TestSubmitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess := f.create(t, false)
	_, err := f.svc.Start(ctx, sess.ID, teacher, 0)
	require.NoError(t, err)
	_, err = f.svc.StartAttempt(ctx, sess.ID, student(1))
	require.NoError(t, err)
	f.answerAll(t, sess.ID, student(1))

	f.clock.Advance(time.Minute)
	first, err := f.svc.Submit(ctx, sess.ID, student(1).UserID, false)
	require.NoError(t, err)
	assert.Equal(t, 10, first.Score)
	assert.False(t, first.AlreadySubmitted)

	f.clock.Advance(time.Minute)
	second, err := f.svc.Submit(ctx, sess.ID, student(1).UserID, false)
	require.NoError(t, err)
	assert.True(t, second.AlreadySubmitted)
	assert.Equal(t, first.Score, second.Score)
	assert.Equal(t, first.SubmittedAt, second.SubmittedAt)
	assert.Equal(t, 1, f.events.count(domain.EventAttemptSubmitted))
}

func TestLeaderboardOrdering(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess := f.create(t, false)
	_, err := f.svc.Start(ctx, sess.ID, teacher, 0)
	require.NoError(t, err)

	for i := 1; i <= 4; i++ {
		_, err := f.svc.StartAttempt(ctx, sess.ID, student(i))
		require.NoError(t, err)
	}
	f.answerAll(t, sess.ID, student(2))
	f.answerAll(t, sess.ID, student(1))
	f.answerAll(t, sess.ID, student(4))
	_, err = f.svc.RecordAnswer(ctx, sess.ID, student(3).UserID, 1, 0)
	require.NoError(t, err)
	_, err = f.svc.RecordAnswer(ctx, sess.ID, student(3).UserID, 2, 1)
	require.NoError(t, err)

	// student 1 submits first with the same score as student 2
	f.clock.Advance(time.Second)
	_, err = f.svc.Submit(ctx, sess.ID, student(1).UserID, false)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.svc.Submit(ctx, sess.ID, student(2).UserID, false)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.svc.Submit(ctx, sess.ID, student(3).UserID, false)
	require.NoError(t, err)

	lb, err := f.svc.Leaderboard(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, lb.Entries, 4)

	type row struct {
		user  string
		score int
	}
	got := make([]row, len(lb.Entries))
	for i, e := range lb.Entries {
		got[i] = row{e.UserID, e.Score}
		assert.Equal(t, i+1, e.Rank)
	}
	assert.Equal(t, []row{
		{student(1).UserID, 10},
		{student(2).UserID, 10},
		{student(4).UserID, 10},
		{student(3).UserID, 7},
	}, got)
	assert.Equal(t, "Student 1", lb.Entries[0].DisplayName)
	assert.Equal(t, domain.AttemptActive, lb.Entries[2].Status)

	capped, err := f.svc.Leaderboard(ctx, sess.ID, 2)
	require.NoError(t, err)
	assert.Len(t, capped.Entries, 2)
}

func TestLobbyAccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess := f.create(t, false)
	_, err := f.svc.Join(ctx, sess.ID, student(1))
	require.NoError(t, err)

	snap, err := f.svc.Lobby(ctx, sess.ID, teacher)
	require.NoError(t, err)
	assert.True(t, snap.YouAreOwner)
	require.Len(t, snap.Participants, 1)
	assert.Equal(t, "Student 1", snap.Participants[0].DisplayName)
	assert.Equal(t, t0, snap.ServerTime)

	snap, err = f.svc.Lobby(ctx, sess.ID, student(1))
	require.NoError(t, err)
	assert.False(t, snap.YouAreOwner)

	_, err = f.svc.Lobby(ctx, sess.ID, admin)
	require.NoError(t, err)

	_, err = f.svc.Lobby(ctx, sess.ID, student(2))
	require.ErrorIs(t, err, domain.ErrNotAllowed)
}

func TestQuestionsAreRedactedForParticipants(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess := f.create(t, false)
	_, err := f.svc.Join(ctx, sess.ID, student(1))
	require.NoError(t, err)

	_, err = f.svc.Questions(ctx, sess.ID, student(1))
	require.ErrorIs(t, err, domain.ErrSessionNotStarted)

	owner, err := f.svc.Questions(ctx, sess.ID, teacher)
	require.NoError(t, err)
	require.Len(t, owner.Answers, 3)
	assert.Equal(t, 2, owner.Answers[0].CorrectIndex)

	_, err = f.svc.Start(ctx, sess.ID, teacher, 0)
	require.NoError(t, err)
	set, err := f.svc.Questions(ctx, sess.ID, student(1))
	require.NoError(t, err)
	assert.Len(t, set.Questions, 3)
	assert.Nil(t, set.Answers)

	_, err = f.svc.Questions(ctx, sess.ID, student(9))
	require.ErrorIs(t, err, domain.ErrNotAllowed)
}

func TestSetQuestionsOnlyInDraft(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess := f.create(t, false)

	replacement := sampleQuestions()[:1]
	replacement[0].Points = 0
	n, err := f.svc.SetQuestions(ctx, sess.ID, teacher, replacement)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, _ := f.store.GetSession(ctx, sess.ID)
	assert.Equal(t, 1, got.MaxScore(), "zero points default to one")

	_, err = f.svc.SetQuestions(ctx, sess.ID, other, replacement)
	require.ErrorIs(t, err, domain.ErrNotOwner)

	_, err = f.svc.Start(ctx, sess.ID, teacher, 0)
	require.NoError(t, err)
	_, err = f.svc.SetQuestions(ctx, sess.ID, teacher, replacement)
	require.ErrorIs(t, err, domain.ErrSessionNotDraft)
}

type stubGenerator struct {
	req app.GenerateRequest
	err error
}

func (g *stubGenerator) Generate(_ context.Context, req app.GenerateRequest) ([]domain.Question, error) {
	g.req = req
	if g.err != nil {
		return nil, g.err
	}
	return sampleQuestions()[:req.Count], nil
}

func TestGenerateQuestions(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t)
	sess := f.create(t, false)
	_, err := f.svc.GenerateQuestions(ctx, sess.ID, teacher, 2, "")
	require.ErrorIs(t, err, domain.ErrGeneratorUnavailable)

	gen := &stubGenerator{}
	f = newFixture(t, app.WithGenerator(gen))
	sess = f.create(t, false)
	n, err := f.svc.GenerateQuestions(ctx, sess.ID, teacher, 2, "chapter 1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "general", gen.req.Topic)
	assert.Equal(t, "chapter 1", gen.req.SourceText)

	gen.err = fmt.Errorf("model overloaded")
	_, err = f.svc.GenerateQuestions(ctx, sess.ID, teacher, 2, "")
	assert.Equal(t, domain.KindUnavailable, domain.KindOf(err))
}

func TestDeleteSessionOnlyInDraft(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	draft := f.create(t, false)
	started := f.create(t, false)
	_, err := f.svc.Start(ctx, started.ID, teacher, 0)
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.DeleteSession(ctx, draft.ID, other), domain.ErrNotOwner)
	require.NoError(t, f.svc.DeleteSession(ctx, draft.ID, teacher))
	_, err = f.svc.Status(ctx, draft.ID)
	require.ErrorIs(t, err, domain.ErrSessionNotFound)

	require.ErrorIs(t, f.svc.DeleteSession(ctx, started.ID, teacher), domain.ErrSessionNotDraft)
}

func TestMyResults(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.create(t, false)
	second := f.create(t, false)
	for _, sess := range []domain.Session{first, second} {
		_, err := f.svc.Start(ctx, sess.ID, teacher, 0)
		require.NoError(t, err)
		_, err = f.svc.StartAttempt(ctx, sess.ID, student(1))
		require.NoError(t, err)
	}
	f.answerAll(t, first.ID, student(1))
	_, err := f.svc.Submit(ctx, first.ID, student(1).UserID, false)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.svc.Submit(ctx, second.ID, student(1).UserID, false)
	require.NoError(t, err)

	results, err := f.svc.MyResults(ctx, student(1))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, second.ID, results[0].SessionID)
	assert.Equal(t, 0, results[0].Score)
	assert.Equal(t, first.ID, results[1].SessionID)
	assert.Equal(t, 10, results[1].Score)
	assert.Equal(t, "Warm-up", results[1].SessionTitle)
}

// conflictingStore fails the first n attempt saves with a version conflict.
type conflictingStore struct {
	*memory.Store
	mu        sync.Mutex
	conflicts int
}

func (s *conflictingStore) SaveAttempt(ctx context.Context, a domain.Attempt) (domain.Attempt, error) {
	s.mu.Lock()
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return domain.Attempt{}, domain.ErrVersionConflict
	}
	s.mu.Unlock()
	return s.Store.SaveAttempt(ctx, a)
}

func TestWritesRetryOnVersionConflict(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: t0}
	store := &conflictingStore{Store: memory.NewStore()}
	svc := app.NewService(store, store, nil, app.WithClock(clock.Now), app.WithSettings(app.Settings{WriteRetries: 3}))

	sess, err := svc.CreateSession(ctx, teacher, domain.NewSession{Title: "x", Topic: "y", DurationSec: 60, Questions: sampleQuestions()})
	require.NoError(t, err)
	_, err = svc.Start(ctx, sess.ID, teacher, 0)
	require.NoError(t, err)
	_, err = svc.StartAttempt(ctx, sess.ID, student(1))
	require.NoError(t, err)

	store.conflicts = 2
	res, err := svc.RecordAnswer(ctx, sess.ID, student(1).UserID, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Score)

	store.conflicts = 10
	_, err = svc.RecordAnswer(ctx, sess.ID, student(1).UserID, 1, 0)
	require.ErrorIs(t, err, domain.ErrConcurrentUpdate)
}
