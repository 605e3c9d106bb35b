package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/domain"
	"quiz-session-service/internal/infra/memory"
)

// requireNoActiveAttempts checks that ending a session left nothing open.
func requireNoActiveAttempts(t *testing.T, store *memory.Store, sessionID string) []domain.Attempt {
	t.Helper()
	attempts, err := store.ListSessionAttempts(context.Background(), sessionID)
	require.NoError(t, err)
	for _, a := range attempts {
		require.Equal(t, domain.AttemptSubmitted, a.Status, "attempt of %s still active after end", a.UserID)
		require.NotNil(t, a.SubmittedAt)
	}
	return attempts
}

// secondInstance is another service over the same store with its own locks,
// the way two server processes share one database.
func (f *fixture) secondInstance() *app.Service {
	return app.NewService(f.store, f.store, f.events, app.WithClock(f.clock.Now), app.WithSettings(app.Settings{WriteRetries: 100}))
}

func TestStartAttemptRacingEndLeavesNoActiveAttempt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, app.WithSettings(app.Settings{WriteRetries: 100}))
	peer := f.secondInstance()
	sess := f.create(t, false)
	_, err := f.svc.Start(ctx, sess.ID, teacher, 0)
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 1; i <= n; i++ {
		svc := f.svc
		if i%2 == 0 {
			svc = peer
		}
		wg.Add(1)
		go func(svc *app.Service, who domain.Identity) {
			defer wg.Done()
			<-start
			_, err := svc.StartAttempt(ctx, sess.ID, who)
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrSessionNotActive)
			}
		}(svc, student(i))
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		_, err := peer.End(ctx, sess.ID, teacher)
		assert.NoError(t, err)
	}()
	close(start)
	wg.Wait()

	requireNoActiveAttempts(t, f.store, sess.ID)
	assert.Equal(t, 1, f.events.count(domain.EventSessionEnded))
}

// endingStore ends the session through another instance the first time an
// attempt is looked up, landing End between StartAttempt's status check and
// its insert.
type endingStore struct {
	*memory.Store
	once sync.Once
	end  func()
}

func (s *endingStore) GetAttempt(ctx context.Context, sessionID, userID string) (domain.Attempt, error) {
	if s.end != nil {
		s.once.Do(s.end)
	}
	return s.Store.GetAttempt(ctx, sessionID, userID)
}

func TestStartAttemptLosesToEndOnAnotherInstance(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: t0}
	base := memory.NewStore()
	store := &endingStore{Store: base}
	svc := app.NewService(store, store, nil, app.WithClock(clock.Now))
	peer := app.NewService(base, base, nil, app.WithClock(clock.Now))

	sess, err := svc.CreateSession(ctx, teacher, domain.NewSession{Title: "x", Topic: "y", DurationSec: 60, Questions: sampleQuestions()})
	require.NoError(t, err)
	_, err = svc.Start(ctx, sess.ID, teacher, 0)
	require.NoError(t, err)
	store.end = func() {
		_, err := peer.End(ctx, sess.ID, teacher)
		require.NoError(t, err)
	}

	_, err = svc.StartAttempt(ctx, sess.ID, student(1))
	require.ErrorIs(t, err, domain.ErrSessionNotActive)

	_, err = base.GetAttempt(ctx, sess.ID, student(1).UserID)
	assert.ErrorIs(t, err, domain.ErrNotFound, "no attempt may be created after end")
}

func TestRecordAnswerRacingEndKeepsScoresConsistent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess := f.create(t, false)
	_, err := f.svc.Start(ctx, sess.ID, teacher, 0)
	require.NoError(t, err)
	const n = 6
	for i := 1; i <= n; i++ {
		_, err := f.svc.StartAttempt(ctx, sess.ID, student(i))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(who domain.Identity) {
			defer wg.Done()
			<-start
			for round := 0; round < 5; round++ {
				for q, question := range sampleQuestions() {
					_, err := f.svc.RecordAnswer(ctx, sess.ID, who.UserID, q, (question.CorrectIndex+round)%len(question.Options))
					if err != nil {
						assert.True(t, errors.Is(err, domain.ErrSessionNotActive) || errors.Is(err, domain.ErrAttemptNotActive), "unexpected error: %v", err)
						return
					}
				}
			}
		}(student(i))
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		_, err := f.svc.End(ctx, sess.ID, teacher)
		assert.NoError(t, err)
	}()
	close(start)
	wg.Wait()

	for _, a := range requireNoActiveAttempts(t, f.store, sess.ID) {
		sum := 0
		for _, ans := range a.Answers {
			sum += ans.PointsAwarded
		}
		assert.Equal(t, sum, a.Score, a.UserID)
	}

	_, err = f.svc.RecordAnswer(ctx, sess.ID, student(1).UserID, 0, 0)
	assert.ErrorIs(t, err, domain.ErrSessionNotActive)
}

func TestConcurrentAnswersToSameQuestionKeepOne(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess := f.create(t, false)
	_, err := f.svc.Start(ctx, sess.ID, teacher, 0)
	require.NoError(t, err)
	_, err = f.svc.StartAttempt(ctx, sess.ID, student(1))
	require.NoError(t, err)

	q := sampleQuestions()[1]
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(choice int) {
			defer wg.Done()
			_, err := f.svc.RecordAnswer(ctx, sess.ID, student(1).UserID, 1, choice)
			assert.NoError(t, err)
		}(i % len(q.Options))
	}
	wg.Wait()

	a, err := f.store.GetAttempt(ctx, sess.ID, student(1).UserID)
	require.NoError(t, err)
	require.Len(t, a.Answers, 1)
	final := a.Answers[1]
	assert.Equal(t, final.SelectedIndex == q.CorrectIndex, final.IsCorrect)
	assert.Equal(t, final.PointsAwarded, a.Score)
	assert.Equal(t, 20, f.events.count(domain.EventAnswerSubmitted))
}

func TestSubmitRacingEndFinalizesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess := f.create(t, false)
	_, err := f.svc.Start(ctx, sess.ID, teacher, 0)
	require.NoError(t, err)
	_, err = f.svc.StartAttempt(ctx, sess.ID, student(1))
	require.NoError(t, err)
	f.answerAll(t, sess.ID, student(1))

	var (
		wg      sync.WaitGroup
		results = make([]domain.SubmitResult, 4)
	)
	start := make(chan struct{})
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			res, err := f.svc.Submit(ctx, sess.ID, student(1).UserID, false)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		_, err := f.svc.End(ctx, sess.ID, teacher)
		assert.NoError(t, err)
	}()
	close(start)
	wg.Wait()

	attempts := requireNoActiveAttempts(t, f.store, sess.ID)
	require.Len(t, attempts, 1)
	fresh := 0
	for _, res := range results {
		assert.Equal(t, 10, res.Score)
		assert.Equal(t, *attempts[0].SubmittedAt, res.SubmittedAt)
		if !res.AlreadySubmitted {
			fresh++
		}
	}
	assert.LessOrEqual(t, fresh, 1)
	assert.Equal(t, fresh, f.events.count(domain.EventAttemptSubmitted))
}
