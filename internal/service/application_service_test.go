package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"rpportal/internal/cache"
	"rpportal/internal/featureflags"
	"rpportal/internal/models"
	"rpportal/internal/repository"
	"rpportal/internal/workflow"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []ApplicationEvent
	panics bool
}

func (e *recordingEmitter) ApplicationTransitioned(_ context.Context, event ApplicationEvent) {
	e.mu.Lock()
	e.events = append(e.events, event)
	e.mu.Unlock()
	if e.panics {
		panic("webhook exploded")
	}
}

func (e *recordingEmitter) Events() []ApplicationEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ApplicationEvent(nil), e.events...)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func setupService(t *testing.T, opts ...ApplicationServiceOption) (*ApplicationService, *fakeClock, *recordingEmitter) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.Application{}, &models.ApplicationStatusEntry{}))

	clock := &fakeClock{t: time.Date(2026, time.March, 5, 9, 0, 0, 0, time.UTC)}
	emitter := &recordingEmitter{}
	all := append([]ApplicationServiceOption{WithClock(clock.Now), WithEmitter(emitter)}, opts...)
	svc := NewApplicationService(repository.NewApplicationRepository(db), workflow.DefaultCatalog(), all...)
	return svc, clock, emitter
}

func entryData() json.RawMessage {
	return json.RawMessage(`{"character_name":"Jane Doe","department":"LSPD","motivation":"Serve the city"}`)
}

func leaveData() json.RawMessage {
	return json.RawMessage(`{"start_date":"2026-03-10","end_date":"2026-03-20","reason":"Holiday"}`)
}

func ptr[T any](v T) *T { return &v }

func TestApplicationService_MarchScenario(t *testing.T) {
	svc, clock, emitter := setupService(t)
	ctx := context.Background()
	user := uuid.New()
	reviewer := uuid.New()

	var created []*models.Application
	for i := 0; i < 3; i++ {
		clock.t = clock.t.Add(time.Hour)
		app, err := svc.Create(ctx, CreateApplicationInput{AuthorID: user, Type: models.ApplicationTypeEntry, Data: entryData()})
		require.NoError(t, err)
		assert.Equal(t, models.ApplicationStatusPending, app.Status)
		require.Len(t, app.StatusHistory, 1)
		assert.Equal(t, models.ApplicationStatusPending, app.StatusHistory[0].Status)
		assert.Nil(t, app.StatusHistory[0].ReviewerID)
		assert.Nil(t, app.StatusHistory[0].Comment)
		assert.True(t, app.CreatedAt.Equal(app.UpdatedAt))
		created = append(created, app)
	}

	_, err := svc.Create(ctx, CreateApplicationInput{AuthorID: user, Type: models.ApplicationTypeEntry, Data: entryData()})
	var appErr *models.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, models.CodeRateLimitExceeded, appErr.Code)
	require.NotNil(t, appErr.Remaining)
	assert.Equal(t, 0, *appErr.Remaining)
	assert.Contains(t, appErr.Message, "1 April 2026")

	clock.t = clock.t.Add(24 * time.Hour)
	approved, err := svc.Transition(ctx, TransitionInput{
		ApplicationID: created[0].ID,
		Status:        models.ApplicationStatusApproved,
		ReviewerID:    reviewer,
		Comment:       ptr("Welcome aboard"),
	})
	require.NoError(t, err)
	require.Len(t, approved.StatusHistory, 2)
	assert.Equal(t, models.ApplicationStatusPending, approved.StatusHistory[0].Status)
	assert.Equal(t, models.ApplicationStatusApproved, approved.StatusHistory[1].Status)
	assert.Equal(t, reviewer, *approved.ReviewerID)
	assert.Equal(t, "Welcome aboard", *approved.ReviewComment)
	assert.True(t, approved.UpdatedAt.Equal(clock.t))

	events := emitter.Events()
	require.Len(t, events, 1)
	assert.Equal(t, models.ApplicationStatusPending, events[0].From)
	assert.Equal(t, models.ApplicationStatusApproved, events[0].To)
	assert.Equal(t, created[0].ID, events[0].Application.ID)
	assert.Equal(t, reviewer, events[0].ReviewerID)
}

func TestApplicationService_CapCountsEveryStatusAndRollsOver(t *testing.T) {
	svc, clock, _ := setupService(t)
	ctx := context.Background()
	user := uuid.New()

	first, err := svc.Create(ctx, CreateApplicationInput{AuthorID: user, Type: models.ApplicationTypeLeave, Data: leaveData()})
	require.NoError(t, err)
	_, err = svc.Transition(ctx, TransitionInput{ApplicationID: first.ID, Status: models.ApplicationStatusRejected, ReviewerID: uuid.New()})
	require.NoError(t, err)

	limit, err := svc.CheckLimit(ctx, user, models.ApplicationTypeLeave)
	require.NoError(t, err)
	assert.True(t, limit.Allowed)
	assert.Equal(t, 1, *limit.RemainingCount)

	_, err = svc.Create(ctx, CreateApplicationInput{AuthorID: user, Type: models.ApplicationTypeLeave, Data: leaveData()})
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateApplicationInput{AuthorID: user, Type: models.ApplicationTypeLeave, Data: leaveData()})
	assert.True(t, models.HasCode(err, models.CodeRateLimitExceeded))

	// Other users and other types are unaffected.
	_, err = svc.Create(ctx, CreateApplicationInput{AuthorID: uuid.New(), Type: models.ApplicationTypeLeave, Data: leaveData()})
	assert.NoError(t, err)
	_, err = svc.Create(ctx, CreateApplicationInput{AuthorID: user, Type: models.ApplicationTypeEntry, Data: entryData()})
	assert.NoError(t, err)

	clock.t = time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)
	_, err = svc.Create(ctx, CreateApplicationInput{AuthorID: user, Type: models.ApplicationTypeLeave, Data: leaveData()})
	assert.NoError(t, err)
}

func TestApplicationService_UncappedType(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()
	user := uuid.New()
	data := json.RawMessage(`{"current_rank":"Officer","requested_rank":"Sergeant","reason":"Time served"}`)

	for i := 0; i < 6; i++ {
		_, err := svc.Create(ctx, CreateApplicationInput{AuthorID: user, Type: models.ApplicationTypePromotion, Data: data})
		require.NoError(t, err)
	}
	limit, err := svc.CheckLimit(ctx, user, models.ApplicationTypePromotion)
	require.NoError(t, err)
	assert.True(t, limit.Allowed)
	assert.Nil(t, limit.RemainingCount)
}

func TestApplicationService_CreateValidation(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()
	user := uuid.New()

	tests := []struct {
		name      string
		in        CreateApplicationInput
		code      string
		wantField string
	}{
		{"Unknown type", CreateApplicationInput{AuthorID: user, Type: "vacation", Data: leaveData()}, models.CodeValidation, "type"},
		{"Missing field", CreateApplicationInput{AuthorID: user, Type: models.ApplicationTypeEntry,
			Data: json.RawMessage(`{"character_name":"Jane","department":"  "}`)}, models.CodeValidation, "department"},
		{"Not an object", CreateApplicationInput{AuthorID: user, Type: models.ApplicationTypeLeave,
			Data: json.RawMessage(`["a"]`)}, models.CodeValidation, "data"},
		{"No author", CreateApplicationInput{Type: models.ApplicationTypeLeave, Data: leaveData()}, models.CodeUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tt.in)
			var appErr *models.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.code, appErr.Code)
			if tt.wantField != "" {
				assert.Contains(t, appErr.Fields, tt.wantField)
			}
		})
	}

	apps, err := svc.ListForUser(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, apps)
}

func TestApplicationService_HistoryInvariant(t *testing.T) {
	svc, clock, emitter := setupService(t)
	ctx := context.Background()
	reviewer := uuid.New()

	app, err := svc.Create(ctx, CreateApplicationInput{AuthorID: uuid.New(), Type: models.ApplicationTypeEntry, Data: entryData()})
	require.NoError(t, err)

	path := []models.ApplicationStatus{
		models.ApplicationStatusTestRequired,
		models.ApplicationStatusTestCompleted,
		models.ApplicationStatusApproved,
	}
	for i, next := range path {
		clock.t = clock.t.Add(time.Hour)
		app, err = svc.Transition(ctx, TransitionInput{ApplicationID: app.ID, Status: next, ReviewerID: reviewer})
		require.NoError(t, err)
		assert.Equal(t, next, app.Status)
		assert.Len(t, app.StatusHistory, i+2)
		assert.Equal(t, app.Status, app.LatestEntry().Status)
		assert.Nil(t, app.ReviewComment)
	}
	for i, entry := range app.StatusHistory {
		assert.Equal(t, i+1, entry.Sequence)
	}

	for _, terminal := range []models.ApplicationStatus{
		models.ApplicationStatusApproved,
		models.ApplicationStatusRejected,
		models.ApplicationStatusClosed,
		models.ApplicationStatusPending,
	} {
		_, err = svc.Transition(ctx, TransitionInput{ApplicationID: app.ID, Status: terminal, ReviewerID: reviewer})
		assert.True(t, models.HasCode(err, models.CodeInvalidTransition), "from approved to %s", terminal)
	}

	got, err := svc.Get(ctx, app.ID)
	require.NoError(t, err)
	assert.Len(t, got.StatusHistory, 1+len(path))
	assert.Len(t, emitter.Events(), len(path))
}

func TestApplicationService_TransitionRules(t *testing.T) {
	svc, _, emitter := setupService(t)
	ctx := context.Background()
	reviewer := uuid.New()

	entry, err := svc.Create(ctx, CreateApplicationInput{AuthorID: uuid.New(), Type: models.ApplicationTypeEntry, Data: entryData()})
	require.NoError(t, err)
	leave, err := svc.Create(ctx, CreateApplicationInput{AuthorID: uuid.New(), Type: models.ApplicationTypeLeave, Data: leaveData()})
	require.NoError(t, err)

	t.Run("Self transition", func(t *testing.T) {
		_, err := svc.Transition(ctx, TransitionInput{ApplicationID: entry.ID, Status: models.ApplicationStatusPending, ReviewerID: reviewer})
		assert.True(t, models.HasCode(err, models.CodeInvalidTransition))
	})

	t.Run("Testing step on a type without one", func(t *testing.T) {
		_, err := svc.Transition(ctx, TransitionInput{ApplicationID: leave.ID, Status: models.ApplicationStatusTestRequired, ReviewerID: reviewer})
		assert.True(t, models.HasCode(err, models.CodeInvalidTransition))
	})

	t.Run("Approve from test_required", func(t *testing.T) {
		_, err := svc.Transition(ctx, TransitionInput{ApplicationID: entry.ID, Status: models.ApplicationStatusTestRequired, ReviewerID: reviewer})
		require.NoError(t, err)
		_, err = svc.Transition(ctx, TransitionInput{ApplicationID: entry.ID, Status: models.ApplicationStatusApproved, ReviewerID: reviewer})
		assert.True(t, models.HasCode(err, models.CodeInvalidTransition))
	})

	t.Run("Unknown status", func(t *testing.T) {
		_, err := svc.Transition(ctx, TransitionInput{ApplicationID: entry.ID, Status: "archived", ReviewerID: reviewer})
		assert.True(t, models.HasCode(err, models.CodeValidation))
	})

	t.Run("Missing application", func(t *testing.T) {
		_, err := svc.Transition(ctx, TransitionInput{ApplicationID: 9999, Status: models.ApplicationStatusClosed, ReviewerID: reviewer})
		assert.True(t, models.HasCode(err, models.CodeNotFound))
	})

	t.Run("Blank comment stored as null", func(t *testing.T) {
		app, err := svc.Transition(ctx, TransitionInput{ApplicationID: leave.ID, Status: models.ApplicationStatusClosed, ReviewerID: reviewer, Comment: ptr("   ")})
		require.NoError(t, err)
		assert.Nil(t, app.ReviewComment)
		assert.Nil(t, app.LatestEntry().Comment)
	})

	// Only the two successful transitions were announced.
	assert.Len(t, emitter.Events(), 2)
}

func TestApplicationService_EmitterPanicDoesNotFailTransition(t *testing.T) {
	svc, _, emitter := setupService(t)
	emitter.panics = true
	ctx := context.Background()

	app, err := svc.Create(ctx, CreateApplicationInput{AuthorID: uuid.New(), Type: models.ApplicationTypeLeave, Data: leaveData()})
	require.NoError(t, err)

	updated, err := svc.Transition(ctx, TransitionInput{ApplicationID: app.ID, Status: models.ApplicationStatusApproved, ReviewerID: uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, models.ApplicationStatusApproved, updated.Status)

	stored, err := svc.Get(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApplicationStatusApproved, stored.Status)
}

func TestApplicationService_ListAndVisibility(t *testing.T) {
	svc, clock, _ := setupService(t)
	ctx := context.Background()
	author := uuid.New()

	var ids []uint
	for _, in := range []CreateApplicationInput{
		{AuthorID: author, Type: models.ApplicationTypeEntry, Data: entryData()},
		{AuthorID: author, Type: models.ApplicationTypeLeave, Data: leaveData()},
	} {
		clock.t = clock.t.Add(time.Minute)
		app, err := svc.Create(ctx, in)
		require.NoError(t, err)
		ids = append(ids, app.ID)
	}

	mine, err := svc.ListForUser(ctx, author)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, ids[1], mine[0].ID)
	assert.Equal(t, ids[0], mine[1].ID)

	_, err = svc.GetVisible(ctx, ids[0], uuid.New(), false)
	assert.True(t, models.HasCode(err, models.CodeNotFound))
	_, err = svc.GetVisible(ctx, ids[0], uuid.New(), true)
	assert.NoError(t, err)
	_, err = svc.GetVisible(ctx, ids[0], author, false)
	assert.NoError(t, err)

	page, err := svc.ListForReview(ctx, ReviewQuery{Statuses: []models.ApplicationStatus{models.ApplicationStatusPending}, Limit: 500})
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
	assert.Equal(t, maxReviewPageSize, page.Limit)
	assert.Equal(t, ids[0], page.Items[0].ID)

	_, err = svc.ListForReview(ctx, ReviewQuery{Type: "vacation"})
	assert.True(t, models.HasCode(err, models.CodeValidation))
}

func TestApplicationService_CheckAllLimits(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()
	user := uuid.New()

	_, err := svc.Create(ctx, CreateApplicationInput{AuthorID: user, Type: models.ApplicationTypeEntry, Data: entryData()})
	require.NoError(t, err)

	limits, err := svc.CheckAllLimits(ctx, user)
	require.NoError(t, err)
	require.Len(t, limits, len(workflow.DefaultCatalog().Types()))

	byType := map[models.ApplicationType]TypeLimit{}
	for _, l := range limits {
		byType[l.Type] = l
	}
	assert.Equal(t, 2, *byType[models.ApplicationTypeEntry].RemainingCount)
	assert.Equal(t, 2, *byType[models.ApplicationTypeLeave].RemainingCount)
	assert.Nil(t, byType[models.ApplicationTypePromotion].RemainingCount)
}

func TestApplicationService_CachedReadIsIdempotentAndInvalidated(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := cache.NewClient(mr.Addr())
	require.NoError(t, err)
	cache.SetClient(client)
	t.Cleanup(func() { cache.SetClient(nil) })

	svc, _, _ := setupService(t, WithFeatureFlags(featureflags.NewManager("application_cache=on")))
	ctx := context.Background()

	app, err := svc.Create(ctx, CreateApplicationInput{AuthorID: uuid.New(), Type: models.ApplicationTypeEntry, Data: entryData()})
	require.NoError(t, err)

	first, err := svc.Get(ctx, app.ID)
	require.NoError(t, err)
	assert.True(t, mr.Exists(cache.ApplicationKey(app.ID)))
	second, err := svc.Get(ctx, app.ID)
	require.NoError(t, err)

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	assert.JSONEq(t, string(a), string(b))

	_, err = svc.Transition(ctx, TransitionInput{ApplicationID: app.ID, Status: models.ApplicationStatusClosed, ReviewerID: uuid.New()})
	require.NoError(t, err)
	assert.False(t, mr.Exists(cache.ApplicationKey(app.ID)))

	third, err := svc.Get(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApplicationStatusClosed, third.Status)
	assert.Len(t, third.StatusHistory, 2)
}

type applicationRepoStub struct {
	repository.ApplicationRepository
	applyTransitionFn func(context.Context, uint, repository.TransitionFunc) (*repository.TransitionResult, error)
	withLockFn        func(context.Context, repository.SubmissionKey, func(repository.ApplicationRepository) error) error
}

func (s *applicationRepoStub) ApplyTransition(ctx context.Context, id uint, decide repository.TransitionFunc) (*repository.TransitionResult, error) {
	return s.applyTransitionFn(ctx, id, decide)
}

func (s *applicationRepoStub) WithSubmissionLock(ctx context.Context, key repository.SubmissionKey, fn func(repository.ApplicationRepository) error) error {
	return s.withLockFn(ctx, key, fn)
}

func TestApplicationService_StoreFailures(t *testing.T) {
	storeErr := models.NewInternalError(errors.New("connection reset"))
	emitter := &recordingEmitter{}
	var lockKey repository.SubmissionKey
	repo := &applicationRepoStub{
		applyTransitionFn: func(context.Context, uint, repository.TransitionFunc) (*repository.TransitionResult, error) {
			return nil, storeErr
		},
		withLockFn: func(_ context.Context, key repository.SubmissionKey, _ func(repository.ApplicationRepository) error) error {
			lockKey = key
			return storeErr
		},
	}
	now := time.Date(2026, time.March, 31, 23, 59, 0, 0, time.UTC)
	svc := NewApplicationService(repo, workflow.DefaultCatalog(), WithEmitter(emitter), WithClock(func() time.Time { return now }))
	ctx := context.Background()
	author := uuid.New()

	_, err := svc.Create(ctx, CreateApplicationInput{AuthorID: author, Type: models.ApplicationTypeEntry, Data: entryData()})
	assert.ErrorIs(t, err, storeErr)
	assert.Equal(t, author, lockKey.AuthorID)
	assert.Equal(t, time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC), lockKey.PeriodStart)

	_, err = svc.Transition(ctx, TransitionInput{ApplicationID: 1, Status: models.ApplicationStatusApproved, ReviewerID: uuid.New()})
	assert.ErrorIs(t, err, storeErr)
	assert.Empty(t, emitter.Events())
}
