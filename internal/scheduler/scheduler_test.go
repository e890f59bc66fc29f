package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attractor-dev/attractor/internal/domain"
	"github.com/attractor-dev/attractor/internal/lifecycle"
)

type firing struct {
	runID   uuid.UUID
	firedAt time.Time
	nextAt  time.Time
}

type mockScheduleSource struct {
	mu        sync.Mutex
	schedules []domain.RunSchedule
	listErr   error
	fired     map[uuid.UUID]firing
	nextSet   map[uuid.UUID]time.Time
}

func newMockScheduleSource(schedules ...domain.RunSchedule) *mockScheduleSource {
	return &mockScheduleSource{
		schedules: schedules,
		fired:     make(map[uuid.UUID]firing),
		nextSet:   make(map[uuid.UUID]time.Time),
	}
}

func (m *mockScheduleSource) ListSchedules(_ context.Context) ([]domain.RunSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]domain.RunSchedule(nil), m.schedules...), nil
}

func (m *mockScheduleSource) MarkFired(_ context.Context, id, lastRunID uuid.UUID, firedAt, nextRunAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fired[id] = firing{runID: lastRunID, firedAt: firedAt, nextAt: nextRunAt}
	return nil
}

func (m *mockScheduleSource) SetNextRun(_ context.Context, id uuid.UUID, nextRunAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSet[id] = nextRunAt
	return nil
}

type mockRunCreator struct {
	mu        sync.Mutex
	inputs    []lifecycle.CreateRunInput
	createErr error
}

func (m *mockRunCreator) CreateRun(_ context.Context, in lifecycle.CreateRunInput) (*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.inputs = append(m.inputs, in)
	return &domain.Run{
		ID:           uuid.New(),
		ProjectID:    in.ProjectID,
		RunType:      domain.RunType(in.RunType),
		SourceBranch: in.SourceBranch,
		TargetBranch: in.TargetBranch,
		Status:       domain.RunStatusQueued,
	}, nil
}

func dueSchedule() domain.RunSchedule {
	past := time.Now().Add(-time.Minute)
	return domain.RunSchedule{
		ID:             uuid.New(),
		ProjectID:      uuid.New(),
		AttractorDefID: uuid.New(),
		RunType:        domain.RunTypeTask,
		SourceBranch:   "main",
		TargetBranch:   "main",
		CronExpr:       "*/5 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}
}

func TestTick_FiresDueSchedule(t *testing.T) {
	sched := dueSchedule()
	src := newMockScheduleSource(sched)
	lc := &mockRunCreator{}
	s := New(src, lc, 0, slog.Default())

	s.Tick(context.Background())

	require.Len(t, lc.inputs, 1)
	in := lc.inputs[0]
	assert.Equal(t, sched.ProjectID, in.ProjectID)
	assert.Equal(t, sched.AttractorDefID, in.AttractorDefID)
	assert.Equal(t, string(domain.RunTypeTask), in.RunType)
	assert.Equal(t, "main", in.SourceBranch)
	assert.Equal(t, "main", in.TargetBranch)

	f, ok := src.fired[sched.ID]
	require.True(t, ok, "firing should be recorded")
	assert.NotEqual(t, uuid.Nil, f.runID)
	assert.True(t, f.nextAt.After(time.Now()), "next_run_at should advance into the future")
}

func TestTick_InitializesNextRunWithoutFiring(t *testing.T) {
	sched := dueSchedule()
	sched.NextRunAt = nil
	src := newMockScheduleSource(sched)
	lc := &mockRunCreator{}
	s := New(src, lc, 0, slog.Default())

	s.Tick(context.Background())

	assert.Empty(t, lc.inputs, "a schedule must not fire on its first evaluation")
	next, ok := src.nextSet[sched.ID]
	require.True(t, ok)
	assert.True(t, next.After(time.Now()))
}

func TestTick_SkipsDisabledSchedule(t *testing.T) {
	sched := dueSchedule()
	sched.Enabled = false
	src := newMockScheduleSource(sched)
	lc := &mockRunCreator{}
	s := New(src, lc, 0, slog.Default())

	s.Tick(context.Background())

	assert.Empty(t, lc.inputs)
	assert.Empty(t, src.fired)
	assert.Empty(t, src.nextSet)
}

func TestTick_SkipsNotDueSchedule(t *testing.T) {
	sched := dueSchedule()
	future := time.Now().Add(time.Hour)
	sched.NextRunAt = &future
	src := newMockScheduleSource(sched)
	lc := &mockRunCreator{}
	s := New(src, lc, 0, slog.Default())

	s.Tick(context.Background())

	assert.Empty(t, lc.inputs)
	assert.Empty(t, src.fired)
}

func TestTick_SkipsInvalidCronExpression(t *testing.T) {
	sched := dueSchedule()
	sched.CronExpr = "not a cron expr"
	src := newMockScheduleSource(sched)
	lc := &mockRunCreator{}
	s := New(src, lc, 0, slog.Default())

	s.Tick(context.Background())

	assert.Empty(t, lc.inputs)
	assert.Empty(t, src.fired)
	assert.Empty(t, src.nextSet)
}

func TestTick_BranchBusyRetriesNextTick(t *testing.T) {
	sched := dueSchedule()
	src := newMockScheduleSource(sched)
	lc := &mockRunCreator{createErr: domain.Wrap(domain.KindPrecondition, domain.ErrBranchBusy,
		"implementation run already active on main")}
	s := New(src, lc, 0, slog.Default())

	s.Tick(context.Background())

	assert.Empty(t, src.fired)
	assert.Empty(t, src.nextSet, "a busy branch must not advance the schedule")
}

func TestTick_PermanentErrorAdvancesSchedule(t *testing.T) {
	sched := dueSchedule()
	src := newMockScheduleSource(sched)
	lc := &mockRunCreator{createErr: domain.E(domain.KindPrecondition, "attractor has no content")}
	s := New(src, lc, 0, slog.Default())

	s.Tick(context.Background())

	assert.Empty(t, src.fired)
	next, ok := src.nextSet[sched.ID]
	require.True(t, ok, "a permanent failure should skip the firing and advance")
	assert.True(t, next.After(time.Now()))
}

func TestTick_ListErrorIsNonFatal(t *testing.T) {
	src := newMockScheduleSource()
	src.listErr = errors.New("connection refused")
	lc := &mockRunCreator{}
	s := New(src, lc, 0, slog.Default())

	s.Tick(context.Background())

	assert.Empty(t, lc.inputs)
}

func TestStartStop_TicksAtInterval(t *testing.T) {
	sched := dueSchedule()
	sched.NextRunAt = nil
	src := newMockScheduleSource(sched)
	lc := &mockRunCreator{}
	s := New(src, lc, 20*time.Millisecond, slog.Default())

	s.Start(context.Background())
	time.Sleep(70 * time.Millisecond)
	s.Stop()

	src.mu.Lock()
	_, initialized := src.nextSet[sched.ID]
	src.mu.Unlock()
	assert.True(t, initialized, "background ticks should have evaluated the schedule")
}

func TestParseExpr(t *testing.T) {
	_, err := ParseExpr("*/5 * * * *")
	assert.NoError(t, err)

	_, err = ParseExpr("every day at noon")
	assert.Error(t, err)
}
