package api_test

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/attractor-dev/attractor/internal/api"
	"github.com/attractor-dev/attractor/internal/attractors"
	"github.com/attractor-dev/attractor/internal/domain"
	"github.com/attractor-dev/attractor/internal/lifecycle"
	"github.com/attractor-dev/attractor/internal/postgres"
	"github.com/attractor-dev/attractor/internal/storage"
)

// testEnv bundles a Server wired entirely to in-memory fakes so handler tests
// run without Postgres, Redis, or MinIO.
type testEnv struct {
	srv       *api.Server
	projects  *fakeProjectStore
	envs      *fakeEnvironmentStore
	defs      *fakeDefStore
	content   *fakeContentService
	runs      *fakeRunStore
	events    *fakeEventStore
	bus       *postgres.MemoryEventBus
	outcomes  *fakeOutcomeStore
	questions *fakeQuestionStore
	reviews   *fakeReviewStore
	artifacts *fakeArtifactStore
	bundles   *fakeBundleStore
	schedules *fakeScheduleStore
	objects   *fakeObjectStore
	lc        *fakeLifecycle
}

func newTestEnv() *testEnv {
	env := &testEnv{
		projects:  &fakeProjectStore{},
		envs:      &fakeEnvironmentStore{},
		defs:      &fakeDefStore{},
		content:   &fakeContentService{},
		runs:      &fakeRunStore{},
		events:    &fakeEventStore{},
		bus:       postgres.NewMemoryEventBus(),
		outcomes:  &fakeOutcomeStore{},
		questions: &fakeQuestionStore{},
		reviews:   &fakeReviewStore{},
		artifacts: &fakeArtifactStore{},
		bundles:   &fakeBundleStore{},
		schedules: &fakeScheduleStore{},
		objects:   newFakeObjectStore(),
		lc:        &fakeLifecycle{},
	}
	env.srv = &api.Server{
		Projects:     env.projects,
		Environments: env.envs,
		Defs:         env.defs,
		Content:      env.content,
		Runs:         env.runs,
		Events:       env.events,
		Bus:          env.bus,
		Outcomes:     env.outcomes,
		Questions:    env.questions,
		Reviews:      env.reviews,
		Artifacts:    env.artifacts,
		Bundles:      env.bundles,
		Schedules:    env.schedules,
		Objects:      env.objects,
		Lifecycle:    env.lc,
	}
	return env
}

// --- projects ---

type fakeProjectStore struct {
	mu        sync.Mutex
	projects  []domain.Project
	createErr error
	getCalls  int
}

func (f *fakeProjectStore) ListProjects(context.Context) ([]domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Project(nil), f.projects...), nil
}

func (f *fakeProjectStore) GetProject(_ context.Context, id string) (*domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	for i := range f.projects {
		if f.projects[i].ID.String() == id {
			p := f.projects[i]
			return &p, nil
		}
	}
	return nil, nil
}

func (f *fakeProjectStore) GetProjectByNamespace(_ context.Context, namespace string) (*domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.projects {
		if f.projects[i].Namespace == namespace {
			p := f.projects[i]
			return &p, nil
		}
	}
	return nil, nil
}

func (f *fakeProjectStore) CreateProject(_ context.Context, p *domain.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	f.projects = append(f.projects, *p)
	return nil
}

func (f *fakeProjectStore) UpdateProject(_ context.Context, id string, name, defaultBranch, repoFullName *string, defaultEnvironmentID *uuid.UUID) (*domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.projects {
		if f.projects[i].ID.String() != id {
			continue
		}
		if name != nil {
			f.projects[i].Name = *name
		}
		if defaultBranch != nil {
			f.projects[i].DefaultBranch = *defaultBranch
		}
		if repoFullName != nil {
			f.projects[i].RepoFullName = repoFullName
		}
		if defaultEnvironmentID != nil {
			f.projects[i].DefaultEnvironmentID = defaultEnvironmentID
		}
		p := f.projects[i]
		return &p, nil
	}
	return nil, nil
}

func (f *fakeProjectStore) DeleteProject(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.projects {
		if f.projects[i].ID.String() == id {
			f.projects = append(f.projects[:i], f.projects[i+1:]...)
			return nil
		}
	}
	return nil
}

// --- environments ---

type fakeEnvironmentStore struct {
	envs []domain.Environment
}

func (f *fakeEnvironmentStore) ListEnvironments(context.Context) ([]domain.Environment, error) {
	return append([]domain.Environment(nil), f.envs...), nil
}

func (f *fakeEnvironmentStore) GetEnvironment(_ context.Context, id string) (*domain.Environment, error) {
	for i := range f.envs {
		if f.envs[i].ID.String() == id {
			e := f.envs[i]
			return &e, nil
		}
	}
	return nil, nil
}

func (f *fakeEnvironmentStore) CreateEnvironment(_ context.Context, e *domain.Environment) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	f.envs = append(f.envs, *e)
	return nil
}

func (f *fakeEnvironmentStore) UpdateEnvironment(_ context.Context, id string, runnerImageRef, serviceAccount *string, active *bool) (*domain.Environment, error) {
	for i := range f.envs {
		if f.envs[i].ID.String() != id {
			continue
		}
		if runnerImageRef != nil {
			f.envs[i].RunnerImageRef = *runnerImageRef
		}
		if serviceAccount != nil {
			f.envs[i].ServiceAccount = serviceAccount
		}
		if active != nil {
			f.envs[i].Active = *active
		}
		e := f.envs[i]
		return &e, nil
	}
	return nil, nil
}

// --- attractor definitions ---

type fakeDefStore struct {
	defs      []domain.AttractorDef
	globals   []domain.GlobalAttractor
	createErr error
}

func (f *fakeDefStore) ListDefs(_ context.Context, projectID uuid.UUID) ([]domain.AttractorDef, error) {
	var out []domain.AttractorDef
	for _, d := range f.defs {
		if d.ProjectID == projectID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeDefStore) GetDef(_ context.Context, id string) (*domain.AttractorDef, error) {
	for i := range f.defs {
		if f.defs[i].ID.String() == id {
			d := f.defs[i]
			return &d, nil
		}
	}
	return nil, nil
}

func (f *fakeDefStore) CreateDef(_ context.Context, d *domain.AttractorDef) error {
	if f.createErr != nil {
		return f.createErr
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	f.defs = append(f.defs, *d)
	return nil
}

func (f *fakeDefStore) UpdateDef(_ context.Context, id string, defaultRunType, description *string, modelConfig []byte, active *bool) (*domain.AttractorDef, error) {
	for i := range f.defs {
		if f.defs[i].ID.String() != id {
			continue
		}
		if defaultRunType != nil {
			f.defs[i].DefaultRunType = domain.RunType(*defaultRunType)
		}
		if description != nil {
			f.defs[i].Description = *description
		}
		if modelConfig != nil {
			f.defs[i].ModelConfig = modelConfig
		}
		if active != nil {
			f.defs[i].Active = *active
		}
		d := f.defs[i]
		return &d, nil
	}
	return nil, nil
}

func (f *fakeDefStore) ListGlobals(context.Context) ([]domain.GlobalAttractor, error) {
	return append([]domain.GlobalAttractor(nil), f.globals...), nil
}

func (f *fakeDefStore) GetGlobal(_ context.Context, id string) (*domain.GlobalAttractor, error) {
	for i := range f.globals {
		if f.globals[i].ID.String() == id {
			g := f.globals[i]
			return &g, nil
		}
	}
	return nil, nil
}

func (f *fakeDefStore) CreateGlobal(_ context.Context, g *domain.GlobalAttractor) error {
	if f.createErr != nil {
		return f.createErr
	}
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	f.globals = append(f.globals, *g)
	return nil
}

// --- content service ---

type fakeContentService struct {
	putResult   *attractors.PutResult
	putErr      error
	lastContent []byte
	lastCAS     *int
	versions    []domain.AttractorVersion
	version     *domain.AttractorVersion
	versionBody []byte
	promoted    []domain.AttractorDef
	promoteErr  error
}

func (f *fakeContentService) put(content []byte, expected *int) (*attractors.PutResult, error) {
	f.lastContent = content
	f.lastCAS = expected
	if f.putErr != nil {
		return nil, f.putErr
	}
	if f.putResult != nil {
		return f.putResult, nil
	}
	return &attractors.PutResult{Version: 1, ContentPath: "attractors/test/v1.dot"}, nil
}

func (f *fakeContentService) PutProject(_ context.Context, _ *domain.AttractorDef, content []byte, expected *int) (*attractors.PutResult, error) {
	return f.put(content, expected)
}

func (f *fakeContentService) PutGlobal(_ context.Context, _ *domain.GlobalAttractor, content []byte, expected *int) (*attractors.PutResult, error) {
	return f.put(content, expected)
}

func (f *fakeContentService) Promote(_ context.Context, _ *domain.GlobalAttractor, _ []uuid.UUID) ([]domain.AttractorDef, error) {
	if f.promoteErr != nil {
		return nil, f.promoteErr
	}
	return f.promoted, nil
}

func (f *fakeContentService) Versions(_ context.Context, _ bool, _ uuid.UUID) ([]domain.AttractorVersion, error) {
	return f.versions, nil
}

func (f *fakeContentService) ReadVersion(_ context.Context, _ bool, _ uuid.UUID, _ int) (*domain.AttractorVersion, []byte, error) {
	return f.version, f.versionBody, nil
}

// --- runs ---

type fakeRunStore struct {
	mu   sync.Mutex
	runs []domain.Run
}

func (f *fakeRunStore) ListRuns(_ context.Context, filter postgres.RunFilter) ([]domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Run
	for _, r := range f.runs {
		if filter.ProjectID != "" && r.ProjectID.String() != filter.ProjectID {
			continue
		}
		if filter.RunType != "" && string(r.RunType) != filter.RunType {
			continue
		}
		if filter.Status != "" && string(r.Status) != filter.Status {
			continue
		}
		if filter.TargetBranch != "" && r.TargetBranch != filter.TargetBranch {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeRunStore) CountRuns(ctx context.Context, filter postgres.RunFilter) (int, error) {
	runs, err := f.ListRuns(ctx, filter)
	return len(runs), err
}

func (f *fakeRunStore) GetRun(_ context.Context, runID string) (*domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.runs {
		if f.runs[i].ID.String() == runID {
			r := f.runs[i]
			return &r, nil
		}
	}
	return nil, nil
}

// --- lifecycle ---

type fakeLifecycle struct {
	created   *domain.Run
	createErr error
	lastInput lifecycle.CreateRunInput
	canceled  []uuid.UUID
	cancelRun *domain.Run
	cancelErr error
}

func (f *fakeLifecycle) CreateRun(_ context.Context, in lifecycle.CreateRunInput) (*domain.Run, error) {
	f.lastInput = in
	if f.createErr != nil {
		return nil, f.createErr
	}
	if f.created != nil {
		return f.created, nil
	}
	return &domain.Run{
		ID:             uuid.New(),
		ProjectID:      in.ProjectID,
		AttractorDefID: in.AttractorDefID,
		RunType:        domain.RunType(in.RunType),
		SourceBranch:   in.SourceBranch,
		TargetBranch:   in.TargetBranch,
		SpecBundleID:   in.SpecBundleID,
		Status:         domain.RunStatusQueued,
	}, nil
}

func (f *fakeLifecycle) Cancel(_ context.Context, runID uuid.UUID) (*domain.Run, error) {
	f.canceled = append(f.canceled, runID)
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	if f.cancelRun != nil {
		return f.cancelRun, nil
	}
	return &domain.Run{ID: runID, Status: domain.RunStatusCanceled}, nil
}

// --- events ---

type fakeEventStore struct {
	mu     sync.Mutex
	events []domain.RunEvent
}

func (f *fakeEventStore) ListAfter(_ context.Context, runID uuid.UUID, afterID int64) ([]domain.RunEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.RunEvent
	for _, ev := range f.events {
		if ev.RunID == runID && ev.ID > afterID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeEventStore) add(events ...domain.RunEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, events...)
}

// --- outcomes, bundles ---

type fakeOutcomeStore struct {
	outcomes []domain.RunNodeOutcome
}

func (f *fakeOutcomeStore) ListOutcomes(context.Context, uuid.UUID) ([]domain.RunNodeOutcome, error) {
	return f.outcomes, nil
}

type fakeBundleStore struct {
	bundle *domain.SpecBundle
}

func (f *fakeBundleStore) GetBundleForRun(context.Context, uuid.UUID) (*domain.SpecBundle, error) {
	return f.bundle, nil
}

// --- questions ---

type fakeQuestionStore struct {
	questions []domain.RunQuestion
}

func (f *fakeQuestionStore) ListQuestions(_ context.Context, runID uuid.UUID) ([]domain.RunQuestion, error) {
	var out []domain.RunQuestion
	for _, q := range f.questions {
		if q.RunID == runID {
			out = append(out, q)
		}
	}
	return out, nil
}

func (f *fakeQuestionStore) GetQuestion(_ context.Context, id string) (*domain.RunQuestion, error) {
	for i := range f.questions {
		if f.questions[i].ID.String() == id {
			q := f.questions[i]
			return &q, nil
		}
	}
	return nil, nil
}

func (f *fakeQuestionStore) Answer(_ context.Context, id string, answer string) (*domain.RunQuestion, error) {
	for i := range f.questions {
		if f.questions[i].ID.String() != id {
			continue
		}
		if f.questions[i].Status == domain.QuestionPending {
			f.questions[i].Status = domain.QuestionAnswered
			f.questions[i].Answer = &answer
		}
		q := f.questions[i]
		return &q, nil
	}
	return nil, nil
}

// --- reviews ---

type fakeReviewStore struct {
	mu       sync.Mutex
	reviews  map[uuid.UUID]*domain.RunReview
	statuses []string
}

func (f *fakeReviewStore) UpsertReview(_ context.Context, r *domain.RunReview) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reviews == nil {
		f.reviews = make(map[uuid.UUID]*domain.RunReview)
	}
	cp := *r
	f.reviews[r.RunID] = &cp
	return nil
}

func (f *fakeReviewStore) GetReview(_ context.Context, runID uuid.UUID) (*domain.RunReview, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.reviews[runID]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeReviewStore) SetWritebackStatus(_ context.Context, runID uuid.UUID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	if r, ok := f.reviews[runID]; ok {
		r.WritebackStatus = status
	}
	return nil
}

// --- artifacts ---

type fakeArtifactStore struct {
	artifacts []domain.Artifact
}

func (f *fakeArtifactStore) ListArtifacts(_ context.Context, runID uuid.UUID) ([]domain.Artifact, error) {
	var out []domain.Artifact
	for _, a := range f.artifacts {
		if a.RunID == runID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeArtifactStore) GetArtifactByKey(_ context.Context, runID uuid.UUID, key string) (*domain.Artifact, error) {
	for i := range f.artifacts {
		if f.artifacts[i].RunID == runID && f.artifacts[i].Key == key {
			a := f.artifacts[i]
			return &a, nil
		}
	}
	return nil, nil
}

// --- object store ---

type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) ListFiles(_ context.Context, prefix string) ([]storage.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.FileInfo
	for path, data := range f.objects {
		if len(path) >= len(prefix) && path[:len(prefix)] == prefix {
			out = append(out, storage.FileInfo{Path: path, Size: int64(len(data))})
		}
	}
	return out, nil
}

func (f *fakeObjectStore) ReadFile(_ context.Context, path string) (*storage.FileContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[path]
	if !ok {
		return nil, nil
	}
	return &storage.FileContent{Path: path, Content: data, Size: int64(len(data))}, nil
}

func (f *fakeObjectStore) WriteFile(_ context.Context, path string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[path] = content
	return nil
}

func (f *fakeObjectStore) StatFile(_ context.Context, path string) (*storage.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[path]
	if !ok {
		return nil, nil
	}
	return &storage.FileInfo{Path: path, Size: int64(len(data))}, nil
}

func (f *fakeObjectStore) DeleteFile(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, path)
	return nil
}

// --- schedules ---

type fakeScheduleStore struct {
	mu        sync.Mutex
	schedules []domain.RunSchedule
	createErr error
}

func (f *fakeScheduleStore) ListSchedules(context.Context) ([]domain.RunSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.RunSchedule(nil), f.schedules...), nil
}

func (f *fakeScheduleStore) GetSchedule(_ context.Context, id string) (*domain.RunSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.schedules {
		if f.schedules[i].ID.String() == id {
			s := f.schedules[i]
			return &s, nil
		}
	}
	return nil, nil
}

func (f *fakeScheduleStore) CreateSchedule(_ context.Context, s *domain.RunSchedule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	s.ID = uuid.New()
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	f.schedules = append(f.schedules, *s)
	return nil
}

func (f *fakeScheduleStore) UpdateSchedule(_ context.Context, id string, cronExpr *string, enabled *bool) (*domain.RunSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.schedules {
		if f.schedules[i].ID.String() == id {
			if cronExpr != nil {
				f.schedules[i].CronExpr = *cronExpr
				f.schedules[i].NextRunAt = nil
			}
			if enabled != nil {
				f.schedules[i].Enabled = *enabled
			}
			f.schedules[i].UpdatedAt = time.Now()
			s := f.schedules[i]
			return &s, nil
		}
	}
	return nil, nil
}

func (f *fakeScheduleStore) DeleteSchedule(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.schedules {
		if f.schedules[i].ID.String() == id {
			f.schedules = append(f.schedules[:i], f.schedules[i+1:]...)
			return nil
		}
	}
	return nil
}
