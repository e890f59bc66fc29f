// Package lifecycle implements the run lifecycle controller: create-run
// preconditions, queueing, cancellation, and terminal transitions. All run
// status changes in the system go through this package.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/attractor-dev/attractor/internal/attractors"
	"github.com/attractor-dev/attractor/internal/config"
	"github.com/attractor-dev/attractor/internal/domain"
	"github.com/attractor-dev/attractor/internal/graph"
	"github.com/attractor-dev/attractor/internal/postgres"
)

// Coordinator is the Redis-backed coordination surface the controller needs.
// Satisfied by *redisq.Queue.
type Coordinator interface {
	Enqueue(ctx context.Context, runID uuid.UUID) error
	MarkCanceled(ctx context.Context, runID uuid.UUID) error
	ClearCanceled(ctx context.Context, runID uuid.UUID) error
	AcquireBranchLock(ctx context.Context, projectID uuid.UUID, targetBranch string, runID uuid.UUID, force bool) (uuid.UUID, bool, error)
	ReleaseBranchLock(ctx context.Context, projectID uuid.UUID, targetBranch string, runID uuid.UUID) error
}

// Service is the run lifecycle controller.
type Service struct {
	runs       *postgres.RunStore
	projects   *postgres.ProjectStore
	envs       *postgres.EnvironmentStore
	defs       *postgres.AttractorStore
	bundles    *postgres.SpecBundleStore
	attractors *attractors.Service
	catalog    *config.Catalog
	coord      Coordinator
	logger     *slog.Logger

	// defaultRunnerImage seeds the auto-provisioned default environment when
	// a project has none configured. Digest-pinned or empty.
	defaultRunnerImage string
}

type Config struct {
	Runs               *postgres.RunStore
	Projects           *postgres.ProjectStore
	Environments       *postgres.EnvironmentStore
	Defs               *postgres.AttractorStore
	Bundles            *postgres.SpecBundleStore
	Attractors         *attractors.Service
	Catalog            *config.Catalog
	Coordinator        Coordinator
	Logger             *slog.Logger
	DefaultRunnerImage string
}

func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		runs:               cfg.Runs,
		projects:           cfg.Projects,
		envs:               cfg.Environments,
		defs:               cfg.Defs,
		bundles:            cfg.Bundles,
		attractors:         cfg.Attractors,
		catalog:            cfg.Catalog,
		coord:              cfg.Coordinator,
		logger:             logger,
		defaultRunnerImage: cfg.DefaultRunnerImage,
	}
}

// CreateRunInput carries the create-run request.
type CreateRunInput struct {
	ProjectID      uuid.UUID
	AttractorDefID uuid.UUID
	RunType        string
	SourceBranch   string
	TargetBranch   string
	EnvironmentID  *uuid.UUID
	SpecBundleID   *uuid.UUID
	LinkedIssueRef *string
	Force          bool

	// SourcePlanningRunID links a self-iterated implementation run back to
	// the planning run whose bundle it consumes; recorded on the RunQueued
	// event.
	SourcePlanningRunID *uuid.UUID
}

// CreateRun checks every create-run precondition, pins the attractor
// snapshot, snapshots the environment, inserts the run in QUEUED with its
// RunQueued event, and enqueues the run id for dispatch.
func (s *Service) CreateRun(ctx context.Context, in CreateRunInput) (*domain.Run, error) {
	if !domain.ValidRunType(in.RunType) {
		return nil, domain.E(domain.KindValidation, "unknown run type %q", in.RunType)
	}
	runType := domain.RunType(in.RunType)
	if in.SourceBranch == "" || in.TargetBranch == "" {
		return nil, domain.E(domain.KindValidation, "source_branch and target_branch are required")
	}

	project, err := s.projects.GetProject(ctx, in.ProjectID.String())
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, domain.E(domain.KindNotFound, "project %s not found", in.ProjectID)
	}

	def, err := s.defs.GetDef(ctx, in.AttractorDefID.String())
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, domain.E(domain.KindNotFound, "attractor %s not found", in.AttractorDefID)
	}
	if def.ProjectID != project.ID {
		return nil, domain.E(domain.KindPrecondition, "attractor %q does not belong to project %s", def.Name, project.ID)
	}
	if !def.Active {
		return nil, domain.E(domain.KindPrecondition, "attractor %q is inactive", def.Name)
	}

	var mc domain.ModelConfig
	if len(def.ModelConfig) > 0 {
		if err := json.Unmarshal(def.ModelConfig, &mc); err != nil {
			return nil, domain.Wrap(domain.KindValidation, err, "attractor %q has malformed model config", def.Name)
		}
	}
	if err := s.catalog.ValidateModelConfig(mc); err != nil {
		return nil, err
	}
	if !s.catalog.SecretPresent(mc.Provider) {
		return nil, domain.E(domain.KindPrecondition, "no provider secret configured for %q", mc.Provider)
	}

	pin, err := s.attractors.PinForRun(ctx, def)
	if err != nil {
		return nil, err
	}

	bundle, err := s.checkSpecBundle(ctx, runType, in.SpecBundleID, *pin)
	if err != nil {
		return nil, err
	}

	env, err := s.resolveEnvironment(ctx, project, in.EnvironmentID)
	if err != nil {
		return nil, err
	}
	snapshot, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("snapshot environment: %w", err)
	}

	// Branch-lock invariant: at most one active implementation run per
	// (project, target branch) unless forced.
	if runType == domain.RunTypeImplementation && !in.Force {
		active, err := s.runs.ActiveImplementationRun(ctx, project.ID, in.TargetBranch)
		if err != nil {
			return nil, err
		}
		if active != nil {
			return nil, domain.Wrap(domain.KindPrecondition, domain.ErrBranchBusy,
				"implementation run %s already active on %s; pass force to supersede", active.ID, in.TargetBranch)
		}
	}

	run := &domain.Run{
		ProjectID:               project.ID,
		AttractorDefID:          def.ID,
		AttractorContentPath:    pin.ContentPath,
		AttractorContentVersion: pin.ContentVersion,
		AttractorContentSha256:  pin.ContentSha256,
		EnvironmentID:           env.ID,
		EnvironmentSnapshot:     snapshot,
		ModelConfig:             def.ModelConfig,
		RunType:                 runType,
		SourceBranch:            in.SourceBranch,
		TargetBranch:            in.TargetBranch,
		SpecBundleID:            in.SpecBundleID,
		LinkedIssueRef:          in.LinkedIssueRef,
	}

	queuedPayload := map[string]any{
		"run_type":       runType,
		"attractor":      pin,
		"model_config":   mc,
		"environment_id": env.ID,
		"environment":    json.RawMessage(snapshot),
		"source_branch":  in.SourceBranch,
		"target_branch":  in.TargetBranch,
		"forced":         in.Force,
	}
	if bundle != nil {
		queuedPayload["spec_bundle_id"] = bundle.ID
	}
	if in.SourcePlanningRunID != nil {
		queuedPayload["source_planning_run_id"] = *in.SourcePlanningRunID
	}
	if err := s.runs.CreateQueued(ctx, run, queuedPayload); err != nil {
		return nil, err
	}

	// The DB active-run check above is the authoritative arbiter; the Redis
	// lock mirrors it for cancel/terminal release and fast refusal, so the
	// post-insert acquire always takes it.
	if runType == domain.RunTypeImplementation {
		if _, _, err := s.coord.AcquireBranchLock(ctx, project.ID, in.TargetBranch, run.ID, true); err != nil {
			s.logger.Error("branch lock acquire failed", "run_id", run.ID, "error", err)
		}
	}

	if err := s.coord.Enqueue(ctx, run.ID); err != nil {
		// The run row exists but can never dispatch; fail it rather than
		// leave a phantom QUEUED run.
		msg := fmt.Sprintf("enqueue failed: %v", err)
		if ferr := s.finish(ctx, run, domain.RunStatusFailed, &msg, domain.EventRunFailed, map[string]any{"error": msg}); ferr != nil {
			s.logger.Error("failed to fail unenqueued run", "run_id", run.ID, "error", ferr)
		}
		return nil, fmt.Errorf("enqueue run %s: %w", run.ID, err)
	}

	s.logger.Info("run created",
		"run_id", run.ID, "project_id", project.ID, "run_type", runType,
		"attractor", def.Name, "content_version", pin.ContentVersion)
	return run, nil
}

// checkSpecBundle enforces precondition 4 and 5: planning/task runs carry no
// bundle; implementation runs require one unless the pinned graph declares
// in-graph implementation via implementation_mode=dot.
func (s *Service) checkSpecBundle(ctx context.Context, runType domain.RunType, bundleID *uuid.UUID, pin attractors.Pin) (*domain.SpecBundle, error) {
	if runType != domain.RunTypeImplementation {
		if bundleID != nil {
			return nil, domain.E(domain.KindValidation, "%s runs must not carry a spec bundle", runType)
		}
		return nil, nil
	}

	if bundleID == nil {
		content, err := s.attractors.ReadPinned(ctx, pin)
		if err != nil {
			return nil, err
		}
		g, err := graph.Parse(content)
		if err != nil {
			return nil, domain.Wrap(domain.KindPrecondition, err, "pinned attractor content unparseable")
		}
		if g.Attr("implementation_mode") != "dot" {
			return nil, domain.E(domain.KindPrecondition,
				"implementation runs require a spec bundle unless the attractor sets implementation_mode=dot")
		}
		return nil, nil
	}

	bundle, err := s.bundles.GetBundle(ctx, bundleID.String())
	if err != nil {
		return nil, err
	}
	if bundle == nil {
		return nil, domain.E(domain.KindNotFound, "spec bundle %s not found", bundleID)
	}
	if bundle.SchemaVersion != "v1" {
		return nil, domain.E(domain.KindPrecondition,
			"spec bundle %s has schema %q; only v1 is accepted", bundle.ID, bundle.SchemaVersion)
	}
	return bundle, nil
}

// resolveEnvironment applies the explicit > project default > auto-provisioned
// default precedence.
func (s *Service) resolveEnvironment(ctx context.Context, project *domain.Project, explicit *uuid.UUID) (*domain.Environment, error) {
	lookup := func(id uuid.UUID) (*domain.Environment, error) {
		env, err := s.envs.GetEnvironment(ctx, id.String())
		if err != nil {
			return nil, err
		}
		if env == nil {
			return nil, domain.E(domain.KindNotFound, "environment %s not found", id)
		}
		if !env.Active {
			return nil, domain.E(domain.KindPrecondition, "environment %q is inactive", env.Name)
		}
		return env, nil
	}

	if explicit != nil {
		return lookup(*explicit)
	}
	if project.DefaultEnvironmentID != nil {
		return lookup(*project.DefaultEnvironmentID)
	}

	env, err := s.envs.GetEnvironmentByName(ctx, "default")
	if err != nil {
		return nil, err
	}
	if env != nil {
		if !env.Active {
			return nil, domain.E(domain.KindPrecondition, "environment %q is inactive", env.Name)
		}
		return env, nil
	}
	if s.defaultRunnerImage == "" {
		return nil, domain.E(domain.KindPrecondition,
			"project %s has no environment and no default runner image is configured", project.ID)
	}
	env = &domain.Environment{
		Name:           "default",
		Kind:           domain.EnvironmentKindContainerJob,
		RunnerImageRef: s.defaultRunnerImage,
		Active:         true,
	}
	if err := s.envs.CreateEnvironment(ctx, env); err != nil {
		return nil, fmt.Errorf("auto-provision default environment: %w", err)
	}
	s.logger.Info("auto-provisioned default environment", "environment_id", env.ID)
	return env, nil
}

// Cancel moves a non-terminal run to CANCELED, publishes the cancel marker
// workers poll, and releases the branch lock for implementation runs.
func (s *Service) Cancel(ctx context.Context, runID uuid.UUID) (*domain.Run, error) {
	run, err := s.runs.GetRun(ctx, runID.String())
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, domain.E(domain.KindNotFound, "run %s not found", runID)
	}
	if run.Status.Terminal() {
		return nil, domain.E(domain.KindPrecondition, "run %s is already %s", runID, run.Status)
	}

	if err := s.runs.Finish(ctx, run.ID, domain.RunStatusCanceled, nil,
		domain.EventRunCanceled, map[string]any{"previous_status": run.Status}); err != nil {
		return nil, err
	}
	if err := s.coord.MarkCanceled(ctx, run.ID); err != nil {
		s.logger.Error("cancel marker publish failed", "run_id", run.ID, "error", err)
	}
	s.releaseLocks(ctx, run)

	s.logger.Info("run canceled", "run_id", run.ID)
	return s.runs.GetRun(ctx, runID.String())
}

// Complete moves a RUNNING run to SUCCEEDED with the completion payload.
func (s *Service) Complete(ctx context.Context, run *domain.Run, payload any) error {
	if err := s.runs.Finish(ctx, run.ID, domain.RunStatusSucceeded, nil, domain.EventRunCompleted, payload); err != nil {
		return err
	}
	s.releaseLocks(ctx, run)
	s.clearMarker(ctx, run)
	return nil
}

// Fail moves a RUNNING run to FAILED recording the error.
func (s *Service) Fail(ctx context.Context, run *domain.Run, cause error) error {
	msg := cause.Error()
	if err := s.runs.Finish(ctx, run.ID, domain.RunStatusFailed, &msg, domain.EventRunFailed,
		map[string]any{"error": msg, "kind": domain.KindOf(cause)}); err != nil {
		return err
	}
	s.releaseLocks(ctx, run)
	s.clearMarker(ctx, run)
	return nil
}

func (s *Service) finish(ctx context.Context, run *domain.Run, status domain.RunStatus, errMsg *string, eventType string, payload any) error {
	if err := s.runs.Finish(ctx, run.ID, status, errMsg, eventType, payload); err != nil {
		return err
	}
	s.releaseLocks(ctx, run)
	return nil
}

func (s *Service) releaseLocks(ctx context.Context, run *domain.Run) {
	if run.RunType != domain.RunTypeImplementation {
		return
	}
	if err := s.coord.ReleaseBranchLock(ctx, run.ProjectID, run.TargetBranch, run.ID); err != nil {
		s.logger.Error("branch lock release failed", "run_id", run.ID, "error", err)
	}
}

func (s *Service) clearMarker(ctx context.Context, run *domain.Run) {
	if err := s.coord.ClearCanceled(ctx, run.ID); err != nil {
		s.logger.Warn("cancel marker clear failed", "run_id", run.ID, "error", err)
	}
}
