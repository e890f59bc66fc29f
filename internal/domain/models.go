// Package domain defines the core business types shared across attractord.
// These types represent the control plane's data model — not HTTP specifics.
//
// Design note on JSON tags in domain types.
// Domain types carry json tags because they are directly serialized in API responses.
// When the API shape diverges from the domain type (computed fields, omitted internal
// fields), define a response struct in the api package instead.
package domain

import (
	"encoding/json"
	"errors"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyExists indicates a create operation conflicted with an existing resource.
var ErrAlreadyExists = errors.New("resource already exists")

// Project represents a repository-backed project registered in the control plane.
type Project struct {
	ID                   uuid.UUID  `json:"id"`
	Name                 string     `json:"name"`
	Namespace            string     `json:"namespace"`
	DefaultBranch        string     `json:"default_branch"`
	RepoFullName         *string    `json:"repo_full_name,omitempty"` // "owner/name"
	DefaultEnvironmentID *uuid.UUID `json:"default_environment_id,omitempty"`
	InstallationRef      *string    `json:"installation_ref,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// EnvironmentKind enumerates supported workload runtimes.
type EnvironmentKind string

const (
	EnvironmentKindContainerJob EnvironmentKind = "container-job"
)

var digestImageRe = regexp.MustCompile(`@sha256:[0-9a-f]{64}$`)

// DigestPinned reports whether an image reference is pinned by content digest.
func DigestPinned(imageRef string) bool {
	return digestImageRe.MatchString(imageRef)
}

// Environment describes a workload profile that runs are dispatched into.
// RunnerImageRef must be pinned by content digest (…@sha256:<64 hex>).
type Environment struct {
	ID               uuid.UUID       `json:"id"`
	Name             string          `json:"name"`
	Kind             EnvironmentKind `json:"kind"`
	RunnerImageRef   string          `json:"runner_image_ref"`
	ServiceAccount   *string         `json:"service_account,omitempty"`
	ResourceRequests json.RawMessage `json:"resource_requests,omitempty"`
	ResourceLimits   json.RawMessage `json:"resource_limits,omitempty"`
	Active           bool            `json:"active"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// AttractorScope distinguishes project-owned graphs from promoted global mirrors.
type AttractorScope string

const (
	ScopeGlobal  AttractorScope = "GLOBAL"
	ScopeProject AttractorScope = "PROJECT"
)

// RunType enumerates what a run produces.
type RunType string

const (
	RunTypePlanning       RunType = "planning"
	RunTypeImplementation RunType = "implementation"
	RunTypeTask           RunType = "task"
)

// ValidRunType returns true if s is a known run type.
func ValidRunType(s string) bool {
	switch RunType(s) {
	case RunTypePlanning, RunTypeImplementation, RunTypeTask:
		return true
	}
	return false
}

// ModelConfig is the model configuration pinned onto runs at creation.
type ModelConfig struct {
	Provider        string   `json:"provider"`
	Model           string   `json:"model"`
	Reasoning       string   `json:"reasoning,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxTokens       *int     `json:"max_tokens,omitempty"`
	FallbackModels  []string `json:"fallback_models,omitempty"`
	StylesheetAttrs string   `json:"stylesheet,omitempty"`
}

// AttractorDef is a project-scoped graph definition. GLOBAL-scoped rows are
// immutable mirrors of a GlobalAttractor created by promotion.
type AttractorDef struct {
	ID             uuid.UUID       `json:"id"`
	ProjectID      uuid.UUID       `json:"project_id"`
	Scope          AttractorScope  `json:"scope"`
	Name           string          `json:"name"`
	ContentPath    string          `json:"content_path"`
	ContentVersion int             `json:"content_version"`
	DefaultRunType RunType         `json:"default_run_type"`
	ModelConfig    json.RawMessage `json:"model_config"`
	Active         bool            `json:"active"`
	Description    string          `json:"description"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// GlobalAttractor is the source of truth for graphs promoted across projects.
type GlobalAttractor struct {
	ID             uuid.UUID       `json:"id"`
	Name           string          `json:"name"`
	ContentPath    string          `json:"content_path"`
	ContentVersion int             `json:"content_version"`
	DefaultRunType RunType         `json:"default_run_type"`
	ModelConfig    json.RawMessage `json:"model_config"`
	Description    string          `json:"description"`
	Active         bool            `json:"active"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// AttractorVersion is one immutable content version of a graph definition.
// ParentID references either an AttractorDef or a GlobalAttractor depending
// on which table the row lives in; (parent, version) is unique and versions
// are strictly increasing.
type AttractorVersion struct {
	ID            uuid.UUID `json:"id"`
	ParentID      uuid.UUID `json:"parent_id"`
	Version       int       `json:"version"`
	ContentPath   string    `json:"content_path"`
	ContentSha256 string    `json:"content_sha256"`
	SizeBytes     int64     `json:"size_bytes"`
	CreatedAt     time.Time `json:"created_at"`
}

// SpecBundleSchemaV1 is the only bundle schema accepted by implementation runs.
const SpecBundleSchemaV1 = "v1"

// SpecBundle records the manifest location of a planning run's output bundle.
type SpecBundle struct {
	ID            uuid.UUID `json:"id"`
	RunID         uuid.UUID `json:"run_id"`
	SchemaVersion string    `json:"schema_version"`
	ManifestPath  string    `json:"manifest_path"`
	CreatedAt     time.Time `json:"created_at"`
}

// RunStatus represents the state of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "QUEUED"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCanceled  RunStatus = "CANCELED"
)

// Terminal reports whether a status is absorbing.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle controller may move a run
// from one status to another. All other transitions are refused.
func CanTransition(from, to RunStatus) bool {
	switch from {
	case RunStatusQueued:
		return to == RunStatusRunning || to == RunStatusCanceled
	case RunStatusRunning:
		return to == RunStatusSucceeded || to == RunStatusFailed || to == RunStatusCanceled
	}
	return false
}

// Run represents one instantiation of an attractor against a repository branch.
// The attractor_content_* fields pin the exact graph content the run sees;
// EnvironmentSnapshot freezes the environment record at dispatch time so later
// edits do not affect in-flight runs.
type Run struct {
	ID                     uuid.UUID       `json:"id"`
	ProjectID              uuid.UUID       `json:"project_id"`
	AttractorDefID         uuid.UUID       `json:"attractor_def_id"`
	AttractorContentPath   string          `json:"attractor_content_path"`
	AttractorContentVersion int            `json:"attractor_content_version"`
	AttractorContentSha256 string          `json:"attractor_content_sha256"`
	EnvironmentID          uuid.UUID       `json:"environment_id"`
	EnvironmentSnapshot    json.RawMessage `json:"environment_snapshot"`
	ModelConfig            json.RawMessage `json:"model_config"`
	RunType                RunType         `json:"run_type"`
	SourceBranch           string          `json:"source_branch"`
	TargetBranch           string          `json:"target_branch"`
	Status                 RunStatus       `json:"status"`
	SpecBundleID           *uuid.UUID      `json:"spec_bundle_id,omitempty"`
	LinkedIssueRef         *string         `json:"linked_issue_ref,omitempty"`
	LinkedPullRequestRef   *string         `json:"linked_pull_request_ref,omitempty"`
	PRURL                  *string         `json:"pr_url,omitempty"`
	StartedAt              *time.Time      `json:"started_at,omitempty"`
	FinishedAt             *time.Time      `json:"finished_at,omitempty"`
	Error                  *string         `json:"error,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
}

// RunEvent is one append-only event on a run's log.
type RunEvent struct {
	ID      int64           `json:"id"`
	RunID   uuid.UUID       `json:"run_id"`
	TS      time.Time       `json:"ts"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Run event types appended by the lifecycle controller and workers.
const (
	EventRunQueued                  = "RunQueued"
	EventRunStarted                 = "RunStarted"
	EventRunCompleted               = "RunCompleted"
	EventRunFailed                  = "RunFailed"
	EventRunCanceled                = "RunCanceled"
	EventEnvironmentResolved        = "EnvironmentResolved"
	EventAttractorContentResolved   = "AttractorContentResolved"
	EventHumanQuestionPending       = "HumanQuestionPending"
	EventHumanQuestionAnswered      = "HumanQuestionAnswered"
	EventHumanQuestionTimedOut      = "HumanQuestionTimedOut"
	EventImplementationPatchExtracted = "ImplementationPatchExtracted"
	EventImplementationPatchApplied = "ImplementationPatchApplied"
	EventImplementationPatchMissing = "ImplementationPatchMissing"
	EventModelFallbackApplied       = "ModelFallbackApplied"
	EventModelDelta                 = "ModelDelta"
)

// Phases of the per-node event type "Node.<id>.<phase>".
const (
	NodePhaseRunning = "running"
	NodePhaseSuccess = "success"
	NodePhaseFailed  = "failed"
)

// NodeEventType builds a per-node event type, e.g. "Node.draft.running".
func NodeEventType(nodeID, phase string) string {
	return "Node." + nodeID + "." + phase
}

// RunCheckpoint is the most recent engine state for resume, one per run.
type RunCheckpoint struct {
	RunID         uuid.UUID       `json:"run_id"`
	CurrentNodeID string          `json:"current_node_id"`
	ContextJSON   json.RawMessage `json:"context_json"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NodeOutcomeStatus is the terminal status of one node attempt.
type NodeOutcomeStatus string

const (
	NodeOutcomeSucceeded NodeOutcomeStatus = "SUCCEEDED"
	NodeOutcomeFailed    NodeOutcomeStatus = "FAILED"
	NodeOutcomeSkipped   NodeOutcomeStatus = "SKIPPED"
)

// RunNodeOutcome records one attempt of one graph node.
type RunNodeOutcome struct {
	ID      int64             `json:"id"`
	RunID   uuid.UUID         `json:"run_id"`
	NodeID  string            `json:"node_id"`
	Attempt int               `json:"attempt"`
	Status  NodeOutcomeStatus `json:"status"`
	Payload json.RawMessage   `json:"payload,omitempty"`
	TS      time.Time         `json:"ts"`
}

// QuestionStatus is the lifecycle of a human-in-the-loop question.
type QuestionStatus string

const (
	QuestionPending  QuestionStatus = "PENDING"
	QuestionAnswered QuestionStatus = "ANSWERED"
	QuestionTimeout  QuestionStatus = "TIMEOUT"
)

// RunQuestion is a pending human gate registered by the engine.
type RunQuestion struct {
	ID         uuid.UUID      `json:"id"`
	RunID      uuid.UUID      `json:"run_id"`
	NodeID     string         `json:"node_id"`
	Prompt     string         `json:"prompt"`
	Options    []string       `json:"options,omitempty"`
	Status     QuestionStatus `json:"status"`
	Answer     *string        `json:"answer,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	AnsweredAt *time.Time     `json:"answered_at,omitempty"`
}

// ReviewDecision enumerates reviewer verdicts.
type ReviewDecision string

const (
	ReviewApprove        ReviewDecision = "APPROVE"
	ReviewRequestChanges ReviewDecision = "REQUEST_CHANGES"
	ReviewReject         ReviewDecision = "REJECT"
	ReviewException      ReviewDecision = "EXCEPTION"
)

// ValidReviewDecision returns true if s is a known review decision.
func ValidReviewDecision(s string) bool {
	switch ReviewDecision(s) {
	case ReviewApprove, ReviewRequestChanges, ReviewReject, ReviewException:
		return true
	}
	return false
}

// RunReview stores the human review verdict for a run, one per run.
type RunReview struct {
	RunID            uuid.UUID       `json:"run_id"`
	Reviewer         string          `json:"reviewer"`
	Decision         ReviewDecision  `json:"decision"`
	Checklist        json.RawMessage `json:"checklist"`
	Summary          *string         `json:"summary,omitempty"`
	CriticalFindings *string         `json:"critical_findings,omitempty"`
	ArtifactFindings *string         `json:"artifact_findings,omitempty"`
	Attestation      *string         `json:"attestation,omitempty"`
	ReviewedHeadSha  *string         `json:"reviewed_head_sha,omitempty"`
	WritebackStatus  string          `json:"writeback_status"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Artifact is one object produced by a run; key is unique per run.
type Artifact struct {
	ID          uuid.UUID `json:"id"`
	RunID       uuid.UUID `json:"run_id"`
	Key         string    `json:"key"`
	Path        string    `json:"path"`
	ContentType *string   `json:"content_type,omitempty"`
	SizeBytes   *int64    `json:"size_bytes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// RunSchedule fires a run on a cron cadence against a fixed project,
// attractor, and branch pair. NextRunAt is recomputed from the cron
// expression after each firing; nil means the schedule has not been
// evaluated yet.
type RunSchedule struct {
	ID             uuid.UUID  `json:"id"`
	ProjectID      uuid.UUID  `json:"project_id"`
	AttractorDefID uuid.UUID  `json:"attractor_def_id"`
	RunType        RunType    `json:"run_type"`
	SourceBranch   string     `json:"source_branch"`
	TargetBranch   string     `json:"target_branch"`
	CronExpr       string     `json:"cron_expr"`
	Enabled        bool       `json:"enabled"`
	LastRunID      *uuid.UUID `json:"last_run_id,omitempty"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ExecutionSpec is the specification handed to a worker at dispatch time.
type ExecutionSpec struct {
	RunID        uuid.UUID       `json:"run_id"`
	ProjectID    uuid.UUID       `json:"project_id"`
	RunType      RunType         `json:"run_type"`
	SourceBranch string          `json:"source_branch"`
	TargetBranch string          `json:"target_branch"`
	ModelConfig  ModelConfig     `json:"model_config"`
	Environment  json.RawMessage `json:"environment"`
}
