package api

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunCreated         RunStatus = "created"
	RunPlanning        RunStatus = "planning"
	RunWaitingApproval RunStatus = "waiting_approval"
	RunExecuting       RunStatus = "executing"
	RunRendering       RunStatus = "rendering"
	RunQualityCheck    RunStatus = "quality_check"
	RunCompleted       RunStatus = "completed"
	RunFailed          RunStatus = "failed"
	RunCancelled       RunStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// Scope restricts a partial regeneration to a subset of slides.
type Scope struct {
	SlideIDs []string `json:"slide_ids"`
}

// RunInput is the client-supplied content intent. Either IR (a SlideSpec
// document) or Prompt must be set; a prompt is turned into IR by the
// drafting agent.
type RunInput struct {
	Prompt     string          `json:"prompt,omitempty"`
	IR         json.RawMessage `json:"ir,omitempty"`
	Language   string          `json:"language,omitempty"`
	Audience   string          `json:"audience,omitempty"`
	Tone       string          `json:"tone,omitempty"`
	SlideCount int             `json:"slide_count,omitempty"`
}

// Run is one end-to-end execution of a workflow.
type Run struct {
	ID        string `json:"run_id"`
	ProjectID string `json:"project_id"`
	OrgID     string `json:"org_id"`
	CreatorID string `json:"creator_id"`
	Workflow  string `json:"workflow"`

	Status   RunStatus `json:"status"`
	Progress int       `json:"progress"`

	IdempotencyKey string `json:"idempotency_key,omitempty"`
	// RequestHash fingerprints the creation payload so a reused key with a
	// different payload can be rejected.
	RequestHash string `json:"-"`

	CancelRequested bool   `json:"cancel_requested"`
	ParentRunID     string `json:"parent_run_id,omitempty"`
	Scope           *Scope `json:"scope,omitempty"`

	Policy PolicySnapshot  `json:"policy_snapshot"`
	Input  json.RawMessage `json:"input"`

	// State holds the predicate variables (qc.pass, fix.loops, ...).
	State map[string]any `json:"state,omitempty"`

	NeedsHumanEdit bool   `json:"needs_human_edit"`
	ArtifactID     string `json:"artifact_id,omitempty"`
	ErrorCode      Code   `json:"error_code,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`

	// Version is bumped on every write and used for compare-and-swap.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of r.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	c.Input = append(json.RawMessage(nil), r.Input...)
	if r.Scope != nil {
		s := Scope{SlideIDs: append([]string(nil), r.Scope.SlideIDs...)}
		c.Scope = &s
	}
	c.Policy = r.Policy.Clone()
	if r.State != nil {
		c.State = make(map[string]any, len(r.State))
		for k, v := range r.State {
			c.State[k] = v
		}
	}
	return &c
}

// StepType is the fixed set of step kinds the orchestrator understands.
type StepType string

const (
	StepTool     StepType = "tool"
	StepAgent    StepType = "agent"
	StepSystem   StepType = "system"
	StepApproval StepType = "approval"
	StepRender   StepType = "render"
	StepQuality  StepType = "quality"
)

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	switch t {
	case StepTool, StepAgent, StepSystem, StepApproval, StepRender, StepQuality:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of a RunStep.
type StepStatus string

const (
	StepQueued          StepStatus = "queued"
	StepRunning         StepStatus = "running"
	StepSucceeded       StepStatus = "succeeded"
	StepFailed          StepStatus = "failed"
	StepSkipped         StepStatus = "skipped"
	StepCancelled       StepStatus = "cancelled"
	StepWaitingApproval StepStatus = "waiting_approval"
)

// Final reports whether a step in this status can no longer change.
func (s StepStatus) Final() bool {
	switch s {
	case StepSucceeded, StepSkipped, StepCancelled:
		return true
	}
	return false
}

// InFlight reports whether the step is scheduled or executing.
func (s StepStatus) InFlight() bool {
	return s == StepQueued || s == StepRunning
}

// StepMetrics records execution cost of a step.
type StepMetrics struct {
	LatencyMs int64   `json:"latency_ms"`
	CostUSD   float64 `json:"cost_usd,omitempty"`
	Tokens    int     `json:"tokens,omitempty"`
}

// RunStep is one scheduled unit of work within a Run.
type RunStep struct {
	ID        string     `json:"step_id"`
	RunID     string     `json:"run_id"`
	StepKey   string     `json:"step_key"`
	BaseKey   string     `json:"base_key"`
	Iteration int        `json:"iteration"`
	Type      StepType   `json:"step_type"`
	Handler   string     `json:"handler"`
	Status    StepStatus `json:"status"`
	Attempt   int        `json:"attempt"`

	InputJSON  json.RawMessage `json:"input_json,omitempty"`
	InputHash  string          `json:"input_hash"`
	OutputJSON json.RawMessage `json:"output_json,omitempty"`

	ErrorCode    Code   `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	Metrics StepMetrics `json:"metrics"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of s.
func (s *RunStep) Clone() *RunStep {
	if s == nil {
		return nil
	}
	c := *s
	c.InputJSON = append(json.RawMessage(nil), s.InputJSON...)
	c.OutputJSON = append(json.RawMessage(nil), s.OutputJSON...)
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// ArtifactVersion is an immutable packaged result of a run.
type ArtifactVersion struct {
	ID             string          `json:"artifact_id"`
	ProjectID      string          `json:"project_id"`
	RunID          string          `json:"run_id"`
	ParentRunID    string          `json:"parent_run_id,omitempty"`
	Version        int             `json:"version"`
	Checksum       string          `json:"checksum"`
	NeedsHumanEdit bool            `json:"needs_human_edit"`
	Issues         json.RawMessage `json:"issues,omitempty"`
	IR             json.RawMessage `json:"ir"`
	Plan           json.RawMessage `json:"plan,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// CreateRunRequest is the input to Engine.CreateRun.
type CreateRunRequest struct {
	ProjectID      string           `json:"project_id"`
	OrgID          string           `json:"org_id"`
	CreatorID      string           `json:"creator_id"`
	IdempotencyKey string           `json:"-"`
	Workflow       string           `json:"workflow,omitempty"`
	Input          RunInput         `json:"input"`
	Policy         *PolicyOverrides `json:"policy,omitempty"`
}

// RegenerateRequest asks for a partial regeneration of a finished run.
type RegenerateRequest struct {
	ParentRunID    string           `json:"parent_run_id"`
	CreatorID      string           `json:"creator_id"`
	IdempotencyKey string           `json:"-"`
	Scope          Scope            `json:"scope"`
	Instructions   string           `json:"instructions,omitempty"`
	Policy         *PolicyOverrides `json:"policy,omitempty"`
}

// RunFilter selects runs. Zero fields don't filter.
type RunFilter struct {
	ProjectID string
	Status    RunStatus
	Limit     int
}
