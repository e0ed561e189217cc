// Package domain holds the entity types shared across Trinity's
// subsystems: users, agents, templates, permissions, executions,
// activities, schedules, and process definitions. Keeping these in one
// package avoids import cycles between persistence, the access matrix,
// the lifecycle manager, and the API surface.
package domain

import "time"

// Role is a user's authorization tier.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// User is a human principal.
type User struct {
	ID        string    `json:"id" db:"id"`
	Handle    string    `json:"handle" db:"handle"`
	Email     string    `json:"email" db:"email"`
	Role      Role      `json:"role" db:"role"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	Archived  bool      `json:"archived" db:"archived"`
}

// MCPKey is a machine principal: a bearer credential that authenticates
// as its owner unless it is system-scoped, in which case it bypasses the
// access matrix entirely.
type MCPKey struct {
	ID           string     `json:"id" db:"id"`
	OwnerUserID  string     `json:"owner_user_id" db:"owner_user_id"`
	SecretHash   string     `json:"-" db:"secret_hash"`
	Label        string     `json:"label" db:"label"`
	SystemScoped bool       `json:"system_scoped" db:"system_scoped"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	UsageCount   int64      `json:"usage_count" db:"usage_count"`
}

// AgentStatus is a lifecycle state from the §4.1 state machine.
type AgentStatus string

const (
	AgentStatusCreating AgentStatus = "creating"
	AgentStatusStopped  AgentStatus = "stopped"
	AgentStatusStarting AgentStatus = "starting"
	AgentStatusRunning  AgentStatus = "running"
	AgentStatusStopping AgentStatus = "stopping"
	AgentStatusError    AgentStatus = "error"
)

// ResourceLimits bounds a container's cpu/memory.
type ResourceLimits struct {
	CPUNanos  int64 `json:"cpu_nanos"`  // fractional CPUs, nanocpu units (docker convention)
	MemoryMiB int64 `json:"memory_mib"`
}

// Ports holds the host ports allocated to an agent from the reserved band.
type Ports struct {
	SSHPort      int `json:"ssh_port"`
	InternalHTTP int `json:"internal_http_port"`
}

// Agent is a managed container and its workspace.
type Agent struct {
	ID               string          `json:"id" db:"id"`
	Name             string          `json:"name" db:"name"`
	TemplateRef      string          `json:"template_ref" db:"template_ref"`
	OwnerUserID      string          `json:"owner_user_id" db:"owner_user_id"`
	IsSystem         bool            `json:"is_system" db:"is_system"`
	AutonomyEnabled  bool            `json:"autonomy_enabled" db:"autonomy_enabled"`
	Resources        ResourceLimits  `json:"resources" db:"-"`
	Ports            Ports           `json:"ports" db:"-"`
	Status           AgentStatus     `json:"status" db:"status"`
	ContainerID      string          `json:"-" db:"container_id"`
	WorkspaceVolume  string          `json:"-" db:"workspace_volume"`
	LastError        string          `json:"last_error,omitempty" db:"last_error"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	DeletedAt        *time.Time      `json:"deleted_at,omitempty" db:"deleted_at"`
}

// TemplateKind distinguishes local registry templates from source-repo ones.
type TemplateKind string

const (
	TemplateKindLocal TemplateKind = "local"
	TemplateKindRepo  TemplateKind = "repo"
)

// CredentialScope controls how a binding is materialized.
type CredentialScope string

const (
	CredentialScopeEnv         CredentialScope = "env"
	CredentialScopeFilePlaceholder CredentialScope = "file-placeholder"
)

// CredentialBinding is a declared requirement read from a template manifest.
type CredentialBinding struct {
	Name              string          `json:"name" yaml:"name"`
	Default           *string         `json:"default,omitempty" yaml:"default,omitempty"`
	Scope             CredentialScope `json:"scope" yaml:"scope"`
	RequiresRestart   bool            `json:"requires_restart,omitempty" yaml:"requiresRestart,omitempty"`
}

// SharedFolderCapability is a declared producer/consumer folder-sharing role.
type SharedFolderCapability struct {
	Path    string `json:"path" yaml:"path"`
	Expose  bool   `json:"expose,omitempty" yaml:"expose,omitempty"`
	Consume bool   `json:"consume,omitempty" yaml:"consume,omitempty"`
}

// Manifest is the parsed, versioned contract between the Template Resolver
// and the Credential Renderer. Extra preserves unknown fields so future
// manifest revisions round-trip without a schema migration.
type Manifest struct {
	Name             string                   `json:"name" yaml:"name"`
	DisplayName      string                   `json:"display_name" yaml:"displayName"`
	Description      string                   `json:"description" yaml:"description"`
	DefaultResources ResourceLimits           `json:"default_resources" yaml:"defaultResources"`
	Bindings         []CredentialBinding      `json:"bindings" yaml:"credentialBindings"`
	SharedFolders    []SharedFolderCapability `json:"shared_folders" yaml:"sharedFolders"`
	SkillRefs        []string                 `json:"skill_refs,omitempty" yaml:"skillRefs,omitempty"`
	Extra            map[string]any           `json:"extra,omitempty" yaml:"-"`
}

// Share grants a grantee email read/invoke access to an agent.
type Share struct {
	AgentID     string    `json:"agent_id" db:"agent_id"`
	GranteeEmail string   `json:"grantee_email" db:"grantee_email"`
	GrantedBy   string    `json:"granted_by" db:"granted_by"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// InvocationPermission controls agent-to-agent calls.
type InvocationPermission struct {
	CallerAgentID string `json:"caller_agent_id" db:"caller_agent_id"`
	CalleeAgentID string `json:"callee_agent_id" db:"callee_agent_id"`
	Allowed       bool   `json:"allowed" db:"allowed"`
}

// SharedFolderMount wires a producer's exposed directory into a consumer.
type SharedFolderMount struct {
	ProducerAgentID string `json:"producer_agent_id" db:"producer_agent_id"`
	ConsumerAgentID string `json:"consumer_agent_id" db:"consumer_agent_id"`
	Path            string `json:"path" db:"path"`
}

// Schedule is a cron-timed trigger against an agent.
type Schedule struct {
	ID              string     `json:"id" db:"id"`
	AgentID         string     `json:"agent_id" db:"agent_id"`
	CronExpr        string     `json:"cron_expr" db:"cron_expr"`
	Timezone        string     `json:"timezone" db:"timezone"`
	Enabled         bool       `json:"enabled" db:"enabled"`
	MessageTemplate string     `json:"message_template" db:"message_template"`
	MaxConcurrency  int        `json:"max_concurrency" db:"max_concurrency"`
	NextFireAt      *time.Time `json:"next_fire_at,omitempty" db:"next_fire_at"`
	LastFireAt      *time.Time `json:"last_fire_at,omitempty" db:"last_fire_at"`
}

// ExecutionOrigin identifies what caused an execution.
type ExecutionOrigin string

const (
	ExecutionOriginManual   ExecutionOrigin = "manual"
	ExecutionOriginSchedule ExecutionOrigin = "schedule"
	ExecutionOriginProcess  ExecutionOrigin = "process"
	ExecutionOriginAPI      ExecutionOrigin = "api"
)

// ExecutionStatus is the terminal or in-flight state of one invocation.
type ExecutionStatus string

const (
	ExecutionStatusQueued    ExecutionStatus = "queued"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusSucceeded ExecutionStatus = "succeeded"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
	ExecutionStatusTimedOut  ExecutionStatus = "timed_out"
)

// TokenUsage tracks cost-relevant token counters for one execution.
type TokenUsage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_tokens"`
}

// Execution is one invocation of an agent, serialized through its queue.
type Execution struct {
	ID               string          `json:"id" db:"id"`
	AgentID          string          `json:"agent_id" db:"agent_id"`
	CallerUserID     *string         `json:"caller_user_id,omitempty" db:"caller_user_id"`
	CallerAgentID    *string         `json:"caller_agent_id,omitempty" db:"caller_agent_id"`
	Origin           ExecutionOrigin `json:"origin" db:"origin"`
	Status           ExecutionStatus `json:"status" db:"status"`
	Request          string          `json:"request" db:"request"`
	StartedAt        *time.Time      `json:"started_at,omitempty" db:"started_at"`
	EndedAt          *time.Time      `json:"ended_at,omitempty" db:"ended_at"`
	Cost             float64         `json:"cost" db:"cost"`
	Tokens           TokenUsage      `json:"tokens" db:"-"`
	ResponseSummary  string          `json:"response_summary,omitempty" db:"response_summary"`
	Error            string          `json:"error,omitempty" db:"error"`
}

// Duration returns the wall-clock duration of a terminated execution.
func (e *Execution) Duration() time.Duration {
	if e.StartedAt == nil || e.EndedAt == nil {
		return 0
	}
	return e.EndedAt.Sub(*e.StartedAt)
}

// ActivityKind classifies an observable event.
type ActivityKind string

const (
	ActivityKindLifecycle     ActivityKind = "lifecycle"
	ActivityKindToolCall      ActivityKind = "tool_call"
	ActivityKindMessageIn     ActivityKind = "message_in"
	ActivityKindMessageOut    ActivityKind = "message_out"
	ActivityKindCollaboration ActivityKind = "collaboration"
	ActivityKindError         ActivityKind = "error"
	ActivityKindCustom        ActivityKind = "custom"
)

// MaxActivityPayloadBytes bounds an activity payload (§6 wire contract).
const MaxActivityPayloadBytes = 16 * 1024

// Activity is an append-only observable event.
type Activity struct {
	ID          int64          `json:"id" db:"id"` // monotone per source process
	AgentName   string         `json:"agent" db:"agent_name"`
	ExecutionID *string        `json:"execution_id,omitempty" db:"execution_id"`
	Kind        ActivityKind   `json:"kind" db:"kind"`
	Payload     map[string]any `json:"payload" db:"-"`
	Truncated   bool           `json:"truncated,omitempty" db:"truncated"`
	Timestamp   time.Time      `json:"ts" db:"ts"`
}

// SessionStatus describes the rolling activity state of an agent.
type SessionStatus string

const (
	SessionStatusIdle     SessionStatus = "idle"
	SessionStatusBusy     SessionStatus = "busy"
	SessionStatusDegraded SessionStatus = "degraded"
)

// Session is per-agent rolling state updated by usage deltas.
type Session struct {
	AgentID            string        `json:"agent_id" db:"agent_id"`
	ContextTokensUsed  int64         `json:"context_tokens_used" db:"context_tokens_used"`
	ContextTokensMax   int64         `json:"context_tokens_max" db:"context_tokens_max"`
	CostAccumulated    float64       `json:"cost_accumulated" db:"cost_accumulated"`
	LastActivityAt     time.Time     `json:"last_activity_at" db:"last_activity_at"`
	CurrentStatus      SessionStatus `json:"current_status" db:"current_status"`
}

// StepType enumerates the supported process step node types (§4.5, fixed set).
type StepType string

const (
	StepTypeAgentTask      StepType = "agent_task"
	StepTypeHumanApproval  StepType = "human_approval"
	StepTypeGateway        StepType = "gateway"
	StepTypeNotification   StepType = "notification"
	StepTypeSubProcess     StepType = "sub_process"
)

// ProcessStep is a typed DAG node.
type ProcessStep struct {
	ID                string         `json:"id" yaml:"id"`
	Name              string         `json:"name" yaml:"name"`
	Type              StepType       `json:"type" yaml:"type"`
	DependsOn         []string       `json:"depends_on,omitempty" yaml:"dependsOn,omitempty"`
	Timeout           time.Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	ContinueOnFailure bool           `json:"continue_on_failure,omitempty" yaml:"continueOnFailure,omitempty"`
	Executor          string         `json:"executor,omitempty" yaml:"executor,omitempty"` // callee agent name, notification channel, or sub-process name
	Approvers         []string       `json:"approvers,omitempty" yaml:"approvers,omitempty"`
	TimeoutHours      float64        `json:"timeout_hours,omitempty" yaml:"timeoutHours,omitempty"`
	GatewayExpr       string         `json:"gateway_expr,omitempty" yaml:"gatewayExpr,omitempty"`
	MessageTemplate   string         `json:"message_template,omitempty" yaml:"messageTemplate,omitempty"`
	SubProcessRef     string         `json:"sub_process_ref,omitempty" yaml:"subProcessRef,omitempty"`
	InputMapping      map[string]string `json:"input_mapping,omitempty" yaml:"inputMapping,omitempty"`
	Monitors          []string       `json:"monitors,omitempty" yaml:"monitors,omitempty"`
	Informed          []string       `json:"informed,omitempty" yaml:"informed,omitempty"`
}

// TriggerKind identifies how a Process Definition is started.
type TriggerKind string

const (
	TriggerManual   TriggerKind = "manual"
	TriggerSchedule TriggerKind = "schedule"
	TriggerWebhook  TriggerKind = "webhook"
)

// ProcessDefinition is a versioned DAG workflow.
type ProcessDefinition struct {
	Name         string         `json:"name" db:"name"`
	Version      int            `json:"version" db:"version"`
	Trigger      TriggerKind    `json:"trigger" db:"trigger"`
	Steps        []ProcessStep  `json:"steps" db:"-"`
	InputSchema  map[string]any `json:"input_schema,omitempty" db:"-"`
	OutputBinding map[string]string `json:"output_binding,omitempty" db:"-"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
}

// RunStatus is the terminal or in-flight state of a Process Run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// StepRunStatus is the terminal or in-flight state of one step instance.
type StepRunStatus string

const (
	StepRunPending   StepRunStatus = "pending"
	StepRunEligible  StepRunStatus = "eligible"
	StepRunRunning   StepRunStatus = "running"
	StepRunSucceeded StepRunStatus = "succeeded"
	StepRunFailed    StepRunStatus = "failed"
	StepRunSkipped   StepRunStatus = "skipped"
	StepRunCancelled StepRunStatus = "cancelled"
	StepRunAwaiting  StepRunStatus = "awaiting_approval"
)

// StepState is the in-flight record of one step instance within a run.
type StepState struct {
	StepID    string        `json:"step_id"`
	Status    StepRunStatus `json:"status"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
}

// ProcessRun is one instance of executing a Process Definition.
type ProcessRun struct {
	ID             string                 `json:"id" db:"id"`
	DefinitionName string                 `json:"definition_name" db:"definition_name"`
	DefinitionVer  int                    `json:"definition_version" db:"definition_version"`
	Inputs         map[string]any         `json:"inputs" db:"-"`
	StepStates     map[string]*StepState  `json:"step_states" db:"-"`
	Status         RunStatus              `json:"status" db:"status"`
	Outputs        map[string]any         `json:"outputs,omitempty" db:"-"`
	StartedAt      time.Time              `json:"started_at" db:"started_at"`
	EndedAt        *time.Time             `json:"ended_at,omitempty" db:"ended_at"`
}

// ApprovalStatus is the lifecycle state of a pending human_approval step.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
	ApprovalStatusExpired  ApprovalStatus = "expired"
	ApprovalStatusCancelled ApprovalStatus = "cancelled"
)

// Approval is the persisted record of one human_approval step instance,
// surviving the in-memory channel the Process Engine actually blocks on
// so a pending decision is still visible to an operator after a restart.
type Approval struct {
	RunID      string         `json:"run_id" db:"run_id"`
	StepID     string         `json:"step_id" db:"step_id"`
	Approvers  []string       `json:"approvers" db:"-"`
	Status     ApprovalStatus `json:"status" db:"status"`
	ResolvedBy string         `json:"resolved_by,omitempty" db:"resolved_by"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty" db:"resolved_at"`
}
