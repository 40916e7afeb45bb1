// Package core defines the foundational types for no-wing: credential
// contexts, operation requests, elevation results, audit events, and
// deployment configuration. These structures are shared across the credential
// store, client factory, role catalog, elevator, audit ledger, and deployment
// coordinator, and are the only types exposed to the CLI layer.
package core

import (
	"time"
)

// ContextKind distinguishes the two identities no-wing brokers between.
type ContextKind string

const (
	ContextHuman ContextKind = "human"
	ContextAgent ContextKind = "agent"
)

// SourceType enumerates how a credential source resolves its material.
type SourceType string

const (
	SourceProfile     SourceType = "profile"
	SourceStaticKeys  SourceType = "static_keys"
	SourceEnvironment SourceType = "environment"
)

// Identity is a verified AWS principal.
type Identity struct {
	ARN         string `json:"arn"`
	AccountID   string `json:"account_id"`
	PrincipalID string `json:"principal_id"`
}

// CredentialContext is the active identity plus its verified credential state.
// Exactly one context is current at any time; it is replaced wholesale on
// every switch and never partially mutated by callers.
type CredentialContext struct {
	Kind           ContextKind `json:"kind"`
	Identity       Identity    `json:"identity"`
	Region         string      `json:"region"`
	SessionToken   string      `json:"-"`
	AssumedRoleARN string      `json:"assumed_role_arn,omitempty"`
	SessionName    string      `json:"session_name,omitempty"`
	ExpiresAt      *time.Time  `json:"expires_at,omitempty"`
	VerifiedAt     time.Time   `json:"verified_at"`
}

// CredentialSourceConfig describes one credential source (human or agent) as
// loaded from the configuration file. Secret material never serializes.
type CredentialSourceConfig struct {
	Kind            ContextKind `json:"kind"`
	Type            SourceType  `json:"type"`
	Profile         string      `json:"profile,omitempty"`
	AccessKeyID     string      `json:"access_key_id,omitempty"`
	SecretAccessKey string      `json:"-"`
	VaultKeyRef     string      `json:"vault_key_ref,omitempty"`
	Region          string      `json:"region"`
}

// CredentialStatus reports the health of one credential source.
type CredentialStatus struct {
	Kind      ContextKind `json:"kind"`
	Valid     bool        `json:"valid"`
	Identity  Identity    `json:"identity,omitempty"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
	CheckedAt time.Time   `json:"checked_at"`
	Message   string      `json:"message,omitempty"`
}

// Role is a discovered, assumable IAM role. Read-only once listed.
type Role struct {
	ARN       string            `json:"arn"`
	Name      string            `json:"name"`
	Path      string            `json:"path,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// RoleSession holds temporary credentials from a role assumption. Invalid
// after ExpiresAt; removed by the catalog's periodic sweep.
type RoleSession struct {
	RoleARN         string    `json:"role_arn"`
	SessionName     string    `json:"session_name"`
	AccessKeyID     string    `json:"access_key_id"`
	SecretAccessKey string    `json:"-"`
	SessionToken    string    `json:"-"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// Expired reports whether the session's credentials are past their lifetime.
func (s RoleSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// OperationContext describes what a caller is attempting, on which resources.
// Constructed per call and immutable; persisted only through the audit event
// it produces.
type OperationContext struct {
	Operation string            `json:"operation"`
	Service   string            `json:"service"`
	Resources []string          `json:"resources,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// ElevationMethod identifies which escalation strategy satisfied (or ended) a
// permission request.
type ElevationMethod string

const (
	MethodDirect         ElevationMethod = "direct"
	MethodRoleAssumption ElevationMethod = "role-assumption"
	MethodManualApproval ElevationMethod = "manual-approval"
)

// ElevationResult is the outcome of one elevation attempt. Immutable.
type ElevationResult struct {
	Success      bool            `json:"success"`
	Method       ElevationMethod `json:"method"`
	Message      string          `json:"message"`
	RoleARN      string          `json:"role_arn,omitempty"`
	Alternatives []string        `json:"alternatives,omitempty"`
}

// RiskLevel classifies an operation for audit purposes.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// AuditEventType categorizes audit ledger entries.
type AuditEventType string

const (
	EventCredentialSwitch  AuditEventType = "credential-switch"
	EventRoleAssumption    AuditEventType = "role-assumption"
	EventAWSOperation      AuditEventType = "aws-operation"
	EventPermissionRequest AuditEventType = "permission-request"
)

// AuditActor identifies who performed an audited action.
type AuditActor struct {
	Kind      ContextKind `json:"kind"`
	Identity  string      `json:"identity"`
	SessionID string      `json:"session_id,omitempty"`
}

// AuditOperation describes the audited action itself.
type AuditOperation struct {
	Service    string            `json:"service"`
	Action     string            `json:"action"`
	Resources  []string          `json:"resources,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// AuditResult records the action's outcome.
type AuditResult struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
	ResponseData string `json:"response_data,omitempty"`
}

// AuditCompliance carries retention and classification metadata.
type AuditCompliance struct {
	Classification     RiskLevel `json:"classification"`
	RetentionDays      int       `json:"retention_days"`
	EncryptionRequired bool      `json:"encryption_required"`
}

// AuditEvent is an immutable, append-only record of an identity-affecting or
// resource-affecting action. CorrelationID ties all events from one process run.
type AuditEvent struct {
	ID            string          `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	EventType     AuditEventType  `json:"event_type"`
	Actor         AuditActor      `json:"actor"`
	Operation     AuditOperation  `json:"operation"`
	Result        AuditResult     `json:"result"`
	CorrelationID string          `json:"correlation_id"`
	Compliance    AuditCompliance `json:"compliance"`
}

// AuditQuery filters events returned by the ledger. Zero-value fields match
// everything.
type AuditQuery struct {
	Start      *time.Time       `json:"start,omitempty"`
	End        *time.Time       `json:"end,omitempty"`
	EventTypes []AuditEventType `json:"event_types,omitempty"`
	ActorKinds []ContextKind    `json:"actor_kinds,omitempty"`
	Services   []string         `json:"services,omitempty"`
	Success    *bool            `json:"success,omitempty"`
	Limit      int              `json:"limit,omitempty"`
}

// ViolationType categorizes detected compliance violations.
type ViolationType string

const (
	ViolationUnauthorizedAccess   ViolationType = "unauthorized-access"
	ViolationPermissionEscalation ViolationType = "permission-escalation"
)

// ComplianceViolation is derived on demand from a window of audit events.
// Never persisted.
type ComplianceViolation struct {
	Type      ViolationType `json:"type"`
	Severity  RiskLevel     `json:"severity"`
	EventID   string        `json:"event_id"`
	Detail    string        `json:"detail"`
	Timestamp time.Time     `json:"timestamp"`
}

// ComplianceReport aggregates a window of audit events.
type ComplianceReport struct {
	Start         time.Time                  `json:"start"`
	End           time.Time                  `json:"end"`
	TotalEvents   int                        `json:"total_events"`
	EventsByActor map[ContextKind]int        `json:"events_by_actor"`
	EventsByType  map[AuditEventType]int     `json:"events_by_type"`
	FailureCount  int                        `json:"failure_count"`
	Violations    []ComplianceViolation      `json:"violations,omitempty"`
	GeneratedAt   time.Time                  `json:"generated_at"`
}

// AuditSinkStatus reports whether the external audit trail is active.
type AuditSinkStatus struct {
	TrailName string    `json:"trail_name,omitempty"`
	TrailARN  string    `json:"trail_arn,omitempty"`
	IsLogging bool      `json:"is_logging"`
	CheckedAt time.Time `json:"checked_at"`
	Message   string    `json:"message,omitempty"`
}

// DeploymentConfig is the caller-supplied declarative stack request. Immutable.
type DeploymentConfig struct {
	StackName       string            `json:"stack_name"`
	TemplatePath    string            `json:"template_path,omitempty"`
	TemplateURL     string            `json:"template_url,omitempty"`
	Parameters      map[string]string `json:"parameters,omitempty"`
	Tags            map[string]string `json:"tags,omitempty"`
	Capabilities    []string          `json:"capabilities,omitempty"`
	TemplateBucket  string            `json:"template_bucket,omitempty"`
	DisableRollback bool              `json:"disable_rollback,omitempty"`
}

// DeploymentResult accumulates the ordered audit trail plus the terminal stack
// state. Returned once per deploy/rollback call; the coordinator never lets an
// exception escape instead of a result.
type DeploymentResult struct {
	Success     bool              `json:"success"`
	StackID     string            `json:"stack_id,omitempty"`
	StackName   string            `json:"stack_name"`
	StackStatus string            `json:"stack_status,omitempty"`
	Outputs     map[string]string `json:"outputs,omitempty"`
	Error       string            `json:"error,omitempty"`
	AuditTrail  []string          `json:"audit_trail"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at"`
}

// ValidationResult is the structured output of pre-deployment validation.
// Errors block deployment; warnings and recommendations do not.
type ValidationResult struct {
	IsValid         bool     `json:"is_valid"`
	Errors          []string `json:"errors,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// ApprovalStatus tracks a pending permission request's lifecycle. Manual
// approval is a terminal state for the elevation that produced it; the queue
// exists so an operator can review what the agent was denied.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

// PendingRequest is a recorded manual-approval fallback.
type PendingRequest struct {
	ID          string         `json:"id"`
	Operation   string         `json:"operation"`
	Service     string         `json:"service"`
	Resources   []string       `json:"resources,omitempty"`
	Risk        RiskLevel      `json:"risk"`
	RequestedBy ContextKind    `json:"requested_by"`
	RequestedAt time.Time      `json:"requested_at"`
	Status      ApprovalStatus `json:"status"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy  string         `json:"resolved_by,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}
