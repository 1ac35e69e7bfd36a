package domain

// ApprovalStatus is the lifecycle state of an approval. APPROVED and
// REJECTED are terminal.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// StepStatus is the lifecycle state of a single step. Anything other than
// PENDING is terminal; a decided step is never mutated again.
type StepStatus string

const (
	StepPending  StepStatus = "PENDING"
	StepApproved StepStatus = "APPROVED"
	StepRejected StepStatus = "REJECTED"
	StepSkipped  StepStatus = "SKIPPED"
)

// Decision is the action an assignee takes on the current step.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// Approval is one instance of a governed multi-step decision gating an
// external business action identified by (WorkflowKind, WorkflowRefID).
type Approval struct {
	ID               int64          `json:"id"`
	WorkflowKind     string         `json:"workflow_kind"`
	WorkflowRefID    string         `json:"workflow_ref_id"`
	Status           ApprovalStatus `json:"status" enum:"PENDING,APPROVED,REJECTED"`
	RequiresAllSteps bool           `json:"requires_all_steps"`
	CurrentStepID    *int64         `json:"current_step_id,omitempty"`
	RequestedByID    string         `json:"requested_by_id"`
	CreatedAt        string         `json:"created_at" format:"date-time"`
	UpdatedAt        string         `json:"updated_at" format:"date-time"`
	Steps            []ApprovalStep `json:"steps,omitempty"`
}

// Terminal reports whether the approval has been decided.
func (a Approval) Terminal() bool {
	return a.Status == ApprovalApproved || a.Status == ApprovalRejected
}

// ApprovalStep is one ordered position in an approval's chain, bound to a
// single authorized approver. Steps have no lifecycle outside their approval.
type ApprovalStep struct {
	ID             int64      `json:"id"`
	ApprovalID     int64      `json:"approval_id"`
	StepOrder      int        `json:"step_order"`
	IsRequired     bool       `json:"is_required"`
	AssignedToID   string     `json:"assigned_to_id"`
	AssignedToName string     `json:"assigned_to_name,omitempty"`
	Status         StepStatus `json:"status" enum:"PENDING,APPROVED,REJECTED,SKIPPED"`
	Comment        *string    `json:"comment,omitempty"`
	Reason         *string    `json:"reason,omitempty"`
	DecidedAt      *string    `json:"decided_at,omitempty" format:"date-time"`
}

// Terminal reports whether the step has been decided.
func (s ApprovalStep) Terminal() bool {
	return s.Status != StepPending
}

// Actor is a directory entry used to resolve assignee display info.
type Actor struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
