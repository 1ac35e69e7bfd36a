package server

import (
	"encoding/json"

	"signoff/internal/domain"
	"signoff/internal/engine"
)

// Request payloads

type StepSpecRequest struct {
	Order        int    `json:"order" minimum:"1"`
	AssignedToID string `json:"assigned_to_id"`
	Required     *bool  `json:"required,omitempty"`
}

type CreateApprovalRequest struct {
	WorkflowKind     string            `json:"workflow_kind"`
	WorkflowRefID    string            `json:"workflow_ref_id"`
	RequiresAllSteps *bool             `json:"requires_all_steps,omitempty"`
	Steps            []StepSpecRequest `json:"steps"`
}

// DecisionRequest carries the optional free text captured at transition time.
// Override is admin-only and makes the call act on behalf of the step's
// assignee; the assignee-equality rule inside the engine is unchanged.
type DecisionRequest struct {
	Comment  string `json:"comment,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Override bool   `json:"override,omitempty"`
}

type UpsertActorRequest struct {
	DisplayName string `json:"display_name"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Responses

type TransitionResponse struct {
	Approval   domain.Approval     `json:"approval"`
	Step       domain.ApprovalStep `json:"step"`
	Terminated bool                `json:"terminated"`
	// SideEffectError reports a failed post-commit workflow hook. The
	// decision itself stands; this is a degraded success, not a failure.
	SideEffectError string `json:"side_effect_error,omitempty"`
}

type PayloadResponse struct {
	Approval domain.Approval `json:"approval"`
	Payload  any             `json:"payload"`
}

// EventResponse is the wire form of an audit event: the stored JSON payload
// is decoded into an object instead of being shipped as a string.
type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func (r CreateApprovalRequest) toOptions(actorID string) engine.CreateOptions {
	requiresAll := true
	if r.RequiresAllSteps != nil {
		requiresAll = *r.RequiresAllSteps
	}
	steps := make([]engine.StepSpec, 0, len(r.Steps))
	for _, s := range r.Steps {
		required := true
		if s.Required != nil {
			required = *s.Required
		}
		steps = append(steps, engine.StepSpec{
			Order:        s.Order,
			AssignedToID: s.AssignedToID,
			Required:     required,
		})
	}
	return engine.CreateOptions{
		WorkflowKind:     r.WorkflowKind,
		WorkflowRefID:    r.WorkflowRefID,
		RequestedByID:    actorID,
		RequiresAllSteps: requiresAll,
		Steps:            steps,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func transitionResponse(res engine.TransitionResult) TransitionResponse {
	out := TransitionResponse{
		Approval:   res.Approval,
		Step:       res.Step,
		Terminated: res.Terminated,
	}
	if res.HookErr != nil {
		out.SideEffectError = res.HookErr.Error()
	}
	return out
}
