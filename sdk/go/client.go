package signoffsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Signoff HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// StepSpec describes one position of a new approval chain.
type StepSpec struct {
	Order        int    `json:"order"`
	AssignedToID string `json:"assigned_to_id"`
	Required     *bool  `json:"required,omitempty"`
}

// Step represents one chain position of an approval.
type Step struct {
	ID             int64   `json:"id"`
	ApprovalID     int64   `json:"approval_id"`
	StepOrder      int     `json:"step_order"`
	IsRequired     bool    `json:"is_required"`
	AssignedToID   string  `json:"assigned_to_id"`
	AssignedToName string  `json:"assigned_to_name,omitempty"`
	Status         string  `json:"status"`
	Comment        *string `json:"comment,omitempty"`
	Reason         *string `json:"reason,omitempty"`
	DecidedAt      *string `json:"decided_at,omitempty"`
}

// Approval represents the API approval model.
type Approval struct {
	ID               int64  `json:"id"`
	WorkflowKind     string `json:"workflow_kind"`
	WorkflowRefID    string `json:"workflow_ref_id"`
	Status           string `json:"status"`
	RequiresAllSteps bool   `json:"requires_all_steps"`
	CurrentStepID    *int64 `json:"current_step_id,omitempty"`
	RequestedByID    string `json:"requested_by_id"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
	Steps            []Step `json:"steps,omitempty"`
}

// Transition is the post-decision state of an approval.
type Transition struct {
	Approval        Approval `json:"approval"`
	Step            Step     `json:"step"`
	Terminated      bool     `json:"terminated"`
	SideEffectError string   `json:"side_effect_error,omitempty"`
}

// Payload is the approval envelope plus the resolved business payload.
type Payload struct {
	Approval Approval        `json:"approval"`
	Payload  json.RawMessage `json:"payload"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateApprovalOptions are parameters for CreateApproval.
type CreateApprovalOptions struct {
	WorkflowKind     string     `json:"workflow_kind"`
	WorkflowRefID    string     `json:"workflow_ref_id"`
	RequiresAllSteps *bool      `json:"requires_all_steps,omitempty"`
	Steps            []StepSpec `json:"steps"`
}

// CreateApproval creates an approval with its ordered step chain.
func (c *Client) CreateApproval(ctx context.Context, opts CreateApprovalOptions) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodPost, "v0/approvals", opts, &resp)
	return resp, err
}

// GetApproval fetches an approval with its steps.
func (c *Client) GetApproval(ctx context.Context, id int64) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/approvals/%d", id), nil, &resp)
	return resp, err
}

// ListApprovals lists approvals, optionally filtered by kind, ref, and status.
func (c *Client) ListApprovals(ctx context.Context, kind, refID, status string, limit int) ([]Approval, error) {
	q := url.Values{}
	if kind != "" {
		q.Set("workflow_kind", kind)
	}
	if refID != "" {
		q.Set("workflow_ref_id", refID)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "v0/approvals"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Approval
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetPayload resolves the business payload behind an approval. The caller
// must be one of the approval's step assignees.
func (c *Client) GetPayload(ctx context.Context, id int64) (Payload, error) {
	var resp Payload
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/approvals/%d/payload", id), nil, &resp)
	return resp, err
}

// ApproveStep approves the current step.
func (c *Client) ApproveStep(ctx context.Context, stepID int64, comment string) (Transition, error) {
	body := map[string]any{"comment": comment}
	var resp Transition
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/steps/%d/approve", stepID), body, &resp)
	return resp, err
}

// RejectStep rejects the current step.
func (c *Client) RejectStep(ctx context.Context, stepID int64, reason string) (Transition, error) {
	body := map[string]any{"reason": reason}
	var resp Transition
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/steps/%d/reject", stepID), body, &resp)
	return resp, err
}

// AssignedSteps lists pending steps waiting on the authenticated caller.
func (c *Client) AssignedSteps(ctx context.Context) ([]Step, error) {
	var resp []Step
	err := c.do(ctx, http.MethodGet, "v0/steps/assigned", nil, &resp)
	return resp, err
}

// WorkflowKinds lists the registered workflow kinds.
func (c *Client) WorkflowKinds(ctx context.Context) ([]string, error) {
	var resp []string
	err := c.do(ctx, http.MethodGet, "v0/workflow-kinds", nil, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, n int) ([]Event, error) {
	endpoint := "v0/events"
	if n > 0 {
		endpoint = fmt.Sprintf("%s?n=%d", endpoint, n)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
