package registry

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

	"signoff/internal/config"
)

const defaultHookTimeout = 5 * time.Second

// WebhookHooks implements Hooks over HTTP endpoints owned by the external
// collaborator that holds the gated business entity. The engine never
// interprets the ref id; it is only round-tripped here.
type WebhookHooks struct {
	Kind        string
	DetailsURL  string
	ApprovedURL string
	RejectedURL string
	Secret      string
	Client      *http.Client
}

// FromConfig builds a registry from the configured workflow kind table.
func FromConfig(kinds []config.WorkflowKindConfig) (*Registry, error) {
	r := New()
	for _, k := range kinds {
		timeout := defaultHookTimeout
		if k.TimeoutSeconds > 0 {
			timeout = time.Duration(k.TimeoutSeconds) * time.Second
		}
		h := &WebhookHooks{
			Kind:        k.Kind,
			DetailsURL:  k.DetailsURL,
			ApprovedURL: k.ApprovedURL,
			RejectedURL: k.RejectedURL,
			Secret:      k.Secret,
			Client:      &http.Client{Timeout: timeout},
		}
		if err := r.Register(k.Kind, h); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (h *WebhookHooks) FetchDetails(ctx context.Context, refID string) (json.RawMessage, error) {
	u, err := url.Parse(h.DetailsURL)
	if err != nil {
		return nil, fmt.Errorf("kind %s details url: %w", h.Kind, err)
	}
	q := u.Query()
	q.Set("ref_id", refID)
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	h.setHeaders(req)
	res, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kind %s fetch details: %w", h.Kind, err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("kind %s fetch details: status %d: %s", h.Kind, res.StatusCode, strings.TrimSpace(string(body)))
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("kind %s fetch details: response is not JSON", h.Kind)
	}
	return json.RawMessage(body), nil
}

func (h *WebhookHooks) OnApproved(ctx context.Context, refID, approverID string) error {
	return h.post(ctx, h.ApprovedURL, map[string]any{
		"ref_id":      refID,
		"approver_id": approverID,
	})
}

func (h *WebhookHooks) OnRejected(ctx context.Context, refID, approverID, reason string) error {
	return h.post(ctx, h.RejectedURL, map[string]any{
		"ref_id":      refID,
		"approver_id": approverID,
		"reason":      reason,
	})
}

func (h *WebhookHooks) post(ctx context.Context, endpoint string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	h.setHeaders(req)
	res, err := h.Client.Do(req)
	if err != nil {
		return fmt.Errorf("kind %s hook %s: %w", h.Kind, endpoint, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("kind %s hook %s: status %d: %s", h.Kind, endpoint, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (h *WebhookHooks) setHeaders(req *http.Request) {
	req.Header.Set("X-Signoff-Kind", h.Kind)
	if strings.TrimSpace(h.Secret) != "" {
		req.Header.Set("X-Signoff-Secret", h.Secret)
	}
}
