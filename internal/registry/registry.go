// Package registry maps workflow kinds to the external business hooks the
// approval engine invokes. Registration is static configuration resolved at
// startup; resolving an unregistered kind is an operator error, not a user
// error.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownKind indicates a workflow kind with no registered hooks. This is
// a misconfiguration and should alert operators rather than be retried.
var ErrUnknownKind = errors.New("workflow kind not registered")

// Hooks are the business capabilities attached to one workflow kind.
// OnApproved and OnRejected are invoked at most once per approval, after the
// deciding transition has been committed; a hook failure never rolls the
// decision back.
type Hooks interface {
	// FetchDetails returns the business payload behind a workflow ref for
	// UI consumption. Responses must not be cached.
	FetchDetails(ctx context.Context, refID string) (json.RawMessage, error)

	// OnApproved runs the gated business action once the approval is
	// durably APPROVED.
	OnApproved(ctx context.Context, refID, approverID string) error

	// OnRejected notifies the owning process once the approval is durably
	// REJECTED.
	OnRejected(ctx context.Context, refID, approverID, reason string) error
}

// Registry is the capability table. It is populated once at startup and read
// concurrently afterwards; there is no post-start mutation.
type Registry struct {
	kinds map[string]Hooks
}

func New() *Registry {
	return &Registry{kinds: map[string]Hooks{}}
}

// Register binds hooks to a kind. Duplicate registration is a configuration
// error.
func (r *Registry) Register(kind string, h Hooks) error {
	if kind == "" {
		return errors.New("workflow kind required")
	}
	if h == nil {
		return fmt.Errorf("workflow kind %s: hooks required", kind)
	}
	if _, ok := r.kinds[kind]; ok {
		return fmt.Errorf("workflow kind %s registered twice", kind)
	}
	r.kinds[kind] = h
	return nil
}

// Resolve returns the hooks for a kind by exact match.
func (r *Registry) Resolve(kind string) (Hooks, error) {
	h, ok := r.kinds[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return h, nil
}

// Kinds lists registered kinds in stable order.
func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
