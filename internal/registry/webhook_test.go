package registry_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"signoff/internal/config"
	"signoff/internal/registry"
)

type hookCall struct {
	Path string
	Body map[string]any
}

func newHookServer(t *testing.T) (*httptest.Server, func() []hookCall) {
	t.Helper()
	var mu sync.Mutex
	var calls []hookCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Signoff-Kind") != "DOC_REVIEW" {
			t.Errorf("kind header = %q", r.Header.Get("X-Signoff-Kind"))
		}
		if r.Header.Get("X-Signoff-Secret") != "s3cret" {
			t.Errorf("secret header = %q", r.Header.Get("X-Signoff-Secret"))
		}
		switch r.URL.Path {
		case "/details":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"ref_id": r.URL.Query().Get("ref_id"), "title": "contract"})
		case "/approved", "/rejected":
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode hook body: %v", err)
			}
			mu.Lock()
			calls = append(calls, hookCall{Path: r.URL.Path, Body: body})
			mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		case "/broken":
			http.Error(w, "downstream exploded", http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	return srv, func() []hookCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]hookCall(nil), calls...)
	}
}

func newTestRegistry(t *testing.T, base string) *registry.Registry {
	t.Helper()
	reg, err := registry.FromConfig([]config.WorkflowKindConfig{{
		Kind:        "DOC_REVIEW",
		DetailsURL:  base + "/details",
		ApprovedURL: base + "/approved",
		RejectedURL: base + "/rejected",
		Secret:      "s3cret",
	}})
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	return reg
}

func TestWebhookHooksRoundTrip(t *testing.T) {
	srv, calls := newHookServer(t)
	defer srv.Close()
	reg := newTestRegistry(t, srv.URL)
	ctx := context.Background()

	hooks, err := reg.Resolve("DOC_REVIEW")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	payload, err := hooks.FetchDetails(ctx, "doc-9")
	if err != nil {
		t.Fatalf("fetch details: %v", err)
	}
	var details map[string]string
	if err := json.Unmarshal(payload, &details); err != nil {
		t.Fatalf("decode details: %v", err)
	}
	if details["ref_id"] != "doc-9" || details["title"] != "contract" {
		t.Fatalf("details = %v", details)
	}

	if err := hooks.OnApproved(ctx, "doc-9", "alice"); err != nil {
		t.Fatalf("on approved: %v", err)
	}
	if err := hooks.OnRejected(ctx, "doc-9", "bob", "not ready"); err != nil {
		t.Fatalf("on rejected: %v", err)
	}

	got := calls()
	if len(got) != 2 {
		t.Fatalf("calls = %+v", got)
	}
	if got[0].Path != "/approved" || got[0].Body["ref_id"] != "doc-9" || got[0].Body["approver_id"] != "alice" {
		t.Fatalf("approved call = %+v", got[0])
	}
	if got[1].Path != "/rejected" || got[1].Body["reason"] != "not ready" {
		t.Fatalf("rejected call = %+v", got[1])
	}
}

func TestWebhookHooksErrorStatuses(t *testing.T) {
	srv, _ := newHookServer(t)
	defer srv.Close()
	reg, err := registry.FromConfig([]config.WorkflowKindConfig{{
		Kind:        "DOC_REVIEW",
		DetailsURL:  srv.URL + "/broken",
		ApprovedURL: srv.URL + "/broken",
		RejectedURL: srv.URL + "/broken",
		Secret:      "s3cret",
	}})
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	hooks, err := reg.Resolve("DOC_REVIEW")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := hooks.FetchDetails(ctx, "doc-9"); err == nil {
		t.Fatalf("expected fetch details error on 502")
	}
	if err := hooks.OnApproved(ctx, "doc-9", "alice"); err == nil {
		t.Fatalf("expected on approved error on 502")
	}
}

func TestResolveUnknownKind(t *testing.T) {
	srv, _ := newHookServer(t)
	defer srv.Close()
	reg := newTestRegistry(t, srv.URL)
	if _, err := reg.Resolve("NOT_CONFIGURED"); !errors.Is(err, registry.ErrUnknownKind) {
		t.Fatalf("err = %v, want ErrUnknownKind", err)
	}
}
