package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"signoff/internal/config"
	"signoff/internal/db"
	"signoff/internal/domain"
	"signoff/internal/engine"
	"signoff/internal/migrate"
	"signoff/internal/registry"
	signoffsdk "signoff/sdk/go"
)

type recordingHooks struct {
	mu       sync.Mutex
	approved int
	rejected int
	details  json.RawMessage
}

func (h *recordingHooks) FetchDetails(ctx context.Context, refID string) (json.RawMessage, error) {
	if h.details != nil {
		return h.details, nil
	}
	return json.RawMessage(`{"ref_id":"` + refID + `"}`), nil
}

func (h *recordingHooks) OnApproved(ctx context.Context, refID, approverID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.approved++
	return nil
}

func (h *recordingHooks) OnRejected(ctx context.Context, refID, approverID, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rejected++
	return nil
}

type testServer struct {
	URL    string
	Hooks  *recordingHooks
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	hooks := &recordingHooks{}
	reg := registry.New()
	if err := reg.Register("DOC_REVIEW", hooks); err != nil {
		t.Fatalf("register kind: %v", err)
	}
	e := engine.New(conn, reg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:        "test-secret",
			DevLogin:         true,
			AllowActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Hooks:  hooks,
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asActor(actorID string) map[string]string {
	return map[string]string{"X-Actor-Id": actorID}
}

func createApproval(t *testing.T, srv *testServer, requester string, body CreateApprovalRequest) domain.Approval {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/approvals", body, asActor(requester))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create approval: status %d body %s", res.StatusCode, data)
	}
	var a domain.Approval
	if err := json.Unmarshal(data, &a); err != nil {
		t.Fatalf("decode approval: %v", err)
	}
	return a
}

func boolPtr(b bool) *bool { return &b }

func TestHealthOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: status %d body %s", res.StatusCode, data)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/approvals", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", res.StatusCode)
	}
}

func TestDevLoginAndJWTAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login",
		DevLoginRequest{ActorID: "alice"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: status %d body %s", res.StatusCode, data)
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("decode login: %v (%s)", err, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/steps/assigned", nil,
		map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assigned steps with JWT: status %d body %s", res.StatusCode, data)
	}
}

func TestCreateAndApproveFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	a := createApproval(t, srv, "requester", CreateApprovalRequest{
		WorkflowKind:  "DOC_REVIEW",
		WorkflowRefID: "doc-1",
		Steps: []StepSpecRequest{
			{Order: 1, AssignedToID: "alice"},
			{Order: 2, AssignedToID: "bob"},
		},
	})
	if a.Status != domain.ApprovalPending || len(a.Steps) != 2 {
		t.Fatalf("created approval: %+v", a)
	}

	var firstID, secondID int64
	for _, s := range a.Steps {
		switch s.StepOrder {
		case 1:
			firstID = s.ID
		case 2:
			secondID = s.ID
		}
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/steps/"+itoa(firstID)+"/approve", DecisionRequest{Comment: "lgtm"}, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve step 1: status %d body %s", res.StatusCode, data)
	}
	var tr TransitionResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		t.Fatalf("decode transition: %v", err)
	}
	if tr.Terminated || tr.Approval.Status != domain.ApprovalPending {
		t.Fatalf("step 1 terminated early: %+v", tr)
	}
	if tr.Approval.CurrentStepID == nil || *tr.Approval.CurrentStepID != secondID {
		t.Fatalf("current step = %v, want %d", tr.Approval.CurrentStepID, secondID)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/steps/"+itoa(secondID)+"/approve", DecisionRequest{}, asActor("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve step 2: status %d body %s", res.StatusCode, data)
	}
	if err := json.Unmarshal(data, &tr); err != nil {
		t.Fatalf("decode transition: %v", err)
	}
	if !tr.Terminated || tr.Approval.Status != domain.ApprovalApproved {
		t.Fatalf("final state: %+v", tr.Approval)
	}
	srv.Hooks.mu.Lock()
	approved := srv.Hooks.approved
	srv.Hooks.mu.Unlock()
	if approved != 1 {
		t.Fatalf("OnApproved fired %d times, want 1", approved)
	}
}

func TestRejectReturnsConflictOnRetry(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	a := createApproval(t, srv, "requester", CreateApprovalRequest{
		WorkflowKind:  "DOC_REVIEW",
		WorkflowRefID: "doc-2",
		Steps:         []StepSpecRequest{{Order: 1, AssignedToID: "alice"}},
	})
	stepID := a.Steps[0].ID

	res, data := doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/steps/"+itoa(stepID)+"/reject", DecisionRequest{Reason: "nope"}, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reject: status %d body %s", res.StatusCode, data)
	}

	// retry loses cleanly with a refresh-and-retry message
	res, data = doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/steps/"+itoa(stepID)+"/reject", DecisionRequest{}, asActor("alice"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("retry: status %d body %s, want 409", res.StatusCode, data)
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, data)
	}
	if envelope.Error.Code != "step_already_decided" && envelope.Error.Code != "approval_already_decided" {
		t.Fatalf("error code = %q", envelope.Error.Code)
	}
	srv.Hooks.mu.Lock()
	rejected := srv.Hooks.rejected
	srv.Hooks.mu.Unlock()
	if rejected != 1 {
		t.Fatalf("OnRejected fired %d times, want 1", rejected)
	}
}

func TestWrongAssigneeForbidden(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	a := createApproval(t, srv, "requester", CreateApprovalRequest{
		WorkflowKind:  "DOC_REVIEW",
		WorkflowRefID: "doc-3",
		Steps:         []StepSpecRequest{{Order: 1, AssignedToID: "alice"}},
	})
	res, data := doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/steps/"+itoa(a.Steps[0].ID)+"/approve", DecisionRequest{}, asActor("mallory"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d body %s, want 403", res.StatusCode, data)
	}
}

func TestAdminOverride(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	a := createApproval(t, srv, "requester", CreateApprovalRequest{
		WorkflowKind:  "DOC_REVIEW",
		WorkflowRefID: "doc-4",
		Steps:         []StepSpecRequest{{Order: 1, AssignedToID: "alice"}},
	})

	// non-admin cannot override
	res, data := doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/steps/"+itoa(a.Steps[0].ID)+"/approve", DecisionRequest{Override: true}, asActor("mallory"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin override: status %d body %s", res.StatusCode, data)
	}

	// admin JWT overrides as the assignee
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login",
		DevLoginRequest{ActorID: "root", Roles: []string{"admin"}}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin login: status %d body %s", res.StatusCode, data)
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/steps/"+itoa(a.Steps[0].ID)+"/approve", DecisionRequest{Override: true},
		map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin override: status %d body %s", res.StatusCode, data)
	}
	var tr TransitionResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		t.Fatal(err)
	}
	if tr.Approval.Status != domain.ApprovalApproved {
		t.Fatalf("status = %s, want APPROVED", tr.Approval.Status)
	}
	if tr.Step.AssignedToID != "alice" {
		t.Fatalf("decided step assignee = %s", tr.Step.AssignedToID)
	}
}

func TestPayloadGatedAndUncached(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	srv.Hooks.details = json.RawMessage(`{"title":"contract"}`)
	a := createApproval(t, srv, "requester", CreateApprovalRequest{
		WorkflowKind:  "DOC_REVIEW",
		WorkflowRefID: "doc-5",
		Steps:         []StepSpecRequest{{Order: 1, AssignedToID: "alice"}},
	})

	res, data := doJSON(t, srv.Client(), http.MethodGet,
		srv.URL+"/v0/approvals/"+itoa(a.ID)+"/payload", nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("payload: status %d body %s", res.StatusCode, data)
	}
	if cc := res.Header.Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("Cache-Control = %q, want no-store", cc)
	}
	var pr PayloadResponse
	if err := json.Unmarshal(data, &pr); err != nil {
		t.Fatalf("decode payload: %v", err)
	}

	// only assignees may read the payload
	res, _ = doJSON(t, srv.Client(), http.MethodGet,
		srv.URL+"/v0/approvals/"+itoa(a.ID)+"/payload", nil, asActor("requester"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", res.StatusCode)
	}
}

func TestListAssignedSteps(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createApproval(t, srv, "requester", CreateApprovalRequest{
		WorkflowKind:  "DOC_REVIEW",
		WorkflowRefID: "doc-6",
		Steps: []StepSpecRequest{
			{Order: 1, AssignedToID: "alice"},
			{Order: 2, AssignedToID: "bob"},
		},
	})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/steps/assigned", nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assigned: status %d body %s", res.StatusCode, data)
	}
	var steps []domain.ApprovalStep
	if err := json.Unmarshal(data, &steps); err != nil {
		t.Fatalf("decode steps: %v", err)
	}
	if len(steps) != 1 || steps[0].AssignedToID != "alice" {
		t.Fatalf("assigned steps = %+v", steps)
	}
	// bob's step exists but is not current yet
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/steps/assigned", nil, asActor("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assigned for bob: status %d body %s", res.StatusCode, data)
	}
	if err := json.Unmarshal(data, &steps); err != nil {
		t.Fatal(err)
	}
	if len(steps) != 0 {
		t.Fatalf("bob should have no current steps, got %+v", steps)
	}
}

func TestCreateValidations(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	// chain with a gap
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/approvals", CreateApprovalRequest{
		WorkflowKind:  "DOC_REVIEW",
		WorkflowRefID: "doc-7",
		Steps: []StepSpecRequest{
			{Order: 1, AssignedToID: "alice"},
			{Order: 3, AssignedToID: "bob"},
		},
	}, asActor("requester"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("gap chain: status %d body %s, want 400", res.StatusCode, data)
	}

	// unknown kind is an operator error
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/approvals", CreateApprovalRequest{
		WorkflowKind:  "NOT_CONFIGURED",
		WorkflowRefID: "doc-8",
		Steps:         []StepSpecRequest{{Order: 1, AssignedToID: "alice"}},
	}, asActor("requester"))
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("unknown kind: status %d body %s, want 500", res.StatusCode, data)
	}
}

func TestListApprovalsFilter(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createApproval(t, srv, "requester", CreateApprovalRequest{
		WorkflowKind:  "DOC_REVIEW",
		WorkflowRefID: "doc-a",
		Steps:         []StepSpecRequest{{Order: 1, AssignedToID: "alice"}},
	})
	createApproval(t, srv, "requester", CreateApprovalRequest{
		WorkflowKind:     "DOC_REVIEW",
		WorkflowRefID:    "doc-b",
		RequiresAllSteps: boolPtr(false),
		Steps:            []StepSpecRequest{{Order: 1, AssignedToID: "bob"}},
	})
	res, data := doJSON(t, srv.Client(), http.MethodGet,
		srv.URL+"/v0/approvals?workflow_ref_id=doc-b", nil, asActor("requester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d body %s", res.StatusCode, data)
	}
	var items []domain.Approval
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(items) != 1 || items[0].WorkflowRefID != "doc-b" {
		t.Fatalf("filtered list = %+v", items)
	}
}

func TestEventPayloadRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	a := createApproval(t, srv, "requester", CreateApprovalRequest{
		WorkflowKind:  "DOC_REVIEW",
		WorkflowRefID: "doc-evt",
		Steps:         []StepSpecRequest{{Order: 1, AssignedToID: "alice"}},
	})

	// the endpoint returns payload as a decoded object, not a JSON string
	res, data := doJSON(t, srv.Client(), http.MethodGet,
		srv.URL+"/v0/events?type=approval.created", nil, asActor("requester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: status %d body %s", res.StatusCode, data)
	}
	var events []EventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("decode events: %v (%s)", err, data)
	}
	if len(events) == 0 {
		t.Fatalf("no approval.created event")
	}
	evt := events[0]
	if evt.Payload["workflow_kind"] != "DOC_REVIEW" || evt.Payload["workflow_ref_id"] != "doc-evt" {
		t.Fatalf("event payload = %#v", evt.Payload)
	}

	// and the SDK sees the same object through its own types
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login",
		DevLoginRequest{ActorID: "requester"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: status %d body %s", res.StatusCode, data)
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatal(err)
	}
	client := signoffsdk.New(srv.URL)
	client.BearerToken = login.Token
	sdkEvents, err := client.Events(context.Background(), 10)
	if err != nil {
		t.Fatalf("sdk events: %v", err)
	}
	found := false
	for _, e := range sdkEvents {
		if e.Type == "approval.created" && e.EntityID == itoa(a.ID) {
			found = true
			if e.Payload["workflow_kind"] != "DOC_REVIEW" {
				t.Fatalf("sdk event payload = %#v", e.Payload)
			}
		}
	}
	if !found {
		t.Fatalf("approval.created for %d not in sdk events: %+v", a.ID, sdkEvents)
	}
}

func TestNotifierDeliversCommittedEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	var mu sync.Mutex
	var got []notifyEvent
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt notifyEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			t.Errorf("decode delivery: %v", err)
		}
		if r.Header.Get("X-Signoff-Event") != evt.Type {
			t.Errorf("event header %q != body type %q", r.Header.Get("X-Signoff-Event"), evt.Type)
		}
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer sink.Close()

	a := createApproval(t, srv, "requester", CreateApprovalRequest{
		WorkflowKind:  "DOC_REVIEW",
		WorkflowRefID: "doc-n",
		Steps:         []StepSpecRequest{{Order: 1, AssignedToID: "alice"}},
	})
	res, data := doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/steps/"+itoa(a.Steps[0].ID)+"/approve", DecisionRequest{}, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: status %d body %s", res.StatusCode, data)
	}

	d := &notifyDispatcher{
		engine: srv.Engine,
		webhooks: []config.WebhookConfig{{
			URL:    sink.URL,
			Events: []string{"approval.created", "approval.approved"},
		}},
		client:  &http.Client{Timeout: time.Second},
		cursors: map[int]int64{0: 0},
	}
	d.dispatchAll()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("deliveries = %+v, want approval.created + approval.approved", got)
	}
	if got[0].Type != "approval.created" || got[1].Type != "approval.approved" {
		t.Fatalf("delivery order = %s, %s", got[0].Type, got[1].Type)
	}
	// step.approved was filtered out, but the cursor still moved past it
	if cur := d.cursors[0]; cur < got[1].ID {
		t.Fatalf("cursor = %d, want >= %d", cur, got[1].ID)
	}
	var payload map[string]any
	if err := json.Unmarshal(got[0].Payload, &payload); err != nil || payload["workflow_ref_id"] != "doc-n" {
		t.Fatalf("delivered payload = %s (%v)", got[0].Payload, err)
	}
}

func TestNotifierStopsOnContextCancel(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	d := &notifyDispatcher{
		engine:  srv.Engine,
		client:  &http.Client{Timeout: time.Second},
		cursors: map[int]int64{},
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("dispatcher did not stop after cancel")
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
