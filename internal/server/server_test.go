package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"tasknest/internal/app"
	"tasknest/internal/config"
	"tasknest/internal/engine/auth"
	"tasknest/internal/enhance"
	"tasknest/internal/logging"
)

const testSecret = "test-secret"

type scriptedModel struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
}

func (m *scriptedModel) Generate(ctx context.Context, _ enhance.Prompt) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.reply, m.err
}

func (m *scriptedModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type testServer struct {
	URL      string
	client   *http.Client
	verifier auth.Verifier
}

func newTestServer(t *testing.T, model enhance.Model, mutate ...func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret
	cfg.Auth.DevTokens = true
	cfg.Stream.PollIntervalMS = 20
	cfg.Stream.TimeoutSeconds = 5
	for _, fn := range mutate {
		fn(cfg)
	}
	ctx := context.Background()
	store, err := app.OpenStore(ctx, t.TempDir(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if model == nil {
		model = enhance.NoopModel{}
	}
	ac := app.Wire(cfg, store, model, logging.Discard())
	handler, err := New(Config{
		Engine:       ac.Engine,
		Orchestrator: ac.Orchestrator,
		Monitor:      ac.Monitor,
		Identity:     ac.Identity,
		BasePath:     cfg.Server.BasePath,
		Auth:         AuthConfig{Verifier: ac.Verifier, DevTokens: cfg.Auth.DevTokens},
		Logger:       logging.Discard(),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		ac.Close()
	})
	return &testServer{URL: srv.URL, client: srv.Client(), verifier: ac.Verifier}
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	tok, _, err := auth.MintDevToken(s.verifier, userID, userID+"@example.com", time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return tok
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, token string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
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

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode %s: %v", string(data), err)
	}
	return out
}

func createTask(t *testing.T, srv *testServer, token string, body map[string]any) TaskResponse {
	t.Helper()
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/tasks", body, token)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	return decode[TaskResponse](t, data)
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/health", nil, "")
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"ok"`) {
		t.Fatalf("health %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/openapi.json", nil, "")
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "bearerAuth") {
		t.Fatalf("openapi %d", res.StatusCode)
	}
}

func TestRequiresBearerToken(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/tasks", nil, "")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	body := decode[apiError](t, data)
	if body.Code != "unauthorized" || body.Message == "" {
		t.Fatalf("unexpected envelope: %s", string(data))
	}

	foreign, _, err := auth.MintDevToken(auth.Verifier{Secret: "other"}, "user-a", "", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/tasks", nil, foreign)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for foreign signature, got %d", res.StatusCode)
	}
}

func TestTaskLifecycle(t *testing.T) {
	srv := newTestServer(t, nil)
	tok := srv.token(t, "user-a")

	created := createTask(t, srv, tok, map[string]any{
		"title":       "Write report",
		"description": "Quarterly numbers",
		"priority":    "high",
		"tags":        []string{"work", " work ", "q3"},
	})
	if created.Status != "todo" || created.EnhancementStatus != "not_enhanced" || created.UserID != "user-a" {
		t.Fatalf("unexpected defaults: %+v", created)
	}
	if len(created.Tags) != 2 {
		t.Fatalf("expected normalized tags, got %v", created.Tags)
	}

	res, data := doJSON(t, srv.client, http.MethodPut, srv.URL+"/tasks/"+created.ID, map[string]any{"title": "Write final report"}, tok)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update %d: %s", res.StatusCode, string(data))
	}
	updated := decode[TaskResponse](t, data)
	if updated.Title != "Write final report" || updated.Description == nil || *updated.Description != "Quarterly numbers" {
		t.Fatalf("partial update lost fields: %+v", updated)
	}

	res, data = doJSON(t, srv.client, http.MethodPatch, srv.URL+"/tasks/"+created.ID+"/status", map[string]any{"status": "in_progress"}, tok)
	if res.StatusCode != http.StatusOK || decode[TaskResponse](t, data).Status != "in_progress" {
		t.Fatalf("patch status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/tasks?status=in_progress", nil, tok)
	if res.StatusCode != http.StatusOK || len(decode[[]TaskResponse](t, data)) != 1 {
		t.Fatalf("list %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/tasks/"+created.ID+"/events", nil, tok)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events %d: %s", res.StatusCode, string(data))
	}
	events := decode[[]EventResponse](t, data)
	if len(events) != 3 || events[0].Type != "task.status" {
		t.Fatalf("unexpected events: %+v", events)
	}

	res, _ = doJSON(t, srv.client, http.MethodDelete, srv.URL+"/tasks/"+created.ID, nil, tok)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete %d", res.StatusCode)
	}
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/tasks/"+created.ID, nil, tok)
	if res.StatusCode != http.StatusNotFound || decode[apiError](t, data).Code != "not_found" {
		t.Fatalf("expected 404 after delete, got %d: %s", res.StatusCode, string(data))
	}
}

func TestListPaginationHeader(t *testing.T) {
	srv := newTestServer(t, nil)
	tok := srv.token(t, "user-a")
	for _, title := range []string{"one", "two", "three"} {
		createTask(t, srv, tok, map[string]any{"title": title})
	}
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/tasks?limit=2", nil, tok)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list %d: %s", res.StatusCode, string(data))
	}
	first := decode[[]TaskResponse](t, data)
	cursor := res.Header.Get("X-Next-Cursor")
	if len(first) != 2 || cursor == "" {
		t.Fatalf("expected a full page and a cursor, got %d %q", len(first), cursor)
	}
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/tasks?limit=2&cursor="+cursor, nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	res2, err := srv.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res2.Body.Close()
	data, _ = io.ReadAll(res2.Body)
	second := decode[[]TaskResponse](t, data)
	if len(second) != 1 || res2.Header.Get("X-Next-Cursor") != "" {
		t.Fatalf("expected last page of one, got %d", len(second))
	}
	seen := map[string]bool{first[0].ID: true, first[1].ID: true}
	if seen[second[0].ID] {
		t.Fatalf("cursor repeated a row")
	}
}

func TestHierarchyRoutes(t *testing.T) {
	srv := newTestServer(t, nil)
	tok := srv.token(t, "user-a")
	root := createTask(t, srv, tok, map[string]any{"title": "root"})
	child := createTask(t, srv, tok, map[string]any{"title": "child", "parent_task_id": root.ID})
	grandchild := createTask(t, srv, tok, map[string]any{"title": "grandchild", "parent_task_id": child.ID})

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/tasks", map[string]any{"title": "too deep", "parent_task_id": grandchild.ID}, tok)
	if res.StatusCode != http.StatusBadRequest || decode[apiError](t, data).Code != "validation_error" {
		t.Fatalf("expected depth rejection, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/tasks/"+root.ID+"/with-children", nil, tok)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("with-children %d: %s", res.StatusCode, string(data))
	}
	wc := decode[TaskWithChildrenResponse](t, data)
	if wc.Task.ID != root.ID || len(wc.Children) != 1 || wc.Children[0].ID != child.ID {
		t.Fatalf("unexpected with-children: %+v", wc)
	}

	res, data = doJSON(t, srv.client, http.MethodPut, srv.URL+"/tasks/"+root.ID, map[string]any{"parent_task_id": grandchild.ID}, tok)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected cycle rejection, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodPut, srv.URL+"/tasks/"+child.ID, map[string]any{"parent_task_id": nil}, tok)
	if res.StatusCode != http.StatusOK || decode[TaskResponse](t, data).ParentTaskID != nil {
		t.Fatalf("expected detach, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/tasks?root_only=true", nil, tok)
	if res.StatusCode != http.StatusOK || len(decode[[]TaskResponse](t, data)) != 2 {
		t.Fatalf("expected two roots: %s", string(data))
	}
}

func TestOwnershipIsolation(t *testing.T) {
	model := &scriptedModel{reply: `{"enhanced_title":"x","enhanced_description":"y"}`}
	srv := newTestServer(t, model)
	alice, bob := srv.token(t, "alice"), srv.token(t, "bob")
	task := createTask(t, srv, alice, map[string]any{"title": "Alice only"})

	checks := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodGet, "/tasks/" + task.ID, nil},
		{http.MethodPut, "/tasks/" + task.ID, map[string]any{"title": "stolen"}},
		{http.MethodPatch, "/tasks/" + task.ID + "/status", map[string]any{"status": "completed"}},
		{http.MethodGet, "/tasks/" + task.ID + "/children", nil},
		{http.MethodGet, "/tasks/" + task.ID + "/with-children", nil},
		{http.MethodGet, "/tasks/" + task.ID + "/events", nil},
		{http.MethodGet, "/tasks/" + task.ID + "/enhance-ai/status", nil},
		{http.MethodDelete, "/tasks/" + task.ID, nil},
		// Scenario B: enhancing a task the caller does not own.
		{http.MethodPost, "/tasks/" + task.ID + "/enhance-ai", map[string]any{"enhancement_type": "enhance"}},
	}
	for _, c := range checks {
		res, data := doJSON(t, srv.client, c.method, srv.URL+c.path, c.body, bob)
		if res.StatusCode != http.StatusNotFound {
			t.Fatalf("%s %s: expected 404, got %d: %s", c.method, c.path, res.StatusCode, string(data))
		}
	}
	if model.Calls() != 0 {
		t.Fatalf("model must not be called for a foreign task")
	}
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/tasks", nil, bob)
	if res.StatusCode != http.StatusOK || len(decode[[]TaskResponse](t, data)) != 0 {
		t.Fatalf("bob must not enumerate alice's tasks: %s", string(data))
	}
	res, _ = doJSON(t, srv.client, http.MethodPost, srv.URL+"/tasks", map[string]any{"title": "hijack", "parent_task_id": task.ID}, bob)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected foreign parent rejected, got %d", res.StatusCode)
	}
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/tasks/"+task.ID, nil, alice)
	if res.StatusCode != http.StatusOK || decode[TaskResponse](t, data).Title != "Alice only" {
		t.Fatalf("alice's task changed: %s", string(data))
	}
}

func TestInvalidStatusIsRejectedWithoutMutation(t *testing.T) {
	srv := newTestServer(t, nil)
	tok := srv.token(t, "user-a")
	task := createTask(t, srv, tok, map[string]any{"title": "Stable"})

	res, data := doJSON(t, srv.client, http.MethodPatch, srv.URL+"/tasks/"+task.ID+"/status", map[string]any{"status": "not_a_real_status"}, tok)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	_, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/tasks/"+task.ID, nil, tok)
	after := decode[TaskResponse](t, data)
	if after.Status != "todo" || after.UpdatedAt != task.UpdatedAt {
		t.Fatalf("row mutated: %+v", after)
	}
}

func TestEnhanceTask(t *testing.T) {
	model := &scriptedModel{reply: `Sure! {"enhanced_title":"Build a marketing website","enhanced_description":"Design, build and launch.","notes":"Scoped to v1"}`}
	srv := newTestServer(t, model)
	tok := srv.token(t, "user-a")
	task := createTask(t, srv, tok, map[string]any{"title": "Build website"})

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/tasks/"+task.ID+"/enhance-ai", map[string]any{"enhancement_type": "enhance"}, tok)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("enhance %d: %s", res.StatusCode, string(data))
	}
	out := decode[EnhanceResponse](t, data)
	if !out.Success || out.EnhancementType != "enhance" || out.Source != "parsed" || out.Data.OldTitle != "Build website" {
		t.Fatalf("unexpected response: %+v", out)
	}
	_, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/tasks/"+task.ID, nil, tok)
	stored := decode[TaskResponse](t, data)
	if stored.EnhancedTitle == nil || *stored.EnhancedTitle == "" || stored.EnhancementStatus != "enhanced" {
		t.Fatalf("enhancement not stored: %+v", stored)
	}
	if model.Calls() != 1 {
		t.Fatalf("expected exactly one model call, got %d", model.Calls())
	}
}

func TestSplitFallbackCreatesDefaultChildren(t *testing.T) {
	srv := newTestServer(t, &scriptedModel{reply: "I cannot produce JSON today."})
	tok := srv.token(t, "user-a")
	task := createTask(t, srv, tok, map[string]any{"title": "Launch product"})

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/tasks/"+task.ID+"/enhance-ai", map[string]any{"enhancement_type": "split"}, tok)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("split %d: %s", res.StatusCode, string(data))
	}
	out := decode[EnhanceResponse](t, data)
	if out.Source != "fallback" || out.Data.SubtasksCreated != 3 || out.Data.Rationale != enhance.FallbackSplitNotes {
		t.Fatalf("unexpected split response: %+v", out.Data)
	}
	_, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/tasks/"+task.ID+"/children", nil, tok)
	children := decode[[]TaskResponse](t, data)
	if len(children) != 3 {
		t.Fatalf("expected 3 children, got %d", len(children))
	}
	titles := map[string]bool{}
	for _, c := range children {
		if c.ParentTaskID == nil || *c.ParentTaskID != task.ID {
			t.Fatalf("child not linked to parent: %+v", c)
		}
		titles[c.Title] = true
	}
	for _, want := range []string{"Research and Planning", "Implementation", "Review and Testing"} {
		if !titles[want] {
			t.Fatalf("missing fallback subtask %q", want)
		}
	}
	_, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/tasks/"+task.ID, nil, tok)
	parent := decode[TaskResponse](t, data)
	if parent.Status != "in_progress" || parent.EnhancementStatus != "enhanced" {
		t.Fatalf("parent not updated: %+v", parent)
	}
}

func TestEnhanceUpstreamFailure(t *testing.T) {
	srv := newTestServer(t, nil)
	tok := srv.token(t, "user-a")
	task := createTask(t, srv, tok, map[string]any{"title": "No model configured"})

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/tasks/"+task.ID+"/enhance-ai", map[string]any{"enhancement_type": "enhance"}, tok)
	if res.StatusCode != http.StatusInternalServerError || decode[apiError](t, data).Code != "upstream_failure" {
		t.Fatalf("expected upstream failure, got %d: %s", res.StatusCode, string(data))
	}
	_, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/tasks/"+task.ID, nil, tok)
	stored := decode[TaskResponse](t, data)
	if stored.EnhancementStatus != "enhancement_failed" || stored.EnhancementNotes == nil {
		t.Fatalf("failure not recorded: %+v", stored)
	}

	res, _ = doJSON(t, srv.client, http.MethodPost, srv.URL+"/tasks/"+task.ID+"/enhance-ai", map[string]any{"enhancement_type": "rewrite"}, tok)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected invalid mode rejected, got %d", res.StatusCode)
	}
}

type sseEvent struct {
	Name string
	Data map[string]any
}

func readSSE(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()
	raw, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	var out []sseEvent
	for _, block := range strings.Split(strings.TrimSpace(string(raw)), "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.Name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev.Data); err != nil {
					t.Fatalf("decode data %q: %v", line, err)
				}
			}
		}
		out = append(out, ev)
	}
	return out
}

func TestStatusStreamForEnhancedTask(t *testing.T) {
	srv := newTestServer(t, &scriptedModel{reply: `{"enhanced_title":"Done","enhanced_description":"Already"}`})
	tok := srv.token(t, "user-a")
	task := createTask(t, srv, tok, map[string]any{"title": "Stream me"})
	if res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/tasks/"+task.ID+"/enhance-ai", map[string]any{"enhancement_type": "enhance"}, tok); res.StatusCode != http.StatusOK {
		t.Fatalf("enhance %d: %s", res.StatusCode, string(data))
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/tasks/"+task.ID+"/enhance-ai/status", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	res, err := srv.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK || !strings.HasPrefix(res.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("unexpected stream response %d %q", res.StatusCode, res.Header.Get("Content-Type"))
	}
	events := readSSE(t, res.Body)
	if len(events) != 3 {
		t.Fatalf("expected connected, status, complete; got %+v", events)
	}
	if events[0].Name != "connected" || events[1].Name != "status" || events[2].Name != "complete" {
		t.Fatalf("unexpected order: %+v", events)
	}
	if events[1].Data["progress"] != float64(100) || events[1].Data["status"] != "enhanced" {
		t.Fatalf("unexpected status payload: %+v", events[1].Data)
	}
}

func TestStatusStreamMissingTask(t *testing.T) {
	srv := newTestServer(t, nil)
	tok := srv.token(t, "user-a")
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/tasks/missing/enhance-ai/status", nil, tok)
	if res.StatusCode != http.StatusNotFound || decode[apiError](t, data).Code != "not_found" {
		t.Fatalf("expected 404 before streaming, got %d: %s", res.StatusCode, string(data))
	}
}

func TestStatusWebSocket(t *testing.T) {
	srv := newTestServer(t, &scriptedModel{err: context.DeadlineExceeded})
	tok := srv.token(t, "user-a")
	task := createTask(t, srv, tok, map[string]any{"title": "Will fail"})
	doJSON(t, srv.client, http.MethodPost, srv.URL+"/tasks/"+task.ID+"/enhance-ai", map[string]any{"enhancement_type": "enhance"}, tok)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/tasks/" + task.ID + "/enhance-ai/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + tok}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var names []string
	for {
		var msg struct {
			Event string         `json:"event"`
			Data  map[string]any `json:"data"`
		}
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				t.Fatalf("expected normal closure, got %v", err)
			}
			break
		}
		names = append(names, msg.Event)
	}
	if strings.Join(names, ",") != "connected,status,error" {
		t.Fatalf("unexpected events: %v", names)
	}
}

func TestIdentityProxy(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/token" && r.URL.Query().Get("grant_type") == "password":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["password"] != "hunter22" {
				w.WriteHeader(http.StatusBadRequest)
				io.WriteString(w, `{"error":"invalid_grant","error_description":"Invalid login credentials"}`)
				return
			}
			io.WriteString(w, `{"access_token":"at","refresh_token":"rt","token_type":"bearer","expires_in":3600,"user":{"id":"u-1","email":"a@example.com"}}`)
		case r.URL.Path == "/user":
			io.WriteString(w, `{"id":"u-1","email":"a@example.com","role":"authenticated"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer provider.Close()

	srv := newTestServer(t, nil, func(c *config.Config) { c.Identity.URL = provider.URL })
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/auth/login", map[string]any{"email": "a@example.com", "password": "hunter22"}, "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login %d: %s", res.StatusCode, string(data))
	}
	session := decode[AuthSessionResponse](t, data)
	if session.AccessToken != "at" || session.User == nil || session.User.ID != "u-1" {
		t.Fatalf("unexpected session: %+v", session)
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/auth/login", map[string]any{"email": "a@example.com", "password": "wrong"}, "")
	body := decode[apiError](t, data)
	if res.StatusCode != http.StatusBadRequest || body.Code != "upstream_failure" || body.Message != "Invalid login credentials" {
		t.Fatalf("expected provider rejection as 400, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/auth/profile", nil, srv.token(t, "u-1"))
	if res.StatusCode != http.StatusOK || decode[ProfileResponse](t, data).Email != "a@example.com" {
		t.Fatalf("profile %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/auth/profile", nil, "")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("profile must require a token, got %d", res.StatusCode)
	}
}

func TestIdentityUnavailable(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/auth/login", map[string]any{"email": "a@example.com", "password": "x"}, "")
	if res.StatusCode != http.StatusServiceUnavailable || decode[apiError](t, data).Code != "identity_unavailable" {
		t.Fatalf("expected 503, got %d: %s", res.StatusCode, string(data))
	}
}

func TestDevTokenRoute(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/auth/dev/token", map[string]any{"user_id": "dev-user"}, "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev token %d: %s", res.StatusCode, string(data))
	}
	tok := decode[DevTokenResponse](t, data).AccessToken
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/tasks", nil, tok)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("minted token rejected: %d", res.StatusCode)
	}

	off := newTestServer(t, nil, func(c *config.Config) { c.Auth.DevTokens = false })
	res, _ = doJSON(t, off.client, http.MethodPost, off.URL+"/auth/dev/token", map[string]any{"user_id": "dev-user"}, "")
	if res.StatusCode != http.StatusNotFound && res.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("dev token route must be absent, got %d", res.StatusCode)
	}
}
