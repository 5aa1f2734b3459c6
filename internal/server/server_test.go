package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"clipline/internal/app"
	"clipline/internal/config"
	"clipline/internal/db"
	"clipline/internal/migrate"
	"clipline/internal/server"
)

type testServer struct {
	BaseURL string
	App     app.App
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	a := app.New(conn, app.Options{Secret: "sssh", Config: config.Default("")})

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	baseURL := "http://" + ln.Addr().String()
	handler, err := server.New(server.Config{
		Engine:  a.Engine,
		HITL:    a.HITL,
		Guard:   a.Guard,
		DLQ:     a.DLQ,
		BaseURL: baseURL,
		Auth: server.AuthConfig{
			JWTSecret:              "jwt-secret",
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return testServer{BaseURL: baseURL + "/v0", App: a}
}

// doJSON sends a request with the legacy actor header and decodes the JSON
// response into out when it is non-nil.
func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	return doJSONAs(t, method, url, "tester", body, out)
}

func doJSONAs(t *testing.T, method, url, actor string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if actor != "" {
		req.Header.Set("X-Actor-Id", actor)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func gatedConfigBody() *config.Config {
	cfg := config.Default("proj-1")
	cfg.Pipeline.Stages = []string{"ideate", "publish"}
	cfg.Pipeline.Supervisors = nil
	cfg.Pipeline.Gates = []string{"after_ideate"}
	cfg.Pipeline.Callbacks = nil
	return cfg
}

func setupGatedProject(t *testing.T, ts testServer) {
	t.Helper()
	if code := doJSON(t, http.MethodPost, ts.BaseURL+"/projects", map[string]any{"id": "proj-1"}, nil); code != http.StatusCreated {
		t.Fatalf("create project: status %d", code)
	}
	if code := doJSON(t, http.MethodPut, ts.BaseURL+"/projects/proj-1/config", gatedConfigBody(), nil); code != http.StatusOK {
		t.Fatalf("put config: status %d", code)
	}
}

func TestHealthIsOpen(t *testing.T) {
	ts := newTestServer(t)
	if code := doJSONAs(t, http.MethodGet, ts.BaseURL+"/health", "", nil, nil); code != http.StatusOK {
		t.Fatalf("health: status %d", code)
	}
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	ts := newTestServer(t)
	var errResp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	code := doJSONAs(t, http.MethodGet, ts.BaseURL+"/runs", "", nil, &errResp)
	if code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
	if errResp.Error.Code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %q", errResp.Error.Code)
	}
}

func TestGateApprovalOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	setupGatedProject(t, ts)

	var run struct {
		RunID       string  `json:"run_id"`
		Status      string  `json:"status"`
		PendingGate *string `json:"pending_gate"`
	}
	code := doJSON(t, http.MethodPost, ts.BaseURL+"/runs/run-1/invoke",
		map[string]any{"project": "proj-1", "input": map[string]any{"topic": "space"}}, &run)
	if code != http.StatusOK {
		t.Fatalf("invoke: status %d", code)
	}
	if run.Status != "awaiting_gate" || run.PendingGate == nil || *run.PendingGate != "ideate" {
		t.Fatalf("expected run awaiting ideate gate, got %+v", run)
	}

	var link struct {
		ApprovalURL string `json:"approval_url"`
		Gate        string `json:"gate"`
	}
	if code := doJSON(t, http.MethodGet, ts.BaseURL+"/runs/run-1/gates/after_ideate/link", nil, &link); code != http.StatusOK {
		t.Fatalf("link: status %d", code)
	}
	if link.Gate != "ideate" {
		t.Fatalf("expected canonical gate, got %s", link.Gate)
	}

	// The approval link itself needs no auth; the token is the capability.
	var approved struct {
		Status string `json:"status"`
		Run    struct {
			Status string `json:"status"`
		} `json:"run"`
	}
	if code := doJSONAs(t, http.MethodGet, link.ApprovalURL, "", nil, &approved); code != http.StatusOK {
		t.Fatalf("approve: status %d", code)
	}
	if approved.Status != "approved" || approved.Run.Status != "published" {
		t.Fatalf("unexpected approval response %+v", approved)
	}
}

func TestApproveWithBadTokenIsUniform401(t *testing.T) {
	ts := newTestServer(t)
	setupGatedProject(t, ts)
	if code := doJSON(t, http.MethodPost, ts.BaseURL+"/runs/run-1/invoke", map[string]any{"project": "proj-1"}, nil); code != http.StatusOK {
		t.Fatalf("invoke: status %d", code)
	}

	var errResp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	code := doJSONAs(t, http.MethodGet, ts.BaseURL+"/approve/run-1/ideate?token=garbage", "", nil, &errResp)
	if code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
	if errResp.Error.Message != "invalid or expired token" {
		t.Fatalf("expected uniform token message, got %q", errResp.Error.Message)
	}
}

func TestCancelSuspendedRunConflicts(t *testing.T) {
	ts := newTestServer(t)
	setupGatedProject(t, ts)
	if code := doJSON(t, http.MethodPost, ts.BaseURL+"/runs/run-1/invoke", map[string]any{"project": "proj-1"}, nil); code != http.StatusOK {
		t.Fatalf("invoke: status %d", code)
	}
	var errResp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	code := doJSON(t, http.MethodPost, ts.BaseURL+"/runs/run-1/cancel", nil, &errResp)
	if code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", code)
	}
	if errResp.Error.Code != "conflict" {
		t.Fatalf("expected conflict code, got %q", errResp.Error.Code)
	}
}

func TestWebhookIngestIsOpenAndDeduplicated(t *testing.T) {
	ts := newTestServer(t)
	if code := doJSON(t, http.MethodPost, ts.BaseURL+"/projects", map[string]any{"id": "proj-1"}, nil); code != http.StatusCreated {
		t.Fatalf("create project: status %d", code)
	}
	cfg := config.Default("proj-1")
	cfg.Pipeline.Stages = []string{"render", "publish"}
	cfg.Pipeline.Supervisors = nil
	cfg.Pipeline.Gates = nil
	cfg.Pipeline.Callbacks = map[string]string{"render": "shotstack"}
	if code := doJSON(t, http.MethodPut, ts.BaseURL+"/projects/proj-1/config", cfg, nil); code != http.StatusOK {
		t.Fatalf("put config: status %d", code)
	}
	var run struct {
		Status string `json:"status"`
	}
	if code := doJSON(t, http.MethodPost, ts.BaseURL+"/runs/run-1/invoke", map[string]any{"project": "proj-1"}, &run); code != http.StatusOK {
		t.Fatalf("invoke: status %d", code)
	}
	if run.Status != "awaiting_callback" {
		t.Fatalf("expected awaiting_callback, got %s", run.Status)
	}

	post := func() (int, map[string]any) {
		body := []byte(`{"run_id":"run-1","result":{"url":"https://cdn.example/v.mp4"}}`)
		req, err := http.NewRequest(http.MethodPost, ts.BaseURL+"/webhooks/shotstack", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-shotstack-id", "evt-1")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post webhook: %v", err)
		}
		defer resp.Body.Close()
		var out map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return resp.StatusCode, out
	}

	code, out := post()
	if code != http.StatusOK || out["status"] != "generated" {
		t.Fatalf("first delivery: status %d outcome %v", code, out)
	}
	code, out = post()
	if code != http.StatusOK || out["status"] != "duplicate" {
		t.Fatalf("redelivery: status %d outcome %v", code, out)
	}

	var got struct {
		Status string         `json:"status"`
		Result map[string]any `json:"result"`
	}
	if code := doJSON(t, http.MethodGet, ts.BaseURL+"/runs/run-1", nil, &got); code != http.StatusOK {
		t.Fatalf("get run: status %d", code)
	}
	if got.Status != "published" {
		t.Fatalf("expected published, got %s", got.Status)
	}
	if fmt.Sprint(got.Result) == "map[]" {
		t.Fatalf("expected run result populated")
	}
}
