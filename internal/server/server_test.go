package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/vasvenk/buildml/internal/config"
	"github.com/vasvenk/buildml/internal/db"
	"github.com/vasvenk/buildml/internal/engine"
	"github.com/vasvenk/buildml/internal/migrate"
)

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Training.DelaySeconds = 1
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine: e,
		Auth: AuthConfig{
			JWTSecret:             "test-secret",
			AllowLegacyUserHeader: true,
			AllowDevLogin:         true,
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
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			e.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
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

func asUser(user string) map[string]string {
	return map[string]string{"X-User-Id": user}
}

func createModelPayload() map[string]any {
	return map[string]any{
		"problem_description": "predict customer churn from usage data",
		"data_source": map[string]any{
			"type":      "csv",
			"file_name": "churn.csv",
			"file_size": 2048,
		},
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/models", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("error code = %q", envelope.Error.Code)
	}
}

func TestModelLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/models", createModelPayload(), asUser("u1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created ModelResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal model: %v", err)
	}
	if created.Status != "training" {
		t.Fatalf("status = %q, want training", created.Status)
	}
	if created.Name != "Predict Customer Churn From" {
		t.Fatalf("derived name = %q", created.Name)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/models/"+created.ID, nil, asUser("u1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(data))
	}

	// Another user cannot see it.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/models/"+created.ID, nil, asUser("u2"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-user get status %d, want 404", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/models/"+created.ID, map[string]any{
		"name": "Churn v2",
	}, asUser("u1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rename status %d: %s", res.StatusCode, string(data))
	}
	var renamed ModelResponse
	_ = json.Unmarshal(data, &renamed)
	if renamed.Name != "Churn v2" {
		t.Fatalf("renamed to %q", renamed.Name)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/models", nil, asUser("u1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var list ModelListResponse
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].ID != created.ID {
		t.Fatalf("list = %+v", list.Items)
	}

	// Training resolves on its own.
	deadline := time.Now().Add(10 * time.Second)
	for {
		res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/models/"+created.ID, nil, asUser("u1"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("poll status %d: %s", res.StatusCode, string(data))
		}
		var m ModelResponse
		_ = json.Unmarshal(data, &m)
		if m.Status == "completed" {
			if m.APIKey == nil || !strings.HasPrefix(*m.APIKey, "sk_live_") {
				t.Fatalf("completed model api key = %v", m.APIKey)
			}
			if m.Metrics == nil || m.APIEndpoint == nil {
				t.Fatalf("completed model missing artifacts: %s", string(data))
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("model never completed: %s", string(data))
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func TestCreateModelValidationOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/models", map[string]any{
		"problem_description": "",
		"data_source":         map[string]any{"type": "csv", "file_name": "x.csv"},
	}, asUser("u1"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/models", createModelPayload(), asUser("u1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created ModelResponse
	_ = json.Unmarshal(data, &created)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?type=model.created", nil, asUser("u1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var events paginatedEvents
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events.Items) != 1 || events.Items[0].EntityID != created.ID {
		t.Fatalf("events = %+v", events.Items)
	}

	// Events are owner-scoped.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events", nil, asUser("u2"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var other paginatedEvents
	_ = json.Unmarshal(data, &other)
	if len(other.Items) != 0 {
		t.Fatalf("u2 sees %d of u1's events", len(other.Items))
	}
}

func TestDevLoginAndJWT(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"user_id": "u1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if me.UserID != "u1" || me.Source != "jwt" {
		t.Fatalf("me = %+v", me)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d", res.StatusCode)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/keys", map[string]any{
		"name": "ci",
	}, asUser("u1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var created CreatedKeyResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if !strings.HasPrefix(created.Key, "bml_") {
		t.Fatalf("raw key = %q", created.Key)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via api key status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if me.UserID != "u1" || me.Source != "api_key" {
		t.Fatalf("me = %+v", me)
	}

	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/keys/"+created.ID, nil, asUser("u1"))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke status %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key still accepted: %d", res.StatusCode)
	}
}

func TestWatchModelStreamsTransition(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/models", createModelPayload(), asUser("u1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created ModelResponse
	_ = json.Unmarshal(data, &created)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/models/"+created.ID+"/watch", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-User-Id", "u1")
	streamRes, err := client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer streamRes.Body.Close()
	if streamRes.StatusCode != http.StatusOK {
		t.Fatalf("stream status %d", streamRes.StatusCode)
	}
	if ct := streamRes.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	sawTraining := false
	scanner := bufio.NewScanner(streamRes.Body)
	deadline := time.After(10 * time.Second)
	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	for {
		select {
		case <-deadline:
			t.Fatalf("stream never delivered a terminal snapshot")
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream closed before terminal snapshot")
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var msg struct {
				Channel string        `json:"channel"`
				Event   string        `json:"event"`
				Data    ModelResponse `json:"data"`
			}
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &msg); err != nil {
				t.Fatalf("unmarshal stream message: %v", err)
			}
			if msg.Data.ID != created.ID {
				t.Fatalf("snapshot for %q, want %q", msg.Data.ID, created.ID)
			}
			switch msg.Data.Status {
			case "training":
				sawTraining = true
			case "completed":
				if !sawTraining {
					t.Fatalf("terminal snapshot arrived without the initial one")
				}
				if msg.Data.APIKey == nil || msg.Data.Metrics == nil {
					t.Fatalf("completed snapshot missing artifacts")
				}
				return
			case "failed":
				t.Fatalf("training failed unexpectedly")
			}
		}
	}
}

func TestWatchModelsStreamsOwnerSet(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/models", createModelPayload(), asUser("u1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created ModelResponse
	_ = json.Unmarshal(data, &created)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/models/watch", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-User-Id", "u1")
	streamRes, err := client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer streamRes.Body.Close()
	if streamRes.StatusCode != http.StatusOK {
		t.Fatalf("stream status %d", streamRes.StatusCode)
	}

	scanner := bufio.NewScanner(streamRes.Body)
	deadline := time.After(10 * time.Second)
	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	for {
		select {
		case <-deadline:
			t.Fatalf("stream never delivered a terminal set")
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream closed before terminal set")
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var msg struct {
				Channel string          `json:"channel"`
				Event   string          `json:"event"`
				Data    []ModelResponse `json:"data"`
			}
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &msg); err != nil {
				t.Fatalf("unmarshal stream message: %v", err)
			}
			if msg.Event != "model.set" {
				t.Fatalf("event = %q", msg.Event)
			}
			if len(msg.Data) != 1 || msg.Data[0].ID != created.ID {
				t.Fatalf("set = %+v", msg.Data)
			}
			if msg.Data[0].Status == "completed" {
				return
			}
		}
	}
}

func TestWatchModelCrossOwner(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/models", createModelPayload(), asUser("u1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created ModelResponse
	_ = json.Unmarshal(data, &created)

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/models/"+created.ID+"/watch", nil, asUser("u2"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-owner watch status %d, want 404", res.StatusCode)
	}
}
