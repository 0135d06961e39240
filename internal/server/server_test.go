package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"checkline/internal/config"
	"checkline/internal/db"
	"checkline/internal/domain"
	"checkline/internal/engine"
	"checkline/internal/migrate"
)

const serverTestTemplate = `{
  "id": "tmpl-1",
  "name": "Fire safety inspection",
  "pages": [
    {
      "id": "page-1",
      "name": "Main",
      "sections": [
        {
          "id": "sec1",
          "name": "Extinguishers",
          "mandatory": true,
          "questions": [
            {"id": "q1", "text": "Extinguisher present", "type": "compliance"},
            {"id": "q2", "text": "Pressure gauge in green", "type": "yesno"}
          ]
        }
      ]
    }
  ]
}`

var actorHeader = map[string]string{"X-Actor-Id": "tester"}

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
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

func doRaw(t *testing.T, client *http.Client, method, url, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader([]byte(body)))
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

func importTestTemplate(t *testing.T, srv *testServer) {
	t.Helper()
	res, data := doRaw(t, srv.Client(), http.MethodPost, srv.URL+"/v0/templates", serverTestTemplate, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("import template: %d %s", res.StatusCode, data)
	}
}

func createTestTask(t *testing.T, srv *testServer) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks",
		CreateTaskRequest{Name: "Warehouse A", TemplateID: "tmpl-1"}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, data)
	}
	var out struct {
		Task domain.Task `json:"task"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	return out.Task.ID
}

func TestHealthNoAuth(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", res.StatusCode)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, data)
	}
}

func TestTaskFlowOverHTTP(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()
	importTestTemplate(t, srv)
	taskID := createTestTask(t, srv)
	base := srv.URL + "/v0/tasks/" + taskID

	res, data := doJSON(t, srv.Client(), http.MethodPost, base+"/start", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start: %d %s", res.StatusCode, data)
	}

	// archive blocked: incomplete
	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/archive", nil, actorHeader)
	if res.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("archive incomplete: %d %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if envelope.Error.Code != "precondition_failed" || envelope.Error.Message != "must be 100% completed" {
		t.Fatalf("unexpected envelope: %+v", envelope.Error)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPut, base+"/questionnaire", SaveQuestionnaireRequest{
		Responses: []ResponseItem{
			{SectionID: "sec1", QuestionID: "q1", Value: domain.ChoiceResponse("full_compliance")},
			{SectionID: "sec1", QuestionID: "q2", Value: domain.ChoiceResponse("yes")},
		},
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("questionnaire: %d %s", res.StatusCode, data)
	}

	// archive blocked: unsigned
	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/archive", nil, actorHeader)
	if res.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("archive unsigned: %d %s", res.StatusCode, data)
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Message != "must be signed before archiving" {
		t.Fatalf("unexpected reason: %s", envelope.Error.Message)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPut, base+"/signature",
		SaveSignatureRequest{Signature: "sig-data"}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("signature: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/archive", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("archive: %d %s", res.StatusCode, data)
	}
	var out struct {
		Task domain.Task `json:"task"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Task.Status != domain.TaskStatusArchived {
		t.Fatalf("status = %s", out.Task.Status)
	}

	// mutations on an archived task fail with 412
	res, data = doJSON(t, srv.Client(), http.MethodPut, base+"/progress", SaveProgressRequest{
		Entries: []domain.ProgressEntry{{SectionID: "sec1", Status: domain.SectionStatusCompleted}},
	}, actorHeader)
	if res.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("progress on archived: %d %s", res.StatusCode, data)
	}
}

func TestMetricsEndpoints(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()
	importTestTemplate(t, srv)
	taskID := createTestTask(t, srv)
	base := srv.URL + "/v0/tasks/" + taskID
	doJSON(t, srv.Client(), http.MethodPost, base+"/start", nil, actorHeader)

	res, data := doJSON(t, srv.Client(), http.MethodPut, base+"/metrics",
		SaveMetricsRequest{CompletionPercentage: 40, TimeSpentHours: 0.25}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("save metrics: %d %s", res.StatusCode, data)
	}

	// lower completion does not roll back
	res, data = doJSON(t, srv.Client(), http.MethodPut, base+"/metrics",
		SaveMetricsRequest{CompletionPercentage: 10, TimeSpentHours: 0.1}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("save lower metrics: %d %s", res.StatusCode, data)
	}
	var saved struct {
		Metrics domain.TaskMetrics `json:"metrics"`
	}
	if err := json.Unmarshal(data, &saved); err != nil {
		t.Fatal(err)
	}
	if saved.Metrics.CompletionPercentage != 40 {
		t.Fatalf("completion = %d, want 40", saved.Metrics.CompletionPercentage)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, base+"/metrics", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get metrics: %d %s", res.StatusCode, data)
	}
	var report struct {
		CompletionPercentage int `json:"completion_percentage"`
	}
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatal(err)
	}
	if report.CompletionPercentage != 40 {
		t.Fatalf("report completion = %d", report.CompletionPercentage)
	}
}

func TestEventsLogged(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()
	importTestTemplate(t, srv)
	taskID := createTestTask(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodGet,
		fmt.Sprintf("%s/v0/events?task_id=%s", srv.URL, taskID), nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, data)
	}
	var out struct {
		Events []domain.Event `json:"events"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Events) == 0 || out.Events[0].Type != "task.create" {
		t.Fatalf("unexpected events: %+v", out.Events)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/apikeys",
		CreateAPIKeyRequest{ActorID: "robot-1", Name: "ci"}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", res.StatusCode, data)
	}
	var key struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(data, &key); err != nil {
		t.Fatal(err)
	}
	if key.Key == "" {
		t.Fatal("plaintext key not returned")
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks", nil,
		map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key auth: %d", res.StatusCode)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks", nil,
		map[string]string{"X-Api-Key": "bogus"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus api key: %d", res.StatusCode)
	}
}

func TestAPIKeyListAndDelete(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/apikeys",
		CreateAPIKeyRequest{ActorID: "robot-1", Name: "ci"}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", res.StatusCode, data)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatal(err)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/apikeys?actor_id=robot-1", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list keys: %d", res.StatusCode)
	}
	var listed APIKeyListResponse
	if err := json.Unmarshal(data, &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed.Keys) != 1 || listed.Keys[0].ID != created.ID {
		t.Fatalf("unexpected listing: %+v", listed.Keys)
	}
	if listed.Keys[0].Name != "ci" {
		t.Fatalf("name not round-tripped: %q", listed.Keys[0].Name)
	}

	_, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/apikeys?actor_id=robot-2", nil, actorHeader)
	listed = APIKeyListResponse{}
	if err := json.Unmarshal(data, &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed.Keys) != 0 {
		t.Fatalf("filter leaked keys: %+v", listed.Keys)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/apikeys/"+created.ID, nil, actorHeader)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete key: %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/apikeys/"+created.ID, nil, actorHeader)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("delete missing key: %d", res.StatusCode)
	}
}
