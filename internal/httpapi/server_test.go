package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/deskpilot/internal/capability"
	"github.com/antoniostano/deskpilot/internal/config"
	"github.com/antoniostano/deskpilot/internal/execution"
	"github.com/antoniostano/deskpilot/internal/observability"
	"github.com/antoniostano/deskpilot/internal/taskruntime"
	"github.com/antoniostano/deskpilot/internal/tasks"
)

type apiFixture struct {
	ts      *httptest.Server
	svc     *taskruntime.Service
	desktop *capability.MockDesktop
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	cfg := config.Config{
		AuditDir:       t.TempDir(),
		AllowedUserIDs: []int64{10},
		AllowedChatIDs: []int64{20},
		DesktopBackend: config.DesktopBackendMock,
	}
	desktop := capability.NewMockDesktop()
	reg, err := capability.NewDefaultRegistry(desktop, cfg.AuditDir)
	require.NoError(t, err)

	steps := observability.NewStepWindow(32)
	exec := execution.New(reg, execution.Options{AuditDir: cfg.AuditDir, Steps: steps})
	queue := tasks.NewQueue(tasks.NewMemoryStore(), 30)
	svc := taskruntime.New(taskruntime.Config{StoreMode: "memory"}, queue, exec, taskruntime.EventNotifier{Queue: queue}, nil)
	t.Cleanup(func() { _ = svc.Close() })

	ts := httptest.NewServer(New(cfg, svc, reg, nil, steps).Router())
	t.Cleanup(ts.Close)
	return &apiFixture{ts: ts, svc: svc, desktop: desktop}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	return f.doAs(t, "10", "20", method, path, body, out)
}

func (f *apiFixture) doAs(t *testing.T, user, chat, method, path string, body any, out any) int {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	if chat != "" {
		req.Header.Set(HeaderChatID, chat)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(res.Body).Decode(out))
	}
	return res.StatusCode
}

func (f *apiFixture) create(t *testing.T, command string) createTaskResponse {
	t.Helper()
	var created createTaskResponse
	status := f.do(t, http.MethodPost, "/v1/tasks", map[string]any{"command": command}, &created)
	require.Equal(t, http.StatusCreated, status)
	return created
}

func TestIdentityRequired(t *testing.T) {
	f := newAPIFixture(t)

	var errBody errorResponse
	assert.Equal(t, http.StatusUnauthorized, f.doAs(t, "", "", http.MethodGet, "/v1/tasks", nil, &errBody))
	assert.Equal(t, "missing_identity", errBody.Code)

	assert.Equal(t, http.StatusForbidden, f.doAs(t, "11", "20", http.MethodGet, "/v1/tasks", nil, &errBody))
	assert.Equal(t, "user not allowed", errBody.Error)

	assert.Equal(t, http.StatusForbidden, f.doAs(t, "10", "21", http.MethodGet, "/v1/tasks", nil, &errBody))
	assert.Equal(t, "chat not allowed", errBody.Error)
}

func TestCreateTaskReturnsInspectablePlan(t *testing.T) {
	f := newAPIFixture(t)
	created := f.create(t, "click_text Submit")

	assert.NotEmpty(t, created.TaskID)
	assert.Equal(t, string(tasks.TaskStatusPendingApproval), created.Status)
	require.Len(t, created.Plan.Steps, 4)
	for i, step := range created.Plan.Steps {
		assert.Equal(t, i+1, step.ID)
	}
	assert.Contains(t, created.PlanText, "uia.click_text")
	assert.Contains(t, created.Summary, "3. uia.click_text")
	assert.Equal(t, "medium", created.Risk.Level)

	var task tasks.Task
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/tasks/"+created.TaskID, nil, &task))
	assert.Equal(t, tasks.Requester{ChatID: 20, UserID: 10}, task.Requester)
	assert.Equal(t, "click_text Submit", task.Command)
}

func TestCreateTaskValidation(t *testing.T) {
	f := newAPIFixture(t)
	var errBody errorResponse
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/tasks", map[string]any{"command": "  "}, &errBody))
	assert.Equal(t, "invalid_request", errBody.Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/tasks", nil, &errBody))
}

func TestCreateTaskWithSuppliedIDIsIdempotent(t *testing.T) {
	f := newAPIFixture(t)
	var first, second createTaskResponse
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/tasks", map[string]any{"command": "type a", "task_id": "fixed-1"}, &first))
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/tasks", map[string]any{"command": "type b", "task_id": "fixed-1"}, &second))
	assert.Equal(t, "fixed-1", second.TaskID)

	var task tasks.Task
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/tasks/fixed-1", nil, &task))
	assert.Equal(t, "type a", task.Command)
}

func TestCreateTaskObserveAddsActiveWindow(t *testing.T) {
	f := newAPIFixture(t)
	f.desktop.Active = capability.Window{Title: "Invoice - Editor"}

	var created createTaskResponse
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/tasks", map[string]any{"command": "type total", "observe": true}, &created))
	require.GreaterOrEqual(t, len(created.Plan.Steps), 3)
	msg, _ := created.Plan.Steps[2].Args["message"].(string)
	assert.Contains(t, msg, "Observation summary")
	assert.Contains(t, msg, "Invoice - Editor")
}

func TestApproveAndCancel(t *testing.T) {
	f := newAPIFixture(t)
	created := f.create(t, "type hi")

	var body map[string]any
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/tasks/"+created.TaskID+"/approve", nil, &body))
	assert.Equal(t, true, body["approved"])

	require.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/v1/tasks/"+created.TaskID+"/approve", nil, &body))
	assert.Equal(t, false, body["approved"])

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/tasks/nope/approve", nil, nil))

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/tasks/"+created.TaskID+"/cancel", nil, &body))
	assert.Equal(t, true, body["cancelled"])
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/tasks/"+created.TaskID+"/cancel", nil, nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/tasks/nope/cancel", nil, nil))

	var events struct {
		Events []tasks.Event `json:"events"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/tasks/"+created.TaskID+"/events", nil, &events))
	var types []tasks.EventType
	for _, e := range events.Events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []tasks.EventType{tasks.EventTaskCreated, tasks.EventTaskApproved, tasks.EventTaskCancelled}, types)
}

func TestListTasksLimit(t *testing.T) {
	f := newAPIFixture(t)
	for i := 0; i < 3; i++ {
		f.create(t, "type x")
	}
	var list struct {
		Tasks []tasks.Task `json:"tasks"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/tasks?limit=2", nil, &list))
	assert.Len(t, list.Tasks, 2)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/tasks?limit=-1", nil, nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/tasks/missing", nil, nil))
}

func TestRunArtifactsAndAudit(t *testing.T) {
	f := newAPIFixture(t)
	created := f.create(t, "click 3 4")
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/tasks/"+created.TaskID+"/approve", nil, nil))

	started, err := f.svc.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, created.TaskID, started)
	f.svc.Wait()

	var task tasks.Task
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/tasks/"+created.TaskID, nil, &task))
	require.Equal(t, tasks.TaskStatusCompleted, task.Status)
	require.NotNil(t, task.Result)
	require.Len(t, task.Result.Artifacts, 2)

	name := filepath.Base(task.Result.Artifacts[0])
	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/v1/artifacts/"+created.TaskID+"/"+name, nil)
	req.Header.Set(HeaderUserID, "10")
	req.Header.Set(HeaderChatID, "20")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "image/png", res.Header.Get("Content-Type"))

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/artifacts/"+created.TaskID+"/..png", nil, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/artifacts/"+created.TaskID+"/secret.txt", nil, nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/artifacts/"+created.TaskID+"/missing.png", nil, nil))

	req, _ = http.NewRequest(http.MethodGet, f.ts.URL+"/v1/tasks/"+created.TaskID+"/audit", nil)
	req.Header.Set(HeaderUserID, "10")
	req.Header.Set(HeaderChatID, "20")
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	var audit bytes.Buffer
	_, _ = audit.ReadFrom(res.Body)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, audit.String(), "run_finished")

	var perf observability.StepLatencySnapshot
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/perf/steps", nil, &perf))
	assert.NotEmpty(t, perf.Actions)
}

func TestShot(t *testing.T) {
	f := newAPIFixture(t)
	var body map[string]string
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/shot", nil, &body))
	assert.Contains(t, body["path"], "manual_shot_")
	assert.True(t, strings.HasPrefix(body["url"], "/v1/artifacts/manual/"), body["url"])
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, body["url"], nil, nil))
}

func TestStreamDeliversChatEvents(t *testing.T) {
	f := newAPIFixture(t)
	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/v1/stream"
	header := http.Header{}
	header.Set(HeaderUserID, "10")
	header.Set(HeaderChatID, "20")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	created := f.create(t, "type hi")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var evt tasks.Event
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, tasks.EventTaskCreated, evt.Type)
	assert.Equal(t, created.TaskID, evt.TaskID)
	assert.Equal(t, int64(20), evt.ChatID)
}

func TestHealthReadyAndSetup(t *testing.T) {
	f := newAPIFixture(t)

	var health map[string]any
	require.Equal(t, http.StatusOK, f.doAs(t, "", "", http.MethodGet, "/healthz", nil, &health))
	assert.Equal(t, "memory", health["task_store_mode"])

	var ready map[string]any
	require.Equal(t, http.StatusOK, f.doAs(t, "", "", http.MethodGet, "/readyz", nil, &ready))
	assert.Contains(t, ready["capabilities"], "screen.capture")

	var setup setupStatusResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/setup/status", nil, &setup))
	ids := map[string]string{}
	for _, c := range setup.Checks {
		ids[c.ID] = c.Status
	}
	assert.Equal(t, "warn", ids["task_store"])
	assert.Equal(t, "ok", ids["audit_dir"])
	assert.Equal(t, "ok", ids["allow_list"])
	assert.Equal(t, "warn", ids["desktop_backend"])
	assert.Equal(t, "warn", ids["tracing"])
}
