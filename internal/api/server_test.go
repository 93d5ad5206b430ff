package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"vector-llm/internal/provider"
	"vector-llm/internal/task"
)

type echoInvoker struct{}

func (echoInvoker) Invoke(_ context.Context, prompt string, id provider.ID) (string, error) {
	return "echo: " + prompt, nil
}

func newTestServer(t *testing.T) (*httptest.Server, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	store := task.NewMemoryStore()
	queue := task.NewMemoryQueue(256)
	service := task.NewService(store, queue)
	resolver := provider.NewResolver(provider.NewRegistry(), provider.Settings{Testing: true})
	worker := task.NewWorker(store, queue, resolver, echoInvoker{}, task.WithWorkerCount(2))
	go func() { _ = worker.Start(ctx) }()

	coordinator := task.NewCoordinator(service, store, 5*time.Second, 10*time.Millisecond)
	server := NewServer(":0", service, coordinator)

	ts := httptest.NewServer(server.Handler())
	return ts, func() {
		ts.Close()
		cancel()
	}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("序列化请求失败: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts, cleanup := newTestServer(t)
	defer cleanup()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["status"] != "ok" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestCreateTaskAndPollLifecycle(t *testing.T) {
	ts, cleanup := newTestServer(t)
	defer cleanup()

	resp := postJSON(t, ts.URL+"/llm/tasks", map[string]any{
		"run_id":        "run-1",
		"phase_id":      "phase-1",
		"prompt":        "hello",
		"debug_context": map[string]any{"trace": "abc"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var created struct {
		TaskID string      `json:"taskId"`
		Status task.Status `json:"status"`
	}
	decodeBody(t, resp, &created)
	if created.TaskID == "" || created.Status != task.StatusPending {
		t.Fatalf("unexpected create response: %+v", created)
	}

	deadline := time.After(5 * time.Second)
	for {
		resp, err := http.Get(ts.URL + "/llm/tasks/" + created.TaskID)
		if err != nil {
			t.Fatalf("轮询失败: %v", err)
		}
		var polled struct {
			TaskID string       `json:"taskId"`
			Status task.Status  `json:"status"`
			Result *task.Result `json:"result"`
		}
		decodeBody(t, resp, &polled)
		if polled.Status == task.StatusSuccess {
			if polled.Result == nil || polled.Result.Content != "echo: hello" {
				t.Fatalf("unexpected result: %+v", polled)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("任务未在限期内完成: %+v", polled)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestCreateTaskValidation(t *testing.T) {
	ts, cleanup := newTestServer(t)
	defer cleanup()

	resp := postJSON(t, ts.URL+"/llm/tasks", map[string]any{
		"phase_id": "p", "prompt": "q",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if !strings.Contains(body["error"], "run_id is required") {
		t.Fatalf("unexpected error body: %+v", body)
	}
}

func TestPollUnknownTaskReturnsPending(t *testing.T) {
	ts, cleanup := newTestServer(t)
	defer cleanup()

	resp, err := http.Get(ts.URL + "/llm/tasks/no-such-id")
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unknown id should be 200: %d", resp.StatusCode)
	}
	var body struct {
		TaskID string      `json:"taskId"`
		Status task.Status `json:"status"`
	}
	decodeBody(t, resp, &body)
	if body.TaskID != "no-such-id" || body.Status != task.StatusPending {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestBatchEndpoint(t *testing.T) {
	ts, cleanup := newTestServer(t)
	defer cleanup()

	items := []map[string]string{}
	for i := 0; i < 3; i++ {
		items = append(items, map[string]string{
			"key":      fmt.Sprintf("k%d", i),
			"run_id":   "run",
			"phase_id": fmt.Sprintf("p%d", i),
			"prompt":   fmt.Sprintf("q%d", i),
		})
	}
	resp := postJSON(t, ts.URL+"/llm/tasks/batch", map[string]any{"items": items})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var result struct {
		GroupID string `json:"groupId"`
		Tasks   []struct {
			Key    string       `json:"key"`
			TaskID string       `json:"taskId"`
			Status task.Status  `json:"status"`
			Result *task.Result `json:"result"`
		} `json:"tasks"`
	}
	decodeBody(t, resp, &result)
	if result.GroupID == "" || len(result.Tasks) != 3 {
		t.Fatalf("unexpected batch result: %+v", result)
	}
	for i, outcome := range result.Tasks {
		if outcome.Key != fmt.Sprintf("k%d", i) {
			t.Fatalf("batch order broken at %d: %+v", i, outcome)
		}
		if outcome.Status != task.StatusSuccess || outcome.Result == nil {
			t.Fatalf("batch outcome %d incomplete: %+v", i, outcome)
		}
	}
}

func TestBatchEndpointRejectsNonArrayItems(t *testing.T) {
	ts, cleanup := newTestServer(t)
	defer cleanup()

	for _, payload := range []string{
		`{"items":"not an array"}`,
		`{"items":{"key":"k"}}`,
		`{"items":null}`,
		`{}`,
	} {
		resp, err := http.Post(ts.URL+"/llm/tasks/batch", "application/json", strings.NewReader(payload))
		if err != nil {
			t.Fatalf("请求失败: %v", err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("payload %s: unexpected status %d", payload, resp.StatusCode)
		}
		var body map[string]string
		decodeBody(t, resp, &body)
		if !strings.Contains(body["error"], "items must be an array") {
			t.Fatalf("payload %s: unexpected error %+v", payload, body)
		}
	}
}

func TestListAndStatsEndpoints(t *testing.T) {
	ts, cleanup := newTestServer(t)
	defer cleanup()

	resp := postJSON(t, ts.URL+"/llm/tasks", map[string]string{
		"run_id": "run", "phase_id": "p", "prompt": "q",
	})
	var created struct {
		TaskID string `json:"taskId"`
	}
	decodeBody(t, resp, &created)

	deadline := time.After(5 * time.Second)
	for {
		resp, err := http.Get(ts.URL + "/llm/stats")
		if err != nil {
			t.Fatalf("请求失败: %v", err)
		}
		var stats task.Stats
		decodeBody(t, resp, &stats)
		if stats.Succeeded == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("统计未收敛: %+v", stats)
		case <-time.After(20 * time.Millisecond):
		}
	}

	listResp, err := http.Get(ts.URL + "/llm/tasks?status=success&limit=10")
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	var tasks []task.Task
	decodeBody(t, listResp, &tasks)
	if len(tasks) != 1 || tasks[0].ID != created.TaskID {
		t.Fatalf("unexpected list: %+v", tasks)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts, cleanup := newTestServer(t)
	defer cleanup()

	if _, err := http.Get(ts.URL + "/health"); err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	postJSON(t, ts.URL+"/llm/tasks", map[string]string{
		"run_id": "run", "phase_id": "p", "prompt": "q",
	})

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("读取响应失败: %v", err)
	}
	if !strings.Contains(buf.String(), "vector_http_requests_total") {
		t.Fatalf("metrics exposition missing counters: %s", buf.String())
	}
}
