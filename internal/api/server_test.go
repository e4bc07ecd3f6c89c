package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"design-job-queue/internal/jobs"
	"design-job-queue/internal/models"
	"design-job-queue/internal/queue"
	"design-job-queue/internal/ratelimit"
)

type fixture struct {
	srv     *httptest.Server
	router  http.Handler
	manager *jobs.Manager
}

func newFixture(t *testing.T, limiterCapacity int) fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := queue.NewRedisQueueWithClient(client, "test:")
	manager := jobs.NewManager(q, jobs.Options{Projects: q, Logger: zerolog.Nop()})
	opts := Options{Projects: q, Logger: zerolog.Nop()}
	if limiterCapacity > 0 {
		opts.Limiter = ratelimit.NewTokenBucket(client, "test:", limiterCapacity, 0.001, time.Hour)
	}
	router := New(manager, opts).Router()
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return fixture{srv: srv, router: router, manager: manager}
}

func (f fixture) do(t *testing.T, method, path, user string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func generateBody(prompt string) map[string]any {
	return map[string]any{"type": "generate", "input": map[string]any{"prompt": prompt}}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, 0)
	resp := f.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestRequiresUserHeader(t *testing.T) {
	f := newFixture(t, 0)
	resp := f.do(t, http.MethodGet, "/v1/jobs", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestSubmitGetAndList(t *testing.T) {
	f := newFixture(t, 0)

	resp := f.do(t, http.MethodPost, "/v1/jobs", "alice", generateBody("a bakery site"))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	created := decode[map[string]any](t, resp)
	id, _ := created["id"].(string)
	if id == "" || created["status"] != "queued" {
		t.Fatalf("unexpected job %v", created)
	}
	if v, ok := created["result"]; !ok || v != nil {
		t.Fatalf("result must be present and null, got %v", v)
	}
	if v, ok := created["error"]; !ok || v != nil {
		t.Fatalf("error must be present and null, got %v", v)
	}

	resp = f.do(t, http.MethodGet, "/v1/jobs/"+id, "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner get: expected 200, got %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/v1/jobs/"+id, "bob", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("non-owner get: expected 404, got %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/v1/jobs?status=queued", "alice", nil)
	list := decode[listResponse](t, resp)
	if len(list.Jobs) != 1 || list.Jobs[0].ID != id {
		t.Fatalf("unexpected list %+v", list.Jobs)
	}

	resp = f.do(t, http.MethodGet, "/v1/jobs", "bob", nil)
	list = decode[listResponse](t, resp)
	if list.Jobs == nil || len(list.Jobs) != 0 {
		t.Fatalf("bob should see an empty list, got %+v", list.Jobs)
	}
}

func TestSubmitValidationErrors(t *testing.T) {
	f := newFixture(t, 0)
	cases := []struct {
		name string
		body any
		want int
	}{
		{name: "unknown_type", body: map[string]any{"type": "video", "input": map[string]any{"prompt": "x"}}, want: http.StatusBadRequest},
		{name: "generate_without_prompt", body: map[string]any{"type": "generate", "input": map[string]any{}}, want: http.StatusBadRequest},
		{name: "priority_out_of_range", body: map[string]any{"type": "generate", "priority": 5000, "input": map[string]any{"prompt": "x"}}, want: http.StatusBadRequest},
		{name: "unknown_field", body: map[string]any{"type": "generate", "bogus": true, "input": map[string]any{"prompt": "x"}}, want: http.StatusBadRequest},
		{name: "missing_project", body: map[string]any{"type": "generate", "project_id": "nope", "input": map[string]any{"prompt": "x"}}, want: http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/v1/jobs", "alice", tc.body)
			if resp.StatusCode != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, resp.StatusCode)
			}
			body := decode[map[string]string](t, resp)
			if body["error"] == "" {
				t.Fatalf("expected error message")
			}
		})
	}

	resp := f.do(t, http.MethodGet, "/v1/jobs", "alice", nil)
	if list := decode[listResponse](t, resp); len(list.Jobs) != 0 {
		t.Fatalf("rejected submissions must not create jobs, got %d", len(list.Jobs))
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t, 0)
	created := decode[models.Job](t, f.do(t, http.MethodPost, "/v1/jobs", "alice", generateBody("x")))

	resp := f.do(t, http.MethodPost, "/v1/jobs/"+created.ID+"/cancel", "bob", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("non-owner cancel: expected 404, got %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodDelete, "/v1/jobs/"+created.ID, "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d", resp.StatusCode)
	}
	if job := decode[models.Job](t, resp); job.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", job.Status)
	}

	resp = f.do(t, http.MethodPost, "/v1/jobs/"+created.ID+"/cancel", "alice", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel: expected 409, got %d", resp.StatusCode)
	}
}

func TestCancelRunningJobConflicts(t *testing.T) {
	f := newFixture(t, 0)
	created := decode[models.Job](t, f.do(t, http.MethodPost, "/v1/jobs", "alice", generateBody("x")))
	if _, err := f.manager.DequeueNext(context.Background(), "w1"); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	resp := f.do(t, http.MethodPost, "/v1/jobs/"+created.ID+"/cancel", "alice", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestProjects(t *testing.T) {
	f := newFixture(t, 0)

	resp := f.do(t, http.MethodPost, "/v1/projects", "alice", map[string]any{"id": "p1", "name": "Site", "editors": []string{"bob"}, "viewers": []string{"carol"}})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create project: expected 201, got %d", resp.StatusCode)
	}
	resp = f.do(t, http.MethodPost, "/v1/projects", "alice", map[string]any{"id": "p1", "name": "Again"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate project: expected 409, got %d", resp.StatusCode)
	}

	if resp := f.do(t, http.MethodGet, "/v1/projects/p1", "carol", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("viewer read: expected 200, got %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/v1/projects/p1", "mallory", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("stranger read: expected 404, got %d", resp.StatusCode)
	}

	body := map[string]any{"type": "generate", "project_id": "p1", "input": map[string]any{"prompt": "x"}}
	if resp := f.do(t, http.MethodPost, "/v1/jobs", "bob", body); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("editor submit: expected 202, got %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodPost, "/v1/jobs", "carol", body); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("viewer submit: expected 404, got %d", resp.StatusCode)
	}
}

func TestSubmitRateLimited(t *testing.T) {
	f := newFixture(t, 2)
	for i := 0; i < 2; i++ {
		if resp := f.do(t, http.MethodPost, "/v1/jobs", "alice", generateBody("x")); resp.StatusCode != http.StatusAccepted {
			t.Fatalf("submit %d: expected 202, got %d", i, resp.StatusCode)
		}
	}
	resp := f.do(t, http.MethodPost, "/v1/jobs", "alice", generateBody("x"))
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}
	if resp := f.do(t, http.MethodPost, "/v1/jobs", "bob", generateBody("x")); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("other users keep their own bucket, got %d", resp.StatusCode)
	}
}

func TestSubmitOversizedBody(t *testing.T) {
	f := newFixture(t, 0)
	raw, err := json.Marshal(generateBody(strings.Repeat("a", maxBodyBytes+1)))
	if err != nil {
		t.Fatalf("encode body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader(raw))
	req.Header.Set(UserHeader, "alice")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", rec.Code, rec.Body.String())
	}
	list, err := f.manager.List(context.Background(), "alice", jobs.ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("oversized submit must not create a job, got %d", len(list))
	}

	resp := f.do(t, http.MethodPost, "/v1/jobs", "alice", "not an object")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body: expected 400, got %d", resp.StatusCode)
	}
}
