package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/taskworker/internal/model"
	"github.com/seantiz/taskworker/internal/recovery"
	"github.com/seantiz/taskworker/internal/store"
)

func seedLostResult(t *testing.T, s store.Store, taskType string, createdAt time.Time) *store.LostResult {
	t.Helper()
	taskID := model.NewID()
	lr := &store.LostResult{
		ID:                 model.NewID(),
		TaskID:             taskID,
		WorkflowInstanceID: "wf-" + taskID,
		TaskType:           taskType,
		WorkerID:           "ops-test",
		Status:             model.StatusCompleted,
		Result: model.TaskResult{
			TaskID:             taskID,
			WorkflowInstanceID: "wf-" + taskID,
			Status:             model.StatusCompleted,
			OutputData:         map[string]any{},
		},
		Error:     "connection refused",
		Attempts:  3,
		CreatedAt: createdAt.UTC(),
	}
	if err := s.SaveLostResult(context.Background(), lr); err != nil {
		t.Fatalf("SaveLostResult: %v", err)
	}
	return lr
}

func TestListLostResults(t *testing.T) {
	env := newTestEnv(t)
	base := time.Now().Add(-time.Hour)
	var ids []string
	for i := range 3 {
		ids = append(ids, seedLostResult(t, env.store, "echo", base.Add(time.Duration(i)*time.Minute)).ID)
	}

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/lost-results?limit=2&offset=0")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body listLostResultsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 3 || body.Limit != 2 || body.Offset != 0 {
		t.Errorf("total/limit/offset = %d/%d/%d, want 3/2/0", body.Total, body.Limit, body.Offset)
	}
	if len(body.LostResults) != 2 || body.LostResults[0].ID != ids[2] {
		t.Errorf("first page should start with newest entry %s", ids[2])
	}
}

func TestListLostResultsEmptyAndClamped(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/lost-results?limit=1000&offset=-5")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var body listLostResultsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.LostResults == nil || len(body.LostResults) != 0 {
		t.Errorf("lost_results = %v, want empty array", body.LostResults)
	}
	if body.Limit != defaultListLimit || body.Offset != 0 {
		t.Errorf("limit/offset = %d/%d, want %d/0", body.Limit, body.Offset, defaultListLimit)
	}
}

func TestGetAndDeleteLostResult(t *testing.T) {
	env := newTestEnv(t)
	lr := seedLostResult(t, env.store, "echo", time.Now())

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/lost-results/" + lr.ID)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var got store.LostResult
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if got.TaskID != lr.TaskID || got.Attempts != 3 {
		t.Errorf("got %+v, want task %s with 3 attempts", got, lr.TaskID)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/lost-results/"+lr.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("DELETE status = %d, want 204", resp.StatusCode)
	}

	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("second DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second DELETE status = %d, want 404", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/v1/lost-results/" + lr.ID)
	if err != nil {
		t.Fatalf("GET after delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET after delete status = %d, want 404", resp.StatusCode)
	}
}

func TestLostResultStats(t *testing.T) {
	env := newTestEnv(t)
	seedLostResult(t, env.store, "echo", time.Now())
	seedLostResult(t, env.store, "resize", time.Now())

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/lost-results/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var stats store.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Total != 2 || stats.CountByType["echo"] != 1 || stats.CountByType["resize"] != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

type stubRedeliverer struct {
	rep recovery.Report
	err error
}

func (s stubRedeliverer) RedeliverOnce(context.Context) (recovery.Report, error) {
	return s.rep, s.err
}

func TestRedeliverEndpoint(t *testing.T) {
	env := newTestEnv(t, WithRedeliverer(stubRedeliverer{rep: recovery.Report{Delivered: 2, Dropped: 1}}))
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/lost-results/redeliver", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	var body redeliverResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body != (redeliverResponse{Delivered: 2, Dropped: 1}) {
		t.Errorf("body = %+v", body)
	}
}

func TestRedeliverEndpointError(t *testing.T) {
	env := newTestEnv(t, WithRedeliverer(stubRedeliverer{err: errors.New("db closed")}))
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/lost-results/redeliver", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}
