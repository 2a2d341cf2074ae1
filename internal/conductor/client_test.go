package conductor_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/taskworker/internal/conductor"
	"github.com/seantiz/taskworker/internal/conductortest"
	"github.com/seantiz/taskworker/internal/model"
)

func newTestQueue(t *testing.T) (*conductortest.Server, *conductor.Client) {
	t.Helper()
	fake := conductortest.NewServer(slog.New(slog.NewJSONHandler(io.Discard, nil)))
	ts := httptest.NewServer(fake.Router())
	t.Cleanup(ts.Close)
	return fake, conductor.NewClient(ts.URL + "/api/")
}

func TestBatchPollReturnsQueuedTasks(t *testing.T) {
	fake, client := newTestQueue(t)
	first := fake.Enqueue("echo", "", map[string]any{"n": 1})
	fake.Enqueue("echo", "", map[string]any{"n": 2})
	fake.Enqueue("echo", "", map[string]any{"n": 3})

	tasks, err := client.BatchPoll(context.Background(), conductor.BatchPollRequest{
		TaskType: "echo",
		WorkerID: "host-1",
		Count:    2,
	})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, first.TaskID, tasks[0].TaskID)
	assert.Equal(t, first.WorkflowInstanceID, tasks[0].WorkflowInstanceID)
	assert.Equal(t, float64(1), tasks[0].InputData["n"])
	assert.Equal(t, model.StatusInProgress, tasks[0].Status)
	assert.Equal(t, "host-1", tasks[0].WorkerID)
	assert.Equal(t, 1, fake.Pending("echo", ""))

	polls := fake.Polls()
	require.Len(t, polls, 1)
	assert.Equal(t, conductortest.PollRecord{TaskType: "echo", WorkerID: "host-1", Count: 2, Returned: 2}, polls[0])
}

func TestBatchPollEmptyQueue(t *testing.T) {
	_, client := newTestQueue(t)

	tasks, err := client.BatchPoll(context.Background(), conductor.BatchPollRequest{TaskType: "echo", Count: 5})
	require.NoError(t, err)
	assert.NotNil(t, tasks)
	assert.Empty(t, tasks)
}

func TestBatchPollHonoursDomain(t *testing.T) {
	fake, client := newTestQueue(t)
	fake.Enqueue("echo", "blue", nil)

	tasks, err := client.BatchPoll(context.Background(), conductor.BatchPollRequest{TaskType: "echo", Count: 1})
	require.NoError(t, err)
	assert.Empty(t, tasks)

	tasks, err = client.BatchPoll(context.Background(), conductor.BatchPollRequest{TaskType: "echo", Domain: "blue", Count: 1})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestBatchPollLongPollWakesOnEnqueue(t *testing.T) {
	fake, client := newTestQueue(t)

	go func() {
		time.Sleep(30 * time.Millisecond)
		fake.Enqueue("echo", "", nil)
	}()

	tasks, err := client.BatchPoll(context.Background(), conductor.BatchPollRequest{
		TaskType: "echo",
		Count:    1,
		Timeout:  2 * time.Second,
	})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestBatchPollServerError(t *testing.T) {
	fake, client := newTestQueue(t)
	fake.FailNextPolls(1)

	_, err := client.BatchPoll(context.Background(), conductor.BatchPollRequest{TaskType: "echo"})
	require.Error(t, err)

	var apiErr *conductor.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "injected poll failure")
}

func TestUpdateTaskRecordsResult(t *testing.T) {
	fake, client := newTestQueue(t)
	task := fake.Enqueue("echo", "", map[string]any{"msg": "hi"})

	res := model.TaskResult{
		TaskID:             task.TaskID,
		WorkflowInstanceID: task.WorkflowInstanceID,
		WorkerID:           "host-1",
		Status:             model.StatusCompleted,
		OutputData:         map[string]any{"msg": "hi"},
	}
	require.NoError(t, client.UpdateTask(context.Background(), res))

	updates := fake.Updates()
	require.Len(t, updates, 1)
	assert.Equal(t, res.TaskID, updates[0].TaskID)
	assert.Equal(t, model.StatusCompleted, updates[0].Status)
	assert.Equal(t, "hi", updates[0].OutputData["msg"])

	got, err := client.GetTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
}

func TestUpdateTaskUnknownTask(t *testing.T) {
	_, client := newTestQueue(t)

	err := client.UpdateTask(context.Background(), model.TaskResult{TaskID: "missing", Status: model.StatusFailed})
	var apiErr *conductor.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestUpdateTaskInjectedFailures(t *testing.T) {
	fake, client := newTestQueue(t)
	task := fake.Enqueue("echo", "", nil)
	fake.FailNextUpdates(2)

	res := model.TaskResult{TaskID: task.TaskID, Status: model.StatusCompleted}
	assert.Error(t, client.UpdateTask(context.Background(), res))
	assert.Error(t, client.UpdateTask(context.Background(), res))
	assert.NoError(t, client.UpdateTask(context.Background(), res))
	assert.Equal(t, 3, fake.UpdateAttempts())
	assert.Len(t, fake.Updates(), 1)
}

func TestGetTaskNotFound(t *testing.T) {
	_, client := newTestQueue(t)

	_, err := client.GetTask(context.Background(), "nope")
	var apiErr *conductor.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestClientSendsAuthToken(t *testing.T) {
	var got string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	client := conductor.NewClient(ts.URL, conductor.WithAuthToken("secret"), conductor.WithHTTPClient(ts.Client()))
	tasks, err := client.BatchPoll(context.Background(), conductor.BatchPollRequest{TaskType: "echo"})
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.Equal(t, "secret", got)
}

func TestClientHonoursContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	client := conductor.NewClient(ts.URL)
	_, err := client.BatchPoll(ctx, conductor.BatchPollRequest{TaskType: "echo"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAPIErrorMessage(t *testing.T) {
	assert.Equal(t, "conductor: status 502", (&conductor.APIError{StatusCode: 502}).Error())
	assert.Equal(t, "conductor: status 400: bad", (&conductor.APIError{StatusCode: 400, Message: "bad"}).Error())
}
