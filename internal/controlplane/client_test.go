package controlplane

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"taskagent/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	method string
	path   string
	query  url.Values
	body   string
	ctype  string
}

type fakeServer struct {
	mu       sync.Mutex
	requests []recordedRequest
	respond  func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{
		method: r.Method,
		path:   r.URL.Path,
		query:  r.URL.Query(),
		body:   string(body),
		ctype:  r.Header.Get("Content-Type"),
	})
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		respond(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (f *fakeServer) last() recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newTestClient(t *testing.T, handler *fakeServer) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := New(Options{BaseURL: srv.URL, Timeout: 5 * time.Second, Version: "test"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return client
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestNewRejectsRelativeURL(t *testing.T) {
	t.Parallel()

	_, err := New(Options{BaseURL: "not-a-url"}, slog.Default())
	require.Error(t, err)
}

func TestParseTaskListAppliesDefaults(t *testing.T) {
	t.Parallel()

	body := `{
		"run": [
			{"task": {"taskID": "t-1", "commandContent": "` + b64("echo hi") + `", "workingDirectory": "/tmp", "cron": "", "timeOut": "60"},
			 "output": {"interval": 500, "logQuota": 100, "skipEmpty": true, "sendStart": true}},
			{"task": {"taskID": "t-2", "commandContent": "` + b64("uptime") + `", "cron": "*/2 * * * * *", "type": "RunShellScript"}},
			{"task": {"taskID": "t-3", "commandContent": "%%%", "timeOut": 5}}
		],
		"stop": [{"task": {"taskID": "t-9"}}],
		"file": [{"task": {"taskID": "f-1"}}]
	}`

	list, invalid, err := ParseTaskList([]byte(body))
	require.NoError(t, err)
	require.Len(t, list.Run, 2)

	first := list.Run[0]
	assert.Equal(t, "t-1", first.TaskID)
	assert.Equal(t, "echo hi", first.Content)
	assert.Equal(t, "/tmp", first.WorkingDir)
	assert.Equal(t, 60, first.TimeoutSeconds)
	assert.Equal(t, 500*time.Millisecond, first.Output.FlushInterval)
	assert.Equal(t, 100, first.Output.LogQuota)
	assert.True(t, first.Output.SkipEmpty)
	assert.True(t, first.Output.SendStart)
	assert.False(t, first.Periodic())

	second := list.Run[1]
	assert.Equal(t, "uptime", second.Content)
	assert.Equal(t, "RunShellScript", second.CommandType)
	assert.Equal(t, core.DefaultTimeoutSeconds, second.TimeoutSeconds)
	assert.Equal(t, core.DefaultFlushInterval, second.Output.FlushInterval)
	assert.Equal(t, core.DefaultLogQuota, second.Output.LogQuota)
	assert.True(t, second.Periodic())

	assert.Equal(t, []core.StopTaskInfo{{TaskID: "t-9"}}, list.Stop)
	assert.Equal(t, []InvalidTask{{TaskID: "t-3", Param: "commandContent", Value: "%%%"}}, invalid)
}

func TestParseTaskListRejectsBadJSON(t *testing.T) {
	t.Parallel()

	_, _, err := ParseTaskList([]byte(`{"run": [`))
	require.Error(t, err)

	list, _, err := ParseTaskList(nil)
	require.NoError(t, err)
	assert.Empty(t, list.Run)
}

func TestFetchTasksReportsUndecodableTasks(t *testing.T) {
	t.Parallel()

	srv := &fakeServer{respond: func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == fetchPath {
			_, _ = io.WriteString(w, `{"run":[{"task":{"taskID":"ok","commandContent":"`+b64("true")+`"}},{"task":{"taskID":"bad","commandContent":"!!"}}]}`)
		}
	}}
	client := newTestClient(t, srv)

	list, err := client.FetchTasks(context.Background(), "startup")
	require.NoError(t, err)
	require.Len(t, list.Run, 1)
	assert.Equal(t, "ok", list.Run[0].TaskID)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.requests, 2)
	assert.Equal(t, http.MethodPost, srv.requests[0].method)
	assert.Equal(t, "startup", srv.requests[0].query.Get("reason"))
	assert.Equal(t, invalidPath, srv.requests[1].path)
	assert.Equal(t, "bad", srv.requests[1].query.Get("taskId"))
	assert.Equal(t, "commandContent", srv.requests[1].query.Get("param"))
}

func TestReportRunningParsesAck(t *testing.T) {
	t.Parallel()

	srv := &fakeServer{respond: func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"received": 12, "accepted": 10, "current": 8}`)
	}}
	client := newTestClient(t, srv)

	ack, err := client.ReportRunning(context.Background(), "t-1", 1700000000000, []byte("partial output"))
	require.NoError(t, err)
	assert.Equal(t, core.Ack{Received: 12, Accepted: 10, Current: 8}, ack)

	req := srv.last()
	assert.Equal(t, runningPath, req.path)
	assert.Equal(t, "t-1", req.query.Get("taskId"))
	assert.Equal(t, "1700000000000", req.query.Get("start"))
	assert.Equal(t, "partial output", req.body)
	assert.Equal(t, "text/plain; charset=utf-8", req.ctype)
}

func TestReportStart(t *testing.T) {
	t.Parallel()

	srv := &fakeServer{}
	client := newTestClient(t, srv)

	require.NoError(t, client.ReportStart(context.Background(), "t-1", 42))
	req := srv.last()
	assert.Equal(t, runningPath, req.path)
	assert.Equal(t, url.Values{"taskId": {"t-1"}, "start": {"42"}}, req.query)
	assert.Empty(t, req.body)
}

func TestReportFinalQueries(t *testing.T) {
	t.Parallel()

	base := core.FinalReport{TaskID: "t-1", Start: 100, End: 200, ExitCode: 3, Dropped: 7, Output: []byte("tail")}

	tests := []struct {
		kind  core.ReportKind
		path  string
		query url.Values
	}{
		{
			kind:  core.ReportFinish,
			path:  finishPath,
			query: url.Values{"taskId": {"t-1"}, "start": {"100"}, "end": {"200"}, "exitCode": {"3"}, "dropped": {"7"}},
		},
		{
			kind:  core.ReportStopped,
			path:  stoppedPath,
			query: url.Values{"taskId": {"t-1"}, "start": {"100"}, "end": {"200"}, "dropped": {"7"}, "result": {"killed"}},
		},
		{
			kind:  core.ReportTimeout,
			path:  timeoutPath,
			query: url.Values{"taskId": {"t-1"}, "start": {"100"}, "end": {"200"}, "dropped": {"7"}},
		},
		{
			kind:  core.ReportError,
			path:  errorPath,
			query: url.Values{"taskId": {"t-1"}, "start": {"100"}, "end": {"200"}, "exitCode": {"3"}, "dropped": {"7"}, "errDesc": {"spawn failed"}},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.kind), func(t *testing.T) {
			t.Parallel()
			srv := &fakeServer{}
			client := newTestClient(t, srv)

			report := base
			report.Kind = tt.kind
			if tt.kind == core.ReportError {
				report.ErrDesc = "spawn failed"
			}
			require.NoError(t, client.ReportFinal(context.Background(), report))

			req := srv.last()
			assert.Equal(t, tt.path, req.path)
			assert.Equal(t, tt.query, req.query)
			assert.Equal(t, "tail", req.body)
		})
	}
}

func TestReportFinalSurfacesStatusErrors(t *testing.T) {
	t.Parallel()

	srv := &fakeServer{respond: func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}}
	client := newTestClient(t, srv)

	err := client.ReportFinal(context.Background(), core.FinalReport{Kind: core.ReportFinish, TaskID: "t-1"})
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.Code)
	assert.Equal(t, finishPath, statusErr.Path)

	err = client.ReportFinal(context.Background(), core.FinalReport{Kind: "bogus"})
	require.Error(t, err)
}

func TestCheckNetwork(t *testing.T) {
	t.Parallel()

	srv := &fakeServer{}
	client := newTestClient(t, srv)

	require.NoError(t, client.CheckNetwork(context.Background()))
	req := srv.last()
	assert.Equal(t, http.MethodGet, req.method)
	assert.Equal(t, connectionDetectPath, req.path)
}

func TestTruncateUTF8(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc", truncateUTF8("abc", 10))
	assert.Equal(t, "ab", truncateUTF8("abcdef", 2))
	// "é" is two bytes; cutting through it keeps the rune whole or drops it.
	assert.Equal(t, "a", truncateUTF8("aé", 2))
}
