package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/deckflow/internal/engine"
	"github.com/petrijr/deckflow/internal/persistence"
	"github.com/petrijr/deckflow/internal/taskqueue"
	"github.com/petrijr/deckflow/pkg/api"
	"github.com/petrijr/deckflow/pkg/worker"
)

const prompt = "Launch plan for the new billing service. Migration happens in three waves. " +
	"Support staff get training in May. Legacy invoices stay readable for a year."

type fixture struct {
	engine api.Engine
	srv    *Server
}

// newFixture starts an in-memory engine with a background worker.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	q := taskqueue.NewInMemoryQueue()
	eng, err := engine.NewEngineWithConfig(engine.Config{
		Persistence: persistence.NewMemoryPersistence(),
		Queue:       q,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = worker.NewWithConfig(eng, q, worker.Config{Concurrency: 2}).Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &fixture{engine: eng, srv: New(eng, Config{})}
}

func (f *fixture) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rd = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			require.NoError(t, err)
			rd = bytes.NewReader(data)
		}
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func (f *fixture) waitTerminal(t *testing.T, runID string) *api.Run {
	t.Helper()
	var run api.Run
	require.Eventually(t, func() bool {
		rec := f.do(t, http.MethodGet, "/v1/runs/"+runID, nil, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		run = decode[api.Run](t, rec)
		return run.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond)
	return &run
}

func createBody(project string) api.CreateRunRequest {
	return api.CreateRunRequest{ProjectID: project, CreatorID: "u1", Input: api.RunInput{Prompt: prompt}}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestCreateRun_CompletesAndPublishesArtifact(t *testing.T) {
	f := newFixture(t)
	hdr := map[string]string{IdempotencyKeyHeader: "k-1"}

	rec := f.do(t, http.MethodPost, "/v1/runs", createBody("p1"), hdr)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	run := decode[api.Run](t, rec)

	replay := f.do(t, http.MethodPost, "/v1/runs", createBody("p1"), hdr)
	require.Equal(t, http.StatusOK, replay.Code)
	require.Equal(t, run.ID, decode[api.Run](t, replay).ID)

	final := f.waitTerminal(t, run.ID)
	require.Equal(t, api.RunCompleted, final.Status, "%s: %s", final.ErrorCode, final.ErrorMessage)
	require.NotEmpty(t, final.ArtifactID)

	rec = f.do(t, http.MethodGet, "/v1/artifacts/"+final.ArtifactID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	art := decode[api.ArtifactVersion](t, rec)
	require.Equal(t, run.ID, art.RunID)

	rec = f.do(t, http.MethodGet, "/v1/projects/p1/artifacts", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[[]api.ArtifactVersion](t, rec), 1)

	rec = f.do(t, http.MethodGet, "/v1/runs/"+run.ID+"/steps", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, decode[[]api.RunStep](t, rec))

	rec = f.do(t, http.MethodGet, "/v1/runs?project_id=p1&status=completed", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[[]api.Run](t, rec), 1)

	rec = f.do(t, http.MethodGet, "/v1/runs?project_id=other", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, "[]", rec.Body.String())
}

func TestApprovalFlow(t *testing.T) {
	f := newFixture(t)
	body := createBody("p2")
	approve := true
	body.Policy = &api.PolicyOverrides{RequireApproval: &approve}

	rec := f.do(t, http.MethodPost, "/v1/runs", body, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	run := decode[api.Run](t, rec)

	require.Eventually(t, func() bool {
		r := decode[api.Run](t, f.do(t, http.MethodGet, "/v1/runs/"+run.ID, nil, nil))
		return r.Status == api.RunWaitingApproval
	}, 10*time.Second, 10*time.Millisecond)

	rec = f.do(t, http.MethodPost, "/v1/runs/"+run.ID+"/approve", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, api.RunCompleted, f.waitTerminal(t, run.ID).Status)

	rec = f.do(t, http.MethodPost, "/v1/runs/"+run.ID+"/approve", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, api.CodeRunNotApprovable, decode[ErrorBody](t, rec).Error.Code)
}

func TestRegenerate_LinksParent(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/runs", createBody("p3"), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	parent := f.waitTerminal(t, decode[api.Run](t, rec).ID)
	require.Equal(t, api.RunCompleted, parent.Status)

	var spec struct {
		Slides []struct {
			SlideID string `json:"slide_id"`
		} `json:"slides"`
	}
	art := decode[api.ArtifactVersion](t, f.do(t, http.MethodGet, "/v1/artifacts/"+parent.ArtifactID, nil, nil))
	require.NoError(t, json.Unmarshal(art.IR, &spec))
	require.NotEmpty(t, spec.Slides)

	body := map[string]any{"scope": map[string]any{"slide_ids": []string{spec.Slides[0].SlideID}}}
	rec = f.do(t, http.MethodPost, "/v1/runs/"+parent.ID+"/regenerate", body, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	child := decode[api.Run](t, rec)
	require.Equal(t, parent.ID, child.ParentRunID)
	require.Equal(t, api.RunCompleted, f.waitTerminal(t, child.ID).Status)

	rec = f.do(t, http.MethodGet, "/v1/projects/p3/artifacts", nil, nil)
	require.Len(t, decode[[]api.ArtifactVersion](t, rec), 2)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/runs/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decode[ErrorBody](t, rec)
	require.Equal(t, api.CodeRunNotFound, body.Error.Code)
	require.NotEmpty(t, body.RequestID)

	rec = f.do(t, http.MethodGet, "/v1/artifacts/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/runs", `{"project_id":"p","input":{"prompt":"x"},"colour":"red"}`, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, api.CodeInvalidRequest, decode[ErrorBody](t, rec).Error.Code)

	rec = f.do(t, http.MethodPost, "/v1/runs", api.CreateRunRequest{ProjectID: "p"}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/runs?limit=abc", nil, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/runs/missing/events?after_seq=x", nil, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestStatusFor(t *testing.T) {
	require.Equal(t, http.StatusNotFound, StatusFor(api.CodeRunNotFound))
	require.Equal(t, http.StatusConflict, StatusFor(api.CodeIdempotencyKeyReused))
	require.Equal(t, http.StatusConflict, StatusFor(api.CodeRunTerminal))
	require.Equal(t, http.StatusUnprocessableEntity, StatusFor(api.CodeIRValidationFailed))
	require.Equal(t, http.StatusInternalServerError, StatusFor(api.CodeInternal))
	require.Equal(t, http.StatusInternalServerError, StatusFor(api.CodeRetryExhausted))
}

type sseEvent struct {
	id   int64
	typ  string
	data string
}

// readSSE reads events until the server closes the stream.
func readSSE(t *testing.T, r io.Reader) []sseEvent {
	t.Helper()
	var (
		out []sseEvent
		cur sseEvent
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			out = append(out, cur)
			cur = sseEvent{}
		case strings.HasPrefix(line, "id: "):
			n, err := strconv.ParseInt(strings.TrimPrefix(line, "id: "), 10, 64)
			require.NoError(t, err)
			cur.id = n
		case strings.HasPrefix(line, "event: "):
			cur.typ = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	return out
}

func TestEvents_StreamEndsAtTerminalProgress(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv)
	t.Cleanup(ts.Close)
	client := &http.Client{Timeout: 10 * time.Second}

	rec := f.do(t, http.MethodPost, "/v1/runs", createBody("p4"), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	run := decode[api.Run](t, rec)

	resp, err := client.Get(ts.URL + "/v1/runs/" + run.ID + "/events")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	events := readSSE(t, resp.Body)
	_ = resp.Body.Close()

	require.NotEmpty(t, events)
	for i, ev := range events {
		require.Equal(t, int64(i), ev.id)
	}
	last := events[len(events)-1]
	require.Equal(t, string(api.EventProgress), last.typ)
	var p api.ProgressPayload
	require.NoError(t, json.Unmarshal([]byte(last.data), &p))
	require.Equal(t, api.RunCompleted, p.Status)
	require.Equal(t, 100, p.Progress)

	// Resuming replays only what follows the given position.
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/runs/"+run.ID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "2")
	resp, err = client.Do(req)
	require.NoError(t, err)
	resumed := readSSE(t, resp.Body)
	_ = resp.Body.Close()
	require.Len(t, resumed, len(events)-3)
	require.Equal(t, int64(3), resumed[0].id)
}

func TestEvents_ResumePastEndOfFinishedRun(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv)
	t.Cleanup(ts.Close)
	client := &http.Client{Timeout: 5 * time.Second}

	rec := f.do(t, http.MethodPost, "/v1/runs", createBody("p9"), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	run := decode[api.Run](t, rec)

	resp, err := client.Get(ts.URL + "/v1/runs/" + run.ID + "/events")
	require.NoError(t, err)
	events := readSSE(t, resp.Body)
	_ = resp.Body.Close()
	require.NotEmpty(t, events)
	lastID := events[len(events)-1].id

	got, err := f.engine.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.True(t, got.Status.Terminal())

	for _, after := range []int64{lastID, lastID + 10} {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/runs/"+run.ID+"/events", nil)
		require.NoError(t, err)
		req.Header.Set("Last-Event-ID", strconv.FormatInt(after, 10))

		start := time.Now()
		resp, err := client.Do(req)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resumed := readSSE(t, resp.Body)
		_ = resp.Body.Close()
		require.Empty(t, resumed)
		require.Less(t, time.Since(start), 2*time.Second)
	}
}

func TestEvents_UnknownRun(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/runs/missing/events", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTerminal(t *testing.T) {
	payload, err := json.Marshal(api.ProgressPayload{Status: api.RunFailed})
	require.NoError(t, err)
	require.True(t, Terminal(api.RunEvent{Type: api.EventProgress, Payload: payload}))
	require.False(t, Terminal(api.RunEvent{Type: api.EventLog, Payload: payload}))

	payload, err = json.Marshal(api.ProgressPayload{Status: api.RunRendering})
	require.NoError(t, err)
	require.False(t, Terminal(api.RunEvent{Type: api.EventProgress, Payload: payload}))
}
