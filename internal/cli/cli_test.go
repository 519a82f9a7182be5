package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/deckflow/internal/config"
	"github.com/petrijr/deckflow/internal/engine"
	"github.com/petrijr/deckflow/internal/server"
	"github.com/petrijr/deckflow/internal/taskqueue"
	"github.com/petrijr/deckflow/pkg/api"
	"github.com/petrijr/deckflow/pkg/qc"
)

const sampleDeck = `{
  "schema_version": "slidespec_v1",
  "deck": {"title": "Quarterly review", "language": "en"},
  "slides": [
    {
      "slide_id": "s1",
      "type": "title",
      "elements": [
        {"element_id": "s1-title", "kind": "text", "role": "title", "content": {"text": "Q3 results"}}
      ]
    }
  ]
}`

func writeDoc(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deck.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write doc: %v", err)
	}
	return path
}

// run executes the command line with a quiet logger and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	for _, k := range []string{"DECKFLOW_STORAGE", "DECKFLOW_QUEUE", "DECKFLOW_LOG_FORMAT", "DECKFLOW_MAX_FIX_LOOPS"} {
		t.Setenv(k, "")
	}
	var out, errOut bytes.Buffer
	args = append([]string{"--log-level", "error"}, args...)
	err := New(&out, &errOut).Execute(context.Background(), args)
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	out, err := run(t, "validate", writeDoc(t, sampleDeck))
	require.NoError(t, err)
	require.Contains(t, out, "is valid")

	bad := strings.Replace(sampleDeck, `"kind": "text"`, `"kind": "hologram"`, 1)
	out, err = run(t, "validate", writeDoc(t, bad))
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid SlideSpec")
	require.Contains(t, out, "kind")
}

func TestValidateCommand_Repair(t *testing.T) {
	bad := strings.Replace(sampleDeck, `"kind": "text"`, `"kind": "hologram"`, 1)
	fixed := filepath.Join(t.TempDir(), "fixed.json")

	_, err := run(t, "validate", "--repair", "--out", fixed, writeDoc(t, bad))
	require.NoError(t, err)

	out, err := run(t, "validate", fixed)
	require.NoError(t, err)
	require.Contains(t, out, "is valid")
}

func TestPlanCommand_JSON(t *testing.T) {
	out, err := run(t, "plan", "--json", "--max-loops", "2", writeDoc(t, sampleDeck))
	require.NoError(t, err)

	var res struct {
		Loops          int        `json:"loops"`
		NeedsHumanEdit bool       `json:"needs_human_edit"`
		Initial        *qc.Report `json:"initial"`
		Final          *qc.Report `json:"final"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.NotNil(t, res.Initial)
	require.NotNil(t, res.Final)
	require.LessOrEqual(t, res.Loops, 2)
	require.Equal(t, !res.Final.Pass, res.NeedsHumanEdit)
}

func TestPlanCommand_WritesDocument(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out.json")
	out, err := run(t, "plan", "--out", dest, writeDoc(t, sampleDeck))
	require.NoError(t, err)
	require.Contains(t, out, "Initial check")

	_, err = run(t, "validate", dest)
	require.NoError(t, err)
}

func TestPlanCommand_InvalidDocument(t *testing.T) {
	_, err := run(t, "plan", writeDoc(t, `{"schema_version": "slidespec_v1"}`))
	require.Error(t, err)
}

func TestRenderReport(t *testing.T) {
	var buf bytes.Buffer
	renderReport(&buf, "Check", &qc.Report{Pass: true})
	require.Contains(t, buf.String(), "no issues")

	buf.Reset()
	renderReport(&buf, "Check", &qc.Report{
		Issues: []qc.Issue{{Type: qc.IssueOverflow, SlideID: "s1", ElementID: "body", Severity: qc.SeverityHigh,
			Details: qc.Details{Required: 120, Available: 100}}},
		Counts: qc.Counts{Total: 1, High: 1},
	})
	require.Contains(t, buf.String(), "overflow")
	require.Contains(t, buf.String(), "s1/body")
	require.Contains(t, buf.String(), "needs 120pt of 100pt")
}

func TestReadEvents(t *testing.T) {
	want := []api.RunEvent{
		{RunID: "r1", Seq: 0, Type: api.EventLog, Payload: json.RawMessage(`{"message":"started"}`)},
		{RunID: "r1", Seq: 1, Type: api.EventProgress, Payload: json.RawMessage(`{"status":"succeeded","progress":100}`)},
	}
	var buf bytes.Buffer
	for _, ev := range want {
		require.NoError(t, server.WriteEvent(&buf, ev))
	}

	var got []api.RunEvent
	require.NoError(t, readEvents(&buf, "r1", func(ev api.RunEvent) { got = append(got, ev) }))
	require.Equal(t, want, got)
}

func TestFollowEvents_UnknownRun(t *testing.T) {
	srv := httptest.NewServer(server.New(engine.NewInMemoryEngine(), server.Config{}))
	defer srv.Close()

	err := followEvents(context.Background(), srv.Client(), srv.URL, "missing", -1, func(api.RunEvent) {})
	require.Error(t, err)
	require.Contains(t, err.Error(), string(api.CodeRunNotFound))
}

func TestBuildApp(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		a, err := buildApp(ctx, config.Default(), nopLogger())
		require.NoError(t, err)
		defer a.Close()
		require.IsType(t, &taskqueue.InMemoryQueue{}, a.queue)

		runs, err := a.engine.ListRuns(ctx, api.RunFilter{})
		require.NoError(t, err)
		require.Empty(t, runs)
	})

	t.Run("sqlite", func(t *testing.T) {
		cfg := config.Default()
		cfg.Storage.Backend = config.BackendSQLite
		cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "deckflow.db")
		cfg.Queue.Backend = config.BackendSQLite
		require.NoError(t, cfg.Validate())

		a, err := buildApp(ctx, cfg, nopLogger())
		require.NoError(t, err)
		require.IsType(t, &taskqueue.SQLiteQueue{}, a.queue)
		require.NoError(t, a.Close())
	})

	t.Run("bad presets", func(t *testing.T) {
		cfg := config.Default()
		cfg.Layout.PresetPath = filepath.Join(t.TempDir(), "absent.yaml")
		_, err := buildApp(ctx, cfg, nopLogger())
		require.Error(t, err)
	})
}

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
