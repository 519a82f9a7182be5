package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/deckflow/pkg/api"
)

func chatServer(t *testing.T, status int, content string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"server_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
			"usage": map[string]any{"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestOpenAI_DraftExtractsDocument(t *testing.T) {
	reply := "Here you go:\n```json\n" +
		`{"schema_version":"slidespec_v1","deck":{"title":"T","language":"en"},"slides":[{"slide_id":"s1","elements":[]}]}` +
		"\n```"
	srv, _ := chatServer(t, http.StatusOK, reply)
	c := NewOpenAI("test-key", "test-model", srv.URL+"/v1/", option.WithMaxRetries(0))

	doc, err := c.Draft(context.Background(), DraftRequest{Prompt: "anything"})
	require.NoError(t, err)
	require.JSONEq(t, `{"schema_version":"slidespec_v1","deck":{"title":"T","language":"en"},"slides":[{"slide_id":"s1","elements":[]}]}`, string(doc))
}

func TestOpenAI_NonJSONReplyIsValidationFailure(t *testing.T) {
	srv, _ := chatServer(t, http.StatusOK, "I cannot do that.")
	c := NewOpenAI("test-key", "", srv.URL+"/v1/", option.WithMaxRetries(0))

	_, err := c.Repair(context.Background(), json.RawMessage(`{}`), []string{"x"})
	require.Error(t, err)
	require.Equal(t, api.ClassValidation, api.ClassOf(err))
}

func TestOpenAI_ClassifiesHTTPFailures(t *testing.T) {
	cases := []struct {
		status int
		class  api.Class
		code   api.Code
	}{
		{http.StatusTooManyRequests, api.ClassRateLimit, api.CodeRateLimited},
		{http.StatusBadGateway, api.ClassTransientIO, api.CodeTransientIO},
		{http.StatusUnauthorized, api.ClassFatal, api.CodeAgentUnavailable},
	}
	for _, c := range cases {
		srv, calls := chatServer(t, c.status, "")
		client := NewOpenAI("test-key", "m", srv.URL+"/v1/", option.WithMaxRetries(0))
		_, err := client.Summarize(context.Background(), "long text", 10)
		require.Error(t, err)
		require.Equal(t, c.class, api.ClassOf(err), "status %d", c.status)
		require.Equal(t, c.code, api.CodeOf(err), "status %d", c.status)
		require.EqualValues(t, 1, calls.Load())
	}
}

func TestOpenAI_SummarizeRespectsLimit(t *testing.T) {
	srv, _ := chatServer(t, http.StatusOK, "a summary that is still far too long for the box")
	c := NewOpenAI("test-key", "m", srv.URL+"/v1/", option.WithMaxRetries(0))

	out, err := c.Summarize(context.Background(), "whatever", 20)
	require.NoError(t, err)
	require.LessOrEqual(t, len([]rune(out)), 20)
}
