package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/petrijr/deckflow/pkg/api"
	"github.com/petrijr/deckflow/pkg/ir"
)

const (
	DefaultModel     = "gpt-4o-mini"
	defaultMaxTokens = 4096
)

const systemPrompt = `You write slide decks as SlideSpec JSON documents (schema_version "slidespec_v1").
Reply with a single JSON object and nothing else. Keep every existing slide_id and element_id.`

// OpenAI implements the agents on the Chat Completions API. It works with
// any OpenAI compatible endpoint.
type OpenAI struct {
	client openai.Client
	model  string
}

var (
	_ Drafter     = (*OpenAI)(nil)
	_ Repairer    = (*OpenAI)(nil)
	_ Regenerator = (*OpenAI)(nil)
	_ Summarizer  = (*OpenAI)(nil)
)

// NewOpenAI creates a client. An empty baseURL uses the OpenAI default;
// an empty model uses DefaultModel. extra options are applied last.
func NewOpenAI(apiKey, model, baseURL string, extra ...option.RequestOption) *OpenAI {
	if model == "" {
		model = DefaultModel
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	opts = append(opts, extra...)
	return &OpenAI{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// OpenAISet returns a Set that drafts, repairs, regenerates and summarizes
// through c.
func OpenAISet(c *OpenAI) Set {
	return Set{Drafter: c, Repairer: c, Regenerator: c, Summarizer: c}
}

// External marks the agent as calling outside the process. The deck
// handlers refuse such agents when the run policy forbids external network.
func (c *OpenAI) External() bool { return true }

func (c *OpenAI) Draft(ctx context.Context, req DraftRequest) (json.RawMessage, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Draft a deck of about %d slides.\n", max(req.SlideCount, 3))
	if req.Language != "" {
		fmt.Fprintf(&b, "Language: %s\n", req.Language)
	}
	if req.Audience != "" {
		fmt.Fprintf(&b, "Audience: %s\n", req.Audience)
	}
	if req.Tone != "" {
		fmt.Fprintf(&b, "Tone: %s\n", req.Tone)
	}
	b.WriteString("Brief:\n")
	b.WriteString(req.Prompt)
	return c.document(ctx, b.String())
}

func (c *OpenAI) Repair(ctx context.Context, doc json.RawMessage, problems []string) (json.RawMessage, error) {
	prompt := fmt.Sprintf("This document fails validation:\n- %s\n\nReturn the corrected document:\n%s",
		strings.Join(problems, "\n- "), doc)
	return c.document(ctx, prompt)
}

func (c *OpenAI) Regenerate(ctx context.Context, doc json.RawMessage, slideIDs []string, instructions string) (json.RawMessage, error) {
	prompt := fmt.Sprintf("Rewrite only the slides %s of this document. %s\nLeave every other slide unchanged.\n%s",
		strings.Join(slideIDs, ", "), instructions, doc)
	return c.document(ctx, prompt)
}

func (c *OpenAI) Summarize(ctx context.Context, text string, maxChars int) (string, error) {
	out, err := c.complete(ctx, "You shorten slide text. Reply with the shortened text only.",
		fmt.Sprintf("Shorten to at most %d characters, keeping the meaning:\n%s", maxChars, text))
	if err != nil {
		return "", err
	}
	return truncateWords(out, maxChars), nil
}

// document asks for a SlideSpec and returns the compacted reply.
// A reply that is not a SlideSpec is a validation failure so the workflow
// routes it to repair.
func (c *OpenAI) document(ctx context.Context, prompt string) (json.RawMessage, error) {
	out, err := c.complete(ctx, systemPrompt, prompt)
	if err != nil {
		return nil, err
	}
	raw := extractJSON(out)
	if raw == nil {
		return nil, api.NewError(api.CodeIRValidationFailed, api.ClassValidation, "agent reply contains no JSON object")
	}
	var spec ir.SlideSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, api.ValidationError(err, "agent reply is not a slidespec")
	}
	return raw, nil
}

func (c *OpenAI) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               c.model,
		MaxCompletionTokens: openai.Int(defaultMaxTokens),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	})
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", api.NewError(api.CodeAgentUnavailable, api.ClassTransientIO, "agent returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// classify maps API failures onto the retry taxonomy.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return api.WrapError(api.CodeRateLimited, api.ClassRateLimit, err, "agent rate limited")
		case apiErr.StatusCode >= 500:
			return api.TransientError(err, "agent server error")
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return api.WrapError(api.CodeAgentUnavailable, api.ClassFatal, err, "agent rejected credentials")
		}
		return api.WrapError(api.CodeAgentUnavailable, api.ClassFatal, err, "agent request failed")
	}
	return api.TransientError(err, "agent unreachable")
}

// extractJSON returns the outermost {...} span of s, tolerating code
// fences and surrounding prose.
func extractJSON(s string) json.RawMessage {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return nil
	}
	raw := []byte(s[start : end+1])
	if !json.Valid(raw) {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil
	}
	return buf.Bytes()
}
