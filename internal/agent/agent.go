// Package agent holds the content agents the deck workflow calls: drafting
// a deck from a prompt, repairing a document that failed validation,
// regenerating selected slides and summarizing overlong text.
//
// Two implementations exist. Deterministic needs no network and is what
// tests and offline runs use. OpenAI talks to any Chat Completions
// compatible endpoint and returns its documents through the same
// interfaces.
package agent

import (
	"context"
	"encoding/json"
)

// DraftRequest is the content intent a deck is drafted from.
type DraftRequest struct {
	Prompt     string
	Language   string
	Audience   string
	Tone       string
	SlideCount int
}

// Drafter turns a prompt into a SlideSpec document.
type Drafter interface {
	Draft(ctx context.Context, req DraftRequest) (json.RawMessage, error)
}

// Repairer rewrites a document so it passes validation. problems are the
// validator messages.
type Repairer interface {
	Repair(ctx context.Context, doc json.RawMessage, problems []string) (json.RawMessage, error)
}

// Regenerator rewrites the named slides of a document. Slide and element
// ids of untouched content must survive.
type Regenerator interface {
	Regenerate(ctx context.Context, doc json.RawMessage, slideIDs []string, instructions string) (json.RawMessage, error)
}

// Summarizer shortens text to roughly maxChars characters.
type Summarizer interface {
	Summarize(ctx context.Context, text string, maxChars int) (string, error)
}

// Set bundles one implementation of each agent.
type Set struct {
	Drafter     Drafter
	Repairer    Repairer
	Regenerator Regenerator
	Summarizer  Summarizer
}

// DeterministicSet returns a Set backed entirely by Deterministic.
func DeterministicSet() Set {
	d := NewDeterministic()
	return Set{Drafter: d, Repairer: d, Regenerator: d, Summarizer: d}
}

// WithDefaults fills unset agents from DeterministicSet.
func (s Set) WithDefaults() Set {
	d := DeterministicSet()
	if s.Drafter == nil {
		s.Drafter = d.Drafter
	}
	if s.Repairer == nil {
		s.Repairer = d.Repairer
	}
	if s.Regenerator == nil {
		s.Regenerator = d.Regenerator
	}
	if s.Summarizer == nil {
		s.Summarizer = d.Summarizer
	}
	return s
}
