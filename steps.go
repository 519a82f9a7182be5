package deckflow

import (
	"context"
	"encoding/json"

	"github.com/petrijr/deckflow/pkg/api"
	"github.com/petrijr/deckflow/pkg/ir"
)

// TypedStep wraps a strongly-typed function into a handler. The function
// receives the result of dependency dep decoded into I; its return value
// becomes the step's result.
//
//	deckflow.TypedStep("outline", func(ctx context.Context, o Outline) (Draft, error) { ... })
func TypedStep[I, O any](dep string, fn func(context.Context, I) (O, error)) StepHandlerFunc {
	return func(ctx context.Context, sc *StepContext) (*StepResult, error) {
		out, err := sc.Dep(ctx, dep)
		if err != nil {
			return nil, err
		}
		var in I
		if err := out.DecodeResult(&in); err != nil {
			return nil, api.WrapError(api.CodeInternal, api.ClassFatal, err, "decode result of %s", dep)
		}
		res, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return &StepResult{Output: res}, nil
	}
}

// InputStep wraps a function of the run input into a handler.
func InputStep[O any](fn func(context.Context, RunInput) (O, error)) StepHandlerFunc {
	return func(ctx context.Context, sc *StepContext) (*StepResult, error) {
		var in RunInput
		if len(sc.Run.Input) > 0 {
			if err := json.Unmarshal(sc.Run.Input, &in); err != nil {
				return nil, api.WrapError(api.CodeInternal, api.ClassFatal, err, "decode run input")
			}
		}
		res, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return &StepResult{Output: res}, nil
	}
}

// IRStep wraps a transformation of the run's current SlideSpec. The input
// document is validated before fn sees it; the returned document becomes
// the run's new IR version. Returning nil leaves the IR unchanged.
func IRStep(fn func(context.Context, *ir.SlideSpec) (*ir.SlideSpec, error)) StepHandlerFunc {
	return func(ctx context.Context, sc *StepContext) (*StepResult, error) {
		doc, err := sc.IR(ctx)
		if err != nil {
			return nil, err
		}
		spec, err := ir.Decode(doc)
		if err != nil {
			return nil, api.ValidationError(err, "current IR is invalid")
		}
		next, err := fn(ctx, spec)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return &StepResult{}, nil
		}
		if err := ir.Validate(next); err != nil {
			return nil, api.ValidationError(err, "step produced invalid IR")
		}
		out, err := ir.Marshal(next)
		if err != nil {
			return nil, err
		}
		return &StepResult{IR: out}, nil
	}
}
