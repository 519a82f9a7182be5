package api

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassOf(t *testing.T) {
	require.Equal(t, ClassValidation, ClassOf(ValidationError(nil, "bad")))
	require.Equal(t, ClassPolicy, ClassOf(fmt.Errorf("wrapped: %w", PolicyError("no network"))))
	require.Equal(t, ClassTimeout, ClassOf(fmt.Errorf("call: %w", context.DeadlineExceeded)))
	require.Equal(t, ClassCancelled, ClassOf(context.Canceled))
	require.Equal(t, ClassFatal, ClassOf(errors.New("mystery")))
	require.Equal(t, Class(""), ClassOf(nil))
}

func TestCodeOf(t *testing.T) {
	require.Equal(t, CodeRunNotApprovable, CodeOf(NewError(CodeRunNotApprovable, ClassFatal, "x")))
	require.Equal(t, CodeStepTimeout, CodeOf(context.DeadlineExceeded))
	require.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	require.True(t, IsCode(fmt.Errorf("ctx: %w", TransientError(nil, "io")), CodeTransientIO))
}

func TestClassTransient(t *testing.T) {
	for _, c := range []Class{ClassTimeout, ClassRateLimit, ClassTransientIO} {
		require.True(t, c.Transient(), c)
	}
	for _, c := range []Class{ClassValidation, ClassPolicy, ClassFatal, ClassCancelled} {
		require.False(t, c.Transient(), c)
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := WrapError(CodeTransientIO, ClassTransientIO, cause, "write step %s", "render_plan")
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "TRANSIENT_IO")
	require.Contains(t, err.Error(), "render_plan")
}

func TestPolicyOverridesApply(t *testing.T) {
	base := PolicySnapshot{
		MaxFixLoops: DefaultMaxFixLoops,
		Steps:       map[StepType]RetryPolicy{StepAgent: {MaxAttempts: 3, Retryable: []Class{ClassTimeout}}},
	}
	loops := 5
	approve := true
	out := (&PolicyOverrides{MaxFixLoops: &loops, RequireApproval: &approve}).Apply(base)

	require.Equal(t, 5, out.MaxFixLoops)
	require.True(t, out.RequireApproval)
	require.Equal(t, DefaultMaxFixLoops, base.MaxFixLoops)

	// The snapshot is a deep copy.
	out.Steps[StepAgent] = RetryPolicy{}
	require.Equal(t, 3, base.Steps[StepAgent].MaxAttempts)

	var nilOverrides *PolicyOverrides
	require.Equal(t, base.MaxFixLoops, nilOverrides.Apply(base).MaxFixLoops)
}

func TestRunClone(t *testing.T) {
	r := &Run{ID: "r1", State: map[string]any{"qc.pass": false}, Scope: &Scope{SlideIDs: []string{"s1"}}}
	c := r.Clone()
	c.State["qc.pass"] = true
	c.Scope.SlideIDs[0] = "s2"
	require.Equal(t, false, r.State["qc.pass"])
	require.Equal(t, "s1", r.Scope.SlideIDs[0])
}
