package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/deckflow/pkg/api"
)

func TestCompileWorkflow_Rejects(t *testing.T) {
	step := func(key string, typ api.StepType, deps ...string) api.StepDefinition {
		return api.StepDefinition{Key: key, Type: typ, DependsOn: deps}
	}
	tests := []struct {
		name string
		def  api.WorkflowDefinition
		want string
	}{
		{"no name", api.WorkflowDefinition{Steps: []api.StepDefinition{step("a", api.StepTool)}}, "name is required"},
		{"no steps", api.WorkflowDefinition{Name: "w"}, "at least one step"},
		{"empty key", api.WorkflowDefinition{Name: "w", Steps: []api.StepDefinition{step("", api.StepTool)}}, "has no key"},
		{"iteration marker", api.WorkflowDefinition{Name: "w", Steps: []api.StepDefinition{step("a@1", api.StepTool)}}, "must not contain"},
		{"unknown type", api.WorkflowDefinition{Name: "w", Steps: []api.StepDefinition{step("a", "shell")}}, "unknown type"},
		{"duplicate", api.WorkflowDefinition{Name: "w", Steps: []api.StepDefinition{step("a", api.StepTool), step("a", api.StepTool)}}, "duplicate step key"},
		{"forward dep", api.WorkflowDefinition{Name: "w", Steps: []api.StepDefinition{step("a", api.StepTool, "b"), step("b", api.StepTool)}}, "not declared before"},
		{"bad predicate", api.WorkflowDefinition{Name: "w", Steps: []api.StepDefinition{{Key: "a", Type: api.StepTool, When: "x &&"}}}, "step a"},
		{"repair not on demand", api.WorkflowDefinition{Name: "w", Steps: []api.StepDefinition{
			{Key: "a", Type: api.StepTool, Repair: "b"},
			step("b", api.StepAgent),
		}}, "not an on-demand step"},
		{"loop forward", api.WorkflowDefinition{Name: "w", Steps: []api.StepDefinition{
			{Key: "a", Type: api.StepTool, LoopTo: "b"},
			step("b", api.StepTool, "a"),
		}}, "loops to b"},
		{"overlapping loops", api.WorkflowDefinition{Name: "w", Steps: []api.StepDefinition{
			step("a", api.StepTool),
			{Key: "b", Type: api.StepTool, DependsOn: []string{"a"}, LoopTo: "a"},
			{Key: "c", Type: api.StepTool, DependsOn: []string{"b"}, LoopTo: "b"},
		}}, "loops of both"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := compileWorkflow(tc.def)
			require.Error(t, err)
			require.True(t, api.IsCode(err, api.CodeWorkflowInvalid), "code: %v", api.CodeOf(err))
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestCompileWorkflow_DeckLoopMembers(t *testing.T) {
	w, err := compileWorkflow(DeckWorkflow())
	require.NoError(t, err)
	require.True(t, w.hasApproval)
	require.Equal(t, "fix_layout", w.loopOf["render_plan"])
	require.Equal(t, "fix_layout", w.loopOf["quality_check"])
	require.Equal(t, "fix_layout", w.loopOf["fix_layout"])
	_, inLoop := w.loopOf["finalize"]
	require.False(t, inLoop)

	rd, ok := w.def.Step("repair_ir")
	require.True(t, ok)
	require.True(t, rd.OnDemand)

	fd, ok := w.def.Step("fix_layout")
	require.True(t, ok)
	require.True(t, fd.UsesIteration)
	rp, _ := w.def.Step("render_plan")
	require.False(t, rp.UsesIteration)
}

func TestParseWorkflow_UnknownField(t *testing.T) {
	src := `
name: w
steps:
  - key: a
    type: tool
    retries: 3
`
	_, err := ParseWorkflow([]byte(src))
	require.Error(t, err)
	require.True(t, api.IsCode(err, api.CodeWorkflowInvalid))
}

func TestParseWorkflow_Fields(t *testing.T) {
	src := `
name: w
version: "2"
steps:
  - key: a
    type: tool
    timeout: 5s
  - key: b
    type: agent
    handler: shared
    depends_on: [a]
    when: "!qc.pass"
`
	def, err := ParseWorkflow([]byte(src))
	require.NoError(t, err)
	require.Equal(t, "2", def.Version)
	require.Len(t, def.Steps, 2)
	require.Equal(t, "5s", def.Steps[0].Timeout.String())
	require.Equal(t, "shared", def.Steps[1].HandlerName())
	require.Equal(t, "a", def.Steps[0].HandlerName())
	require.Equal(t, []string{"a"}, def.Steps[1].DependsOn)
}

func TestWorkflowRegistry_DuplicateName(t *testing.T) {
	r := newWorkflowRegistry()
	def := linearWorkflow("w")
	require.NoError(t, r.Register(def))
	err := r.Register(def)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "already registered"))

	_, err = r.Get("other")
	require.True(t, api.IsCode(err, api.CodeWorkflowNotFound))
}

func TestHandlerRegistry_Missing(t *testing.T) {
	r := newHandlerRegistry()
	w, err := compileWorkflow(api.WorkflowDefinition{Name: "w", Steps: []api.StepDefinition{
		{Key: "a", Type: api.StepTool},
		{Key: "gate", Type: api.StepApproval, DependsOn: []string{"a"}},
		{Key: "b", Type: api.StepSystem, Handler: "shared", DependsOn: []string{"gate"}},
	}})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "shared"}, r.missing(w))

	require.NoError(t, r.Register("a", api.StepHandlerFunc(noop)))
	require.Error(t, r.Register("a", api.StepHandlerFunc(noop)))
	require.Error(t, r.Register("", api.StepHandlerFunc(noop)))
	require.Equal(t, []string{"shared"}, r.missing(w))
}
