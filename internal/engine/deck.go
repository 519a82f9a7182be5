package engine

import (
	"bytes"
	_ "embed"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/deckflow/internal/agent"
	"github.com/petrijr/deckflow/internal/persistence"
	"github.com/petrijr/deckflow/pkg/api"
	"github.com/petrijr/deckflow/pkg/fix"
	"github.com/petrijr/deckflow/pkg/layout"
)

// DeckWorkflowName is the workflow runs use unless they name another.
const DeckWorkflowName = "deck_v1"

// Handler names of the deck workflow.
const (
	HandlerDraftIR          = "draft_ir"
	HandlerRegenerateSlides = "regenerate_slides"
	HandlerValidateIR       = "validate_ir"
	HandlerRepairIR         = "repair_ir"
	HandlerRenderPlan       = "render_plan"
	HandlerQualityCheck     = "quality_check"
	HandlerFixLayout        = "fix_layout"
	HandlerFinalize         = "finalize"
)

//go:embed workflows/deck_v1.yaml
var deckYAML []byte

// ParseWorkflow decodes a YAML workflow definition. Unknown fields are
// rejected.
func ParseWorkflow(data []byte) (api.WorkflowDefinition, error) {
	var def api.WorkflowDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return def, api.WrapError(api.CodeWorkflowInvalid, api.ClassFatal, err, "parse workflow")
	}
	return def, nil
}

// LoadWorkflow reads a YAML workflow definition from path.
func LoadWorkflow(path string) (api.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return api.WorkflowDefinition{}, fmt.Errorf("engine: read workflow: %w", err)
	}
	return ParseWorkflow(data)
}

// DeckWorkflow returns the built-in deck_v1 definition.
func DeckWorkflow() api.WorkflowDefinition {
	def, err := ParseWorkflow(deckYAML)
	if err != nil {
		panic(fmt.Sprintf("engine: embedded deck workflow: %v", err))
	}
	return def
}

// DeckOptions configures the deck handlers. Zero fields take defaults:
// deterministic agents and the builtin preset package.
type DeckOptions struct {
	Agents agent.Set
	Layout *layout.Engine
	Logger *slog.Logger
}

// RegisterDeck registers deck_v1 and its handlers on e. Finalized
// artifacts go to artifacts.
func RegisterDeck(e api.Engine, artifacts persistence.ArtifactStore, opts DeckOptions) error {
	if artifacts == nil {
		return fmt.Errorf("engine: deck workflow needs an artifact store")
	}
	if opts.Layout == nil {
		opts.Layout = layout.NewEngine(nil, nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	// Summarizing is a fix technique only when a summarizer is configured.
	fixOpts := []fix.Option{fix.WithLogger(opts.Logger)}
	if opts.Agents.Summarizer != nil {
		fixOpts = append(fixOpts, fix.WithSummarizer(opts.Agents.Summarizer))
	}
	opts.Agents = opts.Agents.WithDefaults()

	d := &deckHandlers{
		agents:    opts.Agents,
		layout:    opts.Layout,
		fixer:     fix.New(opts.Layout, fixOpts...),
		artifacts: artifacts,
		logger:    opts.Logger,
	}
	if err := e.RegisterWorkflow(DeckWorkflow()); err != nil {
		return err
	}
	for name, h := range map[string]api.StepHandlerFunc{
		HandlerDraftIR:          d.draft,
		HandlerRegenerateSlides: d.regenerate,
		HandlerValidateIR:       d.validate,
		HandlerRepairIR:         d.repair,
		HandlerRenderPlan:       d.render,
		HandlerQualityCheck:     d.quality,
		HandlerFixLayout:        d.fixLayout,
		HandlerFinalize:         d.finalize,
	} {
		if err := e.RegisterHandler(name, h); err != nil {
			return err
		}
	}
	return nil
}
