package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/petrijr/deckflow/internal/agent"
	"github.com/petrijr/deckflow/pkg/fix"
	"github.com/petrijr/deckflow/pkg/ir"
	"github.com/petrijr/deckflow/pkg/qc"
)

type planOptions struct {
	maxLoops      int
	out           string
	asJSON        bool
	allowExternal bool
}

func (c *CLI) planCommand() *cobra.Command {
	opts := planOptions{maxLoops: -1}
	cmd := &cobra.Command{
		Use:   "plan FILE",
		Short: "Lay out a SlideSpec document and fix it locally",
		Long: `Plan validates a SlideSpec document, lays it out, checks its quality and
applies layout fixes until the check passes or the loop budget is spent.
Nothing is stored; use --out to keep the fixed document.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runPlan(cmd, args[0], opts)
		},
	}
	cmd.Flags().IntVar(&opts.maxLoops, "max-loops", -1, "fix iterations (default from config)")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "write the fixed document to this file")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the result as JSON")
	cmd.Flags().BoolVar(&opts.allowExternal, "allow-external", false, "allow fixes that call external services")
	return cmd
}

type planOutput struct {
	Loops          int         `json:"loops"`
	NeedsHumanEdit bool        `json:"needs_human_edit"`
	Initial        *qc.Report  `json:"initial"`
	Final          *qc.Report  `json:"final"`
	Patches        []fix.Patch `json:"patches"`
}

func (c *CLI) runPlan(cmd *cobra.Command, path string, opts planOptions) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	spec, err := ir.Decode(data)
	if err != nil {
		var verr *ir.ValidationError
		if errors.As(err, &verr) {
			renderProblems(cmd.OutOrStdout(), verr)
		}
		return fmt.Errorf("%s: invalid SlideSpec", path)
	}

	loops := opts.maxLoops
	if loops < 0 {
		loops = c.cfg.Policy.MaxFixLoops
	}
	le, err := newLayoutEngine(c.cfg, nil, c.logger)
	if err != nil {
		return err
	}
	fixer := fix.New(le, fix.WithSummarizer(agent.NewDeterministic()), fix.WithLogger(c.logger))
	res, err := fixer.Run(cmd.Context(), spec, loops, opts.allowExternal)
	if err != nil {
		return err
	}

	if opts.out != "" {
		doc, err := ir.Marshal(res.IR)
		if err != nil {
			return err
		}
		if err := os.WriteFile(opts.out, doc, 0o644); err != nil {
			return err
		}
		c.logger.Info("document_written", slog.String("path", opts.out))
	}

	w := cmd.OutOrStdout()
	if opts.asJSON {
		return writeJSON(w, planOutput{
			Loops:          res.Loops,
			NeedsHumanEdit: res.NeedsHumanEdit,
			Initial:        res.Initial,
			Final:          res.Final,
			Patches:        res.Patches,
		})
	}
	renderLoop(w, res)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
