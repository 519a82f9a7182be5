package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/petrijr/deckflow/pkg/ir"
)

func (c *CLI) validateCommand() *cobra.Command {
	var (
		repair bool
		out    string
	)
	cmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a SlideSpec document against the schema",
		Long: `Validate reports every schema problem in a SlideSpec document. With
--repair the deterministic repairs are applied first and listed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if repair {
				fixed, changes, err := ir.Repair(data)
				if err != nil {
					return fmt.Errorf("%s: %w", args[0], err)
				}
				for _, ch := range changes {
					fmt.Fprintf(w, "%s %s\n", styleInfo.Render(iconArrow), ch)
				}
				data = fixed
			}

			spec, err := ir.Decode(data)
			if err != nil {
				var verr *ir.ValidationError
				if !errors.As(err, &verr) {
					return err
				}
				renderProblems(w, verr)
				return fmt.Errorf("%s: invalid SlideSpec", args[0])
			}
			if repair && out != "" {
				if err := os.WriteFile(out, data, 0o644); err != nil {
					return err
				}
			}
			fmt.Fprintf(w, "%s %s is valid: %s slides\n",
				styleSuccess.Render(iconSuccess), args[0], styleNumber.Render(fmt.Sprint(len(spec.Slides))))
			return nil
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "apply deterministic repairs before validating")
	cmd.Flags().StringVarP(&out, "out", "o", "", "with --repair, write the repaired document here")
	return cmd
}

func renderProblems(w io.Writer, verr *ir.ValidationError) {
	for _, p := range verr.Problems {
		fmt.Fprintf(w, "%s %s %s\n", styleError.Render(iconError), p.Path, styleDim.Render(p.Message))
	}
}
