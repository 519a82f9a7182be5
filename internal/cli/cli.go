// Package cli implements the deckflow command-line interface.
package cli

import (
	"context"
	"io"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/petrijr/deckflow/internal/config"
	"github.com/petrijr/deckflow/internal/logging"
)

const appName = "deckflow"

// CLI holds state shared by all commands. The configuration and logger
// are resolved in the root command's PersistentPreRunE.
type CLI struct {
	out    io.Writer
	errOut io.Writer

	configPath string
	logLevel   string
	logFormat  string

	cfg    config.Config
	logger *slog.Logger
}

// New creates a CLI writing command output to out and logs to errOut.
func New(out, errOut io.Writer) *CLI {
	return &CLI{out: out, errOut: errOut, cfg: config.Default(), logger: slog.Default()}
}

// RootCommand creates the root cobra command with all subcommands registered.
func (c *CLI) RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           appName,
		Short:         "Deckflow turns prompts and SlideSpec documents into laid-out decks",
		Long:          `Deckflow runs deck generation workflows: drafting, validation, layout, quality checks and automatic layout fixes, with a durable run history and an HTTP API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup()
		},
	}
	root.SetOut(c.out)
	root.SetErr(c.errOut)

	pf := root.PersistentFlags()
	pf.StringVarP(&c.configPath, "config", "c", "", "TOML configuration file")
	pf.StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&c.logFormat, "log-format", "", "log format: text or json")

	root.AddCommand(c.serveCommand())
	root.AddCommand(c.workCommand())
	root.AddCommand(c.planCommand())
	root.AddCommand(c.validateCommand())
	root.AddCommand(c.eventsCommand())

	return root
}

// Execute runs the command line in args.
func (c *CLI) Execute(ctx context.Context, args []string) error {
	root := c.RootCommand()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func (c *CLI) setup() error {
	// A missing .env is the normal case.
	_ = godotenv.Load()

	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	if c.logFormat != "" {
		cfg.Log.Format = c.logFormat
	}
	logger, err := logging.New(c.errOut, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = logger
	return nil
}
