// Package cli wires the command line: the terminal UI, one-shot
// translation, format conversion and preference commands.
package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"transpad/internal/version"
)

type globalOptions struct {
	ConfigPath string
	LogLevel   string
	LogFile    string

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// Run executes args. Interrupts cancel the running request.
func Run(args []string, stdout io.Writer, stderr io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return Execute(ctx, args, os.Stdin, stdout, stderr)
}

// Execute runs args with explicit streams.
func Execute(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) error {
	root := newRootCommand(&globalOptions{stdin: stdin, stdout: stdout, stderr: stderr})
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

func newRootCommand(g *globalOptions) *cobra.Command {
	root := &cobra.Command{
		Use:           "transpad",
		Short:         "Translate text and images with LLM services",
		Long:          "transpad is a translation pad: paste or drop text, Markdown, tables and images, then translate them with OpenAI, Anthropic or Ollama services.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTUI(cmd.Context(), g)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&g.ConfigPath, "config", "", "Config file (default: user config dir/transpad/config.yaml)")
	flags.StringVar(&g.LogLevel, "log-level", "error", "Log level: debug, info, warn, error")
	flags.StringVar(&g.LogFile, "log-file", "", "Write logs to this file instead of stderr")

	root.AddCommand(
		newTUICommand(g),
		newTranslateCommand(g),
		newConvertCommand(g),
		newPasteModeCommand(g),
		newLanguagesCommand(g),
		&cobra.Command{
			Use:   "version",
			Short: "Print version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				cmd.Println(version.String())
			},
		},
	)
	return root
}
