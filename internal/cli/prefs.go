package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"transpad/internal/config"
	"transpad/internal/prefs"
)

func newPasteModeCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "paste-mode [plain|markdown|toggle]",
		Short:     "Show or set how pasted rich text is normalized",
		Long:      "In plain mode pasted text is inserted as is. In markdown mode HTML and tables are converted to Markdown.",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"plain", "markdown", "toggle"},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.openApp(false, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if len(args) == 0 {
				fmt.Fprintln(g.stdout, a.prefs.PasteMode())
				return nil
			}

			var mode prefs.PasteMode
			switch args[0] {
			case "plain", "markdown":
				mode = prefs.ParsePasteMode(args[0])
				err = a.prefs.SetPasteMode(mode)
			case "toggle":
				mode, err = a.prefs.TogglePasteMode()
			default:
				return fmt.Errorf("invalid paste mode %q", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(g.stdout, mode)
			return nil
		},
	}
}

func newLanguagesCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "languages",
		Short: "List supported target languages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.openApp(false, true)
			if err != nil {
				return err
			}
			defer a.Close()

			current := a.store.Active().TargetLanguage
			for _, l := range config.Languages() {
				marker := " "
				if l.Code == current {
					marker = "*"
				}
				fmt.Fprintf(g.stdout, "%s %-6s %s\n", marker, l.Code, l.Name)
			}
			return nil
		},
	}
}
