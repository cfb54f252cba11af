package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"transpad/internal/markdown"
)

type convertOptions struct {
	From string
	To   string
}

func newConvertCommand(g *globalOptions) *cobra.Command {
	var opts convertOptions
	cmd := &cobra.Command{
		Use:   "convert [file]",
		Short: "Convert HTML or TSV to Markdown without translating",
		Long: `Convert runs the paste normalization on a file or stdin. --from auto treats
tab separated tables as TSV and anything with markup as HTML.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = g.stdin
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open input: %w", err)
				}
				defer f.Close()
				in = f
			}
			data, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}

			md, err := convertText(string(data), opts.From)
			if err != nil {
				return err
			}
			out, err := renderOutput(md, opts.To)
			if err != nil {
				return err
			}
			_, err = io.WriteString(g.stdout, ensureNewline(out))
			return err
		},
	}
	cmd.Flags().StringVar(&opts.From, "from", "auto", "Input format: auto, html, article, tsv")
	cmd.Flags().StringVar(&opts.To, "to", renderMarkdown, "Output format: markdown, html, terminal")
	return cmd
}

func convertText(text, from string) (string, error) {
	switch from {
	case "html":
		return markdown.FromHTML(text)
	case "article":
		return markdown.FromArticleHTML(text)
	case "tsv":
		md, ok := markdown.FromTSV(text)
		if !ok {
			return "", errors.New("input is not a consistent tab separated table")
		}
		return md, nil
	case "auto":
		if md, ok := markdown.FromTSV(text); ok {
			return md, nil
		}
		if strings.Contains(text, "<") && strings.Contains(text, ">") {
			return markdown.FromHTML(text)
		}
		return strings.TrimSpace(text), nil
	default:
		return "", fmt.Errorf("invalid --from %q", from)
	}
}
