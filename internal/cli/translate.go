package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"transpad/internal/attach"
	"transpad/internal/config"
	"transpad/internal/fetch"
	"transpad/internal/markdown"
	"transpad/internal/normalize"
	"transpad/internal/present"
	"transpad/internal/provider"
	"transpad/internal/translate"
	"transpad/internal/workspace"
)

const (
	renderMarkdown = "markdown"
	renderHTML     = "html"
	renderTerminal = "terminal"
)

type translateOptions struct {
	Text     string
	URL      string
	Images   []string
	Lang     string
	Service  string
	Prompt   string
	Stream   bool
	NoStream bool
	Render   string
	Out      string
	Quiet    bool
}

func newTranslateCommand(g *globalOptions) *cobra.Command {
	var opts translateOptions
	cmd := &cobra.Command{
		Use:   "translate [files...]",
		Short: "Translate text, files, a web page or images once and print the result",
		Long: `Translate builds one request from --text, --url, positional files and --image
attachments. A positional "-" reads the text from stdin. Text files must be .txt or .md;
image files are attached when the service has vision enabled.`,
		Example: `  transpad translate --lang ja notes.md
  transpad translate --url https://example.com/post --render terminal
  cat draft.txt | transpad translate --service anthropic -
  transpad translate --image screenshot.png --lang en`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Stream && opts.NoStream {
				return errors.New("--stream and --no-stream are mutually exclusive")
			}
			var stream *bool
			switch {
			case cmd.Flags().Changed("stream"):
				stream = &opts.Stream
			case cmd.Flags().Changed("no-stream"):
				off := false
				stream = &off
			}
			return runTranslate(cmd.Context(), g, opts, stream, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Text, "text", "", "Text to translate")
	flags.StringVar(&opts.URL, "url", "", "Fetch this page, extract the article and translate it")
	flags.StringArrayVar(&opts.Images, "image", nil, "Attach an image file (repeatable)")
	flags.StringVar(&opts.Lang, "lang", "", "Target language code (zh-CN, en, ja, ko, fr, de)")
	flags.StringVar(&opts.Service, "service", "", "Service id from the config")
	flags.StringVar(&opts.Prompt, "prompt", "", "Prompt id from the config")
	flags.BoolVar(&opts.Stream, "stream", false, "Stream the response")
	flags.BoolVar(&opts.NoStream, "no-stream", false, "Use a single request")
	flags.StringVar(&opts.Render, "render", renderMarkdown, "Output format: markdown, html, terminal")
	flags.StringVarP(&opts.Out, "out", "o", "", "Write the translation to this file")
	flags.BoolVarP(&opts.Quiet, "quiet", "q", false, "Do not print status lines to stderr")
	return cmd
}

func runTranslate(ctx context.Context, g *globalOptions, opts translateOptions, stream *bool, args []string) error {
	switch opts.Render {
	case renderMarkdown, renderHTML, renderTerminal:
	default:
		return fmt.Errorf("invalid --render %q", opts.Render)
	}

	a, err := g.openApp(false, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := applySelection(a.store, opts); err != nil {
		return err
	}

	live := opts.Render == renderMarkdown && opts.Out == ""
	presentOpts := []present.Option{present.WithLogger(a.logger)}
	if opts.Render == renderHTML {
		presentOpts = append(presentOpts, present.WithHTML())
	}
	view := &printView{
		Adapter: present.NewAdapter(presentOpts...),
		stdout:  g.stdout,
		stderr:  g.stderr,
		live:    live,
		quiet:   opts.Quiet,
	}
	ctrl := translate.New(workspace.New(view), translate.Options{
		Config:     streamOverride{source: a.store, stream: stream},
		Backends:   provider.NewRegistry(a.http, a.logger),
		Normalizer: normalize.New(a.prefs),
		Logger:     a.logger,
	})

	loopCtx, stopLoop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = ctrl.Run(loopCtx)
	}()
	defer func() {
		stopLoop()
		wg.Wait()
	}()

	if err := loadInput(ctx, ctrl, a, g.stdin, opts, args); err != nil {
		return err
	}

	ticket, err := ctrl.Trigger(ctx)
	if err != nil {
		return err
	}
	// The loop finishes the session on its own way out, so waiting without
	// a deadline cannot hang.
	out, err := ticket.Wait(context.Background())
	if err != nil {
		return err
	}
	view.finish()

	switch out.State {
	case translate.Succeeded:
	case translate.Rejected:
		return fmt.Errorf("request rejected: %s", out.Status)
	case translate.Cancelled:
		return errors.New("translation cancelled")
	default:
		return fmt.Errorf("translation failed: %s", out.Status)
	}

	if live {
		return nil
	}
	rendered := view.Current().OutputHTML
	if opts.Render != renderHTML {
		if rendered, err = renderOutput(out.Output, opts.Render); err != nil {
			return err
		}
	}
	if opts.Out != "" {
		if err := os.WriteFile(opts.Out, []byte(rendered), 0o644); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		return nil
	}
	_, err = io.WriteString(g.stdout, ensureNewline(rendered))
	return err
}

func applySelection(store *config.Store, opts translateOptions) error {
	if opts.Service != "" {
		if err := store.SetActiveService(opts.Service); err != nil {
			return err
		}
	}
	if opts.Prompt != "" {
		if err := store.SetActivePrompt(opts.Prompt); err != nil {
			return err
		}
	}
	if opts.Lang != "" {
		if err := store.SetTargetLanguage(opts.Lang); err != nil {
			return err
		}
	}
	return nil
}

// loadInput fills the workspace the way a paste or drop would.
func loadInput(ctx context.Context, ctrl *translate.Controller, a *app, stdin io.Reader, opts translateOptions, args []string) error {
	var files []normalize.File
	var textFiles int
	for _, arg := range args {
		if arg == "-" {
			data, err := io.ReadAll(io.LimitReader(stdin, normalize.MaxFileBytes+1))
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			if len(data) > normalize.MaxFileBytes {
				return fmt.Errorf("stdin larger than %d MiB", normalize.MaxFileBytes>>20)
			}
			if err := applyPayload(ctx, ctrl, normalize.Payload{Kind: normalize.Paste, Text: string(data)}); err != nil {
				return err
			}
			textFiles++
			continue
		}
		f, err := normalize.OpenFile(arg)
		if err != nil {
			return err
		}
		if !f.IsImage() {
			textFiles++
		}
		files = append(files, f)
	}

	sources := 0
	if opts.Text != "" {
		sources++
	}
	if opts.URL != "" {
		sources++
	}
	if sources+textFiles > 1 {
		return errors.New("use only one text source: --text, --url, stdin or a single text file")
	}

	if len(files) > 0 {
		if err := applyPayload(ctx, ctrl, normalize.Payload{Kind: normalize.Drop, Files: files}); err != nil {
			return err
		}
	}
	if opts.Text != "" {
		if err := applyPayload(ctx, ctrl, normalize.Payload{Kind: normalize.Paste, Text: opts.Text}); err != nil {
			return err
		}
	}
	if opts.URL != "" {
		page, err := fetch.Get(ctx, a.http, opts.URL)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", opts.URL, err)
		}
		a.logger.Info("page fetched", zap.String("url", page.FinalURL), zap.String("title", page.Title))
		text := page.Markdown
		if page.Title != "" && !strings.HasPrefix(text, "# ") {
			text = "# " + page.Title + "\n\n" + text
		}
		if err := ctrl.Do(ctx, func(_ context.Context, ws *workspace.Workspace) { ws.SetInput(text) }); err != nil {
			return err
		}
	}

	return attachImages(ctx, ctrl, opts.Images)
}

func applyPayload(ctx context.Context, ctrl *translate.Controller, p normalize.Payload) error {
	res, err := ctrl.Normalize(ctx, p)
	if err != nil {
		return err
	}
	return res.Err
}

func attachImages(ctx context.Context, ctrl *translate.Controller, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	sources := make([]attach.Source, 0, len(paths))
	for _, path := range paths {
		f, err := normalize.OpenFile(path)
		if err != nil {
			return err
		}
		src, err := normalize.ReadImage(f)
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}
		sources = append(sources, src)
	}

	res, err := ctrl.AddImages(ctx, sources, "Attached")
	if err != nil {
		return err
	}
	if res.Added == 0 {
		var status string
		_ = ctrl.Do(ctx, func(_ context.Context, ws *workspace.Workspace) { status = ws.StatusText() })
		return fmt.Errorf("no image attached: %s", status)
	}
	return nil
}

func renderOutput(md, mode string) (string, error) {
	switch mode {
	case renderHTML:
		return markdown.ToHTML(md)
	case renderTerminal:
		return markdown.Terminal(md, 100, "")
	default:
		return md, nil
	}
}

func ensureNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

// streamOverride forces streaming on or off for one run.
type streamOverride struct {
	source translate.ConfigSource
	stream *bool
}

func (s streamOverride) Active() config.Active {
	a := s.source.Active()
	if s.stream != nil {
		a.Stream = *s.stream
	}
	return a
}

func (s streamOverride) Subscribe(fn func(config.Active)) func() {
	sub, ok := s.source.(interface {
		Subscribe(fn func(config.Active)) func()
	})
	if !ok {
		return func() {}
	}
	return sub.Subscribe(func(a config.Active) {
		if s.stream != nil {
			a.Stream = *s.stream
		}
		fn(a)
	})
}

// printView writes statuses to stderr and, in live mode, output text to
// stdout as it grows. It runs on the controller loop.
type printView struct {
	*present.Adapter

	stdout io.Writer
	stderr io.Writer
	live   bool
	quiet  bool

	printed string
}

func (v *printView) Status(text string) {
	v.Adapter.Status(text)
	if v.quiet || text == "" {
		return
	}
	fmt.Fprintln(v.stderr, "transpad:", text)
}

func (v *printView) Output(md string) {
	v.Adapter.Output(md)
	if !v.live {
		return
	}
	if !strings.HasPrefix(md, v.printed) {
		// The output was replaced, not extended. Start a fresh block.
		if v.printed != "" && !strings.HasSuffix(v.printed, "\n") {
			fmt.Fprintln(v.stdout)
		}
		v.printed = ""
	}
	_, _ = io.WriteString(v.stdout, md[len(v.printed):])
	v.printed = md
}

func (v *printView) finish() {
	if v.live && v.printed != "" && !strings.HasSuffix(v.printed, "\n") {
		fmt.Fprintln(v.stdout)
	}
}
