package cli

import (
	"context"
	"sync"

	"github.com/spf13/cobra"

	"transpad/internal/clipboard"
	"transpad/internal/normalize"
	"transpad/internal/present"
	"transpad/internal/provider"
	"transpad/internal/translate"
	"transpad/internal/tui"
	"transpad/internal/workspace"
)

func newTUICommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Open the interactive translation pad (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTUI(cmd.Context(), g)
		},
	}
}

func runTUI(ctx context.Context, g *globalOptions) error {
	a, err := g.openApp(true, true)
	if err != nil {
		return err
	}
	defer a.Close()

	adapter := present.NewAdapter(present.WithLogger(a.logger))
	ctrl := translate.New(workspace.New(adapter), translate.Options{
		Config:     a.store,
		Backends:   provider.NewRegistry(a.http, a.logger),
		Normalizer: normalize.New(a.prefs),
		Logger:     a.logger,
	})

	loopCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = ctrl.Run(loopCtx)
	}()
	defer func() {
		stop()
		wg.Wait()
	}()

	opts := tui.Options{
		Controller: ctrl,
		Adapter:    adapter,
		Settings:   a.store,
		PasteModes: a.prefs,
		Logger:     a.logger,
	}
	if clipboard.Available() {
		opts.Clipboard = clipboard.System{}
	}
	return tui.Run(loopCtx, opts)
}
