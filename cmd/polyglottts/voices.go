package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/polyglot-tts/internal/config"
)

func newVoicesCmd() *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "voices",
		Short: "List configured voices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			return runVoices(cmd.Context(), cfg, check, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "Load every voice and report failures")

	return cmd
}

func runVoices(ctx context.Context, cfg config.Config, check bool, out io.Writer) error {
	a, err := newApp(cfg, slog.Default(), nil)
	if err != nil {
		return err
	}
	defer a.Close()

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	header := "ID\tLANGUAGE\tMODEL"
	if check {
		header += "\tSTATUS"
	}
	_, _ = fmt.Fprintln(tw, header)

	failed := 0
	for _, v := range a.registry.ListVoices() {
		line := fmt.Sprintf("%s\t%s\t%s", v.ID, v.Language, v.Model)
		if check {
			start := time.Now()
			if _, err := a.cache.Get(ctx, v); err != nil {
				failed++
				line += "\tFAIL: " + err.Error()
			} else {
				line += fmt.Sprintf("\tok (%s)", time.Since(start).Round(time.Millisecond))
			}
		}
		_, _ = fmt.Fprintln(tw, line)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d voices failed to load", failed, len(a.registry.ListVoices()))
	}
	return nil
}
