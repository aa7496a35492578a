package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/timmy/clipforge/internal/app"
	"github.com/timmy/clipforge/internal/domain"
	"github.com/timmy/clipforge/internal/service"
)

func parseIntent(raw string) (domain.ClipIntent, error) {
	intent, ok := domain.ParseClipIntent(raw)
	if !ok {
		return "", domain.NewValidationError("intent", "must be long or short")
	}
	return intent, nil
}

func parseTimestamps(raw []string) ([]float64, error) {
	out := make([]float64, 0, len(raw))
	for _, r := range raw {
		ts, err := service.ParseTimestamp(r)
		if err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, nil
}

func newBatchCommand(ctx *commandContext) *cobra.Command {
	var intentFlag string
	var wait bool

	cmd := &cobra.Command{
		Use:   "batch <job-id> <timestamp>...",
		Short: "Cut a job into clips at the given timestamps",
		Long: "Cut a ready job into consecutive clips. Timestamps are split points in\n" +
			"HH:MM:SS, MM:SS or seconds; the video start and end are added automatically.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			intent, err := parseIntent(intentFlag)
			if err != nil {
				return err
			}
			timestamps, err := parseTimestamps(args[1:])
			if err != nil {
				return err
			}

			var batchID string
			err = ctx.withEngine(cmd.Context(), wait, func(engine *app.App) error {
				batch, err := engine.Services.Batches.DispatchBatch(cmd.Context(), args[0], timestamps, intent)
				if err != nil {
					return err
				}
				batchID = batch.ID
				fmt.Fprintf(cmd.OutOrStdout(), "Dispatched batch %s with %d clip(s)\n", batch.ID, batch.Expected)
				for _, w := range batch.Warnings {
					fmt.Fprintln(cmd.OutOrStdout(), renderStatusLine("Warning", statusWarn, w, shouldColorize(cmd.OutOrStdout())))
				}
				return nil
			})
			if err != nil || !wait {
				return err
			}

			batch, err := ctx.engine.Services.Queries.GetBatch(cmd.Context(), batchID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Batch %s: %s\n", batch.Status, batch.Summary())
			return printJob(cmd, ctx.engine, args[0])
		},
	}
	cmd.Flags().StringVarP(&intentFlag, "intent", "i", "long", "Clip intent (long or short)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Process clips in this process and wait for them")
	return cmd
}

func newClipCommand(ctx *commandContext) *cobra.Command {
	var intentFlag string
	var wait bool

	cmd := &cobra.Command{
		Use:   "clip <job-id> <start> <end>",
		Short: "Cut a single clip from a job",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			intent, err := parseIntent(intentFlag)
			if err != nil {
				return err
			}
			bounds, err := parseTimestamps(args[1:])
			if err != nil {
				return err
			}

			var clipID string
			err = ctx.withEngine(cmd.Context(), wait, func(engine *app.App) error {
				clip, err := engine.Services.Pipeline.ProcessSingleClip(cmd.Context(), args[0], bounds[0], bounds[1], intent)
				if err != nil {
					return err
				}
				clipID = clip.ID
				fmt.Fprintf(cmd.OutOrStdout(), "Queued clip %s (%s-%s)\n", clip.ID, formatClock(clip.StartTime), formatClock(clip.EndTime))
				return nil
			})
			if err != nil || !wait {
				return err
			}

			view, err := ctx.engine.Services.Queries.GetClip(cmd.Context(), clipID)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(
				[]string{"Clip", "Range", "Intent", "Status", "Detail"},
				clipRows([]service.ClipView{*view}, shouldColorize(cmd.OutOrStdout())),
				nil,
			))
			return nil
		},
	}
	cmd.Flags().StringVarP(&intentFlag, "intent", "i", "long", "Clip intent (long or short)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Process the clip in this process and wait for it")
	return cmd
}
