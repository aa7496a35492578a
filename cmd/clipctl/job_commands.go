package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/timmy/clipforge/internal/app"
	"github.com/timmy/clipforge/internal/domain"
	"github.com/timmy/clipforge/internal/service"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var resolution string
	var wait bool

	cmd := &cobra.Command{
		Use:   "submit <url>",
		Short: "Submit a video URL for download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var jobID string
			err := ctx.withEngine(cmd.Context(), wait, func(engine *app.App) error {
				id, err := engine.Services.Orchestrator.Submit(cmd.Context(), args[0], resolution)
				if err != nil {
					return err
				}
				jobID = id
				fmt.Fprintf(cmd.OutOrStdout(), "Submitted job %s\n", id)
				return nil
			})
			if err != nil || !wait {
				return err
			}
			return printJob(cmd, ctx.engine, jobID)
		},
	}
	cmd.Flags().StringVarP(&resolution, "resolution", "r", domain.DefaultResolution, "Download resolution (360p, 480p, 720p, 1080p, best)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Download in this process and wait for it to finish")
	return cmd
}

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var limit, offset int
	var status string
	var errorsOnly bool

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs with their derived status",
		Long:  "List jobs newest first. --errors lists only failed jobs together with their error messages.",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := jobStatusFilter(status, errorsOnly)
			if err != nil {
				return err
			}
			return ctx.withEngine(cmd.Context(), false, func(engine *app.App) error {
				jobs, total, err := engine.Services.Queries.ListJobs(cmd.Context(), filter, limit, offset)
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
					return nil
				}
				header := []string{"ID", "Status", "Step", "Title", "Created"}
				if errorsOnly {
					header[2] = "Error"
				}
				rows := make([][]string, 0, len(jobs))
				for _, d := range jobs {
					rows = append(rows, jobRow(d, errorsOnly))
				}
				out := cmd.OutOrStdout()
				fmt.Fprint(out, renderTable(
					header,
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
				))
				fmt.Fprintf(out, "%d of %d job(s)\n", len(jobs), total)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of jobs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of jobs to skip")
	cmd.Flags().StringVar(&status, "status", "", "Only list jobs in this status (Pending, Downloading, Ready, Error)")
	cmd.Flags().BoolVar(&errorsOnly, "errors", false, "Only list failed jobs, with their error messages")
	return cmd
}

// jobStatusFilter resolves the jobs command flags to a status filter.
func jobStatusFilter(status string, errorsOnly bool) (string, error) {
	if !errorsOnly {
		return status, nil
	}
	if status != "" && !strings.EqualFold(status, string(domain.JobStatusError)) {
		return "", fmt.Errorf("--errors cannot be combined with --status %s", status)
	}
	return string(domain.JobStatusError), nil
}

func jobRow(d service.JobDetail, withError bool) []string {
	title := d.Job.Title
	if title == "" {
		title = d.Job.SourceURL
	}
	step := truncate(d.View.StepLabel, 40)
	if withError {
		step = truncate(d.Job.ErrorText(), 60)
	}
	return []string{
		d.Job.ID,
		d.View.Status,
		step,
		truncate(title, 50),
		d.Job.CreatedAt.Local().Format("2006-01-02 15:04"),
	}
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job, its clips and batches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd.Context(), false, func(engine *app.App) error {
				return printJob(cmd, engine, args[0])
			})
		},
	}
}

func printJob(cmd *cobra.Command, engine *app.App, jobID string) error {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)
	queries := engine.Services.Queries

	detail, err := queries.GetJob(cmd.Context(), jobID)
	if err != nil {
		return err
	}
	for _, line := range jobLines(detail, colorize) {
		fmt.Fprintln(out, line)
	}

	clips, err := queries.ListClips(cmd.Context(), jobID)
	if err != nil {
		return err
	}
	if len(clips) > 0 {
		fmt.Fprintln(out)
		fmt.Fprint(out, renderTable(
			[]string{"Clip", "Range", "Intent", "Status", "Detail"},
			clipRows(clips, colorize),
			nil,
		))
	}

	batches, err := queries.ListBatches(cmd.Context(), jobID)
	if err != nil {
		return err
	}
	for i := range batches {
		b := &batches[i]
		kind := statusWarn
		if b.Status == domain.BatchStatusCompleted {
			kind = statusOK
			if b.Failed > 0 {
				kind = statusError
			}
		}
		fmt.Fprintln(out, renderStatusLine("Batch "+shortID(b.ID), kind, b.Summary(), colorize))
	}
	return nil
}

func newReprocessCommand(ctx *commandContext) *cobra.Command {
	var skipIfExists, wait bool

	cmd := &cobra.Command{
		Use:   "reprocess <job-id>",
		Short: "Download a job's source again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := ctx.withEngine(cmd.Context(), wait, func(engine *app.App) error {
				runID, err := engine.Services.Orchestrator.Reprocess(cmd.Context(), args[0], skipIfExists)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reprocessing job %s (run %s)\n", args[0], runID)
				return nil
			})
			if err != nil || !wait {
				return err
			}
			return printJob(cmd, ctx.engine, args[0])
		},
	}
	cmd.Flags().BoolVar(&skipIfExists, "skip-if-exists", false, "Reuse the downloaded file when it is still on disk")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Download in this process and wait for it to finish")
	return cmd
}

func newDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a job with its clips, runs and files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Artifact cleanup runs in this process so files are gone on return.
			return ctx.withEngine(cmd.Context(), true, func(engine *app.App) error {
				if err := engine.Services.Deleter.DeleteJob(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted job %s\n", args[0])
				return nil
			})
		},
	}
}
