package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/timmy/clipforge/internal/tools"
)

func newDepsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "deps",
		Short: "Check that the external tools are installed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			deps := tools.CheckDependencies(cfg)
			out := cmd.OutOrStdout()
			for _, line := range dependencyLines(deps, shouldColorize(out)) {
				fmt.Fprintln(out, line)
			}
			if missing := tools.MissingRequired(deps); len(missing) > 0 {
				return fmt.Errorf("missing required tools: %s", strings.Join(missing, ", "))
			}
			return nil
		},
	}
}

func dependencyLines(deps []tools.Dependency, colorize bool) []string {
	missing := tools.MissingRequired(deps)
	lines := make([]string, 0, len(deps)+1)

	summaryKind, summary := statusOK, fmt.Sprintf("%d tool(s) available", len(deps)-countMissing(deps))
	if len(missing) > 0 {
		summaryKind, summary = statusError, fmt.Sprintf("%d required tool(s) missing", len(missing))
	}
	lines = append(lines, renderStatusLine("Summary", summaryKind, summary, colorize))

	for _, d := range deps {
		switch {
		case d.Found:
			lines = append(lines, renderStatusLine(d.Name, statusOK, "Ready ("+d.Path+")", colorize))
		case d.Required:
			lines = append(lines, renderStatusLine(d.Name, statusError, "not found: "+d.Command, colorize))
		default:
			lines = append(lines, renderStatusLine(d.Name, statusWarn, "not found (optional): "+d.Command, colorize))
		}
	}
	return lines
}

func countMissing(deps []tools.Dependency) int {
	n := 0
	for _, d := range deps {
		if !d.Found {
			n++
		}
	}
	return n
}
