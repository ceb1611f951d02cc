package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	reportsLimit  int
	reportsFormat string
)

var errNoReports = errors.New("reports are not persisted with the memory storage driver")

var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "Browse stored grading reports",
}

var reportsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the newest reports",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		sc, err := setup()
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		repo := sc.Reports()
		if repo == nil {
			return errNoReports
		}
		summaries, err := repo.ListReports(cmd.Context(), reportsLimit)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tESSAY\tSCHEMA\tSTATUS\tCREATED")
		for _, s := range summaries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.EssayID, s.SchemaKey, s.Status, s.CreatedAt.Local().Format(time.DateTime))
		}
		return tw.Flush()
	},
}

var reportsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print one report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid report id %q: %w", args[0], err)
		}
		if reportsFormat != "markdown" && reportsFormat != "json" {
			return fmt.Errorf("unknown format %q (use markdown or json)", reportsFormat)
		}
		sc, err := setup()
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		repo := sc.Reports()
		if repo == nil {
			return errNoReports
		}
		rep, err := repo.GetReport(cmd.Context(), id)
		if err != nil {
			return err
		}
		return writeReport(cmd.OutOrStdout(), rep, reportsFormat)
	},
}

func init() {
	reportsListCmd.Flags().IntVarP(&reportsLimit, "limit", "n", 20, "maximum reports to list")
	reportsShowCmd.Flags().StringVar(&reportsFormat, "format", "markdown", "output format: markdown or json")
	reportsCmd.AddCommand(reportsListCmd, reportsShowCmd)
}
