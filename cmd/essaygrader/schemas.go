package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/amibaren/essaygrader/internal/domain"
	"github.com/amibaren/essaygrader/internal/schema"
)

var (
	schemasJSON bool
	seedGrades  []string
)

var schemasCmd = &cobra.Command{
	Use:   "schemas",
	Short: "Manage grading schemas",
}

var schemasListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored schemas",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		sc, err := setup()
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		schemas, err := sc.Schemas.List(cmd.Context())
		if err != nil {
			return err
		}
		if schemasJSON {
			return printJSON(cmd.OutOrStdout(), schemas)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KEY\tNAME\tDIMENSIONS")
		for i := range schemas {
			s := &schemas[i]
			fmt.Fprintf(tw, "%s\t%s\t%d\n", s.Key(), s.Name, len(s.Dimensions))
		}
		return tw.Flush()
	},
}

var schemasShowCmd = &cobra.Command{
	Use:   "show <grade/type/vN>",
	Short: "Print one schema as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := domain.ParseSchemaKey(args[0])
		if err != nil {
			return err
		}
		sc, err := setup()
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		s, err := sc.Schemas.Get(cmd.Context(), key)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), s)
	},
}

var schemasSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Store the builtin templates for every grade and essay type",
	Long: `Store the builtin templates for each (grade, type) pair, normally as version 1.
Stored schemas are never replaced: when a key already holds different content the
template takes the next free version. Without --grade all six grades are seeded.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		grades := make([]domain.GradeLevel, 0, len(seedGrades))
		for _, g := range seedGrades {
			grade, err := domain.ParseGradeLevel(g)
			if err != nil {
				return err
			}
			grades = append(grades, grade)
		}

		sc, err := setup()
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		if sc.Store == nil {
			sc.Logger.Warn("memory storage: seeded schemas are dropped on exit")
		}
		keys, err := schema.Seed(cmd.Context(), sc.Schemas, grades...)
		for _, k := range keys {
			fmt.Fprintln(cmd.OutOrStdout(), k)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "seeded %d schemas\n", len(keys))
		return nil
	},
}

func init() {
	schemasListCmd.Flags().BoolVar(&schemasJSON, "json", false, "print full schemas as JSON")
	schemasSeedCmd.Flags().StringSliceVar(&seedGrades, "grade", nil, "grades to seed (repeatable, e.g. --grade 3 --grade 4)")
	schemasCmd.AddCommand(schemasListCmd, schemasShowCmd, schemasSeedCmd)
}
