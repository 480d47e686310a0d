package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/planp1125-pixel/plandb-mvp/patch"
)

func newCompareSchemaCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "compare-schema [db1] [db2]",
		Short: "Compare the schemas of two databases",
		Long:  `Print added, removed, modified and identical tables of db2 relative to db1 as JSON.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.openPair(ctx, args[0], args[1]); err != nil {
				return err
			}
			result, err := a.engine.CompareSchemas(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
}

func newSchemaPatchCmd(a *app) *cobra.Command {
	var direction, output string

	cmd := &cobra.Command{
		Use:   "schema-patch [db1] [db2]",
		Short: "Generate a schema patch script",
		Long: `Generate the SQL script that makes the mutated database's schema match the template.
With source_to_target db1 is the template and db2 is mutated; target_to_source is the reverse.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := patch.ParseDirection(direction)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := a.openPair(ctx, args[0], args[1]); err != nil {
				return err
			}
			script, err := a.engine.GenerateSchemaPatch(ctx, args[0], args[1], dir)
			if err != nil {
				return err
			}
			if output == "" {
				_, err = fmt.Fprint(cmd.OutOrStdout(), script)
				return err
			}
			return errors.Wrap(os.WriteFile(output, []byte(script), 0o644), "write patch file failed")
		},
	}

	cmd.Flags().StringVarP(&direction, "direction", "d", "source_to_target", "Patch direction: source_to_target or target_to_source")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the script to a file instead of stdout")
	return cmd
}

func newApplySchemaCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply-schema [target] [patch.sql]",
		Short: "Apply a schema patch script",
		Long: `Execute a schema patch against the target database in batched transactions.
The target is opened with --key, or --key1 when --key is not given.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := os.ReadFile(args[1])
			if err != nil {
				return errors.Wrap(err, "read patch file failed")
			}
			key, err := a.targetKey(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := a.engine.Open(ctx, args[0], key); err != nil {
				return err
			}
			result, err := a.engine.ApplySchemaPatch(ctx, args[0], string(text))
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
	addKeyFlag(cmd)
	return cmd
}
