package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/planp1125-pixel/plandb-mvp/patch"
)

func newDataPatchCmd(a *app) *cobra.Command {
	var direction, patchType string

	cmd := &cobra.Command{
		Use:   "data-patch [db1] [db2] [diffs.json]",
		Short: "Generate a data patch file from row-level differences",
		Long: `Read the row-level differences (a JSON array of {tableName, keyColumn, comparison})
and write INSERT, UPDATE and DELETE statements to a patch file. Prints the file location and a preview.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := patch.ParseDirection(direction)
			if err != nil {
				return err
			}
			pt, err := patch.ParsePatchType(patchType)
			if err != nil {
				return err
			}

			f, err := os.Open(args[2])
			if err != nil {
				return errors.Wrap(err, "open diff file failed")
			}
			diffs, err := patch.DecodeRowDiffs(f)
			_ = f.Close()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if err := a.openPair(ctx, args[0], args[1]); err != nil {
				return err
			}
			envelope, err := a.engine.GenerateDataPatch(ctx, args[0], args[1], diffs, dir, pt)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), envelope)
		},
	}

	cmd.Flags().StringVarP(&direction, "direction", "d", "source_to_target", "Patch direction: source_to_target or target_to_source")
	cmd.Flags().StringVarP(&patchType, "type", "t", "all", "Patch type: all, missing-only, extra-only or different-only")
	return cmd
}

func newApplyDataCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply-data [target] [patch.sql]",
		Short: "Apply a data patch file",
		Long: `Execute a data patch against the target database in batched transactions.
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
			result, err := a.engine.ApplyDataPatch(ctx, args[0], string(text))
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
	addKeyFlag(cmd)
	return cmd
}

func newCompareFastCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "compare-fast [db1] [db2] [table] [key-column]",
		Short: "Approximate row comparison of one table",
		Long: `Count rows on both sides and rows whose key exists on one side only.
The potentially modified count is an upper bound, not an exact row diff.`,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.openPair(ctx, args[0], args[1]); err != nil {
				return err
			}
			result, err := a.engine.CompareDataFast(ctx, args[0], args[1], args[2], args[3])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
}

func newTableDataCmd(a *app) *cobra.Command {
	var limit, offset int64

	cmd := &cobra.Command{
		Use:   "table-data [db] [table]",
		Short: "Read one page of a table",
		Long: `Print the column names, one page of rows and the total row count of a table.
BLOB values are shown by length only. The read is bounded by compareTimeout.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.engine.Open(ctx, args[0], a.key1); err != nil {
				return err
			}
			data, err := a.engine.TableData(ctx, args[0], args[1], limit, offset)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), data)
		},
	}

	cmd.Flags().Int64VarP(&limit, "limit", "n", 100, "Maximum number of rows, 0 for all")
	cmd.Flags().Int64Var(&offset, "offset", 0, "Number of rows to skip")
	return cmd
}
