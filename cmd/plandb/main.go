package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/planp1125-pixel/plandb-mvp/cfg"
	"github.com/planp1125-pixel/plandb-mvp/engine"
	"github.com/planp1125-pixel/plandb-mvp/log"
	"github.com/planp1125-pixel/plandb-mvp/log/logger"
	"github.com/planp1125-pixel/plandb-mvp/log/writer"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// app 命令行共享的状态，每次执行根命令时创建引擎，结束后关闭
type app struct {
	configFile string
	key1       string
	key2       string

	engine *engine.Engine
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "plandb",
		Short:         "SQLite / SQLCipher schema and data synchronization",
		Long:          "Compare two SQLite databases, generate schema and data patches, and apply them in batched transactions.",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, GitCommit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			return a.init()
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.configFile, "config", "", "Path to config file (yaml, toml, json or ini)")
	rootCmd.PersistentFlags().StringVar(&a.key1, "key1", os.Getenv("PLANDB_KEY1"), "Encryption key of the first database")
	rootCmd.PersistentFlags().StringVar(&a.key2, "key2", os.Getenv("PLANDB_KEY2"), "Encryption key of the second database")

	rootCmd.AddCommand(
		newCompareSchemaCmd(a),
		newSchemaPatchCmd(a),
		newApplySchemaCmd(a),
		newDataPatchCmd(a),
		newApplyDataCmd(a),
		newCompareFastCmd(a),
		newTableDataCmd(a),
		newHistoryCmd(a),
	)

	return rootCmd
}

func (a *app) init() error {
	options := &engine.Options{}
	if err := cfg.Load(a.configFile, options); err != nil {
		return errors.WithMessage(err, "load config failed")
	}
	// 标准输出留给命令结果，未配置时日志写到 stderr
	if options.Log == nil {
		options.Log = log.Options{}
	}
	if _, ok := options.Log["default"]; !ok {
		options.Log["default"] = &logger.SLogOptions{
			Level:  "warn",
			Format: "text",
			Output: &writer.Options{Type: "console", Console: &writer.ConsoleWriterOptions{Target: "stderr"}},
		}
	}

	e, err := engine.NewEngineWithOptions(options)
	if err != nil {
		return errors.WithMessage(err, "engine.NewEngineWithOptions failed")
	}
	a.engine = e
	return nil
}

func (a *app) shutdown() error {
	if a.engine == nil {
		return nil
	}
	err := a.engine.Shutdown()
	a.engine = nil
	return err
}

// openPair 打开两个数据库，第二个使用 key2
func (a *app) openPair(ctx context.Context, db1, db2 string) error {
	if err := a.engine.Open(ctx, db1, a.key1); err != nil {
		return err
	}
	return a.engine.Open(ctx, db2, a.key2)
}

// addKeyFlag apply 命令只打开一个库，--key 指定它的密钥
func addKeyFlag(cmd *cobra.Command) {
	cmd.Flags().String("key", "", "Encryption key of the target database (defaults to --key1)")
}

// targetKey 未指定 --key 时使用 --key1，指定为空字符串表示目标库未加密
func (a *app) targetKey(cmd *cobra.Command) (string, error) {
	if !cmd.Flags().Changed("key") {
		return a.key1, nil
	}
	return cmd.Flags().GetString("key")
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// execute 执行一次命令，无论成功与否都关闭引擎
func execute(ctx context.Context, args []string, stdout io.Writer) error {
	a := &app{}
	rootCmd := newRootCmd(a)
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)

	err := rootCmd.ExecuteContext(ctx)
	if serr := a.shutdown(); err == nil {
		err = serr
	}
	return err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
