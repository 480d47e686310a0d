package engine

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/planp1125-pixel/plandb-mvp/executor"
	"github.com/planp1125-pixel/plandb-mvp/history"
	"github.com/planp1125-pixel/plandb-mvp/log"
	"github.com/planp1125-pixel/plandb-mvp/log/logger"
	"github.com/planp1125-pixel/plandb-mvp/patch"
	"github.com/planp1125-pixel/plandb-mvp/sqlite"
)

func createDB(t *testing.T, dir, name string, stmts ...string) string {
	path := filepath.Join(dir, name)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

func counterValue(reg *prometheus.Registry, name, label, value string) float64 {
	families, err := reg.Gather()
	if err != nil {
		return -1
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == label && l.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func newTestEngine(t *testing.T, dir string) *Engine {
	options := DefaultOptions()
	options.PatchDir = filepath.Join(dir, "patches")
	options.Journal.Path = filepath.Join(dir, "journal.db")
	options.Yield = 0
	options.Log = log.Options{"default": &logger.SLogOptions{Level: "error", Format: "text"}}

	e, err := NewEngineWithOptions(options)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = e.Shutdown() })
	return e
}

func TestEngine(t *testing.T) {
	Convey("TestEngine", t, func() {
		ctx := context.Background()
		dir := t.TempDir()

		db1 := createDB(t, dir, "source.db",
			"CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL, email TEXT)",
			"CREATE TABLE orders (id INTEGER PRIMARY KEY, amount REAL, note TEXT)",
			"CREATE TABLE logs (id INTEGER PRIMARY KEY, msg TEXT)",
			"INSERT INTO users VALUES (1, 'alice', 'a@example.com'), (2, 'bob', NULL)",
		)
		db2 := createDB(t, dir, "target.db",
			"CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL)",
			"CREATE TABLE orders (id INTEGER PRIMARY KEY, amount TEXT, legacy TEXT)",
			"CREATE TABLE extra (x INTEGER)",
			"INSERT INTO users VALUES (1, 'alice-old'), (3, 'carol')",
			"INSERT INTO orders VALUES (1, '10.5', 'old')",
		)

		e := newTestEngine(t, dir)
		So(e.Open(ctx, db1, ""), ShouldBeNil)
		So(e.Open(ctx, db2, ""), ShouldBeNil)

		Convey("比较结构", func() {
			c, err := e.CompareSchemas(ctx, db1, db2)
			So(err, ShouldBeNil)
			So(c.AddedTables, ShouldResemble, []string{"extra"})
			So(c.RemovedTables, ShouldResemble, []string{"logs"})
			So(c.IdenticalTables, ShouldBeEmpty)
			So(len(c.ModifiedTables), ShouldEqual, 2)

			_, err = e.CompareSchemas(ctx, db1, db2)
			So(err, ShouldBeNil)
			So(counterValue(e.Registry(), "plandb_snapshot_cache_lookups_total", "result", "hit"), ShouldEqual, 2)
			So(counterValue(e.Registry(), "plandb_operations_total", "operation", "compare_schemas"), ShouldEqual, 2)
		})

		Convey("生成并执行结构补丁后两边结构一致", func() {
			text, err := e.GenerateSchemaPatch(ctx, db1, db2, patch.SourceToTarget)
			So(err, ShouldBeNil)
			So(text, ShouldContainSubstring, "ALTER TABLE `users` ADD COLUMN `email` TEXT;")
			So(text, ShouldContainSubstring, "DROP TABLE IF EXISTS `extra`;")
			So(text, ShouldContainSubstring, "ALTER TABLE `orders` RENAME TO `orders_old`;")
			So(text, ShouldContainSubstring, "CREATE TABLE logs")

			res, err := e.ApplySchemaPatch(ctx, db2, text)
			So(err, ShouldBeNil)
			So(res.Executed, ShouldBeGreaterThan, 0)

			c, err := e.CompareSchemas(ctx, db1, db2)
			So(err, ShouldBeNil)
			So(c.IsIdentical(), ShouldBeTrue)

			// 重建表时保留了公共列的数据
			fast, err := e.CompareDataFast(ctx, db1, db2, "orders", "id")
			So(err, ShouldBeNil)
			So(fast.TotalRowsDB2, ShouldEqual, 1)
			So(fast.RowsInserted, ShouldEqual, 1)

			records, err := e.History(db2, 0)
			So(err, ShouldBeNil)
			So(len(records), ShouldEqual, 1)
			So(records[0].Kind, ShouldEqual, history.KindSchema)
			So(records[0].Committed, ShouldEqual, res.Executed)
			So(records[0].Error, ShouldBeEmpty)

			Convey("再按行级差异同步数据", func() {
				diffs := []patch.RowDiffInput{{
					TableName: "users",
					KeyColumn: "id",
					Comparison: patch.RowComparison{
						MissingInTarget: []patch.Row{{"id": 2, "name": "bob", "email": nil}},
						ExtraInTarget:   []patch.Row{{"id": 3, "name": "carol", "email": nil}},
						DifferentRows: []patch.RowPair{{
							SourceRow:        patch.Row{"id": 1, "name": "alice", "email": "a@example.com"},
							TargetRow:        patch.Row{"id": 1, "name": "alice-old", "email": nil},
							DifferentColumns: []string{"name", "email"},
						}},
					},
				}}

				before, err := e.CompareDataFast(ctx, db1, db2, "users", "id")
				So(err, ShouldBeNil)
				So(before.Identical, ShouldBeFalse)

				env, err := e.GenerateDataPatch(ctx, db1, db2, diffs, patch.SourceToTarget, patch.PatchAll)
				So(err, ShouldBeNil)
				So(filepath.Dir(env.FilePath), ShouldEqual, filepath.Join(dir, "patches"))
				So(filepath.Base(env.FilePath), ShouldStartWith, "data_patch_")
				So(env.IsLarge, ShouldBeFalse)
				So(env.Preview, ShouldContainSubstring, "INSERT INTO `users` (`id`, `name`, `email`)")

				data, err := os.ReadFile(env.FilePath)
				So(err, ShouldBeNil)
				So(int64(len(data)), ShouldEqual, env.FileSize)

				res, err := e.ApplyDataPatch(ctx, db2, string(data))
				So(err, ShouldBeNil)
				So(res.Executed, ShouldEqual, 3)

				after, err := e.CompareDataFast(ctx, db1, db2, "users", "id")
				So(err, ShouldBeNil)
				So(after.Identical, ShouldBeTrue)
				So(after.RowsPotentiallyModified, ShouldEqual, 2)

				records, err := e.History("", 1)
				So(err, ShouldBeNil)
				So(records[0].Kind, ShouldEqual, history.KindData)
			})
		})

		Convey("执行失败时记录已提交的语句数", func() {
			text := "CREATE TABLE a (x INTEGER);\nINSERT INTO missing VALUES (1);"
			_, err := e.ApplySchemaPatch(ctx, db2, text)
			So(errors.Is(err, executor.ErrExecution), ShouldBeTrue)

			records, err := e.History(db2, 0)
			So(err, ShouldBeNil)
			So(len(records), ShouldEqual, 1)
			So(records[0].Error, ShouldContainSubstring, "error at statement 2/2")
			So(records[0].Committed, ShouldEqual, 0)

			// 失败后缓存同样失效，a 表被回滚
			snap, err := e.Snapshot(ctx, db2)
			So(err, ShouldBeNil)
			for _, tbl := range snap {
				So(tbl.Name, ShouldNotEqual, "a")
			}
		})

		Convey("数据补丁引用不存在的表或键列", func() {
			diffs := []patch.RowDiffInput{{TableName: "nope", KeyColumn: "id"}}
			_, err := e.GenerateDataPatch(ctx, db1, db2, diffs, patch.SourceToTarget, patch.PatchAll)
			So(errors.Is(err, ErrTableNotFound), ShouldBeTrue)

			diffs = []patch.RowDiffInput{{TableName: "users", KeyColumn: "uuid"}}
			_, err = e.GenerateDataPatch(ctx, db1, db2, diffs, patch.SourceToTarget, patch.PatchAll)
			So(errors.Is(err, ErrTableNotFound), ShouldBeTrue)

			_, err = e.GenerateDataPatch(ctx, db1, db2, nil, patch.Direction(9), patch.PatchAll)
			So(errors.Is(err, patch.ErrInvalidDirection), ShouldBeTrue)
		})

		Convey("未打开的库", func() {
			_, err := e.CompareSchemas(ctx, db1, filepath.Join(dir, "other.db"))
			So(errors.Is(err, sqlite.ErrNotOpen), ShouldBeTrue)
			So(counterValue(e.Registry(), "plandb_operations_total", "status", "error"), ShouldEqual, 1)

			err = e.Open(ctx, filepath.Join(dir, "other.db"), "")
			So(errors.Is(err, sqlite.ErrAccess), ShouldBeTrue)
		})

		Convey("关闭后不能再使用", func() {
			So(e.Close(db2), ShouldBeNil)
			_, err := e.Snapshot(ctx, db2)
			So(errors.Is(err, sqlite.ErrNotOpen), ShouldBeTrue)
		})
	})
}

func TestEngineExternalChanges(t *testing.T) {
	Convey("TestEngineExternalChanges", t, func() {
		ctx := context.Background()
		dir := t.TempDir()
		db1 := createDB(t, dir, "a.db", "CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT)")
		db2 := createDB(t, dir, "b.db", "CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT)")

		e := newTestEngine(t, dir)
		So(e.Open(ctx, db1, ""), ShouldBeNil)
		So(e.Open(ctx, db2, ""), ShouldBeNil)

		c, err := e.CompareSchemas(ctx, db1, db2)
		So(err, ShouldBeNil)
		So(c.IsIdentical(), ShouldBeTrue)

		// 其他进程修改了 b.db
		other, err := sql.Open("sqlite3", db2)
		So(err, ShouldBeNil)
		defer other.Close()
		_, err = other.Exec("ALTER TABLE t ADD COLUMN extra TEXT")
		So(err, ShouldBeNil)

		c, err = e.CompareSchemas(ctx, db1, db2)
		So(err, ShouldBeNil)
		So(c.IsIdentical(), ShouldBeFalse)
		So(len(c.ModifiedTables), ShouldEqual, 1)

		text, err := e.GenerateSchemaPatch(ctx, db1, db2, patch.TargetToSource)
		So(err, ShouldBeNil)
		So(text, ShouldContainSubstring, "ADD COLUMN `extra` TEXT")

		// 行数变化同样使快照失效
		_, err = other.Exec("INSERT INTO t (id, name) VALUES (1, 'x'), (2, 'y')")
		So(err, ShouldBeNil)
		snap, err := e.Snapshot(ctx, db2)
		So(err, ShouldBeNil)
		So(snap[0].RowCount, ShouldEqual, 2)
		// a.db 在第二次比较和生成补丁时命中，b.db 在生成补丁时命中
		So(counterValue(e.Registry(), "plandb_snapshot_cache_lookups_total", "result", "hit"), ShouldEqual, 3)

		data, err := e.TableData(ctx, db2, "t", 1, 1)
		So(err, ShouldBeNil)
		So(data.Columns, ShouldResemble, []string{"id", "name", "extra"})
		So(data.TotalCount, ShouldEqual, 2)
		So(data.Rows, ShouldResemble, [][]any{{int64(2), "y", nil}})

		_, err = e.TableData(ctx, db2, "missing", 10, 0)
		So(errors.Is(err, sqlite.ErrTableNotFound), ShouldBeTrue)
	})
}

func TestEngineYieldsWorker(t *testing.T) {
	Convey("TestEngineYieldsWorker", t, func() {
		ctx := context.Background()
		dir := t.TempDir()
		db1 := createDB(t, dir, "a.db", "CREATE TABLE t (id INTEGER PRIMARY KEY)")
		db2 := createDB(t, dir, "b.db", "CREATE TABLE t (id INTEGER PRIMARY KEY)")

		options := DefaultOptions()
		options.Workers = 1
		options.DataBatchSize = 1
		options.Yield = 50 * time.Millisecond
		options.Log = log.Options{"default": &logger.SLogOptions{Level: "error"}}
		e, err := NewEngineWithOptions(options)
		So(err, ShouldBeNil)
		defer e.Shutdown()
		So(e.Open(ctx, db1, ""), ShouldBeNil)
		So(e.Open(ctx, db2, ""), ShouldBeNil)

		var sb strings.Builder
		for i := 1; i <= 20; i++ {
			fmt.Fprintf(&sb, "INSERT INTO t (id) VALUES (%d);\n", i)
		}
		done := make(chan error, 1)
		go func() {
			_, err := e.ApplyDataPatch(ctx, db1, sb.String())
			done <- err
		}()
		time.Sleep(80 * time.Millisecond)

		// 唯一的工作槽在批次之间归还，另一个库上的操作不必等补丁执行完
		start := time.Now()
		_, err = e.Snapshot(ctx, db2)
		So(err, ShouldBeNil)
		So(time.Since(start), ShouldBeLessThan, 500*time.Millisecond)
		applying := true
		select {
		case err = <-done:
			applying = false
		default:
		}
		So(applying, ShouldBeTrue)

		// 同一个库上的操作等待租约，不会与重新占用工作槽的补丁执行互相等待
		tctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		snap, err := e.Snapshot(tctx, db1)
		So(err, ShouldBeNil)
		So(snap[0].RowCount, ShouldEqual, 20)
		So(<-done, ShouldBeNil)
	})
}

func TestEngineWithoutJournal(t *testing.T) {
	Convey("TestEngineWithoutJournal", t, func() {
		options := DefaultOptions()
		options.Log = log.Options{"default": &logger.SLogOptions{Level: "error"}}
		e, err := NewEngineWithOptions(options)
		So(err, ShouldBeNil)
		defer e.Shutdown()

		_, err = e.History("", 0)
		So(errors.Is(err, ErrNoJournal), ShouldBeTrue)
		So(strings.HasPrefix(e.patchDir, os.TempDir()), ShouldBeTrue)

		options = DefaultOptions()
		options.Workers = 0
		_, err = NewEngineWithOptions(options)
		So(err, ShouldNotBeNil)

		// 预览长度为 0 不是合法配置，不会被悄悄替换成默认值
		options = DefaultOptions()
		options.DataPatch.PreviewBytes = 0
		_, err = NewEngineWithOptions(options)
		So(err, ShouldNotBeNil)
		So(err.Error(), ShouldContainSubstring, "PreviewBytes")
	})
}
