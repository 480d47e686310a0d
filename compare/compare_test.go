package compare

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
)

func createDB(t *testing.T, name string, stmts ...string) string {
	path := filepath.Join(t.TempDir(), name)
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

func openConn(t *testing.T, path string) *sql.Conn {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	conn, err := db.Conn(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		conn.Close()
		db.Close()
	})
	return conn
}

func attached(conn *sql.Conn) int {
	var n int
	_ = conn.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM pragma_database_list WHERE name = 'db2'").Scan(&n)
	return n
}

func TestCompareDataFast(t *testing.T) {
	Convey("TestCompareDataFast", t, func() {
		ctx := context.Background()
		p1 := createDB(t, "a.db",
			"CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)",
			"INSERT INTO users VALUES (1, 'a'), (2, 'b'), (3, 'c'), (4, 'd')",
		)
		p2 := createDB(t, "b.db",
			"CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)",
			"INSERT INTO users VALUES (2, 'b'), (3, 'changed'), (4, 'd'), (5, 'e'), (6, 'f')",
			"CREATE TABLE other (x INTEGER)",
		)
		conn := openConn(t, p1)

		Convey("统计新增、删除和可能修改的行", func() {
			res, err := CompareDataFast(ctx, conn, AttachTarget{Path: p2}, "users", "id", 0)
			So(err, ShouldBeNil)
			So(res.TableName, ShouldEqual, "users")
			So(res.TotalRowsDB1, ShouldEqual, 4)
			So(res.TotalRowsDB2, ShouldEqual, 5)
			So(res.RowsDeleted, ShouldEqual, 1)
			So(res.RowsInserted, ShouldEqual, 2)
			So(res.RowsPotentiallyModified, ShouldEqual, 3)
			So(res.Identical, ShouldBeFalse)
			So(res.Approximate, ShouldBeTrue)
			So(attached(conn), ShouldEqual, 0)
		})

		Convey("同一个库和自身比较", func() {
			res, err := CompareDataFast(ctx, conn, AttachTarget{Path: p1}, "users", "id", time.Second)
			So(err, ShouldBeNil)
			So(res.Identical, ShouldBeTrue)
			So(res.RowsPotentiallyModified, ShouldEqual, 4)
		})

		Convey("表或键列不存在时报错并且仍然卸载", func() {
			_, err := CompareDataFast(ctx, conn, AttachTarget{Path: p2}, "other", "x", 0)
			So(errors.Is(err, ErrTableNotFound), ShouldBeTrue)
			So(attached(conn), ShouldEqual, 0)

			_, err = CompareDataFast(ctx, conn, AttachTarget{Path: p2}, "users", "missing", 0)
			So(errors.Is(err, ErrKeyNotFound), ShouldBeTrue)
			So(attached(conn), ShouldEqual, 0)

			// 可以重复调用
			res, err := CompareDataFast(ctx, conn, AttachTarget{Path: p2}, "users", "id", 0)
			So(err, ShouldBeNil)
			So(res.RowsInserted, ShouldEqual, 2)
		})

		Convey("超时", func() {
			dctx, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
			defer cancel()
			_, err := CompareDataFast(dctx, conn, AttachTarget{Path: p2}, "users", "id", 0)
			So(errors.Is(err, ErrTimeout), ShouldBeTrue)
			So(attached(conn), ShouldEqual, 0)
		})
	})
}
