package compare

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/planp1125-pixel/plandb-mvp/sqlite"
)

var (
	ErrTimeout       = errors.New("comparison timed out")
	ErrTableNotFound = errors.New("table not found")
	ErrKeyNotFound   = errors.New("key column not found")
)

// DefaultTimeout 单次比较的读超时
const DefaultTimeout = 30 * time.Second

const alias = "db2"

// Conn ATTACH 只对当前连接生效，所以必须是同一个连接，*sql.Conn 满足该接口
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// AttachTarget 被挂载的第二个库
type AttachTarget struct {
	Path string
	Key  string
}

// DataComparisonResult 按主键的近似比较结果
type DataComparisonResult struct {
	TableName    string `json:"table_name"`
	TotalRowsDB1 int64  `json:"total_rows_db1"`
	TotalRowsDB2 int64  `json:"total_rows_db2"`
	// RowsInserted 只存在于 db2 的键
	RowsInserted int64 `json:"rows_inserted"`
	// RowsDeleted 只存在于 db1 的键
	RowsDeleted int64 `json:"rows_deleted"`
	// RowsPotentiallyModified 两边都有的键数，是修改行数的上界，并未逐列比较
	RowsPotentiallyModified int64 `json:"rows_potentially_modified"`
	Identical               bool  `json:"identical"`
	Approximate             bool  `json:"approximate"`
}

// CompareDataFast 把 db2 挂载到 conn 上，用计数和两次 NOT EXISTS 反连接估算差异
// 无论成功与否都会 DETACH。timeout <= 0 时使用 DefaultTimeout
func CompareDataFast(ctx context.Context, conn Conn, db2 AttachTarget, table, keyColumn string, timeout time.Duration) (res *DataComparisonResult, err error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := conn.ExecContext(tctx, sqlite.AttachSQL(db2.Path, db2.Key, alias)); err != nil {
		return nil, timeoutOr(tctx, errors.Wrapf(err, "attach %s failed", db2.Path))
	}
	defer func() {
		_, derr := conn.ExecContext(context.WithoutCancel(ctx), "DETACH DATABASE "+sqlite.QuoteIdent(alias))
		if derr != nil && err == nil {
			res, err = nil, errors.Wrap(derr, "detach failed")
		}
	}()

	if err := checkTable(tctx, conn, table, keyColumn); err != nil {
		return nil, timeoutOr(tctx, err)
	}

	t := sqlite.QuoteIdent(table)
	k := sqlite.QuoteIdent(keyColumn)
	a := sqlite.QuoteIdent(alias)

	res = &DataComparisonResult{TableName: table, Approximate: true}
	queries := []struct {
		dst   *int64
		query string
	}{
		{&res.TotalRowsDB1, fmt.Sprintf("SELECT COUNT(*) FROM main.%s", t)},
		{&res.TotalRowsDB2, fmt.Sprintf("SELECT COUNT(*) FROM %s.%s", a, t)},
		{&res.RowsDeleted, fmt.Sprintf(
			"SELECT COUNT(*) FROM main.%s t1 WHERE NOT EXISTS (SELECT 1 FROM %s.%s t2 WHERE t2.%s = t1.%s)",
			t, a, t, k, k)},
		{&res.RowsInserted, fmt.Sprintf(
			"SELECT COUNT(*) FROM %s.%s t2 WHERE NOT EXISTS (SELECT 1 FROM main.%s t1 WHERE t1.%s = t2.%s)",
			a, t, t, k, k)},
	}
	for _, q := range queries {
		if err := conn.QueryRowContext(tctx, q.query).Scan(q.dst); err != nil {
			return nil, timeoutOr(tctx, errors.Wrapf(err, "query %s failed", table))
		}
	}

	res.RowsPotentiallyModified = min(res.TotalRowsDB1-res.RowsDeleted, res.TotalRowsDB2-res.RowsInserted)
	res.Identical = res.TotalRowsDB1 == res.TotalRowsDB2 && res.RowsInserted == 0 && res.RowsDeleted == 0
	return res, nil
}

func checkTable(ctx context.Context, conn Conn, table, keyColumn string) error {
	for _, schemaName := range []string{"main", alias} {
		var n int
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s.sqlite_master WHERE type = 'table' AND name = ?", sqlite.QuoteIdent(schemaName))
		if err := conn.QueryRowContext(ctx, query, table).Scan(&n); err != nil {
			return errors.Wrap(err, "query sqlite_master failed")
		}
		if n == 0 {
			return errors.Wrapf(ErrTableNotFound, "table %s in %s", table, schemaName)
		}

		if err := conn.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM pragma_table_info(?, ?) WHERE name = ?", table, schemaName, keyColumn,
		).Scan(&n); err != nil {
			return errors.Wrap(err, "query table_info failed")
		}
		if n == 0 {
			return errors.Wrapf(ErrKeyNotFound, "column %s of %s in %s", keyColumn, table, schemaName)
		}
	}
	return nil
}

func timeoutOr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(ErrTimeout, err.Error())
	}
	return err
}
