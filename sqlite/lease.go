package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/planp1125-pixel/plandb-mvp/schema"
)

// Lease 一次操作期间对数据库连接的独占使用权，用完必须 Release
type Lease struct {
	h    *handle
	once sync.Once
}

func (l *Lease) Conn() *sql.Conn {
	return l.h.conn
}

func (l *Lease) Path() string {
	return l.h.path
}

// Key 打开数据库时使用的密钥，ATTACH 加密库时需要
func (l *Lease) Key() string {
	return l.h.key
}

// Release 释放租约，可以重复调用
func (l *Lease) Release() {
	l.once.Do(func() {
		l.h.sem.Release(1)
	})
}

// Tables 按名称排序返回用户表，不含 sqlite_ 开头的内部表
func (l *Lease) Tables(ctx context.Context) ([]string, error) {
	rows, err := l.h.conn.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite\_%' ESCAPE '\' ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "query sqlite_master failed")
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "rows.Scan failed")
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows.Err")
	}
	return tables, nil
}

// TableSQL 返回表的 CREATE TABLE 原文
func (l *Lease) TableSQL(ctx context.Context, table string) (string, error) {
	var text sql.NullString
	err := l.h.conn.QueryRowContext(ctx,
		"SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.Wrapf(ErrTableNotFound, "table %s in %s", table, l.h.path)
	}
	if err != nil {
		return "", errors.Wrapf(err, "query create statement for %s failed", table)
	}
	return text.String, nil
}

// Columns 读取 PRAGMA table_info，Position 为列的声明顺序
func (l *Lease) Columns(ctx context.Context, table string) ([]schema.ColumnSnapshot, error) {
	rows, err := l.h.conn.QueryContext(ctx, "PRAGMA table_info("+QuoteIdent(table)+")")
	if err != nil {
		return nil, errors.Wrapf(err, "query table_info for %s failed", table)
	}
	defer rows.Close()

	var columns []schema.ColumnSnapshot
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     sql.NullString
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, errors.Wrap(err, "rows.Scan failed")
		}
		col := schema.ColumnSnapshot{
			Name:       name,
			Type:       typ.String,
			Nullable:   notNull == 0,
			PrimaryKey: pk > 0,
			Position:   cid,
		}
		if dflt.Valid {
			d := dflt.String
			col.Default = &d
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows.Err")
	}
	if len(columns) == 0 {
		return nil, errors.Wrapf(ErrTableNotFound, "table %s in %s", table, l.h.path)
	}
	return columns, nil
}

// RowCount 返回表的行数
func (l *Lease) RowCount(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := l.h.conn.QueryRowContext(ctx, "SELECT count(*) FROM "+QuoteIdent(table)).Scan(&n); err != nil {
		return 0, errors.Wrapf(err, "count rows of %s failed", table)
	}
	return n, nil
}

// Snapshot 读取所有用户表的结构快照
func (l *Lease) Snapshot(ctx context.Context) ([]schema.TableSnapshot, error) {
	tables, err := l.Tables(ctx)
	if err != nil {
		return nil, err
	}

	snapshots := make([]schema.TableSnapshot, 0, len(tables))
	for _, name := range tables {
		t, err := l.TableSnapshot(ctx, name)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, *t)
	}
	return snapshots, nil
}

// TableSnapshot 读取单个表的结构快照
func (l *Lease) TableSnapshot(ctx context.Context, table string) (*schema.TableSnapshot, error) {
	createSQL, err := l.TableSQL(ctx, table)
	if err != nil {
		return nil, err
	}
	columns, err := l.Columns(ctx, table)
	if err != nil {
		return nil, err
	}
	count, err := l.RowCount(ctx, table)
	if err != nil {
		return nil, err
	}
	return &schema.TableSnapshot{
		Name:     table,
		RowCount: count,
		Columns:  columns,
		SQL:      createSQL,
	}, nil
}

// Version 数据库的变更版本。Schema 在结构变化时递增；
// Data 在其他连接提交写入后变化，同一连接上的写入不会改变它
type Version struct {
	Schema int64 `msgpack:"s" json:"schema"`
	Data   int64 `msgpack:"d" json:"data"`
}

// Version 读取 PRAGMA schema_version 和 PRAGMA data_version
func (l *Lease) Version(ctx context.Context) (Version, error) {
	var v Version
	if err := l.h.conn.QueryRowContext(ctx, "PRAGMA schema_version").Scan(&v.Schema); err != nil {
		return Version{}, errors.Wrap(err, "query schema_version failed")
	}
	if err := l.h.conn.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v.Data); err != nil {
		return Version{}, errors.Wrap(err, "query data_version failed")
	}
	return v, nil
}

// TableData 一页表数据，TotalCount 为整表行数
type TableData struct {
	Columns    []string `json:"columns"`
	Rows       [][]any  `json:"rows"`
	TotalCount int64    `json:"total_count"`
}

// TableData 按列的声明顺序分页读取表数据。limit <= 0 表示不限制行数，
// BLOB 只给出长度
func (l *Lease) TableData(ctx context.Context, table string, limit, offset int64) (*TableData, error) {
	columns, err := l.Columns(ctx, table)
	if err != nil {
		return nil, err
	}
	total, err := l.RowCount(ctx, table)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(columns))
	quoted := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.Name
		quoted[i] = QuoteIdent(c.Name)
	}
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf("SELECT %s FROM %s LIMIT ? OFFSET ?", strings.Join(quoted, ", "), QuoteIdent(table))
	rows, err := l.h.conn.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, errors.Wrapf(err, "query rows of %s failed", table)
	}
	defer rows.Close()

	data := &TableData{Columns: names, Rows: [][]any{}, TotalCount: total}
	for rows.Next() {
		values := make([]any, len(names))
		dest := make([]any, len(names))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, errors.Wrap(err, "rows.Scan failed")
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = fmt.Sprintf("<BLOB %d bytes>", len(b))
			}
		}
		data.Rows = append(data.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows.Err")
	}
	return data, nil
}
