package schema

import (
	"fmt"
	"sort"
	"strings"
)

// ColumnSnapshot 列快照，对应 PRAGMA table_info 的一行
type ColumnSnapshot struct {
	Name       string  `json:"name"`
	Type       string  `json:"data_type"`
	Nullable   bool    `json:"is_nullable"`
	Default    *string `json:"default_value,omitempty"`
	PrimaryKey bool    `json:"is_primary_key"`
	// Position 列的声明顺序（从 0 开始），用于判断新增列是否只能追加在末尾
	Position int `json:"position"`
}

// DefaultString 返回默认值的展示形式，没有默认值时返回 "NULL"
func (c ColumnSnapshot) DefaultString() string {
	if c.Default == nil {
		return "NULL"
	}
	return *c.Default
}

// TableSnapshot 表快照
type TableSnapshot struct {
	Name     string           `json:"name"`
	RowCount int64            `json:"row_count"`
	Columns  []ColumnSnapshot `json:"columns"`
	// SQL 原始的 CREATE TABLE 语句，重建表时原样使用
	SQL string `json:"sql"`
}

// Column 按名称查找列，不存在时返回 nil
func (t *TableSnapshot) Column(name string) *ColumnSnapshot {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// HasColumn 判断表中是否存在指定列
func (t *TableSnapshot) HasColumn(name string) bool {
	return t.Column(name) != nil
}

// ColumnNames 按声明顺序返回列名
func (t *TableSnapshot) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// SchemaComparison 两个数据库的结构比较结果
// 两个库中出现的每个表名只会落在以下四个集合中的一个
type SchemaComparison struct {
	Database1 string `json:"database1"`
	Database2 string `json:"database2"`
	// AddedTables 只存在于 db2 的表
	AddedTables []string `json:"added_tables"`
	// RemovedTables 只存在于 db1 的表
	RemovedTables   []string    `json:"removed_tables"`
	ModifiedTables  []TableDiff `json:"modified_tables"`
	IdenticalTables []string    `json:"identical_tables"`
}

// Modified 按表名查找修改过的表
func (c *SchemaComparison) Modified(table string) *TableDiff {
	for i := range c.ModifiedTables {
		if c.ModifiedTables[i].TableName == table {
			return &c.ModifiedTables[i]
		}
	}
	return nil
}

// IsIdentical 两个库的结构完全一致
func (c *SchemaComparison) IsIdentical() bool {
	return len(c.AddedTables) == 0 && len(c.RemovedTables) == 0 && len(c.ModifiedTables) == 0
}

// TableDiff 单表的列差异
type TableDiff struct {
	TableName string `json:"table_name"`
	// AddedColumns 只存在于 db2 的列
	AddedColumns []ColumnSnapshot `json:"added_columns"`
	// RemovedColumns 只存在于 db1 的列名
	RemovedColumns  []string     `json:"removed_columns"`
	ModifiedColumns []ColumnDiff `json:"modified_columns"`
}

// Reordered 列集合与属性一致，仅声明顺序不同
func (d *TableDiff) Reordered() bool {
	return len(d.AddedColumns) == 0 && len(d.RemovedColumns) == 0 && len(d.ModifiedColumns) == 0
}

// ColumnDiff 同名列的属性差异，Changes 仅用于生成脚本中的注释
type ColumnDiff struct {
	ColumnName string   `json:"column_name"`
	OldType    string   `json:"old_type"`
	NewType    string   `json:"new_type"`
	Changes    []string `json:"changes"`
}

func (d ColumnDiff) String() string {
	return fmt.Sprintf("%s (%s -> %s)", d.ColumnName, d.OldType, d.NewType)
}

// Compare 比较两个数据库的表快照
func Compare(db1, db2 string, tables1, tables2 []TableSnapshot) *SchemaComparison {
	m1 := indexTables(tables1)
	m2 := indexTables(tables2)

	result := &SchemaComparison{
		Database1:       db1,
		Database2:       db2,
		AddedTables:     []string{},
		RemovedTables:   []string{},
		ModifiedTables:  []TableDiff{},
		IdenticalTables: []string{},
	}

	for name := range m2 {
		if _, ok := m1[name]; !ok {
			result.AddedTables = append(result.AddedTables, name)
		}
	}

	for name, t1 := range m1 {
		t2, ok := m2[name]
		if !ok {
			result.RemovedTables = append(result.RemovedTables, name)
			continue
		}
		if TablesIdentical(t1, t2) {
			result.IdenticalTables = append(result.IdenticalTables, name)
		} else {
			result.ModifiedTables = append(result.ModifiedTables, DiffTables(t1, t2))
		}
	}

	sort.Strings(result.AddedTables)
	sort.Strings(result.RemovedTables)
	sort.Strings(result.IdenticalTables)
	sort.Slice(result.ModifiedTables, func(i, j int) bool {
		return result.ModifiedTables[i].TableName < result.ModifiedTables[j].TableName
	})

	return result
}

// TablesIdentical 列数相同，且按声明顺序逐列的名称、类型、可空性、主键一致
func TablesIdentical(t1, t2 *TableSnapshot) bool {
	if len(t1.Columns) != len(t2.Columns) {
		return false
	}
	for i := range t1.Columns {
		c1, c2 := t1.Columns[i], t2.Columns[i]
		if c1.Name != c2.Name ||
			!strings.EqualFold(c1.Type, c2.Type) ||
			c1.Nullable != c2.Nullable ||
			c1.PrimaryKey != c2.PrimaryKey {
			return false
		}
	}
	return true
}

// DiffTables 计算同名表的列差异
func DiffTables(t1, t2 *TableSnapshot) TableDiff {
	diff := TableDiff{
		TableName:       t1.Name,
		AddedColumns:    []ColumnSnapshot{},
		RemovedColumns:  []string{},
		ModifiedColumns: []ColumnDiff{},
	}

	for _, c2 := range t2.Columns {
		if !t1.HasColumn(c2.Name) {
			diff.AddedColumns = append(diff.AddedColumns, c2)
		}
	}

	for _, c1 := range t1.Columns {
		c2 := t2.Column(c1.Name)
		if c2 == nil {
			diff.RemovedColumns = append(diff.RemovedColumns, c1.Name)
			continue
		}
		if changes := columnChanges(c1, *c2); len(changes) > 0 {
			diff.ModifiedColumns = append(diff.ModifiedColumns, ColumnDiff{
				ColumnName: c1.Name,
				OldType:    c1.Type,
				NewType:    c2.Type,
				Changes:    changes,
			})
		}
	}

	return diff
}

func columnChanges(c1, c2 ColumnSnapshot) []string {
	var changes []string
	if !strings.EqualFold(c1.Type, c2.Type) {
		changes = append(changes, fmt.Sprintf("type: %s -> %s", c1.Type, c2.Type))
	}
	if c1.Nullable != c2.Nullable {
		changes = append(changes, fmt.Sprintf("nullability: %t -> %t", c1.Nullable, c2.Nullable))
	}
	if c1.PrimaryKey != c2.PrimaryKey {
		changes = append(changes, fmt.Sprintf("primary key: %t -> %t", c1.PrimaryKey, c2.PrimaryKey))
	}
	if !sameDefault(c1.Default, c2.Default) {
		changes = append(changes, fmt.Sprintf("default: %s -> %s", c1.DefaultString(), c2.DefaultString()))
	}
	return changes
}

func sameDefault(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func indexTables(tables []TableSnapshot) map[string]*TableSnapshot {
	m := make(map[string]*TableSnapshot, len(tables))
	for i := range tables {
		m[tables[i].Name] = &tables[i]
	}
	return m
}

// Index 按表名建立索引，供补丁生成器查找模板表和目标表
func Index(tables []TableSnapshot) map[string]*TableSnapshot {
	return indexTables(tables)
}
