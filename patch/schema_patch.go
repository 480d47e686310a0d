package patch

import (
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/planp1125-pixel/plandb-mvp/schema"
)

// SchemaPatchInput 生成结构补丁所需的输入
type SchemaPatchInput struct {
	Comparison *schema.SchemaComparison
	// Source db1 的表快照
	Source []schema.TableSnapshot
	// Target db2 的表快照
	Target    []schema.TableSnapshot
	Direction Direction
	// GeneratedAt 为零值时使用当前时间
	GeneratedAt time.Time
}

var unsupportedCollation = regexp.MustCompile(`(?i)\bCOLLATE(\s+)(UTF8|UTF16)\b`)

// FixCollations 将加密库不支持的 UTF8/UTF16 排序规则替换为 BINARY
func FixCollations(createSQL string) string {
	return unsupportedCollation.ReplaceAllString(createSQL, "COLLATE${1}BINARY")
}

type tableAction int

const (
	actionAddColumns tableAction = iota
	actionRecreate
)

// tablePlan 单个修改表的处理方案
type tablePlan struct {
	name     string
	action   tableAction
	template *schema.TableSnapshot
	mutated  *schema.TableSnapshot
	// addColumns 只在模板中存在的列，按模板顺序
	addColumns []schema.ColumnSnapshot
	// dropColumns 只在被修改端存在的列
	dropColumns []string
	modified    []schema.ColumnDiff
	// common 新旧结构共有的列，按模板顺序
	common []string
}

// GenerateSchemaPatch 生成让被修改端结构与模板端一致的 DDL 脚本
func GenerateSchemaPatch(in *SchemaPatchInput) (*Script, error) {
	if in == nil || in.Comparison == nil {
		return nil, errors.New("schema comparison is required")
	}
	if err := in.Direction.Validate(); err != nil {
		return nil, err
	}

	c := in.Comparison
	templateTables, mutatedTables := schema.Index(in.Source), schema.Index(in.Target)
	templateOnly, mutatedOnly := c.RemovedTables, c.AddedTables
	if in.Direction == TargetToSource {
		templateTables, mutatedTables = mutatedTables, templateTables
		templateOnly, mutatedOnly = mutatedOnly, templateOnly
	}

	var creates []*schema.TableSnapshot
	for _, name := range templateOnly {
		t, ok := templateTables[name]
		if !ok || strings.TrimSpace(t.SQL) == "" {
			return nil, errors.Wrapf(ErrTableNotFound, "create statement for table %s", name)
		}
		creates = append(creates, t)
	}

	var plans []*tablePlan
	recreation := false
	for i := range c.ModifiedTables {
		plan, err := planTable(&c.ModifiedTables[i], in.Direction, templateTables, mutatedTables)
		if err != nil {
			return nil, err
		}
		if plan.action == actionRecreate {
			recreation = true
		}
		plans = append(plans, plan)
	}

	generatedAt := in.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = time.Now()
	}

	s := &Script{}
	s.Comment("Schema Migration Patch")
	s.Comment("Source: %s", c.Database1)
	s.Comment("Target: %s", c.Database2)
	s.Comment("Direction: %s", in.Direction)
	s.Comment("Generated: %s", generatedAt.UTC().Format(time.RFC3339))
	s.Blank()
	if recreation {
		s.Comment("NOTE: table recreation toggles PRAGMA foreign_keys, which only takes effect outside a transaction.")
		s.Comment("Commit any open transaction before running this script in another SQL console.")
		s.Blank()
	} else {
		s.Statement("BEGIN TRANSACTION")
		s.Blank()
	}

	for _, t := range creates {
		s.Comment("Create table: %s", t.Name)
		s.Statement(FixCollations(t.SQL))
		s.Blank()
	}

	for _, name := range mutatedOnly {
		s.Comment("Drop table: %s", name)
		s.Statement("DROP TABLE IF EXISTS " + QuoteIdent(name))
		s.Blank()
	}

	for _, plan := range plans {
		switch plan.action {
		case actionAddColumns:
			writeAddColumns(s, plan)
		case actionRecreate:
			writeRecreation(s, plan)
		}
		s.Blank()
	}

	if !recreation {
		s.Statement("COMMIT")
		s.Blank()
	}
	s.Comment("Migration complete")

	return s, nil
}

func planTable(diff *schema.TableDiff, dir Direction, templateTables, mutatedTables map[string]*schema.TableSnapshot) (*tablePlan, error) {
	template, ok := templateTables[diff.TableName]
	if !ok {
		return nil, errors.Wrapf(ErrTableNotFound, "table %s in template database", diff.TableName)
	}
	mutated, ok := mutatedTables[diff.TableName]
	if !ok {
		return nil, errors.Wrapf(ErrTableNotFound, "table %s in mutated database", diff.TableName)
	}

	plan := &tablePlan{
		name:     diff.TableName,
		template: template,
		mutated:  mutated,
		modified: diff.ModifiedColumns,
	}

	// 差异中的 added/removed 以 db2 为视角，方向决定哪一侧是模板
	var templateOnly []string
	switch dir {
	case SourceToTarget:
		templateOnly = diff.RemovedColumns
		for _, c := range diff.AddedColumns {
			plan.dropColumns = append(plan.dropColumns, c.Name)
		}
	case TargetToSource:
		for _, c := range diff.AddedColumns {
			templateOnly = append(templateOnly, c.Name)
		}
		plan.dropColumns = diff.RemovedColumns
	default:
		return nil, errors.Wrapf(ErrInvalidDirection, "direction %d", int(dir))
	}

	for _, name := range templateOnly {
		col := template.Column(name)
		if col == nil {
			return nil, errors.Wrapf(ErrTableNotFound, "column %s.%s in template database", diff.TableName, name)
		}
		plan.addColumns = append(plan.addColumns, *col)
	}

	for _, col := range template.Columns {
		if mutated.HasColumn(col.Name) {
			plan.common = append(plan.common, col.Name)
		}
	}

	if canAppend(plan) {
		plan.action = actionAddColumns
		return plan, nil
	}

	plan.action = actionRecreate
	if strings.TrimSpace(template.SQL) == "" {
		return nil, errors.Wrapf(ErrTableNotFound, "create statement for table %s", diff.TableName)
	}
	if len(plan.common) == 0 {
		return nil, &DataLossError{Table: diff.TableName}
	}
	return plan, nil
}

// canAppend 只有模板末尾新增了列，且已有列的顺序与模板前缀一致时，才能用 ADD COLUMN
func canAppend(plan *tablePlan) bool {
	if len(plan.addColumns) == 0 || len(plan.dropColumns) != 0 || len(plan.modified) != 0 {
		return false
	}
	current := len(plan.mutated.Columns)
	for _, col := range plan.addColumns {
		if col.Position < current {
			return false
		}
	}
	if len(plan.template.Columns) < current {
		return false
	}
	for i, col := range plan.mutated.Columns {
		if plan.template.Columns[i].Name != col.Name {
			return false
		}
	}
	return true
}

func writeAddColumns(s emitter, plan *tablePlan) {
	s.Comment("Modify table: %s (add columns)", plan.name)
	for _, col := range plan.addColumns {
		s.Statement(addColumnSQL(plan.name, col))
	}
}

func addColumnSQL(table string, col schema.ColumnSnapshot) string {
	var sb strings.Builder
	sb.WriteString("ALTER TABLE ")
	sb.WriteString(QuoteIdent(table))
	sb.WriteString(" ADD COLUMN ")
	sb.WriteString(QuoteIdent(col.Name))
	if col.Type != "" {
		sb.WriteString(" ")
		sb.WriteString(col.Type)
	}
	if !col.Nullable {
		sb.WriteString(" NOT NULL")
	}
	if col.Default != nil {
		sb.WriteString(" DEFAULT ")
		sb.WriteString(*col.Default)
	}
	return sb.String()
}

func writeRecreation(s emitter, plan *tablePlan) {
	oldName := QuoteIdent(plan.name + "_old")
	cols := make([]string, len(plan.common))
	for i, c := range plan.common {
		cols[i] = QuoteIdent(c)
	}
	colList := strings.Join(cols, ", ")

	s.Comment("Recreate table: %s", plan.name)
	s.Statement("PRAGMA foreign_keys=off")
	s.Statement("BEGIN IMMEDIATE")
	s.Statement("ALTER TABLE " + QuoteIdent(plan.name) + " RENAME TO " + oldName)
	s.Statement(FixCollations(plan.template.SQL))
	s.Statement("INSERT INTO " + QuoteIdent(plan.name) + " (" + colList + ")\nSELECT " + colList + "\nFROM " + oldName)
	s.Statement("DROP TABLE " + oldName)
	s.Statement("COMMIT")
	s.Statement("PRAGMA foreign_keys=on")

	s.Comment("Changes applied:")
	if len(plan.addColumns) > 0 {
		names := make([]string, len(plan.addColumns))
		for i, c := range plan.addColumns {
			names[i] = c.Name
		}
		s.Comment("  Added: %s", strings.Join(names, ", "))
	}
	if len(plan.dropColumns) > 0 {
		s.Comment("  Dropped: %s", strings.Join(plan.dropColumns, ", "))
	}
	for _, m := range plan.modified {
		s.Comment("  Modified: %s (%s)", m.ColumnName, strings.Join(m.Changes, "; "))
	}
	if len(plan.addColumns) == 0 && len(plan.dropColumns) == 0 && len(plan.modified) == 0 {
		s.Comment("  Reordered columns: %s", strings.Join(plan.template.ColumnNames(), ", "))
	}
}
