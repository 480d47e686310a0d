package schema

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func strPtr(s string) *string {
	return &s
}

func col(name, typ string, pos int) ColumnSnapshot {
	return ColumnSnapshot{Name: name, Type: typ, Nullable: true, Position: pos}
}

func pk(name, typ string, pos int) ColumnSnapshot {
	return ColumnSnapshot{Name: name, Type: typ, Nullable: false, PrimaryKey: true, Position: pos}
}

func allTables(c *SchemaComparison) []string {
	names := append([]string{}, c.AddedTables...)
	names = append(names, c.RemovedTables...)
	names = append(names, c.IdenticalTables...)
	for _, m := range c.ModifiedTables {
		names = append(names, m.TableName)
	}
	return names
}

func TestCompare(t *testing.T) {
	Convey("TestCompare", t, func() {
		tables1 := []TableSnapshot{
			{Name: "users", Columns: []ColumnSnapshot{pk("id", "INTEGER", 0), col("name", "TEXT", 1)}},
			{Name: "orders", Columns: []ColumnSnapshot{pk("id", "INTEGER", 0), col("amount", "REAL", 1)}},
			{Name: "legacy", Columns: []ColumnSnapshot{pk("id", "INTEGER", 0)}},
		}
		tables2 := []TableSnapshot{
			{Name: "users", Columns: []ColumnSnapshot{pk("id", "integer", 0), col("name", "text", 1)}},
			{Name: "orders", Columns: []ColumnSnapshot{pk("id", "INTEGER", 0), col("amount", "TEXT", 1), col("note", "TEXT", 2)}},
			{Name: "audit", Columns: []ColumnSnapshot{pk("id", "INTEGER", 0)}},
		}

		c := Compare("a.db", "b.db", tables1, tables2)

		Convey("表被分到四个集合中", func() {
			So(c.Database1, ShouldEqual, "a.db")
			So(c.Database2, ShouldEqual, "b.db")
			So(c.AddedTables, ShouldResemble, []string{"audit"})
			So(c.RemovedTables, ShouldResemble, []string{"legacy"})
			So(c.IdenticalTables, ShouldResemble, []string{"users"})
			So(len(c.ModifiedTables), ShouldEqual, 1)
			So(c.IsIdentical(), ShouldBeFalse)
		})

		Convey("每个表名恰好出现一次", func() {
			names := allTables(c)
			So(len(names), ShouldEqual, 4)
			seen := map[string]int{}
			for _, n := range names {
				seen[n]++
			}
			for _, n := range []string{"users", "orders", "legacy", "audit"} {
				So(seen[n], ShouldEqual, 1)
			}
		})

		Convey("列差异", func() {
			d := c.Modified("orders")
			So(d, ShouldNotBeNil)
			So(len(d.AddedColumns), ShouldEqual, 1)
			So(d.AddedColumns[0].Name, ShouldEqual, "note")
			So(d.AddedColumns[0].Position, ShouldEqual, 2)
			So(d.RemovedColumns, ShouldBeEmpty)
			So(len(d.ModifiedColumns), ShouldEqual, 1)
			So(d.ModifiedColumns[0].ColumnName, ShouldEqual, "amount")
			So(d.ModifiedColumns[0].OldType, ShouldEqual, "REAL")
			So(d.ModifiedColumns[0].NewType, ShouldEqual, "TEXT")
			So(d.ModifiedColumns[0].Changes, ShouldResemble, []string{"type: REAL -> TEXT"})
		})

		Convey("反向比较互为镜像", func() {
			r := Compare("b.db", "a.db", tables2, tables1)
			So(r.AddedTables, ShouldResemble, c.RemovedTables)
			So(r.RemovedTables, ShouldResemble, c.AddedTables)
			So(r.IdenticalTables, ShouldResemble, c.IdenticalTables)

			d := r.Modified("orders")
			So(d, ShouldNotBeNil)
			So(d.RemovedColumns, ShouldResemble, []string{"note"})
			So(d.AddedColumns, ShouldBeEmpty)
		})
	})
}

func TestDiffTables(t *testing.T) {
	Convey("TestDiffTables", t, func() {
		Convey("default, nullability and primary key changes", func() {
			t1 := &TableSnapshot{Name: "t", Columns: []ColumnSnapshot{
				pk("id", "INTEGER", 0),
				{Name: "status", Type: "TEXT", Nullable: true, Default: strPtr("'new'"), Position: 1},
			}}
			t2 := &TableSnapshot{Name: "t", Columns: []ColumnSnapshot{
				col("id", "INTEGER", 0),
				{Name: "status", Type: "TEXT", Nullable: false, Position: 1},
			}}

			d := DiffTables(t1, t2)
			So(len(d.ModifiedColumns), ShouldEqual, 2)
			So(d.ModifiedColumns[0].Changes, ShouldResemble, []string{
				"nullability: false -> true",
				"primary key: true -> false",
			})
			So(d.ModifiedColumns[1].Changes, ShouldResemble, []string{
				"nullability: true -> false",
				"default: 'new' -> NULL",
			})
		})

		Convey("仅顺序不同的表视为修改但没有列差异", func() {
			t1 := []TableSnapshot{{Name: "t", Columns: []ColumnSnapshot{col("a", "TEXT", 0), col("b", "TEXT", 1)}}}
			t2 := []TableSnapshot{{Name: "t", Columns: []ColumnSnapshot{col("b", "TEXT", 0), col("a", "TEXT", 1)}}}

			c := Compare("1", "2", t1, t2)
			So(c.IdenticalTables, ShouldBeEmpty)
			So(len(c.ModifiedTables), ShouldEqual, 1)
			So(c.ModifiedTables[0].Reordered(), ShouldBeTrue)
		})

		Convey("只有默认值不同的表仍然视为一致", func() {
			t1 := []TableSnapshot{{Name: "t", Columns: []ColumnSnapshot{{Name: "a", Type: "TEXT", Default: strPtr("1")}}}}
			t2 := []TableSnapshot{{Name: "t", Columns: []ColumnSnapshot{{Name: "a", Type: "TEXT", Default: strPtr("2")}}}}

			c := Compare("1", "2", t1, t2)
			So(c.IdenticalTables, ShouldResemble, []string{"t"})
			So(c.IsIdentical(), ShouldBeTrue)
		})
	})
}

func TestTableSnapshot(t *testing.T) {
	Convey("TestTableSnapshot", t, func() {
		tbl := TableSnapshot{Name: "t", Columns: []ColumnSnapshot{pk("id", "INTEGER", 0), col("name", "TEXT", 1)}}

		So(tbl.ColumnNames(), ShouldResemble, []string{"id", "name"})
		So(tbl.HasColumn("name"), ShouldBeTrue)
		So(tbl.HasColumn("email"), ShouldBeFalse)
		So(tbl.Column("id").PrimaryKey, ShouldBeTrue)
		So(tbl.Column("missing"), ShouldBeNil)
	})
}
