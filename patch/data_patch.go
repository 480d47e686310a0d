package patch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// DataPatchOptions 数据补丁生成选项
type DataPatchOptions struct {
	// PreviewBytes 预览的最大字节数
	PreviewBytes int `cfg:"previewBytes" def:"5120" validate:"gt=0"`
	// LargeThreshold 达到该大小的补丁标记为大补丁
	LargeThreshold int64 `cfg:"largeThreshold" def:"10485760" validate:"gt=0"`
	// CheckEvery 每生成多少行检查一次 context
	CheckEvery int `cfg:"checkEvery" def:"1000" validate:"gt=0"`
}

// DataPatchRequest 一次数据补丁生成请求
type DataPatchRequest struct {
	Source      string
	Target      string
	Direction   Direction
	PatchType   PatchType
	GeneratedAt time.Time
	Tables      []RowDiffInput
}

// Envelope 写入文件的补丁信息
type Envelope struct {
	FilePath string `json:"filePath"`
	FileSize int64  `json:"fileSize"`
	Preview  string `json:"preview"`
	IsLarge  bool   `json:"isLarge"`
}

type DataPatchGenerator struct {
	options *DataPatchOptions
}

func NewDataPatchGeneratorWithOptions(options *DataPatchOptions) *DataPatchGenerator {
	opts := DataPatchOptions{PreviewBytes: 5 * 1024, LargeThreshold: 10 * 1024 * 1024, CheckEvery: 1000}
	if options != nil {
		if options.PreviewBytes > 0 {
			opts.PreviewBytes = options.PreviewBytes
		}
		if options.LargeThreshold > 0 {
			opts.LargeThreshold = options.LargeThreshold
		}
		if options.CheckEvery > 0 {
			opts.CheckEvery = options.CheckEvery
		}
	}
	return &DataPatchGenerator{options: &opts}
}

// Generate 在内存中生成数据补丁，只适合小规模差异
func (g *DataPatchGenerator) Generate(ctx context.Context, req *DataPatchRequest) (*Script, error) {
	s := &Script{}
	if err := g.generate(ctx, s, req); err != nil {
		return nil, err
	}
	return s, nil
}

// Write 将数据补丁流式写入 w
func (g *DataPatchGenerator) Write(ctx context.Context, w io.Writer, req *DataPatchRequest) error {
	sw := newStreamWriter(w)
	if err := g.generate(ctx, sw, req); err != nil {
		return err
	}
	return sw.Flush()
}

// GenerateToFile 将数据补丁写入文件，目录不存在时自动创建，失败时删除未写完的文件
func (g *DataPatchGenerator) GenerateToFile(ctx context.Context, path string, req *DataPatchRequest) (*Envelope, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrapf(err, "os.MkdirAll failed. dir: [%s]", filepath.Dir(path))
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "os.Create failed. path: [%s]", path)
	}

	cw := &countingWriter{w: f, limit: g.options.PreviewBytes + utf8.UTFMax}
	err = g.Write(ctx, bufio.NewWriterSize(cw, 64*1024), req)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = errors.Wrap(cerr, "os.File.Close failed")
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}

	return &Envelope{
		FilePath: path,
		FileSize: cw.n,
		Preview:  preview(cw.head, cw.n, g.options.PreviewBytes),
		IsLarge:  cw.n >= g.options.LargeThreshold,
	}, nil
}

func validateRequest(req *DataPatchRequest) error {
	if req == nil {
		return errors.Wrap(ErrMalformedInput, "nil request")
	}
	if err := req.Direction.Validate(); err != nil {
		return err
	}
	if err := req.PatchType.Validate(); err != nil {
		return err
	}
	for i := range req.Tables {
		if err := req.Tables[i].Validate(req.Direction, req.PatchType); err != nil {
			return errors.WithMessagef(err, "tables[%d]", i)
		}
	}
	return nil
}

func (g *DataPatchGenerator) generate(ctx context.Context, s emitter, req *DataPatchRequest) error {
	if err := validateRequest(req); err != nil {
		return err
	}

	generatedAt := req.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = time.Now()
	}

	s.Comment("Data Synchronization Patch")
	s.Comment("Source: %s", req.Source)
	s.Comment("Target: %s", req.Target)
	s.Comment("Direction: %s", req.Direction)
	s.Comment("Patch type: %s", req.PatchType)
	s.Comment("Generated: %s", generatedAt.UTC().Format(time.RFC3339))
	s.Blank()
	s.Comment("Review this script before execution.")
	s.Blank()
	s.Statement("BEGIN TRANSACTION")
	s.Blank()

	rows := 0
	tick := func() error {
		rows++
		if rows%g.options.CheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return errors.Wrap(err, "data patch generation cancelled")
			}
		}
		return nil
	}

	for i := range req.Tables {
		if err := g.writeTable(s, &req.Tables[i], req.Direction, req.PatchType, tick); err != nil {
			return err
		}
	}

	s.Statement("COMMIT")
	s.Blank()
	s.Comment("End of data synchronization patch")
	return nil
}

func (g *DataPatchGenerator) writeTable(s emitter, in *RowDiffInput, dir Direction, patchType PatchType, tick func() error) error {
	c := &in.Comparison

	// 两个方向下 INSERT、UPDATE、DELETE 的顺序保持一致
	var inserts, deletes []Row
	switch dir {
	case SourceToTarget:
		if patchType.includeMissing() {
			inserts = c.MissingInTarget
		}
		if patchType.includeExtra() {
			deletes = c.ExtraInTarget
		}
	case TargetToSource:
		if patchType.includeExtra() {
			inserts = c.ExtraInTarget
		}
		if patchType.includeMissing() {
			deletes = c.MissingInTarget
		}
	default:
		return errors.Wrapf(ErrInvalidDirection, "direction %d", int(dir))
	}
	var updates []RowPair
	if patchType.includeDifferent() {
		updates = c.DifferentRows
	}

	s.Comment("====================================")
	s.Comment("Table: %s", in.TableName)
	s.Comment("Key Column: %s", in.KeyColumn)
	s.Comment("====================================")
	s.Blank()

	table := QuoteIdent(in.TableName)
	key := QuoteIdent(in.KeyColumn)

	if len(inserts) > 0 {
		s.Comment("INSERT %d rows into %s", len(inserts), in.TableName)
		for _, row := range inserts {
			s.Statement(insertSQL(table, c.CommonColumns, row))
			if err := tick(); err != nil {
				return err
			}
		}
		s.Blank()
	}

	if len(updates) > 0 {
		s.Comment("UPDATE %d rows in %s", len(updates), in.TableName)
		for i := range updates {
			pair := &updates[i]
			if len(pair.DifferentColumns) == 0 {
				continue
			}
			row := pair.template(dir)
			sets := make([]string, len(pair.DifferentColumns))
			for j, col := range pair.DifferentColumns {
				sets[j] = QuoteIdent(col) + " = " + FormatValue(row[col])
			}
			s.Statement(fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s", table, strings.Join(sets, ", "), key, FormatValue(row[in.KeyColumn])))
			if err := tick(); err != nil {
				return err
			}
		}
		s.Blank()
	}

	if len(deletes) > 0 {
		s.Comment("DELETE %d rows from %s", len(deletes), in.TableName)
		for _, row := range deletes {
			s.Statement(fmt.Sprintf("DELETE FROM %s WHERE %s = %s", table, key, FormatValue(row[in.KeyColumn])))
			if err := tick(); err != nil {
				return err
			}
		}
		s.Blank()
	}

	return nil
}

// insertSQL 列清单优先使用公共列，否则按列名排序，行中缺失的列写 NULL
func insertSQL(table string, columns []string, row Row) string {
	if len(columns) == 0 {
		columns = make([]string, 0, len(row))
		for k := range row {
			columns = append(columns, k)
		}
		sort.Strings(columns)
	}

	cols := make([]string, len(columns))
	vals := make([]string, len(columns))
	for i, col := range columns {
		cols[i] = QuoteIdent(col)
		vals[i] = FormatValue(row[col])
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), strings.Join(vals, ", "))
}

// countingWriter 统计写入的字节数，并保留开头的一段用于预览
type countingWriter struct {
	w     io.Writer
	n     int64
	head  []byte
	limit int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if room := c.limit - len(c.head); room > 0 {
		if room > len(p) {
			room = len(p)
		}
		c.head = append(c.head, p[:room]...)
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func preview(head []byte, total int64, limit int) string {
	if int64(len(head)) <= int64(limit) && int64(len(head)) == total {
		return string(head)
	}
	cut := limit
	if cut > len(head) {
		cut = len(head)
	}
	for cut > 0 && cut > limit-utf8.UTFMax && !utf8.Valid(head[:cut]) {
		cut--
	}
	return string(head[:cut]) + fmt.Sprintf("\n-- ... (truncated, %d bytes total)", total)
}
