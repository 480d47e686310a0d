package patch

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// LineKind 脚本行类型
type LineKind int

const (
	LineBlank LineKind = iota
	LineComment
	LineStatement
)

// Line 脚本中的一行，Statement 可能跨多个物理行
type Line struct {
	Kind LineKind
	Text string
}

func (l Line) String() string {
	switch l.Kind {
	case LineComment:
		return "-- " + l.Text
	case LineStatement:
		return l.Text
	default:
		return ""
	}
}

// emitter 补丁生成器的输出端，内存中的 Script 和流式的 streamWriter 都实现了它
type emitter interface {
	Comment(format string, args ...any)
	Statement(sql string)
	Blank()
}

// Script 生成好的补丁脚本，生成后不再修改
type Script struct {
	lines []Line
}

func (s *Script) Comment(format string, args ...any) {
	s.lines = append(s.lines, Line{Kind: LineComment, Text: fmt.Sprintf(format, args...)})
}

func (s *Script) Statement(sql string) {
	s.lines = append(s.lines, Line{Kind: LineStatement, Text: terminate(sql)})
}

func (s *Script) Blank() {
	s.lines = append(s.lines, Line{Kind: LineBlank})
}

// Lines 返回脚本行的副本
func (s *Script) Lines() []Line {
	return append([]Line(nil), s.lines...)
}

// Statements 按顺序返回所有语句（带结尾分号）
func (s *Script) Statements() []string {
	var stmts []string
	for _, l := range s.lines {
		if l.Kind == LineStatement {
			stmts = append(stmts, l.Text)
		}
	}
	return stmts
}

func (s *Script) String() string {
	var sb strings.Builder
	for _, l := range s.lines {
		sb.WriteString(l.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

// WriteTo 实现 io.WriterTo
func (s *Script) WriteTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, s.String())
	if err != nil {
		return int64(n), errors.Wrap(err, "write script failed")
	}
	return int64(n), nil
}

// streamWriter 把脚本行直接写入底层 writer，第一次写入失败后忽略后续写入，错误由 Err 返回
type streamWriter struct {
	w   *bufio.Writer
	err error
}

func newStreamWriter(w io.Writer) *streamWriter {
	if bw, ok := w.(*bufio.Writer); ok {
		return &streamWriter{w: bw}
	}
	return &streamWriter{w: bufio.NewWriterSize(w, 64*1024)}
}

func (s *streamWriter) write(l Line) {
	if s.err != nil {
		return
	}
	if _, err := s.w.WriteString(l.String()); err != nil {
		s.err = errors.Wrap(err, "bufio.Writer.WriteString failed")
		return
	}
	if err := s.w.WriteByte('\n'); err != nil {
		s.err = errors.Wrap(err, "bufio.Writer.WriteByte failed")
	}
}

func (s *streamWriter) Comment(format string, args ...any) {
	s.write(Line{Kind: LineComment, Text: fmt.Sprintf(format, args...)})
}

func (s *streamWriter) Statement(sql string) {
	s.write(Line{Kind: LineStatement, Text: terminate(sql)})
}

func (s *streamWriter) Blank() {
	s.write(Line{Kind: LineBlank})
}

func (s *streamWriter) Flush() error {
	if s.err != nil {
		return s.err
	}
	if err := s.w.Flush(); err != nil {
		return errors.Wrap(err, "bufio.Writer.Flush failed")
	}
	return nil
}

func terminate(sql string) string {
	sql = strings.TrimRight(sql, " \t\r\n")
	if strings.HasSuffix(sql, ";") {
		return sql
	}
	return sql + ";"
}
