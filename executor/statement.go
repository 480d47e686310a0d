package executor

import (
	"strings"
)

// Kind 语句类型，决定执行器如何处理事务
type Kind int

const (
	KindOther Kind = iota
	// KindBegin 脚本自带的 BEGIN，由执行器接管
	KindBegin
	// KindCommit 脚本自带的 COMMIT / END，由执行器接管
	KindCommit
	KindRollback
	// KindNoTx 必须在事务外执行的语句，例如 PRAGMA foreign_keys、VACUUM
	KindNoTx
)

func (k Kind) String() string {
	switch k {
	case KindBegin:
		return "begin"
	case KindCommit:
		return "commit"
	case KindRollback:
		return "rollback"
	case KindNoTx:
		return "notx"
	default:
		return "other"
	}
}

// Statement 拆分后的单条语句
type Statement struct {
	// Text 原样保留的语句文本（含注释，不含结尾分号），执行时使用
	Text string
	// Keyword 去掉注释后的第一个关键字（大写），只用于判断语句类型
	Keyword string
	Kind    Kind
}

// SplitStatements 按分号拆分脚本，引号、方括号标识符和注释中的分号不参与拆分，只有注释的片段会被丢弃
func SplitStatements(text string) []Statement {
	var stmts []Statement
	var code strings.Builder

	n := len(text)
	start := 0
	for i := 0; i < n; {
		c := text[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			j := skipQuoted(text, i, c)
			code.WriteString(text[i:j])
			i = j
		case c == '[':
			j := strings.IndexByte(text[i:], ']')
			if j < 0 {
				j = n
			} else {
				j = i + j + 1
			}
			code.WriteString(text[i:j])
			i = j
		case c == '-' && i+1 < n && text[i+1] == '-':
			j := strings.IndexByte(text[i:], '\n')
			if j < 0 {
				j = n
			} else {
				j = i + j
			}
			code.WriteByte(' ')
			i = j
		case c == '/' && i+1 < n && text[i+1] == '*':
			j := strings.Index(text[i+2:], "*/")
			if j < 0 {
				j = n
			} else {
				j = i + 2 + j + 2
			}
			code.WriteByte(' ')
			i = j
		case c == ';':
			stmts = appendStatement(stmts, text[start:i], code.String())
			code.Reset()
			i++
			start = i
		default:
			code.WriteByte(c)
			i++
		}
	}
	return appendStatement(stmts, text[start:], code.String())
}

// skipQuoted 返回引号结束后的位置，连续两个引号视为转义
func skipQuoted(text string, i int, quote byte) int {
	for j := i + 1; j < len(text); j++ {
		if text[j] != quote {
			continue
		}
		if j+1 < len(text) && text[j+1] == quote {
			j++
			continue
		}
		return j + 1
	}
	return len(text)
}

func appendStatement(stmts []Statement, raw, code string) []Statement {
	code = strings.TrimSpace(code)
	if code == "" {
		return stmts
	}
	fields := strings.Fields(strings.ToUpper(code))
	return append(stmts, Statement{
		Text:    strings.TrimSpace(raw),
		Keyword: fields[0],
		Kind:    classify(fields),
	})
}

func classify(fields []string) Kind {
	switch fields[0] {
	case "BEGIN":
		return KindBegin
	case "COMMIT", "END":
		return KindCommit
	case "ROLLBACK":
		// ROLLBACK TO SAVEPOINT 不结束事务
		for _, f := range fields[1:] {
			if f == "TO" {
				return KindOther
			}
		}
		return KindRollback
	case "VACUUM":
		return KindNoTx
	case "PRAGMA":
		pragma := strings.ReplaceAll(strings.Join(fields[1:], ""), " ", "")
		if strings.HasPrefix(pragma, "FOREIGN_KEYS") || strings.HasPrefix(pragma, "JOURNAL_MODE") {
			return KindNoTx
		}
		return KindOther
	default:
		return KindOther
	}
}
