package decoder

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

var trailingComma = regexp.MustCompile(`,(\s*[}\]])`)

// JsonDecoder 支持 // 和 /* */ 注释以及尾随逗号
type JsonDecoder struct {
	UseJSON5 bool
}

func NewJsonDecoder() *JsonDecoder {
	return &JsonDecoder{UseJSON5: true}
}

func (j *JsonDecoder) Decode(data []byte) (any, error) {
	if j.UseJSON5 {
		data = []byte(trailingComma.ReplaceAllString(stripComments(string(data)), "$1"))
	}
	var result any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errors.Wrap(err, "json.Unmarshal failed")
	}
	return result, nil
}

// stripComments 去掉字符串之外的注释
func stripComments(content string) string {
	var b strings.Builder
	inString, escaped := false, false
	for i := 0; i < len(content); i++ {
		c := content[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && c == '/' && i+1 < len(content) && content[i+1] == '/':
			for i < len(content) && content[i] != '\n' {
				i++
			}
			if i < len(content) {
				b.WriteByte('\n')
			}
			continue
		case !inString && c == '/' && i+1 < len(content) && content[i+1] == '*':
			end := strings.Index(content[i+2:], "*/")
			if end < 0 {
				return b.String()
			}
			i += end + 3
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
