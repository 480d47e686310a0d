package decoder

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

// IniDecoder section 名中的 "." 表示嵌套，例如 [sqlite.cipher]
type IniDecoder struct {
	AllowShadows bool
}

func NewIniDecoder() *IniDecoder {
	return &IniDecoder{AllowShadows: true}
}

func (i *IniDecoder) Decode(data []byte) (any, error) {
	file, err := ini.LoadSources(ini.LoadOptions{
		AllowBooleanKeys:         true,
		AllowShadows:             i.AllowShadows,
		SpaceBeforeInlineComment: true,
	}, data)
	if err != nil {
		return nil, errors.Wrap(err, "ini.LoadSources failed")
	}

	result := map[string]any{}
	for _, section := range file.Sections() {
		target := result
		if name := section.Name(); name != ini.DefaultSection {
			for _, part := range strings.Split(name, ".") {
				sub, ok := target[part].(map[string]any)
				if !ok {
					sub = map[string]any{}
					target[part] = sub
				}
				target = sub
			}
		}
		for _, key := range section.Keys() {
			target[key.Name()] = i.parseValue(key)
		}
	}
	return result, nil
}

func (i *IniDecoder) parseValue(key *ini.Key) any {
	if i.AllowShadows {
		if values := key.ValueWithShadows(); len(values) > 1 {
			result := make([]any, len(values))
			for idx, v := range values {
				result[idx] = parseScalar(v)
			}
			return result
		}
	}
	return parseScalar(key.String())
}

// parseScalar 尝试把字符串转成布尔、整数或浮点数
func parseScalar(value string) any {
	switch strings.ToLower(value) {
	case "true":
		return true
	case "false":
		return false
	}
	if v, err := strconv.ParseInt(value, 10, 64); err == nil {
		return v
	}
	if v, err := strconv.ParseFloat(value, 64); err == nil {
		return v
	}
	return value
}
