package decoder

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

var ErrUnknownFormat = errors.New("unknown config format")

// Decoder 把配置文件内容解码为 map[string]any 组成的通用结构
type Decoder interface {
	Decode(data []byte) (any, error)
}

var decoders = map[string]func() Decoder{
	"yaml": func() Decoder { return NewYamlDecoder() },
	"yml":  func() Decoder { return NewYamlDecoder() },
	"toml": func() Decoder { return NewTomlDecoder() },
	"json": func() Decoder { return NewJsonDecoder() },
	"ini":  func() Decoder { return NewIniDecoder() },
}

// NewDecoder 按格式名创建解码器，格式名不区分大小写
func NewDecoder(format string) (Decoder, error) {
	newFunc, ok := decoders[strings.ToLower(strings.TrimPrefix(format, "."))]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownFormat, "format %q", format)
	}
	return newFunc(), nil
}

// ForFile 按文件扩展名选择解码器
func ForFile(filename string) (Decoder, error) {
	return NewDecoder(filepath.Ext(filename))
}
