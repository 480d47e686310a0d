package writer

import (
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Writer 日志输出器接口
type Writer interface {
	io.Writer
	io.Closer
}

// Options 输出器配置，Type 决定使用哪一组子配置
type Options struct {
	// Type 输出类型：console, file, multi
	Type    string                `cfg:"type" def:"console" validate:"omitempty,oneof=console file multi"`
	Console *ConsoleWriterOptions `cfg:"console"`
	File    *FileWriterOptions    `cfg:"file"`
	// Writers multi 类型下的子输出器
	Writers []*Options `cfg:"writers"`
}

// NewWriterWithOptions 根据配置创建输出器
func NewWriterWithOptions(options *Options) (Writer, error) {
	if options == nil {
		return nil, errors.New("options cannot be nil")
	}

	switch strings.ToLower(options.Type) {
	case "console", "":
		return NewConsoleWriter(options.Console), nil
	case "file":
		return NewFileWriterWithOptions(options.File)
	case "multi":
		return NewMultiWriterWithOptions(options.Writers)
	default:
		return nil, errors.Errorf("unsupported writer type: %s", options.Type)
	}
}
