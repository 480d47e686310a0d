package log

import (
	"sync"

	"github.com/planp1125-pixel/plandb-mvp/log/logger"
	"github.com/planp1125-pixel/plandb-mvp/log/writer"
)

var (
	defaultMu     sync.RWMutex
	defaultLogger logger.Logger
)

// Default 返回默认日志器。未设置时创建一个输出到 stderr 的 text 日志器，
// 标准输出留给命令结果
func Default() logger.Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		slog, err := logger.NewSLogWithOptions(&logger.SLogOptions{
			Level:  "info",
			Format: "text",
			Output: &writer.Options{Type: "console", Console: &writer.ConsoleWriterOptions{Target: "stderr"}},
		})
		if err != nil {
			panic("failed to initialize default logger: " + err.Error())
		}
		defaultLogger = slog
	}
	return defaultLogger
}

// SetDefault 替换默认日志器，nil 时恢复为 stderr 日志器
func SetDefault(l logger.Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// NewLogWithOptions 创建日志器，options 为 nil 时返回默认日志器
func NewLogWithOptions(options *logger.SLogOptions) (logger.Logger, error) {
	if options == nil {
		return Default(), nil
	}
	return logger.NewSLogWithOptions(options)
}
