package log

import (
	"io"
	"sort"

	"github.com/pkg/errors"

	"github.com/planp1125-pixel/plandb-mvp/log/logger"
)

// Options 按名称配置的日志器，名称为 "default" 的日志器作为兜底
type Options map[string]*logger.SLogOptions

// LogManager 按组件名称管理日志器
type LogManager struct {
	loggers       map[string]logger.Logger
	defaultLogger logger.Logger
}

func NewLogManagerWithOptions(options Options) (*LogManager, error) {
	manager := &LogManager{
		loggers: make(map[string]logger.Logger),
	}

	for name, opts := range options {
		if opts == nil {
			continue
		}
		l, err := logger.NewSLogWithOptions(opts)
		if err != nil {
			_ = manager.Close()
			return nil, errors.WithMessagef(err, "failed to create logger '%s'", name)
		}
		manager.loggers[name] = l
		if name == "default" {
			manager.defaultLogger = l
		}
	}

	if manager.defaultLogger == nil {
		manager.defaultLogger = Default()
	}

	return manager, nil
}

// GetLogger 获取指定名称的日志器，不存在时返回带 component 字段的默认日志器
func (m *LogManager) GetLogger(name string) logger.Logger {
	if l, ok := m.loggers[name]; ok {
		return l
	}
	return m.defaultLogger.With("component", name)
}

// ListLoggers 按名称排序返回已配置的日志器
func (m *LogManager) ListLoggers() []string {
	names := make([]string, 0, len(m.loggers))
	for name := range m.loggers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *LogManager) GetDefault() logger.Logger {
	return m.defaultLogger
}

// Close 关闭所有日志器的输出
func (m *LogManager) Close() error {
	var lastErr error
	for name, l := range m.loggers {
		if c, ok := l.(io.Closer); ok {
			if err := c.Close(); err != nil {
				lastErr = errors.Wrapf(err, "close logger '%s' failed", name)
			}
		}
	}
	return lastErr
}
