package writer

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// FileWriterOptions 文件输出配置
type FileWriterOptions struct {
	Path string `cfg:"path" validate:"required"`
	// MaxSize 单个文件的最大字节数，超过后轮转为 path.1, path.2 ...，0 表示不轮转
	MaxSize int64 `cfg:"maxSize" validate:"gte=0"`
	// MaxBackups 保留的历史文件数，0 表示轮转时直接丢弃旧文件
	MaxBackups int `cfg:"maxBackups" validate:"gte=0"`
}

// FileWriter 追加写入文件，长时间的补丁执行会持续写日志，可以按大小轮转
type FileWriter struct {
	options *FileWriterOptions
	mu      sync.Mutex
	file    *os.File
	size    int64
}

func NewFileWriterWithOptions(options *FileWriterOptions) (*FileWriter, error) {
	if options == nil || options.Path == "" {
		return nil, errors.New("file path is required")
	}

	dir := filepath.Dir(options.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "os.MkdirAll failed. dir: [%s]", dir)
	}

	w := &FileWriter{options: options}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (f *FileWriter) open() error {
	file, err := os.OpenFile(f.options.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrapf(err, "os.OpenFile failed. path: [%s]", f.options.Path)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return errors.Wrapf(err, "file.Stat failed. path: [%s]", f.options.Path)
	}
	f.file = file
	f.size = info.Size()
	return nil
}

func backupName(path string, i int) string {
	return fmt.Sprintf("%s.%d", path, i)
}

// rotate 关闭当前文件，依次后移历史文件，超出 MaxBackups 的删除
func (f *FileWriter) rotate() error {
	if err := f.file.Close(); err != nil {
		return errors.Wrap(err, "close log file failed")
	}
	f.file = nil

	path := f.options.Path
	if f.options.MaxBackups == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "os.Remove failed. path: [%s]", path)
		}
		return f.open()
	}

	_ = os.Remove(backupName(path, f.options.MaxBackups))
	for i := f.options.MaxBackups - 1; i >= 1; i-- {
		if err := os.Rename(backupName(path, i), backupName(path, i+1)); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "os.Rename failed. path: [%s]", backupName(path, i))
		}
	}
	if err := os.Rename(path, backupName(path, 1)); err != nil {
		return errors.Wrapf(err, "os.Rename failed. path: [%s]", path)
	}
	return f.open()
}

func (f *FileWriter) Write(p []byte) (n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return 0, errors.New("file is closed")
	}
	// 一条日志不会被拆到两个文件里
	if f.options.MaxSize > 0 && f.size > 0 && f.size+int64(len(p)) > f.options.MaxSize {
		if err := f.rotate(); err != nil {
			return 0, err
		}
	}
	n, err = f.file.Write(p)
	f.size += int64(n)
	return n, err
}

func (f *FileWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}
