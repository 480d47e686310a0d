package writer

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWriterWithOptions(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		options *Options
		wantErr bool
	}{
		{name: "nil options", options: nil, wantErr: true},
		{name: "console default", options: &Options{}},
		{name: "console stderr", options: &Options{Type: "console", Console: &ConsoleWriterOptions{Target: "stderr"}}},
		{name: "file", options: &Options{Type: "file", File: &FileWriterOptions{Path: filepath.Join(dir, "a.log")}}},
		{name: "file without path", options: &Options{Type: "file"}, wantErr: true},
		{name: "multi", options: &Options{Type: "multi", Writers: []*Options{{Type: "console"}, {Type: "file", File: &FileWriterOptions{Path: filepath.Join(dir, "b.log")}}}}},
		{name: "empty multi", options: &Options{Type: "multi"}, wantErr: true},
		{name: "unknown", options: &Options{Type: "syslog"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := NewWriterWithOptions(tt.options)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, w.Close())
		})
	}
}

func TestFileWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "app.log")
	w, err := NewFileWriterWithOptions(&FileWriterOptions{Path: path})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = w.Write([]byte("line\n"))
		}()
	}
	wg.Wait()
	require.NoError(t, w.Close())

	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, buf, 50)

	_, err = w.Write([]byte("after close"))
	assert.Error(t, err)
	assert.NoError(t, w.Close())
}

func TestMultiWriter(t *testing.T) {
	dir := t.TempDir()
	f1, err := NewFileWriterWithOptions(&FileWriterOptions{Path: filepath.Join(dir, "1.log")})
	require.NoError(t, err)
	f2, err := NewFileWriterWithOptions(&FileWriterOptions{Path: filepath.Join(dir, "2.log")})
	require.NoError(t, err)

	m := NewMultiWriter(f1, f2)
	n, err := m.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.NoError(t, m.Close())

	for _, name := range []string{"1.log", "2.log"} {
		buf, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Equal(t, "hello", string(buf))
	}
}

func TestFileWriterRotate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.log")
	w, err := NewFileWriterWithOptions(&FileWriterOptions{Path: path, MaxSize: 10, MaxBackups: 2})
	require.NoError(t, err)

	for _, line := range []string{"aaaaaaaa\n", "bbbbbbbb\n", "cccccccc\n", "dddddddd\n"} {
		_, err := w.Write([]byte(line))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	read := func(name string) string {
		buf, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		return string(buf)
	}
	assert.Equal(t, "dddddddd\n", read("engine.log"))
	assert.Equal(t, "cccccccc\n", read("engine.log.1"))
	assert.Equal(t, "bbbbbbbb\n", read("engine.log.2"))
	_, err = os.Stat(filepath.Join(dir, "engine.log.3"))
	assert.True(t, os.IsNotExist(err))

	// 重新打开时从已有大小继续计算，MaxBackups 为 0 时旧内容直接丢弃
	w, err = NewFileWriterWithOptions(&FileWriterOptions{Path: path, MaxSize: 20})
	require.NoError(t, err)
	_, err = w.Write([]byte("eeeeeeeeeeee\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.Equal(t, "eeeeeeeeeeee\n", read("engine.log"))
	assert.Equal(t, "cccccccc\n", read("engine.log.1"))
}
