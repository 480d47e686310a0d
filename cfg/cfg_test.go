package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planp1125-pixel/plandb-mvp/cfg/decoder"
)

type cipherOptions struct {
	PageSize      int    `cfg:"pageSize" def:"4096"`
	HMACAlgorithm string `cfg:"hmacAlgorithm" def:"HMAC_SHA256" validate:"oneof=HMAC_SHA1 HMAC_SHA256"`
}

type fileOptions struct {
	Path string `cfg:"path" validate:"required"`
}

type testOptions struct {
	Driver      string            `cfg:"driver" def:"sqlite3" validate:"oneof=sqlite3 sqlite"`
	BusyTimeout time.Duration     `cfg:"busyTimeout" def:"5s"`
	Workers     int               `cfg:"workers" def:"4" validate:"gt=0"`
	Metrics     bool              `cfg:"enableMetrics" def:"true"`
	Tables      []string          `cfg:"tables"`
	Cipher      cipherOptions     `cfg:"cipher"`
	File        *fileOptions      `cfg:"file"`
	Labels      map[string]string `cfg:"labels"`
	Started     time.Time         `cfg:"started"`
}

func writeFile(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "yaml",
			file: "config.yaml",
			content: `
driver: sqlite
busyTimeout: 2s
workers: 8
tables: [users, orders]
cipher:
  pageSize: 1024
labels:
  env: test
started: "2025-01-02T03:04:05Z"
`,
		},
		{
			name: "toml",
			file: "config.toml",
			content: `
driver = "sqlite"
busyTimeout = "2s"
workers = 8
tables = ["users", "orders"]
started = "2025-01-02T03:04:05Z"

[cipher]
pageSize = 1024

[labels]
env = "test"
`,
		},
		{
			name: "json",
			file: "config.json",
			content: `{
  // 注释
  "driver": "sqlite",
  "busyTimeout": "2s",
  "workers": 8,
  "tables": ["users", "orders"],
  "cipher": {"pageSize": 1024}, /* 块注释 */
  "labels": {"env": "test"},
  "started": "2025-01-02T03:04:05Z",
}`,
		},
		{
			name: "ini",
			file: "config.ini",
			content: `
driver = sqlite
busyTimeout = 2s
workers = 8
tables = users
tables = orders
started = 2025-01-02T03:04:05Z

[cipher]
pageSize = 1024

[labels]
env = test
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts testOptions
			require.NoError(t, Load(writeFile(t, tt.file, tt.content), &opts))

			assert.Equal(t, "sqlite", opts.Driver)
			assert.Equal(t, 2*time.Second, opts.BusyTimeout)
			assert.Equal(t, 8, opts.Workers)
			assert.True(t, opts.Metrics)
			assert.Equal(t, []string{"users", "orders"}, opts.Tables)
			assert.Equal(t, 1024, opts.Cipher.PageSize)
			assert.Equal(t, "HMAC_SHA256", opts.Cipher.HMACAlgorithm)
			assert.Nil(t, opts.File)
			assert.Equal(t, map[string]string{"env": "test"}, opts.Labels)
			assert.Equal(t, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), opts.Started.UTC())
		})
	}
}

func TestLoadDefaultsOnly(t *testing.T) {
	var opts testOptions
	require.NoError(t, Load("", &opts))
	assert.Equal(t, "sqlite3", opts.Driver)
	assert.Equal(t, 5*time.Second, opts.BusyTimeout)
	assert.Equal(t, 4, opts.Workers)
	assert.Equal(t, 4096, opts.Cipher.PageSize)
}

func TestLoadErrors(t *testing.T) {
	var opts testOptions

	err := Load(writeFile(t, "config.xml", "<x/>"), &opts)
	assert.True(t, errors.Is(err, decoder.ErrUnknownFormat))

	err = Load(filepath.Join(t.TempDir(), "missing.yaml"), &opts)
	assert.Error(t, err)

	err = Load(writeFile(t, "bad.yaml", "driver: postgres\n"), &testOptions{})
	assert.Error(t, err)

	err = Load(writeFile(t, "bad.yaml", "workers: many\n"), &testOptions{})
	assert.Error(t, err)

	// 配置了 file 就必须给出 path
	err = Load(writeFile(t, "file.yaml", "file:\n  path: \"\"\n"), &testOptions{})
	assert.Error(t, err)
}

func TestDecode(t *testing.T) {
	var opts testOptions
	require.NoError(t, Decode([]byte("workers: 2\nfile:\n  path: /tmp/x.log\n"), "yml", &opts))
	assert.Equal(t, 2, opts.Workers)
	require.NotNil(t, opts.File)
	assert.Equal(t, "/tmp/x.log", opts.File.Path)
}

func TestSetDefaults(t *testing.T) {
	opts := testOptions{Workers: 16, File: &fileOptions{Path: "a"}}
	require.NoError(t, SetDefaults(&opts))
	assert.Equal(t, 16, opts.Workers)
	assert.Equal(t, "sqlite3", opts.Driver)

	assert.Error(t, SetDefaults(opts))
	assert.Error(t, SetDefaults((*testOptions)(nil)))
}
