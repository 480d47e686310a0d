package engine

import (
	"time"

	"github.com/planp1125-pixel/plandb-mvp/cache"
	"github.com/planp1125-pixel/plandb-mvp/cfg"
	"github.com/planp1125-pixel/plandb-mvp/history"
	"github.com/planp1125-pixel/plandb-mvp/log"
	"github.com/planp1125-pixel/plandb-mvp/patch"
	"github.com/planp1125-pixel/plandb-mvp/sqlite"
)

type Options struct {
	// Name 指标名前缀，同时作为日志和追踪中的 component
	Name string `cfg:"name" def:"plandb"`

	SQLite sqlite.Options             `cfg:"sqlite"`
	Cache  cache.SnapshotCacheOptions `cfg:"cache"`
	// Journal Path 为空时不记录补丁执行历史
	Journal   history.Options        `cfg:"journal"`
	DataPatch patch.DataPatchOptions `cfg:"dataPatch"`

	// PatchDir 数据补丁文件目录，为空时使用系统临时目录
	PatchDir string `cfg:"patchDir"`
	// Workers 同时执行的操作数
	Workers int `cfg:"workers" def:"4" validate:"gt=0"`

	SchemaBatchSize int           `cfg:"schemaBatchSize" def:"500" validate:"gt=0"`
	DataBatchSize   int           `cfg:"dataBatchSize" def:"1000" validate:"gt=0"`
	Yield           time.Duration `cfg:"yield" def:"10ms" validate:"gte=0"`

	// CompareTimeout 快速数据比较的读超时
	CompareTimeout time.Duration `cfg:"compareTimeout" def:"30s" validate:"gte=0"`

	EnableTracing bool `cfg:"enableTracing"`

	Log log.Options `cfg:"log"`
}

// DefaultOptions 所有字段取默认值
func DefaultOptions() *Options {
	options := &Options{}
	if err := cfg.SetDefaults(options); err != nil {
		panic(err)
	}
	return options
}
