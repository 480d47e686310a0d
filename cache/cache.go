package cache

import (
	"time"

	"github.com/coocood/freecache"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/planp1125-pixel/plandb-mvp/schema"
	"github.com/planp1125-pixel/plandb-mvp/sqlite"
)

var (
	ErrNotFound = errors.New("snapshot not cached")
	ErrStale    = errors.New("cached snapshot is stale")
	ErrTooLarge = errors.New("snapshot too large to cache")
)

type SnapshotCacheOptions struct {
	// Size 缓存总字节数，单个条目不能超过 Size/1024
	Size int `cfg:"size" def:"67108864" validate:"gte=524288"`
	// TTL 为 0 时不过期，只靠 Invalidate 失效
	TTL time.Duration `cfg:"ttl" def:"10m" validate:"gte=0"`
}

// entry 快照和读取快照时数据库的版本
type entry struct {
	Version sqlite.Version         `msgpack:"v"`
	Tables  []schema.TableSnapshot `msgpack:"t"`
}

// SnapshotCache 按数据库路径缓存结构快照，值使用 msgpack 编码。
// 读取时版本不一致视为未命中，其他进程修改过的库不会用到旧快照
type SnapshotCache struct {
	cache *freecache.Cache
	ttl   time.Duration
}

func NewSnapshotCacheWithOptions(options *SnapshotCacheOptions) *SnapshotCache {
	if options == nil {
		options = &SnapshotCacheOptions{Size: 64 * 1024 * 1024, TTL: 10 * time.Minute}
	}
	return &SnapshotCache{
		cache: freecache.NewCache(options.Size),
		ttl:   options.TTL,
	}
}

// Get 返回 version 时的快照。已缓存但版本不同时返回 ErrStale 并删除该条目
func (c *SnapshotCache) Get(path string, version sqlite.Version) ([]schema.TableSnapshot, error) {
	buf, err := c.cache.Get([]byte(path))
	if errors.Is(err, freecache.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "freecache.Get failed")
	}

	var e entry
	if err := msgpack.Unmarshal(buf, &e); err != nil {
		c.cache.Del([]byte(path))
		return nil, errors.Wrap(err, "msgpack.Unmarshal failed")
	}
	if e.Version != version {
		c.cache.Del([]byte(path))
		return nil, errors.Wrapf(ErrStale, "path %s, cached %+v, current %+v", path, e.Version, version)
	}
	return e.Tables, nil
}

func (c *SnapshotCache) Set(path string, version sqlite.Version, tables []schema.TableSnapshot) error {
	buf, err := msgpack.Marshal(&entry{Version: version, Tables: tables})
	if err != nil {
		return errors.Wrap(err, "msgpack.Marshal failed")
	}
	if err := c.cache.Set([]byte(path), buf, int(c.ttl.Seconds())); err != nil {
		if errors.Is(err, freecache.ErrLargeEntry) {
			return errors.Wrapf(ErrTooLarge, "path %s, %d bytes", path, len(buf))
		}
		return errors.Wrap(err, "freecache.Set failed")
	}
	return nil
}

// Invalidate 删除路径对应的快照，返回是否存在
func (c *SnapshotCache) Invalidate(path string) bool {
	return c.cache.Del([]byte(path))
}

// Clear 清空所有快照
func (c *SnapshotCache) Clear() {
	c.cache.Clear()
}

// Len 当前缓存的快照数量
func (c *SnapshotCache) Len() int64 {
	return c.cache.EntryCount()
}
