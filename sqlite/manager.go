package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
	_ "modernc.org/sqlite"

	"github.com/planp1125-pixel/plandb-mvp/cfg/validator"
)

var (
	ErrAccess        = errors.New("database access failed")
	ErrNotOpen       = errors.New("database not open")
	ErrTableNotFound = errors.New("table not found")
)

// AccessError 无法打开或解锁数据库
type AccessError struct {
	Path  string
	Cause error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("cannot access database %s: %v", e.Path, e.Cause)
}

func (e *AccessError) Unwrap() []error {
	return []error{ErrAccess, e.Cause}
}

// handle 一个已打开的数据库。conn 在整个生命周期内固定，保证 PRAGMA key 对后续语句生效
type handle struct {
	path   string
	key    string
	db     *sql.DB
	conn   *sql.Conn
	sem    *semaphore.Weighted
	closed bool
}

// Manager 连接管理器，每个路径一个连接，同一时刻只允许一个租约
type Manager struct {
	options *Options

	mu      sync.RWMutex
	handles map[string]*handle
}

func NewManagerWithOptions(options *Options) (*Manager, error) {
	if options == nil {
		options = DefaultOptions()
	}
	if err := validator.ValidateStruct(options); err != nil {
		return nil, errors.Wrap(err, "invalid sqlite options")
	}
	return &Manager{
		options: options,
		handles: map[string]*handle{},
	}, nil
}

// Open 打开并解锁数据库，key 为空表示未加密。已经以相同密钥打开时直接返回
func (m *Manager) Open(ctx context.Context, path, key string) error {
	path = filepath.Clean(path)

	m.mu.RLock()
	existing := m.handles[path]
	m.mu.RUnlock()
	if existing != nil {
		if existing.key == key {
			return nil
		}
		if err := m.Close(path); err != nil {
			return err
		}
	}

	h, err := m.open(ctx, path, key)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if other, ok := m.handles[path]; ok && other.key == key {
		// 并发打开了同一个库，保留先到的连接
		h.close()
		return nil
	}
	m.handles[path] = h
	return nil
}

func (m *Manager) open(ctx context.Context, path, key string) (*handle, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &AccessError{Path: path, Cause: errors.Wrap(err, "os.Stat failed")}
	}
	if info.IsDir() {
		return nil, &AccessError{Path: path, Cause: errors.New("path is a directory")}
	}

	db, err := sql.Open(m.options.Driver, path)
	if err != nil {
		return nil, &AccessError{Path: path, Cause: errors.Wrap(err, "sql.Open failed")}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, &AccessError{Path: path, Cause: errors.Wrap(err, "sql.DB.Conn failed")}
	}

	h := &handle{path: path, key: key, db: db, conn: conn, sem: semaphore.NewWeighted(1)}
	if err := m.unlock(ctx, h); err != nil {
		h.close()
		return nil, &AccessError{Path: path, Cause: err}
	}
	return h, nil
}

func (m *Manager) unlock(ctx context.Context, h *handle) error {
	var pragmas []string
	if h.key != "" {
		pragmas = append(pragmas, m.options.Cipher.unlockPragmas(h.key)...)
	}
	pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout = %d", m.options.BusyTimeout.Milliseconds()))

	for _, p := range pragmas {
		if _, err := h.conn.ExecContext(ctx, p); err != nil {
			return errors.Wrap(err, "apply pragma failed")
		}
	}

	var n int
	if err := h.conn.QueryRowContext(ctx, "SELECT count(*) FROM sqlite_master").Scan(&n); err != nil {
		return errors.Wrap(err, "verify database failed, wrong key or not a database")
	}
	return nil
}

func (h *handle) close() error {
	h.closed = true
	var err error
	if h.conn != nil {
		err = h.conn.Close()
	}
	if cerr := h.db.Close(); err == nil {
		err = cerr
	}
	return err
}

// Lease 获取一个数据库的独占租约，ctx 取消时放弃等待
func (m *Manager) Lease(ctx context.Context, path string) (*Lease, error) {
	path = filepath.Clean(path)

	m.mu.RLock()
	h := m.handles[path]
	m.mu.RUnlock()
	if h == nil {
		return nil, errors.Wrapf(ErrNotOpen, "path %s", path)
	}

	if err := h.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrapf(err, "wait for database %s", path)
	}
	if h.closed {
		h.sem.Release(1)
		return nil, errors.Wrapf(ErrNotOpen, "path %s", path)
	}
	return &Lease{h: h}, nil
}

// LeaseAll 按路径字典序获取多个租约，避免两个操作交叉加锁造成死锁，相同路径只租一次
func (m *Manager) LeaseAll(ctx context.Context, paths ...string) (map[string]*Lease, func(), error) {
	uniq := map[string]struct{}{}
	for _, p := range paths {
		uniq[filepath.Clean(p)] = struct{}{}
	}
	ordered := make([]string, 0, len(uniq))
	for p := range uniq {
		ordered = append(ordered, p)
	}
	sort.Strings(ordered)

	leases := make(map[string]*Lease, len(ordered))
	release := func() {
		for _, l := range leases {
			l.Release()
		}
	}
	for _, p := range ordered {
		l, err := m.Lease(ctx, p)
		if err != nil {
			release()
			return nil, func() {}, err
		}
		leases[p] = l
	}

	result := make(map[string]*Lease, len(paths))
	for _, p := range paths {
		result[p] = leases[filepath.Clean(p)]
	}
	return result, release, nil
}

// Close 关闭一个数据库，等待当前租约释放后再关闭连接
func (m *Manager) Close(path string) error {
	path = filepath.Clean(path)

	m.mu.Lock()
	h := m.handles[path]
	delete(m.handles, path)
	m.mu.Unlock()
	if h == nil {
		return nil
	}

	if err := h.sem.Acquire(context.Background(), 1); err != nil {
		return errors.Wrap(err, "semaphore.Acquire failed")
	}
	defer h.sem.Release(1)
	if err := h.close(); err != nil {
		return errors.Wrapf(err, "close database %s failed", path)
	}
	return nil
}

// CloseAll 关闭所有数据库
func (m *Manager) CloseAll() error {
	var lastErr error
	for _, p := range m.Paths() {
		if err := m.Close(p); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Paths 返回已打开的数据库路径
func (m *Manager) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	paths := make([]string, 0, len(m.handles))
	for p := range m.handles {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// KeyOf 返回已打开数据库使用的密钥
func (m *Manager) KeyOf(path string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[filepath.Clean(path)]
	if !ok {
		return "", false
	}
	return h.key, true
}

// IsOpen 判断路径是否已打开
func (m *Manager) IsOpen(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.handles[filepath.Clean(path)]
	return ok
}
