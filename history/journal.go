package history

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

var ErrNotFound = errors.New("record not found")

var bucketName = []byte("patches")

// Kind 补丁类型
type Kind string

const (
	KindSchema Kind = "schema"
	KindData   Kind = "data"
)

// Record 一次补丁执行的记录
type Record struct {
	ID     string `msgpack:"id" json:"id"`
	Kind   Kind   `msgpack:"kind" json:"kind"`
	Target string `msgpack:"target" json:"target"`
	// Statements 补丁中的语句总数
	Statements int `msgpack:"statements" json:"statements"`
	Executed   int `msgpack:"executed" json:"executed"`
	// Committed 已提交的语句数，失败时小于 Executed
	Committed  int       `msgpack:"committed" json:"committed"`
	Error      string    `msgpack:"error,omitempty" json:"error,omitempty"`
	StartedAt  time.Time `msgpack:"startedAt" json:"startedAt"`
	FinishedAt time.Time `msgpack:"finishedAt" json:"finishedAt"`
}

type Options struct {
	Path string `cfg:"path"`
	// Timeout 等待文件锁的时间
	Timeout time.Duration `cfg:"timeout" def:"1s"`
	// MaxRepairs 打开失败时最多修复几次，修复即把损坏的文件移走后重建
	MaxRepairs int `cfg:"maxRepairs" def:"1" validate:"gte=0"`
}

// Journal 基于 bbolt 的补丁执行日志，键为 UUIDv7，按时间有序
type Journal struct {
	db   *bolt.DB
	path string
}

// Open 打开日志文件。文件损坏时移到 <path>.corrupt-<ts> 后重试，最多 MaxRepairs 次
func Open(options *Options) (*Journal, error) {
	if options == nil || options.Path == "" {
		return nil, errors.New("journal path is required")
	}
	if err := os.MkdirAll(filepath.Dir(options.Path), 0755); err != nil {
		return nil, errors.Wrapf(err, "os.MkdirAll failed. directory: %s", filepath.Dir(options.Path))
	}

	var lastErr error
	for attempt := 0; attempt <= options.MaxRepairs; attempt++ {
		if attempt > 0 {
			if err := repair(options.Path); err != nil {
				return nil, errors.WithMessagef(err, "repair after: %v", lastErr)
			}
		}

		j, err := open(options)
		if err == nil {
			return j, nil
		}
		// 锁被其他进程持有不是损坏，不修复
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, errors.Wrapf(err, "journal %s is locked", options.Path)
		}
		lastErr = err
	}
	return nil, errors.Wrapf(lastErr, "open journal %s failed", options.Path)
}

func open(options *Options) (*Journal, error) {
	db, err := bolt.Open(options.Path, 0600, &bolt.Options{Timeout: options.Timeout})
	if err != nil {
		return nil, errors.Wrap(err, "bolt.Open failed")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create bucket failed")
	}
	return &Journal{db: db, path: options.Path}, nil
}

func repair(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().UnixNano())
	if err := os.Rename(path, aside); err != nil {
		return errors.Wrapf(err, "os.Rename failed. path: %s", path)
	}
	return nil
}

// Append 写入一条记录，ID 为空时生成 UUIDv7
func (j *Journal) Append(r *Record) error {
	if r.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return errors.Wrap(err, "uuid.NewV7 failed")
		}
		r.ID = id.String()
	}
	key, err := recordKey(r.ID)
	if err != nil {
		return err
	}

	buf, err := msgpack.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "msgpack.Marshal failed")
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(key, buf)
	})
}

func (j *Journal) Get(id string) (*Record, error) {
	key, err := recordKey(id)
	if err != nil {
		return nil, err
	}

	var r *Record
	err = j.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketName).Get(key)
		if data == nil {
			return errors.Wrapf(ErrNotFound, "id %s", id)
		}
		decoded, derr := decode(data)
		r = decoded
		return derr
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// List 按时间倒序返回记录，target 为空时不过滤，limit <= 0 时不限制
func (j *Journal) List(target string, limit int) ([]*Record, error) {
	var records []*Record
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			r, err := decode(v)
			if err != nil {
				return err
			}
			if target != "" && r.Target != target {
				continue
			}
			records = append(records, r)
			if limit > 0 && len(records) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (j *Journal) Path() string {
	return j.path
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func recordKey(id string) ([]byte, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid record id %q", id)
	}
	return u[:], nil
}

func decode(data []byte) (*Record, error) {
	var r Record
	if err := msgpack.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(err, "msgpack.Unmarshal failed")
	}
	return &r, nil
}
