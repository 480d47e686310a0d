package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/planp1125-pixel/plandb-mvp/cache"
	"github.com/planp1125-pixel/plandb-mvp/cfg/validator"
	"github.com/planp1125-pixel/plandb-mvp/compare"
	"github.com/planp1125-pixel/plandb-mvp/executor"
	"github.com/planp1125-pixel/plandb-mvp/history"
	"github.com/planp1125-pixel/plandb-mvp/log"
	"github.com/planp1125-pixel/plandb-mvp/log/logger"
	"github.com/planp1125-pixel/plandb-mvp/patch"
	"github.com/planp1125-pixel/plandb-mvp/schema"
	"github.com/planp1125-pixel/plandb-mvp/sqlite"
)

var (
	ErrNoJournal     = errors.New("patch journal not configured")
	ErrTableNotFound = errors.New("table not found")
	ErrReadTimeout   = errors.New("read timed out")
)

// Engine 对外提供结构比较、补丁生成与执行、快速数据比较。
// 所有操作都在容量为 Workers 的池中执行，同一个库同一时刻只有一个操作持有连接。
// 操作先取得租约再占用工作槽，补丁执行在批次之间归还工作槽
type Engine struct {
	options  *Options
	manager  *sqlite.Manager
	cache    *cache.SnapshotCache
	journal  *history.Journal
	pool     *semaphore.Weighted
	registry *prometheus.Registry

	schemaExecutor *executor.Executor
	dataExecutor   *executor.Executor
	dataGenerator  *patch.DataPatchGenerator
	patchDir       string

	logs   *log.LogManager
	logger logger.Logger
	obs    *observer
}

func NewEngineWithOptions(options *Options) (*Engine, error) {
	if options == nil {
		options = DefaultOptions()
	}
	if err := validator.ValidateStruct(options); err != nil {
		return nil, errors.Wrap(err, "invalid engine options")
	}

	logs, err := log.NewLogManagerWithOptions(options.Log)
	if err != nil {
		return nil, errors.WithMessage(err, "log.NewLogManagerWithOptions failed")
	}

	e := &Engine{
		options:       options,
		cache:         cache.NewSnapshotCacheWithOptions(&options.Cache),
		pool:          semaphore.NewWeighted(int64(options.Workers)),
		registry:      prometheus.NewRegistry(),
		dataGenerator: patch.NewDataPatchGeneratorWithOptions(&options.DataPatch),
		patchDir:      options.PatchDir,
		logs:          logs,
		logger:        logs.GetLogger("engine"),
	}
	if e.patchDir == "" {
		e.patchDir = os.TempDir()
	}

	if err := e.init(); err != nil {
		_ = e.Shutdown()
		return nil, err
	}
	return e, nil
}

func (e *Engine) init() error {
	var err error
	if e.manager, err = sqlite.NewManagerWithOptions(&e.options.SQLite); err != nil {
		return errors.WithMessage(err, "sqlite.NewManagerWithOptions failed")
	}

	metrics, err := newObserverMetrics(e.options.Name, e.registry)
	if err != nil {
		return errors.Wrap(err, "register engine metrics failed")
	}
	e.obs = newObserver(e.options.Name, e.logger, metrics, e.options.EnableTracing)

	execLogger := e.logs.GetLogger("executor")
	presets := []struct {
		dst       **executor.Executor
		name      string
		batchSize int
	}{
		{&e.schemaExecutor, "schema", e.options.SchemaBatchSize},
		{&e.dataExecutor, "data", e.options.DataBatchSize},
	}
	for _, p := range presets {
		m, err := executor.NewMetrics(fmt.Sprintf("%s_%s_patch", e.options.Name, p.name), e.registry)
		if err != nil {
			return errors.WithMessage(err, "executor.NewMetrics failed")
		}
		*p.dst, err = executor.NewExecutorWithOptions(&executor.Options{
			BatchSize: p.batchSize,
			Yield:     e.options.Yield,
		}, execLogger.With("patch", p.name), m)
		if err != nil {
			return errors.WithMessage(err, "executor.NewExecutorWithOptions failed")
		}
	}

	if e.options.Journal.Path != "" {
		if e.journal, err = history.Open(&e.options.Journal); err != nil {
			return errors.WithMessage(err, "history.Open failed")
		}
	}
	return nil
}

// Registry 引擎和执行器的指标
func (e *Engine) Registry() *prometheus.Registry {
	return e.registry
}

// task 一个操作持有的租约和工作槽
type task struct {
	leases map[string]*sqlite.Lease
	pool   *semaphore.Weighted
	held   bool
}

func (t *task) lease(path string) *sqlite.Lease {
	return t.leases[path]
}

func (t *task) acquire(ctx context.Context) error {
	if t.held {
		return nil
	}
	if err := t.pool.Acquire(ctx, 1); err != nil {
		return errors.Wrap(err, "wait for worker")
	}
	t.held = true
	return nil
}

func (t *task) release() {
	if t.held {
		t.pool.Release(1)
		t.held = false
	}
}

// yieldHooks 批次之间归还工作槽，租约保持不变
func (t *task) yieldHooks() executor.Hooks {
	return executor.Hooks{
		BeforeYield: func(context.Context) { t.release() },
		AfterYield:  t.acquire,
	}
}

// run 先按字典序取得 paths 的租约，再占用一个工作槽。
// 持有工作槽的操作不会再等待租约，归还工作槽的补丁执行重新占用时不会死锁
func (e *Engine) run(ctx context.Context, operation string, attrs []attribute.KeyValue, paths []string, fn func(context.Context, *task) error) error {
	return e.obs.observe(ctx, operation, attrs, func(ctx context.Context) error {
		t := &task{pool: e.pool}
		if len(paths) > 0 {
			leases, release, err := e.manager.LeaseAll(ctx, paths...)
			if err != nil {
				return err
			}
			defer release()
			t.leases = leases
		}
		if err := t.acquire(ctx); err != nil {
			return errors.WithMessagef(err, "operation %s", operation)
		}
		defer t.release()
		return fn(ctx, t)
	})
}

// Open 打开并解锁数据库，key 为空表示未加密
func (e *Engine) Open(ctx context.Context, path, key string) error {
	// 更换密钥时先关闭旧连接，等待租约期间不占用工作槽
	if k, ok := e.manager.KeyOf(path); ok && k != key {
		if err := e.Close(path); err != nil {
			return err
		}
	}
	return e.run(ctx, "open", pathAttrs(path), nil, func(ctx context.Context, _ *task) error {
		e.cache.Invalidate(filepath.Clean(path))
		return e.manager.Open(ctx, path, key)
	})
}

// Close 关闭数据库，等待正在进行的操作结束
func (e *Engine) Close(path string) error {
	e.cache.Invalidate(filepath.Clean(path))
	return e.manager.Close(path)
}

// Shutdown 关闭所有数据库、历史记录和日志输出
func (e *Engine) Shutdown() error {
	var errs []error
	if e.manager != nil {
		if err := e.manager.CloseAll(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.journal != nil {
		if err := e.journal.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "close journal failed"))
		}
	}
	if err := e.logs.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Snapshot 读取数据库的结构快照，数据库版本未变时使用缓存
func (e *Engine) Snapshot(ctx context.Context, path string) ([]schema.TableSnapshot, error) {
	var tables []schema.TableSnapshot
	err := e.run(ctx, "snapshot", pathAttrs(path), []string{path}, func(ctx context.Context, t *task) error {
		var err error
		tables, err = e.snapshot(ctx, t.lease(path))
		return err
	})
	return tables, err
}

// snapshot 其他连接修改过结构或数据后，缓存中的快照不再使用
func (e *Engine) snapshot(ctx context.Context, lease *sqlite.Lease) ([]schema.TableSnapshot, error) {
	key := lease.Path()
	version, err := lease.Version(ctx)
	if err != nil {
		return nil, err
	}

	tables, err := e.cache.Get(key, version)
	switch {
	case err == nil:
		e.obs.cacheLookup(true)
		return tables, nil
	case errors.Is(err, cache.ErrStale):
		e.logger.DebugContext(ctx, "database changed since last snapshot", "path", key)
	case !errors.Is(err, cache.ErrNotFound):
		e.logger.WarnContext(ctx, "snapshot cache read failed", "path", key, "error", err.Error())
	}
	e.obs.cacheLookup(false)

	if tables, err = lease.Snapshot(ctx); err != nil {
		return nil, err
	}
	if err := e.cache.Set(key, version, tables); err != nil {
		e.logger.WarnContext(ctx, "snapshot not cached", "path", key, "error", err.Error())
	}
	return tables, nil
}

// snapshots 并发读取两个库的快照，同一个库只读一次
func (e *Engine) snapshots(ctx context.Context, t *task, db1, db2 string) ([]schema.TableSnapshot, []schema.TableSnapshot, error) {
	l1, l2 := t.lease(db1), t.lease(db2)
	if l1 == l2 {
		t1, err := e.snapshot(ctx, l1)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "snapshot %s", db1)
		}
		return t1, t1, nil
	}

	var t1, t2 []schema.TableSnapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		t1, err = e.snapshot(gctx, l1)
		return errors.WithMessagef(err, "snapshot %s", db1)
	})
	g.Go(func() error {
		var err error
		t2, err = e.snapshot(gctx, l2)
		return errors.WithMessagef(err, "snapshot %s", db2)
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return t1, t2, nil
}

// CompareSchemas 比较两个库的结构
func (e *Engine) CompareSchemas(ctx context.Context, db1, db2 string) (*schema.SchemaComparison, error) {
	var result *schema.SchemaComparison
	err := e.run(ctx, "compare_schemas", pairAttrs(db1, db2), []string{db1, db2}, func(ctx context.Context, t *task) error {
		t1, t2, err := e.snapshots(ctx, t, db1, db2)
		if err != nil {
			return err
		}
		result = schema.Compare(db1, db2, t1, t2)
		return nil
	})
	return result, err
}

// GenerateSchemaPatch 生成把被修改一侧的结构变成模板一侧的迁移脚本
func (e *Engine) GenerateSchemaPatch(ctx context.Context, db1, db2 string, dir patch.Direction) (string, error) {
	var text string
	attrs := append(pairAttrs(db1, db2), attribute.String("direction", dir.String()))
	err := e.run(ctx, "generate_schema_patch", attrs, []string{db1, db2}, func(ctx context.Context, t *task) error {
		if err := dir.Validate(); err != nil {
			return err
		}
		t1, t2, err := e.snapshots(ctx, t, db1, db2)
		if err != nil {
			return err
		}
		script, err := patch.GenerateSchemaPatch(&patch.SchemaPatchInput{
			Comparison:  schema.Compare(db1, db2, t1, t2),
			Source:      t1,
			Target:      t2,
			Direction:   dir,
			GeneratedAt: time.Now(),
		})
		if err != nil {
			return err
		}
		text = script.String()
		return nil
	})
	return text, err
}

// ApplySchemaPatch 以每批 SchemaBatchSize 条语句执行结构补丁
func (e *Engine) ApplySchemaPatch(ctx context.Context, target, text string) (*executor.Result, error) {
	var result *executor.Result
	err := e.run(ctx, "apply_schema_patch", pathAttrs(target), []string{target}, func(ctx context.Context, t *task) error {
		var err error
		result, err = e.apply(ctx, t, history.KindSchema, e.schemaExecutor, target, text)
		return err
	})
	return result, err
}

// GenerateDataPatch 根据行级差异生成数据补丁文件。
// 两个库都必须已打开，用于确认表和键列存在，并在未给出 CommonColumns 时补齐
func (e *Engine) GenerateDataPatch(ctx context.Context, db1, db2 string, diffs []patch.RowDiffInput, dir patch.Direction, patchType patch.PatchType) (*patch.Envelope, error) {
	var envelope *patch.Envelope
	attrs := append(pairAttrs(db1, db2),
		attribute.String("direction", dir.String()),
		attribute.String("patch_type", patchType.String()),
		attribute.Int("tables", len(diffs)),
	)
	err := e.run(ctx, "generate_data_patch", attrs, []string{db1, db2}, func(ctx context.Context, t *task) error {
		if err := dir.Validate(); err != nil {
			return err
		}
		if err := patchType.Validate(); err != nil {
			return err
		}
		t1, t2, err := e.snapshots(ctx, t, db1, db2)
		if err != nil {
			return err
		}
		template, mutated := schema.Index(t1), schema.Index(t2)
		if dir == patch.TargetToSource {
			template, mutated = mutated, template
		}

		tables := make([]patch.RowDiffInput, len(diffs))
		for i, d := range diffs {
			if err := d.Validate(dir, patchType); err != nil {
				return err
			}
			if d.Comparison.CommonColumns, err = commonColumns(d, template, mutated); err != nil {
				return err
			}
			tables[i] = d
		}

		path, err := e.patchPath(time.Now())
		if err != nil {
			return err
		}
		envelope, err = e.dataGenerator.GenerateToFile(ctx, path, &patch.DataPatchRequest{
			Source:      db1,
			Target:      db2,
			Direction:   dir,
			PatchType:   patchType,
			GeneratedAt: time.Now(),
			Tables:      tables,
		})
		return err
	})
	return envelope, err
}

// commonColumns 键列必须在被修改的库中存在。已给出的 CommonColumns 原样保留，
// 否则取两边都有的列，按模板表的声明顺序
func commonColumns(d patch.RowDiffInput, template, mutated map[string]*schema.TableSnapshot) ([]string, error) {
	m, ok := mutated[d.TableName]
	if !ok {
		return nil, errors.Wrapf(ErrTableNotFound, "table %s", d.TableName)
	}
	if !m.HasColumn(d.KeyColumn) {
		return nil, errors.Wrapf(ErrTableNotFound, "key column %s of table %s", d.KeyColumn, d.TableName)
	}
	if len(d.Comparison.CommonColumns) > 0 {
		return d.Comparison.CommonColumns, nil
	}
	t, ok := template[d.TableName]
	if !ok {
		return nil, nil
	}
	var columns []string
	for _, c := range t.Columns {
		if m.HasColumn(c.Name) {
			columns = append(columns, c.Name)
		}
	}
	return columns, nil
}

// patchPath 在 PatchDir 下生成不重复的 data_patch_<时间>.sql
func (e *Engine) patchPath(now time.Time) (string, error) {
	base := "data_patch_" + now.Format("20060102_150405")
	path := filepath.Join(e.patchDir, base+".sql")
	for i := 1; ; i++ {
		_, err := os.Stat(path)
		if os.IsNotExist(err) {
			return path, nil
		}
		if err != nil {
			return "", errors.Wrapf(err, "os.Stat failed. path: %s", path)
		}
		path = filepath.Join(e.patchDir, fmt.Sprintf("%s_%d.sql", base, i))
	}
}

// ApplyDataPatch 以每批 DataBatchSize 条语句执行数据补丁
func (e *Engine) ApplyDataPatch(ctx context.Context, target, text string) (*executor.Result, error) {
	var result *executor.Result
	err := e.run(ctx, "apply_data_patch", pathAttrs(target), []string{target}, func(ctx context.Context, t *task) error {
		var err error
		result, err = e.apply(ctx, t, history.KindData, e.dataExecutor, target, text)
		return err
	})
	return result, err
}

// apply 无论成功与否都会使目标库的快照缓存失效，并写入执行历史。
// 批次之间归还工作槽，其他库上的操作不必等整个补丁执行完
func (e *Engine) apply(ctx context.Context, t *task, kind history.Kind, exec *executor.Executor, target, text string) (*executor.Result, error) {
	lease := t.lease(target)
	defer e.cache.Invalidate(lease.Path())

	started := time.Now()
	result, err := exec.ExecuteWithHooks(ctx, lease.Conn(), text, t.yieldHooks())
	e.record(ctx, kind, lease.Path(), result, err, started)
	return result, err
}

func (e *Engine) record(ctx context.Context, kind history.Kind, target string, result *executor.Result, execErr error, started time.Time) {
	if e.journal == nil {
		return
	}
	r := &history.Record{
		Kind:       kind,
		Target:     target,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	if result != nil {
		r.Statements = result.Total
		r.Executed = result.Executed
		r.Committed = result.Executed
	}
	if execErr != nil {
		r.Error = execErr.Error()
		r.Committed = 0
		var ee *executor.ExecError
		if errors.As(execErr, &ee) {
			r.Committed = ee.Committed
		}
	}
	if err := e.journal.Append(r); err != nil {
		e.logger.WarnContext(ctx, "append patch journal failed", "target", target, "error", err.Error())
	}
}

// CompareDataFast 按键列近似比较两个库中同名表的数据。
// db2 以 ATTACH 的方式挂到 db1 的连接上，同时持有 db2 的租约，保证比较期间没有写入
func (e *Engine) CompareDataFast(ctx context.Context, db1, db2, table, keyColumn string) (*compare.DataComparisonResult, error) {
	var result *compare.DataComparisonResult
	attrs := append(pairAttrs(db1, db2), attribute.String("table", table))
	err := e.run(ctx, "compare_data_fast", attrs, []string{db1, db2}, func(ctx context.Context, t *task) error {
		var err error
		l1, l2 := t.lease(db1), t.lease(db2)
		result, err = compare.CompareDataFast(ctx, l1.Conn(),
			compare.AttachTarget{Path: l2.Path(), Key: l2.Key()},
			table, keyColumn, e.options.CompareTimeout)
		return err
	})
	return result, err
}

// TableData 分页读取表数据，limit <= 0 表示读取全部，读超时为 CompareTimeout
func (e *Engine) TableData(ctx context.Context, path, table string, limit, offset int64) (*sqlite.TableData, error) {
	var data *sqlite.TableData
	attrs := append(pathAttrs(path), attribute.String("table", table))
	err := e.run(ctx, "table_data", attrs, []string{path}, func(ctx context.Context, t *task) error {
		timeout := e.options.CompareTimeout
		if timeout <= 0 {
			timeout = compare.DefaultTimeout
		}
		tctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var err error
		data, err = t.lease(path).TableData(tctx, table, limit, offset)
		if err != nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return errors.Wrapf(ErrReadTimeout, "table %s after %s: %v", table, timeout, err)
		}
		return err
	})
	return data, err
}

// History 按时间倒序返回目标库的补丁执行记录，target 为空时返回全部
func (e *Engine) History(target string, limit int) ([]*history.Record, error) {
	if e.journal == nil {
		return nil, ErrNoJournal
	}
	if target != "" {
		target = filepath.Clean(target)
	}
	return e.journal.List(target, limit)
}

func pathAttrs(path string) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String("path", path)}
}

func pairAttrs(db1, db2 string) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String("db1", db1), attribute.String("db2", db2)}
}
