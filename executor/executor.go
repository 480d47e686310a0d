package executor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/planp1125-pixel/plandb-mvp/log/logger"
)

var ErrExecution = errors.New("patch execution failed")

// Conn 执行补丁所需的最小连接接口，*sql.Conn 和 *sql.Tx 都满足
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Options 执行器配置
type Options struct {
	// BatchSize 每执行多少条语句提交一次
	BatchSize int `cfg:"batchSize" def:"500" validate:"gt=0"`
	// Yield 批次之间的让出时间
	Yield time.Duration `cfg:"yield" def:"10ms" validate:"gte=0"`
}

// SchemaOptions 结构补丁的执行配置
func SchemaOptions() *Options {
	return &Options{BatchSize: 500, Yield: 10 * time.Millisecond}
}

// DataOptions 数据补丁的执行配置
func DataOptions() *Options {
	return &Options{BatchSize: 1000, Yield: 10 * time.Millisecond}
}

// Result 执行结果
type Result struct {
	// Executed 实际执行的语句数，不含被接管的 BEGIN/COMMIT
	Executed int `json:"executed"`
	// Total 脚本中的语句总数
	Total   int `json:"total"`
	Commits int `json:"commits"`
}

// Hooks 批次之间的回调。调用方可以在让出期间归还自己持有的其他资源，
// 数据库连接和租约不受影响
type Hooks struct {
	// BeforeYield 批次提交之后、让出之前调用
	BeforeYield func(ctx context.Context)
	// AfterYield 让出结束后调用，无论等待是否被取消。返回错误时停止执行
	AfterYield func(ctx context.Context) error
}

// ExecError 某条语句执行失败。失败所在批次已回滚，之前提交的批次仍然生效
type ExecError struct {
	// Index 从 1 开始的语句序号
	Index     int
	Total     int
	Statement string
	Cause     error
	// Committed 失败前已经提交的语句数
	Committed int
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("error at statement %d/%d: %v (%d statements committed before failure)\nstatement: %s",
		e.Index, e.Total, e.Cause, e.Committed, e.Statement)
}

func (e *ExecError) Unwrap() []error {
	return []error{ErrExecution, e.Cause}
}

type Executor struct {
	options *Options
	logger  logger.Logger
	metrics *Metrics
}

// NewExecutorWithOptions 创建执行器，logger 和 metrics 可以为 nil
func NewExecutorWithOptions(options *Options, l logger.Logger, metrics *Metrics) (*Executor, error) {
	if options == nil {
		return nil, errors.New("options is nil")
	}
	if options.BatchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d", options.BatchSize)
	}
	if l == nil {
		l = logger.Discard()
	}
	return &Executor{
		options: options,
		logger:  l,
		metrics: metrics,
	}, nil
}

// Execute 按批次事务执行补丁。
// 脚本中的 BEGIN/COMMIT 由执行器接管，PRAGMA foreign_keys 之类的语句会先提交当前事务再在事务外执行。
// 批次内部不响应取消，只在批次之间检查 ctx。
func (e *Executor) Execute(ctx context.Context, conn Conn, text string) (*Result, error) {
	return e.ExecuteWithHooks(ctx, conn, text, Hooks{})
}

// ExecuteWithHooks 与 Execute 相同，每次批次之间的让出前后调用 hooks
func (e *Executor) ExecuteWithHooks(ctx context.Context, conn Conn, text string, hooks Hooks) (*Result, error) {
	stmts := SplitStatements(text)
	r := &run{
		ctx:      context.WithoutCancel(ctx),
		executor: e,
		conn:     conn,
		hooks:    hooks,
		result:   &Result{Total: len(stmts)},
	}

	if err := ctx.Err(); err != nil {
		return r.result, errors.Wrap(err, "patch execution cancelled before start")
	}

	for i, st := range stmts {
		if err := r.step(st); err != nil {
			return r.result, r.fail(i, stmts, err)
		}
		if r.pending >= e.options.BatchSize {
			if err := r.commit(); err != nil {
				return r.result, r.fail(i, stmts, err)
			}
			if i < len(stmts)-1 {
				if err := r.yield(ctx); err != nil {
					return r.result, r.fail(i+1, stmts, err)
				}
			}
		}
	}

	if err := r.commit(); err != nil {
		return r.result, r.fail(len(stmts)-1, stmts, err)
	}

	e.logger.InfoContext(ctx, "patch applied",
		"executed", r.result.Executed,
		"total", r.result.Total,
		"commits", r.result.Commits,
	)
	return r.result, nil
}

// run 一次执行的事务状态
type run struct {
	ctx      context.Context
	executor *Executor
	conn     Conn
	hooks    Hooks
	result   *Result

	inTx       bool
	pending    int
	committed  int
	batchStart time.Time
}

func (r *run) step(st Statement) error {
	switch st.Kind {
	case KindBegin:
		if r.inTx {
			return nil
		}
		return r.begin()
	case KindCommit:
		return r.commit()
	case KindRollback:
		r.rollback()
		return nil
	case KindNoTx:
		if err := r.commit(); err != nil {
			return err
		}
		if err := r.exec(st); err != nil {
			return err
		}
		r.committed++
		return nil
	default:
		if !r.inTx {
			if err := r.begin(); err != nil {
				return err
			}
		}
		if err := r.exec(st); err != nil {
			return err
		}
		r.pending++
		return nil
	}
}

func (r *run) exec(st Statement) error {
	if _, err := r.conn.ExecContext(r.ctx, st.Text); err != nil {
		return err
	}
	r.result.Executed++
	if m := r.executor.metrics; m != nil {
		m.statements.WithLabelValues(st.Kind.String()).Inc()
	}
	return nil
}

func (r *run) begin() error {
	if _, err := r.conn.ExecContext(r.ctx, "BEGIN IMMEDIATE"); err != nil {
		return errors.Wrap(err, "begin transaction failed")
	}
	r.inTx = true
	r.batchStart = time.Now()
	return nil
}

func (r *run) commit() error {
	if !r.inTx {
		return nil
	}
	if _, err := r.conn.ExecContext(r.ctx, "COMMIT"); err != nil {
		return errors.Wrap(err, "commit transaction failed")
	}
	r.inTx = false
	r.committed += r.pending
	r.result.Commits++

	r.executor.logger.DebugContext(r.ctx, "batch committed",
		"statements", r.pending,
		"committed", r.committed,
		"duration_ms", time.Since(r.batchStart).Milliseconds(),
	)
	if m := r.executor.metrics; m != nil {
		m.commits.Inc()
		m.batchDuration.Observe(time.Since(r.batchStart).Seconds())
	}
	r.pending = 0
	return nil
}

func (r *run) rollback() {
	if !r.inTx {
		return
	}
	if _, err := r.conn.ExecContext(r.ctx, "ROLLBACK"); err != nil {
		r.executor.logger.WarnContext(r.ctx, "rollback failed", "error", err.Error())
	}
	r.inTx = false
	r.pending = 0
}

// yield 批次之间短暂让出，期间不持有事务
func (r *run) yield(ctx context.Context) error {
	if r.hooks.BeforeYield != nil {
		r.hooks.BeforeYield(ctx)
	}
	err := r.wait(ctx)
	if r.hooks.AfterYield != nil {
		if herr := r.hooks.AfterYield(ctx); err == nil {
			err = herr
		}
	}
	return err
}

func (r *run) wait(ctx context.Context) error {
	if r.executor.options.Yield <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(r.executor.options.Yield)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *run) fail(i int, stmts []Statement, cause error) error {
	r.rollback()

	text := ""
	if i >= 0 && i < len(stmts) {
		text = stmts[i].Text
	}
	err := &ExecError{
		Index:     i + 1,
		Total:     len(stmts),
		Statement: text,
		Cause:     cause,
		Committed: r.committed,
	}

	if m := r.executor.metrics; m != nil {
		m.failures.Inc()
	}
	r.executor.logger.WarnContext(r.ctx, "patch execution failed",
		"index", err.Index,
		"total", err.Total,
		"committed", err.Committed,
		"error", cause.Error(),
	)
	return err
}
