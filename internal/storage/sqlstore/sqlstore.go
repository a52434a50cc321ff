// Package sqlstore 使用 database/sql 实现工作流与执行记录的持久化，
// 支持 MySQL 与 SQLite 两种方言。记录以 JSON 形式保存在 payload 列中，
// 过滤与排序所需的字段单独成列。
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"math"
	"strings"
	"time"

	xerrors "MAHA-Orchestrator/internal/errors"
	"MAHA-Orchestrator/internal/store"
	"MAHA-Orchestrator/internal/workflow"
)

// Store 实现 store.Store。
type Store struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// Open 建立连接并执行迁移。
func Open(ctx context.Context, cfg Config) (*Store, error) {
	d, err := dialectFor(strings.ToLower(strings.TrimSpace(cfg.Driver)))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "不支持的存储驱动")
	}
	db, err := openDatabase(ctx, d, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开数据库失败")
	}
	s := &Store{db: db, dialect: d, now: time.Now}
	if err := s.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
	}
	return s, nil
}

// Driver 返回方言名称。
func (s *Store) Driver() string {
	return s.dialect.name
}

// SaveWorkflow 实现 store.Store 接口。
func (s *Store) SaveWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	if err := store.CheckWorkflow(wf); err != nil {
		return err
	}
	payload, err := json.Marshal(wf)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码工作流失败")
	}
	const stmt = `INSERT INTO workflows (id, name, execution_mode, created_at, payload) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt, wf.ID, wf.Name, string(wf.ExecutionMode), wf.CreatedAt, string(payload)); err != nil {
		if s.dialect.duplicate(err) {
			return store.WorkflowConflict(wf.ID)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入工作流失败")
	}
	return nil
}

// GetWorkflow 实现 store.Store 接口。
func (s *Store) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM workflows WHERE id = ?`, id).Scan(&payload)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, store.WorkflowNotFound(id)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工作流失败")
	}
	return decodeWorkflow(payload)
}

// ListWorkflows 实现 store.Store 接口。
func (s *Store) ListWorkflows(ctx context.Context, opts ...store.ListOption) ([]*workflow.Workflow, error) {
	options := store.BuildListOptions(opts)
	query := `SELECT payload FROM workflows ORDER BY seq ` + direction(options.Order) + ` LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, limit(options), options.Offset)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工作流列表失败")
	}
	defer rows.Close()

	var results []*workflow.Workflow
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取工作流失败")
		}
		wf, err := decodeWorkflow(payload)
		if err != nil {
			return nil, err
		}
		results = append(results, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历工作流失败")
	}
	return results, nil
}

// SaveExecution 实现 store.Store 接口。读取现有状态与写入在同一事务内完成，
// 终态记录不会被覆盖。
func (s *Store) SaveExecution(ctx context.Context, exec *workflow.Execution) error {
	if err := store.CheckExecution(exec); err != nil {
		return err
	}
	payload, err := json.Marshal(exec)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码执行记录失败")
	}

	err = s.saveExecution(ctx, exec, payload)
	if err != nil && s.dialect.duplicate(err) {
		// 并发首次保存时另一方已插入，重新按更新路径执行。
		err = s.saveExecution(ctx, exec, payload)
	}
	if err == nil {
		return nil
	}
	if _, coded := xerrors.From(err); coded {
		return err
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存执行记录失败")
}

func (s *Store) saveExecution(ctx context.Context, exec *workflow.Execution, payload []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`+s.dialect.forUpdate, exec.ID).Scan(&status)
	now := s.now().UnixMilli()
	switch {
	case stdErrors.Is(err, sql.ErrNoRows):
		const insert = `INSERT INTO executions (id, workflow_id, status, started_at, completed_at, updated_at, payload)
        VALUES (?, ?, ?, ?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, insert, exec.ID, exec.WorkflowID, string(exec.Status),
			exec.StartedAt, exec.CompletedAt, now, string(payload)); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if existing := workflow.Status(status); existing.Terminal() {
			return store.ExecutionFinalized(exec.ID, existing)
		}
		const update = `UPDATE executions SET workflow_id = ?, status = ?, started_at = ?, completed_at = ?, updated_at = ?, payload = ?
        WHERE id = ?`
		if _, err := tx.ExecContext(ctx, update, exec.WorkflowID, string(exec.Status),
			exec.StartedAt, exec.CompletedAt, now, string(payload), exec.ID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetExecution 实现 store.Store 接口。
func (s *Store) GetExecution(ctx context.Context, id string) (*workflow.Execution, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM executions WHERE id = ?`, id).Scan(&payload)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, store.ExecutionNotFound(id)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行记录失败")
	}
	return decodeExecution(payload)
}

// ListExecutions 实现 store.Store 接口。
func (s *Store) ListExecutions(ctx context.Context, opts ...store.ListOption) ([]*workflow.Execution, error) {
	options := store.BuildListOptions(opts)
	where, args := filters(options)
	query := `SELECT payload FROM executions` + where + ` ORDER BY seq ` + direction(options.Order) + ` LIMIT ? OFFSET ?`
	args = append(args, limit(options), options.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行记录列表失败")
	}
	defer rows.Close()

	var results []*workflow.Execution
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取执行记录失败")
		}
		exec, err := decodeExecution(payload)
		if err != nil {
			return nil, err
		}
		results = append(results, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历执行记录失败")
	}
	return results, nil
}

// ExecutionStats 实现 store.Store 接口。
func (s *Store) ExecutionStats(ctx context.Context, opts ...store.ListOption) (store.Stats, error) {
	options := store.BuildListOptions(opts)
	where, args := filters(options)
	query := `SELECT status, COUNT(*), MIN(started_at), MAX(started_at) FROM executions` + where + ` GROUP BY status`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return store.Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计执行记录失败")
	}
	defer rows.Close()

	var stats store.Stats
	for rows.Next() {
		var (
			status           string
			count            int
			oldest, youngest int64
		)
		if err := rows.Scan(&status, &count, &oldest, &youngest); err != nil {
			return store.Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取统计结果失败")
		}
		stats.Total += count
		switch workflow.Status(status) {
		case workflow.StatusRunning:
			stats.Running += count
		case workflow.StatusCompleted:
			stats.Completed += count
		case workflow.StatusFailed:
			stats.Failed += count
		}
		if stats.OldestStartedAt == 0 || oldest < stats.OldestStartedAt {
			stats.OldestStartedAt = oldest
		}
		if youngest > stats.NewestStartedAt {
			stats.NewestStartedAt = youngest
		}
	}
	if err := rows.Err(); err != nil {
		return store.Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历统计结果失败")
	}
	return stats, nil
}

// Close 关闭连接池。
func (s *Store) Close() error {
	return s.db.Close()
}

func filters(opts store.ListOptions) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if opts.WorkflowID != "" {
		clauses = append(clauses, "workflow_id = ?")
		args = append(args, opts.WorkflowID)
	}
	if opts.StartedGTE > 0 {
		clauses = append(clauses, "started_at >= ?")
		args = append(args, opts.StartedGTE)
	}
	if len(opts.Statuses) > 0 {
		marks := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			marks[i] = "?"
			args = append(args, string(status))
		}
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", strings.Join(marks, ", ")))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func direction(order store.SortOrder) string {
	if order == store.SortNewestFirst {
		return "DESC"
	}
	return "ASC"
}

func limit(opts store.ListOptions) int {
	if opts.Limit > 0 {
		return opts.Limit
	}
	return math.MaxInt32
}

func decodeWorkflow(payload []byte) (*workflow.Workflow, error) {
	var wf workflow.Workflow
	if err := json.Unmarshal(payload, &wf); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析工作流失败")
	}
	return &wf, nil
}

func decodeExecution(payload []byte) (*workflow.Execution, error) {
	var exec workflow.Execution
	if err := json.Unmarshal(payload, &exec); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行记录失败")
	}
	return &exec, nil
}

var _ store.Store = (*Store)(nil)
