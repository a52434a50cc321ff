package sqlstore

import (
	"bufio"
	"context"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"MAHA-Orchestrator/deploy/migrations"
	xerrors "MAHA-Orchestrator/internal/errors"
	"MAHA-Orchestrator/pkg/logger"
)

const createVersionTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`

// migration 是一个按版本号排序的 SQL 文件。
type migration struct {
	version    string
	file       string
	statements []string
}

// runMigrations 依次执行尚未记录在 schema_migrations 中的迁移。
func (s *Store) runMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createVersionTable); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 schema_migrations 表失败")
	}
	done, err := s.appliedVersions(ctx)
	if err != nil {
		return err
	}
	dir, err := migrations.Dialect(s.dialect.name)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "加载迁移文件失败")
	}
	all, err := readMigrations(dir)
	if err != nil {
		return err
	}

	log := logger.Named("sqlstore")
	for _, m := range all {
		if done[m.version] {
			continue
		}
		if err := s.apply(ctx, m); err != nil {
			return err
		}
		log.Info("已应用数据库迁移", "dialect", s.dialect.name, "version", m.version, "file", m.file)
	}
	return nil
}

func (s *Store) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 schema_migrations 失败")
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 schema_migrations 失败")
		}
		done[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 schema_migrations 失败")
	}
	return done, nil
}

// apply 在单个事务内执行迁移并登记版本号。
func (s *Store) apply(ctx context.Context, m migration) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启迁移事务失败")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i, stmt := range m.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行迁移语句失败",
				xerrors.WithMetadata("file", m.file),
				xerrors.WithMetadata("statement", strings.TrimSpace(strings.SplitN(stmt, "\n", 2)[0])),
				xerrors.WithMetadata("index", strconv.Itoa(i)))
		}
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
		m.version, time.Now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录迁移版本失败",
			xerrors.WithMetadata("version", m.version))
	}
	if err = tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交迁移事务失败")
	}
	return nil
}

func readMigrations(dir fs.FS) ([]migration, error) {
	names, err := fs.Glob(dir, "*.sql")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移目录失败")
	}
	out := make([]migration, 0, len(names))
	for _, name := range names {
		raw, err := fs.ReadFile(dir, name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移文件失败",
				xerrors.WithMetadata("file", name))
		}
		stmts := splitSQLStatements(string(raw))
		if len(stmts) == 0 {
			continue
		}
		out = append(out, migration{version: parseMigrationVersion(name), file: name, statements: stmts})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].version != out[j].version {
			return out[i].version < out[j].version
		}
		return out[i].file < out[j].file
	})
	return out, nil
}

// splitSQLStatements 按分号切分脚本，丢弃 "--" 注释行与空语句。
func splitSQLStatements(content string) []string {
	var b strings.Builder
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	var stmts []string
	for _, part := range strings.Split(b.String(), ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

// parseMigrationVersion 取文件名中第一个 "_" 之前的部分，例如 0001_init.sql -> 0001。
func parseMigrationVersion(name string) string {
	base := path.Base(name)
	if i := strings.IndexByte(base, '_'); i > 0 {
		return base[:i]
	}
	return strings.TrimSuffix(base, path.Ext(base))
}
