package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"custody-ledger/internal/platform/errclass"

	sqlitedrv "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// querier 是 *sql.DB 与 *sql.Tx 的公共子集，查询方法对二者通用。
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q querier
}

// Store 封装与 SQLite 的读写逻辑。
type Store struct {
	queries
	db *sql.DB
}

// Tx 是事务内的存储视图，拥有与 Store 相同的查询方法。
type Tx struct {
	queries
}

func NewStore(db *sql.DB) *Store {
	return &Store{queries: queries{q: db}, db: db}
}

// DB 返回底层连接（CLI 校验等只读场景使用）。
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx 在单个事务中执行 fn；fn 返回错误时回滚，否则提交。
// fn 内只能通过 tx 访问数据库。
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(&Tx{queries: queries{q: sqlTx}}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return mapConstraint(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// GetSchemaMetaValue 查询 schema_meta 表指定 key 的 value。
func (s *queries) GetSchemaMetaValue(ctx context.Context, key string) (string, error) {
	var v string
	err := s.q.QueryRowContext(ctx, `
		SELECT value
		FROM schema_meta
		WHERE key = ?
		LIMIT 1
	`, key).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("query schema_meta %s: %w", key, err)
	}
	return v, nil
}

// isUniqueViolation 判断错误是否为唯一约束冲突。
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlitedrv.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// mapConstraint 把唯一约束冲突归类为 Conflict，其余错误原样返回。
func mapConstraint(err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", errclass.ErrConflict, err)
	}
	return err
}

// SQLite 中没有布尔类型，统一转 0/1 存储。
func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// 空字符串按 NULL 写入，避免无意义空值污染查询条件。
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// 0 时间戳按 NULL 写入。
func nullIfZero(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

// clampPage 统一分页参数。
func clampPage(limit, offset, def, max int) (int, int) {
	if limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
