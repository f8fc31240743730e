package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"custody-ledger/internal/domain/model"
)

const userColumns = `
	user_id, username, email, full_name, password_hash, role,
	is_active, created_at, updated_at, COALESCE(last_login_at, 0)
`

// InsertUser 写入新用户。用户名或邮箱重复时返回 Conflict。
func (s *queries) InsertUser(ctx context.Context, u model.User) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO users(
			user_id, username, email, full_name, password_hash, role,
			is_active, created_at, updated_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, u.UserID, u.Username, u.Email, u.FullName, u.PasswordHash, string(u.Role),
		boolToInt(u.Active), u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return mapConstraint(fmt.Errorf("insert user: %w", err))
	}
	return nil
}

// UpdateUser 更新用户可变字段（用户名不可改）。
func (s *queries) UpdateUser(ctx context.Context, u model.User) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE users
		SET email = ?, full_name = ?, password_hash = ?, role = ?, is_active = ?, updated_at = ?
		WHERE user_id = ?
	`, u.Email, u.FullName, u.PasswordHash, string(u.Role), boolToInt(u.Active), u.UpdatedAt, u.UserID)
	if err != nil {
		return mapConstraint(fmt.Errorf("update user: %w", err))
	}
	return nil
}

// TouchLastLogin 记录最后登录时间。
func (s *queries) TouchLastLogin(ctx context.Context, userID string, at int64) error {
	if _, err := s.q.ExecContext(ctx, `UPDATE users SET last_login_at = ? WHERE user_id = ?`, at, userID); err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}

// GetUser 按 ID 查询用户；不存在返回 nil, nil。
func (s *queries) GetUser(ctx context.Context, userID string) (*model.User, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = ? LIMIT 1`, userID)
	return scanUser(row)
}

// GetUserByUsername 按用户名查询用户；不存在返回 nil, nil。
func (s *queries) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ? LIMIT 1`, username)
	return scanUser(row)
}

// ListUsers 返回用户列表，按用户名排序。
func (s *queries) ListUsers(ctx context.Context, activeOnly bool) ([]model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY username ASC`

	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	out := []model.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return out, nil
}

// CountUsers 返回用户总数（含停用）。
func (s *queries) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	var u model.User
	var role string
	var active int
	if err := row.Scan(
		&u.UserID,
		&u.Username,
		&u.Email,
		&u.FullName,
		&u.PasswordHash,
		&role,
		&active,
		&u.CreatedAt,
		&u.UpdatedAt,
		&u.LastLoginAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.Role = model.Role(role)
	u.Active = active == 1
	return &u, nil
}
