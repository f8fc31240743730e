// Package accounts 管理系统用户。密码使用 bcrypt 存储。
package accounts

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	sqliteadapter "custody-ledger/internal/adapters/store/sqlite"
	"custody-ledger/internal/domain/model"
	"custody-ledger/internal/platform/errclass"
	"custody-ledger/internal/platform/id"
	"custody-ledger/internal/platform/logging"

	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLen 是口令最短长度。
const MinPasswordLen = 8

// Service 提供用户增改查与停用。
type Service struct {
	store *sqliteadapter.Store
	log   logging.Logger
	now   func() time.Time
	cost  int
}

func New(store *sqliteadapter.Store, log logging.Logger) *Service {
	if log == nil {
		log = logging.Nop{}
	}
	return &Service{store: store, log: log, now: time.Now, cost: bcrypt.DefaultCost}
}

// CreateInput 是创建用户的输入。
type CreateInput struct {
	Username string     `json:"username"`
	Email    string     `json:"email"`
	FullName string     `json:"full_name"`
	Password string     `json:"password"`
	Role     model.Role `json:"role"`
}

// Patch 是用户部分更新；nil 字段保持不变。
type Patch struct {
	Email    *string     `json:"email,omitempty"`
	FullName *string     `json:"full_name,omitempty"`
	Password *string     `json:"password,omitempty"`
	Role     *model.Role `json:"role,omitempty"`
	Active   *bool       `json:"is_active,omitempty"`
}

// Create 新建用户，需要 manage_users。
func (s *Service) Create(ctx context.Context, actor model.Actor, in CreateInput) (*model.User, error) {
	if !actor.Can(model.CapManageUsers) {
		return nil, errclass.ErrPermissionDenied.WithMessage("manage_users capability required")
	}
	return s.create(ctx, in)
}

// Bootstrap 在用户表为空时创建首个管理员；已有用户时返回 Conflict。
func (s *Service) Bootstrap(ctx context.Context, username, password string) (*model.User, error) {
	n, err := s.store.CountUsers(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, errclass.ErrConflict.WithMessage("users already exist")
	}
	return s.create(ctx, CreateInput{
		Username: username,
		Email:    strings.TrimSpace(username) + "@localhost",
		FullName: "Administrator",
		Password: password,
		Role:     model.RoleAdmin,
	})
}

func (s *Service) create(ctx context.Context, in CreateInput) (*model.User, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	in.FullName = strings.TrimSpace(in.FullName)
	if in.Username == "" {
		return nil, errclass.ErrInvalidArgument.WithMessage("username is required")
	}
	if in.Role == "" {
		in.Role = model.RoleInvestigator
	}
	if !in.Role.Valid() {
		return nil, errclass.ErrInvalidArgument.WithMessagef("unknown role %q", in.Role)
	}
	if err := validEmail(in.Email); err != nil {
		return nil, err
	}
	hash, err := s.hash(in.Password)
	if err != nil {
		return nil, err
	}
	if in.FullName == "" {
		in.FullName = in.Username
	}

	now := s.now().Unix()
	u := model.User{
		UserID:       id.New("usr"),
		Username:     in.Username,
		Email:        in.Email,
		FullName:     in.FullName,
		PasswordHash: hash,
		Role:         in.Role,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.InsertUser(ctx, u); err != nil {
		return nil, err
	}
	s.log.Info("user created", map[string]string{"user_id": u.UserID, "username": u.Username, "role": string(u.Role)})
	return &u, nil
}

// Update 修改用户资料，需要 manage_users。本人不能停用自己。
func (s *Service) Update(ctx context.Context, actor model.Actor, userID string, p Patch) (*model.User, error) {
	if !actor.Can(model.CapManageUsers) {
		return nil, errclass.ErrPermissionDenied.WithMessage("manage_users capability required")
	}
	if p.Active != nil && !*p.Active && userID == actor.UserID {
		return nil, errclass.ErrInvalidArgument.WithMessage("cannot deactivate yourself")
	}

	var out *model.User
	err := s.store.WithTx(ctx, func(tx *sqliteadapter.Tx) error {
		u, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if u == nil {
			return errclass.ErrNotFound.WithMessagef("user %s", userID)
		}
		if p.Email != nil {
			email := strings.TrimSpace(*p.Email)
			if err := validEmail(email); err != nil {
				return err
			}
			u.Email = email
		}
		if p.FullName != nil {
			if name := strings.TrimSpace(*p.FullName); name != "" {
				u.FullName = name
			}
		}
		if p.Role != nil {
			if !p.Role.Valid() {
				return errclass.ErrInvalidArgument.WithMessagef("unknown role %q", *p.Role)
			}
			u.Role = *p.Role
		}
		if p.Password != nil {
			hash, err := s.hash(*p.Password)
			if err != nil {
				return err
			}
			u.PasswordHash = hash
		}
		if p.Active != nil {
			u.Active = *p.Active
		}
		u.UpdatedAt = s.now().Unix()
		if err := tx.UpdateUser(ctx, *u); err != nil {
			return err
		}
		out = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Deactivate 停用用户。用户记录保留，保管链中的历史引用保持有效。
func (s *Service) Deactivate(ctx context.Context, actor model.Actor, userID string) (*model.User, error) {
	inactive := false
	return s.Update(ctx, actor, userID, Patch{Active: &inactive})
}

// Get 返回用户；不存在返回 NotFound。
func (s *Service) Get(ctx context.Context, userID string) (*model.User, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, errclass.ErrNotFound.WithMessagef("user %s", userID)
	}
	return u, nil
}

func (s *Service) List(ctx context.Context, activeOnly bool) ([]model.User, error) {
	return s.store.ListUsers(ctx, activeOnly)
}

// Authenticate 校验用户名口令并记录登录时间。
// 用户不存在与口令错误返回同一错误，避免枚举用户名。
func (s *Service) Authenticate(ctx context.Context, username, password string) (*model.User, error) {
	u, err := s.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return nil, err
	}
	if u == nil || !CheckPassword(u.PasswordHash, password) {
		return nil, errclass.ErrUnauthenticated.WithMessage("invalid username or password")
	}
	if !u.Active {
		return nil, errclass.ErrUnauthenticated.WithMessage("account is deactivated")
	}
	now := s.now().Unix()
	if err := s.store.TouchLastLogin(ctx, u.UserID, now); err != nil {
		return nil, err
	}
	u.LastLoginAt = now
	return u, nil
}

func (s *Service) hash(password string) (string, error) {
	if len(password) < MinPasswordLen {
		return "", errclass.ErrInvalidArgument.WithMessagef("password must be at least %d characters", MinPasswordLen)
	}
	raw, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", errclass.ErrInvalidArgument.WithMessage("password too long")
		}
		return "", err
	}
	return string(raw), nil
}

// CheckPassword 比较 bcrypt 哈希与明文口令。
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func validEmail(email string) error {
	if email == "" {
		return errclass.ErrInvalidArgument.WithMessage("email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return errclass.ErrInvalidArgument.WithMessagef("invalid email %q", email)
	}
	return nil
}
