// Package auth 签发并校验 HS256 访问令牌。
package auth

import (
	"context"
	"errors"
	"time"

	"custody-ledger/internal/domain/model"
	"custody-ledger/internal/platform/errclass"

	"github.com/golang-jwt/jwt/v5"
)

// Authenticator 由 accounts.Service 实现。
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (*model.User, error)
	Get(ctx context.Context, userID string) (*model.User, error)
}

// Claims 是令牌载荷。
type Claims struct {
	Role model.Role `json:"role"`
	Name string     `json:"name"`
	jwt.RegisteredClaims
}

// Token 是登录/刷新返回给客户端的结构。
type Token struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresAt   int64       `json:"expires_at"`
	User        *model.User `json:"user"`
}

// Issuer 负责登录、刷新与令牌解析。
type Issuer struct {
	users  Authenticator
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(users Authenticator, secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Issuer{users: users, secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Login 校验口令并签发令牌。
func (i *Issuer) Login(ctx context.Context, username, password string) (*Token, error) {
	u, err := i.users.Authenticate(ctx, username, password)
	if err != nil {
		return nil, err
	}
	return i.issue(u)
}

// Refresh 为仍处于启用状态的用户重新签发令牌。
func (i *Issuer) Refresh(ctx context.Context, actor model.Actor) (*Token, error) {
	u, err := i.users.Get(ctx, actor.UserID)
	if err != nil {
		if errors.Is(err, errclass.ErrNotFound) {
			return nil, errclass.ErrUnauthenticated.WithMessage("user no longer exists")
		}
		return nil, err
	}
	if !u.Active {
		return nil, errclass.ErrUnauthenticated.WithMessage("account is deactivated")
	}
	return i.issue(u)
}

// Parse 校验签名与过期时间，返回调用者身份。
func (i *Issuer) Parse(raw string) (model.Actor, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return model.Actor{}, errclass.ErrUnauthenticated.WithMessage("token expired")
		}
		return model.Actor{}, errclass.ErrUnauthenticated.WithMessage("invalid token")
	}
	if claims.Subject == "" || !claims.Role.Valid() {
		return model.Actor{}, errclass.ErrUnauthenticated.WithMessage("invalid token claims")
	}
	return model.Actor{UserID: claims.Subject, Username: claims.Name, Role: claims.Role}, nil
}

// Authorize 校验令牌后按库中当前记录确定调用者：用户被删除或停用即失效，角色以库为准。
func (i *Issuer) Authorize(ctx context.Context, raw string) (model.Actor, error) {
	claimed, err := i.Parse(raw)
	if err != nil {
		return model.Actor{}, err
	}
	u, err := i.users.Get(ctx, claimed.UserID)
	if err != nil {
		if errors.Is(err, errclass.ErrNotFound) {
			return model.Actor{}, errclass.ErrUnauthenticated.WithMessage("user no longer exists")
		}
		return model.Actor{}, err
	}
	if !u.Active {
		return model.Actor{}, errclass.ErrUnauthenticated.WithMessage("account is deactivated")
	}
	return model.Actor{UserID: u.UserID, Username: u.Username, Role: u.Role}, nil
}

func (i *Issuer) issue(u *model.User) (*Token, error) {
	now := i.now()
	exp := now.Add(i.ttl)
	claims := Claims{
		Role: u.Role,
		Name: u.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return nil, err
	}
	return &Token{AccessToken: signed, TokenType: "bearer", ExpiresAt: exp.Unix(), User: u}, nil
}

type actorKey struct{}

// WithActor 把调用者放入 context。
func WithActor(ctx context.Context, a model.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom 取出 context 中的调用者。
func ActorFrom(ctx context.Context) (model.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(model.Actor)
	return a, ok
}
