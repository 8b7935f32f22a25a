package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"escrowchat/internal/api"
	"escrowchat/internal/model"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ErrUnauthenticated 没有凭证、凭证过期或被服务端拒绝；调用方应跳转登录，不重试
var ErrUnauthenticated = errors.New("session: not authenticated")

// AuthClient is the slice of the auth collaborator the resolver needs.
type AuthClient interface {
	Login(ctx context.Context, email, password string) (string, error)
	Me(ctx context.Context) (*model.User, error)
	SetToken(token string)
}

// Resolver 解析当前身份。User 在一次会话内不可变，仅在 Reload 时刷新
type Resolver struct {
	auth   AuthClient
	logger *zap.Logger
	now    func() time.Time

	mu    sync.RWMutex
	token string
	user  *model.User
}

func NewResolver(auth AuthClient, logger *zap.Logger) *Resolver {
	return &Resolver{auth: auth, logger: logger, now: time.Now}
}

// SignIn installs an existing credential, e.g. one handed back by an
// OAuth redirect, and resolves the identity behind it.
func (r *Resolver) SignIn(ctx context.Context, token string) (*model.User, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	if expired(token, r.now()) {
		r.logger.Info("Credential already expired, not calling auth collaborator")
		return nil, ErrUnauthenticated
	}

	r.mu.Lock()
	r.token = token
	r.user = nil
	r.mu.Unlock()
	r.auth.SetToken(token)

	return r.Reload(ctx)
}

// Login 用邮箱密码换取凭证并解析身份
func (r *Resolver) Login(ctx context.Context, email, password string) (*model.User, error) {
	token, err := r.auth.Login(ctx, email, password)
	if err != nil {
		if api.IsUnauthorized(err) {
			return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
		}
		return nil, fmt.Errorf("login: %w", err)
	}
	return r.SignIn(ctx, token)
}

// Reload 重新获取当前身份
func (r *Resolver) Reload(ctx context.Context) (*model.User, error) {
	r.mu.RLock()
	token := r.token
	r.mu.RUnlock()
	if token == "" || expired(token, r.now()) {
		return nil, ErrUnauthenticated
	}

	u, err := r.auth.Me(ctx)
	if err != nil {
		if api.IsUnauthorized(err) {
			r.SignOut()
			return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
		}
		return nil, fmt.Errorf("resolve identity: %w", err)
	}
	if u == nil || u.ID == "" {
		return nil, fmt.Errorf("resolve identity: empty user record")
	}

	r.mu.Lock()
	r.user = u
	r.mu.Unlock()

	r.logger.Info("Session resolved", zap.String("user_id", u.ID))
	return u, nil
}

// Current returns the resolved identity or ErrUnauthenticated.
func (r *Resolver) Current() (model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.user == nil || expired(r.token, r.now()) {
		return model.User{}, ErrUnauthenticated
	}
	return *r.user, nil
}

func (r *Resolver) Token() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.token
}

// SignOut 清除凭证和身份
func (r *Resolver) SignOut() {
	r.mu.Lock()
	r.token = ""
	r.user = nil
	r.mu.Unlock()
	r.auth.SetToken("")
}

// expired decodes the credential without verifying the signature (the
// client has no key) and reports a past exp claim. Opaque or claim-less
// tokens are left for the server to judge.
func expired(token string, now time.Time) bool {
	if token == "" {
		return true
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !now.Before(exp.Time)
}
