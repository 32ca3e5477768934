package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"labflow/internal/dto"
	"labflow/internal/model"
	"labflow/pkg/jwt"
)

// ── Mock TokenBlacklist ──

type mockBlacklist struct {
	mu   sync.Mutex
	jtis map[string]time.Duration
}

func newMockBlacklist() *mockBlacklist {
	return &mockBlacklist{jtis: make(map[string]time.Duration)}
}

func (b *mockBlacklist) BlacklistToken(_ context.Context, jti string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jtis[jti] = ttl
	return nil
}

func (b *mockBlacklist) IsBlacklisted(_ context.Context, jti string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.jtis[jti]
	return ok, nil
}

// ── 测试辅助 ──

func setupTestAuthService() (AuthService, *memStore, *mockBlacklist, *jwt.Manager) {
	cfg := testConfig()
	cfg.Auth.AccessTokenTTL = 15 * time.Minute
	m := newMemStore()
	bl := newMockBlacklist()
	jwtMgr := jwt.NewManager(&cfg.Auth)
	svc := NewAuthService(cfg, m.repo(), jwtMgr, bl, zap.NewNop())
	return svc, m, bl, jwtMgr
}

func createTestUser(m *memStore, email, password, role string) *model.User {
	hash, _ := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	user := &model.User{
		UserID:       "user-" + email,
		Name:         "测试用户",
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
	}
	_ = m.repo().User.Create(context.Background(), user)
	return user
}

// ── Login 测试 ──

func TestLogin_Success(t *testing.T) {
	svc, m, _, _ := setupTestAuthService()
	createTestUser(m, "tech@lab.test", "password123", model.RoleOperator)

	result, err := svc.Login(context.Background(), &dto.LoginRequest{
		Email:    "TECH@lab.test",
		Password: "password123",
	})

	if err != nil {
		t.Fatalf("Login 应成功，但返回错误: %v", err)
	}
	if result.AccessToken == "" || result.RefreshToken == "" {
		t.Error("Token 不应为空")
	}
	if !result.User.CanOperate {
		t.Error("operator 应具备审核能力")
	}
	if result.ExpiresIn != 900 {
		t.Errorf("期望 ExpiresIn=900，实际=%d", result.ExpiresIn)
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	svc, m, _, _ := setupTestAuthService()
	createTestUser(m, "prof@lab.test", "password123", model.RoleTeacher)

	_, err := svc.Login(context.Background(), &dto.LoginRequest{
		Email:    "prof@lab.test",
		Password: "wrong_password",
	})

	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("期望 ErrInvalidCredentials，实际: %v", err)
	}
}

func TestLogin_UserNotFound(t *testing.T) {
	svc, _, _, _ := setupTestAuthService()

	_, err := svc.Login(context.Background(), &dto.LoginRequest{
		Email:    "nobody@lab.test",
		Password: "password123",
	})

	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("期望 ErrInvalidCredentials，实际: %v", err)
	}
}

// ── Refresh 测试 ──

func TestRefresh_RotatesAndRevokesOld(t *testing.T) {
	svc, m, bl, jwtMgr := setupTestAuthService()
	createTestUser(m, "prof@lab.test", "password123", model.RoleTeacher)
	ctx := context.Background()

	login, err := svc.Login(ctx, &dto.LoginRequest{Email: "prof@lab.test", Password: "password123"})
	if err != nil {
		t.Fatalf("Login 失败: %v", err)
	}

	result, err := svc.Refresh(ctx, &dto.RefreshTokenRequest{RefreshToken: login.RefreshToken})
	if err != nil {
		t.Fatalf("Refresh 应成功: %v", err)
	}
	if result.AccessToken == "" {
		t.Error("新 AccessToken 不应为空")
	}

	old, _ := jwtMgr.ParseToken(login.RefreshToken)
	if ok, _ := bl.IsBlacklisted(ctx, old.ID); !ok {
		t.Error("旧 refresh token 应进入黑名单")
	}

	// 旧 token 不能再次使用
	if _, err := svc.Refresh(ctx, &dto.RefreshTokenRequest{RefreshToken: login.RefreshToken}); !errors.Is(err, ErrTokenRevoked) {
		t.Errorf("期望 ErrTokenRevoked，实际: %v", err)
	}
}

func TestRefresh_AccessTokenNotAllowed(t *testing.T) {
	svc, m, _, _ := setupTestAuthService()
	createTestUser(m, "prof@lab.test", "password123", model.RoleTeacher)

	login, _ := svc.Login(context.Background(), &dto.LoginRequest{Email: "prof@lab.test", Password: "password123"})

	// 使用 access token 尝试刷新（应拒绝）
	_, err := svc.Refresh(context.Background(), &dto.RefreshTokenRequest{RefreshToken: login.AccessToken})
	if !errors.Is(err, jwt.ErrWrongTokenType) {
		t.Errorf("期望 ErrWrongTokenType，实际: %v", err)
	}
}

func TestRefresh_InvalidToken(t *testing.T) {
	svc, _, _, _ := setupTestAuthService()

	_, err := svc.Refresh(context.Background(), &dto.RefreshTokenRequest{RefreshToken: "invalid.token.string"})
	if !errors.Is(err, jwt.ErrTokenInvalid) {
		t.Errorf("期望 ErrTokenInvalid，实际: %v", err)
	}
}

// ── Logout / Me 测试 ──

func TestLogout_RevokesBothTokens(t *testing.T) {
	svc, m, bl, jwtMgr := setupTestAuthService()
	createTestUser(m, "prof@lab.test", "password123", model.RoleTeacher)
	ctx := context.Background()

	login, _ := svc.Login(ctx, &dto.LoginRequest{Email: "prof@lab.test", Password: "password123"})
	access, _ := jwtMgr.ParseToken(login.AccessToken)
	refresh, _ := jwtMgr.ParseToken(login.RefreshToken)

	if err := svc.Logout(ctx, access.ID, access.Remaining(), &dto.LogoutRequest{RefreshToken: login.RefreshToken}); err != nil {
		t.Fatalf("Logout 失败: %v", err)
	}
	for _, jti := range []string{access.ID, refresh.ID} {
		if ok, _ := bl.IsBlacklisted(ctx, jti); !ok {
			t.Errorf("%s 应进入黑名单", jti)
		}
	}
}

func TestLogout_WithoutBlacklist(t *testing.T) {
	cfg := testConfig()
	svc := NewAuthService(cfg, newMemStore().repo(), jwt.NewManager(&cfg.Auth), nil, zap.NewNop())
	if err := svc.Logout(context.Background(), "jti", time.Minute, nil); err != nil {
		t.Errorf("未启用黑名单时登出不应报错: %v", err)
	}
}

func TestMe(t *testing.T) {
	svc, m, _, _ := setupTestAuthService()
	u := createTestUser(m, "prof@lab.test", "password123", model.RoleTeacher)

	got, err := svc.Me(context.Background(), u.UserID)
	if err != nil {
		t.Fatalf("Me 失败: %v", err)
	}
	if got.Email != "prof@lab.test" || got.CanOperate {
		t.Errorf("用户信息错误: %+v", got)
	}

	if _, err := svc.Me(context.Background(), "missing"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("期望 ErrUserNotFound，实际: %v", err)
	}
}
