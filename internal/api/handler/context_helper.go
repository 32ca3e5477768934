package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"labflow/internal/model"
	"labflow/internal/service"
	"labflow/pkg/response"
)

// MustGetUserID 从 Gin 上下文中安全提取 user_id。
// 如果 JWT 中间件未正确注入 user_id，返回 false 并写入 401 响应。
// 调用方应在 ok=false 时直接 return。
func MustGetUserID(c *gin.Context) (string, bool) {
	return mustGetString(c, "user_id")
}

// MustGetRole 从 Gin 上下文中安全提取 role。
func MustGetRole(c *gin.Context) (string, bool) {
	return mustGetString(c, "role")
}

// MustGetActor 组装当前请求的用户；相对事件的角色由 Service 层按事件解析
func MustGetActor(c *gin.Context) (service.Actor, bool) {
	userID, ok := MustGetUserID(c)
	if !ok {
		return service.Actor{}, false
	}
	role, ok := MustGetRole(c)
	if !ok {
		return service.Actor{}, false
	}
	u := model.User{UserID: userID, Role: role}
	return service.Actor{UserID: userID, CanOperate: u.CanOperate()}, true
}

// tokenInfo 当前 access token 的 jti 与剩余有效期，登出时写入黑名单
func tokenInfo(c *gin.Context) (string, time.Duration) {
	jti := c.GetString("token_jti")
	exp, ok := c.Get("token_exp")
	if !ok {
		return jti, 0
	}
	t, _ := exp.(time.Time)
	return jti, time.Until(t)
}

func mustGetString(c *gin.Context, key string) (string, bool) {
	v, exists := c.Get(key)
	if !exists {
		response.Unauthorized(c, 10002, "未认证")
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		response.Unauthorized(c, 10002, "未认证")
		return "", false
	}
	return s, true
}
