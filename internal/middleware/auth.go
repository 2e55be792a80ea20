// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"saha-ai-go/internal/model"
	"saha-ai-go/internal/service"
	"saha-ai-go/pkg/log"
	"saha-ai-go/pkg/token"
)

const (
	// ContextUserKey 是 AuthMiddleware 注入 *model.User 使用的 key。
	ContextUserKey = "user"
	// ContextClaimsKey 是 AuthMiddleware 注入 *token.CustomClaims 使用的 key。
	ContextClaimsKey = "claims"

	bearerPrefix = "Bearer "
)

// AuthMiddleware 创建一个 Gin 中间件，用于 JWT 认证。
// 它会从请求头中提取 token，拒绝已登出的 token，并将完整的 User 对象存入 Gin 的上下文中。
func AuthMiddleware(jwtManager *token.JWTManager, userService service.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := BearerToken(c)
		if !ok {
			abortUnauthorized(c, "missing or malformed authorization header")
			return
		}

		claims, err := jwtManager.VerifyToken(tokenString)
		if err != nil || claims.TokenType != token.TypeAccess {
			abortUnauthorized(c, "invalid or expired token")
			return
		}

		revoked, err := userService.IsTokenRevoked(c.Request.Context(), tokenString)
		if err != nil {
			// 黑名单不可用时拒绝请求，不放行可能已登出的 token
			log.Error("AuthMiddleware: failed to check token blacklist", err)
			abortUnauthorized(c, "unable to verify token")
			return
		}
		if revoked {
			abortUnauthorized(c, "token has been revoked")
			return
		}

		user, err := userService.GetProfile(c.Request.Context(), claims.UserID)
		if err != nil {
			// 用户可能已被删除
			abortUnauthorized(c, "user not found")
			return
		}

		c.Set(ContextUserKey, user)
		c.Set(ContextClaimsKey, claims)
		c.Next()
	}
}

// BearerToken 从 Authorization 头中取出 token。
func BearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", false
	}
	tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))
	return tokenString, tokenString != ""
}

// CurrentUser 返回 AuthMiddleware 注入的用户。
func CurrentUser(c *gin.Context) (*model.User, bool) {
	v, exists := c.Get(ContextUserKey)
	if !exists {
		return nil, false
	}
	user, ok := v.(*model.User)
	return user, ok && user != nil
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"code":    http.StatusUnauthorized,
		"message": message,
	})
}
