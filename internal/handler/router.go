package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"saha-ai-go/internal/middleware"
	"saha-ai-go/internal/service"
	"saha-ai-go/pkg/token"
)

// Services 汇总路由需要的业务服务。
type Services struct {
	User         service.UserService
	Chat         service.ChatService
	Conversation service.ConversationService
}

// NewRouter 创建路由引擎并注册全部路由。
func NewRouter(jwtManager *token.JWTManager, svc Services) *gin.Engine {
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	// 登录、注册和刷新接口的请求体包含密码或 token，不记录
	r.Use(middleware.RequestLogger("/api/v1/users/register", "/api/v1/users/login", "/api/v1/auth"), gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	userHandler := NewUserHandler(svc.User)
	authMiddleware := middleware.AuthMiddleware(jwtManager, svc.User)

	apiV1 := r.Group("/api/v1")
	{
		auth := apiV1.Group("/auth")
		{
			auth.POST("/refreshToken", NewAuthHandler(svc.User).RefreshToken)
		}

		users := apiV1.Group("/users")
		{
			// 无需认证的路由 (公开访问)
			users.POST("/register", userHandler.Register)
			users.POST("/login", userHandler.Login)

			// 需要认证的路由 (仅限登录用户访问)
			authed := users.Group("")
			authed.Use(authMiddleware)
			{
				authed.GET("/me", userHandler.GetProfile)
				authed.POST("/logout", userHandler.Logout)
			}
		}

		chat := apiV1.Group("/chat")
		chat.Use(authMiddleware)
		NewChatHandler(svc.Chat, svc.Conversation).RegisterRoutes(chat)
	}
	return r
}
