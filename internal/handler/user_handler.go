// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"saha-ai-go/internal/middleware"
	"saha-ai-go/internal/service"
	"saha-ai-go/pkg/log"
)

// UserHandler 负责处理注册、登录、个人信息和登出请求。
type UserHandler struct {
	userService service.UserService
}

// NewUserHandler 创建一个新的 UserHandler 实例。
func NewUserHandler(userService service.UserService) *UserHandler {
	return &UserHandler{userService: userService}
}

// CredentialsRequest 定义了注册和登录 API 的请求体结构。
type CredentialsRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// ProfileResponse 定义了获取用户个人信息 API 的响应体结构。
type ProfileResponse struct {
	ID        uint      `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt"`
}

// Register 处理用户注册请求。
func (h *UserHandler) Register(c *gin.Context) {
	var req CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Register: Invalid request payload, error: %v", err)
		writeError(c, http.StatusBadRequest, "username and password are required")
		return
	}

	user, err := h.userService.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrUsernameTaken) {
			writeError(c, http.StatusConflict, "username already exists")
			return
		}
		respondError(c, "Register", err)
		return
	}

	log.Infof("User '%s' registered successfully", user.Username)
	c.JSON(http.StatusCreated, gin.H{
		"code":    http.StatusCreated,
		"message": "User registered successfully",
		"data":    ProfileResponse{ID: user.ID, Username: user.Username, CreatedAt: user.CreatedAt},
	})
}

// Login 处理用户登录请求。
func (h *UserHandler) Login(c *gin.Context) {
	var req CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Login: Invalid request payload, error: %v", err)
		writeError(c, http.StatusBadRequest, "username and password are required")
		return
	}

	tokens, err := h.userService.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			log.Warnf("Login: authentication failed for '%s'", req.Username)
			writeError(c, http.StatusUnauthorized, "invalid credentials")
			return
		}
		respondError(c, "Login", err)
		return
	}

	log.Infof("User '%s' logged in successfully", req.Username)
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "Login successful",
		"data":    tokens,
	})
}

// GetProfile 获取当前登录用户的个人信息，用户已由 AuthMiddleware 注入上下文。
func (h *UserHandler) GetProfile(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    ProfileResponse{ID: user.ID, Username: user.Username, CreatedAt: user.CreatedAt},
	})
}

// Logout 将当前 access token 加入黑名单。
func (h *UserHandler) Logout(c *gin.Context) {
	tokenString, _ := middleware.BearerToken(c)
	if err := h.userService.Logout(c.Request.Context(), tokenString); err != nil {
		log.Error("Logout: Failed to logout", err)
		writeError(c, http.StatusInternalServerError, "logout failed")
		return
	}

	if user, ok := middleware.CurrentUser(c); ok {
		log.Infof("User '%s' logged out successfully", user.Username)
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "Logout successful",
	})
}
