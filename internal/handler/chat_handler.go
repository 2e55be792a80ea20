// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"saha-ai-go/internal/middleware"
	"saha-ai-go/internal/model"
	"saha-ai-go/internal/service"
)

// ChatHandler 处理会话和消息交换相关的 API 请求。成功响应直接返回资源本身。
type ChatHandler struct {
	chatService         service.ChatService
	conversationService service.ConversationService
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService, conversationService service.ConversationService) *ChatHandler {
	return &ChatHandler{
		chatService:         chatService,
		conversationService: conversationService,
	}
}

// SendMessageRequest 定义了发送消息 API 的请求体结构。chatId 为空时创建新会话。
type SendMessageRequest struct {
	Message string `json:"message"`
	ChatID  string `json:"chatId"`
}

// SendMessageResponse 是一次交换中持久化的两条消息，aiMsg.chatId 即解析或新建的会话 ID。
type SendMessageResponse struct {
	UserMsg *model.Message `json:"userMsg"`
	AIMsg   *model.Message `json:"aiMsg"`
}

// CreateChatRequest 定义了创建会话 API 的请求体结构，title 可选。
type CreateChatRequest struct {
	Title string `json:"title"`
}

// RenameChatRequest 定义了重命名会话 API 的请求体结构。
type RenameChatRequest struct {
	Title string `json:"title"`
}

// RegisterRoutes 在给定的路由组下注册会话相关路由，路由组应已挂载认证中间件。
func (h *ChatHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/all", h.ListChats)
	rg.POST("/create", h.CreateChat)
	rg.POST("/message", h.SendMessage)
	rg.GET("/:id", h.GetChat)
	rg.PUT("/:id", h.RenameChat)
	rg.DELETE("/:id", h.DeleteChat)
}

// ListChats 返回当前用户的全部会话，最近活跃的在前。
func (h *ChatHandler) ListChats(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	chats, err := h.conversationService.ListChats(c.Request.Context(), user.ID)
	if err != nil {
		respondError(c, "ListChats", err)
		return
	}
	c.JSON(http.StatusOK, chats)
}

// GetChat 返回会话及其全部消息。
func (h *ChatHandler) GetChat(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	detail, err := h.conversationService.GetChat(c.Request.Context(), user.ID, c.Param("id"))
	if err != nil {
		respondError(c, "GetChat", err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// CreateChat 显式创建一个空会话。
func (h *ChatHandler) CreateChat(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	var req CreateChatRequest
	// 请求体可以为空
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	chat, err := h.conversationService.CreateChat(c.Request.Context(), user.ID, req.Title)
	if err != nil {
		respondError(c, "CreateChat", err)
		return
	}
	c.JSON(http.StatusCreated, chat)
}

// SendMessage 追加用户消息并返回模型回复。
func (h *ChatHandler) SendMessage(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	result, err := h.chatService.SendMessage(c.Request.Context(), user.ID, req.ChatID, req.Message)
	if err != nil {
		respondError(c, "SendMessage", err)
		return
	}
	c.JSON(http.StatusOK, SendMessageResponse{
		UserMsg: result.UserMessage,
		AIMsg:   result.AssistantMessage,
	})
}

// RenameChat 修改会话标题。
func (h *ChatHandler) RenameChat(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	var req RenameChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	chat, err := h.conversationService.RenameChat(c.Request.Context(), user.ID, c.Param("id"), req.Title)
	if err != nil {
		respondError(c, "RenameChat", err)
		return
	}
	c.JSON(http.StatusOK, chat)
}

// DeleteChat 删除会话及其全部消息。
func (h *ChatHandler) DeleteChat(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	if err := h.conversationService.DeleteChat(c.Request.Context(), user.ID, c.Param("id")); err != nil {
		respondError(c, "DeleteChat", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Chat deleted"})
}

func (h *ChatHandler) currentUser(c *gin.Context) (*model.User, bool) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return nil, false
	}
	return user, true
}
