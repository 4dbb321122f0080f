package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"narrachat/internal/models"
	"narrachat/internal/service/ai"
	"narrachat/internal/storage"
	"narrachat/internal/worker"
)

type TurnRunner interface {
	Turn(ctx context.Context, req worker.TurnRequest) (*worker.TurnResult, error)
}

type ConversationService interface {
	CreateConversation(ctx context.Context, conversationID string) error
	ConversationMessages(ctx context.Context, conversationID string, n int) ([]models.Message, error)
}

// Store is the read side of the document store used by listing routes.
type Store interface {
	Ping(ctx context.Context) error
	ConversationExists(ctx context.Context, conversationID string) (bool, error)
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	Messages(ctx context.Context, conversationID string) ([]models.Message, error)
	Summaries(ctx context.Context, conversationID string) ([]models.Summary, error)
	Characters(ctx context.Context, conversationID string) ([]models.Character, error)
	Environments(ctx context.Context) ([]models.Environment, error)
	AllStats(ctx context.Context) ([]models.StatRecord, error)
}

// Handler wires HTTP routes to the conversation services and the turn workers.
type Handler struct {
	conv  ConversationService
	turns TurnRunner
	store Store
}

func NewHandler(conv ConversationService, turns TurnRunner, store Store) *Handler {
	return &Handler{conv: conv, turns: turns, store: store}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.GET("/health", h.health)
	api.GET("/conversations", h.listConversations)
	api.POST("/conversations", h.createConversation)

	conv := api.Group("/conversations/:id")
	conv.Use(h.requireConversationID())
	conv.POST("/messages", h.postMessage)
	conv.GET("/messages", h.getMessages)
	conv.GET("/summaries", h.getSummaries)
	conv.GET("/characters", h.getCharacters)

	api.GET("/environments", h.getEnvironments)
	api.GET("/stats", h.getStats)
}

func (h *Handler) requireConversationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.TrimSpace(c.Param("id")) == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
			return
		}
		c.Next()
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, worker.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, storage.ErrUnavailable), errors.Is(err, worker.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, ai.ErrCompletion):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, storage.ErrNoMessages):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusTooManyRequests {
		msg = "conversation is busy, please retry"
	}
	c.JSON(status, gin.H{"error": msg})
}

func (h *Handler) health(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createRequest struct {
	ConversationID string `json:"conversation_id"`
}

func (h *Handler) createConversation(c *gin.Context) {
	var req createRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	id := strings.TrimSpace(req.ConversationID)
	if id == "" {
		id = uuid.NewString()
	}
	if err := h.conv.CreateConversation(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation_id": id})
}

func (h *Handler) listConversations(c *gin.Context) {
	convs, err := h.store.ListConversations(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

type messageRequest struct {
	Content    string `json:"content"`
	WindowSize int    `json:"window_size"`
}

func (h *Handler) postMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	res, err := h.turns.Turn(c.Request.Context(), worker.TurnRequest{
		ConversationID: c.Param("id"),
		Content:        content,
		WindowSize:     req.WindowSize,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) getMessages(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if !h.conversationFound(c, id) {
		return
	}
	var (
		msgs []models.Message
		err  error
	)
	if raw := c.Query("window"); raw != "" {
		n, convErr := strconv.Atoi(raw)
		if convErr != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "window must be a positive integer"})
			return
		}
		msgs, err = h.conv.ConversationMessages(ctx, id, n)
	} else {
		msgs, err = h.store.Messages(ctx, id)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": id, "messages": msgs})
}

func (h *Handler) getSummaries(c *gin.Context) {
	id := c.Param("id")
	if !h.conversationFound(c, id) {
		return
	}
	summaries, err := h.store.Summaries(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": id, "summaries": summaries})
}

func (h *Handler) getCharacters(c *gin.Context) {
	id := c.Param("id")
	if !h.conversationFound(c, id) {
		return
	}
	chars, err := h.store.Characters(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": id, "characters": chars})
}

func (h *Handler) getEnvironments(c *gin.Context) {
	envs, err := h.store.Environments(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"environments": envs})
}

func (h *Handler) getStats(c *gin.Context) {
	stats, err := h.store.AllStats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

func (h *Handler) conversationFound(c *gin.Context, id string) bool {
	exists, err := h.store.ConversationExists(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return false
	}
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return false
	}
	return true
}
