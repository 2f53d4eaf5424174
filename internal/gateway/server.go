package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"erasmusly/messaging-service/internal/auth"
	"erasmusly/messaging-service/internal/models"
	"erasmusly/messaging-service/internal/realtime"
	"erasmusly/messaging-service/internal/service"
)

const userKey = "user"

type Options struct {
	AllowedOrigins []string
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	RequestTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 60 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
	return o
}

// Handler is the HTTP and websocket boundary of the messaging service.
type Handler struct {
	service  service.ChatService
	auth     *auth.Authenticator
	registry *realtime.Registry
	logger   *logrus.Logger
	opts     Options
}

func NewHandler(svc service.ChatService, authenticator *auth.Authenticator, registry *realtime.Registry, logger *logrus.Logger, opts Options) *Handler {
	return &Handler{
		service:  svc,
		auth:     authenticator,
		registry: registry,
		logger:   logger,
		opts:     opts.withDefaults(),
	}
}

// NewRouter builds the gin engine with every route registered.
func (h *Handler) NewRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), h.requestLogger(), h.cors())
	h.RegisterRoutes(router)
	return router
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.handleHealth)

	api := router.Group("/api", h.authRequired(false))

	chat := api.Group("/chat")
	chat.POST("", h.handleOpenConversation)
	chat.GET("", h.handleListConversations)
	chat.POST("/message", h.handleSendMessage)

	message := api.Group("/message")
	message.POST("", h.handleSendMessage)
	message.GET("/:chatId", h.handleListMessages)
	message.POST("/:chatId/read", h.handleMarkRead)

	router.GET("/ws", h.authRequired(true), h.handleSocket)
}

func (h *Handler) handleHealth(c *gin.Context) {
	stats := h.registry.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": stats.Sessions,
		"channels": stats.Channels,
	})
}

// authRequired resolves the bearer token to a user. Websocket clients cannot
// always set headers, so allowQuery also accepts ?token=.
func (h *Handler) authRequired(allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.BearerToken(c.GetHeader("Authorization"))
		if token == "" && allowQuery {
			token = c.Query("token")
		}

		user, err := h.auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			if !errors.Is(err, auth.ErrMissingToken) && !errors.Is(err, auth.ErrInvalidToken) && !errors.Is(err, auth.ErrUnknownUser) {
				h.logger.WithError(err).Error("Authentication backend failure")
				writeError(c, http.StatusInternalServerError, "internal_error", "server error")
				c.Abort()
				return
			}
			h.logger.WithError(err).WithFields(logrus.Fields{
				"security": true,
				"path":     c.FullPath(),
				"remote":   c.ClientIP(),
			}).Warn("Rejected unauthenticated request")
			writeError(c, http.StatusUnauthorized, "unauthorized", "not authorized")
			c.Abort()
			return
		}

		c.Set(userKey, user)
		c.Request = c.Request.WithContext(auth.WithUser(c.Request.Context(), user))
		c.Next()
	}
}

func currentUser(c *gin.Context) *models.User {
	if v, ok := c.Get(userKey); ok {
		if u, ok := v.(*models.User); ok {
			return u
		}
	}
	return nil
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := h.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("HTTP request")
			return
		}
		entry.Debug("HTTP request")
	}
}

func (h *Handler) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, o := range h.opts.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (h *Handler) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && h.originAllowed(origin) {
			header := c.Writer.Header()
			header.Set("Access-Control-Allow-Origin", origin)
			header.Set("Access-Control-Allow-Credentials", "true")
			header.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE")
			header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			header.Add("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// detachedContext outlives the client request but not the request timeout.
func (h *Handler) detachedContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(c.Request.Context()), h.opts.RequestTimeout)
}
