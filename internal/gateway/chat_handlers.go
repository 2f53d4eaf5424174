package gateway

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"erasmusly/messaging-service/internal/models"
	"erasmusly/messaging-service/internal/realtime"
)

type userView struct {
	ID             string `json:"_id"`
	Name           string `json:"name,omitempty"`
	Email          string `json:"email,omitempty"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

type chatView struct {
	ID           string                    `json:"_id"`
	Participants []userView                `json:"participants"`
	Messages     []realtime.MessagePayload `json:"messages"`
	CreatedAt    time.Time                 `json:"createdAt"`
	UpdatedAt    time.Time                 `json:"updatedAt"`
}

func newChatView(d *models.ChatDetails) chatView {
	participants := make([]userView, 0, len(d.Participants))
	for _, u := range d.Participants {
		participants = append(participants, userView{
			ID:             u.ID,
			Name:           u.Name,
			Email:          u.Email,
			ProfilePicture: u.ProfilePicture,
		})
	}
	return chatView{
		ID:           d.Chat.ID,
		Participants: participants,
		Messages:     realtime.NewMessagePayloads(d.Messages),
		CreatedAt:    d.Chat.CreatedAt,
		UpdatedAt:    d.Chat.UpdatedAt,
	}
}

type openConversationRequest struct {
	UserID      string `json:"userId"`
	OtherUserID string `json:"otherUserId"`
}

type sendMessageRequest struct {
	ChatID  string `json:"chatId"`
	Content string `json:"content"`
}

func (h *Handler) handleOpenConversation(c *gin.Context) {
	var req openConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	other := req.UserID
	if strings.TrimSpace(other) == "" {
		other = req.OtherUserID
	}
	if strings.TrimSpace(other) == "" {
		writeError(c, http.StatusBadRequest, "bad_request", "userId is required")
		return
	}

	user := currentUser(c)
	details, err := h.service.OpenConversation(c.Request.Context(), user.ID, other)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, newChatView(details))
}

func (h *Handler) handleListConversations(c *gin.Context) {
	user := currentUser(c)
	chats, err := h.service.GetUserChats(c.Request.Context(), user.ID)
	if err != nil {
		h.fail(c, err)
		return
	}

	out := make([]chatView, 0, len(chats))
	for _, d := range chats {
		out = append(out, newChatView(d))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) handleSendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	// A client that hangs up after posting must not abort an accepted append.
	ctx, cancel := h.detachedContext(c)
	defer cancel()

	user := currentUser(c)
	msg, err := h.service.SendMessage(ctx, req.ChatID, user.ID, req.Content)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, realtime.NewMessagePayload(msg))
}

func (h *Handler) handleListMessages(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(c, http.StatusBadRequest, "bad_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	user := currentUser(c)
	messages, err := h.service.GetChatMessages(c.Request.Context(), c.Param("chatId"), user.ID, limit, c.Query("before"))
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, realtime.NewMessagePayloads(messages))
}

func (h *Handler) handleMarkRead(c *gin.Context) {
	user := currentUser(c)
	count, err := h.service.MarkMessagesAsRead(c.Request.Context(), c.Param("chatId"), user.ID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"updated": count})
}

func (h *Handler) fail(c *gin.Context, err error) {
	status, code, message := classify(err)

	entry := h.logger.WithError(err).WithFields(logrus.Fields{
		"path":   c.FullPath(),
		"status": status,
	})
	if user := currentUser(c); user != nil {
		entry = entry.WithField("user_id", user.ID)
	}
	switch {
	case isSecurityRelevant(status):
		entry.WithField("security", true).Warn("Request rejected")
	case status >= http.StatusInternalServerError:
		entry.Error("Request failed")
	}

	writeError(c, status, code, message)
}
