package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"erasmusly/messaging-service/internal/models"
	"erasmusly/messaging-service/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Publisher pushes a persisted message to live subscribers of its chat.
type Publisher interface {
	Publish(ctx context.Context, msg *models.Message)
}

type ChatService interface {
	ResolveChat(ctx context.Context, userID1, userID2 string) (*models.Chat, error)
	OpenConversation(ctx context.Context, callerID, otherUserID string) (*models.ChatDetails, error)
	GetChat(ctx context.Context, chatID, userID string) (*models.ChatDetails, error)
	GetUserChats(ctx context.Context, userID string) ([]*models.ChatDetails, error)
	SendMessage(ctx context.Context, chatID, senderID, content string) (*models.Message, error)
	GetChatMessages(ctx context.Context, chatID, userID string, limit int, beforeMessageID string) ([]*models.Message, error)
	MarkMessagesAsRead(ctx context.Context, chatID, userID string) (int, error)
	CheckMembership(ctx context.Context, chatID, userID string) error
}

type chatService struct {
	repository repository.ChatRepository
	users      repository.UserDirectory
	resolver   *Resolver
	publisher  Publisher
	sendLocks  *keyedMutex
	logger     *logrus.Logger
}

func NewChatService(repo repository.ChatRepository, users repository.UserDirectory, publisher Publisher, logger *logrus.Logger) ChatService {
	return &chatService{
		repository: repo,
		users:      users,
		resolver:   NewResolver(repo, users, logger),
		publisher:  publisher,
		sendLocks:  newKeyedMutex(),
		logger:     logger,
	}
}

func (s *chatService) ResolveChat(ctx context.Context, userID1, userID2 string) (*models.Chat, error) {
	return s.resolver.Resolve(ctx, userID1, userID2)
}

func (s *chatService) OpenConversation(ctx context.Context, callerID, otherUserID string) (*models.ChatDetails, error) {
	chat, err := s.resolver.Resolve(ctx, callerID, otherUserID)
	if err != nil {
		return nil, err
	}
	return s.details(ctx, chat)
}

func (s *chatService) GetChat(ctx context.Context, chatID, userID string) (*models.ChatDetails, error) {
	chat, err := s.participantChat(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	return s.details(ctx, chat)
}

func (s *chatService) GetUserChats(ctx context.Context, userID string) ([]*models.ChatDetails, error) {
	chats, err := s.repository.GetUserChats(ctx, userID)
	if err != nil {
		s.logger.WithError(err).Error("Failed to get user chats")
		return nil, err
	}

	out := make([]*models.ChatDetails, 0, len(chats))
	for _, chat := range chats {
		d, err := s.details(ctx, chat)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// SendMessage appends a message and, only once the write is durable, hands the
// stored row to the publisher. Sends to one chat are serialised so publishes
// leave this process in append order.
func (s *chatService) SendMessage(ctx context.Context, chatID, senderID, content string) (*models.Message, error) {
	if strings.TrimSpace(chatID) == "" {
		return nil, fmt.Errorf("%w: chatId is required", ErrBadRequest)
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}

	msg := &models.Message{
		ID:       uuid.New().String(),
		ChatID:   chatID,
		SenderID: senderID,
		Content:  content,
	}

	unlock := s.sendLocks.Lock(chatID)
	defer unlock()

	if err := s.repository.AppendMessage(ctx, msg); err != nil {
		if !errors.Is(err, ErrChatNotFound) && !errors.Is(err, ErrNotParticipant) {
			s.logger.WithError(err).Error("Failed to send message")
		}
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"chat_id":    chatID,
		"sender_id":  senderID,
	}).Info("Message sent")

	if s.publisher != nil {
		s.publisher.Publish(ctx, msg)
	}

	return msg, nil
}

func (s *chatService) GetChatMessages(ctx context.Context, chatID, userID string, limit int, beforeMessageID string) ([]*models.Message, error) {
	if _, err := s.participantChat(ctx, chatID, userID); err != nil {
		return nil, err
	}

	if limit > 100 {
		limit = 100
	}

	messages, err := s.repository.GetChatMessages(ctx, chatID, limit, beforeMessageID)
	if err != nil {
		if !errors.Is(err, repository.ErrMessageNotFound) {
			s.logger.WithError(err).Error("Failed to get chat messages")
		}
		return nil, err
	}

	return messages, nil
}

func (s *chatService) MarkMessagesAsRead(ctx context.Context, chatID, userID string) (int, error) {
	if _, err := s.participantChat(ctx, chatID, userID); err != nil {
		return 0, err
	}

	count, err := s.repository.MarkMessagesAsRead(ctx, chatID, userID)
	if err != nil {
		s.logger.WithError(err).Error("Failed to mark messages as read")
		return 0, err
	}

	return count, nil
}

func (s *chatService) CheckMembership(ctx context.Context, chatID, userID string) error {
	_, err := s.participantChat(ctx, chatID, userID)
	return err
}

func (s *chatService) participantChat(ctx context.Context, chatID, userID string) (*models.Chat, error) {
	if strings.TrimSpace(chatID) == "" {
		return nil, fmt.Errorf("%w: chatId is required", ErrBadRequest)
	}

	chat, err := s.repository.GetChatByID(ctx, chatID)
	if err != nil {
		if !errors.Is(err, ErrChatNotFound) {
			s.logger.WithError(err).Error("Failed to get chat")
		}
		return nil, err
	}

	if !chat.HasParticipant(userID) {
		return nil, ErrForbidden
	}
	return chat, nil
}

func (s *chatService) details(ctx context.Context, chat *models.Chat) (*models.ChatDetails, error) {
	ids := []string{chat.UserID1, chat.UserID2}
	users, err := s.users.GetUsers(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("lookup participants: %w", err)
	}

	byID := make(map[string]*models.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	participants := make([]*models.User, 0, len(ids))
	for _, id := range ids {
		if u, ok := byID[id]; ok {
			participants = append(participants, u)
		} else {
			participants = append(participants, &models.User{ID: id})
		}
	}

	messages, err := s.repository.GetChatMessages(ctx, chat.ID, 0, "")
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	return &models.ChatDetails{
		Chat:         chat,
		Participants: participants,
		Messages:     messages,
	}, nil
}

// Membership answers participant checks straight from the repository. The
// realtime registry uses it at wiring time, before the service itself exists.
type Membership struct {
	repository repository.ChatRepository
}

func NewMembership(repo repository.ChatRepository) *Membership {
	return &Membership{repository: repo}
}

func (m *Membership) CheckMembership(ctx context.Context, chatID, userID string) error {
	if strings.TrimSpace(chatID) == "" {
		return fmt.Errorf("%w: chatId is required", ErrBadRequest)
	}
	chat, err := m.repository.GetChatByID(ctx, chatID)
	if err != nil {
		return err
	}
	if !chat.HasParticipant(userID) {
		return ErrForbidden
	}
	return nil
}
