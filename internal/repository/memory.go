package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"erasmusly/messaging-service/internal/models"
)

// MemoryChatRepository is an in-memory ChatRepository. It enforces the same
// pair uniqueness and append atomicity as the Postgres store and is used for
// tests and the memory storage driver.
type MemoryChatRepository struct {
	mu        sync.RWMutex
	chats     map[string]*models.Chat
	pairIndex map[string]string // "lo\x00hi" -> chat ID
	messages  map[string][]*models.Message
	now       func() time.Time
}

func NewMemoryChatRepository() *MemoryChatRepository {
	return &MemoryChatRepository{
		chats:     make(map[string]*models.Chat),
		pairIndex: make(map[string]string),
		messages:  make(map[string][]*models.Message),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

var _ ChatRepository = (*MemoryChatRepository)(nil)

func pairKey(a, b string) string {
	lo, hi := models.CanonicalPair(a, b)
	return lo + "\x00" + hi
}

func (m *MemoryChatRepository) InitializeTables(ctx context.Context) error {
	return nil
}

func (m *MemoryChatRepository) CreateChat(ctx context.Context, chat *models.Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chat.UserID1, chat.UserID2 = models.CanonicalPair(chat.UserID1, chat.UserID2)
	key := pairKey(chat.UserID1, chat.UserID2)
	if _, ok := m.pairIndex[key]; ok {
		return ErrChatExists
	}
	if _, ok := m.chats[chat.ID]; ok {
		return ErrChatExists
	}

	now := m.now()
	chat.CreatedAt = now
	chat.UpdatedAt = now

	c := *chat
	m.chats[c.ID] = &c
	m.pairIndex[key] = c.ID
	return nil
}

func (m *MemoryChatRepository) GetChatByID(ctx context.Context, id string) (*models.Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.chats[id]
	if !ok {
		return nil, ErrChatNotFound
	}
	out := *c
	return &out, nil
}

func (m *MemoryChatRepository) GetChatByUsers(ctx context.Context, userID1, userID2 string) (*models.Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.pairIndex[pairKey(userID1, userID2)]
	if !ok {
		return nil, ErrChatNotFound
	}
	out := *m.chats[id]
	return &out, nil
}

func (m *MemoryChatRepository) GetUserChats(ctx context.Context, userID string) ([]*models.Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chats := make([]*models.Chat, 0)
	for _, c := range m.chats {
		if c.HasParticipant(userID) {
			out := *c
			chats = append(chats, &out)
		}
	}

	sort.Slice(chats, func(i, j int) bool {
		if !chats[i].UpdatedAt.Equal(chats[j].UpdatedAt) {
			return chats[i].UpdatedAt.After(chats[j].UpdatedAt)
		}
		return chats[i].ID < chats[j].ID
	})
	return chats, nil
}

func (m *MemoryChatRepository) AppendMessage(ctx context.Context, msg *models.Message) error {
	if strings.TrimSpace(msg.Content) == "" {
		return ErrEmptyContent
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.chats[msg.ChatID]
	if !ok {
		return ErrChatNotFound
	}
	if !c.HasParticipant(msg.SenderID) {
		return ErrNotParticipant
	}

	createdAt := m.now()
	if !createdAt.After(c.UpdatedAt) {
		createdAt = c.UpdatedAt.Add(time.Microsecond)
	}
	msg.CreatedAt = createdAt
	msg.ReadAt = nil

	stored := *msg
	m.messages[msg.ChatID] = append(m.messages[msg.ChatID], &stored)
	c.UpdatedAt = createdAt
	return nil
}

func (m *MemoryChatRepository) GetChatMessages(ctx context.Context, chatID string, limit int, beforeMessageID string) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.messages[chatID]
	end := len(all)
	if beforeMessageID != "" {
		end = -1
		for i, msg := range all {
			if msg.ID == beforeMessageID {
				end = i
				break
			}
		}
		if end < 0 {
			return nil, ErrMessageNotFound
		}
		if limit <= 0 {
			limit = 50
		}
	}

	start := 0
	if limit > 0 && end-limit > start {
		start = end - limit
	}

	out := make([]*models.Message, 0, end-start)
	for _, msg := range all[start:end] {
		cp := *msg
		if msg.ReadAt != nil {
			readAt := *msg.ReadAt
			cp.ReadAt = &readAt
		}
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryChatRepository) MarkMessagesAsRead(ctx context.Context, chatID, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	count := 0
	for _, msg := range m.messages[chatID] {
		if msg.SenderID != userID && msg.ReadAt == nil {
			readAt := now
			msg.ReadAt = &readAt
			count++
		}
	}
	return count, nil
}
