package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"erasmusly/messaging-service/internal/models"
	"erasmusly/messaging-service/internal/repository"
)

const resolveTimeout = 10 * time.Second

// Resolver finds or creates the single chat for an unordered pair of users.
//
// Uniqueness is enforced by the store (UNIQUE(user_id1, user_id2) on the
// canonical pair). A create that loses the race gets ErrChatExists and re-reads
// the winner's row. Concurrent calls for the same pair inside this process are
// collapsed into one lookup/create.
type Resolver struct {
	repository repository.ChatRepository
	users      repository.UserDirectory
	logger     *logrus.Logger
	group      singleflight.Group
}

func NewResolver(repo repository.ChatRepository, users repository.UserDirectory, logger *logrus.Logger) *Resolver {
	return &Resolver{
		repository: repo,
		users:      users,
		logger:     logger,
	}
}

// Resolve returns the chat between userA and userB, creating it if needed.
// Resolving an existing pair never changes it.
func (r *Resolver) Resolve(ctx context.Context, userA, userB string) (*models.Chat, error) {
	userA, userB = strings.TrimSpace(userA), strings.TrimSpace(userB)
	if userA == "" || userB == "" {
		return nil, fmt.Errorf("%w: both participants are required", ErrBadRequest)
	}
	if userA == userB {
		return nil, ErrSelfConversation
	}

	for _, id := range []string{userA, userB} {
		if _, err := r.users.GetUser(ctx, id); err != nil {
			if errors.Is(err, repository.ErrUserNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrUnknownUser, id)
			}
			return nil, fmt.Errorf("lookup user %s: %w", id, err)
		}
	}

	lo, hi := models.CanonicalPair(userA, userB)
	// The shared call must not fail every waiter when the first caller goes away.
	shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
	defer cancel()
	v, err, _ := r.group.Do(lo+"\x00"+hi, func() (interface{}, error) {
		return r.findOrCreate(shared, lo, hi)
	})
	if err != nil {
		return nil, err
	}

	// Shared results are copied so callers cannot alias each other.
	chat := *v.(*models.Chat)
	return &chat, nil
}

func (r *Resolver) findOrCreate(ctx context.Context, lo, hi string) (*models.Chat, error) {
	existing, err := r.repository.GetChatByUsers(ctx, lo, hi)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repository.ErrChatNotFound) {
		return nil, fmt.Errorf("lookup chat: %w", err)
	}

	chat := &models.Chat{
		ID:      uuid.New().String(),
		UserID1: lo,
		UserID2: hi,
	}

	err = r.repository.CreateChat(ctx, chat)
	switch {
	case err == nil:
		r.logger.WithFields(logrus.Fields{
			"chat_id":  chat.ID,
			"user_id1": lo,
			"user_id2": hi,
		}).Info("Chat created")
		return chat, nil
	case errors.Is(err, repository.ErrChatExists):
		// Another instance won the insert.
		r.logger.WithFields(logrus.Fields{
			"user_id1": lo,
			"user_id2": hi,
		}).Debug("Chat create conflict, re-reading")
		existing, err := r.repository.GetChatByUsers(ctx, lo, hi)
		if err != nil {
			return nil, fmt.Errorf("re-read chat after conflict: %w", err)
		}
		return existing, nil
	default:
		r.logger.WithError(err).Error("Failed to create chat")
		return nil, err
	}
}
