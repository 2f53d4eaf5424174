package service

import (
	"errors"

	"erasmusly/messaging-service/internal/repository"
)

var (
	ErrBadRequest       = errors.New("bad request")
	ErrSelfConversation = errors.New("cannot create chat with yourself")
	ErrUnknownUser      = errors.New("unknown user")
	ErrForbidden        = errors.New("forbidden")

	// Re-exported so callers only import this package.
	ErrEmptyContent   = repository.ErrEmptyContent
	ErrChatNotFound   = repository.ErrChatNotFound
	ErrNotParticipant = repository.ErrNotParticipant
)
