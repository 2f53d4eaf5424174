package repository

import "errors"

var (
	ErrChatNotFound    = errors.New("chat not found")
	ErrChatExists      = errors.New("chat already exists")
	ErrNotParticipant  = errors.New("user is not a participant in this chat")
	ErrMessageNotFound = errors.New("message not found")
	ErrEmptyContent    = errors.New("message content is empty")
	ErrUserNotFound    = errors.New("user not found")
)
