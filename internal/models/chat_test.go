package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalPair(t *testing.T) {
	lo, hi := CanonicalPair("b", "a")
	assert.Equal(t, "a", lo)
	assert.Equal(t, "b", hi)

	lo, hi = CanonicalPair("a", "b")
	assert.Equal(t, "a", lo)
	assert.Equal(t, "b", hi)
}

func TestChatParticipants(t *testing.T) {
	chat := &Chat{ID: "c1", UserID1: "1", UserID2: "2"}

	assert.True(t, chat.HasParticipant("1"))
	assert.True(t, chat.HasParticipant("2"))
	assert.False(t, chat.HasParticipant("3"))
	assert.False(t, chat.HasParticipant(""))

	assert.Equal(t, "2", chat.OtherParticipant("1"))
	assert.Equal(t, "1", chat.OtherParticipant("2"))
}
