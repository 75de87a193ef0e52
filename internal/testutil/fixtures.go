package testutil

import (
	"testing"
	"time"

	"github.com/Baaaki/bazaar-inbox/internal/models"
	"github.com/Baaaki/bazaar-inbox/internal/utils"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const DefaultPassword = "Test123456"

// CreateUser inserts a user whose password is DefaultPassword.
func CreateUser(t *testing.T, db *gorm.DB, username string, role models.Role) *models.User {
	t.Helper()

	hash, err := utils.HashPasswordWith(DefaultPassword, utils.PasswordParams{
		Memory: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32,
	})
	require.NoError(t, err)

	user := &models.User{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: hash,
		DisplayName:  username,
		Role:         role,
		Status:       models.StatusOnline,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

// CreateConversation inserts a direct conversation between a and b without
// announcing it on any feed.
func CreateConversation(t *testing.T, db *gorm.DB, a, b *models.User) *models.Conversation {
	t.Helper()

	conv := &models.Conversation{
		ParticipantAID: a.ID,
		ParticipantBID: b.ID,
		Kind:           models.ConversationDirect,
	}
	require.NoError(t, db.Create(conv).Error)
	return conv
}

// MessageOption adjusts a fixture message before it is inserted.
type MessageOption func(*models.Message)

func At(ts time.Time) MessageOption {
	return func(m *models.Message) { m.CreatedAt = ts }
}

func Read() MessageOption {
	return func(m *models.Message) {
		now := time.Now()
		m.IsRead = true
		m.ReadAt = &now
	}
}

func DeletedFor(side models.Side) MessageOption {
	return func(m *models.Message) {
		if side == models.SideA {
			m.IsDeletedForA = true
		} else {
			m.IsDeletedForB = true
		}
	}
}

func ReplyTo(id string) MessageOption {
	return func(m *models.Message) { m.ReplyToID = &id }
}

func CreateMessage(t *testing.T, db *gorm.DB, conv *models.Conversation, sender *models.User, content string, opts ...MessageOption) *models.Message {
	t.Helper()

	msg := &models.Message{
		ConversationID: conv.ID,
		SenderID:       sender.ID,
		Content:        content,
		Kind:           models.MessageText,
	}
	for _, opt := range opts {
		opt(msg)
	}
	require.NoError(t, db.Create(msg).Error)
	return msg
}
