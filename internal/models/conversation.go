package models

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
	ConversationOrder  ConversationKind = "order"
)

type Conversation struct {
	ID             string           `gorm:"type:varchar(36);primaryKey" json:"id"`
	ParticipantAID string           `gorm:"column:participant_a_id;type:varchar(36);not null;index" json:"participant_a_id"`
	ParticipantBID string           `gorm:"column:participant_b_id;type:varchar(36);not null;index" json:"participant_b_id"`
	Kind           ConversationKind `gorm:"type:varchar(20);not null;default:'direct'" json:"kind"`
	IsArchived     bool             `gorm:"not null;default:false" json:"is_archived"`
	IsBlocked      bool             `gorm:"not null;default:false" json:"is_blocked"`
	IsSpam         bool             `gorm:"not null;default:false" json:"is_spam"`
	IsStarred      bool             `gorm:"not null;default:false" json:"is_starred"`
	LastActivityAt time.Time        `gorm:"index" json:"last_activity_at"`
	OrderID        *string          `gorm:"type:varchar(64)" json:"order_id,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`

	// PairKey enforces one conversation per unordered participant pair.
	PairKey string `gorm:"type:varchar(160);uniqueIndex;not null" json:"-"`
}

func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Kind == "" {
		c.Kind = ConversationDirect
	}
	if c.LastActivityAt.IsZero() {
		c.LastActivityAt = time.Now()
	}
	c.PairKey = PairKey(c.ParticipantAID, c.ParticipantBID, c.Kind, c.OrderID)
	return nil
}

// PairKey is the same for (a, b) and (b, a). Non-direct conversations are
// additionally keyed by kind and order so an order thread can coexist with
// the direct thread between the same two users.
func PairKey(a, b string, kind ConversationKind, orderID *string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	key := strings.Join(ids, ":")
	if kind != "" && kind != ConversationDirect {
		key += ":" + string(kind)
		if orderID != nil {
			key += ":" + *orderID
		}
	}
	return key
}

func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.ParticipantAID == userID || c.ParticipantBID == userID)
}

// OtherParticipant returns the participant that is not userID.
func (c *Conversation) OtherParticipant(userID string) string {
	if c.ParticipantAID == userID {
		return c.ParticipantBID
	}
	return c.ParticipantAID
}
