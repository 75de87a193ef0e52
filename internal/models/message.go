package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type MessageKind string

const (
	MessageText    MessageKind = "text"
	MessageImage   MessageKind = "image"
	MessageVideo   MessageKind = "video"
	MessageFile    MessageKind = "file"
	MessageOrder   MessageKind = "order"
	MessageSystem  MessageKind = "system"
	MessageWarning MessageKind = "warning"
)

type Message struct {
	ID             string      `gorm:"type:varchar(36);primaryKey" json:"id"`
	ConversationID string      `gorm:"type:varchar(36);not null;index" json:"conversation_id"`
	SenderID       string      `gorm:"type:varchar(36);not null;index" json:"sender_id"`
	ReplyToID      *string     `gorm:"type:varchar(36)" json:"reply_to_id,omitempty"`
	Content        string      `gorm:"type:text" json:"content"`
	Kind           MessageKind `gorm:"type:varchar(20);not null;default:'text'" json:"kind"`
	IsRead         bool        `gorm:"not null;default:false" json:"is_read"`
	IsStarred      bool        `gorm:"not null;default:false" json:"is_starred"`
	IsEdited       bool        `gorm:"not null;default:false" json:"is_edited"`

	// Per-participant soft delete, one flag per conversation side.
	IsDeletedForA bool `gorm:"column:is_deleted_for_a;not null;default:false" json:"-"`
	IsDeletedForB bool `gorm:"column:is_deleted_for_b;not null;default:false" json:"-"`

	FileURL      *string        `gorm:"type:text" json:"file_url,omitempty"`
	FileName     *string        `gorm:"type:varchar(255)" json:"file_name,omitempty"`
	FileSize     *int64         `json:"file_size,omitempty"`
	FileType     *string        `gorm:"type:varchar(100)" json:"file_type,omitempty"`
	OrderDetails datatypes.JSON `json:"order_details,omitempty"`

	ReadAt    *time.Time `json:"read_at,omitempty"`
	CreatedAt time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Kind == "" {
		m.Kind = MessageText
	}
	return nil
}

// DeletedFor reports the soft-delete flag of the given side.
func (m *Message) DeletedFor(side Side) bool {
	if side == SideA {
		return m.IsDeletedForA
	}
	return m.IsDeletedForB
}
