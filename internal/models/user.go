package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
)

type UserStatus string

const (
	StatusOnline  UserStatus = "online"
	StatusOffline UserStatus = "offline"
	StatusAway    UserStatus = "away"
)

type User struct {
	ID           string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	Username     string         `gorm:"type:varchar(50);uniqueIndex;not null" json:"username"`
	Email        string         `gorm:"type:varchar(100);uniqueIndex;not null" json:"email"`
	PasswordHash string         `gorm:"type:varchar(255);not null" json:"-"`
	DisplayName  string         `gorm:"type:varchar(100)" json:"display_name"`
	AvatarURL    string         `gorm:"type:text" json:"avatar_url,omitempty"`
	Role         Role           `gorm:"type:varchar(20);not null;default:'buyer'" json:"role"`
	Status       UserStatus     `gorm:"type:varchar(20);not null;default:'offline'" json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

// Profile is the public part of a user shown next to conversations and
// messages.
type Profile struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	AvatarURL   string     `json:"avatar_url,omitempty"`
	Role        Role       `json:"role"`
	Status      UserStatus `json:"status"`
}

func (u *User) Profile() Profile {
	name := u.DisplayName
	if name == "" {
		name = u.Username
	}
	return Profile{
		ID:          u.ID,
		DisplayName: name,
		AvatarURL:   u.AvatarURL,
		Role:        u.Role,
		Status:      u.Status,
	}
}
