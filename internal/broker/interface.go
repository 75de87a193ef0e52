package broker

import (
	"context"
	"time"
)

type Table string

const (
	TableConversations Table = "conversations"
	TableMessages      Table = "messages"
)

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent announces that a row changed. Subscribers treat it as a
// trigger only and re-read canonical state from the store.
type ChangeEvent struct {
	ID             string    `json:"id"`
	Table          Table     `json:"table"`
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id,omitempty"`
	SenderID       string    `json:"sender_id,omitempty"`
	IsRead         bool      `json:"is_read"`
	Participants   []string  `json:"participants,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

type ChangePublisher interface {
	Publish(ctx context.Context, event ChangeEvent) error
}

// SubscribeOptions mirrors a table-scoped realtime subscription. Every event
// type on the table is delivered.
type SubscribeOptions struct {
	Table       Table
	ChannelName string
	Callback    func(ChangeEvent)
}

type Subscription interface {
	Channel() string
	Close() error
}

// ChangeFeed is the publish-subscribe side of the store.
type ChangeFeed interface {
	ChangePublisher
	Subscribe(ctx context.Context, opts SubscribeOptions) (Subscription, error)
	Unsubscribe(sub Subscription) error
}

// ChannelFor is the channel carrying table changes that concern userID.
func ChannelFor(table Table, userID string) string {
	return "changes:" + string(table) + ":" + userID
}
