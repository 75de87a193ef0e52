package service

import (
	"github.com/Baaaki/bazaar-inbox/internal/models"
)

// VisibleMessages keeps the messages whose soft-delete flag for the
// viewer's side is unset. Order is preserved.
func VisibleMessages(messages []models.Message, vp models.Viewpoint) []models.Message {
	visible := make([]models.Message, 0, len(messages))
	for i := range messages {
		if vp.Sees(&messages[i]) {
			visible = append(visible, messages[i])
		}
	}
	return visible
}

// VisibleLastMessage is the most recent visible message, or nil.
func VisibleLastMessage(messages []models.Message, vp models.Viewpoint) *models.Message {
	var last *models.Message
	for i := range messages {
		m := &messages[i]
		if !vp.Sees(m) {
			continue
		}
		if last == nil || m.CreatedAt.After(last.CreatedAt) {
			last = m
		}
	}
	if last == nil {
		return nil
	}
	out := *last
	return &out
}

// UnreadCount counts visible messages from the other participant that are
// still unread.
func UnreadCount(messages []models.Message, vp models.Viewpoint) int {
	n := 0
	for i := range messages {
		m := &messages[i]
		if vp.Sees(m) && m.SenderID != vp.ViewerID && !m.IsRead {
			n++
		}
	}
	return n
}

type Filter string

const (
	FilterAll      Filter = "all"
	FilterUnread   Filter = "unread"
	FilterStarred  Filter = "starred"
	FilterArchived Filter = "archived"
	FilterSpam     Filter = "spam"
)

func ParseFilter(s string) (Filter, bool) {
	switch f := Filter(s); f {
	case FilterAll, FilterUnread, FilterStarred, FilterArchived, FilterSpam:
		return f, true
	case "":
		return FilterAll, true
	default:
		return "", false
	}
}

// FilterConversations selects one inbox tab. Archived and spam
// conversations only show up in their own tabs.
func FilterConversations(list []EnrichedConversation, filter Filter) []EnrichedConversation {
	out := make([]EnrichedConversation, 0, len(list))
	for _, c := range list {
		active := !c.IsArchived && !c.IsSpam
		var keep bool
		switch filter {
		case FilterUnread:
			keep = active && c.UnreadCount > 0
		case FilterStarred:
			keep = c.IsStarred && !c.IsSpam
		case FilterArchived:
			keep = c.IsArchived && !c.IsSpam
		case FilterSpam:
			keep = c.IsSpam
		default:
			keep = active
		}
		if keep {
			out = append(out, c)
		}
	}
	return out
}
