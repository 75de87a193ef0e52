package models

// Side is one of the two slots of a direct conversation.
type Side int

const (
	SideA Side = iota + 1
	SideB
)

func (s Side) String() string {
	switch s {
	case SideA:
		return "a"
	case SideB:
		return "b"
	default:
		return "none"
	}
}

// DeleteColumn is the message column holding this side's soft-delete flag.
func (s Side) DeleteColumn() string {
	if s == SideA {
		return "is_deleted_for_a"
	}
	return "is_deleted_for_b"
}

// Viewpoint binds a viewer to their side of one conversation. It is
// resolved once per load and then shared by every visibility decision.
type Viewpoint struct {
	ViewerID string
	Side     Side
}

// ViewpointOf resolves which side viewerID occupies in c. ok is false when
// the viewer is not a participant.
func ViewpointOf(c *Conversation, viewerID string) (Viewpoint, bool) {
	switch {
	case viewerID == "" || c == nil:
		return Viewpoint{}, false
	case c.ParticipantAID == viewerID:
		return Viewpoint{ViewerID: viewerID, Side: SideA}, true
	case c.ParticipantBID == viewerID:
		return Viewpoint{ViewerID: viewerID, Side: SideB}, true
	default:
		return Viewpoint{}, false
	}
}

// Sees reports whether m is visible from this viewpoint.
func (v Viewpoint) Sees(m *Message) bool {
	return !m.DeletedFor(v.Side)
}
