package bus

import (
	"time"
)

type EventKind int

const (
	MessageCreated EventKind = iota
	MessageUpdated
	ReactionAdded
	ReactionRemoved
	// Compact asks the gateway to run compaction for Scope. Never produced by a platform.
	Compact
)

func (k EventKind) String() string {
	switch k {
	case MessageCreated:
		return "message_created"
	case MessageUpdated:
		return "message_updated"
	case ReactionAdded:
		return "reaction_added"
	case ReactionRemoved:
		return "reaction_removed"
	case Compact:
		return "compact"
	default:
		return "unknown"
	}
}

// Mentions maps raw ids found in a message body to display names.
type Mentions struct {
	Users    map[string]string
	Roles    map[string]string
	Channels map[string]string
}

type Attachment struct {
	URL         string
	ContentType string
	Filename    string
}

type EmbedMedia struct {
	URL string
}

type Embed struct {
	Author      string
	Title       string
	Description string
	Thumbnail   *EmbedMedia
	Image       *EmbedMedia
	Video       *EmbedMedia
}

// ReactionSummary is one distinct emoji on a message. Key is whatever the
// platform needs to list the reacting users; Emoji is the display form.
type ReactionSummary struct {
	Emoji string
	Key   string
}

// Reference points at the message being replied to. Message is set when the
// platform delivered it together with the reply.
type Reference struct {
	ChannelID string
	MessageID string
	Message   *Message
}

type Message struct {
	ID          string
	GroupID     string
	ChannelID   string
	ChannelName string
	AuthorID    string
	AuthorName  string
	AuthorRoles []string
	Body        string
	Created     time.Time
	Mentions    Mentions
	Reference   *Reference
	Attachments []Attachment
	Embeds      []Embed
	Reactions   []ReactionSummary
	// MentionsSelf is true when the bot account is mentioned.
	MentionsSelf bool
}

type Event struct {
	Kind     EventKind
	Platform string
	GroupID  string
	// Message is set for MessageCreated and MessageUpdated.
	Message *Message
	// Reaction fields.
	ChannelID string
	MessageID string
	UserID    string
	Emoji     string
	// Scope is set for Compact events.
	Scope string
}

// ScopeKey identifies the conversation an event belongs to.
func (e Event) ScopeKey() string {
	if e.Scope != "" {
		return e.Scope
	}
	return ScopeKey(e.Platform, e.GroupID)
}

func ScopeKey(platform, groupID string) string {
	return platform + ":" + groupID
}
