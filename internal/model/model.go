// Package model defines the conversation data types shared by the storage,
// provider, and chat layers.
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sender identifies who produced a message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

// Message is one turn of a conversation. During streaming the AI placeholder
// message is mutated in place (IsLoading=true) and finalized exactly once.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	Sender         Sender       `json:"sender"`
	Text           string       `json:"text"`
	Timestamp      time.Time    `json:"timestamp"`
	Attachments    []Attachment `json:"attachments,omitempty"`

	// Streaming state
	IsLoading         bool          `json:"is_loading,omitempty"`
	ThinkingText      string        `json:"thinking_text,omitempty"`
	IsThinkingDone    bool          `json:"is_thinking_done,omitempty"`
	ThinkingStartTime time.Time     `json:"thinking_start_time,omitempty"`
	ThinkingDuration  time.Duration `json:"thinking_duration,omitempty"`
}

// Conversation groups messages. UpdatedAt is bumped on every message mutation.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	IsPinned  bool      `json:"is_pinned,omitempty"`
}

// Attachment is a file attached to a user message. Data is the persisted
// base64 payload; Preview is a session-only handle and is never persisted.
type Attachment struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	MIME    string `json:"type"`
	Data    string `json:"data"`
	Preview string `json:"-"`
}

// IsImage reports whether the attachment is an inline-renderable image.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.MIME, "image/")
}

// IsTextLike reports whether the attachment can be inlined as plain text.
func (a Attachment) IsTextLike() bool {
	if strings.HasPrefix(a.MIME, "text/") {
		return true
	}
	switch a.MIME {
	case "application/json", "application/xml", "application/x-yaml":
		return true
	}
	return false
}

// NewID returns a creation-order-sortable unique id. UUIDv7 embeds a
// millisecond timestamp in its most significant bits, so lexicographic order
// matches creation order.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// NewUserMessage builds a user message ready to persist.
func NewUserMessage(conversationID, text string, attachments []Attachment) Message {
	return Message{
		ID:             NewID(),
		ConversationID: conversationID,
		Sender:         SenderUser,
		Text:           text,
		Timestamp:      time.Now(),
		Attachments:    attachments,
	}
}

// NewPlaceholder builds the loading AI message that a stream fills in.
func NewPlaceholder(conversationID string) Message {
	return Message{
		ID:             NewID(),
		ConversationID: conversationID,
		Sender:         SenderAI,
		Timestamp:      time.Now(),
		IsLoading:      true,
	}
}

// DeriveTitle produces a conversation title from the first user input,
// falling back to the first attachment's name. Rune-safe truncation.
func DeriveTitle(text string, attachments []Attachment) string {
	title := strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
	if title == "" && len(attachments) > 0 {
		title = attachments[0].Name
	}
	if title == "" {
		return "New conversation"
	}
	runes := []rune(title)
	if len(runes) > 50 {
		return string(runes[:47]) + "..."
	}
	return title
}
