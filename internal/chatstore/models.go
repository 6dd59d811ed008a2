package chatstore

import (
	"encoding/json"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const AnonymousUserID = "anonymous"

type Chat struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	UserID        string    `json:"userId"`
	CreatedAt     time.Time `json:"createdAt"`
	SharePath     string    `json:"sharePath,omitempty"`
	MessageCount  int64     `json:"messageCount"`
	LastMessageID string    `json:"lastMessageId,omitempty"`
	Messages      []Message `json:"messages"`
}

type Message struct {
	ID              string            `json:"id"`
	ChatID          string            `json:"chatId"`
	Role            string            `json:"role"`
	Content         string            `json:"content"`
	Type            string            `json:"type"`
	CreatedAt       time.Time         `json:"createdAt"`
	ParentMessageID string            `json:"parentMessageId,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ToolInvocations []ToolInvocation  `json:"toolInvocations,omitempty"`
	Annotations     []json.RawMessage `json:"annotations,omitempty"`

	// Parts is the decoded tagged-union view of the content. A part that
	// fails to decode falls back to a degraded variant instead of
	// discarding the message.
	Parts []MessagePart `json:"-"`

	// Partial is set when the stored record could not be fully decoded
	// and fields were salvaged best-effort.
	Partial bool `json:"-"`
}

type ToolInvocation struct {
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName"`
	State      string          `json:"state,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

type PartKind string

const (
	PartText       PartKind = "text"
	PartChart      PartKind = "chart"
	PartTool       PartKind = "tool"
	PartAnnotation PartKind = "annotation"
)

type MessagePart struct {
	Kind       PartKind        `json:"kind"`
	Text       string          `json:"text,omitempty"`
	Chart      json.RawMessage `json:"chart,omitempty"`
	Tool       *ToolInvocation `json:"tool,omitempty"`
	Annotation json.RawMessage `json:"annotation,omitempty"`
}

func (m Message) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.ID, validation.Required),
		validation.Field(&m.ChatID, validation.Required),
		validation.Field(&m.Role, validation.Required, validation.In("user", "assistant")),
		validation.Field(&m.Content, validation.Required),
	)
}

func (c Chat) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.ID, validation.Required, validation.NotIn("null", "undefined")),
	)
}
