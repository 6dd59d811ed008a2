package chatstore

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

const (
	chartOpenTag  = "<chart>"
	chartCloseTag = "</chart>"
)

// EncodeChatInfo flattens a chat's metadata into hash fields. Messages are
// never stored on the info record in the normalized schema.
func EncodeChatInfo(c *Chat) map[string]any {
	fields := map[string]any{
		"id":           c.ID,
		"title":        c.Title,
		"userId":       c.UserID,
		"createdAt":    strconv.FormatInt(c.CreatedAt.UnixMilli(), 10),
		"messageCount": strconv.FormatInt(c.MessageCount, 10),
	}
	if c.SharePath != "" {
		fields["sharePath"] = c.SharePath
	}
	if c.LastMessageID != "" {
		fields["lastMessageId"] = c.LastMessageID
	}
	return fields
}

func DecodeChatInfo(fields map[string]string) *Chat {
	c := &Chat{
		ID:            fields["id"],
		Title:         fields["title"],
		UserID:        fields["userId"],
		SharePath:     fields["sharePath"],
		LastMessageID: fields["lastMessageId"],
		CreatedAt:     parseTimestamp(fields["createdAt"]),
		Messages:      []Message{},
	}
	if n, err := strconv.ParseInt(fields["messageCount"], 10, 64); err == nil {
		c.MessageCount = n
	}
	return c
}

func EncodeMessage(m *Message) map[string]any {
	fields := map[string]any{
		"id":        m.ID,
		"chatId":    m.ChatID,
		"role":      m.Role,
		"content":   m.Content,
		"type":      m.Type,
		"createdAt": strconv.FormatInt(m.CreatedAt.UnixMilli(), 10),
	}
	if m.ParentMessageID != "" {
		fields["parentMessageId"] = m.ParentMessageID
	}
	if len(m.Metadata) > 0 {
		if raw, err := json.Marshal(m.Metadata); err == nil {
			fields["metadata"] = string(raw)
		}
	}
	if len(m.ToolInvocations) > 0 {
		if raw, err := json.Marshal(m.ToolInvocations); err == nil {
			fields["toolInvocations"] = string(raw)
		}
	}
	if len(m.Annotations) > 0 {
		if raw, err := json.Marshal(m.Annotations); err == nil {
			fields["annotations"] = string(raw)
		}
	}
	return fields
}

// DecodeMessageFields rebuilds a message from its hash record. Nested
// fields decode independently: a broken toolInvocations blob drops only
// that field, never the message.
func DecodeMessageFields(fields map[string]string) Message {
	m := Message{
		ID:              fields["id"],
		ChatID:          fields["chatId"],
		Role:            fields["role"],
		Content:         fields["content"],
		Type:            fields["type"],
		ParentMessageID: fields["parentMessageId"],
		CreatedAt:       parseTimestamp(fields["createdAt"]),
	}
	if m.Type == "" {
		m.Type = "text"
	}
	if raw := fields["metadata"]; raw != "" {
		var meta map[string]string
		if err := json.Unmarshal([]byte(raw), &meta); err == nil {
			m.Metadata = meta
		} else {
			m.Partial = true
		}
	}
	if raw := fields["toolInvocations"]; raw != "" {
		var tools []ToolInvocation
		if err := json.Unmarshal([]byte(raw), &tools); err == nil {
			m.ToolInvocations = tools
		} else {
			m.Partial = true
		}
	}
	if raw := fields["annotations"]; raw != "" {
		var anns []json.RawMessage
		if err := json.Unmarshal([]byte(raw), &anns); err == nil {
			m.Annotations = anns
		} else {
			m.Partial = true
		}
	}
	m.Parts = BuildParts(&m)
	return m
}

// DecodeMessageArray parses a legacy serialized message array. The whole
// array failing to parse yields an empty slice; a single bad element
// degrades to a partial message carrying whatever could be salvaged.
func DecodeMessageArray(raw string) []Message {
	if strings.TrimSpace(raw) == "" {
		return []Message{}
	}
	var elems []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &elems); err != nil {
		return []Message{}
	}

	out := make([]Message, 0, len(elems))
	for _, elem := range elems {
		out = append(out, decodeMessageElement(elem))
	}
	return out
}

type wireMessage struct {
	ID              string            `json:"id"`
	ChatID          string            `json:"chatId"`
	Role            string            `json:"role"`
	Content         string            `json:"content"`
	Type            string            `json:"type"`
	CreatedAt       json.RawMessage   `json:"createdAt"`
	ParentMessageID string            `json:"parentMessageId"`
	Metadata        map[string]string `json:"metadata"`
	ToolInvocations json.RawMessage   `json:"toolInvocations"`
	Annotations     json.RawMessage   `json:"annotations"`
}

func decodeMessageElement(elem json.RawMessage) Message {
	var w wireMessage
	if err := json.Unmarshal(elem, &w); err != nil {
		return salvageMessage(elem)
	}

	m := Message{
		ID:              w.ID,
		ChatID:          w.ChatID,
		Role:            w.Role,
		Content:         w.Content,
		Type:            w.Type,
		ParentMessageID: w.ParentMessageID,
		Metadata:        w.Metadata,
		CreatedAt:       parseTimestampJSON(w.CreatedAt),
	}
	if m.Type == "" {
		m.Type = "text"
	}
	if len(w.ToolInvocations) > 0 {
		var tools []ToolInvocation
		if err := json.Unmarshal(w.ToolInvocations, &tools); err == nil {
			m.ToolInvocations = tools
		} else {
			m.Partial = true
		}
	}
	if len(w.Annotations) > 0 {
		var anns []json.RawMessage
		if err := json.Unmarshal(w.Annotations, &anns); err == nil {
			m.Annotations = anns
		} else {
			m.Partial = true
		}
	}
	m.Parts = BuildParts(&m)
	return m
}

// salvageMessage pulls whatever string fields survive from a record that
// does not match the message shape.
func salvageMessage(elem json.RawMessage) Message {
	m := Message{Type: "text", Partial: true}
	var loose map[string]any
	if err := json.Unmarshal(elem, &loose); err != nil {
		m.Content = string(elem)
		return m
	}
	if v, ok := loose["id"].(string); ok {
		m.ID = v
	}
	if v, ok := loose["role"].(string); ok {
		m.Role = v
	}
	if v, ok := loose["content"].(string); ok {
		m.Content = v
	}
	m.Parts = BuildParts(&m)
	return m
}

// BuildParts decodes the message into its tagged-union content view. An
// inline chart payload that is not valid JSON falls back to a text part;
// the message itself is never discarded over a bad nested blob.
func BuildParts(m *Message) []MessagePart {
	parts := make([]MessagePart, 0, 1+len(m.ToolInvocations)+len(m.Annotations))

	rest := m.Content
	for {
		before, after, found := strings.Cut(rest, chartOpenTag)
		if !found {
			if rest != "" {
				parts = append(parts, MessagePart{Kind: PartText, Text: rest})
			}
			break
		}
		if before != "" {
			parts = append(parts, MessagePart{Kind: PartText, Text: before})
		}
		payload, tail, closed := strings.Cut(after, chartCloseTag)
		if !closed {
			// Unterminated chart block, keep it as literal text.
			parts = append(parts, MessagePart{Kind: PartText, Text: chartOpenTag + after})
			break
		}
		if json.Valid([]byte(payload)) {
			parts = append(parts, MessagePart{Kind: PartChart, Chart: json.RawMessage(payload)})
		} else {
			parts = append(parts, MessagePart{Kind: PartText, Text: payload})
		}
		rest = tail
	}

	for i := range m.ToolInvocations {
		parts = append(parts, MessagePart{Kind: PartTool, Tool: &m.ToolInvocations[i]})
	}
	for _, ann := range m.Annotations {
		parts = append(parts, MessagePart{Kind: PartAnnotation, Annotation: ann})
	}
	return parts
}

// parseTimestamp accepts unix milliseconds or RFC3339, the two shapes that
// exist in stored data.
func parseTimestamp(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC()
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func parseTimestampJSON(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return parseTimestamp(s)
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return time.UnixMilli(ms).UTC()
	}
	return time.Time{}
}

// IsSentinelID reports ids that mark a record as invalid: empty, or the
// literal "null"/"undefined" strings that leaked out of the legacy writer.
func IsSentinelID(id string) bool {
	switch strings.TrimSpace(id) {
	case "", "null", "undefined":
		return true
	}
	return false
}
