package chatstore

import "strings"

// Key shapes are compatibility-bound to data written by earlier deployments:
// the bare chat:<id> hash is the legacy single-blob format, everything else
// belongs to the normalized schema. The v2 tag in the user index key is the
// structural signal that separates the two eras.
const (
	chatPrefix    = "chat:"
	infoSuffix    = ":info"
	messageInfix  = ":message:"
	orderSuffix   = ":messages"
	threadsSuffix = ":threads"
)

func LegacyChatKey(chatID string) string {
	return chatPrefix + chatID
}

func ChatInfoKey(chatID string) string {
	return chatPrefix + chatID + infoSuffix
}

func MessageKey(chatID, messageID string) string {
	return chatPrefix + chatID + messageInfix + messageID
}

func MessageOrderKey(chatID string) string {
	return chatPrefix + chatID + orderSuffix
}

func ThreadIndexKey(chatID string) string {
	return chatPrefix + chatID + threadsSuffix
}

func UserChatsKey(userID string) string {
	return "user:v2:" + userID + ":chats"
}

// ChatIDFromMessageKey extracts the owning chat id from a
// chat:<id>:message:<mid> key. Returns "" for keys of any other shape.
func ChatIDFromMessageKey(key string) string {
	rest, ok := strings.CutPrefix(key, chatPrefix)
	if !ok {
		return ""
	}
	chatID, _, ok := strings.Cut(rest, messageInfix)
	if !ok {
		return ""
	}
	return chatID
}

// IsLegacyCandidateKey reports whether key is a bare chat:<id> key, i.e.
// not one of the normalized-schema keys hanging off a chat id.
func IsLegacyCandidateKey(key string) bool {
	rest, ok := strings.CutPrefix(key, chatPrefix)
	if !ok {
		return false
	}
	if strings.Contains(rest, messageInfix) {
		return false
	}
	return !strings.HasSuffix(rest, infoSuffix) &&
		!strings.HasSuffix(rest, orderSuffix) &&
		!strings.HasSuffix(rest, threadsSuffix)
}
