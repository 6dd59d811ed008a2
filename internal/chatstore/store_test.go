package chatstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return New(Config{Redis: rdb, Logger: zerolog.Nop()}), mr, rdb
}

func TestAppendThenGetRoundTrip(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	chat, err := s.CreateChat(ctx, "u1", "fusion research")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	msg := Message{
		ID:      "m1",
		Role:    "assistant",
		Content: "found 3 papers",
		Type:    "text",
		Metadata: map[string]string{
			"model": "sonnet",
		},
		ToolInvocations: []ToolInvocation{{
			ToolCallID: "call-1",
			ToolName:   "web_search",
			State:      "result",
			Args:       json.RawMessage(`{"query":"fusion"}`),
			Result:     json.RawMessage(`{"count":3}`),
		}},
		Annotations: []json.RawMessage{json.RawMessage(`{"kind":"citation"}`)},
	}
	if err := s.AppendMessage(ctx, chat.ID, msg); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := s.GetChat(ctx, chat.ID)
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if got == nil {
		t.Fatal("expected chat, got nil")
	}
	if len(got.Messages) != 1 {
		t.Fatalf("expected one message, got %d", len(got.Messages))
	}

	m := got.Messages[0]
	if m.ID != "m1" || m.Role != "assistant" || m.Content != "found 3 papers" {
		t.Fatalf("unexpected message: %+v", m)
	}
	if len(m.ToolInvocations) != 1 || m.ToolInvocations[0].ToolName != "web_search" {
		t.Fatalf("tool invocations lost: %+v", m.ToolInvocations)
	}
	if len(m.Annotations) != 1 {
		t.Fatalf("annotations lost: %+v", m.Annotations)
	}
	if got.MessageCount != 1 || got.LastMessageID != "m1" {
		t.Fatalf("derived fields wrong: count=%d last=%q", got.MessageCount, got.LastMessageID)
	}
}

func TestAppendIdempotentByID(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	chat, err := s.CreateChat(ctx, "u1", "dedup")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	msg := Message{ID: "m1", Role: "user", Content: "hi"}
	if err := s.AppendMessage(ctx, chat.ID, msg); err != nil {
		t.Fatalf("append#1: %v", err)
	}
	if err := s.AppendMessage(ctx, chat.ID, msg); err != nil {
		t.Fatalf("append#2: %v", err)
	}

	got, err := s.GetChat(ctx, chat.ID)
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if got.MessageCount != 1 {
		t.Fatalf("expected messageCount 1 after duplicate append, got %d", got.MessageCount)
	}
	if len(got.Messages) != 1 {
		t.Fatalf("expected one stored message, got %d", len(got.Messages))
	}
}

func TestAppendMaintainsThreadIndex(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	chat, err := s.CreateChat(ctx, "u1", "threads")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	if err := s.AppendMessage(ctx, chat.ID, Message{ID: "root", Role: "user", Content: "q", CreatedAt: base}); err != nil {
		t.Fatalf("append root: %v", err)
	}
	for i, id := range []string{"r1", "r2"} {
		msg := Message{
			ID:              id,
			Role:            "assistant",
			Content:         "a",
			ParentMessageID: "root",
			CreatedAt:       base.Add(time.Duration(i+1) * time.Second),
		}
		if err := s.AppendMessage(ctx, chat.ID, msg); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}

	replies, err := s.Replies(ctx, chat.ID, "root")
	if err != nil {
		t.Fatalf("replies: %v", err)
	}
	if len(replies) != 2 || replies[0] != "r1" || replies[1] != "r2" {
		t.Fatalf("expected replies [r1 r2] in arrival order, got %v", replies)
	}
}

func TestGetChatAbsentReturnsNil(t *testing.T) {
	s, _, _ := newTestStore(t)

	chat, err := s.GetChat(context.Background(), "missing")
	if err != nil {
		t.Fatalf("expected no error for absent chat, got %v", err)
	}
	if chat != nil {
		t.Fatalf("expected nil chat, got %+v", chat)
	}
}

func TestGetChatLegacyFormat(t *testing.T) {
	s, mr, _ := newTestStore(t)
	ctx := context.Background()

	mr.HSet("chat:legacy1", "id", "legacy1")
	mr.HSet("chat:legacy1", "title", "old chat")
	mr.HSet("chat:legacy1", "userId", "u1")
	mr.HSet("chat:legacy1", "messages", `[{"id":"m1","role":"user","content":"hello"}]`)

	chat, err := s.GetChat(ctx, "legacy1")
	if err != nil {
		t.Fatalf("get legacy chat: %v", err)
	}
	if chat == nil || chat.Title != "old chat" {
		t.Fatalf("unexpected chat: %+v", chat)
	}
	if len(chat.Messages) != 1 || chat.Messages[0].Content != "hello" {
		t.Fatalf("legacy messages not decoded: %+v", chat.Messages)
	}
}

func TestGetChatLegacyMalformedMessagesDegradesToEmpty(t *testing.T) {
	s, mr, _ := newTestStore(t)

	mr.HSet("chat:legacy2", "id", "legacy2")
	mr.HSet("chat:legacy2", "messages", "{corrupted")

	chat, err := s.GetChat(context.Background(), "legacy2")
	if err != nil {
		t.Fatalf("expected corrupted messages to degrade, got error %v", err)
	}
	if chat == nil {
		t.Fatal("expected chat, got nil")
	}
	if len(chat.Messages) != 0 {
		t.Fatalf("expected empty message list, got %d", len(chat.Messages))
	}
}

func TestListChatsEmptyUserIDSkipsBackend(t *testing.T) {
	s, mr, _ := newTestStore(t)
	// With the backend gone, only the fast-path can succeed.
	mr.Close()

	chats, err := s.ListChats(context.Background(), "")
	if err != nil {
		t.Fatalf("expected fast-path success, got %v", err)
	}
	if len(chats) != 0 {
		t.Fatalf("expected empty list, got %d", len(chats))
	}
}

func TestListChatsRecencyOrder(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	first, err := s.CreateChat(ctx, "u1", "first")
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	second, err := s.CreateChat(ctx, "u1", "second")
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	chats, err := s.ListChats(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(chats) != 2 {
		t.Fatalf("expected two chats, got %d", len(chats))
	}
	if chats[0].ID != second.ID || chats[1].ID != first.ID {
		t.Fatalf("expected reverse chronological order, got %s then %s", chats[0].ID, chats[1].ID)
	}

	// Saving the older chat resurfaces it.
	time.Sleep(2 * time.Millisecond)
	if err := s.SaveChat(ctx, first, "u1"); err != nil {
		t.Fatalf("save: %v", err)
	}
	chats, err = s.ListChats(ctx, "u1")
	if err != nil {
		t.Fatalf("list after save: %v", err)
	}
	if chats[0].ID != first.ID {
		t.Fatalf("expected resaved chat on top, got %s", chats[0].ID)
	}
}

func TestListChatsSelfHealing(t *testing.T) {
	s, _, rdb := newTestStore(t)
	ctx := context.Background()

	real, err := s.CreateChat(ctx, "u1", "real")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	// Dangling entry: in the index, no record anywhere.
	if err := rdb.ZAdd(ctx, UserChatsKey("u1"), redis.Z{Score: 1, Member: "ghost"}).Err(); err != nil {
		t.Fatalf("seed dangling entry: %v", err)
	}
	// Sentinel-id record.
	if err := rdb.ZAdd(ctx, UserChatsKey("u1"), redis.Z{Score: 2, Member: "bad"}).Err(); err != nil {
		t.Fatalf("seed sentinel entry: %v", err)
	}
	if err := rdb.HSet(ctx, ChatInfoKey("bad"), "id", "null").Err(); err != nil {
		t.Fatalf("seed sentinel record: %v", err)
	}

	chats, err := s.ListChats(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(chats) != 1 || chats[0].ID != real.ID {
		t.Fatalf("expected only the real chat, got %+v", chats)
	}

	// The prune is asynchronous; wait for it to land.
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := rdb.ZCard(ctx, UserChatsKey("u1")).Result()
		if err != nil {
			t.Fatalf("zcard: %v", err)
		}
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dangling entries never pruned, index size %d", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDeleteChat(t *testing.T) {
	s, mr, rdb := newTestStore(t)
	ctx := context.Background()

	chat, err := s.CreateChat(ctx, "u1", "doomed")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	if err := s.AppendMessage(ctx, chat.ID, Message{ID: "m1", Role: "user", Content: "x"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := s.DeleteChat(ctx, chat.ID, "u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if mr.Exists(ChatInfoKey(chat.ID)) || mr.Exists(MessageKey(chat.ID, "m1")) {
		t.Fatal("expected chat keys deleted")
	}
	n, err := rdb.ZCard(ctx, UserChatsKey("u1")).Result()
	if err != nil {
		t.Fatalf("zcard: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected index membership removed, got %d entries", n)
	}
}

func TestDeleteChatWrongOwner(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	chat, err := s.CreateChat(ctx, "owner", "private")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	err = s.DeleteChat(ctx, chat.ID, "intruder")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for wrong owner, got %v", err)
	}

	// The chat must survive the denied delete.
	got, err := s.GetChat(ctx, chat.ID)
	if err != nil || got == nil {
		t.Fatalf("expected chat intact, got %+v err=%v", got, err)
	}
}

func TestShareChat(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	chat, err := s.CreateChat(ctx, "u1", "shareable")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	shared, err := s.ShareChat(ctx, chat.ID, "u1")
	if err != nil {
		t.Fatalf("share: %v", err)
	}
	if shared.SharePath != "/share/"+chat.ID {
		t.Fatalf("unexpected share path %q", shared.SharePath)
	}

	if _, err := s.ShareChat(ctx, chat.ID, "intruder"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := s.ShareChat(ctx, "missing", "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendValidation(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.AppendMessage(ctx, "c1", Message{ID: "m1", Role: "system", Content: "x"}); err == nil {
		t.Fatal("expected role validation failure")
	}
	if err := s.AppendMessage(ctx, "c1", Message{Role: "user", Content: "x"}); err == nil {
		t.Fatal("expected missing id failure")
	}
}
