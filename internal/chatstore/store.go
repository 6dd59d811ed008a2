package chatstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"researchd/internal/metrics"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
)

// Store owns chat and message records plus the secondary indexes hanging
// off them: the per-user recency index, the per-chat message-order index
// and the reply-thread index. All multi-key writes go through the
// backend's atomic batch; there is no in-process locking.
type Store struct {
	rdb     *redis.Client
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Config struct {
	Redis   *redis.Client
	Logger  zerolog.Logger
	Metrics *metrics.Metrics

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func New(cfg Config) *Store {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{
		rdb:     cfg.Redis,
		logger:  cfg.Logger,
		metrics: m,
		now:     now,
	}
}

// CreateChat writes a fresh chat info record and its membership in the
// owning user's recency index as one batch. An empty userID falls back to
// the anonymous owner.
func (s *Store) CreateChat(ctx context.Context, userID, title string) (*Chat, error) {
	if userID == "" {
		userID = AnonymousUserID
	}
	chat := &Chat{
		ID:        uuid.NewString(),
		Title:     title,
		UserID:    userID,
		CreatedAt: s.now(),
		Messages:  []Message{},
	}
	if err := s.SaveChat(ctx, chat, userID); err != nil {
		return nil, err
	}
	return chat, nil
}

// SaveChat upserts the chat info hash and (re)inserts the user-index
// membership with a fresh score, which resurfaces the chat at the top of
// recency ordering. Unlike AppendMessage, any sub-operation failure fails
// the whole save.
func (s *Store) SaveChat(ctx context.Context, chat *Chat, userID string) error {
	if err := chat.Validate(); err != nil {
		return fmt.Errorf("validate chat: %w", err)
	}
	if userID == "" {
		userID = AnonymousUserID
	}
	chat.UserID = userID
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = s.now()
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, ChatInfoKey(chat.ID), EncodeChatInfo(chat))
	pipe.ZAdd(ctx, UserChatsKey(userID), redis.Z{
		Score:  float64(s.now().UnixMilli()),
		Member: chat.ID,
	})
	cmds, err := pipe.Exec(ctx)
	if err := newBatchError("save chat", cmds, err); err != nil {
		s.metrics.BatchFailures.Inc()
		return err
	}
	return nil
}

// AppendMessage stores one message and maintains every index derived from
// it in a single atomic batch: the message hash, the order index, the
// thread index when the message is a reply, and the chat's lastMessageId.
// The backend does not roll back steps that already ran, so a batch error
// means possibly-partially-applied; every sub-write is an overwrite-by-id
// and the whole append is safe to retry.
//
// messageCount is recomputed from the order-index cardinality rather than
// incremented, which keeps retries and concurrent appends from drifting
// the count.
func (s *Store) AppendMessage(ctx context.Context, chatID string, msg Message) error {
	msg.ChatID = chatID
	if msg.Type == "" {
		msg.Type = "text"
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("validate message: %w", err)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	score := float64(msg.CreatedAt.UnixMilli())

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, MessageKey(chatID, msg.ID), EncodeMessage(&msg))
	pipe.ZAdd(ctx, MessageOrderKey(chatID), redis.Z{Score: score, Member: msg.ID})
	if msg.ParentMessageID != "" {
		pipe.ZAdd(ctx, ThreadIndexKey(chatID), redis.Z{
			Score:  score,
			Member: msg.ParentMessageID + ":" + msg.ID,
		})
	}
	pipe.HSet(ctx, ChatInfoKey(chatID), "lastMessageId", msg.ID)
	card := pipe.ZCard(ctx, MessageOrderKey(chatID))

	cmds, err := pipe.Exec(ctx)
	if err := newBatchError("append message", cmds, err); err != nil {
		s.metrics.BatchFailures.Inc()
		return err
	}

	// The ZCARD ran after the ZADD inside the same transaction, so it
	// already includes this append.
	if err := s.rdb.HSet(ctx, ChatInfoKey(chatID), "messageCount", card.Val()).Err(); err != nil {
		return fmt.Errorf("update message count: %w", err)
	}
	s.metrics.MessagesAppended.Inc()
	return nil
}

// GetChat returns nil without error when the chat does not exist. Chats
// still in the legacy single-blob format are readable as-is; message
// decoding is best-effort throughout.
func (s *Store) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	info, err := s.rdb.HGetAll(ctx, ChatInfoKey(chatID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read chat info: %w", err)
	}
	if len(info) > 0 {
		chat := DecodeChatInfo(info)
		msgs, err := s.loadMessages(ctx, chatID)
		if err != nil {
			return nil, err
		}
		chat.Messages = msgs
		return chat, nil
	}

	legacy, err := s.rdb.HGetAll(ctx, LegacyChatKey(chatID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read legacy chat: %w", err)
	}
	if len(legacy) == 0 {
		return nil, nil
	}
	return decodeLegacyChat(legacy), nil
}

// ListChats returns a user's chats in reverse chronological order. A
// missing userID is an explicit fast-path returning an empty list without
// touching the backend. Index entries whose record has gone missing or
// carries a sentinel id are filtered out and pruned asynchronously.
func (s *Store) ListChats(ctx context.Context, userID string) ([]*Chat, error) {
	if userID == "" {
		return []*Chat{}, nil
	}

	ids, err := s.rdb.ZRevRange(ctx, UserChatsKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read user chat index: %w", err)
	}
	if len(ids) == 0 {
		return []*Chat{}, nil
	}

	pipe := s.rdb.Pipeline()
	infoCmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		infoCmds[i] = pipe.HGetAll(ctx, ChatInfoKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("fan out chat info: %w", err)
	}

	out := make([]*Chat, 0, len(ids))
	var dangling []string
	for i, id := range ids {
		fields, err := infoCmds[i].Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			s.logger.Warn().Err(err).Str("chat_id", id).Msg("chat info fetch failed, skipping")
			continue
		}
		if len(fields) == 0 {
			// No normalized record; the chat may still live in the
			// legacy blob format.
			legacy, err := s.rdb.HGetAll(ctx, LegacyChatKey(id)).Result()
			if err == nil && len(legacy) > 0 && !IsSentinelID(legacy["id"]) {
				out = append(out, decodeLegacyChat(legacy))
				continue
			}
			dangling = append(dangling, id)
			continue
		}
		if IsSentinelID(fields["id"]) {
			dangling = append(dangling, id)
			continue
		}
		chat := DecodeChatInfo(fields)
		msgs, err := s.loadMessages(ctx, id)
		if err != nil {
			s.logger.Warn().Err(err).Str("chat_id", id).Msg("message load failed, returning chat without messages")
			msgs = []Message{}
		}
		chat.Messages = msgs
		out = append(out, chat)
	}

	if len(dangling) > 0 {
		s.pruneAsync(userID, dangling)
	}
	return out, nil
}

// pruneAsync removes dangling index members in the background; the read
// that found them already returned. Self-healing, never blocks a caller.
func (s *Store) pruneAsync(userID string, chatIDs []string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		members := make([]any, len(chatIDs))
		for i, id := range chatIDs {
			members[i] = id
		}
		if err := s.rdb.ZRem(ctx, UserChatsKey(userID), members...).Err(); err != nil {
			s.logger.Error().Err(err).Str("user_id", userID).Msg("failed to prune dangling chat index entries")
			return
		}
		for range chatIDs {
			s.metrics.IndexRepairs.Inc()
		}
		s.logger.Info().Str("user_id", userID).Int("pruned", len(chatIDs)).Msg("pruned dangling chat index entries")
	}()
}

// DeleteChat removes the chat record and its user-index membership as one
// batch. A chat absent from the expected owner's index yields ErrNotFound,
// distinguishable from a backend failure.
func (s *Store) DeleteChat(ctx context.Context, chatID, userID string) error {
	if userID == "" {
		userID = AnonymousUserID
	}
	if err := s.rdb.ZScore(ctx, UserChatsKey(userID), chatID).Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("check chat ownership: %w", err)
	}

	msgIDs, err := s.rdb.ZRange(ctx, MessageOrderKey(chatID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("read message index: %w", err)
	}

	keys := make([]string, 0, len(msgIDs)+4)
	for _, id := range msgIDs {
		keys = append(keys, MessageKey(chatID, id))
	}
	keys = append(keys,
		MessageOrderKey(chatID),
		ThreadIndexKey(chatID),
		ChatInfoKey(chatID),
		LegacyChatKey(chatID),
	)

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, UserChatsKey(userID), chatID)
	cmds, err := pipe.Exec(ctx)
	if err := newBatchError("delete chat", cmds, err); err != nil {
		// Partial completion is a surfaced inconsistency, never a
		// silent success.
		s.metrics.BatchFailures.Inc()
		return err
	}
	return nil
}

// ShareChat sets the chat's share path and returns the updated chat.
// Requesting a share link for someone else's chat yields ErrUnauthorized.
func (s *Store) ShareChat(ctx context.Context, chatID, userID string) (*Chat, error) {
	if userID == "" {
		userID = AnonymousUserID
	}
	exists, err := s.rdb.Exists(ctx, ChatInfoKey(chatID)).Result()
	if err != nil {
		return nil, fmt.Errorf("check chat exists: %w", err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}
	if err := s.rdb.ZScore(ctx, UserChatsKey(userID), chatID).Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("check chat ownership: %w", err)
	}

	sharePath := "/share/" + chatID
	if err := s.rdb.HSet(ctx, ChatInfoKey(chatID), "sharePath", sharePath).Err(); err != nil {
		return nil, fmt.Errorf("set share path: %w", err)
	}
	return s.GetChat(ctx, chatID)
}

// Replies returns the ids of direct replies to parentID in arrival order,
// served by a score-ordered range over the thread index rather than a
// scan of message records.
func (s *Store) Replies(ctx context.Context, chatID, parentID string) ([]string, error) {
	members, err := s.rdb.ZRange(ctx, ThreadIndexKey(chatID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read thread index: %w", err)
	}
	out := make([]string, 0, len(members))
	for _, m := range members {
		if child, ok := strings.CutPrefix(m, parentID+":"); ok {
			out = append(out, child)
		}
	}
	return out, nil
}

func (s *Store) loadMessages(ctx context.Context, chatID string) ([]Message, error) {
	ids, err := s.rdb.ZRange(ctx, MessageOrderKey(chatID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read message order index: %w", err)
	}
	if len(ids) == 0 {
		return []Message{}, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, MessageKey(chatID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("fan out messages: %w", err)
	}

	out := make([]Message, 0, len(ids))
	for i, id := range ids {
		fields, err := cmds[i].Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			s.logger.Warn().Err(err).Str("chat_id", chatID).Str("message_id", id).Msg("message fetch failed, skipping")
			continue
		}
		if len(fields) == 0 {
			// Dangling index entry; the cleanup sweep owns repair.
			continue
		}
		out = append(out, DecodeMessageFields(fields))
	}
	return out, nil
}

func decodeLegacyChat(fields map[string]string) *Chat {
	chat := DecodeChatInfo(fields)
	chat.Messages = DecodeMessageArray(fields["messages"])
	chat.MessageCount = int64(len(chat.Messages))
	if n := len(chat.Messages); n > 0 {
		chat.LastMessageID = chat.Messages[n-1].ID
	}
	return chat
}
