// Package migrate rewrites chats from the legacy single-blob format into
// the normalized multi-key schema, and repairs the damage partial
// failures leave behind.
package migrate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"researchd/internal/chatstore"
	"researchd/internal/metrics"
)

// Report is the structured outcome of one maintenance pass. Per-key
// failures land in Errors and never abort the pass.
type Report struct {
	Kind             string    `json:"kind"`
	StartedAt        time.Time `json:"startedAt"`
	FinishedAt       time.Time `json:"finishedAt"`
	MigratedChats    int       `json:"migratedChats"`
	SkippedChats     int       `json:"skippedChats"`
	InvalidChats     int       `json:"invalidChats"`
	OrphanedMessages int       `json:"orphanedMessages"`
	Errors           []string  `json:"errors,omitempty"`
}

type Migrator struct {
	rdb       *redis.Client
	store     *chatstore.Store
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	scanCount int64
	now       func() time.Time
}

type Config struct {
	Redis     *redis.Client
	Store     *chatstore.Store
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	ScanCount int64

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func New(cfg Config) *Migrator {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.ScanCount <= 0 {
		cfg.ScanCount = 200
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Migrator{
		rdb:       cfg.Redis,
		store:     cfg.Store,
		logger:    cfg.Logger,
		metrics:   m,
		scanCount: cfg.ScanCount,
		now:       now,
	}
}

// Run is the explicit legacy-to-normalized migration pass. It is safe to
// re-run: every message write is an overwrite-by-id, and a chat whose
// legacy key is already gone is skipped.
func (m *Migrator) Run(ctx context.Context) (*Report, error) {
	report := &Report{Kind: "migration", StartedAt: m.now()}
	defer func() { report.FinishedAt = m.now() }()

	keys, err := m.scanKeys(ctx, "chat:*")
	if err != nil {
		return report, err
	}

	for _, key := range keys {
		if !chatstore.IsLegacyCandidateKey(key) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		migrated, err := m.migrateChat(ctx, key, report)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", key, err))
			m.logger.Error().Err(err).Str("key", key).Msg("chat migration failed")
			continue
		}
		if migrated {
			report.MigratedChats++
			m.metrics.ChatsMigrated.Inc()
		} else {
			report.SkippedChats++
		}
	}

	m.logger.Info().
		Int("migrated", report.MigratedChats).
		Int("skipped", report.SkippedChats).
		Int("errors", len(report.Errors)).
		Msg("legacy migration finished")
	return report, nil
}

func (m *Migrator) migrateChat(ctx context.Context, key string, report *Report) (bool, error) {
	blob, err := m.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("read legacy chat: %w", err)
	}
	if len(blob) == 0 {
		// Already normalized (or deleted) since the scan; nothing to do.
		return false, nil
	}
	rawMessages, isLegacy := blob["messages"]
	if !isLegacy {
		return false, nil
	}

	chat := chatstore.DecodeChatInfo(blob)
	chatID := chat.ID
	if chatstore.IsSentinelID(chatID) {
		// Fall back to the id embedded in the key; the cleanup sweep
		// deletes records where even that is unusable.
		chatID = key[len("chat:"):]
		chat.ID = chatID
	}
	if chatstore.IsSentinelID(chatID) {
		return false, fmt.Errorf("legacy chat has no usable id")
	}

	messages := chatstore.DecodeMessageArray(rawMessages)
	base := chat.CreatedAt
	if base.IsZero() {
		base = m.now()
	}
	for i, msg := range messages {
		msg.ChatID = chatID
		if msg.ID == "" {
			// Deterministic fallback id so a re-run after partial
			// emission overwrites instead of duplicating.
			msg.ID = fmt.Sprintf("%s:m%04d", chatID, i)
		}
		if msg.Role == "" {
			msg.Role = "user"
		}
		if msg.Content == "" {
			// Keep the slot so ordering and counts survive even when
			// the legacy payload lost the text.
			msg.Content = "[unrecoverable message]"
		}
		if msg.CreatedAt.IsZero() {
			// Preserve original ordering via position-derived scores.
			msg.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
		}
		if err := m.store.AppendMessage(ctx, chatID, msg); err != nil {
			return false, fmt.Errorf("re-emit message %d: %w", i, err)
		}
	}

	chat.MessageCount = int64(len(messages))
	if n := len(messages); n > 0 {
		last := messages[n-1]
		if last.ID != "" {
			chat.LastMessageID = last.ID
		} else {
			chat.LastMessageID = fmt.Sprintf("%s:m%04d", chatID, n-1)
		}
	}
	userID := chat.UserID
	if userID == "" {
		userID = chatstore.AnonymousUserID
		chat.UserID = userID
	}

	pipe := m.rdb.TxPipeline()
	pipe.HSet(ctx, chatstore.ChatInfoKey(chatID), chatstore.EncodeChatInfo(chat))
	pipe.ZAdd(ctx, chatstore.UserChatsKey(userID), redis.Z{
		Score:  float64(recencyScore(chat, messages)),
		Member: chatID,
	})
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("finalize migration: %w", err)
	}
	return true, nil
}

// recencyScore preserves the chat's place in the user's recency ordering
// instead of resurfacing every migrated chat to the top.
func recencyScore(chat *chatstore.Chat, messages []chatstore.Message) int64 {
	if n := len(messages); n > 0 && !messages[n-1].CreatedAt.IsZero() {
		return messages[n-1].CreatedAt.UnixMilli()
	}
	return chat.CreatedAt.UnixMilli()
}

// Sweep is the best-effort failure-repair pass: it deletes chat records
// with missing or sentinel ids along with everything keyed under them,
// and reclaims message records whose parent chat-info record is gone.
func (m *Migrator) Sweep(ctx context.Context) (*Report, error) {
	report := &Report{Kind: "cleanup", StartedAt: m.now()}
	defer func() { report.FinishedAt = m.now() }()

	infoKeys, err := m.scanKeys(ctx, "chat:*:info")
	if err != nil {
		return report, err
	}
	for _, key := range infoKeys {
		if err := m.sweepInfoKey(ctx, key, report); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", key, err))
			m.logger.Error().Err(err).Str("key", key).Msg("cleanup of chat record failed")
		}
	}

	msgKeys, err := m.scanKeys(ctx, "chat:*:message:*")
	if err != nil {
		return report, err
	}
	for _, key := range msgKeys {
		if err := m.sweepMessageKey(ctx, key, report); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", key, err))
			m.logger.Error().Err(err).Str("key", key).Msg("cleanup of message record failed")
		}
	}

	m.logger.Info().
		Int("invalid_chats", report.InvalidChats).
		Int("orphaned_messages", report.OrphanedMessages).
		Int("errors", len(report.Errors)).
		Msg("cleanup sweep finished")
	return report, nil
}

func (m *Migrator) sweepInfoKey(ctx context.Context, key string, report *Report) error {
	fields, err := m.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("read chat info: %w", err)
	}
	if len(fields) == 0 {
		return nil
	}
	if !chatstore.IsSentinelID(fields["id"]) {
		return nil
	}

	chatID := key[len("chat:") : len(key)-len(":info")]
	msgIDs, err := m.rdb.ZRange(ctx, chatstore.MessageOrderKey(chatID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("read message index: %w", err)
	}
	doomed := make([]string, 0, len(msgIDs)+4)
	for _, id := range msgIDs {
		doomed = append(doomed, chatstore.MessageKey(chatID, id))
	}
	doomed = append(doomed,
		chatstore.MessageOrderKey(chatID),
		chatstore.ThreadIndexKey(chatID),
		chatstore.LegacyChatKey(chatID),
		key,
	)
	if err := m.rdb.Del(ctx, doomed...).Err(); err != nil {
		return fmt.Errorf("delete invalid chat: %w", err)
	}
	report.InvalidChats++
	m.metrics.InvalidChats.Inc()
	return nil
}

func (m *Migrator) sweepMessageKey(ctx context.Context, key string, report *Report) error {
	chatID := chatstore.ChatIDFromMessageKey(key)
	if chatID == "" {
		return nil
	}
	exists, err := m.rdb.Exists(ctx, chatstore.ChatInfoKey(chatID)).Result()
	if err != nil {
		return fmt.Errorf("check parent chat: %w", err)
	}
	if exists > 0 {
		return nil
	}

	msgID := key[len(chatstore.MessageKey(chatID, "")):]
	pipe := m.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.ZRem(ctx, chatstore.MessageOrderKey(chatID), msgID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete orphaned message: %w", err)
	}
	report.OrphanedMessages++
	m.metrics.OrphansReclaimed.Inc()
	return nil
}

func (m *Migrator) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		out    []string
		cursor uint64
	)
	for {
		keys, next, err := m.rdb.Scan(ctx, cursor, pattern, m.scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %q: %w", pattern, err)
		}
		out = append(out, keys...)
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}
