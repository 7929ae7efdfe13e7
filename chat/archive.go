package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/onnwee/chat-tender/irc"
)

// Archiver persists merged messages into the chat_messages table and can
// replay the most recent rows as a backfill source when no external history
// endpoint is configured (e.g. after a restart).
type Archiver struct {
	DB *sql.DB
}

// SaveMessages implements ArchiveSink. Inserts are best-effort: individual
// failures are logged at debug and skipped, conflicts on (channel,
// message_id) are ignored so re-merged batches stay idempotent.
func (a *Archiver) SaveMessages(ctx context.Context, channel string, msgs []irc.ChatMessage) error {
	channel = irc.NormalizeChannel(channel)
	stmt, err := a.DB.PrepareContext(ctx, `INSERT INTO chat_messages
		(channel, message_id, user_id, username, display_name, message, badge_keys, fragments, avatar_url, sent_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (channel, message_id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer func() {
		if err := stmt.Close(); err != nil {
			slog.Warn("failed to close prepared statement", slog.Any("err", err))
		}
	}()
	for i := range msgs {
		m := &msgs[i]
		var fragments []byte
		if len(m.Fragments) > 0 {
			fragments, _ = json.Marshal(m.Fragments)
		}
		if _, err := stmt.ExecContext(ctx, channel, m.MessageID, m.UserID, m.Username,
			m.DisplayName, m.Message, strings.Join(m.BadgeKeys, ","), fragments,
			m.AvatarURL, m.Timestamp); err != nil {
			slog.Debug("insert chat row failed", slog.Any("err", err))
		}
	}
	return nil
}

// FetchHistory implements HistoryFetcher over the archive: the most recent
// rows for a channel, oldest first so merge order matches arrival order.
func (a *Archiver) FetchHistory(ctx context.Context, channel string, limit int) ([]irc.ChatMessage, error) {
	channel = irc.NormalizeChannel(channel)
	if limit <= 0 {
		limit = 200
	}
	rows, err := a.DB.QueryContext(ctx, `SELECT message_id, user_id, username, display_name, message, badge_keys, fragments, avatar_url, sent_at
		FROM (SELECT * FROM chat_messages WHERE channel=$1 ORDER BY id DESC LIMIT $2) recent
		ORDER BY id ASC`, channel, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	var out []irc.ChatMessage
	for rows.Next() {
		var m irc.ChatMessage
		var badges string
		var fragments []byte
		if err := rows.Scan(&m.MessageID, &m.UserID, &m.Username, &m.DisplayName,
			&m.Message, &badges, &fragments, &m.AvatarURL, &m.Timestamp); err != nil {
			return nil, err
		}
		if badges != "" {
			m.BadgeKeys = strings.Split(badges, ",")
		}
		if len(fragments) > 0 {
			_ = json.Unmarshal(fragments, &m.Fragments)
		}
		m.ID = m.MessageID
		m.Channel = channel
		out = append(out, m)
	}
	return out, rows.Err()
}
