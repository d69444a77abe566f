package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/otprelay/golang_services/internal/core_domain"
	"github.com/otprelay/golang_services/internal/message_poller/domain"
)

// appleEpoch is the zero point of chat.db timestamps, which count
// nanoseconds from it.
var appleEpoch = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

const selectMessagesSince = `
	SELECT message.guid, message.text, handle.id, message.cache_roomnames,
	       message.is_from_me, message.is_read, message.date
	FROM message
	LEFT JOIN handle ON message.handle_id = handle.ROWID
	WHERE message.date > ? AND message.service = 'SMS'
	ORDER BY message.date ASC`

// ChatDBSource reads SMS rows from a macOS Messages database, read-only.
type ChatDBSource struct {
	path   string
	logger *slog.Logger

	once sync.Once
	db   *sql.DB
	err  error
}

func NewChatDBSource(path string, logger *slog.Logger) *ChatDBSource {
	return &ChatDBSource{path: path, logger: logger.With("component", "chatdb_source")}
}

func (s *ChatDBSource) open() (*sql.DB, error) {
	s.once.Do(func() {
		q := url.Values{}
		q.Set("mode", "ro")
		q.Set("_busy_timeout", "2000")
		s.db, s.err = sql.Open("sqlite3", "file:"+s.path+"?"+q.Encode())
		if s.db != nil {
			s.db.SetMaxOpenConns(1)
		}
	})
	return s.db, s.err
}

// AppleTimestamp converts t to chat.db's date column unit.
func AppleTimestamp(t time.Time) int64 {
	return t.Sub(appleEpoch).Nanoseconds()
}

func fromAppleTimestamp(v int64) time.Time {
	return appleEpoch.Add(time.Duration(v))
}

func (s *ChatDBSource) ReadMessagesSince(ctx context.Context, since time.Time) ([]core_domain.Message, error) {
	db, err := s.open()
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", domain.ErrSourceUnavailable, s.path, err)
	}

	rows, err := db.QueryContext(ctx, selectMessagesSince, AppleTimestamp(since))
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", domain.ErrSourceUnavailable, err)
	}
	defer rows.Close()

	var out []core_domain.Message
	for rows.Next() {
		var (
			guid     string
			text     sql.NullString
			sender   sql.NullString
			room     sql.NullString
			fromSelf bool
			read     bool
			date     int64
		)
		if err := rows.Scan(&guid, &text, &sender, &room, &fromSelf, &read, &date); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		// rows without text or sender are attachments or system notices
		if !text.Valid || !sender.Valid {
			continue
		}
		msg := core_domain.Message{
			ID:       guid,
			Body:     text.String,
			Sender:   sender.String,
			FromSelf: fromSelf,
			Read:     read,
			SentAt:   fromAppleTimestamp(date),
		}
		if room.Valid && room.String != "" {
			g := room.String
			msg.GroupID = &g
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate: %v", domain.ErrSourceUnavailable, err)
	}
	return out, nil
}

// HasRequiredAccess opens the database and runs a trivial query.
func (s *ChatDBSource) HasRequiredAccess(ctx context.Context) bool {
	db, err := s.open()
	if err != nil {
		return false
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT 1 FROM message LIMIT 1`).Scan(&n); err != nil && err != sql.ErrNoRows {
		s.logger.DebugContext(ctx, "Message database not readable", "path", s.path, "error", err)
		return false
	}
	return true
}

func (s *ChatDBSource) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
