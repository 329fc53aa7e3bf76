//go:generate go run go.uber.org/mock/mockgen -source=repository.go -destination=mocks/mock_store.go -package=mocks
package chat

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"
)

// MessageStore is the append-only message log. Append assigns the id; ListAll
// returns every message in insertion order.
type MessageStore interface {
	Append(ctx context.Context, msg Message) (MessageID, error)
	ListAll(ctx context.Context) ([]Message, error)
}

// HistoryReader serves read-only history queries outside the relay path.
type HistoryReader interface {
	ListAll(ctx context.Context) ([]Message, error)
	Get(ctx context.Context, id MessageID) (Message, error)
}

// HistoryCounter reports how many messages the log holds.
type HistoryCounter interface {
	Count(ctx context.Context) (int, error)
}

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

type messageRow struct {
	ID       int64  `db:"id"`
	Kind     string `db:"kind"`
	Content  string `db:"content"`
	Audio    []byte `db:"audio"`
	Author   string `db:"author"`
	SentTime string `db:"sent_time"`
}

// appendLockKey names the Postgres advisory lock held while a message is
// inserted. Sequence values are handed out before commit, so without it a
// later id could become visible before an earlier one.
const appendLockKey = 0x63686174

// Append persists msg in a single INSERT ... RETURNING statement, so the row
// is either fully visible to later reads or not at all. msg.ID is ignored.
// Rows become visible in id order: SQLite runs on one connection and Postgres
// serializes appends on an advisory lock.
func (r *Repository) Append(ctx context.Context, msg Message) (MessageID, error) {
	if msg.Author == "" {
		return "", fmt.Errorf("%w: empty author", ErrAppendFailed)
	}
	if !msg.Kind.Valid() {
		return "", fmt.Errorf("%w: unknown kind %q", ErrAppendFailed, msg.Kind)
	}

	if r.db.DriverName() != "pgx" {
		return r.insert(ctx, r.db, msg)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", r.classify(ctx, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
		return "", r.classify(ctx, err)
	}
	id, err := r.insert(ctx, tx, msg)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", r.classify(ctx, err)
	}
	return id, nil
}

func (r *Repository) insert(ctx context.Context, q sqlx.QueryerContext, msg Message) (MessageID, error) {
	var audio []byte
	if msg.Kind == KindAudio {
		audio = msg.Audio
		if audio == nil {
			audio = []byte{}
		}
	}

	query := r.db.Rebind(`
		INSERT INTO messages (kind, content, audio, author, sent_time)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`)

	var id int64
	err := q.QueryRowxContext(ctx, query, string(msg.Kind), msg.Text, audio, msg.Author, msg.Timestamp).Scan(&id)
	if err != nil {
		return "", r.classify(ctx, err)
	}
	return MessageID(strconv.FormatInt(id, 10)), nil
}

// ListAll loads the whole history. The result grows linearly with the log.
func (r *Repository) ListAll(ctx context.Context) ([]Message, error) {
	var rows []messageRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, kind, content, audio, author, sent_time
		FROM messages
		ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return lo.Map(rows, func(row messageRow, _ int) Message {
		return row.toMessage()
	}), nil
}

// Get loads one message. Unknown or malformed ids yield ErrMessageNotFound.
func (r *Repository) Get(ctx context.Context, id MessageID) (Message, error) {
	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}

	var row messageRow
	query := r.db.Rebind(`
		SELECT id, kind, content, audio, author, sent_time
		FROM messages
		WHERE id = ?`)
	if err := r.db.GetContext(ctx, &row, query, n); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
		}
		return Message{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return row.toMessage(), nil
}

func (r *Repository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM messages`); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return n, nil
}

// classify separates an unreachable database from a rejected write.
func (r *Repository) classify(ctx context.Context, err error) error {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	pingCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if pingErr := r.db.PingContext(pingCtx); pingErr != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrAppendFailed, err)
}

func (row messageRow) toMessage() Message {
	msg := Message{
		ID:        MessageID(strconv.FormatInt(row.ID, 10)),
		Kind:      Kind(row.Kind),
		Author:    row.Author,
		Timestamp: row.SentTime,
	}
	if msg.Kind == KindAudio {
		msg.Audio = row.Audio
		if msg.Audio == nil {
			msg.Audio = []byte{}
		}
	} else {
		msg.Text = row.Content
	}
	return msg
}
