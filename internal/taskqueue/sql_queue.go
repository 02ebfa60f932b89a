package taskqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// SQLQueue is a persistent Queue on a SQL database (SQLite or PostgreSQL)
// through sqlx. Enqueue copies the message once per registered group of the
// topic; consumers poll their own rows in sequence order and delete them
// once handled.
type SQLQueue struct {
	db  *sqlx.DB
	cfg Config
	// batch bounds the rows fetched per poll.
	batch int
}

// Ensure SQLQueue implements Queue.
var _ Queue = (*SQLQueue)(nil)

// NewSQLQueue initializes the queue tables in db and returns a queue.
func NewSQLQueue(db *sqlx.DB, cfg Config) (*SQLQueue, error) {
	q := &SQLQueue{db: db, cfg: cfg.withDefaults(), batch: 64}
	if err := q.initSchema(context.Background()); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLQueue) initSchema(ctx context.Context) error {
	seq := "INTEGER PRIMARY KEY AUTOINCREMENT"
	switch q.db.DriverName() {
	case "pgx", "postgres":
		seq = "BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS queue_groups (
			topic TEXT NOT NULL,
			grp   TEXT NOT NULL,
			PRIMARY KEY (topic, grp)
		)`,
		`CREATE TABLE IF NOT EXISTS queue_messages (
			seq         ` + seq + `,
			topic       TEXT NOT NULL,
			grp         TEXT NOT NULL,
			part        INTEGER NOT NULL,
			msg_id      TEXT NOT NULL,
			msg_key     TEXT NOT NULL,
			payload     TEXT NOT NULL,
			enqueued_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_messages_consumer ON queue_messages (topic, grp, part, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := q.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init queue schema: %w", err)
		}
	}
	return nil
}

type queueRow struct {
	Seq        int64  `db:"seq"`
	Topic      string `db:"topic"`
	MsgID      string `db:"msg_id"`
	Key        string `db:"msg_key"`
	Payload    string `db:"payload"`
	EnqueuedAt int64  `db:"enqueued_at"`
}

func (q *SQLQueue) Enqueue(ctx context.Context, msg Message) error {
	msg = prepare(msg, time.Now())
	_, err := q.db.ExecContext(ctx, q.db.Rebind(`
		INSERT INTO queue_messages (topic, grp, part, msg_id, msg_key, payload, enqueued_at)
		SELECT topic, grp, CAST(? AS INTEGER), ?, ?, ?, CAST(? AS BIGINT) FROM queue_groups WHERE topic = ?`),
		Partition(msg.Key, q.cfg.Partitions), msg.ID, msg.Key, string(msg.Payload), msg.EnqueuedAt.UnixNano(), msg.Topic,
	)
	return err
}

func (q *SQLQueue) Register(ctx context.Context, topic, group string) error {
	_, err := q.db.ExecContext(ctx, q.db.Rebind(`
		INSERT INTO queue_groups (topic, grp) VALUES (?, ?)
		ON CONFLICT (topic, grp) DO NOTHING`), topic, group)
	return err
}

func (q *SQLQueue) Consume(ctx context.Context, topic, group string, h Handler) error {
	if err := q.Register(ctx, topic, group); err != nil {
		return err
	}
	runPartitions(ctx, q.cfg.Partitions, func(ctx context.Context, part int) {
		for ctx.Err() == nil {
			rows, err := q.fetch(ctx, topic, group, part)
			if err != nil && ctx.Err() == nil {
				q.cfg.Logger.Sugar().Warnf("poll %s/%s partition %d: %v", topic, group, part, err)
			}
			for _, r := range rows {
				msg := Message{
					ID:         r.MsgID,
					Topic:      r.Topic,
					Key:        r.Key,
					Payload:    []byte(r.Payload),
					EnqueuedAt: time.Unix(0, r.EnqueuedAt).UTC(),
				}
				if !deliver(ctx, q.cfg, group, h, msg) {
					return
				}
				if _, err := q.db.ExecContext(ctx, q.db.Rebind(`DELETE FROM queue_messages WHERE seq = ?`), r.Seq); err != nil {
					// Redelivered on the next poll.
					q.cfg.Logger.Sugar().Warnf("ack %s/%s message %s: %v", topic, group, r.MsgID, err)
					break
				}
			}
			if len(rows) == 0 && !sleep(ctx, q.cfg.PollInterval) {
				return
			}
		}
	})
	return nil
}

func (q *SQLQueue) fetch(ctx context.Context, topic, group string, part int) ([]queueRow, error) {
	var rows []queueRow
	err := q.db.SelectContext(ctx, &rows, q.db.Rebind(`
		SELECT seq, topic, msg_id, msg_key, payload, enqueued_at FROM queue_messages
		WHERE topic = ? AND grp = ? AND part = ?
		ORDER BY seq
		LIMIT ?`),
		topic, group, part, q.batch,
	)
	return rows, err
}

// Len returns the number of messages not yet handled by group.
func (q *SQLQueue) Len(ctx context.Context, topic, group string) (int, error) {
	var n int
	err := q.db.GetContext(ctx, &n, q.db.Rebind(`
		SELECT COUNT(*) FROM queue_messages WHERE topic = ? AND grp = ?`), topic, group)
	return n, err
}

// Close is a no-op; the database handle belongs to the caller.
func (q *SQLQueue) Close() error { return nil }
