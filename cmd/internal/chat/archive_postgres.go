package chat

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresArchive is an Archive backed by PostgreSQL.
//
// Ownership model:
// - PostgresArchive does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresArchive struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresArchiveOption configures PostgresArchive behavior.
type PostgresArchiveOption func(*PostgresArchive) error

// WithArchiveSchema sets the DB schema used by the archive (default:
// "connex"). The schema name is validated and safely quoted in queries.
func WithArchiveSchema(schema string) PostgresArchiveOption {
	return func(a *PostgresArchive) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		a.schema = schema
		return nil
	}
}

// NewPostgresArchive constructs a Postgres-backed Archive and bootstraps its
// table when missing.
func NewPostgresArchive(ctx context.Context, pool *pgxpool.Pool, opts ...PostgresArchiveOption) (*PostgresArchive, error) {
	a := &PostgresArchive{
		pool:   pool,
		schema: "connex",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	if a.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	if err := a.bootstrap(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// Close is a no-op because the pool is owned by the caller.
func (a *PostgresArchive) Close() error { return nil }

func (a *PostgresArchive) bootstrap(ctx context.Context) error {
	schema := pgx.Identifier{a.schema}.Sanitize()
	messages := pgIdent(a.schema, "messages")

	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + schema,
		`CREATE TABLE IF NOT EXISTS ` + messages + ` (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id       TEXT NOT NULL,
			content         TEXT NOT NULL,
			content_type    TEXT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL,
			status          TEXT NOT NULL,
			deleted         BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS messages_conv_created_idx
		   ON ` + messages + ` (conversation_id, created_at)`,
	}
	for _, q := range stmts {
		if _, err := a.pool.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// SaveMessages upserts confirmed messages, idempotent per id. Deletions and
// status advances overwrite; content of a tombstone stays cleared.
func (a *PostgresArchive) SaveMessages(ctx context.Context, msgs []Message) error {
	if a == nil || a.pool == nil {
		return errors.New("chat: nil archive")
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	messages := pgIdent(a.schema, "messages")

	batch := &pgx.Batch{}
	for _, m := range msgs {
		if m.ID == "" || m.ConversationID == "" {
			return errors.New("chat: invalid archived message")
		}
		if IsLocalID(m.ID) {
			return errors.New("chat: refusing to archive unconfirmed message")
		}
		batch.Queue(
			`INSERT INTO `+messages+` (id, conversation_id, sender_id, content, content_type, created_at, status, deleted)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (id) DO UPDATE
			    SET content = EXCLUDED.content,
			        status  = EXCLUDED.status,
			        deleted = `+messages+`.deleted OR EXCLUDED.deleted`,
			m.ID, m.ConversationID, m.SenderID, m.Content, string(m.Type), m.CreatedAt, string(m.Status), m.Deleted,
		)
	}

	br := a.pool.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()

	for range msgs {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// MessagesBefore returns up to limit messages older than before, in display
// order (created_at ascending, ties by id).
func (a *PostgresArchive) MessagesBefore(ctx context.Context, convID string, before time.Time, limit int) ([]Message, error) {
	if a == nil || a.pool == nil {
		return nil, errors.New("chat: nil archive")
	}
	if convID == "" {
		return nil, errors.New("chat: missing conversation id")
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	messages := pgIdent(a.schema, "messages")

	rows, err := a.pool.Query(ctx,
		`SELECT id, conversation_id, sender_id, content, content_type, created_at, status, deleted
		   FROM `+messages+`
		  WHERE conversation_id = $1 AND created_at < $2
		  ORDER BY created_at DESC, id DESC
		  LIMIT $3`,
		convID, before, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var (
			m       Message
			typ, st string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &typ, &m.CreatedAt, &st, &m.Deleted); err != nil {
			return nil, err
		}
		m.Type = MessageType(typ)
		m.Status = Status(st)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Fetched newest-first for the LIMIT; flip to display order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
