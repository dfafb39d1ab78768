// Package realtime contains bwave's live event engine: the per-user session registry,
// presence fanout, the WebSocket gateway, and direct message persistence primitives.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"bwave/cmd/identity/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore and ConnectionStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Tables (schema-qualified):
//   - dm_messages(id, sender_id, receiver_id, text, seen, created_at)
//   - user_connections(user1_id, user2_id) with user1_id < user2_id
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "bwave").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "bwave",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Create inserts a new unseen direct message.
func (s *PostgresStore) Create(ctx context.Context, in CreateMessageInput) (StoredMessage, error) {
	if s == nil || s.pool == nil {
		return StoredMessage{}, errors.New("realtime: nil store")
	}
	if in.SenderID <= 0 || in.ReceiverID <= 0 || in.Text == "" {
		return StoredMessage{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return StoredMessage{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	// Postgres stores microseconds; truncate so the returned value matches what is persisted.
	now = now.Truncate(time.Microsecond)

	id, err := ids.NewULID(now)
	if err != nil {
		return StoredMessage{}, err
	}

	messages := pgIdent(s.schema, "dm_messages")

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+messages+` (id, sender_id, receiver_id, text, seen, created_at)
		 VALUES ($1, $2, $3, $4, false, $5)`,
		id, in.SenderID, in.ReceiverID, in.Text, now,
	); err != nil {
		return StoredMessage{}, fmt.Errorf("insert message: %w", err)
	}

	return StoredMessage{
		ID:         id,
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Text:       in.Text,
		CreatedAt:  now,
	}, nil
}

// MarkSeen sets seen=true on messageID when receiverID is its receiver.
// A missing row and a receiver mismatch both yield ErrMessageNotFound.
func (s *PostgresStore) MarkSeen(ctx context.Context, messageID string, receiverID int64) (StoredMessage, error) {
	if s == nil || s.pool == nil {
		return StoredMessage{}, errors.New("realtime: nil store")
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return StoredMessage{}, ErrMessageNotFound
	}
	if err := ctx.Err(); err != nil {
		return StoredMessage{}, err
	}

	messages := pgIdent(s.schema, "dm_messages")

	var m StoredMessage
	err := s.pool.QueryRow(ctx,
		`UPDATE `+messages+`
		    SET seen = true
		  WHERE id = $1 AND receiver_id = $2
		RETURNING id, sender_id, receiver_id, text, seen, created_at`,
		messageID, receiverID,
	).Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Text, &m.Seen, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return StoredMessage{}, ErrMessageNotFound
	}
	if err != nil {
		return StoredMessage{}, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

// FriendsOf returns the other side of every connection row involving userID.
func (s *PostgresStore) FriendsOf(ctx context.Context, userID int64) ([]int64, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("realtime: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conns := pgIdent(s.schema, "user_connections")

	rows, err := s.pool.Query(ctx,
		`SELECT CASE WHEN user1_id = $1 THEN user2_id ELSE user1_id END
		   FROM `+conns+`
		  WHERE user1_id = $1 OR user2_id = $1`,
		userID,
	)
	if err != nil {
		return nil, err
	}

	out, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
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
