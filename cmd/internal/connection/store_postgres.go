package connection

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL.
//
// The pool is owned by the caller. Tables (schema-qualified):
//   - users(id, username, full_name, profile_image_url)
//   - user_connections(user1_id, user2_id) with user1_id < user2_id
//   - channels(id, name, is_dm, created_at)
//   - channel_memberships(channel_id, user_id)
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "bwave").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" || !isValidPGIdent(schema) {
			return errors.New("connection: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "bwave"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("connection: nil pool")
	}
	return st, nil
}

const userColumns = `id, username, COALESCE(full_name, ''), COALESCE(profile_image_url, '')`

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.FullName, &u.ProfileImageURL)
	return u, err
}

func (s *PostgresStore) UserByUsername(ctx context.Context, username string) (User, error) {
	username = normalizeUsername(username)
	if username == "" {
		return User{}, ErrUserNotFound
	}

	users := pgIdent(s.schema, "users")
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM `+users+` WHERE lower(username) = $1`,
		username,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	return u, err
}

func (s *PostgresStore) UserByID(ctx context.Context, id int64) (User, error) {
	users := pgIdent(s.schema, "users")
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM `+users+` WHERE id = $1`,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	return u, err
}

func (s *PostgresStore) UsersByIDs(ctx context.Context, ids []int64) ([]User, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	users := pgIdent(s.schema, "users")
	rows, err := s.pool.Query(ctx,
		`SELECT `+userColumns+` FROM `+users+` WHERE id = ANY($1) ORDER BY id`,
		ids,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (User, error) {
		return scanUser(row)
	})
}

func (s *PostgresStore) CreateConnection(ctx context.Context, userA, userB int64) error {
	if userA <= 0 || userB <= 0 || userA == userB {
		return ErrInvalidInput
	}

	conns := pgIdent(s.schema, "user_connections")
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+conns+` (user1_id, user2_id, created_at) VALUES ($1, $2, $3)`,
		min(userA, userB), max(userA, userB), time.Now().UTC(),
	)
	if isUniqueViolation(err) {
		return ErrAlreadyConnected
	}
	if err != nil {
		return fmt.Errorf("insert connection: %w", err)
	}
	return nil
}

func (s *PostgresStore) FriendsOf(ctx context.Context, userID int64) ([]int64, error) {
	conns := pgIdent(s.schema, "user_connections")
	rows, err := s.pool.Query(ctx,
		`SELECT CASE WHEN user1_id = $1 THEN user2_id ELSE user1_id END AS friend_id
		   FROM `+conns+`
		  WHERE user1_id = $1 OR user2_id = $1
		  ORDER BY friend_id`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (s *PostgresStore) CreateDMChannel(ctx context.Context, in DMChannelRecord) error {
	if strings.TrimSpace(in.ID) == "" || in.Members[0] <= 0 || in.Members[1] <= 0 {
		return ErrInvalidInput
	}
	now := in.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	channels := pgIdent(s.schema, "channels")
	members := pgIdent(s.schema, "channel_memberships")

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+channels+` (id, name, is_dm, created_at) VALUES ($1, NULL, true, $2)`,
		in.ID, now,
	); err != nil {
		return fmt.Errorf("insert channel: %w", err)
	}

	for _, userID := range in.Members {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+members+` (channel_id, user_id, joined_at) VALUES ($1, $2, $3)`,
			in.ID, userID, now,
		); err != nil {
			return fmt.Errorf("insert membership: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" // unique_violation
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
