package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"strings"
	"testing"
	"time"

	"bwave/cmd/identity/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when BWAVE_DATABASE_URL is set.

func TestPostgresStore_ConnectionLifecycle(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplySchema(t, pool, schema)

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx := context.Background()
	mustInsertUser(t, pool, schema, 1, "Alice")
	mustInsertUser(t, pool, schema, 2, "bob")
	mustInsertUser(t, pool, schema, 3, "carol")

	u, err := store.UserByUsername(ctx, "alice")
	if err != nil || u.ID != 1 {
		t.Fatalf("user by username: u=%+v err=%v", u, err)
	}
	if _, err := store.UserByUsername(ctx, "nobody"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("missing user: err=%v", err)
	}
	if _, err := store.UserByID(ctx, 42); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("missing id: err=%v", err)
	}

	if err := store.CreateConnection(ctx, 2, 1); err != nil {
		t.Fatalf("create connection: %v", err)
	}
	if err := store.CreateConnection(ctx, 1, 2); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("duplicate connection: err=%v want=%v", err, ErrAlreadyConnected)
	}
	if err := store.CreateConnection(ctx, 3, 1); err != nil {
		t.Fatalf("create second connection: %v", err)
	}

	friends, err := store.FriendsOf(ctx, 1)
	if err != nil {
		t.Fatalf("friends of: %v", err)
	}
	if !slices.Equal(friends, []int64{2, 3}) {
		t.Fatalf("friends=%v want=[2 3]", friends)
	}

	users, err := store.UsersByIDs(ctx, friends)
	if err != nil {
		t.Fatalf("users by ids: %v", err)
	}
	if len(users) != 2 || users[0].Username != "bob" || users[1].Username != "carol" {
		t.Fatalf("unexpected users %+v", users)
	}

	chID, err := ids.NewULID(time.Now())
	if err != nil {
		t.Fatalf("new ulid: %v", err)
	}
	if err := store.CreateDMChannel(ctx, DMChannelRecord{ID: chID, Members: [2]int64{1, 2}}); err != nil {
		t.Fatalf("create dm channel: %v", err)
	}

	var n int
	members := pgIdent(schema, "channel_memberships")
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM `+members+` WHERE channel_id = $1`, chID).Scan(&n); err != nil {
		t.Fatalf("count memberships: %v", err)
	}
	if n != 2 {
		t.Fatalf("memberships=%d want=2", n)
	}
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("BWAVE_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: BWAVE_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	c, err := pool.Acquire(ctx)
	if err != nil {
		pool.Close()
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Postgres unreachable (BWAVE_DATABASE_URL set): %v", err)
		}
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func shouldSkipIntegration(err error) bool {
	if err == nil || os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "dial tcp") ||
		strings.Contains(msg, "no such host")
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	id, err := ids.NewULID(time.Now())
	if err != nil {
		t.Fatalf("new ulid: %v", err)
	}
	schema := "bwave_conn_it_" + strings.ToLower(id)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustApplySchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	users := pgIdent(schema, "users")
	conns := pgIdent(schema, "user_connections")
	channels := pgIdent(schema, "channels")
	members := pgIdent(schema, "channel_memberships")

	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id BIGINT PRIMARY KEY,
  username TEXT NOT NULL,
  full_name TEXT NULL,
  profile_image_url TEXT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_users_username_lower ON %s (lower(username));

CREATE TABLE IF NOT EXISTS %s (
  user1_id BIGINT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  user2_id BIGINT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (user1_id, user2_id),
  CONSTRAINT chk_user_connections_order CHECK (user1_id < user2_id)
);

CREATE TABLE IF NOT EXISTS %s (
  id TEXT PRIMARY KEY,
  name TEXT NULL,
  is_dm BOOLEAN NOT NULL DEFAULT false,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  channel_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  user_id BIGINT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (channel_id, user_id)
);
`, users, users, conns, users, users, channels, members, channels, users)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}

func mustInsertUser(t *testing.T, pool *pgxpool.Pool, schema string, id int64, username string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	users := pgIdent(schema, "users")
	if _, err := pool.Exec(ctx, `INSERT INTO `+users+` (id, username) VALUES ($1, $2)`, id, username); err != nil {
		t.Fatalf("insert user: %v", err)
	}
}
