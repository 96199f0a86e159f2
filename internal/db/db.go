package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/xtrntr/volumegate/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/001_init.sql
var initSchema string

const uniqueViolation = "23505"

var (
	ErrUsernameTaken = errors.New("username already registered")
	ErrEmailTaken    = errors.New("email already registered")
	ErrNotFound      = errors.New("not found")
	ErrLinkOwned     = errors.New("member is linked by another user")
)

// Pool is the subset of *pgxpool.Pool the store relies on
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate creates the schema if it does not exist yet
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, initSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, username, email, passwordHash string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, email, password_hash) VALUES ($1, $2, $3) RETURNING id, username, email, password_hash, created_at",
		username, email, passwordHash).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if strings.Contains(pgErr.ConstraintName, "email") {
				return nil, ErrEmailTaken
			}
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByEmail retrieves a user by email
func (db *DB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return db.getUser(ctx, "SELECT id, username, email, password_hash, created_at FROM users WHERE email = $1", email)
}

// GetUserByID retrieves a user by id
func (db *DB) GetUserByID(ctx context.Context, id int) (*models.User, error) {
	return db.getUser(ctx, "SELECT id, username, email, password_hash, created_at FROM users WHERE id = $1", id)
}

func (db *DB) getUser(ctx context.Context, query string, arg any) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx, query, arg).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// CreateCredential stores an exchange API key pair for a user.
// The secret is expected to be encrypted already.
func (db *DB) CreateCredential(ctx context.Context, cred *models.ExchangeCredential) (*models.ExchangeCredential, error) {
	created := &models.ExchangeCredential{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO exchange_credentials (user_id, exchange, api_key, api_secret) VALUES ($1, $2, $3, $4) RETURNING id, user_id, exchange, api_key, api_secret, created_at",
		cred.UserID, cred.Exchange, cred.APIKey, cred.APISecret).Scan(
		&created.ID, &created.UserID, &created.Exchange, &created.APIKey, &created.APISecret, &created.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential: %w", err)
	}
	return created, nil
}

// ListCredentials retrieves all credentials of a user
func (db *DB) ListCredentials(ctx context.Context, userID int) ([]models.ExchangeCredential, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, user_id, exchange, api_key, api_secret, created_at FROM exchange_credentials WHERE user_id = $1 ORDER BY id",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	creds := []models.ExchangeCredential{}
	for rows.Next() {
		var c models.ExchangeCredential
		if err := rows.Scan(&c.ID, &c.UserID, &c.Exchange, &c.APIKey, &c.APISecret, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	return creds, nil
}

// DeleteCredential removes a credential if it belongs to the user
func (db *DB) DeleteCredential(ctx context.Context, id, userID int) error {
	tag, err := db.Pool.Exec(ctx, "DELETE FROM exchange_credentials WHERE id = $1 AND user_id = $2", id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertMember records a channel member in the membership registry
func (db *DB) UpsertMember(ctx context.Context, m models.Member) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO channel_members (member_id, username, first_name, last_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (member_id) DO UPDATE
		SET username = EXCLUDED.username, first_name = EXCLUDED.first_name, last_name = EXCLUDED.last_name
	`, m.ID, m.Username, m.FirstName, m.LastName)
	if err != nil {
		return fmt.Errorf("failed to upsert member: %w", err)
	}
	return nil
}

// ListMembers returns one page of the membership registry ordered by member id
func (db *DB) ListMembers(ctx context.Context, offset, limit int) ([]models.Member, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT member_id, username, first_name, last_name, joined_at
		FROM channel_members
		ORDER BY member_id
		OFFSET $1 LIMIT $2
	`, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []models.Member
	for rows.Next() {
		var m models.Member
		if err := rows.Scan(&m.ID, &m.Username, &m.FirstName, &m.LastName, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	return members, nil
}

// RemoveMember deletes a member from the registry
func (db *DB) RemoveMember(ctx context.Context, memberID int64) error {
	if _, err := db.Pool.Exec(ctx, "DELETE FROM channel_members WHERE member_id = $1", memberID); err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	return nil
}

// LinkUID stores or replaces the exchange UID of a channel member on behalf of
// userID. A member already linked by a different user is left untouched and
// ErrLinkOwned is returned; unowned rows are claimed.
func (db *DB) LinkUID(ctx context.Context, userID int, memberID int64, uid string) error {
	tag, err := db.Pool.Exec(ctx, `
		INSERT INTO member_uids (member_id, user_id, uid) VALUES ($1, $2, $3)
		ON CONFLICT (member_id) DO UPDATE
		SET uid = EXCLUDED.uid, user_id = EXCLUDED.user_id, updated_at = NOW()
		WHERE member_uids.user_id IS NULL OR member_uids.user_id = EXCLUDED.user_id
	`, memberID, userID, uid)
	if err != nil {
		return fmt.Errorf("failed to link uid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLinkOwned
	}
	return nil
}

// ResolveUID returns the linked UID of a member, or an empty string if none is linked
func (db *DB) ResolveUID(ctx context.Context, memberID int64) (string, error) {
	var uid string
	err := db.Pool.QueryRow(ctx, "SELECT uid FROM member_uids WHERE member_id = $1", memberID).Scan(&uid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to resolve uid: %w", err)
	}
	return uid, nil
}
