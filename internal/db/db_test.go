package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/volumegate/internal/models"
)

func newMockDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return &DB{Pool: mock}, mock
}

var userColumns = []string{"id", "username", "email", "password_hash", "created_at"}

func TestDB_CreateUser(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name        string
		mockSetup   func(mock pgxmock.PgxPoolIface)
		expectError error
	}{
		{
			name: "Success",
			mockSetup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery("INSERT INTO users").
					WithArgs("alice", "alice@example.com", "hash").
					WillReturnRows(pgxmock.NewRows(userColumns).AddRow(1, "alice", "alice@example.com", "hash", now))
			},
		},
		{
			name: "DuplicateEmail",
			mockSetup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery("INSERT INTO users").
					WithArgs("alice", "alice@example.com", "hash").
					WillReturnError(&pgconn.PgError{Code: uniqueViolation, ConstraintName: "users_email_key"})
			},
			expectError: ErrEmailTaken,
		},
		{
			name: "DuplicateUsername",
			mockSetup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery("INSERT INTO users").
					WithArgs("alice", "alice@example.com", "hash").
					WillReturnError(&pgconn.PgError{Code: uniqueViolation, ConstraintName: "users_username_key"})
			},
			expectError: ErrUsernameTaken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			tt.mockSetup(mock)

			user, err := db.CreateUser(context.Background(), "alice", "alice@example.com", "hash")
			if tt.expectError != nil {
				assert.ErrorIs(t, err, tt.expectError)
				assert.Nil(t, user)
			} else {
				require.NoError(t, err)
				assert.Equal(t, 1, user.ID)
				assert.Equal(t, "alice@example.com", user.Email)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestDB_GetUserByEmail(t *testing.T) {
	t.Run("Found", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery("SELECT id, username, email, password_hash, created_at FROM users WHERE email").
			WithArgs("alice@example.com").
			WillReturnRows(pgxmock.NewRows(userColumns).AddRow(7, "alice", "alice@example.com", "hash", time.Now()))

		user, err := db.GetUserByEmail(context.Background(), "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, 7, user.ID)
		assert.Equal(t, "hash", user.PasswordHash)
	})

	t.Run("NotFound", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery("SELECT id, username, email, password_hash, created_at FROM users WHERE email").
			WithArgs("bob@example.com").
			WillReturnError(pgx.ErrNoRows)

		_, err := db.GetUserByEmail(context.Background(), "bob@example.com")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDB_DeleteCredential(t *testing.T) {
	tests := []struct {
		name        string
		result      pgconn.CommandTag
		expectError error
	}{
		{name: "Success", result: pgxmock.NewResult("DELETE", 1)},
		{name: "NotOwned", result: pgxmock.NewResult("DELETE", 0), expectError: ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			mock.ExpectExec("DELETE FROM exchange_credentials").
				WithArgs(3, 1).
				WillReturnResult(tt.result)

			err := db.DeleteCredential(context.Background(), 3, 1)
			if tt.expectError != nil {
				assert.ErrorIs(t, err, tt.expectError)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestDB_ListCredentials(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now()
	mock.ExpectQuery("SELECT id, user_id, exchange, api_key, api_secret, created_at FROM exchange_credentials").
		WithArgs(1).
		WillReturnRows(pgxmock.NewRows([]string{"id", "user_id", "exchange", "api_key", "api_secret", "created_at"}).
			AddRow(1, 1, "bybit", "key-1", "enc-1", now).
			AddRow(2, 1, "okx", "key-2", "enc-2", now))

	creds, err := db.ListCredentials(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, creds, 2)
	assert.Equal(t, "okx", creds[1].Exchange)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDB_ListMembers(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now()
	mock.ExpectQuery("SELECT member_id, username, first_name, last_name, joined_at").
		WithArgs(100, 100).
		WillReturnRows(pgxmock.NewRows([]string{"member_id", "username", "first_name", "last_name", "joined_at"}).
			AddRow(int64(101), "alice", "Alice", "A", now).
			AddRow(int64(102), "", "Bob", "B", now))

	members, err := db.ListMembers(context.Background(), 100, 100)
	require.NoError(t, err)
	assert.Equal(t, []int64{101, 102}, []int64{members[0].ID, members[1].ID})
	assert.Equal(t, "Bob B", members[1].DisplayName())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDB_ResolveUID(t *testing.T) {
	tests := []struct {
		name      string
		mockSetup func(mock pgxmock.PgxPoolIface)
		expectUID string
		expectErr bool
	}{
		{
			name: "Linked",
			mockSetup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery("SELECT uid FROM member_uids").
					WithArgs(int64(42)).
					WillReturnRows(pgxmock.NewRows([]string{"uid"}).AddRow("uid-42"))
			},
			expectUID: "uid-42",
		},
		{
			name: "NotLinked",
			mockSetup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery("SELECT uid FROM member_uids").
					WithArgs(int64(42)).
					WillReturnError(pgx.ErrNoRows)
			},
			expectUID: "",
		},
		{
			name: "DatabaseError",
			mockSetup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery("SELECT uid FROM member_uids").
					WithArgs(int64(42)).
					WillReturnError(errors.New("connection reset"))
			},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			tt.mockSetup(mock)

			uid, err := db.ResolveUID(context.Background(), 42)
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectUID, uid)
		})
	}
}

func TestDB_UpsertMemberAndLinkUID(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec("INSERT INTO channel_members").
		WithArgs(int64(5), "carol", "Carol", "C").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO member_uids").
		WithArgs(int64(5), 9, "uid-5").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("DELETE FROM channel_members").
		WithArgs(int64(5)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	ctx := context.Background()
	require.NoError(t, db.UpsertMember(ctx, models.Member{ID: 5, Username: "carol", FirstName: "Carol", LastName: "C"}))
	require.NoError(t, db.LinkUID(ctx, 9, 5, "uid-5"))
	require.NoError(t, db.RemoveMember(ctx, 5))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDB_LinkUID_OwnedByAnotherUser(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec("INSERT INTO member_uids").
		WithArgs(int64(1001), 2, "empty-uid").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err := db.LinkUID(context.Background(), 2, 1001, "empty-uid")
	assert.ErrorIs(t, err, ErrLinkOwned)
	assert.NoError(t, mock.ExpectationsWereMet())
}
