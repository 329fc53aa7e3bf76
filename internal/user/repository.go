package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const pgUniqueViolation = "23505"

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateUser(ctx context.Context, user *User) (*User, error) {
	var id int
	query := r.db.Rebind("INSERT INTO users (username, password) VALUES (?, ?) RETURNING id")

	err := r.db.QueryRowxContext(ctx, query, user.Username, user.Password).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrUserExists, user.Username)
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	user.ID = id
	return user, nil
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u := &User{}
	query := r.db.Rebind("SELECT id, username, password FROM users WHERE username = ?")

	err := r.db.GetContext(ctx, u, query, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return u, nil
}

// SearchUsers matches a case-insensitive substring of the username.
func (r *Repository) SearchUsers(ctx context.Context, query string) ([]User, error) {
	// We limit to 10 to keep it fast
	q := r.db.Rebind(`
		SELECT id, username FROM users
		WHERE LOWER(username) LIKE ? ESCAPE '\'
		ORDER BY username
		LIMIT 10`)

	users := []User{}
	if err := r.db.SelectContext(ctx, &users, q, "%"+escapeLike(strings.ToLower(query))+"%"); err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	return users, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
