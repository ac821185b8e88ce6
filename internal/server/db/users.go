package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrEmailExists is returned by CreateUser on a unique violation.
var ErrEmailExists = errors.New("db: email already registered")

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("db: not found")

// User mirrors one row of the users table.
type User struct {
	ID               string
	Email            string
	PasswordVerifier string
	UserSalt         []byte
}

// CreateUser inserts a new user with its client-supplied user_salt and
// the already server-hashed password_verifier (§4.A, §4.I).
func CreateUser(ctx context.Context, pool *pgxpool.Pool, email, passwordVerifier string, userSalt []byte) (User, error) {
	var u User
	err := pool.QueryRow(ctx, `
		INSERT INTO users (email, password_verifier, user_salt)
		VALUES ($1, $2, $3)
		RETURNING id, email, password_verifier, user_salt
	`, email, passwordVerifier, userSalt).Scan(&u.ID, &u.Email, &u.PasswordVerifier, &u.UserSalt)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrEmailExists
		}
		return User{}, fmt.Errorf("db: create user: %w", err)
	}
	return u, nil
}

// GetUserByEmail looks up a user for login.
func GetUserByEmail(ctx context.Context, pool *pgxpool.Pool, email string) (User, error) {
	var u User
	err := pool.QueryRow(ctx, `
		SELECT id, email, password_verifier, user_salt FROM users WHERE email = $1
	`, email).Scan(&u.ID, &u.Email, &u.PasswordVerifier, &u.UserSalt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("db: get user by email: %w", err)
	}
	return u, nil
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
