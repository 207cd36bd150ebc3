package auth

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Register(ctx context.Context, email, password string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return User{}, fmt.Errorf("register: invalid email")
	}
	if len(password) < 8 {
		return User{}, fmt.Errorf("register: password must be at least 8 characters")
	}

	var exists int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM users WHERE email = ?`, email).Scan(&exists)
	if err != nil {
		return User{}, fmt.Errorf("check email: %w", err)
	}
	if exists > 0 {
		return User{}, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	user := User{
		ID:        uuid.NewString(),
		Email:     email,
		CreatedAt: time.Now().UTC(),
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		user.ID, user.Email, string(hash), user.CreatedAt.Unix())
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	slog.InfoContext(ctx, "User registered", "user_id", user.ID)
	return user, nil
}

func (r *Repository) Authenticate(ctx context.Context, email, password string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	var user User
	var hash string
	var created int64
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, created_at FROM users WHERE email = ?`,
		email).Scan(&user.ID, &user.Email, &hash, &created)
	if err == sql.ErrNoRows {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	user.CreatedAt = time.Unix(created, 0).UTC()

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return User{}, ErrInvalidCredentials
	}
	return user, nil
}

func (r *Repository) CreateSession(ctx context.Context, userID string) (Session, error) {
	session := Session{
		Token:     uuid.NewString(),
		UserID:    userID,
		ExpiresAt: time.Now().UTC().Add(sessionTTL),
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		session.Token, session.UserID, session.ExpiresAt.Unix(), time.Now().Unix())
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

func (r *Repository) GetSession(ctx context.Context, token string) (Session, error) {
	var session Session
	var expires int64
	err := r.db.QueryRowContext(ctx,
		`SELECT token, user_id, expires_at FROM sessions WHERE token = ?`,
		token).Scan(&session.Token, &session.UserID, &expires)
	if err == sql.ErrNoRows {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("lookup session: %w", err)
	}
	session.ExpiresAt = time.Unix(expires, 0).UTC()

	if time.Now().After(session.ExpiresAt) {
		r.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token)
		return Session{}, ErrSessionNotFound
	}
	return session, nil
}

func (r *Repository) DeleteSession(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
