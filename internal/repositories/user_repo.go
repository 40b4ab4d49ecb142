package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/signalhub/internal/models"
)

var ErrNotFound = errors.New("not found")

// PostgresUserRepository reads the chat service's users table. The table is
// owned by the CRUD layer; this repository only looks users up and stamps
// last_seen_at.
type PostgresUserRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresUserRepository(pool *pgxpool.Pool) *PostgresUserRepository {
	return &PostgresUserRepository{pool: pool}
}

func (r *PostgresUserRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	query := `SELECT id, username, last_seen_at, created_at FROM users WHERE id = $1`

	var user models.User
	err := r.pool.QueryRow(ctx, query, id).Scan(&user.ID, &user.Username, &user.LastSeenAt, &user.CreatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

func (r *PostgresUserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	query := `SELECT id, username, last_seen_at, created_at FROM users WHERE username = $1`

	var user models.User
	err := r.pool.QueryRow(ctx, query, username).Scan(&user.ID, &user.Username, &user.LastSeenAt, &user.CreatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

func (r *PostgresUserRepository) TouchLastSeen(ctx context.Context, id int64, seenAt time.Time) error {
	query := `UPDATE users SET last_seen_at = $1 WHERE id = $2`

	result, err := r.pool.Exec(ctx, query, seenAt, id)
	if err != nil {
		return fmt.Errorf("failed to update last seen: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}
