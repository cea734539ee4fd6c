package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/unclebandit/promo-mailer-backend/internal/model"
)

// UserRepositoryInterface is the slice of the user directory the campaign
// service needs to resolve recipients.
type UserRepositoryInterface interface {
	ListByRoleAndStatus(ctx context.Context, role, status string) ([]model.User, error)
}

// UserRepository is the concrete implementation
type UserRepository struct {
	DB *sqlx.DB
}

func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{DB: db}
}

// ListByRoleAndStatus returns the directory entries a campaign targets.
// An empty role or status matches any value.
func (r *UserRepository) ListByRoleAndStatus(ctx context.Context, role, status string) ([]model.User, error) {
	users := []model.User{}
	err := r.DB.SelectContext(ctx, &users, `
        SELECT id, email, first_name, last_name, role, status
        FROM users
        WHERE ($1 = '' OR role = $1) AND ($2 = '' OR status = $2)
        ORDER BY id`, role, status)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

var _ UserRepositoryInterface = (*UserRepository)(nil)
