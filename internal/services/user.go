package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/cocoguard/apiserver/types"
	"github.com/go-playground/validator/v10"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	GetByID(ctx context.Context, id int) (types.User, error)
	GetByUsername(ctx context.Context, username string) (types.User, error)
	GetByEmail(ctx context.Context, email string) (types.User, error)
	Create(ctx context.Context, user types.User) (types.User, error)
	UpdateEmail(ctx context.Context, id int, email string) (types.User, error)
	UpdatePhone(ctx context.Context, id int, phone string) (types.User, error)
	SetTwoFactor(ctx context.Context, id int, enabled bool) (types.User, error)
}

// UserService encapsulates user use-cases.
type UserService struct {
	repo     UserRepository
	validate *validator.Validate
}

func NewUserService(repo UserRepository) *UserService {
	return &UserService{repo: repo, validate: validator.New()}
}

func (s *UserService) GetByID(ctx context.Context, id int) (types.User, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *UserService) GetByUsername(ctx context.Context, username string) (types.User, error) {
	return s.repo.GetByUsername(ctx, username)
}

// Create stores a new account. New accounts always get the user role;
// promotion to admin happens outside the API.
func (s *UserService) Create(ctx context.Context, user types.User) (types.User, error) {
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	if err := s.validate.Var(user.Email, "required,email"); err != nil {
		return types.User{}, fmt.Errorf("%w: email", ErrInvalidRecipient)
	}
	user.Role = types.RoleUser
	return s.repo.Create(ctx, user)
}

func (s *UserService) UpdateEmail(ctx context.Context, id int, email string) (types.User, error) {
	return s.repo.UpdateEmail(ctx, id, email)
}

func (s *UserService) UpdatePhone(ctx context.Context, id int, phone string) (types.User, error) {
	return s.repo.UpdatePhone(ctx, id, phone)
}

func (s *UserService) GetByEmail(ctx context.Context, email string) (types.User, error) {
	return s.repo.GetByEmail(ctx, email)
}

func (s *UserService) SetTwoFactor(ctx context.Context, id int, enabled bool) (types.User, error) {
	return s.repo.SetTwoFactor(ctx, id, enabled)
}
