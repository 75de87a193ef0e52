package repository

import (
	"context"

	"github.com/Baaaki/bazaar-inbox/internal/models"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		return errors.Wrap(err, "userRepo.Create")
	}
	return nil
}

// GetByID returns nil, nil for unknown and banned users.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	return r.first(ctx, "id = ?", id)
}

// GetAnyByID also finds banned users, whose profiles stay visible in
// existing conversations.
func (r *UserRepository) GetAnyByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).Unscoped().Where("id = ?", id).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "userRepo.GetAnyByID")
	}
	return &user, nil
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.first(ctx, "email = ?", email)
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	return r.first(ctx, "username = ?", username)
}

func (r *UserRepository) first(ctx context.Context, query string, arg interface{}) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).Where(query, arg).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "userRepo.first")
	}
	return &user, nil
}

// ListAll includes banned (soft-deleted) users for the admin view.
func (r *UserRepository) ListAll(ctx context.Context) ([]models.User, error) {
	var users []models.User
	if err := r.db.WithContext(ctx).Unscoped().Order("created_at DESC").Find(&users).Error; err != nil {
		return nil, errors.Wrap(err, "userRepo.ListAll")
	}
	return users, nil
}

// Ban soft-deletes the user. Their conversations stay in place for the
// other participant.
func (r *UserRepository) Ban(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&models.User{}, "id = ?", id)
	if res.Error != nil {
		return errors.Wrap(res.Error, "userRepo.Ban")
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *UserRepository) UpdateStatus(ctx context.Context, id string, status models.UserStatus) error {
	err := r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Update("status", status).Error
	return errors.Wrap(err, "userRepo.UpdateStatus")
}
