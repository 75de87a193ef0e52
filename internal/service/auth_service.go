package service

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/Baaaki/bazaar-inbox/internal/models"
	"github.com/Baaaki/bazaar-inbox/internal/repository"
	"github.com/Baaaki/bazaar-inbox/internal/utils"
	"github.com/Baaaki/bazaar-inbox/pkg/apperr"
	"github.com/Baaaki/bazaar-inbox/pkg/logger"
	"go.uber.org/zap"
)

var (
	ErrEmailAlreadyExists    = errors.New("email already exists")
	ErrUsernameAlreadyExists = errors.New("username already exists")
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrInvalidRole           = apperr.Validation("role must be buyer or seller")

	emailRegex    = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
)

type RegisterInput struct {
	Username    string
	Email       string
	Password    string
	DisplayName string
	Role        models.Role
}

// AuthService registers marketplace users and issues session tokens.
type AuthService struct {
	users     *repository.UserRepository
	jwtSecret string
	jwtExpiry time.Duration
}

func NewAuthService(users *repository.UserRepository, jwtSecret string, jwtExpiry time.Duration) *AuthService {
	return &AuthService{users: users, jwtSecret: jwtSecret, jwtExpiry: jwtExpiry}
}

func (s *AuthService) TokenTTL() time.Duration { return s.jwtExpiry }

// Register creates a buyer or seller account. Admins are only created by
// the seed tool.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*models.User, string, error) {
	start := time.Now()
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if in.Role == "" {
		in.Role = models.RoleBuyer
	}

	if err := validateRegisterInput(in); err != nil {
		logger.Log.Warn("Registration validation failed",
			zap.String("username", in.Username),
			zap.String("email", in.Email),
			zap.Error(err),
		)
		return nil, "", err
	}

	existing, err := s.users.GetByEmail(ctx, in.Email)
	if err != nil {
		logger.Log.Error("Failed to check email existence", zap.String("email", in.Email), zap.Error(err))
		return nil, "", err
	}
	if existing != nil {
		return nil, "", ErrEmailAlreadyExists
	}

	existing, err = s.users.GetByUsername(ctx, in.Username)
	if err != nil {
		logger.Log.Error("Failed to check username existence", zap.String("username", in.Username), zap.Error(err))
		return nil, "", err
	}
	if existing != nil {
		return nil, "", ErrUsernameAlreadyExists
	}

	hashStart := time.Now()
	hash, err := utils.HashPassword(in.Password)
	if err != nil {
		logger.Log.Error("Failed to hash password", zap.Error(err))
		return nil, "", err
	}
	hashDuration := time.Since(hashStart)

	user := &models.User{
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		DisplayName:  strings.TrimSpace(in.DisplayName),
		Role:         in.Role,
		Status:       models.StatusOffline,
	}
	if err := s.users.Create(ctx, user); err != nil {
		logger.Log.Error("Failed to create user", zap.String("username", in.Username), zap.Error(err))
		return nil, "", err
	}

	token, err := utils.GenerateToken(user, s.jwtSecret, s.jwtExpiry)
	if err != nil {
		logger.Log.Error("Failed to generate JWT token", zap.String("user_id", user.ID), zap.Error(err))
		return nil, "", err
	}

	logger.Log.Info("User registered",
		zap.String("user_id", user.ID),
		zap.String("username", user.Username),
		zap.String("role", string(user.Role)),
		zap.Duration("hash_duration", hashDuration),
		zap.Duration("total_duration", time.Since(start)),
	)
	return user, token, nil
}

func (s *AuthService) Login(ctx context.Context, email, password string) (*models.User, string, error) {
	start := time.Now()
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		logger.Log.Error("Failed to get user by email", zap.String("email", email), zap.Error(err))
		return nil, "", err
	}
	if user == nil {
		logger.Log.Warn("Login failed: user not found", zap.String("email", email))
		return nil, "", ErrInvalidCredentials
	}

	valid, err := utils.VerifyPassword(password, user.PasswordHash)
	if err != nil {
		logger.Log.Error("Failed to verify password", zap.String("user_id", user.ID), zap.Error(err))
		return nil, "", err
	}
	if !valid {
		logger.Log.Warn("Login failed: invalid password", zap.String("user_id", user.ID))
		return nil, "", ErrInvalidCredentials
	}

	token, err := utils.GenerateToken(user, s.jwtSecret, s.jwtExpiry)
	if err != nil {
		logger.Log.Error("Failed to generate JWT token", zap.String("user_id", user.ID), zap.Error(err))
		return nil, "", err
	}

	logger.Log.Info("User logged in",
		zap.String("user_id", user.ID),
		zap.Duration("total_duration", time.Since(start)),
	)
	return user, token, nil
}

// SetStatus records presence; it is called when a live session opens or
// closes.
func (s *AuthService) SetStatus(ctx context.Context, userID string, status models.UserStatus) error {
	return s.users.UpdateStatus(ctx, userID, status)
}

func validateRegisterInput(in RegisterInput) error {
	switch {
	case len(in.Username) < 3:
		return apperr.Validation("username must be at least 3 characters")
	case len(in.Username) > 50:
		return apperr.Validation("username must be at most 50 characters")
	case !usernameRegex.MatchString(in.Username):
		return apperr.Validation("username may only contain letters, digits, dot, dash and underscore")
	case !emailRegex.MatchString(in.Email):
		return apperr.Validation("invalid email format")
	case len(in.Email) > 100:
		return apperr.Validation("email too long")
	case len(in.Password) < 8:
		return apperr.Validation("password must be at least 8 characters")
	case len(in.Password) > 128:
		return apperr.Validation("password too long")
	case len(in.DisplayName) > 100:
		return apperr.Validation("display name too long")
	case in.Role != models.RoleBuyer && in.Role != models.RoleSeller:
		return ErrInvalidRole
	}
	return nil
}
