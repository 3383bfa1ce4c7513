package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/medledger/backend/internal/identifier"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrEmailTaken indicates a registration against an email already in use.
	ErrEmailTaken = errors.New("accounts: email already registered")
	// ErrUserNotFound indicates the referenced user does not exist.
	ErrUserNotFound = errors.New("accounts: user not found")
	// ErrInvalidInput indicates a missing or malformed registration field.
	ErrInvalidInput = errors.New("accounts: invalid input")
)

// ServiceConfig describes the dependencies of the account registry.
type ServiceConfig struct {
	Database     *gorm.DB
	Clock        func() time.Time
	IDProvider   identifier.Provider
	Logger       *zap.Logger
	PasswordCost int
}

// Service manages registration and lookup of user accounts.
type Service struct {
	db           *gorm.DB
	clock        func() time.Time
	ids          identifier.Provider
	logger       *zap.Logger
	passwordCost int
}

// NewService constructs the account registry.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("accounts: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("accounts: id provider required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cost := cfg.PasswordCost
	if cost < MinPasswordCost {
		cost = MinPasswordCost
	}
	return &Service{
		db:           cfg.Database,
		clock:        clock,
		ids:          cfg.IDProvider,
		logger:       logger,
		passwordCost: cost,
	}, nil
}

// RegisterRequest carries the fields needed to create an account.
type RegisterRequest struct {
	Email     string
	Password  string
	Name      string
	Role      Role
	ClinicID  string
	PublicKey string
}

// Register creates a new active user. The email must be unused.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || strings.TrimSpace(req.Password) == "" {
		return nil, fmt.Errorf("%w: email and password are required", ErrInvalidInput)
	}
	if _, err := ParseRole(string(req.Role)); err != nil {
		return nil, err
	}

	passwordHash, err := HashPassword(req.Password, s.passwordCost)
	if err != nil {
		return nil, err
	}
	userID, err := s.ids.NewID()
	if err != nil {
		return nil, err
	}

	user := User{
		UserID:        userID,
		Email:         email,
		Name:          strings.TrimSpace(req.Name),
		PasswordHash:  passwordHash,
		Role:          req.Role,
		ClinicID:      strings.TrimSpace(req.ClinicID),
		PublicKey:     req.PublicKey,
		IsActive:      true,
		CreatedAtSecs: s.clock().UTC().Unix(),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing User
		lookupErr := tx.Where("email = ?", email).Take(&existing).Error
		if lookupErr == nil {
			return ErrEmailTaken
		}
		if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return lookupErr
		}
		return tx.Create(&user).Error
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("user registered",
		zap.String("user_id", user.UserID),
		zap.String("role", string(user.Role)),
		zap.String("clinic_id", user.ClinicID))
	return &user, nil
}

// GetByID loads a user by identifier.
func (s *Service) GetByID(ctx context.Context, userID string) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetByEmail loads a user by normalized email address.
func (s *Service) GetByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	normalized := strings.ToLower(strings.TrimSpace(email))
	err := s.db.WithContext(ctx).Where("email = ?", normalized).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// ListByRole returns all users holding the given role.
func (s *Service) ListByRole(ctx context.Context, role Role) ([]User, error) {
	if _, err := ParseRole(string(role)); err != nil {
		return nil, err
	}
	var users []User
	if err := s.db.WithContext(ctx).
		Where("role = ?", role).
		Order("created_at_s ASC").
		Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// ListByClinic returns all users affiliated with a clinic.
func (s *Service) ListByClinic(ctx context.Context, clinicID string) ([]User, error) {
	var users []User
	if err := s.db.WithContext(ctx).
		Where("clinic_id = ?", clinicID).
		Order("created_at_s ASC").
		Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// Deactivate soft-disables an account. The row is never deleted.
func (s *Service) Deactivate(ctx context.Context, userID string) error {
	return s.setActive(ctx, userID, false)
}

// Activate re-enables a previously deactivated account.
func (s *Service) Activate(ctx context.Context, userID string) error {
	return s.setActive(ctx, userID, true)
}

func (s *Service) setActive(ctx context.Context, userID string, active bool) error {
	result := s.db.WithContext(ctx).Model(&User{}).
		Where("user_id = ?", userID).
		Update("is_active", active)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	s.logger.Info("user active flag changed",
		zap.String("user_id", userID), zap.Bool("is_active", active))
	return nil
}

// UpdatePublicKey replaces the user's stored public key.
func (s *Service) UpdatePublicKey(ctx context.Context, userID, publicKey string) error {
	result := s.db.WithContext(ctx).Model(&User{}).
		Where("user_id = ?", userID).
		Update("public_key", publicKey)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}
