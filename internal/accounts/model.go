package accounts

import (
	"errors"
	"fmt"
)

// Role enumerates the mutually exclusive user roles. A user holds exactly one.
type Role string

const (
	RoleDoctor  Role = "Doctor"
	RoleNurse   Role = "Nurse"
	RoleAdmin   Role = "Admin"
	RolePatient Role = "Patient"
)

// ErrInvalidRole indicates a role value outside the known set.
var ErrInvalidRole = errors.New("accounts: invalid role")

// ParseRole validates a raw role string.
func ParseRole(raw string) (Role, error) {
	switch Role(raw) {
	case RoleDoctor:
		return RoleDoctor, nil
	case RoleNurse:
		return RoleNurse, nil
	case RoleAdmin:
		return RoleAdmin, nil
	case RolePatient:
		return RolePatient, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, raw)
}

// User models a registered account. Accounts are deactivated, never deleted.
type User struct {
	UserID        string  `gorm:"column:user_id;primaryKey;size:190;not null"`
	Email         string  `gorm:"column:email;size:320;not null;uniqueIndex"`
	Name          string  `gorm:"column:name;size:320;not null"`
	PasswordHash  string  `gorm:"column:password_hash;size:190;not null"`
	Role          Role    `gorm:"column:role;size:32;not null;index"`
	ClinicID      string  `gorm:"column:clinic_id;size:190;not null;index"`
	PublicKey     string  `gorm:"column:public_key;type:text;not null;default:''"`
	EncryptedData *string `gorm:"column:encrypted_data;type:text"`
	IsActive      bool    `gorm:"column:is_active;not null;default:true"`
	CreatedAtSecs int64   `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}
