// Package access implements the record-assignment relation and the
// role-based authorization checks every ledger operation is gated on.
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/medledger/backend/internal/accounts"
	"github.com/medledger/backend/internal/ledger"
	"github.com/medledger/backend/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotAuthorized indicates the user may not touch the record.
	ErrNotAuthorized = errors.New("access: not authorized")
	// ErrAssignmentNotFound indicates no assignment row exists for the pair.
	ErrAssignmentNotFound = errors.New("access: assignment not found")
)

// doctorWritableTypes is the event-type allow-list for Doctor writes.
var doctorWritableTypes = map[string]struct{}{
	"diagnosis":          {},
	"prescription":       {},
	"treatment_plan":     {},
	"consultation_notes": {},
	"lab_result":         {},
	"imaging_study":      {},
}

// nurseWritableTypes is the smaller, disjoint allow-list for Nurse writes.
// Nurses never perform Delete actions regardless of event type.
var nurseWritableTypes = map[string]struct{}{
	"vital_signs":       {},
	"medication_admin":  {},
	"nursing_notes":     {},
	"triage_assessment": {},
}

// ServiceConfig describes the dependencies of the access registry.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service owns the user/record assignment relation and authorization policy.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the access registry.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("access: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Assign grants a user access to a record. Re-assigning a deactivated pair
// reactivates the existing row.
func (s *Service) Assign(ctx context.Context, userID, recordID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.assignTx(tx, userID, recordID)
	})
}

func (s *Service) assignTx(tx *gorm.DB, userID, recordID string) error {
	var existing UserMedicalRecord
	err := tx.Where("user_id = ? AND record_id = ?", userID, recordID).Take(&existing).Error
	if err == nil {
		if existing.IsActive {
			return nil
		}
		return tx.Model(&UserMedicalRecord{}).
			Where("user_id = ? AND record_id = ?", userID, recordID).
			Update("is_active", true).Error
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	assignment := UserMedicalRecord{
		UserID:           userID,
		RecordID:         recordID,
		AssignedDateSecs: s.clock().UTC().Unix(),
		IsActive:         true,
	}
	return tx.Create(&assignment).Error
}

// Unassign deactivates an assignment. The row is kept for audit.
func (s *Service) Unassign(ctx context.Context, userID, recordID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.unassignTx(tx, userID, recordID)
	})
}

func (s *Service) unassignTx(tx *gorm.DB, userID, recordID string) error {
	result := tx.Model(&UserMedicalRecord{}).
		Where("user_id = ? AND record_id = ?", userID, recordID).
		Update("is_active", false)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: user %s record %s", ErrAssignmentNotFound, userID, recordID)
	}
	return nil
}

// BulkAssign grants access to several records atomically.
func (s *Service) BulkAssign(ctx context.Context, userID string, recordIDs []string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, recordID := range recordIDs {
			if err := s.assignTx(tx, userID, recordID); err != nil {
				return err
			}
		}
		return nil
	})
}

// TransferAssignment atomically moves access to a record from one staff
// user to another.
func (s *Service) TransferAssignment(ctx context.Context, recordID, fromUser, toUser string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.unassignTx(tx, fromUser, recordID); err != nil {
			return err
		}
		return s.assignTx(tx, toUser, recordID)
	})
}

// DeactivateAllForUser revokes every active assignment a user holds.
func (s *Service) DeactivateAllForUser(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Model(&UserMedicalRecord{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Update("is_active", false).Error
}

// ListAssignments returns a user's active assignments.
func (s *Service) ListAssignments(ctx context.Context, userID string) ([]UserMedicalRecord, error) {
	var result []UserMedicalRecord
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("assigned_date_s ASC").
		Find(&result).Error; err != nil {
		return nil, err
	}
	return result, nil
}

// ListStaff returns the active assignments pointing at a record.
func (s *Service) ListStaff(ctx context.Context, recordID string) ([]UserMedicalRecord, error) {
	var result []UserMedicalRecord
	if err := s.db.WithContext(ctx).
		Where("record_id = ? AND is_active = ?", recordID, true).
		Order("assigned_date_s ASC").
		Find(&result).Error; err != nil {
		return nil, err
	}
	return result, nil
}

// GetAssignment returns the assignment row for the pair, active or not.
func (s *Service) GetAssignment(ctx context.Context, userID, recordID string) (*UserMedicalRecord, error) {
	var assignment UserMedicalRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND record_id = ?", userID, recordID).
		Take(&assignment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAssignmentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &assignment, nil
}

// AuthorizeRead reports whether the user may read the record. Every role is
// checked explicitly; there is no permissive default.
func (s *Service) AuthorizeRead(ctx context.Context, userID, recordID string) error {
	user, record, err := s.loadPair(ctx, userID, recordID)
	if err != nil {
		return err
	}
	switch user.Role {
	case accounts.RoleAdmin:
		return nil
	case accounts.RolePatient:
		if record.PatientID == user.UserID {
			return nil
		}
		return fmt.Errorf("%w: patient %s does not own record %s", ErrNotAuthorized, userID, recordID)
	case accounts.RoleDoctor:
		if user.ClinicID != "" && user.ClinicID == record.ClinicID {
			return nil
		}
		return s.requireActiveAssignment(ctx, userID, recordID)
	case accounts.RoleNurse:
		return s.requireActiveAssignment(ctx, userID, recordID)
	}
	return fmt.Errorf("%w: unknown role %q", ErrNotAuthorized, user.Role)
}

// AuthorizeWrite reports whether the user may admit an event of the given
// type and action onto the record. Satisfies the ledger's Authorizer.
func (s *Service) AuthorizeWrite(ctx context.Context, userID, recordID, eventType string, action ledger.Action) error {
	user, _, err := s.loadPair(ctx, userID, recordID)
	if err != nil {
		return err
	}
	switch user.Role {
	case accounts.RoleAdmin:
		return nil
	case accounts.RolePatient:
		return fmt.Errorf("%w: patients cannot write events", ErrNotAuthorized)
	case accounts.RoleDoctor:
		if err := s.AuthorizeRead(ctx, userID, recordID); err != nil {
			return err
		}
		if _, ok := doctorWritableTypes[eventType]; !ok {
			return fmt.Errorf("%w: doctors cannot write %q events", ErrNotAuthorized, eventType)
		}
		return nil
	case accounts.RoleNurse:
		if err := s.requireActiveAssignment(ctx, userID, recordID); err != nil {
			return err
		}
		if action == ledger.ActionDelete {
			return fmt.Errorf("%w: nurses cannot delete events", ErrNotAuthorized)
		}
		if _, ok := nurseWritableTypes[eventType]; !ok {
			return fmt.Errorf("%w: nurses cannot write %q events", ErrNotAuthorized, eventType)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown role %q", ErrNotAuthorized, user.Role)
}

func (s *Service) loadPair(ctx context.Context, userID, recordID string) (*accounts.User, *records.MedicalRecord, error) {
	var user accounts.User
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, fmt.Errorf("%w: user %s not found", ErrNotAuthorized, userID)
	}
	if err != nil {
		return nil, nil, err
	}
	if !user.IsActive {
		return nil, nil, fmt.Errorf("%w: user %s is inactive", ErrNotAuthorized, userID)
	}

	var record records.MedicalRecord
	err = s.db.WithContext(ctx).Where("record_id = ?", recordID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, fmt.Errorf("%w: record %s not found", ErrNotAuthorized, recordID)
	}
	if err != nil {
		return nil, nil, err
	}
	return &user, &record, nil
}

func (s *Service) requireActiveAssignment(ctx context.Context, userID, recordID string) error {
	assignment, err := s.GetAssignment(ctx, userID, recordID)
	if errors.Is(err, ErrAssignmentNotFound) {
		return fmt.Errorf("%w: no assignment for user %s on record %s", ErrNotAuthorized, userID, recordID)
	}
	if err != nil {
		return err
	}
	if !assignment.IsActive {
		return fmt.Errorf("%w: assignment for user %s on record %s is inactive", ErrNotAuthorized, userID, recordID)
	}
	return nil
}
