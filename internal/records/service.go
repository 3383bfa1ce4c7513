package records

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/medledger/backend/internal/hashing"
	"github.com/medledger/backend/internal/identifier"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrRecordNotFound indicates the referenced record does not exist.
	ErrRecordNotFound = errors.New("records: record not found")
	// ErrInvalidInput indicates a missing patient or clinic identifier.
	ErrInvalidInput = errors.New("records: invalid input")
)

// ServiceConfig describes the dependencies of the record registry.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider identifier.Provider
	Logger     *zap.Logger
}

// Service manages medical record lifecycle and queries. The snapshot hash
// itself is advanced by the event ledger as events are admitted.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	ids    identifier.Provider
	logger *zap.Logger
}

// NewService constructs the record registry.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("records: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("records: id provider required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, clock: clock, ids: cfg.IDProvider, logger: logger}, nil
}

// Create opens a record for a patient/clinic engagement. The snapshot hash
// starts at the genesis value until the first event is admitted.
func (s *Service) Create(ctx context.Context, patientID, clinicID string) (*MedicalRecord, error) {
	patientID = strings.TrimSpace(patientID)
	clinicID = strings.TrimSpace(clinicID)
	if patientID == "" || clinicID == "" {
		return nil, fmt.Errorf("%w: patient and clinic identifiers are required", ErrInvalidInput)
	}

	recordID, err := s.ids.NewID()
	if err != nil {
		return nil, err
	}
	now := s.clock().UTC().Unix()
	record := MedicalRecord{
		RecordID:            recordID,
		PatientID:           patientID,
		ClinicID:            clinicID,
		IsActive:            true,
		CreatedAtSecs:       now,
		LastUpdatedSecs:     now,
		CurrentSnapshotHash: hashing.GenesisHash,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, err
	}

	s.logger.Info("medical record created",
		zap.String("record_id", recordID),
		zap.String("patient_id", patientID),
		zap.String("clinic_id", clinicID))
	return &record, nil
}

// GetByID loads a record by identifier.
func (s *Service) GetByID(ctx context.Context, recordID string) (*MedicalRecord, error) {
	var record MedicalRecord
	err := s.db.WithContext(ctx).Where("record_id = ?", recordID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ListByPatient returns all records belonging to a patient.
func (s *Service) ListByPatient(ctx context.Context, patientID string) ([]MedicalRecord, error) {
	var result []MedicalRecord
	if err := s.db.WithContext(ctx).
		Where("patient_id = ?", patientID).
		Order("created_at_s ASC").
		Find(&result).Error; err != nil {
		return nil, err
	}
	return result, nil
}

// ListByClinic returns all records opened under a clinic.
func (s *Service) ListByClinic(ctx context.Context, clinicID string) ([]MedicalRecord, error) {
	var result []MedicalRecord
	if err := s.db.WithContext(ctx).
		Where("clinic_id = ?", clinicID).
		Order("created_at_s ASC").
		Find(&result).Error; err != nil {
		return nil, err
	}
	return result, nil
}

// ListByStaff returns records the staff user holds an active assignment for.
func (s *Service) ListByStaff(ctx context.Context, userID string) ([]MedicalRecord, error) {
	var result []MedicalRecord
	if err := s.db.WithContext(ctx).
		Where("record_id IN (?)", s.db.
			Table("user_medical_records").
			Select("record_id").
			Where("user_id = ? AND is_active = ?", userID, true)).
		Order("created_at_s ASC").
		Find(&result).Error; err != nil {
		return nil, err
	}
	return result, nil
}

// Deactivate soft-closes a record. The row and its events are kept.
func (s *Service) Deactivate(ctx context.Context, recordID string) error {
	return s.setActive(ctx, recordID, false)
}

// Activate reopens a previously deactivated record.
func (s *Service) Activate(ctx context.Context, recordID string) error {
	return s.setActive(ctx, recordID, true)
}

func (s *Service) setActive(ctx context.Context, recordID string, active bool) error {
	result := s.db.WithContext(ctx).Model(&MedicalRecord{}).
		Where("record_id = ?", recordID).
		Update("is_active", active)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	s.logger.Info("medical record active flag changed",
		zap.String("record_id", recordID), zap.Bool("is_active", active))
	return nil
}
