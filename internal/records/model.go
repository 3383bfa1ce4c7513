package records

// MedicalRecord tracks one patient/clinic engagement. The snapshot hash is
// derived from the record's event chain and is never set by callers.
type MedicalRecord struct {
	RecordID            string `gorm:"column:record_id;primaryKey;size:190;not null"`
	PatientID           string `gorm:"column:patient_id;size:190;not null;index"`
	ClinicID            string `gorm:"column:clinic_id;size:190;not null;index"`
	IsActive            bool   `gorm:"column:is_active;not null;default:true"`
	CreatedAtSecs       int64  `gorm:"column:created_at_s;not null"`
	LastUpdatedSecs     int64  `gorm:"column:last_updated_s;not null"`
	CurrentSnapshotHash string `gorm:"column:current_snapshot_hash;size:64;not null"`
}

// TableName provides the explicit table binding for GORM.
func (MedicalRecord) TableName() string {
	return "medical_records"
}
