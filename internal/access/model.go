package access

// UserMedicalRecord grants a staff user access to one record. Assignments
// are deactivated rather than deleted so the full access history survives.
type UserMedicalRecord struct {
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null"`
	RecordID         string `gorm:"column:record_id;primaryKey;size:190;not null;index"`
	AssignedDateSecs int64  `gorm:"column:assigned_date_s;not null"`
	IsActive         bool   `gorm:"column:is_active;not null;default:true"`
}

// TableName provides the explicit table binding for GORM.
func (UserMedicalRecord) TableName() string {
	return "user_medical_records"
}
