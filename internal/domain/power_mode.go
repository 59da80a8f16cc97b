package domain

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// PowerModesTable is the default table holding one row per plant.
const PowerModesTable = "inverter_power_modes"

// ControlMode values reported by the vendor for active power control.
const (
	ControlModeNoLimit          = "noLimit"
	ControlModeLimitedKW        = "limitedPowerGridKW"
	ControlModeLimitedPercent   = "limitedPowerGridPercent"
	ControlModeZeroExportLimits = "zeroExportLimitation"
)

// JSONBlob stores a semi-structured vendor parameter object as JSON text.
// A nil or JSON "null" blob is written as SQL NULL.
type JSONBlob json.RawMessage

// Value implements the driver.Valuer interface for database serialization.
// Parameters: none.
// Returns:
//   - driver.Value: JSON text, or nil for an empty blob.
//   - error: non-nil if the blob is not valid JSON.
func (b JSONBlob) Value() (driver.Value, error) {
	if b.IsNull() {
		return nil, nil
	}
	if !json.Valid(b) {
		return nil, errors.New("invalid JSON blob")
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
// Parameters:
//   - value: raw database value to decode.
// Returns:
//   - error: non-nil if the type is unexpected.
func (b *JSONBlob) Scan(value interface{}) error {
	if value == nil {
		*b = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*b = append((*b)[:0], v...)
	case string:
		*b = JSONBlob(v)
	default:
		return errors.New("failed to scan JSONBlob")
	}
	return nil
}

// MarshalJSON emits the stored JSON verbatim, or null.
func (b JSONBlob) MarshalJSON() ([]byte, error) {
	if b.IsNull() {
		return []byte("null"), nil
	}
	return b, nil
}

// UnmarshalJSON keeps a copy of the raw JSON.
func (b *JSONBlob) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*b = nil
		return nil
	}
	*b = append((*b)[:0], data...)
	return nil
}

// GormDBDataType maps the blob to JSONB on PostgreSQL and TEXT elsewhere.
func (JSONBlob) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	if db.Dialector.Name() == "postgres" {
		return "JSONB"
	}
	return "TEXT"
}

// IsNull reports whether the blob carries no value.
func (b JSONBlob) IsNull() bool {
	trimmed := bytes.TrimSpace(b)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// PowerModeRecord is the persisted power-control configuration of one plant.
// APISuccess=false rows carry no control mode or parameters; they mark the
// plant as handled so a failing plant never blocks the resume cursor.
type PowerModeRecord struct {
	PlantCode           string    `gorm:"column:plant_code;type:text;primaryKey" json:"plant_code"`
	PlantName           string    `gorm:"column:plant_name;type:text" json:"plant_name"`
	APISuccess          bool      `gorm:"column:api_success;not null" json:"api_success"`
	ControlMode         *string   `gorm:"column:control_mode;type:text" json:"control_mode"`
	LimitedKWParam      JSONBlob  `gorm:"column:limited_kw_param" json:"limited_kw_param"`
	LimitedPercentParam JSONBlob  `gorm:"column:limited_percent_param" json:"limited_percent_param"`
	ZeroExportParam     JSONBlob  `gorm:"column:zero_export_param" json:"zero_export_param"`
	LastUpdated         time.Time `gorm:"column:last_updated;not null;index:idx_power_modes_last_updated" json:"last_updated"`
}

// TableName returns the database table name for PowerModeRecord.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (PowerModeRecord) TableName() string {
	return PowerModesTable
}

// NewFailedRecord builds the row written when a plant could not be queried.
func NewFailedRecord(plant Plant) *PowerModeRecord {
	return &PowerModeRecord{
		PlantCode:  plant.Code,
		PlantName:  plant.Name,
		APISuccess: false,
	}
}

// Mode returns the control mode or an empty string.
func (r *PowerModeRecord) Mode() string {
	if r.ControlMode == nil {
		return ""
	}
	return *r.ControlMode
}
