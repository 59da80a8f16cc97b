package repository

import (
	"context"
	"time"

	"github.com/timmy/powermode/internal/domain"
	"github.com/timmy/powermode/internal/metrics"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PowerModeRepository handles power mode rows, one per plant.
type PowerModeRepository struct {
	db    *gorm.DB
	table string
	now   func() time.Time
}

// ModeCount is the number of plants reporting one control mode.
type ModeCount struct {
	ControlMode string `json:"control_mode"`
	Count       int64  `json:"count"`
}

// NewPowerModeRepository creates a new PowerModeRepository.
// Parameters:
//   - db: GORM database handle used for queries.
//   - table: target table name; empty means inverter_power_modes.
// Returns:
//   - *PowerModeRepository: repository instance bound to db.
func NewPowerModeRepository(db *gorm.DB, table string) *PowerModeRepository {
	if table == "" {
		table = domain.PowerModesTable
	}
	return &PowerModeRepository{
		db:    db,
		table: table,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the timestamp source used when a record has no LastUpdated.
func (r *PowerModeRepository) WithNow(now func() time.Time) *PowerModeRepository {
	r.now = now
	return r
}

// Table returns the table name this repository writes to.
func (r *PowerModeRepository) Table() string {
	return r.table
}

func (r *PowerModeRepository) query(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Table(r.table)
}

// Upsert inserts the row for a plant or replaces every column of the existing one.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - record: row to write; LastUpdated is stamped when zero.
// Returns:
//   - error: *domain.StorageError if the write fails.
func (r *PowerModeRepository) Upsert(ctx context.Context, record *domain.PowerModeRecord) error {
	if record.LastUpdated.IsZero() {
		record.LastUpdated = r.now()
	}
	record.LastUpdated = record.LastUpdated.UTC()

	start := time.Now()
	err := r.query(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "plant_code"}},
		UpdateAll: true,
	}).Create(record).Error
	metrics.StoreDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		return &domain.StorageError{Op: "upsert", PlantCode: record.PlantCode, Err: err}
	}
	return nil
}

// GetLastProcessedPlantCode returns the plant code of the most recently written row.
// Ties on last_updated resolve to the greatest plant code.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - string: plant code of the latest row.
//   - bool: false when the table is empty.
//   - error: *domain.StorageError if the query fails.
func (r *PowerModeRepository) GetLastProcessedPlantCode(ctx context.Context) (string, bool, error) {
	var records []domain.PowerModeRecord
	if err := r.query(ctx).
		Select("plant_code").
		Order("last_updated DESC").
		Order("plant_code DESC").
		Limit(1).
		Find(&records).Error; err != nil {
		return "", false, &domain.StorageError{Op: "read cursor", Err: err}
	}
	if len(records) == 0 {
		return "", false, nil
	}
	return records[0].PlantCode, true, nil
}

// GetByPlantCode retrieves the row for one plant.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - plantCode: vendor plant code.
// Returns:
//   - *domain.PowerModeRecord: row if found.
//   - error: gorm.ErrRecordNotFound if no row exists.
func (r *PowerModeRepository) GetByPlantCode(ctx context.Context, plantCode string) (*domain.PowerModeRecord, error) {
	var record domain.PowerModeRecord
	if err := r.query(ctx).Where("plant_code = ?", plantCode).Take(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

// List returns rows ordered by plant code.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - limit: maximum rows to return.
//   - offset: rows to skip.
//   - success: optional api_success filter; nil returns all rows.
// Returns:
//   - []domain.PowerModeRecord: rows in plant code order.
//   - error: non-nil if the query fails.
func (r *PowerModeRepository) List(ctx context.Context, limit, offset int, success *bool) ([]domain.PowerModeRecord, error) {
	var records []domain.PowerModeRecord
	query := r.query(ctx)
	if success != nil {
		query = query.Where("api_success = ?", *success)
	}
	if err := query.
		Order("plant_code ASC").
		Limit(limit).
		Offset(offset).
		Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// Count returns the number of rows, optionally filtered by api_success.
func (r *PowerModeRepository) Count(ctx context.Context, success *bool) (int64, error) {
	var count int64
	query := r.query(ctx)
	if success != nil {
		query = query.Where("api_success = ?", *success)
	}
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// CountByControlMode groups successful rows by control mode.
func (r *PowerModeRepository) CountByControlMode(ctx context.Context) ([]ModeCount, error) {
	var counts []ModeCount
	if err := r.query(ctx).
		Select("COALESCE(control_mode, '') AS control_mode, COUNT(*) AS count").
		Where("api_success = ?", true).
		Group("control_mode").
		Order("control_mode ASC").
		Scan(&counts).Error; err != nil {
		return nil, err
	}
	return counts, nil
}
