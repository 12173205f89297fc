package usage

import (
	"context"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/fleetwork/cacheengine/pkg/errors"
	"github.com/fleetwork/cacheengine/pkg/types"
)

// behaviorLog is one row of user_behavior_logs
type behaviorLog struct {
	ID            uint      `gorm:"primaryKey"`
	UserID        string    `gorm:"column:user_id;index;not null"`
	TenantID      string    `gorm:"column:tenant_id"`
	FeatureModule string    `gorm:"column:feature_module;not null"`
	ActionType    string    `gorm:"column:action_type;not null"`
	PagePath      string    `gorm:"column:page_path"`
	DurationMs    int64     `gorm:"column:duration_ms"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

func (behaviorLog) TableName() string {
	return "user_behavior_logs"
}

// featureWeightRow is one row of user_feature_weights
type featureWeightRow struct {
	ID            uint      `gorm:"primaryKey"`
	UserID        string    `gorm:"column:user_id;uniqueIndex:idx_user_feature;not null"`
	FeatureModule string    `gorm:"column:feature_module;uniqueIndex:idx_user_feature;not null"`
	WeightScore   float64   `gorm:"column:weight_score"`
	CacheTTL      int64     `gorm:"column:cache_ttl"` // seconds
	AccessCount   int64     `gorm:"column:access_count"`
	LastAccessAt  time.Time `gorm:"column:last_access_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

func (featureWeightRow) TableName() string {
	return "user_feature_weights"
}

// GormRepository stores usage data through gorm
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository migrates the usage tables on db
func NewGormRepository(db *gorm.DB) (*GormRepository, error) {
	if err := db.AutoMigrate(&behaviorLog{}, &featureWeightRow{}); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorageWrite, "failed to migrate usage tables", err).
			WithComponent("usage")
	}
	return &GormRepository{db: db}, nil
}

// OpenSQLite opens (creating if needed) a SQLite database at path
func OpenSQLite(path string) (*GormRepository, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorageRead, "failed to open usage database", err).
			WithComponent("usage").
			WithDetail("path", path)
	}
	return NewGormRepository(db)
}

func (r *GormRepository) AppendEvent(ctx context.Context, event types.BehaviorEvent) error {
	row := behaviorLog{
		UserID:        event.UserID,
		TenantID:      event.TenantID,
		FeatureModule: string(event.Feature),
		ActionType:    string(event.Action),
		PagePath:      event.Path,
		DurationMs:    event.Duration.Milliseconds(),
		CreatedAt:     event.At,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return errors.Wrap(errors.ErrCodeStorageWrite, "failed to append behavior event", err).
			WithComponent("usage")
	}
	return nil
}

func (r *GormRepository) SaveWeight(ctx context.Context, weight types.FeatureWeight) error {
	row := featureWeightRow{
		UserID:        weight.UserID,
		FeatureModule: string(weight.Feature),
		WeightScore:   weight.WeightScore,
		CacheTTL:      int64(weight.CacheTTL / time.Second),
		AccessCount:   weight.AccessCount,
		LastAccessAt:  weight.LastAccessAt,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "feature_module"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"weight_score", "cache_ttl", "access_count", "last_access_at", "updated_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return errors.Wrap(errors.ErrCodeStorageWrite, "failed to save feature weight", err).
			WithComponent("usage")
	}
	return nil
}

func (r *GormRepository) LoadWeights(ctx context.Context, userID string) ([]types.FeatureWeight, error) {
	var rows []featureWeightRow
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("weight_score DESC").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorageRead, "failed to load feature weights", err).
			WithComponent("usage")
	}

	out := make([]types.FeatureWeight, 0, len(rows))
	for _, row := range rows {
		out = append(out, types.FeatureWeight{
			UserID:       row.UserID,
			Feature:      types.Feature(row.FeatureModule),
			WeightScore:  row.WeightScore,
			CacheTTL:     time.Duration(row.CacheTTL) * time.Second,
			AccessCount:  row.AccessCount,
			LastAccessAt: row.LastAccessAt,
		})
	}
	return out, nil
}

func (r *GormRepository) DeleteWeights(ctx context.Context, userID string) error {
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&featureWeightRow{}).Error
	if err != nil {
		return errors.Wrap(errors.ErrCodeStorageWrite, "failed to delete feature weights", err).
			WithComponent("usage")
	}
	return nil
}

// CountEvents returns how many behavior events are stored for userID
func (r *GormRepository) CountEvents(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&behaviorLog{}).Where("user_id = ?", userID).Count(&n).Error
	return n, err
}

// Close closes the underlying database
func (r *GormRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
