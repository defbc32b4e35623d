package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/tryon-gateway/internal/retry"
)

// Status values recorded for a try-on request.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ErrNotFound is returned when no log exists for a result id.
var ErrNotFound = errors.New("tryon log not found")

// TryOnLog represents a persisted try-on request.
type TryOnLog struct {
	ID            uint      `gorm:"primaryKey"`
	ResultID      string    `gorm:"column:result_id;uniqueIndex;size:36"`
	RequestID     string    `gorm:"column:request_id;index;size:128"`
	Seed          float64   `gorm:"column:seed"`
	RandomizeSeed bool      `gorm:"column:randomize_seed"`
	Status        string    `gorm:"column:status;size:16;index"`
	ResultPath    string    `gorm:"column:result_path;type:text"`
	Error         string    `gorm:"column:error;type:text"`
	LatencyMs     int64     `gorm:"column:latency_ms"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (TryOnLog) TableName() string {
	return "tryon_logs"
}

// MetricsAggregation is the raw aggregate computed over all logs.
type MetricsAggregation struct {
	TotalCount       int64
	SuccessCount     int64
	AverageLatencyMs float64
}

// Open connects to the history database with the given driver.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	return gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
}

// TryOnRepository provides persistence APIs for try-on logs.
type TryOnRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	policy retry.Policy
}

// NewTryOnRepository creates a new repository instance.
func NewTryOnRepository(db *gorm.DB, logger *zap.Logger) *TryOnRepository {
	return &TryOnRepository{db: db, logger: logger.Named("tryon_repository"), policy: retry.DefaultPolicy}
}

// AutoMigrate ensures the schema is available.
func (r *TryOnRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&TryOnLog{})
}

// SaveLog persists a try-on log entry.
func (r *TryOnRepository) SaveLog(ctx context.Context, log *TryOnLog) error {
	return r.policy.Do(ctx, r.logger, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByResultID retrieves the log holding the given server-assigned result id.
func (r *TryOnRepository) FindByResultID(ctx context.Context, resultID string) (*TryOnLog, error) {
	var log TryOnLog
	err := r.policy.Do(ctx, r.logger, "repository.find_by_result_id", "", func() error {
		err := r.db.WithContext(ctx).First(&log, "result_id = ?", resultID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics computes request counts and average latency over all logs.
func (r *TryOnRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.policy.Do(ctx, r.logger, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&TryOnLog{}).
			Select("COUNT(*) AS total_count, "+
				"COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS success_count, "+
				"COALESCE(AVG(latency_ms), 0) AS average_latency_ms", StatusSucceeded).
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}
