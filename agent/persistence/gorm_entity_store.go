package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/driftlab/easel/agent/entity"
)

// entityRecord is the GORM row backing one entity. The full state is
// stored as a JSON document; id and updated_at are lifted out for
// querying.
type entityRecord struct {
	ID        string `gorm:"primaryKey;size:191"`
	State     []byte `gorm:"type:blob"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (entityRecord) TableName() string { return "image_entities" }

// GormEntityStore is a SQL-backed EntityStore supporting sqlite,
// postgres and mysql.
type GormEntityStore struct {
	db *gorm.DB
}

// PoolOptions tune the underlying sql.DB connection pool. Zero values
// leave the driver defaults in place.
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewGormEntityStore opens the database for the given driver and DSN
// and migrates the schema.
func NewGormEntityStore(driver, dsn string, pool PoolOptions) (*GormEntityStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&entityRecord{}); err != nil {
		return nil, fmt.Errorf("migrate entity schema: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access connection pool: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	return &GormEntityStore{db: db}, nil
}

func (s *GormEntityStore) SaveEntity(ctx context.Context, state entity.State) error {
	if state.ID == "" {
		return ErrInvalidInput
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal entity state: %w", err)
	}
	record := entityRecord{ID: state.ID, State: data}
	return s.db.WithContext(ctx).Save(&record).Error
}

func (s *GormEntityStore) GetEntity(ctx context.Context, id string) (entity.State, error) {
	var record entityRecord
	err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return entity.State{}, ErrNotFound
	}
	if err != nil {
		return entity.State{}, err
	}
	var state entity.State
	if err := json.Unmarshal(record.State, &state); err != nil {
		return entity.State{}, fmt.Errorf("unmarshal entity state: %w", err)
	}
	return state, nil
}

func (s *GormEntityStore) ListEntityIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&entityRecord{}).Pluck("id", &ids).Error
	return ids, err
}

func (s *GormEntityStore) Ping(ctx context.Context) error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

func (s *GormEntityStore) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
