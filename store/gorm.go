package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"downloadgrid/downloader"
)

// TaskRecord is the database row of a task
type TaskRecord struct {
	ID             string `gorm:"primaryKey;type:text"`
	URL            string `gorm:"not null"`
	Name           string `gorm:"not null"`
	SavePath       string `gorm:"not null"`
	Size           int64  `gorm:"default:0"`
	Downloaded     int64  `gorm:"default:0"`
	Status         string `gorm:"not null;default:'queued';index"`
	RangeSupported bool
	Probed         bool
	ETag           string
	NamePinned     bool
	MaxThreads     int                  `gorm:"not null;default:4"`
	Sectors        int                  `gorm:"not null;default:64"`
	Segments       []downloader.Segment `gorm:"serializer:json;type:text"`
	FileType       string
	Description    string   `gorm:"type:text"`
	Tags           []string `gorm:"serializer:json;type:text"`
	SafetyScore    int
	SecurityReport string `gorm:"type:text"`
	LastError      string `gorm:"type:text"`
	ErrorKind      string
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"index"`
}

// TableName keeps the table name stable across renames of the struct
func (TaskRecord) TableName() string {
	return "tasks"
}

func recordFromTask(t downloader.Task) TaskRecord {
	return TaskRecord{
		ID:             t.ID,
		URL:            t.URL,
		Name:           t.Name,
		SavePath:       t.SavePath,
		Size:           t.Size,
		Downloaded:     t.Downloaded,
		Status:         string(t.Status),
		RangeSupported: t.RangeSupported,
		Probed:         t.Probed,
		ETag:           t.ETag,
		NamePinned:     t.NamePinned,
		MaxThreads:     t.MaxThreads,
		Sectors:        t.Sectors,
		Segments:       t.Segments,
		FileType:       t.FileType,
		Description:    t.Description,
		Tags:           t.Tags,
		SafetyScore:    t.SafetyScore,
		SecurityReport: t.SecurityReport,
		LastError:      t.LastError,
		ErrorKind:      string(t.ErrorKind),
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

func (r TaskRecord) task() downloader.Task {
	return downloader.Task{
		ID:             r.ID,
		URL:            r.URL,
		Name:           r.Name,
		SavePath:       r.SavePath,
		Size:           r.Size,
		Downloaded:     r.Downloaded,
		Status:         downloader.Status(r.Status),
		RangeSupported: r.RangeSupported,
		Probed:         r.Probed,
		ETag:           r.ETag,
		NamePinned:     r.NamePinned,
		MaxThreads:     r.MaxThreads,
		Sectors:        r.Sectors,
		Segments:       r.Segments,
		FileType:       r.FileType,
		Description:    r.Description,
		Tags:           r.Tags,
		SafetyScore:    r.SafetyScore,
		SecurityReport: r.SecurityReport,
		LastError:      r.LastError,
		ErrorKind:      downloader.ErrorKind(r.ErrorKind),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func isPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// GormStore keeps tasks in SQLite or PostgreSQL
type GormStore struct {
	db *gorm.DB
}

// OpenGorm connects to dsn with the "sqlite" or "postgres" driver and
// migrates the schema. An empty driver means postgres for postgres:// and
// postgresql:// DSNs and SQLite otherwise.
func OpenGorm(driver, dsn string, log *zap.Logger) (*GormStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	gormLogger := logger.New(
		zap.NewStdLog(log.With(zap.String("component", "gorm"))),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Error,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	if driver == "" {
		driver = "sqlite"
		if isPostgresDSN(dsn) {
			driver = "postgres"
		}
	}

	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(strings.TrimPrefix(dsn, "sqlite://"))
	default:
		return nil, fmt.Errorf("unsupported gorm driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if dialector.Name() == "sqlite" {
		// One writer at a time avoids SQLITE_BUSY under concurrent saves.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&TaskRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database schema: %w", err)
	}
	return &GormStore{db: db}, nil
}

// SaveAll upserts every task
func (s *GormStore) SaveAll(ctx context.Context, tasks []downloader.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	records := make([]TaskRecord, len(tasks))
	for i, t := range tasks {
		records[i] = recordFromTask(t)
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&records).Error
	if err != nil {
		return fmt.Errorf("failed to save tasks: %w", err)
	}
	return nil
}

// LoadAll returns every task ordered by creation time
func (s *GormStore) LoadAll(ctx context.Context) ([]downloader.Task, error) {
	var records []TaskRecord
	if err := s.db.WithContext(ctx).Order("created_at").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}
	tasks := make([]downloader.Task, len(records))
	for i, r := range records {
		tasks[i] = r.task()
	}
	return tasks, nil
}

// Delete removes a task. Deleting a missing task is not an error.
func (s *GormStore) Delete(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&TaskRecord{}).Error; err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// CleanupCompleted removes completed tasks last updated before now-olderThan
func (s *GormStore) CleanupCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", string(downloader.StatusCompleted), cutoff).
		Delete(&TaskRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to cleanup completed tasks: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Ping checks the database connection
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
