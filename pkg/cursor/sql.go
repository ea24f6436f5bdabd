package cursor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StreamCursor is one row of the stream_cursors table.
type StreamCursor struct {
	InstanceID string `gorm:"primaryKey;size:255"`
	Cursor     string `gorm:"not null"`
	UpdatedAt  time.Time
}

// TableName implements gorm's tabler interface.
func (StreamCursor) TableName() string {
	return "stream_cursors"
}

// SQLStore keeps cursors in a relational table through GORM.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore creates the stream_cursors table if needed.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&StreamCursor{}); err != nil {
		return nil, fmt.Errorf("failed to migrate stream_cursors: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Load(ctx context.Context, instanceID string) (string, error) {
	if err := validateInstance(instanceID); err != nil {
		return "", err
	}

	var row StreamCursor
	err := s.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load cursor: %w", err)
	}
	return row.Cursor, nil
}

func (s *SQLStore) Save(ctx context.Context, instanceID, cursor string) error {
	if err := validateInstance(instanceID); err != nil {
		return err
	}

	row := StreamCursor{
		InstanceID: instanceID,
		Cursor:     cursor,
		UpdatedAt:  time.Now().UTC(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "instance_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"cursor", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

func (s *SQLStore) Reset(ctx context.Context, instanceID string) error {
	if err := validateInstance(instanceID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Delete(&StreamCursor{}).Error
	if err != nil {
		return fmt.Errorf("failed to reset cursor: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
