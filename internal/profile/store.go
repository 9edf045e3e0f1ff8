// Package profile provides read-only access to the account profiles owned by
// the surrounding dating application. The call engine uses them to fill in a
// caller's gender when find_match omits it and to reveal a partner's display
// name after a mutual match.
package profile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when no profile exists for an identity.
var ErrNotFound = errors.New("profile: not found")

// Profile is the subset of an account the call engine reads.
type Profile struct {
	Identity    string `gorm:"primaryKey;type:text"`
	Gender      string `gorm:"type:text;not null"`
	DisplayName string `gorm:"type:text;not null;default:''"`
	AvatarURL   string `gorm:"type:text;not null;default:''"`
	UpdatedAt   time.Time
}

// TableName pins the table name shared with the account service.
func (Profile) TableName() string { return "profiles" }

// Store reads profiles through gorm.
type Store struct {
	db *gorm.DB
}

// Open connects to PostgreSQL through the gorm postgres driver.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("profile: open: %w", err)
	}
	return db, nil
}

// NewStore creates a profile store on an open gorm handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates the profiles table when it does not exist. The account
// service owns the schema in production; this is for local setups and tests.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&Profile{}); err != nil {
		return fmt.Errorf("profile: migrate: %w", err)
	}
	return nil
}

// Get returns the profile of an identity.
func (s *Store) Get(ctx context.Context, identity string) (*Profile, error) {
	var p Profile
	err := s.db.WithContext(ctx).
		Where(&Profile{Identity: identity}).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("profile: get %s: %w", identity, err)
	}
	return &p, nil
}

// Save upserts a profile.
func (s *Store) Save(ctx context.Context, p *Profile) error {
	if err := s.db.WithContext(ctx).Save(p).Error; err != nil {
		return fmt.Errorf("profile: save %s: %w", p.Identity, err)
	}
	return nil
}
