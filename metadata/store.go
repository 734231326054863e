package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	mediagateway "github.com/wolfeidau/media-gateway"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Store reads media descriptors and subtitles from the relational
// content-management database.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open connects to the metadata database. Driver is "postgres" or
// "sqlite"; sqlite is intended for development and tests.
func Open(driver, dsn string, opts ...StoreOption) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported metadata driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening metadata database: %w", err)
	}

	return NewStore(db, opts...), nil
}

// NewStore wraps an existing gorm handle.
func NewStore(db *gorm.DB, opts ...StoreOption) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the gateway-read tables. Production schemas are owned by
// the content-management layer; this exists for development and tests.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&MediaAsset{}, &Subtitle{})
}

// DB returns the underlying gorm handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Resolve maps a media id to its storage descriptor. RemoteShare locators
// are normalised to their canonical file id. Returns ErrNotFound on miss.
func (s *Store) Resolve(ctx context.Context, id uuid.UUID) (*Descriptor, error) {
	var asset MediaAsset
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&asset).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("resolving media %s: %w", id, err)
	}

	backend, err := mediagateway.ParseStorageBackend(asset.Backend)
	if err != nil {
		return nil, fmt.Errorf("resolving media %s: %w", id, err)
	}

	locator := asset.Locator
	if backend == mediagateway.BackendRemoteShare {
		locator = NormalizeShareLocator(locator)
	}

	return &Descriptor{
		ID:              asset.ID,
		Backend:         backend,
		Locator:         locator,
		MimeType:        asset.MimeType,
		DeclaredSize:    asset.SizeBytes,
		IsPublic:        asset.IsPublic,
		RequiresSession: asset.RequiresSession,
	}, nil
}

// GetSubtitle returns a subtitle track by id. Returns ErrNotFound on miss.
func (s *Store) GetSubtitle(ctx context.Context, id uuid.UUID) (*Subtitle, error) {
	var sub Subtitle
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading subtitle %s: %w", id, err)
	}
	return &sub, nil
}

// IncrementViews bumps the view counter for a media asset. Best effort:
// callers invoke it asynchronously after a completed transfer and failures
// are only logged.
func (s *Store) IncrementViews(ctx context.Context, id uuid.UUID) {
	err := s.db.WithContext(ctx).
		Model(&MediaAsset{}).
		Where("id = ?", id).
		UpdateColumn("views", gorm.Expr("views + 1")).Error
	if err != nil {
		s.logger.Warn("failed to increment view counter", "media_id", id, "error", err)
	}
}
