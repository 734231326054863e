package metadata

import (
	"time"

	"github.com/google/uuid"
)

// MediaAsset is the relational row backing one logical media item. The
// content-management layer owns writes; the gateway only reads it and bumps
// the view counter.
type MediaAsset struct {
	ID              uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	Title           string    `gorm:"column:title"`
	Backend         string    `gorm:"column:backend;not null;index"`
	Locator         string    `gorm:"column:locator;not null"`
	MimeType        string    `gorm:"column:mime_type;not null"`
	SizeBytes       int64     `gorm:"column:size_bytes;default:0"`
	IsPublic        bool      `gorm:"column:is_public;not null;default:false"`
	RequiresSession bool      `gorm:"column:requires_session;not null;default:false"`
	Views           int64     `gorm:"column:views;not null;default:0"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName overrides the gorm default.
func (MediaAsset) TableName() string {
	return "media_assets"
}

// Subtitle is a subtitle track attached to a media asset, stored in its
// native text format (SRT or WebVTT).
type Subtitle struct {
	ID        uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	MediaID   uuid.UUID `gorm:"column:media_id;type:uuid;index"`
	Language  string    `gorm:"column:language;not null"`
	Format    string    `gorm:"column:format;not null;default:'srt'"`
	Content   string    `gorm:"column:content;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName overrides the gorm default.
func (Subtitle) TableName() string {
	return "subtitles"
}
