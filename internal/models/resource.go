package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Agent is a user-owned AI agent. Only live rows count toward plan caps.
type Agent struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey"` // Primary key.

	UserID string `gorm:"type:varchar(191);not null;index"` // Owning user.
	Name   string `gorm:"type:varchar(255);not null"`       // Display name.

	IsActive bool `gorm:"not null"` // Whether the agent is live.

	CreatedAt time.Time      `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time      `gorm:"not null;autoUpdateTime"` // Last update timestamp.
	DeletedAt gorm.DeletedAt `gorm:"index"`                   // Soft delete marker.
}

// BeforeCreate assigns a random ID when none is set.
func (a *Agent) BeforeCreate(_ *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// Tool is a callable capability. Marketplace tools have no owner and are never counted.
type Tool struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey"` // Primary key.

	OwnerID *string `gorm:"type:varchar(191);index"`    // Authoring user, nil for marketplace tools.
	Name    string  `gorm:"type:varchar(255);not null"` // Tool name used for pricing lookups.

	IsCustom bool `gorm:"not null"` // Whether the tool is user-authored.
	IsActive bool `gorm:"not null"` // Whether the tool is live.

	CreatedAt time.Time      `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time      `gorm:"not null;autoUpdateTime"` // Last update timestamp.
	DeletedAt gorm.DeletedAt `gorm:"index"`                   // Soft delete marker.
}

// BeforeCreate assigns a random ID when none is set.
func (t *Tool) BeforeCreate(_ *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}
