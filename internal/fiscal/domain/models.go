// Package domain contains fiscal device state and gateway contracts.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// DayStatus is the gateway-reported fiscal day state for a device.
type DayStatus string

const (
	DayStatusUnknown        DayStatus = ""
	DayStatusOpened         DayStatus = "FiscalDayOpened"
	DayStatusClosed         DayStatus = "FiscalDayClosed"
	DayStatusCloseInitiated DayStatus = "FiscalDayCloseInitiated"
	DayStatusCloseFailed    DayStatus = "FiscalDayCloseFailed"
)

// TerminalForClose reports whether a submission response status should
// trigger an automatic day close.
func (s DayStatus) TerminalForClose() bool {
	switch s {
	case DayStatusUnknown, DayStatusCloseInitiated, DayStatusCloseFailed:
		return false
	default:
		return true
	}
}

// OperatingMode mirrors the gateway's device registration mode.
type OperatingMode string

const (
	OperatingModeOnline  OperatingMode = "Online"
	OperatingModeOffline OperatingMode = "Offline"
)

// DeviceCredential is the per-device fiscal state and counters.
// Counters only ever move forward; every submission outcome advances them.
type DeviceCredential struct {
	ID                    snowflake.ID  `gorm:"primaryKey"`
	TenantID              snowflake.ID  `gorm:"not null;index"`
	DeviceID              int64         `gorm:"not null;uniqueIndex"`
	OperatingMode         OperatingMode `gorm:"type:text;not null;default:'Online'"`
	FiscalDayStatus       DayStatus     `gorm:"type:text"`
	FiscalDayNo           int64         `gorm:"not null;default:0"`
	NextGlobalNumber      int64         `gorm:"not null;default:1"`
	NextReceiptCounter    int64         `gorm:"not null;default:1"`
	CertificateValidUntil *time.Time    `gorm:""`
	CreatedAt             time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt             time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (DeviceCredential) TableName() string { return "zimra_credentials" }

// FiscalDayState is the local day lifecycle, distinct from the
// gateway-reported DayStatus.
type FiscalDayState string

const (
	FiscalDayOpen        FiscalDayState = "Open"
	FiscalDayClosed      FiscalDayState = "Closed"
	FiscalDayCloseFailed FiscalDayState = "CloseFailed"
)

// FiscalDay is one bounded trading period on a device.
type FiscalDay struct {
	ID          snowflake.ID   `gorm:"primaryKey"`
	TenantID    snowflake.ID   `gorm:"not null;index"`
	DeviceID    int64          `gorm:"not null;index"`
	FiscalDayNo int64          `gorm:"not null"`
	Status      FiscalDayState `gorm:"type:text;not null;default:'Open'"`
	OpenedAt    time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	ClosedAt    *time.Time     `gorm:""`
	Manual      bool           `gorm:"not null;default:false"`
	CloseReason string         `gorm:"type:text"`
	Counters    datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt   time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (FiscalDay) TableName() string { return "fiscal_days" }
