package journal

import (
	"time"

	"gorm.io/gorm"

	"github.com/kabili207/pktserial-go/core"
	"github.com/kabili207/pktserial-go/device/protocol"
)

// DeviceEvent is one recorded lifecycle change.
type DeviceEvent struct {
	ID           uint      `gorm:"primarykey" json:"id"`
	Kind         string    `gorm:"index;size:16;not null" json:"kind"`
	Slot         int       `gorm:"not null" json:"slot"`
	Class        uint32    `gorm:"not null" json:"class"`
	ClassName    string    `gorm:"size:32" json:"class_name"`
	Address      uint8     `json:"address"`
	SerialNumber uint32    `gorm:"index;not null" json:"serial_number"`
	Local        bool      `json:"local"`
	OccurredAt   time.Time `gorm:"index;not null" json:"occurred_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName specifies the table name for DeviceEvent.
func (DeviceEvent) TableName() string {
	return "device_events"
}

// BeforeCreate fills in the timestamps.
func (e *DeviceEvent) BeforeCreate(tx *gorm.DB) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = e.CreatedAt
	}
	return nil
}

func fromProtocol(ev protocol.DeviceEvent) *DeviceEvent {
	return &DeviceEvent{
		Kind:         ev.Kind.String(),
		Slot:         ev.Slot,
		Class:        ev.Class,
		ClassName:    core.ClassName(ev.Class),
		Address:      ev.Device.Address,
		SerialNumber: ev.Device.SerialNumber,
		Local:        ev.Device.IsLocal(),
	}
}
