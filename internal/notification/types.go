// Package notification defines the scheduled unit handed to the platform
// notification service and its metadata encoding.
package notification

import (
	"fmt"
	"time"
)

type Category string

const (
	CategoryBell           Category = "bell"
	CategoryPrayer         Category = "prayer"
	CategoryPrayerReminder Category = "prayer-reminder"
)

// RetryLevel distinguishes a primary instance from its delayed duplicate.
type RetryLevel int

const (
	Primary RetryLevel = 0
	Backup  RetryLevel = 1
)

func (l RetryLevel) String() string {
	switch l {
	case Primary:
		return "primary"
	case Backup:
		return "backup"
	default:
		return fmt.Sprintf("level-%d", int(l))
	}
}

type CallType string

const (
	CallShort CallType = "short"
	CallLong  CallType = "long"
)

// Payload is a closed sum over Bell, Prayer and PrayerReminder.
// Switches over it should end in a default that reports ErrUnknownPayload.
type Payload interface {
	Category() Category
	payload()
}

// Bell is one chime. ChimeCount is 1..12; half-hour chimes always carry 1.
type Bell struct {
	Tradition  string
	ChimeCount int
	HalfHour   bool
}

// Prayer is the call itself.
type Prayer struct {
	Name     string
	CallType CallType
}

// PrayerReminder fires MinutesUntil minutes before the prayer.
type PrayerReminder struct {
	PrayerName   string
	MinutesUntil int
	WithBell     bool
}

func (Bell) Category() Category           { return CategoryBell }
func (Prayer) Category() Category         { return CategoryPrayer }
func (PrayerReminder) Category() Category { return CategoryPrayerReminder }

func (Bell) payload()           {}
func (Prayer) payload()         {}
func (PrayerReminder) payload() {}

// Instance is one concrete scheduled notification.
type Instance struct {
	ID         int
	At         time.Time
	Title      string
	Body       string
	ChannelID  string
	SoundFile  string
	RetryLevel RetryLevel
	// OriginalID is the primary's id. A primary points at itself.
	OriginalID int
	Payload    Payload
}

func (i Instance) Category() Category {
	if i.Payload == nil {
		return ""
	}
	return i.Payload.Category()
}

func (i Instance) IsBackup() bool { return i.RetryLevel == Backup }

// ChimeCount maps an hour of day to the number of strikes: hour % 12, with 0 read as 12.
func ChimeCount(hour int) int {
	n := hour % 12
	if n < 0 {
		n += 12
	}
	if n == 0 {
		return 12
	}
	return n
}
