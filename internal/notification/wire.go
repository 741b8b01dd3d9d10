package notification

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownPayload = errors.New("notification: unknown payload")
	ErrBadExtra       = errors.New("notification: malformed extra")
)

// Extra is the metadata bag attached to every submitted notification.
// Field names follow the platform's JSON contract.
type Extra struct {
	Type          Category   `json:"type"`
	SoundFile     string     `json:"soundFile,omitempty"`
	RetryLevel    RetryLevel `json:"retryLevel"`
	OriginalID    int        `json:"originalId"`
	ScheduledTime string     `json:"scheduledTime"`

	BellTradition string `json:"bellTradition,omitempty"`
	ChimeCount    int    `json:"chimeCount,omitempty"`
	IsHalfHour    bool   `json:"isHalfHour,omitempty"`

	CallType   CallType `json:"callType,omitempty"`
	PrayerName string   `json:"prayerName,omitempty"`

	MinutesUntil int  `json:"minutesUntil,omitempty"`
	WithBell     bool `json:"withBell,omitempty"`
}

// Wire is the per-instance request understood by the platform service.
type Wire struct {
	ID             int       `json:"id"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	ScheduleAt     time.Time `json:"scheduleAt"`
	AllowWhileIdle bool      `json:"allowWhileIdle"`
	ChannelID      string    `json:"channelId"`
	Extra          Extra     `json:"extra"`
}

// ToWire encodes i. It fails only for a nil or foreign payload.
func ToWire(i Instance) (Wire, error) {
	ex := Extra{
		Type:          i.Category(),
		SoundFile:     i.SoundFile,
		RetryLevel:    i.RetryLevel,
		OriginalID:    i.OriginalID,
		ScheduledTime: i.At.UTC().Format(time.RFC3339),
	}
	switch p := i.Payload.(type) {
	case Bell:
		ex.BellTradition = p.Tradition
		ex.ChimeCount = p.ChimeCount
		ex.IsHalfHour = p.HalfHour
	case Prayer:
		ex.CallType = p.CallType
		ex.PrayerName = p.Name
	case PrayerReminder:
		ex.PrayerName = p.PrayerName
		ex.MinutesUntil = p.MinutesUntil
		ex.WithBell = p.WithBell
	default:
		return Wire{}, fmt.Errorf("%w: %T", ErrUnknownPayload, i.Payload)
	}
	return Wire{
		ID:             i.ID,
		Title:          i.Title,
		Body:           i.Body,
		ScheduleAt:     i.At,
		AllowWhileIdle: true,
		ChannelID:      i.ChannelID,
		Extra:          ex,
	}, nil
}

// FromWire decodes a platform record back into an Instance.
func FromWire(w Wire) (Instance, error) {
	var p Payload
	switch w.Extra.Type {
	case CategoryBell:
		if w.Extra.ChimeCount < 1 || w.Extra.ChimeCount > 12 {
			return Instance{}, fmt.Errorf("%w: chimeCount %d", ErrBadExtra, w.Extra.ChimeCount)
		}
		p = Bell{Tradition: w.Extra.BellTradition, ChimeCount: w.Extra.ChimeCount, HalfHour: w.Extra.IsHalfHour}
	case CategoryPrayer:
		p = Prayer{Name: w.Extra.PrayerName, CallType: w.Extra.CallType}
	case CategoryPrayerReminder:
		p = PrayerReminder{PrayerName: w.Extra.PrayerName, MinutesUntil: w.Extra.MinutesUntil, WithBell: w.Extra.WithBell}
	default:
		return Instance{}, fmt.Errorf("%w: type %q", ErrUnknownPayload, w.Extra.Type)
	}
	if w.Extra.RetryLevel != Primary && w.Extra.RetryLevel != Backup {
		return Instance{}, fmt.Errorf("%w: retryLevel %d", ErrBadExtra, w.Extra.RetryLevel)
	}
	return Instance{
		ID:         w.ID,
		At:         w.ScheduleAt,
		Title:      w.Title,
		Body:       w.Body,
		ChannelID:  w.ChannelID,
		SoundFile:  w.Extra.SoundFile,
		RetryLevel: w.Extra.RetryLevel,
		OriginalID: w.Extra.OriginalID,
		Payload:    p,
	}, nil
}
