package recurrence

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
)

// fingerprintView lists every field that changes the emitted instances.
// Premium is deliberately absent.
type fingerprintView struct {
	Enabled      bool   `json:"enabled"`
	Tradition    string `json:"tradition"`
	Start        int    `json:"start"`
	End          int    `json:"end"`
	HalfHour     bool   `json:"half_hour"`
	PauseEnabled bool   `json:"pause_enabled"`
	PauseStart   int    `json:"pause_start"`
	PauseEnd     int    `json:"pause_end"`
	Days         []int  `json:"days"`
	TimeZone     string `json:"tz"`

	PrayerEnabled    bool   `json:"prayer_enabled"`
	PrayerName       string `json:"prayer_name"`
	PrayerMinute     int    `json:"prayer_minute"`
	CallType         string `json:"call_type"`
	ReminderLeads    []int  `json:"reminder_leads"`
	ReminderWithBell bool   `json:"reminder_with_bell"`
}

// Fingerprint is a stable hex digest of cfg's output-affecting fields.
func Fingerprint(cfg Config) string {
	v := fingerprintView{
		Enabled:          cfg.Enabled,
		Tradition:        cfg.Tradition,
		Start:            cfg.StartMinute,
		End:              cfg.EndMinute,
		HalfHour:         cfg.HalfHour,
		PauseEnabled:     cfg.PauseEnabled,
		PauseStart:       cfg.PauseStart,
		PauseEnd:         cfg.PauseEnd,
		TimeZone:         cfg.TimeZone,
		PrayerEnabled:    cfg.Prayer.Enabled,
		PrayerName:       cfg.Prayer.Name,
		PrayerMinute:     cfg.Prayer.Minute,
		CallType:         string(cfg.Prayer.CallType),
		ReminderLeads:    cfg.Prayer.ReminderLeads,
		ReminderWithBell: cfg.Prayer.ReminderWithBell,
	}
	v.Days = make([]int, 0, len(cfg.Days))
	for _, d := range cfg.Days {
		v.Days = append(v.Days, int(d))
	}
	if v.ReminderLeads == nil {
		v.ReminderLeads = []int{}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return fmt.Sprintf("%016x", h.Sum64())
}
