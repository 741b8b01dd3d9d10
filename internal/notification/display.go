package notification

import (
	"fmt"
	"strings"
	"unicode"
)

// Describe returns the title and body shown for p. The strings carry no
// scheduling meaning.
func Describe(p Payload) (title, body string) {
	switch v := p.(type) {
	case Bell:
		title = humanize(v.Tradition) + " bells"
		switch {
		case v.HalfHour:
			body = "Half-hour chime"
		case v.ChimeCount == 1:
			body = "1 chime"
		default:
			body = fmt.Sprintf("%d chimes", v.ChimeCount)
		}
	case Prayer:
		title = v.Name
		body = fmt.Sprintf("It is time for %s", v.Name)
	case PrayerReminder:
		unit := "minutes"
		if v.MinutesUntil == 1 {
			unit = "minute"
		}
		title = fmt.Sprintf("%s in %d %s", v.PrayerName, v.MinutesUntil, unit)
		body = "Prepare for prayer"
	default:
		title = "Reminder"
	}
	return title, body
}

func humanize(s string) string {
	s = strings.TrimSpace(strings.NewReplacer("-", " ", "_", " ").Replace(s))
	if s == "" {
		return "Chime"
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
