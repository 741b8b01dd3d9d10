// Package clock resolves "now" for scheduling decisions and turns
// (weekday, hour, minute) recurrence points into absolute instants.
package clock

import (
	"strings"
	"sync"
	"time"
)

// UTC is always accepted as a timezone id, even on hosts without tzdata.
const UTC = "UTC"

// OffsetSource supplies the signed correction between the device clock and a
// reference clock. timesync.Service implements it.
type OffsetSource interface {
	Offset() time.Duration
}

// Clock is the narrow view most components need.
type Clock interface {
	Now() time.Time
}

// Service is the Clock/TimeZone service.
//
// The zero value is usable: device time, no offset, device location.
type Service struct {
	now    func() time.Time
	offset OffsetSource
	device *time.Location

	mu    sync.Mutex
	zones map[string]*time.Location
}

type Option func(*Service)

// WithNow overrides the device clock. Tests use it to pin "now".
func WithNow(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithOffset applies a time-sync correction to Now().
func WithOffset(src OffsetSource) Option {
	return func(s *Service) { s.offset = src }
}

// WithDeviceLocation sets the location used as "device local time".
func WithDeviceLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.device = loc
		}
	}
}

func New(opts ...Option) *Service {
	s := &Service{now: time.Now, device: time.Local, zones: map[string]*time.Location{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Now returns device time adjusted by the current offset, in the device location.
func (s *Service) Now() time.Time {
	nowFn := s.now
	if nowFn == nil {
		nowFn = time.Now
	}
	t := nowFn()
	if s.offset != nil {
		t = t.Add(s.offset.Offset())
	}
	return t.In(s.DeviceLocation())
}

// DeviceLocation is the location the device clock reports in.
func (s *Service) DeviceLocation() *time.Location {
	if s.device == nil {
		return time.Local
	}
	return s.device
}

// IsValidTimeZone reports whether id names a zone the host can resolve.
// Empty and "Local" are rejected: they do not identify a zone.
func (s *Service) IsValidTimeZone(id string) bool {
	_, ok := s.Location(id)
	return ok
}

// Location resolves id, caching successful lookups.
func (s *Service) Location(id string) (*time.Location, bool) {
	id = strings.TrimSpace(id)
	if id == "" || strings.EqualFold(id, "local") {
		return nil, false
	}
	if id == UTC {
		return time.UTC, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.zones == nil {
		s.zones = map[string]*time.Location{}
	}
	if loc, ok := s.zones[id]; ok {
		return loc, true
	}
	loc, err := time.LoadLocation(id)
	if err != nil {
		return nil, false
	}
	s.zones[id] = loc
	return loc, true
}

// NextOccurrence returns the first instant strictly after from whose weekday,
// hour and minute (in from's location) match. The search walks 0..7 days
// forward, so a tie with from lands one week later.
//
// It returns the zero time for out-of-range arguments.
func NextOccurrence(weekday time.Weekday, hour, minute int, from time.Time) time.Time {
	if weekday < time.Sunday || weekday > time.Saturday || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return time.Time{}
	}
	loc := from.Location()
	y, m, d := from.Date()
	for i := 0; i <= 7; i++ {
		cand := time.Date(y, m, d+i, hour, minute, 0, 0, loc)
		if cand.Weekday() != weekday {
			continue
		}
		if cand.After(from) {
			return cand
		}
	}
	return time.Time{}
}

// NextOccurrence is the package-level NextOccurrence.
func (s *Service) NextOccurrence(weekday time.Weekday, hour, minute int, from time.Time) time.Time {
	return NextOccurrence(weekday, hour, minute, from)
}
