package notification

import (
	"sync"
	"time"
)

// idSpan keeps ids inside int32 so they survive platforms that store them as Java ints.
const idSpan = 1 << 30

// IDSource hands out process-unique ids.
//
// The sequence is seeded from the wall clock so ids do not repeat across
// restarts within the same rolling window; within a process it is strictly
// increasing (modulo wraparound at idSpan).
type IDSource struct {
	mu   sync.Mutex
	next int
}

func NewIDSource(seed time.Time) *IDSource {
	base := int(seed.Unix()%int64(idSpan/1024)) * 1024
	if base <= 0 {
		base = 1
	}
	return &IDSource{next: base}
}

// Next returns a fresh id.
func (s *IDSource) Next() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next <= 0 || s.next >= idSpan {
		s.next = 1
	}
	id := s.next
	s.next++
	return id
}
