// Package platform is the boundary to the device's local notification
// service: schedule, cancel, list pending, create channel, plus the
// asynchronous received/action events published on the event bus.
package platform

import (
	"context"
	"errors"
	"time"

	"bellkeeper/internal/notification"
)

// DefaultCapacity is the platform's ceiling on pending notifications.
const DefaultCapacity = 500

var (
	ErrCapacity = errors.New("platform: pending capacity exceeded")
	ErrClosed   = errors.New("platform: closed")
)

type Importance int

const (
	ImportanceLow Importance = iota + 1
	ImportanceDefault
	ImportanceHigh
)

// Channel describes a notification channel. Sound is empty for silent channels.
type Channel struct {
	ID          string
	Name        string
	Description string
	Sound       string
	Importance  Importance
	Vibrate     bool
}

// Service is the platform notification store.
//
// Cancel must treat ids that are no longer pending (already fired, already
// cancelled, flushed by a concurrent reconcile) as a no-op.
type Service interface {
	Schedule(ctx context.Context, instances []notification.Instance) error
	Cancel(ctx context.Context, ids []int) error
	Pending(ctx context.Context) ([]notification.Instance, error)
	CreateChannel(ctx context.Context, ch Channel) error
}

// Delivery is the Data of received and action events.
type Delivery struct {
	Instance notification.Instance
	// ActionID is set on action events ("tap" for a plain tap).
	ActionID string
	At       time.Time
}

// IDs extracts instance ids.
func IDs(in []notification.Instance) []int {
	out := make([]int, 0, len(in))
	for _, i := range in {
		out = append(out, i.ID)
	}
	return out
}
