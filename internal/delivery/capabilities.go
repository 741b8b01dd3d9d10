package delivery

import (
	"context"
	"sync"
	"time"

	"bellkeeper/internal/notification"
	logx "bellkeeper/pkg/logx"
)

// Player plays the sound attached to a delivered notification.
type Player interface {
	Play(ctx context.Context, in notification.Instance) error
	Playing() bool
}

// QuietSource reports whether do-not-disturb is active. It is polled.
type QuietSource interface {
	Quiet(ctx context.Context) (bool, error)
}

// QuietNotifier is implemented by sources that can push changes. When a
// QuietSource also implements it, no polling happens.
type QuietNotifier interface {
	QuietChanges(ctx context.Context) (<-chan bool, error)
}

// LogPlayer stands in for audio playback: it logs the sound and reports
// Playing for Duration afterwards.
type LogPlayer struct {
	Log      logx.Logger
	Duration time.Duration

	mu    sync.Mutex
	until time.Time
}

func (p *LogPlayer) Play(_ context.Context, in notification.Instance) error {
	d := p.Duration
	if d <= 0 {
		d = 20 * time.Second
	}
	p.mu.Lock()
	p.until = time.Now().Add(d)
	p.mu.Unlock()
	p.Log.Info("play", logx.Int("id", in.ID), logx.String("sound", in.SoundFile), logx.String("channel", in.ChannelID))
	return nil
}

func (p *LogPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Now().Before(p.until)
}

// StaticQuiet is a QuietSource with a settable value.
type StaticQuiet struct {
	mu    sync.Mutex
	quiet bool
	subs  []chan bool
}

func (s *StaticQuiet) Quiet(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quiet, nil
}

// Set changes the value and notifies subscribers.
func (s *StaticQuiet) Set(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quiet == v {
		return
	}
	s.quiet = v
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
}

func (s *StaticQuiet) QuietChanges(ctx context.Context) (<-chan bool, error) {
	ch := make(chan bool, 1)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, c := range s.subs {
			if c == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}
