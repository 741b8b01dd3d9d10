// Package timesync estimates the offset between the device clock and an
// external reference and keeps it fresh. An unreachable reference never
// blocks scheduling: the last known offset (or zero) stays in effect.
package timesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"bellkeeper/internal/metrics"
	"bellkeeper/internal/storage"
	logx "bellkeeper/pkg/logx"
)

var (
	ErrUnavailable = errors.New("timesync: no reference reachable")
	ErrThrottled   = errors.New("timesync: attempt throttled")
)

const (
	KindDate = "date" // HTTP Date header
	KindJSON = "json" // JSON body with unixtime / utc_datetime / dateTime
)

type Endpoint struct {
	Name string
	URL  string
	Kind string
}

type Config struct {
	Endpoints []Endpoint
	// Timeout bounds each endpoint attempt.
	Timeout time.Duration
	// Interval is the minimum age of an offset before it is re-derived.
	Interval time.Duration
	// RetryEvery spaces attempts after a failure.
	RetryEvery time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = 6 * time.Hour
	}
	if c.RetryEvery <= 0 {
		c.RetryEvery = time.Minute
	}
	eps := make([]Endpoint, 0, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		ep.URL = strings.TrimSpace(ep.URL)
		if ep.URL == "" {
			continue
		}
		if ep.Name == "" {
			ep.Name = ep.URL
		}
		if ep.Kind == "" {
			ep.Kind = KindDate
		}
		eps = append(eps, ep)
	}
	c.Endpoints = eps
	return c
}

// Sample is one successful measurement.
type Sample struct {
	Endpoint string
	Offset   time.Duration
	RTT      time.Duration
	At       time.Time
}

type Service struct {
	log     logx.Logger
	client  *http.Client
	store   storage.Store
	metrics *metrics.Metrics
	now     func() time.Time

	group   singleflight.Group
	limiter *rate.Limiter

	mu       sync.RWMutex
	cfg      Config
	breakers map[string]*gobreaker.CircuitBreaker[Sample]
	offset   time.Duration
	lastSync time.Time
}

type Option func(*Service)

func WithHTTPClient(c *http.Client) Option { return func(s *Service) { s.client = c } }
func WithNow(fn func() time.Time) Option   { return func(s *Service) { s.now = fn } }
func WithStore(st storage.Store) Option    { return func(s *Service) { s.store = st } }
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func New(cfg Config, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log.Named("timesync"),
		client: &http.Client{},
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.Apply(cfg)
	return s
}

// Apply swaps the endpoint list and timings. Breaker state is kept for
// endpoints whose name did not change.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.breakers
	s.breakers = make(map[string]*gobreaker.CircuitBreaker[Sample], len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		if cb, ok := old[ep.Name]; ok {
			s.breakers[ep.Name] = cb
			continue
		}
		s.breakers[ep.Name] = gobreaker.NewCircuitBreaker[Sample](gobreaker.Settings{
			Name:        "timesync:" + ep.Name,
			MaxRequests: 1,
			Interval:    10 * time.Minute,
			Timeout:     5 * time.Minute,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 3 },
		})
	}
	if s.limiter == nil || s.cfg.RetryEvery != cfg.RetryEvery {
		s.limiter = rate.NewLimiter(rate.Every(cfg.RetryEvery), 1)
	}
	s.cfg = cfg
}

// Offset is reference time minus device time. It implements clock.OffsetSource.
func (s *Service) Offset() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offset
}

func (s *Service) LastSync() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSync
}

// Load restores the persisted offset.
func (s *Service) Load(ctx context.Context) {
	if s.store == nil {
		return
	}
	v, ok, err := s.store.GetState(ctx, storage.KeyTimeOffsetMS)
	if err != nil || !ok {
		return
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return
	}
	last, _, _ := storage.GetTime(ctx, s.store, storage.KeyTimeLastSync)
	s.mu.Lock()
	s.offset = time.Duration(ms) * time.Millisecond
	s.lastSync = last
	s.mu.Unlock()
	s.metrics.SetTimeOffset(s.offset)
	s.log.Debug("restored offset", logx.Duration("offset", s.offset), logx.Time("last_sync", last))
}

// Refresh re-derives the offset if it is older than the configured interval.
// Concurrent callers share one attempt. On failure the previous offset stays
// in effect and is returned along with the error.
func (s *Service) Refresh(ctx context.Context) (time.Duration, error) {
	s.mu.RLock()
	fresh := !s.lastSync.IsZero() && s.now().Sub(s.lastSync) < s.cfg.Interval
	offset := s.offset
	s.mu.RUnlock()
	if fresh {
		return offset, nil
	}
	return s.Sync(ctx)
}

// Sync measures now, regardless of the age of the current offset.
func (s *Service) Sync(ctx context.Context) (time.Duration, error) {
	v, err, _ := s.group.Do("sync", func() (any, error) {
		s.mu.RLock()
		lim := s.limiter
		s.mu.RUnlock()
		if !lim.AllowN(s.now(), 1) {
			return s.Offset(), ErrThrottled
		}
		sample, err := s.measure(ctx)
		if err != nil {
			return s.Offset(), err
		}
		s.commit(ctx, sample)
		return sample.Offset, nil
	})
	return v.(time.Duration), err
}

func (s *Service) commit(ctx context.Context, sm Sample) {
	s.mu.Lock()
	s.offset = sm.Offset
	s.lastSync = sm.At
	s.mu.Unlock()
	s.metrics.SetTimeOffset(sm.Offset)
	s.log.Info("clock offset updated",
		logx.String("endpoint", sm.Endpoint),
		logx.Duration("offset", sm.Offset),
		logx.Duration("rtt", sm.RTT),
	)
	if s.store == nil {
		return
	}
	if err := s.store.PutState(ctx, storage.KeyTimeOffsetMS, strconv.FormatInt(sm.Offset.Milliseconds(), 10)); err != nil {
		s.log.Warn("persist offset failed", logx.Err(err))
		return
	}
	_ = storage.PutTime(ctx, s.store, storage.KeyTimeLastSync, sm.At)
}

// measure tries endpoints in order; the first success wins.
func (s *Service) measure(ctx context.Context) (Sample, error) {
	s.mu.RLock()
	cfg := s.cfg
	breakers := s.breakers
	s.mu.RUnlock()

	if len(cfg.Endpoints) == 0 {
		return Sample{}, fmt.Errorf("%w: no endpoints configured", ErrUnavailable)
	}
	var errs []error
	for _, ep := range cfg.Endpoints {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		cb := breakers[ep.Name]
		sm, err := cb.Execute(func() (Sample, error) {
			actx, cancel := context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
			return s.fetch(actx, ep)
		})
		if err == nil {
			return sm, nil
		}
		s.metrics.IncTimeSyncFailure(ep.Name)
		s.log.Debug("endpoint failed", logx.String("endpoint", ep.Name), logx.Err(err))
		errs = append(errs, fmt.Errorf("%s: %w", ep.Name, err))
	}
	return Sample{}, fmt.Errorf("%w: %w", ErrUnavailable, errors.Join(errs...))
}

func (s *Service) fetch(ctx context.Context, ep Endpoint) (Sample, error) {
	method := http.MethodGet
	if ep.Kind == KindDate {
		method = http.MethodHead
	}
	req, err := http.NewRequestWithContext(ctx, method, ep.URL, nil)
	if err != nil {
		return Sample{}, err
	}
	req.Header.Set("Cache-Control", "no-cache")

	t0 := s.now()
	resp, err := s.client.Do(req)
	if err != nil {
		return Sample{}, err
	}
	defer resp.Body.Close()
	t1 := s.now()

	if resp.StatusCode >= 400 {
		return Sample{}, fmt.Errorf("status %d", resp.StatusCode)
	}

	var ref time.Time
	switch ep.Kind {
	case KindJSON:
		b, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err != nil {
			return Sample{}, err
		}
		ref, err = parseJSONTime(b)
		if err != nil {
			return Sample{}, err
		}
	default:
		ref, err = http.ParseTime(resp.Header.Get("Date"))
		if err != nil {
			return Sample{}, fmt.Errorf("date header: %w", err)
		}
	}

	rtt := t1.Sub(t0)
	mid := t0.Add(rtt / 2)
	return Sample{Endpoint: ep.Name, Offset: ref.Sub(mid).Round(time.Millisecond), RTT: rtt, At: t1}, nil
}

func parseJSONTime(b []byte) (time.Time, error) {
	var body map[string]any
	if err := json.Unmarshal(b, &body); err != nil {
		return time.Time{}, err
	}
	if v, ok := body["unixtime"].(float64); ok {
		return time.Unix(int64(v), 0).UTC(), nil
	}
	for _, k := range []string{"utc_datetime", "dateTime", "datetime"} {
		s, ok := body[k].(string)
		if !ok || s == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, nil
		}
		// timeapi.io omits the zone and reports UTC.
		if t, err := time.Parse("2006-01-02T15:04:05.999999999", s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.New("no recognizable time field")
}

// Run keeps the offset fresh until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	s.Load(ctx)
	for {
		_, err := s.Refresh(ctx)
		s.mu.RLock()
		wait := s.cfg.Interval
		if err != nil {
			wait = s.cfg.RetryEvery
		} else if !s.lastSync.IsZero() {
			wait = s.cfg.Interval - s.now().Sub(s.lastSync)
		}
		s.mu.RUnlock()
		if err != nil && !errors.Is(err, ErrThrottled) {
			s.log.Warn("time sync failed; keeping previous offset", logx.Duration("offset", s.Offset()), logx.Err(err))
		}
		if wait < time.Second {
			wait = time.Second
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}
