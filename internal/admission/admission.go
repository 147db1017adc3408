// Package admission enforces per-session limits on state-changing operations
// and episode creation.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/kdapp-runtime/internal/domain"
)

const (
	operationWindow = time.Hour
	creationWindow  = 24 * time.Hour
)

// Kinds reported to the Observer on denial.
const (
	KindOperation = "operation"
	KindLifetime  = "lifetime"
	KindCreation  = "episode_creation"
)

// Limits configures the controller. Zero values fall back to defaults.
type Limits struct {
	OpsPerHour     int `json:"ops_per_hour"`
	EpisodesPerDay int `json:"episodes_per_day"`
	MaxLifetimeOps int `json:"max_lifetime_ops"`
}

// DefaultLimits returns the production thresholds.
func DefaultLimits() Limits {
	return Limits{OpsPerHour: 20, EpisodesPerDay: 5, MaxLifetimeOps: 100}
}

// Observer is notified of denials.
type Observer interface {
	AdmissionDenied(kind string)
}

// Usage is a snapshot of one session's counters.
type Usage struct {
	RecentOperations       int       `json:"recent_operations"`
	RecentEpisodeCreations int       `json:"recent_episode_creations"`
	LifetimeOperations     int       `json:"lifetime_operations"`
	FirstSeen              time.Time `json:"first_seen"`
	LastSeen               time.Time `json:"last_seen"`
}

type record struct {
	operations []time.Time
	creations  []time.Time
	lifetime   int
	firstSeen  time.Time
	lastSeen   time.Time
}

// Controller tracks sliding windows of raw timestamps per session.
// The key is the session id.
type Controller struct {
	mu       sync.Mutex
	sessions map[string]*record
	limits   Limits
	clock    domain.Clock
	observer Observer
	logger   *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the wall clock.
func WithClock(c domain.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithObserver registers a denial observer.
func WithObserver(o Observer) Option {
	return func(ctl *Controller) { ctl.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ctl *Controller) { ctl.logger = l }
}

// New creates a controller.
func New(limits Limits, opts ...Option) *Controller {
	def := DefaultLimits()
	if limits.OpsPerHour <= 0 {
		limits.OpsPerHour = def.OpsPerHour
	}
	if limits.EpisodesPerDay <= 0 {
		limits.EpisodesPerDay = def.EpisodesPerDay
	}
	if limits.MaxLifetimeOps <= 0 {
		limits.MaxLifetimeOps = def.MaxLifetimeOps
	}
	c := &Controller{
		sessions: make(map[string]*record),
		limits:   limits,
		clock:    domain.SystemClock{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Limits returns the configured thresholds.
func (c *Controller) Limits() Limits {
	return c.limits
}

// CheckAndConsumeOperation admits one state-changing operation for session.
// A denial leaves the counters unchanged.
func (c *Controller) CheckAndConsumeOperation(session string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	rec := c.recordLocked(session, now)
	rec.operations = prune(rec.operations, now.Add(-operationWindow))

	if rec.lifetime >= c.limits.MaxLifetimeOps {
		c.denied(KindLifetime, session)
		return fmt.Errorf("%w: session %s reached lifetime limit of %d operations",
			domain.ErrRateLimited, session, c.limits.MaxLifetimeOps)
	}
	if len(rec.operations) >= c.limits.OpsPerHour {
		c.denied(KindOperation, session)
		return fmt.Errorf("%w: session %s exceeded %d operations per hour",
			domain.ErrRateLimited, session, c.limits.OpsPerHour)
	}

	rec.operations = append(rec.operations, now)
	rec.lifetime++
	rec.lastSeen = now
	return nil
}

// CheckAndConsumeEpisodeCreation admits one episode creation for session.
func (c *Controller) CheckAndConsumeEpisodeCreation(session string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	rec := c.recordLocked(session, now)
	rec.creations = prune(rec.creations, now.Add(-creationWindow))

	if len(rec.creations) >= c.limits.EpisodesPerDay {
		c.denied(KindCreation, session)
		return fmt.Errorf("%w: session %s exceeded %d episodes per day",
			domain.ErrRateLimited, session, c.limits.EpisodesPerDay)
	}

	rec.creations = append(rec.creations, now)
	rec.lastSeen = now
	return nil
}

// Usage reports the current counters for session. Windows are evaluated at
// the current time without mutating the record.
func (c *Controller) Usage(session string) (Usage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.sessions[session]
	if !ok {
		return Usage{}, false
	}
	now := c.clock.Now()
	return Usage{
		RecentOperations:       countSince(rec.operations, now.Add(-operationWindow)),
		RecentEpisodeCreations: countSince(rec.creations, now.Add(-creationWindow)),
		LifetimeOperations:     rec.lifetime,
		FirstSeen:              rec.firstSeen,
		LastSeen:               rec.lastSeen,
	}, true
}

// GC drops sessions with no activity for longer than retention and returns
// how many were removed.
func (c *Controller) GC(retention time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.clock.Now().Add(-retention)
	removed := 0
	for id, rec := range c.sessions {
		if rec.lastSeen.Before(cutoff) {
			delete(c.sessions, id)
			removed++
		}
	}
	return removed
}

// Sessions returns the number of tracked sessions.
func (c *Controller) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// StartGC runs GC every interval until ctx is done.
func (c *Controller) StartGC(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		c.logger.Info("Admission GC started", "interval", interval, "retention", retention)
		for {
			select {
			case <-ticker.C:
				if n := c.GC(retention); n > 0 {
					c.logger.Info("Admission GC removed idle sessions", "count", n)
				}
			case <-ctx.Done():
				c.logger.Info("Admission GC shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (c *Controller) recordLocked(session string, now time.Time) *record {
	rec, ok := c.sessions[session]
	if !ok {
		rec = &record{firstSeen: now, lastSeen: now}
		c.sessions[session] = rec
	}
	return rec
}

func (c *Controller) denied(kind, session string) {
	c.logger.Warn("Admission denied", "kind", kind, "session_id", session)
	if c.observer != nil {
		c.observer.AdmissionDenied(kind)
	}
}

// prune drops timestamps at or before cutoff, reusing the backing array.
func prune(times []time.Time, cutoff time.Time) []time.Time {
	fresh := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			fresh = append(fresh, t)
		}
	}
	return fresh
}

func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, t := range times {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
