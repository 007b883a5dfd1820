// Package clock tracks the trading session: market phase, session anchors,
// and broker clock synchronization with a wall-clock fallback.
package clock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Phase is the market session phase.
type Phase string

const (
	PhasePreMarket  Phase = "pre_market"
	PhaseOpen       Phase = "open"
	PhaseAfterHours Phase = "after_hours"
	PhaseClosed     Phase = "closed"
)

// Extended-hours bounds for phase classification, in exchange local time.
const (
	preMarketStartMinute = 4 * 60  // 04:00
	afterHoursEndMinute  = 20 * 60 // 20:00
)

// MarketClock is a broker clock snapshot.
type MarketClock struct {
	Timestamp time.Time
	IsOpen    bool
	NextOpen  time.Time
	NextClose time.Time
}

// Source supplies authoritative market clock state, typically the broker.
type Source interface {
	MarketClock(ctx context.Context) (MarketClock, error)
}

// Config holds session anchors as HH:MM strings in Timezone.
type Config struct {
	Timezone    string
	WarmupTime  string
	OpenTime    string
	FlattenTime string
	CloseTime   string
	ReportTime  string
	StaleMax    time.Duration
}

// DefaultConfig returns standard US equity session anchors.
func DefaultConfig() Config {
	return Config{
		Timezone:    "America/New_York",
		WarmupTime:  "08:00",
		OpenTime:    "09:30",
		FlattenTime: "15:50",
		CloseTime:   "16:00",
		ReportTime:  "16:05",
		StaleMax:    10 * time.Minute,
	}
}

// Clock resolves session phase and anchors. A broker Source, when present
// and fresh, overrides the computed open/closed state; otherwise the wall
// clock in the configured timezone decides.
type Clock struct {
	logger *zap.Logger
	loc    *time.Location
	source Source

	warmupMin  int
	openMin    int
	flattenMin int
	closeMin   int
	reportMin  int
	staleMax   time.Duration

	mu       sync.RWMutex
	last     MarketClock
	lastSync time.Time
}

// New builds a Clock. source may be nil, leaving pure wall-clock behavior.
func New(logger *zap.Logger, cfg Config, source Source) (*Clock, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}

	c := &Clock{
		logger:   logger.Named("clock"),
		loc:      loc,
		source:   source,
		staleMax: cfg.StaleMax,
	}

	for _, a := range []struct {
		name string
		val  string
		dst  *int
	}{
		{"warmup", cfg.WarmupTime, &c.warmupMin},
		{"open", cfg.OpenTime, &c.openMin},
		{"flatten", cfg.FlattenTime, &c.flattenMin},
		{"close", cfg.CloseTime, &c.closeMin},
		{"report", cfg.ReportTime, &c.reportMin},
	} {
		m, err := parseMinute(a.val)
		if err != nil {
			return nil, fmt.Errorf("parse %s time %q: %w", a.name, a.val, err)
		}
		*a.dst = m
	}

	if c.openMin >= c.closeMin {
		return nil, fmt.Errorf("open %s must precede close %s", cfg.OpenTime, cfg.CloseTime)
	}
	return c, nil
}

func parseMinute(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Now returns the current time in the session timezone.
func (c *Clock) Now() time.Time {
	return time.Now().In(c.loc)
}

// Location returns the session timezone.
func (c *Clock) Location() *time.Location {
	return c.loc
}

// Refresh pulls a fresh broker clock snapshot. Failures keep the previous
// snapshot; staleness is surfaced via Stale.
func (c *Clock) Refresh(ctx context.Context) error {
	if c.source == nil {
		return nil
	}
	mc, err := c.source.MarketClock(ctx)
	if err != nil {
		c.logger.Warn("broker clock refresh failed", zap.Error(err))
		return err
	}
	c.mu.Lock()
	c.last = mc
	c.lastSync = time.Now()
	c.mu.Unlock()
	return nil
}

// Stale reports whether the broker snapshot is older than the grace window.
// Pure wall-clock mode (nil source) is never stale.
func (c *Clock) Stale(now time.Time) bool {
	if c.source == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastSync.IsZero() {
		return true
	}
	return now.Sub(c.lastSync) > c.staleMax
}

// IsOpen reports whether the market is open at t. A fresh broker snapshot
// wins; otherwise the computed session window decides.
func (c *Clock) IsOpen(t time.Time) bool {
	c.mu.RLock()
	last, lastSync := c.last, c.lastSync
	c.mu.RUnlock()

	if c.source != nil && !lastSync.IsZero() && time.Since(lastSync) <= c.staleMax {
		return last.IsOpen
	}
	return c.Phase(t) == PhaseOpen
}

// Phase classifies t into the market session phase using the wall clock in
// the session timezone. Weekends are closed.
func (c *Clock) Phase(t time.Time) Phase {
	local := t.In(c.loc)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return PhaseClosed
	}

	min := local.Hour()*60 + local.Minute()
	switch {
	case min >= c.openMin && min < c.closeMin:
		return PhaseOpen
	case min >= preMarketStartMinute && min < c.openMin:
		return PhasePreMarket
	case min >= c.closeMin && min < afterHoursEndMinute:
		return PhaseAfterHours
	default:
		return PhaseClosed
	}
}

// IsTradingDay reports whether t falls on a weekday. Exchange holidays are
// handled by the broker snapshot, not here.
func (c *Clock) IsTradingDay(t time.Time) bool {
	wd := t.In(c.loc).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

func (c *Clock) anchorAt(t time.Time, minute int) time.Time {
	local := t.In(c.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), minute/60, minute%60, 0, 0, c.loc)
}

// WarmupAt returns the warmup anchor on t's date.
func (c *Clock) WarmupAt(t time.Time) time.Time { return c.anchorAt(t, c.warmupMin) }

// OpenAt returns the session open anchor on t's date.
func (c *Clock) OpenAt(t time.Time) time.Time { return c.anchorAt(t, c.openMin) }

// FlattenAt returns the EOD flatten anchor on t's date.
func (c *Clock) FlattenAt(t time.Time) time.Time { return c.anchorAt(t, c.flattenMin) }

// CloseAt returns the session close anchor on t's date.
func (c *Clock) CloseAt(t time.Time) time.Time { return c.anchorAt(t, c.closeMin) }

// ReportAt returns the EOD report anchor on t's date.
func (c *Clock) ReportAt(t time.Time) time.Time { return c.anchorAt(t, c.reportMin) }

// Snapshot returns the last broker clock and when it was taken.
func (c *Clock) Snapshot() (MarketClock, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last, c.lastSync
}
