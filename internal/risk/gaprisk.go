// Package risk applies the ordered pre-trade risk stack and owns the
// session's mutable risk state: daily trade budget, loss streak, peak
// balance, and the kill switch. Layers run in a fixed order and the first
// non-pass verdict ends evaluation.
package risk

import (
	"fmt"
	"math"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// GapLevel grades how close an underlying is to a scheduled market event
// that can gap the open.
type GapLevel string

const (
	GapNone     GapLevel = "NONE"
	GapLow      GapLevel = "LOW"
	GapMedium   GapLevel = "MEDIUM"
	GapHigh     GapLevel = "HIGH"
	GapCritical GapLevel = "CRITICAL"
)

// CalendarEvent is one entry of the gap calendar file. Symbol "*" marks a
// market-wide event (FOMC, CPI) that applies to every underlying.
type CalendarEvent struct {
	Symbol string `yaml:"symbol"`
	Date   string `yaml:"date"`
	Kind   string `yaml:"kind"`
	Note   string `yaml:"note,omitempty"`
}

type gapCalendar struct {
	Events []CalendarEvent `yaml:"events"`
}

// GapAssessment is the gap-risk verdict for one underlying at one instant.
type GapAssessment struct {
	Level      GapLevel `json:"level"`
	Multiplier float64  `json:"multiplier"`
	ForceExit  bool     `json:"forceExit"`
	Event      string   `json:"event,omitempty"`
	DaysOut    int      `json:"daysOut,omitempty"`
}

type calEvent struct {
	date time.Time
	kind string
}

// GapMonitor resolves scheduled-event proximity per underlying from a YAML
// calendar loaded once at startup. Assess is read-only and safe for
// concurrent use.
type GapMonitor struct {
	logger *zap.Logger
	loc    *time.Location
	events map[string][]calEvent
}

// NewGapMonitor loads the event calendar at path. A missing file yields an
// empty calendar so every assessment is NONE; a malformed file is an error.
func NewGapMonitor(logger *zap.Logger, path string, loc *time.Location) (*GapMonitor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	m := &GapMonitor{
		logger: logger.Named("gaprisk"),
		loc:    loc,
		events: make(map[string][]calEvent),
	}
	if path == "" {
		m.logger.Info("no gap calendar configured, all assessments pass")
		return m, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			m.logger.Warn("gap calendar not found, all assessments pass",
				zap.String("path", path))
			return m, nil
		}
		return nil, fmt.Errorf("open gap calendar: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var cal gapCalendar
	if err := dec.Decode(&cal); err != nil {
		return nil, fmt.Errorf("decode gap calendar %s: %w", path, err)
	}
	for i, ev := range cal.Events {
		if ev.Symbol == "" || ev.Kind == "" {
			return nil, fmt.Errorf("gap calendar event %d: symbol and kind are required", i)
		}
		day, err := time.ParseInLocation("2006-01-02", ev.Date, loc)
		if err != nil {
			return nil, fmt.Errorf("gap calendar event %d (%s): %w", i, ev.Symbol, err)
		}
		m.events[ev.Symbol] = append(m.events[ev.Symbol], calEvent{date: day, kind: ev.Kind})
	}
	m.logger.Info("gap calendar loaded",
		zap.String("path", path),
		zap.Int("events", len(cal.Events)))
	return m, nil
}

// Assess returns the most severe applicable gap level for symbol, scanning
// both symbol-specific and market-wide events within the next 7 calendar
// days. Past events never count.
func (m *GapMonitor) Assess(symbol string, now time.Time) GapAssessment {
	best := GapAssessment{Level: GapNone, Multiplier: 1.0}
	bestDays := math.MaxInt
	for _, key := range []string{symbol, "*"} {
		for _, ev := range m.events[key] {
			days := m.calendarDays(now, ev.date)
			if days < 0 || days > 7 {
				continue
			}
			if days < bestDays {
				bestDays = days
				best = assessmentFor(days, ev.kind)
			}
		}
	}
	return best
}

// assessmentFor maps event proximity to a level. Day-of blocks entries and
// flags existing exposure for exit; the day before blocks entries; 2-3 days
// halves size; 4-7 days trims it.
func assessmentFor(days int, kind string) GapAssessment {
	a := GapAssessment{
		Event:   fmt.Sprintf("%s in %dd", kind, days),
		DaysOut: days,
	}
	switch {
	case days == 0:
		a.Level = GapCritical
		a.Multiplier = 0
		a.ForceExit = true
	case days == 1:
		a.Level = GapHigh
		a.Multiplier = 0
	case days <= 3:
		a.Level = GapMedium
		a.Multiplier = 0.5
	default:
		a.Level = GapLow
		a.Multiplier = 0.8
	}
	return a
}

// calendarDays counts whole calendar days from now's session-local date to
// the event date. Midnight anchoring keeps the count stable across DST.
func (m *GapMonitor) calendarDays(now, event time.Time) int {
	n := now.In(m.loc)
	mid := time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, m.loc)
	return int(math.Round(event.Sub(mid).Hours() / 24))
}
