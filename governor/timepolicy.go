package governor

import (
	"fmt"
	"time"
)

// MinuteOfDay is a clock time expressed as minutes after local midnight.
type MinuteOfDay int

// ParseMinuteOfDay parses a "HH:MM" string.
func ParseMinuteOfDay(s string) (MinuteOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return MinuteOfDay(t.Hour()*60 + t.Minute()), nil
}

func (m MinuteOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

func minuteOf(t time.Time) MinuteOfDay {
	return MinuteOfDay(t.Hour()*60 + t.Minute())
}

// TimePolicyConfig holds the static schedule and thresholds for the
// time-of-day charging policy.
type TimePolicyConfig struct {
	// Daytime excess-charging window [DayOpen, DayClose).
	DayOpen  MinuteOfDay
	DayClose MinuteOfDay

	// Overnight unrestricted window [FixedStart, FixedEnd) charging at
	// FixedCurrent amps regardless of solar conditions.
	FixedStart   MinuteOfDay
	FixedEnd     MinuteOfDay
	FixedCurrent int

	// Daytime gates: charge only while excess exceeds ExcessThresholdW
	// and the house battery SOC exceeds SOCThreshold.
	ExcessThresholdW float64
	SOCThreshold     int

	// Current clamp for the daytime excess recommendation.
	MinCurrent int
	MaxCurrent int

	// Location the schedule is evaluated in. Defaults to UTC.
	Location *time.Location
}

// TimePolicy evaluates the time-of-day charging regimes. It carries one
// piece of state: a daily-disable latch that is set when excess goes
// negative after the daytime window closes and cleared again on the first
// evaluation of a new local date.
//
// Not safe for concurrent use; the control loop owns it.
type TimePolicy struct {
	cfg           TimePolicyConfig
	dailyDisabled bool
	lastDate      string
}

func NewTimePolicy(cfg TimePolicyConfig) *TimePolicy {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &TimePolicy{cfg: cfg}
}

func (p *TimePolicy) local(now time.Time) time.Time {
	return now.In(p.cfg.Location)
}

// resetIfNewDay clears the daily latch on the first evaluation of a new
// local date. Every public evaluation method calls this first.
func (p *TimePolicy) resetIfNewDay(now time.Time) {
	date := p.local(now).Format("2006-01-02")
	if date != p.lastDate {
		p.dailyDisabled = false
		p.lastDate = date
	}
}

// DailyDisabled reports whether the evening latch is currently set.
func (p *TimePolicy) DailyDisabled() bool { return p.dailyDisabled }

// InUnrestrictedWindow reports whether now falls inside the fixed-rate
// overnight window.
func (p *TimePolicy) InUnrestrictedWindow(now time.Time) bool {
	p.resetIfNewDay(now)
	m := minuteOf(p.local(now))
	return m >= p.cfg.FixedStart && m < p.cfg.FixedEnd
}

// ShouldEnable reports whether charging should run under the daytime
// excess regime: inside the daytime window, latch clear, excess above
// threshold and battery SOC above threshold.
func (p *TimePolicy) ShouldEnable(now time.Time, excessW float64, soc int) bool {
	p.resetIfNewDay(now)
	if p.dailyDisabled {
		return false
	}
	m := minuteOf(p.local(now))
	if m < p.cfg.DayOpen || m >= p.cfg.DayClose {
		return false
	}
	return excessW > p.cfg.ExcessThresholdW && soc > p.cfg.SOCThreshold
}

// ShouldDisable reports whether charging must stop for the rest of the
// day. Observing negative excess after the daytime window closes sets the
// latch; once set it holds until the local date rolls over.
func (p *TimePolicy) ShouldDisable(now time.Time, excessW float64) bool {
	p.resetIfNewDay(now)
	m := minuteOf(p.local(now))
	if m >= p.cfg.DayClose && excessW < 0 {
		p.dailyDisabled = true
	}
	return p.dailyDisabled
}

// Recommend returns the commanded current and enable flag for the
// current instant. Outside every active regime it recommends the minimum
// current, disabled.
func (p *TimePolicy) Recommend(now time.Time, excessW float64, soc int, voltageV float64) (int, bool) {
	if p.InUnrestrictedWindow(now) {
		return p.cfg.FixedCurrent, true
	}
	if p.ShouldDisable(now, excessW) {
		return p.cfg.MinCurrent, false
	}
	if p.ShouldEnable(now, excessW, soc) {
		current := int(excessW / voltageV)
		if current > p.cfg.MaxCurrent {
			current = p.cfg.MaxCurrent
		}
		if current < p.cfg.MinCurrent {
			current = p.cfg.MinCurrent
		}
		return current, true
	}
	return p.cfg.MinCurrent, false
}
