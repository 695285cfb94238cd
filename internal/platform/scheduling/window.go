package scheduling

import (
	"fmt"
	"time"
)

// State is the gate decision for one cycle.
type State int

const (
	StateGated State = iota
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateGated:
		return "gated"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

const (
	nightStartHour = 18
	nightEndHour   = 5
)

// OperatingWindow restricts work to nights and weekends in a fixed
// timezone: continuously from Friday 18:00 to Monday 05:00, and from 18:00
// to 05:00 on every other night. A disabled window is always running.
type OperatingWindow struct {
	Enabled  bool
	Location *time.Location
}

// NewOperatingWindow loads the named timezone.
func NewOperatingWindow(enabled bool, timezone string) (OperatingWindow, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return OperatingWindow{}, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	return OperatingWindow{Enabled: enabled, Location: loc}, nil
}

// State evaluates the window at now.
func (w OperatingWindow) State(now time.Time) State {
	if !w.Enabled {
		return StateRunning
	}
	if w.Location != nil {
		now = now.In(w.Location)
	}
	hour := now.Hour()

	switch now.Weekday() {
	case time.Friday:
		if hour >= nightStartHour {
			return StateRunning
		}
	case time.Saturday, time.Sunday:
		return StateRunning
	case time.Monday:
		if hour < nightEndHour {
			return StateRunning
		}
	}
	if hour >= nightStartHour || hour < nightEndHour {
		return StateRunning
	}
	return StateGated
}

// Describe summarises the window for the startup log.
func (w OperatingWindow) Describe() string {
	if !w.Enabled {
		return "unrestricted (24/7)"
	}
	return fmt.Sprintf("weekends Fri %02d:00 to Mon %02d:00, weeknights %02d:00 to %02d:00 (%s)",
		nightStartHour, nightEndHour, nightStartHour, nightEndHour, w.Location)
}
