package ban

import (
	"context"
	"log/slog"
	"time"

	"github.com/mkaraca/quizgate/internal/domain"
)

const defaultInterval = time.Second

// Ticker abstracts time.Ticker so monitor tests can drive ticks manually.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

type MonitorConfig struct {
	Bans          *Service
	Interval      time.Duration
	NewTickerFunc func(d time.Duration) Ticker
}

// Monitor re-evaluates the ban status of an identity at a fixed short
// interval. The check is level-triggered: every tick derives the status
// from the table and the clock, so a ban can newly appear or silently
// expire between ticks without any explicit event.
type Monitor struct {
	bans      *Service
	interval  time.Duration
	newTicker func(d time.Duration) Ticker
}

func NewMonitor(c MonitorConfig) *Monitor {
	m := &Monitor{
		bans:      c.Bans,
		interval:  c.Interval,
		newTicker: c.NewTickerFunc,
	}
	if m.interval <= 0 {
		m.interval = defaultInterval
	}
	if m.newTicker == nil {
		m.newTicker = func(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} }
	}
	return m
}

// Run evaluates once per tick until ctx is done. identity is re-read every
// tick so the monitor follows impersonation changes without restarting.
// onChange fires only on transitions; the derived status itself is never
// cached across ticks.
func (m *Monitor) Run(ctx context.Context, identity func() (domain.User, bool), onChange func(Status)) {
	ticker := m.newTicker(m.interval)
	defer ticker.Stop()

	var last *Status
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			u, impersonating := identity()
			status, err := m.bans.Evaluate(ctx, u, impersonating)
			if err != nil {
				slog.ErrorContext(ctx, "ban: monitor evaluation failed", "error", err)
				continue
			}
			if last == nil || *last != status {
				onChange(status)
			}
			s := status
			last = &s
		}
	}
}
