// Package targets keeps the tumbler's optimal levels current. It pushes
// freshly computed targets whenever the link becomes ready and again at
// every local midnight.
package targets

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/sipwell/internal/account"
	"github.com/chaz8081/sipwell/internal/ble"
	"github.com/chaz8081/sipwell/internal/ble/protocol"
	"github.com/chaz8081/sipwell/internal/intake"
	"github.com/chaz8081/sipwell/internal/profile"
	"github.com/chaz8081/sipwell/internal/weather"
)

var (
	ErrNotSignedIn  = errors.New("targets: no signed-in user")
	ErrNoProfile    = errors.New("targets: profile not set up")
	ErrNotConnected = errors.New("targets: tumbler not connected")
)

// Device is the part of the BLE manager the scheduler drives.
type Device interface {
	Subscribe(buf int) (<-chan ble.Event, func())
	Snapshot() ble.Snapshot
	Send(cmd protocol.Command) error
}

// Targets is one computed pair of daily goals.
type Targets struct {
	Water      intake.Recommendation `json:"water"`
	Sugar      intake.Recommendation `json:"sugar"`
	Weather    *weather.Reading      `json:"weather,omitempty"`
	ComputedAt time.Time             `json:"computed_at"`
}

// Options configures a Scheduler.
type Options struct {
	DailyReset     bool          // send reset_measurements before the midnight push
	WeatherTimeout time.Duration // bound on each weather lookup (default 10s)
}

// Scheduler recomputes and pushes targets.
type Scheduler struct {
	device   Device
	accounts account.Service
	profiles profile.Store
	weather  weather.Source // nil disables weather adjustments
	opts     Options
	now      func() time.Time

	mu           sync.RWMutex
	latest       *Targets
	pendingReset bool // a requested reset has not reached the tumbler yet
}

func NewScheduler(device Device, accounts account.Service, profiles profile.Store, w weather.Source, opts Options) *Scheduler {
	if opts.WeatherTimeout <= 0 {
		opts.WeatherTimeout = 10 * time.Second
	}
	return &Scheduler{
		device:   device,
		accounts: accounts,
		profiles: profiles,
		weather:  w,
		opts:     opts,
		now:      time.Now,
	}
}

// Latest returns the last computed targets.
func (s *Scheduler) Latest() (Targets, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return Targets{}, false
	}
	return *s.latest, true
}

// Compute builds targets for the signed-in user. A weather failure is
// logged and the targets are computed without weather.
func (s *Scheduler) Compute(ctx context.Context) (Targets, error) {
	user, ok := s.accounts.CurrentUser()
	if !ok {
		return Targets{}, ErrNotSignedIn
	}
	rec, err := s.profiles.Get(user.ID)
	if errors.Is(err, profile.ErrNotFound) {
		return Targets{}, ErrNoProfile
	}
	if err != nil {
		return Targets{}, err
	}

	var reading *weather.Reading
	if s.weather != nil {
		wctx, cancel := context.WithTimeout(ctx, s.opts.WeatherTimeout)
		r, err := s.weather.Latest(wctx)
		cancel()
		if err != nil {
			slog.Warn("[TARGETS] weather unavailable, computing without it", "error", err)
		} else {
			reading = &r
		}
	}

	t := Targets{
		Water:      intake.WaterIntake(reading, rec),
		Sugar:      intake.SugarIntake(rec),
		Weather:    reading,
		ComputedAt: s.now(),
	}
	s.mu.Lock()
	s.latest = &t
	s.mu.Unlock()
	return t, nil
}

// Push computes targets and sends them to the tumbler, preceded by a
// measurement reset when reset is set or an earlier reset is still owed.
// When the link is not ready nothing is sent, ErrNotConnected is returned
// and any requested reset is kept for the next push.
func (s *Scheduler) Push(ctx context.Context, reset bool) (Targets, error) {
	s.mu.Lock()
	if reset {
		s.pendingReset = true
	}
	reset = s.pendingReset
	s.mu.Unlock()

	t, err := s.Compute(ctx)
	if err != nil {
		return Targets{}, err
	}
	if !s.device.Snapshot().Ready {
		return t, ErrNotConnected
	}
	if reset {
		if err := s.device.Send(protocol.ResetMeasurements{}); err != nil {
			return t, err
		}
		s.mu.Lock()
		s.pendingReset = false
		s.mu.Unlock()
	}
	if err := s.device.Send(protocol.PushOptimalLevels{WaterLiters: t.Water.Value, SugarGrams: t.Sugar.Value}); err != nil {
		return t, err
	}
	slog.Info("[TARGETS] pushed optimal levels", "water_l", t.Water.Value, "sugar_g", t.Sugar.Value, "reset", reset)
	return t, nil
}

// Run pushes targets on every ready link and at each local midnight until
// ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	events, cancel := s.device.Subscribe(32)
	defer cancel()

	timer := time.NewTimer(untilMidnight(s.now()))
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Kind == ble.EventReady {
				s.push(ctx, false)
			}
		case <-timer.C:
			slog.Info("[TARGETS] midnight rollover")
			s.push(ctx, s.opts.DailyReset)
			timer.Reset(untilMidnight(s.now()))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Scheduler) push(ctx context.Context, reset bool) {
	_, err := s.Push(ctx, reset)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotConnected):
		slog.Info("[TARGETS] skipping push, not connected", "reset_pending", s.resetPending())
	case errors.Is(err, ErrNotSignedIn), errors.Is(err, ErrNoProfile):
		slog.Info("[TARGETS] skipping push", "reason", err)
	default:
		slog.Error("[TARGETS] push failed", "error", err)
	}
}

func (s *Scheduler) resetPending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pendingReset
}

// untilMidnight is the time from now to the next local midnight.
func untilMidnight(now time.Time) time.Duration {
	y, m, d := now.Date()
	next := time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
	return next.Sub(now)
}
