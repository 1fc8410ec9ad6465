package game

import (
	"context"
	"time"

	"github.com/PsyLabsWeb3/Flip10/logging"
)

// TodaySessionStart returns today's session boundary (UTC) for the given
// start hour.
func TodaySessionStart(now time.Time, startHour int) time.Time {
	utc := now.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), startHour, 0, 0, 0, time.UTC)
}

// NextSessionStart returns the next upcoming session boundary strictly after
// now.
func NextSessionStart(now time.Time, startHour int) time.Time {
	boundary := TodaySessionStart(now, startHour)
	if !boundary.After(now.UTC()) {
		boundary = boundary.Add(24 * time.Hour)
	}
	return boundary
}

// DailyWatcher arms a timer for each upcoming session boundary and starts a
// session when it fires. Start failures are logged and retried at the next
// boundary; operators can intervene earlier with the start-session command.
type DailyWatcher struct {
	logger    logging.Logger
	store     *SessionStore
	startHour int

	// now is the clock, injectable in tests.
	now func() time.Time
}

// NewDailyWatcher builds a watcher for the given start hour (UTC).
func NewDailyWatcher(logger logging.Logger, store *SessionStore, startHour int) *DailyWatcher {
	return &DailyWatcher{
		logger:    logging.ForComponent(logger, logging.ComponentDailyScheduler),
		store:     store,
		startHour: startHour,
		now:       time.Now,
	}
}

// Run blocks until ctx is done, starting a session at each daily boundary.
// If the process comes up with no active session and today's boundary has
// already passed, the session is started immediately so a crash between the
// boundary and the start call does not lose the day.
func (w *DailyWatcher) Run(ctx context.Context) {
	if w.shouldStartNow() {
		w.startSession(ctx)
	}

	for {
		next := NextSessionStart(w.now(), w.startHour)
		w.logger.Info().Time("next_start", next).Msg("armed daily session timer")

		timer := time.NewTimer(next.Sub(w.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		w.startSession(ctx)
	}
}

// shouldStartNow reports whether today's boundary passed with no session to
// show for it.
func (w *DailyWatcher) shouldStartNow() bool {
	if w.store.HasActiveSession() {
		return false
	}
	now := w.now()
	return !now.UTC().Before(TodaySessionStart(now, w.startHour))
}

func (w *DailyWatcher) startSession(ctx context.Context) {
	err := w.store.Start(ctx)
	switch {
	case err == nil:
	case err == ErrSessionActive:
		w.logger.Debug().Msg("session already active at boundary")
	default:
		w.logger.Error().Err(err).Msg("failed to start daily session")
	}
}
