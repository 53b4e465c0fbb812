package engine

import (
	"time"

	"github.com/danmuck/amictl/internal/observability"
	"github.com/danmuck/amictl/internal/protocol/session"
)

// supervisor owns reconnect policy: one optional timer and the backoff state.
// It is only touched from the loop goroutine.
type supervisor struct {
	enabled    bool
	attempting bool
	backoff    *session.Backoff
	timer      *time.Timer
	newTimer   func(time.Duration) *time.Timer
	onArm      func(time.Duration)
}

func newSupervisor(cfg session.BackoffConfig) *supervisor {
	return &supervisor{
		backoff:  session.NewBackoff(cfg),
		newTimer: time.NewTimer,
	}
}

// C is nil while no timer is armed, which disables the loop's select case.
func (s *supervisor) C() <-chan time.Time {
	if s.timer == nil {
		return nil
	}
	return s.timer.C
}

func (s *supervisor) armed() bool {
	return s.timer != nil
}

// arm starts the retry timer unless disabled or one is already outstanding.
func (s *supervisor) arm(d time.Duration) bool {
	if !s.enabled || s.timer != nil {
		return false
	}
	if s.onArm != nil {
		s.onArm(d)
	}
	s.timer = s.newTimer(d)
	return true
}

// fired marks the start of a retry attempt.
func (s *supervisor) fired() {
	s.timer = nil
	s.attempting = true
}

func (s *supervisor) succeeded() {
	s.attempting = false
	s.backoff.Reset()
}

// failed returns the delay for the next timer; only a failed retry advances it.
func (s *supervisor) failed() time.Duration {
	if s.attempting {
		s.attempting = false
		return s.backoff.Fail()
	}
	return s.backoff.Current()
}

func (s *supervisor) stop() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *supervisor) disable() {
	s.enabled = false
	s.attempting = false
	s.stop()
}

// scheduleRetry arms the reconnect timer after a close or a failed attempt.
func (e *Engine) scheduleRetry(reason string) {
	if !e.sup.enabled || e.stopped {
		return
	}
	delay := e.sup.failed()
	if e.sup.arm(delay) {
		e.logger.Info().Str("reason", reason).Dur("delay", delay).Msg("engine.supervisor reconnect scheduled")
		observability.RecordReconnect("scheduled", delay.Seconds())
	}
}

// onRetryTimer re-dials, or only re-sends the login when the socket survived a rejection.
func (e *Engine) onRetryTimer() {
	e.sup.fired()
	if e.stopped {
		return
	}
	observability.RecordReconnect("attempt", e.sup.backoff.Current().Seconds())
	switch {
	case e.conn != nil && !e.conn.Closed() && e.State() == StateConnected:
		e.logger.Info().Msg("engine.supervisor retrying login")
		e.startLogin()
	case e.conn == nil && !e.dialing:
		e.logger.Info().Msg("engine.supervisor reconnecting")
		e.startDial()
	}
}
