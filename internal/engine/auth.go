package engine

import (
	"errors"
	"strings"

	"github.com/danmuck/amictl/internal/protocol"
	"github.com/danmuck/amictl/internal/protocol/frame"
	"github.com/danmuck/amictl/internal/protocol/session"
)

// startLogin sends the handshake on the current connection. Login is the only
// action written before the session is authenticated.
func (e *Engine) startLogin() {
	action := session.LoginAction(e.cfg.Session.Credentials)
	id := e.pending.Reserve("", e.cfg.Now())
	raw, err := frame.EncodeAction(id, action)
	if err != nil {
		e.setState(StateConnected, err)
		e.resolveWaiters(err)
		return
	}
	call := &Call{
		ID:     id,
		Action: action,
		raw:    raw,
		onDone: e.onLoginResult,
	}
	e.pending.Register(id, call)
	e.setState(StateAuthenticating, nil)
	e.logger.Debug().Str("action_id", id).Str("username", e.cfg.Session.Credentials.Username).Msg("engine.Engine login sent")
	e.write(call)
}

func (e *Engine) onLoginResult(call *Call) {
	if e.stopped {
		return
	}
	if call.Error == nil {
		e.setState(StateAuthenticated, nil)
		e.logger.Info().Msg("engine.Engine authenticated")
		e.sup.succeeded()
		e.resolveWaiters(nil)
		e.drainHeld()
		return
	}

	err := call.Error
	var actionErr *protocol.ActionError
	if errors.As(err, &actionErr) {
		err = &protocol.AuthError{Message: strings.TrimSpace(actionErr.Message)}
	}
	if e.conn == nil || e.conn.Closed() {
		// Socket is gone; the closed event drives state and retry.
		e.resolveWaiters(err)
		return
	}
	e.logger.Warn().Err(err).Msg("engine.Engine login rejected")
	e.setState(StateConnected, err)
	e.resolveWaiters(err)
	e.scheduleRetry("login")
}
