package engine

import (
	"github.com/danmuck/amictl/internal/observability"
	"github.com/danmuck/amictl/internal/protocol/frame"
)

// submit writes call now or holds it until the session is authenticated.
func (e *Engine) submit(call *Call) {
	if e.State() != StateAuthenticated && !call.Action.IsLogin() {
		e.hold(call)
		return
	}
	e.write(call)
}

func (e *Engine) hold(call *Call) {
	e.pending.Hold(call.ID)
	observability.RecordActionHeld()
	e.logger.Debug().Str("action_id", call.ID).Str("action", call.Action.Name()).Int("held", e.pending.HeldLen()).Msg("engine.Engine holding action")
}

// write reports whether the frame reached the socket. A failed caller write is
// held under its issued ID and retried after the next login.
func (e *Engine) write(call *Call) bool {
	if err := e.conn.Write(call.raw); err != nil {
		if call.onDone != nil {
			if _, ok := e.pending.Take(call.ID); ok {
				e.finish(call, frame.Message{}, err)
			}
			return false
		}
		e.logger.Warn().Err(err).Str("action_id", call.ID).Msg("engine.Engine write failed, holding action")
		e.report("transport", err)
		e.hold(call)
		return false
	}
	e.pending.MarkSent(call.ID)
	observability.RecordActionSent(call.Action.Name())
	return true
}

// drainHeld replays held calls in submission order. After the first failed
// write the remainder stays held behind it.
func (e *Engine) drainHeld() {
	ids := e.pending.DrainHeld()
	if len(ids) == 0 {
		return
	}
	e.logger.Info().Int("held", len(ids)).Msg("engine.Engine replaying held actions")
	failed := false
	for _, id := range ids {
		call, ok := e.pending.Get(id)
		if !ok {
			continue
		}
		if failed {
			e.pending.Hold(id)
			continue
		}
		if !e.write(call) {
			failed = true
		}
	}
}

// finish resolves call once. Internal calls complete on the loop; caller
// calls go to the completion queue, which waits for Send to return.
func (e *Engine) finish(call *Call, msg frame.Message, err error) {
	call.Response = msg
	call.Error = err
	switch {
	case err == nil:
		observability.RecordCompletion("success")
	case msg.Kind == frame.KindResponse || msg.Kind == frame.KindFollows:
		observability.RecordCompletion("error")
	default:
		observability.RecordCompletion("aborted")
	}
	if call.onDone != nil {
		call.onDone(call)
		return
	}
	logger := e.logger
	e.completions.push(func() { call.deliver(logger) })
}
