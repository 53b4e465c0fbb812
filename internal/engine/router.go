package engine

import (
	"strings"

	"github.com/danmuck/amictl/internal/observability"
	"github.com/danmuck/amictl/internal/protocol"
	"github.com/danmuck/amictl/internal/protocol/frame"
)

// route classifies one assembled block and dispatches it.
//
// Follows blocks without an ActionID are correlated with the most recently
// written action. This is best-effort: with several commands in flight the
// block can be attributed to the wrong call.
func (e *Engine) route(msg frame.Message) {
	observability.RecordRouted(msg.Kind.String())
	switch msg.Kind {
	case frame.KindResponse, frame.KindFollows:
		id := msg.ActionID
		if id == "" && msg.Kind == frame.KindFollows {
			id = e.pending.LastSent()
		}
		if id != "" && !e.pending.IsHeld(id) {
			if call, ok := e.pending.Take(id); ok {
				e.resolve(call, msg)
				return
			}
		}
		e.logger.Debug().Str("action_id", msg.ActionID).Msg("engine.Engine uncorrelated response")
		e.publish(TopicUnclassified, msg)
	case frame.KindEvent:
		for _, topic := range Topics(msg) {
			e.publish(topic, msg)
		}
	default:
		e.publish(TopicUnclassified, msg)
	}
}

func (e *Engine) resolve(call *Call, msg frame.Message) {
	var err error
	if msg.IsError() {
		err = &protocol.ActionError{
			ActionID: call.ID,
			Message:  strings.TrimSpace(msg.Fields.Get(frame.KeyMessage)),
		}
	}
	e.finish(call, msg, err)
}

// publish looks handlers up at delivery time so late subscribers see later frames only.
func (e *Engine) publish(topic string, msg frame.Message) {
	bus, q := e.bus, e.queue
	q.push(func() {
		for _, fn := range bus.Handlers(topic) {
			q.invoke(func() { fn(msg) })
		}
	})
}
