package engine

import (
	"github.com/danmuck/amictl/internal/protocol/frame"
	"github.com/rs/zerolog"
)

// Call is one pending action. Response and Error are set before the call is
// sent on Done, which happens at most once.
type Call struct {
	ID       string
	Action   frame.Action
	Response frame.Message
	Error    error
	Done     chan *Call

	raw    []byte
	issued chan struct{}
	// onDone runs on the loop goroutine instead of Done delivery.
	onDone func(*Call)
}

func (c *Call) deliver(logger zerolog.Logger) {
	<-c.issued
	select {
	case c.Done <- c:
	default:
		logger.Warn().Str("action_id", c.ID).Msg("engine.Call done channel full, discarding completion")
	}
}
