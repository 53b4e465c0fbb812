package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/amictl/internal/logging"
	"github.com/danmuck/amictl/internal/observability"
	"github.com/danmuck/amictl/internal/protocol"
	"github.com/danmuck/amictl/internal/protocol/frame"
	"github.com/danmuck/amictl/internal/protocol/session"
	"github.com/danmuck/amictl/internal/transport"
	"github.com/rs/zerolog"
)

var ErrUnbufferedDone = errors.New("engine: done channel must be buffered")

type Config struct {
	Session session.Config
	Limits  frame.Limits
	// Logger defaults to the process logger.
	Logger *zerolog.Logger
	// OnStateChange runs on the delivery goroutine.
	OnStateChange func(StateChange)
	// Now is the clock used for timestamp-derived action IDs.
	Now func() time.Time
}

// Engine is one management session. Create it with New and end it with Disconnect.
type Engine struct {
	cfg    Config
	logger zerolog.Logger
	bus    *Bus

	// queue runs handlers and state observers. completions only sends on Done,
	// so a handler blocked in Do never stalls it.
	queue       *deliveryQueue
	completions *deliveryQueue

	ops    chan func()
	events chan transport.Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	disconnectOnce sync.Once
	state          atomic.Int32

	// Loop-owned below.
	conn    *transport.Conn
	asm     *frame.Assembler
	pending *session.PendingTable[*Call]
	sup     *supervisor
	waiters []chan error
	stopped bool
	dialing bool
}

func New(cfg Config) (*Engine, error) {
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.Validate(); err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := logging.L()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("component", "engine").Str("addr", cfg.Session.Address()).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:         cfg,
		logger:      logger,
		bus:         NewBus(),
		queue:       newDeliveryQueue(logger),
		completions: newDeliveryQueue(logger),
		ops:         make(chan func()),
		events:      make(chan transport.Event, 64),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		asm:         frame.NewAssembler(cfg.Limits),
		pending:     session.NewPendingTable[*Call](),
		sup:         newSupervisor(cfg.Session.Backoff),
	}
	go e.loop()
	return e, nil
}

func (e *Engine) loop() {
	defer close(e.done)
	for {
		select {
		case op := <-e.ops:
			op()
		case ev := <-e.events:
			e.handleTransport(ev)
		case <-e.sup.C():
			e.onRetryTimer()
		case <-e.ctx.Done():
			return
		}
		observability.SetQueues(e.pending.Len()-e.pending.HeldLen(), e.pending.HeldLen())
	}
}

// exec runs fn on the loop goroutine and waits for it.
func (e *Engine) exec(fn func() error) error {
	result := make(chan error, 1)
	select {
	case e.ops <- func() { result <- fn() }:
	case <-e.ctx.Done():
		return protocol.ErrDisconnected
	}
	return <-result
}

// post hands fn to the loop without waiting; it reports false once the engine is gone.
func (e *Engine) post(fn func()) bool {
	select {
	case e.ops <- fn:
		return true
	case <-e.ctx.Done():
		return false
	}
}

// Connect opens the session and logs in, returning the outcome of this attempt.
// With KeepConnected the supervisor keeps retrying in the background after a failure.
func (e *Engine) Connect(ctx context.Context) error {
	waiter := make(chan error, 1)
	err := e.exec(func() error {
		if e.stopped {
			return protocol.ErrDisconnected
		}
		if e.cfg.Session.KeepConnected {
			e.sup.enabled = true
		}
		switch e.State() {
		case StateAuthenticated:
			waiter <- nil
			return nil
		case StateConnecting, StateAuthenticating:
		case StateConnected:
			e.sup.stop()
			e.startLogin()
		default:
			e.sup.stop()
			e.startDial()
		}
		e.waiters = append(e.waiters, waiter)
		return nil
	})
	if err != nil {
		return err
	}
	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send registers action and writes it, or holds it until login completes.
// done may be nil; otherwise it must be buffered. The returned Call is sent on
// Done exactly once, never before Send has returned. Completions run on their
// own goroutine, so handlers may call Send or Do. When a caller-supplied Done
// channel is full the completion is dropped with a warning, as in net/rpc;
// size Done for the number of calls sharing it.
func (e *Engine) Send(action frame.Action, done chan *Call) (*Call, error) {
	if done == nil {
		done = make(chan *Call, 1)
	} else if cap(done) == 0 {
		return nil, ErrUnbufferedDone
	}
	if err := action.Validate(); err != nil {
		return nil, err
	}
	var call *Call
	err := e.exec(func() error {
		var err error
		call, err = e.enqueue(action, done)
		return err
	})
	if err != nil {
		return nil, err
	}
	close(call.issued)
	return call, nil
}

// enqueue assigns the correlation ID and submits the call. Loop only.
func (e *Engine) enqueue(action frame.Action, done chan *Call) (*Call, error) {
	if e.stopped {
		return nil, protocol.ErrDisconnected
	}
	id := e.pending.Reserve(action.ID, e.cfg.Now())
	raw, err := frame.EncodeAction(id, action)
	if err != nil {
		return nil, err
	}
	call := &Call{
		ID:     id,
		Action: action,
		Done:   done,
		raw:    raw,
		issued: make(chan struct{}),
	}
	if !e.pending.Register(id, call) {
		return nil, fmt.Errorf("engine: action id %q already pending", id)
	}
	e.submit(call)
	return call, nil
}

// Do sends action and waits for its completion or ctx. A completion that
// arrives after ctx ends is dropped into the call's buffered Done channel.
func (e *Engine) Do(ctx context.Context, action frame.Action) (frame.Message, error) {
	call, err := e.Send(action, nil)
	if err != nil {
		return frame.Message{}, err
	}
	select {
	case c := <-call.Done:
		return c.Response, c.Error
	case <-ctx.Done():
		return frame.Message{}, ctx.Err()
	}
}

// Subscribe registers fn for an event name, TopicAll or TopicUnclassified.
func (e *Engine) Subscribe(topic string, fn Handler) Subscription {
	return e.bus.Subscribe(topic, fn)
}

func (e *Engine) Unsubscribe(s Subscription) bool {
	return e.bus.Unsubscribe(s)
}

func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) IsAuthenticated() bool {
	return e.State() == StateAuthenticated
}

func (e *Engine) Stats() Stats {
	var out Stats
	err := e.exec(func() error {
		out = Stats{
			State:         e.State(),
			Pending:       e.pending.Len(),
			Held:          e.pending.HeldLen(),
			Failures:      e.sup.backoff.Failures(),
			NextDelay:     e.sup.backoff.Current(),
			TimerArmed:    e.sup.armed(),
			KeepConnected: e.sup.enabled,
		}
		return nil
	})
	if err != nil {
		return Stats{State: StateDisconnected}
	}
	return out
}

// Disconnect tears the session down permanently: the supervisor is disabled,
// pending and held calls are rejected with ErrDisconnected. It may be called
// from a handler or state observer; then it returns without waiting for the
// handler queue to drain.
func (e *Engine) Disconnect() {
	e.disconnectOnce.Do(func() {
		_ = e.exec(func() error {
			e.teardown()
			return nil
		})
		e.cancel()
		<-e.done
		e.completions.close()
		<-e.completions.done
		e.queue.close()
		if !e.queue.delivering() {
			<-e.queue.done
		}
	})
}

func (e *Engine) teardown() {
	e.stopped = true
	e.sup.disable()
	if e.conn != nil {
		if e.State() == StateAuthenticated {
			if raw, err := frame.EncodeAction(e.pending.Reserve("", e.cfg.Now()), session.LogoffAction()); err == nil {
				_ = e.conn.Write(raw)
			}
		}
		_ = e.conn.Close()
		e.conn = nil
	}
	for _, call := range e.pending.TakeAll() {
		e.finish(call, frame.Message{}, protocol.ErrDisconnected)
	}
	e.resolveWaiters(protocol.ErrDisconnected)
	e.setState(StateDisconnected, nil)
	e.logger.Info().Msg("engine.Engine disconnected")
}

func (e *Engine) setState(to State, err error) {
	from := State(e.state.Swap(int32(to)))
	observability.SetState(int(to))
	if from == to && err == nil {
		return
	}
	e.logger.Debug().Str("from", from.String()).Str("to", to.String()).AnErr("err", err).Msg("engine.Engine state")
	e.notify(StateChange{From: from, To: to, Err: err})
}

// report surfaces a non-fatal error without changing state.
func (e *Engine) report(class string, err error) {
	observability.RecordError(class)
	s := e.State()
	e.notify(StateChange{From: s, To: s, Err: err})
}

func (e *Engine) notify(change StateChange) {
	if e.cfg.OnStateChange == nil {
		return
	}
	fn := e.cfg.OnStateChange
	e.queue.push(func() { fn(change) })
}

func (e *Engine) resolveWaiters(err error) {
	for _, w := range e.waiters {
		w <- err
	}
	e.waiters = nil
}

func (e *Engine) startDial() {
	if e.dialing {
		return
	}
	e.dialing = true
	e.setState(StateConnecting, nil)
	cfg := transport.FromSession(e.cfg.Session, e.logger)
	go func() {
		conn, err := transport.Dial(e.ctx, cfg)
		if !e.post(func() { e.onDialResult(conn, err) }) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (e *Engine) onDialResult(conn *transport.Conn, err error) {
	e.dialing = false
	if e.stopped {
		_ = conn.Close()
		return
	}
	if err != nil {
		e.logger.Warn().Err(err).Msg("engine.Engine dial failed")
		observability.RecordError("transport")
		e.setState(StateClosed, err)
		e.resolveWaiters(err)
		e.scheduleRetry("dial")
		return
	}
	e.conn = conn
	e.asm.Reset()
	go conn.Run(e.ctx, e.events)
	e.setState(StateConnected, nil)
	e.startLogin()
}

func (e *Engine) handleTransport(ev transport.Event) {
	if ev.Conn != e.conn || e.conn == nil {
		return
	}
	switch ev.Kind {
	case transport.EventData:
		msgs, errs := e.asm.Feed(ev.Data)
		for _, err := range errs {
			e.logger.Warn().Err(err).Msg("engine.Engine dropped malformed block")
			e.report("parse", err)
		}
		for _, msg := range msgs {
			e.route(msg)
		}
	case transport.EventError:
		e.report("transport", ev.Err)
	case transport.EventClosed:
		e.onClosed()
	}
}

func (e *Engine) onClosed() {
	e.conn = nil
	e.logger.Info().Msg("engine.Engine connection closed")
	e.setState(StateClosed, nil)
	for _, call := range e.pending.TakeInFlight() {
		e.finish(call, frame.Message{}, &protocol.TransportError{Op: "read", Err: protocol.ErrConnectionLost})
	}
	e.resolveWaiters(&protocol.TransportError{Op: "read", Err: protocol.ErrConnectionLost})
	e.scheduleRetry("closed")
}
