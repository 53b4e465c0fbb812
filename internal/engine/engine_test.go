package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/amictl/internal/protocol"
	"github.com/danmuck/amictl/internal/protocol/frame"
	"github.com/danmuck/amictl/internal/protocol/session"
	"github.com/danmuck/amictl/internal/testutil/amitest"
	"github.com/danmuck/amictl/internal/testutil/testlog"
)

const waitTimeout = 2 * time.Second

func newTestEngine(t *testing.T, srv *amitest.Server, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := Config{
		Session: session.Config{
			Host:           srv.Host(),
			Port:           srv.Port(),
			Credentials:    session.Credentials{Username: "u", Secret: "s"},
			ConnectTimeout: time.Second,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(e.Disconnect)
	return e
}

func connect(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := e.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func waitCall(t *testing.T, call *Call) *Call {
	t.Helper()
	select {
	case c := <-call.Done:
		return c
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for call %s", call.ID)
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func noReply(frame.Message) string { return "" }

func send(t *testing.T, e *Engine, name string) *Call {
	t.Helper()
	call, err := e.Send(frame.NewAction(name), nil)
	if err != nil {
		t.Fatalf("send %s: %v", name, err)
	}
	return call
}

func TestHeldActionsReplayedInOrderAfterLogin(t *testing.T) {
	testlog.Start(t)
	srv := amitest.NewServer(t)
	e := newTestEngine(t, srv, nil)

	ping := send(t, e, "Ping")
	status := send(t, e, "Status")
	if ping.ID == status.ID {
		t.Fatalf("held actions share id %q", ping.ID)
	}
	if st := e.Stats(); st.Held != 2 || st.Pending != 2 {
		t.Fatalf("expected 2 held actions, got %+v", st)
	}
	if srv.Accepted() != 0 {
		t.Fatalf("nothing may reach the transport before connect")
	}

	connect(t, e)
	if !e.IsAuthenticated() {
		t.Fatalf("expected authenticated, state=%s", e.State())
	}

	for _, call := range []*Call{ping, status} {
		got := waitCall(t, call)
		if got.Error != nil {
			t.Fatalf("call %s failed: %v", got.ID, got.Error)
		}
		if got.Response.ActionID != call.ID {
			t.Fatalf("response routed to wrong call: %s != %s", got.Response.ActionID, call.ID)
		}
	}

	time.Sleep(50 * time.Millisecond)
	if got := srv.Actions(); !reflect.DeepEqual(got, []string{"login", "ping", "status"}) {
		t.Fatalf("unexpected transport order: %v", got)
	}
	msgs := srv.Received()
	if msgs[0].Fields.Get("username") != "u" || msgs[0].Fields.Get("secret") != "s" || msgs[0].Fields.Get("events") != "off" {
		t.Fatalf("unexpected login fields: %v", msgs[0].Fields)
	}
	if st := e.Stats(); st.Held != 0 || st.Pending != 0 {
		t.Fatalf("expected empty queues, got %+v", st)
	}
}

func TestCompletionsMatchedByIDOutOfOrder(t *testing.T) {
	testlog.Start(t)
	srv := amitest.NewServer(t)
	srv.SetReplier(noReply)
	e := newTestEngine(t, srv, nil)
	connect(t, e)

	first := send(t, e, "Ping")
	second := send(t, e, "Ping")
	srv.WaitReceived(3, waitTimeout)

	srv.Push(fmt.Sprintf("Response: Success\r\nActionID: %s\r\nWhich: second\r\n\r\n", second.ID))
	srv.Push(fmt.Sprintf("Response: Success\r\nActionID: %s\r\nWhich: first\r\n\r\n", first.ID))

	if got := waitCall(t, second); got.Response.Fields.Get("which") != "second" {
		t.Fatalf("second call got %v", got.Response.Fields)
	}
	if got := waitCall(t, first); got.Response.Fields.Get("which") != "first" {
		t.Fatalf("first call got %v", got.Response.Fields)
	}
}

func TestErrorResponseResolvesOnlyItsCall(t *testing.T) {
	testlog.Start(t)
	srv := amitest.NewServer(t)
	srv.SetReplier(func(msg frame.Message) string {
		if msg.Fields.Get("action") == "Originate" {
			return fmt.Sprintf("Response: Error\r\nActionID: %s\r\nMessage: Permission denied\r\n\r\n", msg.ActionID)
		}
		return amitest.Success(msg)
	})
	e := newTestEngine(t, srv, nil)
	connect(t, e)

	bad := send(t, e, "Originate")
	good := send(t, e, "Ping")

	got := waitCall(t, bad)
	var actionErr *protocol.ActionError
	if !errors.As(got.Error, &actionErr) {
		t.Fatalf("expected ActionError, got %v", got.Error)
	}
	if actionErr.ActionID != bad.ID || actionErr.Message != "Permission denied" {
		t.Fatalf("unexpected action error: %+v", actionErr)
	}
	if !errors.Is(got.Error, protocol.ErrActionFailed) {
		t.Fatalf("expected ErrActionFailed")
	}
	if got := waitCall(t, good); got.Error != nil {
		t.Fatalf("unrelated call failed: %v", got.Error)
	}
}

func TestFollowsBlockCorrelation(t *testing.T) {
	testlog.Start(t)
	srv := amitest.NewServer(t)
	srv.SetReplier(func(msg frame.Message) string {
		if msg.Fields.Get("command") == "with id" {
			return fmt.Sprintf("Response: Follows\r\nActionID: %s\r\nPrivilege: Command\r\n\r\nline1\nline2\n--END COMMAND--\n\r\n", msg.ActionID)
		}
		return "Response: Follows\r\nPrivilege: Command\r\nout1\nout2\n--END COMMAND--\r\n\r\n"
	})
	e := newTestEngine(t, srv, nil)
	connect(t, e)

	withID := frame.NewAction("Command")
	withID.Set("Command", "with id")
	call, err := e.Send(withID, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	got := waitCall(t, call)
	if got.Error != nil || got.Response.Kind != frame.KindFollows || got.Response.Content != "line1\nline2" {
		t.Fatalf("unexpected follows completion: err=%v msg=%s content=%q", got.Error, got.Response, got.Response.Content)
	}

	withoutID := frame.NewAction("Command")
	withoutID.Set("Command", "core show channels")
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	msg, err := e.Do(ctx, withoutID)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if msg.Content != "out1\nout2" {
		t.Fatalf("expected last-sent correlation, got %q", msg.Content)
	}
}

func TestEventFanOut(t *testing.T) {
	testlog.Start(t)
	srv := amitest.NewServer(t)
	e := newTestEngine(t, srv, nil)

	var (
		mu  sync.Mutex
		got = map[string][]string{}
	)
	record := func(topic string) Handler {
		return func(msg frame.Message) {
			mu.Lock()
			defer mu.Unlock()
			got[topic] = append(got[topic], msg.Name)
		}
	}
	e.Subscribe(TopicAll, record("all"))
	e.Subscribe("FullyBooted", record("fullybooted"))
	e.Subscribe("userevent", record("userevent"))
	pingSub := e.Subscribe("ping", record("ping"))
	e.Subscribe(TopicUnclassified, record("unclassified"))

	connect(t, e)
	srv.Push("Event: FullyBooted\r\nPrivilege: system,all\r\n\r\n" +
		"Event: UserEvent\r\nUserEvent: Ping\r\n\r\n" +
		"Ping: Pong\r\n\r\n" +
		"Response: Success\r\nActionID: nobody\r\n\r\n")

	count := func(topic string) int {
		mu.Lock()
		defer mu.Unlock()
		return len(got[topic])
	}
	waitFor(t, "unclassified deliveries", func() bool { return count("unclassified") == 2 })

	mu.Lock()
	if !reflect.DeepEqual(got["all"], []string{"fullybooted", "userevent"}) {
		t.Fatalf("unexpected all-events order: %v", got["all"])
	}
	if len(got["fullybooted"]) != 1 || len(got["userevent"]) != 1 || len(got["ping"]) != 1 {
		t.Fatalf("unexpected fan-out: %v", got)
	}
	mu.Unlock()

	if !e.Unsubscribe(pingSub) {
		t.Fatalf("expected unsubscribe to succeed")
	}
	srv.Push("Event: UserEvent\r\nUserEvent: Ping\r\n\r\n")
	waitFor(t, "second user event", func() bool { return count("userevent") == 2 })
	if count("ping") != 1 {
		t.Fatalf("unsubscribed handler still called")
	}
}

func TestHandlerPanicDoesNotStopDelivery(t *testing.T) {
	testlog.Start(t)
	srv := amitest.NewServer(t)
	e := newTestEngine(t, srv, nil)

	seen := make(chan string, 4)
	e.Subscribe("hangup", func(frame.Message) { panic("boom") })
	e.Subscribe(TopicAll, func(msg frame.Message) { seen <- msg.Name })

	connect(t, e)
	srv.Push("Event: Hangup\r\n\r\nEvent: Newchannel\r\n\r\n")
	for _, want := range []string{"hangup", "newchannel"} {
		select {
		case name := <-seen:
			if name != want {
				t.Fatalf("unexpected event %q want %q", name, want)
			}
		case <-time.After(waitTimeout):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestLoginRejectedKeepsHeldActions(t *testing.T) {
	testlog.Start(t)
	srv := amitest.NewServer(t)
	srv.SetLoginPolicy(func(attempt int) bool { return attempt > 1 })
	e := newTestEngine(t, srv, nil)

	held := send(t, e, "Ping")
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	err := e.Connect(ctx)
	var authErr *protocol.AuthError
	if !errors.As(err, &authErr) || authErr.Message != "Authentication failed" {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if e.IsAuthenticated() || e.State() != StateConnected {
		t.Fatalf("expected connected but unauthenticated, state=%s", e.State())
	}
	if st := e.Stats(); st.Held != 1 {
		t.Fatalf("held action must survive failed login, got %+v", st)
	}

	connect(t, e)
	if got := waitCall(t, held); got.Error != nil {
		t.Fatalf("held call failed: %v", got.Error)
	}
	if got := srv.Actions(); !reflect.DeepEqual(got, []string{"login", "login", "ping"}) {
		t.Fatalf("unexpected transport order: %v", got)
	}
	if srv.Accepted() != 1 {
		t.Fatalf("re-login must reuse the socket, accepted=%d", srv.Accepted())
	}
}

func TestDisconnectRejectsPendingAndHeld(t *testing.T) {
	testlog.Start(t)
	srv := amitest.NewServer(t)
	srv.SetReplier(noReply)
	e := newTestEngine(t, srv, nil)
	connect(t, e)

	inFlight := send(t, e, "Ping")
	srv.WaitReceived(2, waitTimeout)

	e.Disconnect()
	if got := waitCall(t, inFlight); !errors.Is(got.Error, protocol.ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", got.Error)
	}
	if e.State() != StateDisconnected {
		t.Fatalf("unexpected state: %s", e.State())
	}
	if _, err := e.Send(frame.NewAction("Ping"), nil); !errors.Is(err, protocol.ErrDisconnected) {
		t.Fatalf("send after disconnect: %v", err)
	}
	if err := e.Connect(context.Background()); !errors.Is(err, protocol.ErrDisconnected) {
		t.Fatalf("connect after disconnect: %v", err)
	}
	waitFor(t, "logoff", func() bool {
		actions := srv.Actions()
		return len(actions) == 3 && actions[2] == "logoff"
	})

	other := newTestEngine(t, srv, nil)
	held := send(t, other, "Status")
	other.Disconnect()
	if got := waitCall(t, held); !errors.Is(got.Error, protocol.ErrDisconnected) {
		t.Fatalf("held call: expected ErrDisconnected, got %v", got.Error)
	}
}

func TestConnectionLostRejectsInFlight(t *testing.T) {
	testlog.Start(t)
	srv := amitest.NewServer(t)
	srv.SetReplier(noReply)
	e := newTestEngine(t, srv, nil)
	connect(t, e)

	call := send(t, e, "Ping")
	srv.WaitReceived(2, waitTimeout)
	srv.DropConnections()

	got := waitCall(t, call)
	var transportErr *protocol.TransportError
	if !errors.As(got.Error, &transportErr) || !errors.Is(got.Error, protocol.ErrConnectionLost) {
		t.Fatalf("expected connection lost, got %v", got.Error)
	}
	waitFor(t, "closed state", func() bool { return e.State() == StateClosed })
	if st := e.Stats(); st.TimerArmed {
		t.Fatalf("supervisor must stay idle without keep-connected: %+v", st)
	}

	later := send(t, e, "Status")
	if st := e.Stats(); st.Held != 1 {
		t.Fatalf("send after close must be held, got %+v", st)
	}
	connect(t, e)
	if got := waitCall(t, later); got.Error != nil {
		t.Fatalf("held call after reconnect: %v", got.Error)
	}
}

func TestIdentifiersPairwiseDistinct(t *testing.T) {
	testlog.Start(t)
	srv := amitest.NewServer(t)
	srv.SetReplier(noReply)
	fixed := time.UnixMilli(1700000000000)
	e := newTestEngine(t, srv, func(cfg *Config) {
		cfg.Now = func() time.Time { return fixed }
	})
	connect(t, e)

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		call := send(t, e, "Ping")
		if seen[call.ID] {
			t.Fatalf("duplicate pending id %q", call.ID)
		}
		seen[call.ID] = true
	}

	dup := frame.NewAction("Ping")
	dup.ID = "dup"
	a, err := e.Send(dup, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	b, err := e.Send(dup, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if a.ID != "dup" || b.ID == "dup" {
		t.Fatalf("caller ids not deduplicated: %q %q", a.ID, b.ID)
	}
}

func TestSendValidation(t *testing.T) {
	testlog.Start(t)
	srv := amitest.NewServer(t)
	e := newTestEngine(t, srv, nil)

	if _, err := e.Send(frame.NewAction("Ping"), make(chan *Call)); !errors.Is(err, ErrUnbufferedDone) {
		t.Fatalf("expected ErrUnbufferedDone, got %v", err)
	}
	bad := frame.NewAction("Command")
	bad.Set("Command", "x\r\nAction: Logoff")
	if _, err := e.Send(bad, nil); !errors.Is(err, protocol.ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction, got %v", err)
	}
	if st := e.Stats(); st.Pending != 0 {
		t.Fatalf("rejected sends must not register, got %+v", st)
	}
}

func TestDoCallerTimeoutToleratesLateCompletion(t *testing.T) {
	testlog.Start(t)
	srv := amitest.NewServer(t)
	srv.SetReplier(noReply)
	e := newTestEngine(t, srv, nil)
	connect(t, e)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := e.Do(ctx, frame.NewAction("Ping")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected caller timeout, got %v", err)
	}

	msgs := srv.WaitReceived(2, waitTimeout)
	srv.Push(fmt.Sprintf("Response: Success\r\nActionID: %s\r\n\r\n", msgs[1].ActionID))
	waitFor(t, "late completion", func() bool { return e.Stats().Pending == 0 })
	if !e.IsAuthenticated() {
		t.Fatalf("late completion must not disturb the session")
	}
}

func TestStateChangesAreOrdered(t *testing.T) {
	testlog.Start(t)
	srv := amitest.NewServer(t)
	var (
		mu      sync.Mutex
		changes []State
	)
	e := newTestEngine(t, srv, func(cfg *Config) {
		cfg.OnStateChange = func(c StateChange) {
			mu.Lock()
			defer mu.Unlock()
			if c.From != c.To {
				changes = append(changes, c.To)
			}
		}
	})
	connect(t, e)

	want := []State{StateConnecting, StateConnected, StateAuthenticating, StateAuthenticated}
	waitFor(t, "state notifications", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) >= len(want)
	})
	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(changes[:len(want)], want) {
		t.Fatalf("unexpected transitions: %v", changes)
	}
}

func TestReconnectBackoffSequence(t *testing.T) {
	testlog.Start(t)
	srv := amitest.NewServer(t)
	srv.SetLoginPolicy(func(attempt int) bool { return attempt != 2 })
	e := newTestEngine(t, srv, func(cfg *Config) {
		cfg.Session.KeepConnected = true
		cfg.Session.Backoff = session.BackoffConfig{
			InitialDelay: 10 * time.Millisecond,
			Step:         10 * time.Millisecond,
			MaxDelay:     60 * time.Millisecond,
		}
	})

	var (
		mu    sync.Mutex
		armed []time.Duration
	)
	_ = e.exec(func() error {
		e.sup.onArm = func(d time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			armed = append(armed, d)
		}
		return nil
	})
	delays := func() []time.Duration {
		mu.Lock()
		defer mu.Unlock()
		return append([]time.Duration(nil), armed...)
	}

	connect(t, e)
	srv.DropConnections()
	waitFor(t, "first reconnect", func() bool {
		return len(delays()) == 2 && e.IsAuthenticated()
	})
	if got := delays(); !reflect.DeepEqual(got, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}) {
		t.Fatalf("unexpected backoff sequence: %v", got)
	}
	if srv.Accepted() != 2 {
		t.Fatalf("expected one redial, accepted=%d", srv.Accepted())
	}
	if st := e.Stats(); st.Failures != 0 || st.NextDelay != 10*time.Millisecond {
		t.Fatalf("backoff must reset after success: %+v", st)
	}

	srv.DropConnections()
	waitFor(t, "second reconnect", func() bool {
		return len(delays()) == 3 && e.IsAuthenticated()
	})
	if got := delays()[2]; got != 10*time.Millisecond {
		t.Fatalf("expected reset delay, got %v", got)
	}

	e.Disconnect()
	if st := e.Stats(); st.TimerArmed || st.KeepConnected {
		t.Fatalf("disconnect must disable the supervisor: %+v", st)
	}
}

func TestHandlerMayCallDo(t *testing.T) {
	testlog.Start(t)
	srv := amitest.NewServer(t)
	e := newTestEngine(t, srv, nil)

	results := make(chan error, 1)
	e.Subscribe("fullybooted", func(frame.Message) {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_, err := e.Do(ctx, frame.NewAction("Ping"))
		results <- err
	})
	later := make(chan string, 1)
	e.Subscribe("hangup", func(msg frame.Message) { later <- msg.Name })

	connect(t, e)
	srv.Push("Event: FullyBooted\r\n\r\nEvent: Hangup\r\n\r\n")

	select {
	case err := <-results:
		if err != nil {
			t.Fatalf("do from handler: %v", err)
		}
	case <-time.After(2 * waitTimeout):
		t.Fatalf("do from handler never completed")
	}
	select {
	case <-later:
	case <-time.After(waitTimeout):
		t.Fatalf("later event not delivered")
	}
}

func TestHandlerMayDisconnect(t *testing.T) {
	testlog.Start(t)
	srv := amitest.NewServer(t)
	e := newTestEngine(t, srv, nil)

	returned := make(chan struct{})
	e.Subscribe("shutdown", func(frame.Message) {
		e.Disconnect()
		close(returned)
	})
	connect(t, e)
	srv.Push("Event: Shutdown\r\nShutdown: Uncleanly\r\n\r\n")

	select {
	case <-returned:
	case <-time.After(waitTimeout):
		t.Fatalf("disconnect from handler did not return")
	}
	if e.State() != StateDisconnected {
		t.Fatalf("unexpected state: %s", e.State())
	}

	again := make(chan struct{})
	go func() {
		e.Disconnect()
		close(again)
	}()
	select {
	case <-again:
	case <-time.After(waitTimeout):
		t.Fatalf("repeated disconnect did not return")
	}
}

func TestStateObserverMayDisconnect(t *testing.T) {
	testlog.Start(t)
	srv := amitest.NewServer(t)
	var e *Engine
	e = newTestEngine(t, srv, func(cfg *Config) {
		cfg.OnStateChange = func(c StateChange) {
			if c.To == StateAuthenticated {
				e.Disconnect()
			}
		}
	})

	connect(t, e)
	waitFor(t, "disconnected state", func() bool { return e.State() == StateDisconnected })
	if _, err := e.Send(frame.NewAction("Ping"), nil); !errors.Is(err, protocol.ErrDisconnected) {
		t.Fatalf("send after disconnect: %v", err)
	}
}

func TestFailedWriteHoldsCallUnderItsID(t *testing.T) {
	testlog.Start(t)
	srv := amitest.NewServer(t)
	e := newTestEngine(t, srv, nil)
	connect(t, e)

	// Close the socket and send before the loop sees the close event, so the
	// write itself fails while the session still reads as authenticated.
	var call *Call
	err := e.exec(func() error {
		if e.State() != StateAuthenticated {
			return fmt.Errorf("expected authenticated, got %s", e.State())
		}
		_ = e.conn.Close()
		var err error
		call, err = e.enqueue(frame.NewAction("Status"), nil)
		if err != nil {
			return err
		}
		if e.State() != StateAuthenticated {
			return fmt.Errorf("write failure must not change state, got %s", e.State())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	close(call.issued)
	id := call.ID

	if st := e.Stats(); st.Held != 1 || st.Pending != 1 {
		t.Fatalf("failed write must be held, got %+v", st)
	}
	waitFor(t, "closed state", func() bool { return e.State() == StateClosed })
	if st := e.Stats(); st.Held != 1 {
		t.Fatalf("held call must survive the close, got %+v", st)
	}

	connect(t, e)
	got := waitCall(t, call)
	if got.Error != nil {
		t.Fatalf("replayed call failed: %v", got.Error)
	}
	if got.ID != id || got.Response.ActionID != id {
		t.Fatalf("replay must keep id %q, got call=%q response=%q", id, got.ID, got.Response.ActionID)
	}

	time.Sleep(50 * time.Millisecond)
	replays := 0
	for _, msg := range srv.Received() {
		if msg.ActionID == id {
			replays++
		}
	}
	if replays != 1 {
		t.Fatalf("expected exactly one write of %s, got %d: %v", id, replays, srv.Actions())
	}
	if got := srv.Actions(); !reflect.DeepEqual(got, []string{"login", "login", "status"}) {
		t.Fatalf("unexpected transport order: %v", got)
	}
}
