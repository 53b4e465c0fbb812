// Package amitest runs a loopback management-interface server for tests.
package amitest

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/amictl/internal/protocol/frame"
)

const Banner = "Asterisk Call Manager/5.0.1\r\n"

// Replier returns the raw reply for one received action; "" sends nothing.
type Replier func(msg frame.Message) string

type Server struct {
	t  testing.TB
	ln net.Listener

	mu       sync.Mutex
	conns    []net.Conn
	received []frame.Message
	logins   int
	accepted int
	loginOK  func(attempt int) bool
	reply    Replier
	wg       sync.WaitGroup
}

func NewServer(t testing.TB) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &Server{
		t:       t,
		ln:      ln,
		loginOK: func(int) bool { return true },
		reply:   Success,
	}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// Success acknowledges any action with its ActionID.
func Success(msg frame.Message) string {
	return fmt.Sprintf("Response: Success\r\nActionID: %s\r\nMessage: ok\r\n\r\n", msg.ActionID)
}

func (s *Server) Host() string {
	return s.ln.Addr().(*net.TCPAddr).IP.String()
}

func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// SetLoginPolicy decides per login attempt (1-based) whether to accept.
func (s *Server) SetLoginPolicy(fn func(attempt int) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loginOK = fn
}

func (s *Server) SetReplier(fn Replier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reply = fn
}

func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

func (s *Server) Received() []frame.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]frame.Message, len(s.received))
	copy(out, s.received)
	return out
}

// Actions lists received action names (lower-cased) in arrival order.
func (s *Server) Actions() []string {
	msgs := s.Received()
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, strings.ToLower(m.Fields.Get("action")))
	}
	return out
}

// WaitReceived blocks until at least n actions arrived.
func (s *Server) WaitReceived(n int, timeout time.Duration) []frame.Message {
	s.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		msgs := s.Received()
		if len(msgs) >= n {
			return msgs
		}
		if time.Now().After(deadline) {
			s.t.Fatalf("timed out waiting for %d actions, got %d: %v", n, len(msgs), s.Actions())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Push writes raw bytes to the newest connection.
func (s *Server) Push(raw string) {
	s.t.Helper()
	s.mu.Lock()
	var conn net.Conn
	if len(s.conns) > 0 {
		conn = s.conns[len(s.conns)-1]
	}
	s.mu.Unlock()
	if conn == nil {
		s.t.Fatalf("push without connection")
	}
	if _, err := conn.Write([]byte(raw)); err != nil {
		s.t.Fatalf("push: %v", err)
	}
}

// DropConnections closes every accepted connection but keeps listening.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (s *Server) Close() {
	_ = s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.t.Logf("amitest accept: %v", err)
			}
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.accepted++
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	if _, err := conn.Write([]byte(Banner)); err != nil {
		return
	}
	asm := frame.NewAssembler(frame.DefaultLimits())
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			msgs, _ := asm.Feed(buf[:n])
			for _, msg := range msgs {
				if out := s.handle(msg); out != "" {
					if _, err := conn.Write([]byte(out)); err != nil {
						return
					}
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) handle(msg frame.Message) string {
	s.mu.Lock()
	s.received = append(s.received, msg)
	name := strings.ToLower(msg.Fields.Get("action"))
	reply := s.reply
	var loginOK bool
	if name == frame.ActionLogin {
		s.logins++
		loginOK = s.loginOK(s.logins)
	}
	s.mu.Unlock()

	switch name {
	case frame.ActionLogin:
		if loginOK {
			return fmt.Sprintf("Response: Success\r\nActionID: %s\r\nMessage: Authentication accepted\r\n\r\n", msg.ActionID)
		}
		return fmt.Sprintf("Response: Error\r\nActionID: %s\r\nMessage: Authentication failed\r\n\r\n", msg.ActionID)
	case "logoff":
		return fmt.Sprintf("Response: Goodbye\r\nActionID: %s\r\nMessage: Thanks for all the fish.\r\n\r\n", msg.ActionID)
	default:
		return reply(msg)
	}
}
