package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/amictl/internal/protocol"
	"github.com/danmuck/amictl/internal/protocol/session"
	"github.com/rs/zerolog"
)

const readBufferSize = 32 * 1024

type EventKind int

const (
	EventData EventKind = iota
	EventError
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventData:
		return "data"
	case EventError:
		return "error"
	default:
		return "closed"
	}
}

// Event is emitted by Conn.Run. Closed is emitted exactly once per connection.
type Event struct {
	Kind EventKind
	Conn *Conn
	Data []byte
	Err  error
}

type Config struct {
	Address        string
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	KeepAlive      time.Duration
	TLS            session.TLSConfig
	Logger         zerolog.Logger
}

// FromSession maps session settings onto transport settings.
func FromSession(cfg session.Config, logger zerolog.Logger) Config {
	return Config{
		Address:        cfg.Address(),
		ConnectTimeout: cfg.ConnectTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		KeepAlive:      cfg.KeepAlive,
		TLS:            cfg.TLS,
		Logger:         logger,
	}
}

var nextConnID atomic.Uint64

// Conn owns one stream socket.
type Conn struct {
	id      uint64
	conn    net.Conn
	cfg     Config
	logger  zerolog.Logger
	closed  atomic.Bool
	writeMu sync.Mutex
}

// Dial opens the stream. A nil error is the connected signal.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	if err := cfg.TLS.Validate(); err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: cfg.KeepAlive}
	rawConn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, &protocol.TransportError{Op: "dial", Err: err}
	}
	if tc, ok := rawConn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
		if cfg.KeepAlive > 0 {
			_ = tc.SetKeepAlivePeriod(cfg.KeepAlive)
		}
	}

	conn := rawConn
	if cfg.TLS.Enabled {
		tlsCfg, err := clientTLSConfig(cfg)
		if err != nil {
			_ = rawConn.Close()
			return nil, err
		}
		tlsConn := tls.Client(rawConn, tlsCfg)
		handshakeCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
			_ = rawConn.Close()
			return nil, &protocol.TransportError{Op: "tls handshake", Err: err}
		}
		conn = tlsConn
	}

	c := &Conn{
		id:   nextConnID.Add(1),
		conn: conn,
		cfg:  cfg,
	}
	c.logger = cfg.Logger.With().Uint64("conn", c.id).Str("addr", cfg.Address).Logger()
	c.logger.Debug().Msg("transport.Conn connected")
	return c, nil
}

func clientTLSConfig(cfg Config) (*tls.Config, error) {
	out := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(cfg.TLS.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(cfg.Address)
		if err != nil {
			return nil, err
		}
		serverName = host
	}
	out.ServerName = serverName

	if caPath := strings.TrimSpace(cfg.TLS.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("transport: parse tls ca bundle: %s", caPath)
		}
		out.RootCAs = pool
	}

	if cfg.TLS.Mutual() {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}

func (c *Conn) ID() uint64 {
	if c == nil {
		return 0
	}
	return c.id
}

// Run reads until the socket fails or ctx ends, forwarding events to sink.
// Read errors other than a local close are reported as EventError before EventClosed.
func (c *Conn) Run(ctx context.Context, sink chan<- Event) {
	emit := func(ev Event) bool {
		ev.Conn = c
		select {
		case sink <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !emit(Event{Kind: EventData, Data: data}) {
				_ = c.Close()
				return
			}
		}
		if err == nil {
			continue
		}
		local := c.closed.Load()
		_ = c.Close()
		if !local && !errors.Is(err, io.EOF) {
			c.logger.Warn().Err(err).Msg("transport.Conn read failed")
			if !emit(Event{Kind: EventError, Err: &protocol.TransportError{Op: "read", Err: err}}) {
				return
			}
		}
		c.logger.Debug().Bool("local", local).Msg("transport.Conn closed")
		emit(Event{Kind: EventClosed, Err: err})
		return
	}
}

// Write sends b in full. A nil or closed Conn yields ErrNotConnected.
func (c *Conn) Write(b []byte) error {
	if c == nil || c.closed.Load() {
		return &protocol.TransportError{Op: "write", Err: protocol.ErrNotConnected}
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if _, err := c.conn.Write(b); err != nil {
		c.logger.Warn().Err(err).Msg("transport.Conn write failed")
		_ = c.Close()
		return &protocol.TransportError{Op: "write", Err: err}
	}
	return nil
}

func (c *Conn) Close() error {
	if c == nil || !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

func (c *Conn) Closed() bool {
	return c == nil || c.closed.Load()
}
