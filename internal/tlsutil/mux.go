package tlsutil

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prasenjit/go-mockengine/internal/logging"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// handshakeRecord is the first byte of every TLS ClientHello
const handshakeRecord = 0x16

const sniffTimeout = 5 * time.Second

// Mux serves plain and TLS connections on one port. The first byte of each
// connection decides its side; TLS connections reach the server as
// *tls.Conn, so requests on them carry a non-nil TLS state.
type Mux struct {
	inner     net.Listener
	tlsConfig *tls.Config
	plain     *sideListener
	secure    *sideListener
	done      chan struct{}
	closeOnce sync.Once
	log       *logrus.Entry
}

// NewMux starts sorting connections accepted from inner
func NewMux(inner net.Listener, tlsConfig *tls.Config, log *logrus.Entry) *Mux {
	m := &Mux{
		inner:     inner,
		tlsConfig: tlsConfig,
		done:      make(chan struct{}),
		log:       logging.OrDiscard(log, "tls"),
	}
	m.plain = newSideListener(m.done, inner.Addr())
	m.secure = newSideListener(m.done, inner.Addr())

	go m.accept()
	return m
}

func (m *Mux) accept() {
	for {
		conn, err := m.inner.Accept()
		if err != nil {
			select {
			case <-m.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			m.log.WithError(err).Debug("Accept failed")
			continue
		}
		go m.route(conn)
	}
}

// route sniffs the first byte without consuming it
func (m *Mux) route(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(sniffTimeout))
	br := bufio.NewReader(conn)
	first, err := br.Peek(1)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return
	}

	var routed net.Conn = &bufferedConn{Conn: conn, r: br}
	side := m.plain
	if first[0] == handshakeRecord {
		routed = tls.Server(routed, m.tlsConfig)
		side = m.secure
	}

	select {
	case side.conns <- routed:
	case <-side.closed:
		routed.Close()
	case <-m.done:
		routed.Close()
	}
}

// Plain returns the listener of non-TLS connections
func (m *Mux) Plain() net.Listener {
	return m.plain
}

// Secure returns the listener of TLS connections
func (m *Mux) Secure() net.Listener {
	return m.secure
}

// Addr returns the shared address
func (m *Mux) Addr() net.Addr {
	return m.inner.Addr()
}

// Close stops accepting on both sides
func (m *Mux) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	return m.inner.Close()
}

// Serve runs srv on both sides until either fails or srv is shut down
func (m *Mux) Serve(ctx context.Context, srv *http.Server) error {
	g, _ := errgroup.WithContext(ctx)
	for _, l := range []net.Listener{m.plain, m.secure} {
		l := l
		g.Go(func() error {
			if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// bufferedConn replays bytes the sniffer peeked
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

// sideListener hands out the connections of one side. Closing it stops
// Accept for its server; the Mux owns the socket.
type sideListener struct {
	conns     chan net.Conn
	done      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	addr      net.Addr
}

func newSideListener(done chan struct{}, addr net.Addr) *sideListener {
	return &sideListener{
		conns:  make(chan net.Conn, 128),
		done:   done,
		closed: make(chan struct{}),
		addr:   addr,
	}
}

func (l *sideListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.closed:
		return nil, net.ErrClosed
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *sideListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
	})
	return nil
}

func (l *sideListener) Addr() net.Addr {
	return l.addr
}
