package optolink

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tarm/serial"
)

// DialFunc opens the underlying byte stream of a Link.
// A read on the returned stream that times out must either return (0, io.EOF),
// as a serial port does, or an error satisfying os.ErrDeadlineExceeded.
type DialFunc func() (io.ReadWriteCloser, error)

// LinkOption configures a Link
type LinkOption func(*Link)

// WithDialer replaces the serial / TCP backend, e.g. by a simulated device
func WithDialer(d DialFunc) LinkOption {
	return func(l *Link) {
		l.dial = d
		l.eofIsTimeout = true
	}
}

// WithClock sets the time source used for activity tracking
func WithClock(now func() time.Time) LinkOption {
	return func(l *Link) { l.now = now }
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Link is the byte level connection to an Optolink adapter, either a local serial
// device or a ser2net like TCP socket (socket://host:port).
type Link struct {
	mu sync.Mutex

	addr         string
	cs           *ControlSet
	readTimeout  time.Duration
	dial         DialFunc
	eofIsTimeout bool
	now          func() time.Time

	conn         io.ReadWriteCloser
	lastActivity time.Time
	lastByte     []byte
}

// NewLink creates a closed Link to addr. readTimeout is the per byte timeout of the serial port.
func NewLink(addr string, cs *ControlSet, readTimeout time.Duration, opts ...LinkOption) *Link {
	l := &Link{addr: addr, cs: cs, readTimeout: readTimeout, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Open attaches to the Optolink adapter via serial device or a tcp socket
func (l *Link) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		return nil
	}

	if l.dial != nil {
		c, err := l.dial()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConnection, err)
		}
		l.conn = c
		return nil
	}

	u, err := url.Parse(l.addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	switch u.Scheme {
	case "socket", "tcp":
		c, err := net.Dial("tcp", u.Host)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConnection, err)
		}
		c.(*net.TCPConn).SetKeepAlive(true)
		c.(*net.TCPConn).SetKeepAlivePeriod(30 * time.Second)
		l.conn = c
		l.eofIsTimeout = false
	case "file", "":
		parity, err := l.cs.parity()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConnection, err)
		}
		stop, err := l.cs.stopBits()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConnection, err)
		}
		p, err := serial.OpenPort(&serial.Config{
			Name:        u.Path,
			Baud:        l.cs.Baudrate,
			Size:        byte(l.cs.Bytesize),
			Parity:      parity,
			StopBits:    stop,
			ReadTimeout: l.readTimeout,
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConnection, err)
		}
		l.conn = p
		l.eofIsTimeout = true
	default:
		return fmt.Errorf("%w: can not find a valid connection string in %q", ErrConnection, l.addr)
	}
	log.Infof("Connected to %v", l.addr)
	return nil
}

// Close closes the underlying connection. Closing a closed Link is a no-op.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	return err
}

// IsOpen reports whether Open succeeded and Close was not called since
func (l *Link) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// LastActivity returns the time of the last read that returned data
func (l *Link) LastActivity() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastActivity
}

// LastByte returns the final byte of the latest Read, or false if it returned nothing
func (l *Link) LastByte() (byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.lastByte) == 0 {
		return 0, false
	}
	return l.lastByte[0], true
}

// Write sends b completely. There is no retry on failure.
func (l *Link) Write(b []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return fmt.Errorf("%w: not connected", ErrConnection)
	}
	n, err := l.conn.Write(b)
	log.Debugf("Write b='% x', n=%v, err=%v", b, n, err)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if n != len(b) {
		return fmt.Errorf("%w: short write (%v of %v bytes)", ErrConnection, n, len(b))
	}
	return nil
}

// Read reads up to max bytes, waiting at most timeout for each byte.
// It returns whatever was received so far when a byte times out, possibly nothing.
func (l *Link) Read(max int, timeout time.Duration) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil, fmt.Errorf("%w: not connected", ErrConnection)
	}
	if timeout <= 0 {
		timeout = l.readTimeout
	}

	var a []byte
	b := make([]byte, 1)
	for len(a) < max {
		if d, ok := l.conn.(deadliner); ok && timeout > 0 {
			d.SetReadDeadline(l.now().Add(timeout))
		}
		n, err := l.conn.Read(b)
		if n > 0 {
			a = append(a, b[0])
			l.lastActivity = l.now()
			continue
		}
		if err == nil || l.isTimeout(err) {
			break
		}
		l.setLastByte(a)
		log.Debugf("Read a='% x', err=%v", a, err)
		return a, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	l.setLastByte(a)
	log.Debugf("Read a='% x', n=%v", a, len(a))
	return a, nil
}

func (l *Link) setLastByte(a []byte) {
	if len(a) == 0 {
		l.lastByte = l.lastByte[:0]
		return
	}
	l.lastByte = append(l.lastByte[:0], a[len(a)-1])
}

func (l *Link) isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return l.eofIsTimeout && err == io.EOF
}
