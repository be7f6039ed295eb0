package devicesim

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Conn is an in-memory connection to a Device. Like a serial port whose read
// timed out, Read returns (0, io.EOF) when the device has nothing to say.
type Conn struct {
	mu     sync.Mutex
	dev    *Device
	out    []byte
	closed bool
}

// Dial opens a new in-memory connection. It matches optolink.DialFunc.
func (d *Device) Dial() (io.ReadWriteCloser, error) {
	return &Conn{dev: d, out: d.Greeting()}, nil
}

func (c *Conn) Read(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	if len(c.out) == 0 {
		return 0, io.EOF
	}
	n := copy(b, c.out)
	c.out = c.out[n:]
	return n, nil
}

func (c *Conn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	c.out = append(c.out, c.dev.Process(b)...)
	return len(b), nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Serve accepts TCP clients on l and attaches each to d, like a ser2net bridge
// in front of the controller. It returns when ctx is done.
func Serve(ctx context.Context, l net.Listener, d *Device) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		c, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		log.Infof("devicesim: client %v connected", c.RemoteAddr())
		go handle(ctx, c, d)
	}
}

func handle(ctx context.Context, c net.Conn, d *Device) {
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	if g := d.Greeting(); len(g) > 0 {
		if _, err := c.Write(g); err != nil {
			return
		}
	}
	b := make([]byte, 256)
	for {
		n, err := c.Read(b)
		if n > 0 {
			if out := d.Process(b[:n]); len(out) > 0 {
				if _, werr := c.Write(out); werr != nil {
					log.Debugf("devicesim: write to %v failed: %v", c.RemoteAddr(), werr)
					return
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Debugf("devicesim: read from %v failed: %v", c.RemoteAddr(), err)
			}
			log.Infof("devicesim: client %v disconnected", c.RemoteAddr())
			return
		}
	}
}
