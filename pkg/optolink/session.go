package optolink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// DefaultStaleAfter is the idle time after which a P300 session is initialized again
const DefaultStaleAfter = 500 * time.Second

// handshakeIterations bounds the P300 initialization loop
const handshakeIterations = 10

// Transport is the byte stream a Session talks over. *Link implements it.
type Transport interface {
	Open() error
	Close() error
	Read(max int, timeout time.Duration) ([]byte, error)
	Write(b []byte) error
	LastActivity() time.Time
	LastByte() (byte, bool)
}

// Request is one packet to send together with the expected answer
type Request struct {
	ID          uuid.UUID
	Address     uint16
	Packet      []byte
	ResponseLen int
	Role        Role
}

// NewRequest creates a Request with a fresh ID
func NewRequest(address uint16, packet []byte, responseLen int, role Role) Request {
	return Request{ID: uuid.New(), Address: address, Packet: packet, ResponseLen: responseLen, Role: role}
}

// SessionOption configures a Session
type SessionOption func(*Session)

// WithStaleAfter overrides DefaultStaleAfter
func WithStaleAfter(d time.Duration) SessionOption {
	return func(s *Session) { s.staleAfter = d }
}

// WithTimeout sets the per byte read timeout used for handshake and responses
func WithTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.timeout = d }
}

// WithSessionClock sets the time source used for the staleness check
func WithSessionClock(now func() time.Time) SessionOption {
	return func(s *Session) { s.now = now }
}

// Session serializes all traffic to one device. Connect, handshake, write and
// response read of a request happen under a single lock.
type Session struct {
	mu sync.Mutex

	t  Transport
	cs *ControlSet

	state       State
	initialized bool

	staleAfter time.Duration
	timeout    time.Duration
	now        func() time.Time
}

// NewSession creates a disconnected Session. It connects on first use.
func NewSession(t Transport, cs *ControlSet, opts ...SessionOption) *Session {
	s := &Session{
		t:          t,
		cs:         cs,
		state:      Disconnected,
		staleAfter: DefaultStaleAfter,
		timeout:    time.Second,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ControlSet returns the control set the session frames packets with
func (s *Session) ControlSet() *ControlSet {
	return s.cs
}

// State returns the current connection state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Initialized reports whether requests can be sent without a handshake
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Connect opens the transport and runs the handshake.
// A handshake the device does not complete is not an error; it is repeated
// before the next request. An I/O failure during it is.
func (s *Session) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.connect(); err != nil {
		return err
	}
	_, err := s.initialize()
	return err
}

// Disconnect closes the transport
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnect()
}

// Transact sends req and returns the raw answer.
// For P300 the answer starts with the acknowledge byte and its checksum has been verified.
func (s *Session) Transact(ctx context.Context, req Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := s.connect(); err != nil {
		log.Errorf("Could not connect: %v", err)
		return nil, err
	}

	if !s.initialized || s.now().Sub(s.t.LastActivity()) > s.staleAfter {
		if s.initialized {
			log.Info("Communication timed out, trying to reestablish communication")
		} else {
			log.Warn("Communication not initialized, trying to establish")
		}
		if _, err := s.initialize(); err != nil {
			log.Errorf("Request %v to %#04x dropped: %v", req.ID, req.Address, err)
			return nil, err
		}
	}
	if !s.initialized {
		log.Errorf("Request %v to %#04x dropped: %v", req.ID, req.Address, ErrNotInitialized)
		return nil, ErrNotInitialized
	}

	var resp []byte
	var err error
	if s.cs.Protocol.Framed() {
		resp, err = s.transactP300(req)
	} else {
		resp, err = s.transactKW(req)
	}
	if err != nil {
		log.Errorf("Request %v to %#04x failed: %v", req.ID, req.Address, err)
		if errors.Is(err, ErrConnection) {
			s.disconnect()
		}
		return nil, err
	}
	return resp, nil
}

func (s *Session) transactP300(req Request) ([]byte, error) {
	if err := s.t.Write(req.Packet); err != nil {
		return nil, err
	}
	resp, err := s.t.Read(req.ResponseLen, s.timeout)
	if err != nil {
		return nil, err
	}
	switch {
	case len(resp) == 0:
		s.dropSilent()
		return nil, fmt.Errorf("%w: received no response", ErrProtocol)
	case resp[0] == s.cs.Error:
		return nil, fmt.Errorf("%w: interface returned error, response was '% x'", ErrProtocol, resp)
	case len(resp) == 1 && resp[0] == s.cs.NotInitiated:
		s.initialized = false
		s.state = Connected
		return nil, fmt.Errorf("%w: connection not initialized", ErrProtocol)
	case resp[0] != s.cs.Acknowledge:
		return nil, fmt.Errorf("%w: response not starting with acknowledge: '% x'", ErrProtocol, resp)
	case len(resp) < 3:
		return nil, fmt.Errorf("%w: truncated response '% x'", ErrProtocol, resp)
	}

	crc, err := Checksum(s.cs, resp[1:len(resp)-1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if got := resp[len(resp)-1]; got != crc {
		return nil, fmt.Errorf("%w: calculated checksum %#02x does not match received %#02x", ErrProtocol, crc, got)
	}
	return resp, nil
}

func (s *Session) transactKW(req Request) ([]byte, error) {
	// the device announces each transaction with a single sync byte
	if _, err := s.t.Read(1, s.timeout); err != nil {
		return nil, err
	}
	if err := s.t.Write(req.Packet); err != nil {
		return nil, err
	}
	resp, err := s.t.Read(req.ResponseLen, s.timeout)
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		s.dropSilent()
		return nil, fmt.Errorf("%w: received no response", ErrProtocol)
	}
	return resp, nil
}

// dropSilent forces a reconnect after the device did not answer at all
func (s *Session) dropSilent() {
	log.Warn("Device did not answer, forcing reconnect")
	s.disconnect()
}

func (s *Session) connect() error {
	if s.state != Disconnected {
		return nil
	}
	s.setState(Connecting)
	if err := s.t.Open(); err != nil {
		s.setState(Disconnected)
		return err
	}
	s.setState(Connected)
	return nil
}

func (s *Session) disconnect() error {
	s.initialized = false
	if s.state == Disconnected {
		return nil
	}
	s.setState(Disconnected)
	err := s.t.Close()
	log.Info("Disconnected")
	return err
}

// initialize runs the P300 handshake. KW needs none.
// I/O errors disconnect and are returned as ErrConnection.
func (s *Session) initialize() (bool, error) {
	if !s.cs.Protocol.Framed() {
		s.initialized = true
		s.setState(Initialized)
		return true, nil
	}

	log.Info("Init communication")
	s.setState(Handshaking)
	ok, err := s.handshake()
	if err != nil {
		log.Errorf("Handshake failed: %v", err)
		s.disconnect()
		if !errors.Is(err, ErrConnection) {
			err = fmt.Errorf("%w: %v", ErrConnection, err)
		}
		return false, err
	}
	log.Infof("Communication initialized: %v", ok)
	s.initialized = ok
	if ok {
		s.setState(Initialized)
	} else {
		s.setState(Connected)
	}
	return ok, nil
}

func (s *Session) handshake() (bool, error) {
	reset := []byte{s.cs.ResetCommand}
	if err := s.t.Write(reset); err != nil {
		return false, err
	}
	if _, err := s.t.Read(1, s.timeout); err != nil {
		return false, err
	}

	syncSent := false
	for i := 0; i < handshakeIterations; i++ {
		last, ok := s.t.LastByte()
		switch {
		case ok && syncSent && last == s.cs.Acknowledge:
			log.Debug("Device acknowledged initialization")
			return true, nil
		case ok && last == s.cs.NotInitiated:
			if err := s.t.Write(s.cs.SyncCommand); err != nil {
				return false, err
			}
			syncSent = true
		case ok && last == s.cs.InitError:
			log.Errorf("The interface has reported an error (%#02x), loop increment %v", last, i)
			if err := s.t.Write(reset); err != nil {
				return false, err
			}
			syncSent = false
		default:
			if err := s.t.Write(reset); err != nil {
				return false, err
			}
			syncSent = false
		}
		if _, err := s.t.Read(1, s.timeout); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (s *Session) setState(st State) {
	if s.state != st {
		log.Debugf("State changed: %v --> %v", s.state, st)
	}
	s.state = st
}
