// Package devicesim simulates a heating controller behind an Optolink adapter.
// It speaks P300 or KW on top of a flat 16 bit address space.
package devicesim

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Morg42/viessmann/pkg/optolink"
)

// MemMap holds the data of the simulated address space
type MemMap map[uint16]*MemType

// MemType is one byte of the address space, with the time it was last written
type MemType struct {
	Data      byte
	WriteTime time.Time
}

// Behavior switches the simulated device into misbehaving modes
type Behavior struct {
	// InitError answers every reset and sync with the init error byte
	InitError bool
	// Mute never answers anything
	Mute bool
	// ErrorAddresses answer requests with an error response (P300) or a failed write status (KW)
	ErrorAddresses map[uint16]bool
	// BadChecksum corrupts the checksum of every P300 response
	BadChecksum bool
	// ReadOnly rejects all writes
	ReadOnly bool
}

// Stats counts what the device received
type Stats struct {
	Resets   int
	Syncs    int
	Reads    int
	Writes   int
	Rejected int
}

// Device is a simulated controller. It is safe for concurrent use.
type Device struct {
	mu sync.Mutex

	cs       *optolink.ControlSet
	mem      MemMap
	behavior Behavior
	stats    Stats

	initialized bool
	in          []byte
}

// New creates a device speaking the protocol of cs
func New(cs *optolink.ControlSet) *Device {
	return &Device{cs: cs, mem: make(MemMap)}
}

// SetBehavior replaces the current Behavior
func (d *Device) SetBehavior(b Behavior) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.behavior = b
}

// Stats returns a copy of the request counters
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Forget drops the P300 initialization, as a controller does after a long pause
func (d *Device) Forget() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initialized = false
}

// Load stores b at addr and the following addresses
func (d *Device) Load(addr uint16, b ...byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.store(addr, b)
}

// Bytes returns n bytes starting at addr. Unset addresses read as zero.
func (d *Device) Bytes(addr uint16, n int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fetch(addr, n)
}

func (d *Device) store(addr uint16, b []byte) {
	now := time.Now()
	for i, v := range b {
		d.mem[addr+uint16(i)] = &MemType{Data: v, WriteTime: now}
	}
}

func (d *Device) fetch(addr uint16, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		if m, ok := d.mem[addr+uint16(i)]; ok {
			b[i] = m.Data
		}
	}
	return b
}

// Greeting returns what the device sends right after a connection is made
func (d *Device) Greeting() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.behavior.Mute {
		return nil
	}
	if d.cs.Protocol.Framed() {
		return nil
	}
	return []byte{d.cs.NotInitiated}
}

// Process consumes bytes sent to the device and returns its answer.
// Incomplete packets are buffered until the rest arrives.
func (d *Device) Process(b []byte) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.in = append(d.in, b...)
	var out []byte
	for len(d.in) > 0 {
		var resp []byte
		var used int
		if d.cs.Protocol.Framed() {
			resp, used = d.processP300()
		} else {
			resp, used = d.processKW()
		}
		if used == 0 {
			break
		}
		d.in = d.in[used:]
		out = append(out, resp...)
	}
	if d.behavior.Mute {
		return nil
	}
	if len(out) > 0 {
		log.Debugf("devicesim: in='% x' out='% x'", b, out)
	}
	return out
}

func (d *Device) processP300() ([]byte, int) {
	cs := d.cs
	switch d.in[0] {
	case cs.ResetCommand:
		d.stats.Resets++
		d.initialized = false
		if d.behavior.InitError {
			return []byte{cs.InitError}, 1
		}
		return []byte{cs.NotInitiated}, 1
	case cs.SyncCommand[0]:
		if len(d.in) < len(cs.SyncCommand) {
			return nil, 0
		}
		d.stats.Syncs++
		if d.behavior.InitError {
			return []byte{cs.InitError}, len(cs.SyncCommand)
		}
		d.initialized = true
		return []byte{cs.Acknowledge}, len(cs.SyncCommand)
	case cs.StartByte:
		if len(d.in) < 2 {
			return nil, 0
		}
		n := 2 + int(d.in[1]) + 1
		if len(d.in) < n {
			return nil, 0
		}
		return d.frameP300(d.in[:n]), n
	}
	log.Debugf("devicesim: ignoring byte %#02x", d.in[0])
	return nil, 1
}

func (d *Device) frameP300(f []byte) []byte {
	cs := d.cs
	if !d.initialized {
		return []byte{cs.NotInitiated}
	}
	crc, _ := optolink.Checksum(cs, f[:len(f)-1])
	if crc != f[len(f)-1] {
		d.stats.Rejected++
		return []byte{cs.InitError}
	}

	op := f[3]
	addr := uint16(f[4])<<8 | uint16(f[5])
	count := int(f[6])

	resp := []byte{cs.StartByte, 0, cs.Response, op, f[4], f[5], f[6]}
	switch {
	case d.behavior.ErrorAddresses[addr]:
		d.stats.Rejected++
		resp[2] = cs.Error
	case op == cs.Read:
		d.stats.Reads++
		resp = append(resp, d.fetch(addr, count)...)
	case op == cs.Write && d.behavior.ReadOnly:
		d.stats.Rejected++
		resp[2] = cs.Error
	case op == cs.Write:
		d.stats.Writes++
		d.store(addr, f[7:7+count])
	default:
		d.stats.Rejected++
		resp[2] = cs.Error
	}
	resp[1] = byte(len(resp) - 2)
	crc, _ = optolink.Checksum(cs, resp)
	if d.behavior.BadChecksum {
		crc++
	}
	resp = append(resp, crc)
	return append([]byte{cs.Acknowledge}, resp...)
}

func (d *Device) processKW() ([]byte, int) {
	cs := d.cs
	if d.in[0] != cs.StartByte {
		if d.in[0] == cs.ResetCommand {
			d.stats.Resets++
		}
		return nil, 1
	}
	if len(d.in) < 5 {
		return nil, 0
	}
	op := d.in[1]
	addr := uint16(d.in[2])<<8 | uint16(d.in[3])
	count := int(d.in[4])

	switch op {
	case cs.Read:
		d.stats.Reads++
		return append(d.fetch(addr, count), cs.NotInitiated), 5
	case cs.Write:
		if len(d.in) < 5+count {
			return nil, 0
		}
		if d.behavior.ReadOnly || d.behavior.ErrorAddresses[addr] {
			d.stats.Rejected++
			return []byte{cs.WriteAck + 1, cs.NotInitiated}, 5 + count
		}
		d.stats.Writes++
		d.store(addr, d.in[5:5+count])
		return []byte{cs.WriteAck, cs.NotInitiated}, 5 + count
	}
	log.Debugf("devicesim: unknown KW opcode %#02x", op)
	return nil, 1
}

func (d *Device) String() string {
	return fmt.Sprintf("devicesim(%v)", d.cs.Protocol)
}
