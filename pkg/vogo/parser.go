package vogo

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/Morg42/viessmann/pkg/optolink"
)

// Pending is the outstanding request a response belongs to.
// KW responses carry neither address nor role, so both come from here.
type Pending struct {
	Command *CommandDefinition
	Role    optolink.Role
}

// Result is a parsed response
type Result struct {
	Command *CommandDefinition
	Role    optolink.Role
	Value   any
	Raw     []byte
}

type frame struct {
	address AddressT
	role    optolink.Role
	failed  bool
	payload []byte
}

// Parser turns raw responses into values and routes them to the sink and the timer accumulator
type Parser struct {
	dev    *DeviceSet
	sink   ItemSink
	timers *TimerSync
}

// NewParser creates a Parser. sink and timers may be nil.
func NewParser(dev *DeviceSet, sink ItemSink, timers *TimerSync) *Parser {
	if sink == nil {
		sink = nopSink{}
	}
	return &Parser{dev: dev, sink: sink, timers: timers}
}

// split extracts address, role and payload of a response
func (p *Parser) split(raw []byte, req Pending) (frame, error) {
	cs := p.dev.Control
	if !cs.Protocol.Framed() {
		f := frame{address: req.Command.Address, role: req.Role, payload: raw}
		if req.Role == optolink.RoleWriteStatus {
			f.failed = len(raw) != 1 || raw[0] != cs.WriteAck
			f.payload = nil
		}
		return f, nil
	}

	// ACK Start Len Type Op AddrHi AddrLo Count Payload... Checksum
	if len(raw) < 9 {
		return frame{}, fmt.Errorf("%w: truncated response '% x'", optolink.ErrProtocol, raw)
	}
	f := frame{
		address: AddressT(raw[5])<<8 | AddressT(raw[6]),
		failed:  raw[3] == cs.Error,
	}
	switch raw[4] {
	case cs.Read:
		f.role = optolink.RoleReadValue
		count := int(raw[7])
		if 8+count > len(raw)-1 {
			return frame{}, fmt.Errorf("%w: response announces %v value bytes, has %v", optolink.ErrProtocol, count, len(raw)-9)
		}
		f.payload = raw[8 : 8+count]
	case cs.Write:
		f.role = optolink.RoleWriteStatus
	default:
		return frame{}, fmt.Errorf("%w: unexpected opcode %#02x in response", optolink.ErrProtocol, raw[4])
	}
	return f, nil
}

// Parse decodes raw, the response to req, and delivers the value
func (p *Parser) Parse(raw []byte, req Pending) (Result, error) {
	f, err := p.split(raw, req)
	if err != nil {
		log.Error(err)
		return Result{}, err
	}
	log.Debugf("Response decoded to: address: %v, role: %v, failed: %v, payload: '% x'", f.address, f.role, f.failed, f.payload)

	cmd, err := p.dev.CommandAt(f.address)
	if err != nil {
		log.Error(err)
		return Result{}, err
	}
	res := Result{Command: cmd, Role: f.role, Raw: raw}

	if f.role == optolink.RoleWriteStatus {
		if f.failed {
			log.Errorf("Write request of address %v NOT successful", cmd.Address)
			return res, fmt.Errorf("%w: %v", ErrWriteFailed, cmd.Name)
		}
		log.Infof("Write request of address %v successful writing %v bytes", cmd.Address, cmd.Length)
		return res, nil
	}

	if f.failed {
		err := fmt.Errorf("%w: device returned error for %v", optolink.ErrProtocol, cmd.Name)
		log.Error(err)
		return res, err
	}
	if len(f.payload) != cmd.Length {
		err := fmt.Errorf("%w: %v expects %v value bytes, got %v", optolink.ErrProtocol, cmd.Name, cmd.Length, len(f.payload))
		log.Error(err)
		return res, err
	}

	u := p.dev.Unit(cmd)
	v, err := p.dev.Codec(u).Decode(u, f.payload)
	if err != nil {
		log.Errorf("Decoding %v failed: %v", cmd.Name, err)
		return res, err
	}
	log.Debugf("Matched command %v and read value %v", cmd.Name, v)
	res.Value = v

	p.sink.UpdateItem(cmd.Name, v)
	if pairs, ok := v.([]TimerPair); ok && p.timers != nil {
		p.timers.Accumulate(cmd.Name, pairs)
	}
	return res, nil
}
