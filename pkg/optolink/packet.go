package optolink

import (
	log "github.com/sirupsen/logrus"
)

// Role tells how the response to a request has to be read and interpreted.
// KW responses carry no header, so the role must be known when dispatching.
type Role byte

const (
	// RoleReadValue expects the value bytes of the addressed command
	RoleReadValue Role = iota
	// RoleWriteStatus expects the acknowledgement of a write
	RoleWriteStatus
)

func (r Role) String() string {
	if r == RoleWriteStatus {
		return "write"
	}
	return "read"
}

// Checksum computes the P300 checksum of b: the sum of all bytes but the start byte, modulo 256.
// It is only defined for packets starting with cs.StartByte.
func Checksum(cs *ControlSet, b []byte) (byte, error) {
	if len(b) == 0 {
		log.Error("No bytes to calculate checksum from")
		return 0, ErrNoStartByte
	}
	if b[0] != cs.StartByte {
		log.Errorf("Bytes to calculate checksum from not starting with start byte: '% x'", b)
		return 0, ErrNoStartByte
	}
	return crc8(b[1:]), nil
}

func crc8(b []byte) byte {
	crc := byte(0)
	for i := 0; i < len(b); i++ {
		crc += b[i]
	}
	return crc
}

// BuildReadPacket serializes a read request for valueLen bytes at address.
//
//	P300: StartByte Length Request Read AddrHi AddrLo ValueLen Checksum
//	KW:   StartByte Read AddrHi AddrLo ValueLen
func BuildReadPacket(cs *ControlSet, address uint16, valueLen int) []byte {
	b := []byte{cs.StartByte}
	if cs.Protocol.Framed() {
		b = append(b, byte(cs.CommandBytesRead), cs.Request)
	}
	b = append(b, cs.Read, byte(address>>8), byte(address), byte(valueLen))
	if cs.Protocol.Framed() {
		b = append(b, crc8(b[1:]))
	}
	return b
}

// BuildWritePacket serializes a write request carrying value to address.
//
//	P300: StartByte Length Request Write AddrHi AddrLo ValueLen Value... Checksum
//	KW:   StartByte Write AddrHi AddrLo ValueLen Value...
//
// signed only describes the value; the length byte itself is always unsigned.
func BuildWritePacket(cs *ControlSet, address uint16, value []byte, signed bool) []byte {
	b := []byte{cs.StartByte}
	if cs.Protocol.Framed() {
		b = append(b, byte(cs.CommandBytesWrite+len(value)), cs.Request)
	}
	b = append(b, cs.Write, byte(address>>8), byte(address), byte(len(value)))
	b = append(b, value...)
	if cs.Protocol.Framed() {
		b = append(b, crc8(b[1:]))
	}
	log.Debugf("Built write packet for %#04x (signed=%v): '% x'", address, signed, b)
	return b
}

// ResponseLen returns the number of bytes the device answers with.
// For P300 this includes the leading acknowledge byte and the checksum.
func ResponseLen(cs *ControlSet, valueLen int, role Role) int {
	if cs.Protocol.Framed() {
		if role == RoleWriteStatus {
			return cs.CommandBytesRead + 4
		}
		return cs.CommandBytesRead + 4 + valueLen
	}
	if role == RoleWriteStatus {
		return 1
	}
	return valueLen
}
