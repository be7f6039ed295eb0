package optolink

import (
	"fmt"
	"strings"

	"github.com/tarm/serial"
)

// Protocol names one of the supported Optolink framing variants
type Protocol string

const (
	// P300 is the framed, checksummed protocol with an explicit handshake
	P300 Protocol = "P300"
	// KW is the older unframed protocol, synchronized by a 0x05 from the device
	KW Protocol = "KW"
)

// Framed reports whether packets of the protocol carry header and checksum
func (p Protocol) Framed() bool {
	return p == P300
}

// ControlSet holds the wire constants of one protocol variant.
// The values are configuration; DefaultControlSets only provides the usual ones.
type ControlSet struct {
	Protocol Protocol `yaml:"-" json:"protocol"`

	Baudrate int    `yaml:"baudrate" json:"baudrate"`
	Parity   string `yaml:"parity" json:"parity"`
	Bytesize int    `yaml:"bytesize" json:"bytesize"`
	Stopbits int    `yaml:"stopbits" json:"stopbits"`

	StartByte    byte `yaml:"start_byte" json:"start_byte"`
	Request      byte `yaml:"request" json:"request"`
	Response     byte `yaml:"response" json:"response"`
	Error        byte `yaml:"error" json:"error"`
	Read         byte `yaml:"read" json:"read"`
	Write        byte `yaml:"write" json:"write"`
	FunctionCall byte `yaml:"function_call" json:"function_call"`

	Acknowledge  byte `yaml:"acknowledge" json:"acknowledge"`
	NotInitiated byte `yaml:"not_initiated" json:"not_initiated"`
	InitError    byte `yaml:"init_error" json:"init_error"`
	ResetCommand byte `yaml:"reset_command" json:"reset_command"`
	// SyncCommand is sent as is, SYN NUL NUL for P300
	SyncCommand []byte `yaml:"sync_command" json:"sync_command"`
	// WriteAck is the KW status byte of a successful write
	WriteAck byte `yaml:"write_ack" json:"write_ack"`

	CommandBytesRead  int `yaml:"command_bytes_read" json:"command_bytes_read"`
	CommandBytesWrite int `yaml:"command_bytes_write" json:"command_bytes_write"`
}

// DefaultControlSets returns fresh copies of the control sets for P300 and KW
func DefaultControlSets() map[Protocol]*ControlSet {
	return map[Protocol]*ControlSet{
		P300: {
			Protocol:          P300,
			Baudrate:          4800,
			Parity:            "E",
			Bytesize:          8,
			Stopbits:          2,
			StartByte:         0x41,
			Request:           0x00,
			Response:          0x01,
			Error:             0x03,
			Read:              0x01,
			Write:             0x02,
			FunctionCall:      0x07,
			Acknowledge:       0x06,
			NotInitiated:      0x05,
			InitError:         0x15,
			ResetCommand:      0x04,
			SyncCommand:       []byte{0x16, 0x00, 0x00},
			CommandBytesRead:  5,
			CommandBytesWrite: 5,
		},
		KW: {
			Protocol:     KW,
			Baudrate:     4800,
			Parity:       "E",
			Bytesize:     8,
			Stopbits:     2,
			StartByte:    0x01,
			Read:         0xf7,
			Write:        0xf4,
			Acknowledge:  0x01,
			NotInitiated: 0x05,
			ResetCommand: 0x04,
			WriteAck:     0x00,
		},
	}
}

// Validate checks that the control set can be used to build and parse packets
func (cs *ControlSet) Validate() error {
	switch cs.Protocol {
	case P300:
		if cs.CommandBytesRead <= 0 || cs.CommandBytesWrite <= 0 {
			return fmt.Errorf("control set %v: command byte counts must be positive", cs.Protocol)
		}
		if len(cs.SyncCommand) == 0 {
			return fmt.Errorf("control set %v: missing sync command", cs.Protocol)
		}
	case KW:
	default:
		return fmt.Errorf("unknown protocol %q", cs.Protocol)
	}
	if cs.Baudrate <= 0 {
		return fmt.Errorf("control set %v: invalid baudrate %v", cs.Protocol, cs.Baudrate)
	}
	if _, err := cs.parity(); err != nil {
		return err
	}
	if _, err := cs.stopBits(); err != nil {
		return err
	}
	if cs.Read == cs.Write {
		return fmt.Errorf("control set %v: read and write opcodes are equal (%#x)", cs.Protocol, cs.Read)
	}
	return nil
}

func (cs *ControlSet) parity() (serial.Parity, error) {
	switch strings.ToUpper(cs.Parity) {
	case "N", "NONE":
		return serial.ParityNone, nil
	case "E", "EVEN":
		return serial.ParityEven, nil
	case "O", "ODD":
		return serial.ParityOdd, nil
	case "M", "MARK":
		return serial.ParityMark, nil
	case "S", "SPACE":
		return serial.ParitySpace, nil
	}
	return 0, fmt.Errorf("control set %v: invalid parity %q", cs.Protocol, cs.Parity)
}

func (cs *ControlSet) stopBits() (serial.StopBits, error) {
	switch cs.Stopbits {
	case 1:
		return serial.Stop1, nil
	case 2:
		return serial.Stop2, nil
	case 15:
		return serial.Stop1Half, nil
	}
	return 0, fmt.Errorf("control set %v: invalid stop bits %v", cs.Protocol, cs.Stopbits)
}
