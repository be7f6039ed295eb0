package vogo

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Morg42/viessmann/pkg/optolink"
)

// AddressT is a 2 byte command address
type AddressT uint16

func (a AddressT) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("\"0x%04X\"", uint16(a))), nil
}

// UnmarshalJSON accepts the "0x0800" form of MarshalJSON as well as plain numbers
func (a *AddressT) UnmarshalJSON(b []byte) error {
	var i uint16
	if err := json.Unmarshal(b, &i); err == nil {
		*a = AddressT(i)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("invalid address %s", b)
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 16)
	if err != nil {
		return fmt.Errorf("invalid address %q", s)
	}
	*a = AddressT(v)
	return nil
}

func (a AddressT) String() string {
	return fmt.Sprintf("0x%04X", uint16(a))
}

// UnmarshalYAML accepts plain integers (0x0800) as well as hex strings ("0800")
func (a *AddressT) UnmarshalYAML(n *yaml.Node) error {
	var i uint16
	if err := n.Decode(&i); err == nil {
		*a = AddressT(i)
		return nil
	}
	s := strings.TrimPrefix(strings.ToLower(n.Value), "0x")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return fmt.Errorf("line %v: invalid address %q", n.Line, n.Value)
	}
	*a = AddressT(v)
	return nil
}

// UnitType is the semantic type of a unit
type UnitType string

const (
	UnitInteger    UnitType = "integer"
	UnitList       UnitType = "list"
	UnitDateTime   UnitType = "datetime"
	UnitDate       UnitType = "date"
	UnitTimer      UnitType = "timer"
	UnitError      UnitType = "error"
	UnitScheme     UnitType = "scheme"
	UnitMode       UnitType = "mode"
	UnitDeviceType UnitType = "devicetype"
	UnitSerial     UnitType = "serial"
)

// Transforms of integer units besides a numeric divisor
const (
	TransformNone = "non"
	TransformBool = "bool"
)

// UnitDefinition describes how the raw bytes of a command are interpreted
type UnitDefinition struct {
	Code      string   `yaml:"-" json:"code"`
	Type      UnitType `yaml:"type" json:"type"`
	Signed    bool     `yaml:"signed" json:"signed"`
	Transform string   `yaml:"transform" json:"transform"`
}

// Divisor returns the scale divisor of the unit, 0 if it is not scaled
func (u *UnitDefinition) Divisor() int {
	d, err := strconv.Atoi(u.Transform)
	if err != nil || d <= 0 {
		return 0
	}
	return d
}

func (u *UnitDefinition) validate() error {
	switch u.Type {
	case UnitInteger, UnitList:
		if u.Transform != TransformNone && u.Transform != TransformBool && u.Divisor() == 0 {
			return fmt.Errorf("unit %v: invalid transform %q", u.Code, u.Transform)
		}
	case UnitDateTime, UnitDate, UnitTimer, UnitError, UnitScheme, UnitMode, UnitDeviceType, UnitSerial:
	default:
		return fmt.Errorf("unit %v: unknown type %q", u.Code, u.Type)
	}
	return nil
}

// lengthBounds returns the allowed value lengths of commands using the unit
func (u *UnitDefinition) lengthBounds() (int, int) {
	switch u.Type {
	case UnitInteger, UnitList:
		return 1, 8
	case UnitDateTime, UnitDate:
		return 8, 8
	case UnitTimer:
		return 2, 2 * timerPairs
	case UnitDeviceType:
		return 2, 8
	case UnitSerial:
		return 7, 7
	}
	return 1, 255
}

// CommandDefinition is one addressable value of a device
type CommandDefinition struct {
	Name     string   `yaml:"-" json:"name"`
	Address  AddressT `yaml:"address" json:"address"`
	Length   int      `yaml:"length" json:"length"`
	Unit     string   `yaml:"unit" json:"unit"`
	Writable bool     `yaml:"writable" json:"writable"`
	Min      *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max      *float64 `yaml:"max,omitempty" json:"max,omitempty"`
}

// LookupTable maps enumerated codes to labels
type LookupTable map[uint16]string

// Label returns the label of code. A miss yields the code itself, formatted with format.
func (t LookupTable) Label(code uint16, format string) string {
	if l, ok := t[code]; ok {
		return l
	}
	return fmt.Sprintf(format, code)
}

// Code is the reverse lookup of Label. Duplicate labels resolve to the lowest code.
func (t LookupTable) Code(label string) (uint16, bool) {
	found := false
	var code uint16
	for c, l := range t {
		if l == label && (!found || c < code) {
			code, found = c, true
		}
	}
	return code, found
}

// DeviceDefinition holds the device dependent part of a catalog
type DeviceDefinition struct {
	Commands       map[string]*CommandDefinition `yaml:"commands"`
	OperatingModes LookupTable                   `yaml:"operating_modes"`
	SystemSchemes  LookupTable                   `yaml:"system_schemes"`
}

// Catalog is the complete, unvalidated content of a catalog file.
// Use Device to obtain a validated DeviceSet.
type Catalog struct {
	Protocols   map[optolink.Protocol]*optolink.ControlSet      `yaml:"protocols"`
	Units       map[optolink.Protocol]map[string]*UnitDefinition `yaml:"units"`
	Errors      map[optolink.Protocol]LookupTable                `yaml:"errors"`
	Devices     map[string]*DeviceDefinition                     `yaml:"devices"`
	DeviceTypes LookupTable                                      `yaml:"device_types"`
}

// DeviceTypeNames returns the names of all devices in the catalog, sorted
func (c *Catalog) DeviceTypeNames() []string {
	var names []string
	for n := range c.Devices {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Device returns the validated, immutable set of tables for deviceType spoken over protocol.
// All problems found are reported at once.
func (c *Catalog) Device(protocol optolink.Protocol, deviceType string) (*DeviceSet, error) {
	var errs []error

	cs, ok := c.Protocols[protocol]
	if !ok || cs == nil {
		errs = append(errs, fmt.Errorf("no control set for protocol %v", protocol))
	} else if err := cs.Validate(); err != nil {
		errs = append(errs, err)
	}
	units, ok := c.Units[protocol]
	if !ok {
		errs = append(errs, fmt.Errorf("no unit set for protocol %v", protocol))
	}
	errorSet, ok := c.Errors[protocol]
	if !ok {
		errs = append(errs, fmt.Errorf("no error set for protocol %v", protocol))
	}
	dev, ok := c.Devices[deviceType]
	if !ok || dev == nil {
		errs = append(errs, fmt.Errorf("no command set for device type %v", deviceType))
		return nil, errors.Join(errs...)
	}
	if dev.OperatingModes == nil {
		errs = append(errs, fmt.Errorf("no operating modes for device type %v", deviceType))
	}
	if dev.SystemSchemes == nil {
		errs = append(errs, fmt.Errorf("no system schemes for device type %v", deviceType))
	}
	if len(dev.Commands) == 0 {
		errs = append(errs, fmt.Errorf("empty command set for device type %v", deviceType))
	}

	for code, u := range units {
		if u == nil {
			errs = append(errs, fmt.Errorf("unit %v: empty definition", code))
			continue
		}
		if err := u.validate(); err != nil {
			errs = append(errs, err)
		}
	}

	ds := &DeviceSet{
		Protocol:       protocol,
		Type:           deviceType,
		Control:        cs,
		Errors:         errorSet,
		OperatingModes: dev.OperatingModes,
		SystemSchemes:  dev.SystemSchemes,
		DeviceTypes:    c.DeviceTypes,
		units:          units,
		commands:       make(map[string]*CommandDefinition, len(dev.Commands)),
		byAddress:      make(map[AddressT]*CommandDefinition, len(dev.Commands)),
	}

	for _, cmd := range sortedCommands(dev.Commands) {
		u, ok := units[cmd.Unit]
		if !ok || u == nil {
			errs = append(errs, fmt.Errorf("command %v: unknown unit %q", cmd.Name, cmd.Unit))
			continue
		}
		if lo, hi := u.lengthBounds(); cmd.Length < lo || cmd.Length > hi {
			errs = append(errs, fmt.Errorf("command %v: length %v does not fit unit %v (%v..%v)", cmd.Name, cmd.Length, u.Code, lo, hi))
		}
		if u.Type == UnitTimer && cmd.Length%2 != 0 {
			errs = append(errs, fmt.Errorf("command %v: timer length must be even, is %v", cmd.Name, cmd.Length))
		}
		if cmd.Min != nil && cmd.Max != nil && *cmd.Min > *cmd.Max {
			errs = append(errs, fmt.Errorf("command %v: min %v > max %v", cmd.Name, *cmd.Min, *cmd.Max))
		}
		if other, dup := ds.byAddress[cmd.Address]; dup {
			errs = append(errs, fmt.Errorf("command %v: address %v already used by %v", cmd.Name, cmd.Address, other.Name))
			continue
		}
		ds.commands[cmd.Name] = cmd
		ds.byAddress[cmd.Address] = cmd
		ds.names = append(ds.names, cmd.Name)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("device set %v/%v: %w", protocol, deviceType, err)
	}
	return ds, nil
}

func sortedCommands(m map[string]*CommandDefinition) []*CommandDefinition {
	var cmds []*CommandDefinition
	for name, c := range m {
		if c == nil {
			c = &CommandDefinition{Name: name}
		}
		cmds = append(cmds, c)
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
	return cmds
}

// DeviceSet holds the validated tables for one protocol and device type.
// It must not be modified after Catalog.Device returned it.
type DeviceSet struct {
	Protocol       optolink.Protocol
	Type           string
	Control        *optolink.ControlSet
	Errors         LookupTable
	OperatingModes LookupTable
	SystemSchemes  LookupTable
	DeviceTypes    LookupTable

	units     map[string]*UnitDefinition
	commands  map[string]*CommandDefinition
	byAddress map[AddressT]*CommandDefinition
	names     []string
}

// Command looks up a command by name
func (d *DeviceSet) Command(name string) (*CommandDefinition, error) {
	c, ok := d.commands[name]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownCommand, name)
	}
	return c, nil
}

// CommandAt looks up a command by address
func (d *DeviceSet) CommandAt(addr AddressT) (*CommandDefinition, error) {
	c, ok := d.byAddress[addr]
	if !ok {
		return nil, fmt.Errorf("%w: no command at address %v", ErrUnknownCommand, addr)
	}
	return c, nil
}

// Commands returns all commands sorted by name
func (d *DeviceSet) Commands() []*CommandDefinition {
	cmds := make([]*CommandDefinition, 0, len(d.names))
	for _, n := range d.names {
		cmds = append(cmds, d.commands[n])
	}
	return cmds
}

// Unit returns the unit of c. c must belong to d.
func (d *DeviceSet) Unit(c *CommandDefinition) *UnitDefinition {
	return d.units[c.Unit]
}
