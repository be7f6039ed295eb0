package vogo

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Codec converts between the raw bytes of a command and its typed value.
// Encode returns exactly n bytes.
type Codec interface {
	Decode(u *UnitDefinition, b []byte) (any, error)
	Encode(u *UnitDefinition, v any, n int) ([]byte, error)
}

// Codec returns the codec for values of unit u
func (d *DeviceSet) Codec(u *UnitDefinition) Codec {
	switch u.Type {
	case UnitInteger, UnitList:
		return intCodec{}
	case UnitDateTime:
		return dateTimeBCDCodec{withTime: true}
	case UnitDate:
		return dateTimeBCDCodec{}
	case UnitTimer:
		return timerCodec{}
	case UnitError:
		return lookupCodec{table: d.Errors, width: 1, format: "%02x"}
	case UnitScheme:
		return lookupCodec{table: d.SystemSchemes, width: 1, format: "%02x"}
	case UnitMode:
		return lookupCodec{table: d.OperatingModes, width: 1, format: "%02x"}
	case UnitDeviceType:
		return lookupCodec{table: d.DeviceTypes, width: 2, format: "%04X"}
	case UnitSerial:
		return serialCodec{}
	}
	return nopCodec{}
}

type nopCodec struct{}

func (nopCodec) Decode(u *UnitDefinition, b []byte) (any, error) { return b, nil }
func (nopCodec) Encode(u *UnitDefinition, v any, n int) ([]byte, error) {
	return nil, fmt.Errorf("%w: unit %v can not be encoded", ErrValue, u.Code)
}

// DecodeInt interprets b as little endian integer
func DecodeInt(b []byte, signed bool) int64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	if signed && len(b) > 0 && len(b) < 8 {
		shift := 64 - 8*uint(len(b))
		return int64(v<<shift) >> shift
	}
	return int64(v)
}

// EncodeInt serializes v little endian into n bytes, wrapping modulo 2^(8n)
func EncodeInt(v int64, n int) []byte {
	b := make([]byte, n)
	u := uint64(v)
	for i := 0; i < n; i++ {
		b[i] = byte(u)
		u >>= 8
	}
	return b
}

type intCodec struct{}

func (intCodec) Decode(u *UnitDefinition, b []byte) (any, error) {
	raw := DecodeInt(b, u.Signed)
	if u.Transform == TransformBool {
		return raw != 0, nil
	}
	if div := u.Divisor(); div > 0 {
		return math.Round(float64(raw)/float64(div)*100) / 100, nil
	}
	return raw, nil
}

func (intCodec) Encode(u *UnitDefinition, v any, n int) ([]byte, error) {
	if u.Transform == TransformBool {
		b, err := toBool(v)
		if err != nil {
			return nil, err
		}
		if b {
			return EncodeInt(1, n), nil
		}
		return EncodeInt(0, n), nil
	}

	f, err := toFloat(v)
	if err != nil {
		return nil, err
	}
	if div := u.Divisor(); div > 0 {
		f *= float64(div)
	}
	return EncodeInt(int64(math.Round(f)), n), nil
}

func toFloat(v any) (float64, error) {
	switch v := v.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrValue, v)
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrValue, v)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%w: value must be a basic numeric type, is %T", ErrValue, v)
}

func toBool(v any) (bool, error) {
	switch v := v.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "on", "yes":
			return true, nil
		case "0", "false", "off", "no":
			return false, nil
		}
		return false, fmt.Errorf("%w: %q is not a boolean", ErrValue, v)
	}
	f, err := toFloat(v)
	if err != nil {
		return false, err
	}
	return f != 0, nil
}

// BCD date layout, 8 bytes: YY YY MM DD 0W HH MM SS
const bcdDateLen = 8

func fromBCD(b byte) (int, error) {
	hi, lo := int(b>>4), int(b&0x0f)
	if hi > 9 || lo > 9 {
		return 0, fmt.Errorf("%w: %#02x is not a BCD digit pair", ErrValue, b)
	}
	return hi*10 + lo, nil
}

func toBCD(i int) byte {
	return byte((i/10)<<4 | i%10)
}

// DecodeBCDDate parses the 8 byte BCD layout
func DecodeBCDDate(b []byte) (time.Time, error) {
	if len(b) < bcdDateLen {
		return time.Time{}, fmt.Errorf("%w: BCD date needs %v bytes, got %v", ErrValue, bcdDateLen, len(b))
	}
	var d [bcdDateLen]int
	for i := 0; i < bcdDateLen; i++ {
		v, err := fromBCD(b[i])
		if err != nil {
			return time.Time{}, err
		}
		d[i] = v
	}
	year, month, day, hour, minute, sec := d[0]*100+d[1], d[2], d[3], d[5], d[6], d[7]
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 || sec > 59 {
		return time.Time{}, fmt.Errorf("%w: invalid BCD date '% x'", ErrValue, b[:bcdDateLen])
	}
	return time.Date(year, time.Month(month), day, hour, minute, sec, 0, time.Local), nil
}

// EncodeBCDDate serializes t into the 8 byte BCD layout, including the weekday digit
func EncodeBCDDate(t time.Time) []byte {
	return []byte{
		toBCD(t.Year() / 100),
		toBCD(t.Year() % 100),
		toBCD(int(t.Month())),
		toBCD(t.Day()),
		toBCD(int(t.Weekday())), // Sun=0 ... Sat=6
		toBCD(t.Hour()),
		toBCD(t.Minute()),
		toBCD(t.Second()),
	}
}

var isoLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseISO parses the ISO-8601 forms accepted for date and datetime units
func ParseISO(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.Local(), nil
	}
	for _, l := range isoLayouts {
		if t, err := time.ParseInLocation(l, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: incorrect date format %q, YYYY-MM-DD expected", ErrValue, s)
}

type dateTimeBCDCodec struct {
	withTime bool
}

func (c dateTimeBCDCodec) Decode(u *UnitDefinition, b []byte) (any, error) {
	t, err := DecodeBCDDate(b)
	if err != nil {
		return nil, err
	}
	if c.withTime {
		return t.Format("2006-01-02T15:04:05"), nil
	}
	return t.Format("2006-01-02"), nil
}

func (c dateTimeBCDCodec) Encode(u *UnitDefinition, v any, n int) ([]byte, error) {
	var t time.Time
	switch v := v.(type) {
	case time.Time:
		t = v.Local()
	case string:
		var err error
		if t, err = ParseISO(v); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: value must be an ISO-8601 string, is %T", ErrValue, v)
	}
	if !c.withTime {
		t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.Local)
	}
	return fit(EncodeBCDDate(t), n), nil
}

// fit pads b with zeroes or truncates it to n bytes
func fit(b []byte, n int) []byte {
	if len(b) >= n {
		return b[:n]
	}
	return append(b, make([]byte, n-len(b))...)
}

// A weekday holds up to 4 switching pairs
const timerPairs = 4

// TimerUnused is the byte of an unused switching time
const TimerUnused byte = 0xff

// TimeUnused is the decoded form of an unused or invalid switching time
const TimeUnused = "00:00"

// TimerPair is one on/off switching window
type TimerPair struct {
	On  string `json:"on"`
	Off string `json:"off"`
}

// DecodeTimerByte converts one switching time byte, hour*8 + minute/10, to "HH:MM"
func DecodeTimerByte(b byte) string {
	if b == TimerUnused {
		return TimeUnused
	}
	hours, minutes := int(b)/8, int(b)%8
	if hours >= 24 || minutes >= 6 {
		return TimeUnused
	}
	return fmt.Sprintf("%02d:%02d", hours, minutes*10)
}

var clockTime = regexp.MustCompile(`^(\d\d):(\d\d)$`)

// EncodeTimerByte converts "HH:MM" to a switching time byte. Minutes are truncated to 10.
func EncodeTimerByte(s string) (byte, error) {
	s = strings.TrimSpace(s)
	if s == TimeUnused {
		return TimerUnused, nil
	}
	m := clockTime.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: incorrect switching time %q, hh:mm expected", ErrValue, s)
	}
	h, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	if h > 23 || minute > 59 {
		return 0, fmt.Errorf("%w: switching time %q out of range", ErrValue, s)
	}
	return byte(h*8 + minute/10), nil
}

// DecodeTimer groups the switching time bytes into at most 4 on/off pairs.
// A trailing unpaired byte is ignored.
func DecodeTimer(b []byte) []TimerPair {
	n := len(b) / 2
	if n > timerPairs {
		n = timerPairs
	}
	pairs := make([]TimerPair, n)
	for i := range pairs {
		pairs[i] = TimerPair{On: DecodeTimerByte(b[2*i]), Off: DecodeTimerByte(b[2*i+1])}
	}
	return pairs
}

// EncodeTimer serializes pairs into n bytes. Missing pairs are unused.
func EncodeTimer(pairs []TimerPair, n int) ([]byte, error) {
	b := make([]byte, n)
	for i := range b {
		b[i] = TimerUnused
	}
	for i, p := range pairs {
		if 2*i+1 >= n {
			break
		}
		on, err := EncodeTimerByte(p.On)
		if err != nil {
			return nil, err
		}
		off, err := EncodeTimerByte(p.Off)
		if err != nil {
			return nil, err
		}
		b[2*i], b[2*i+1] = on, off
	}
	return b, nil
}

type timerCodec struct{}

func (timerCodec) Decode(u *UnitDefinition, b []byte) (any, error) {
	return DecodeTimer(b), nil
}

func (timerCodec) Encode(u *UnitDefinition, v any, n int) ([]byte, error) {
	pairs, err := toTimerPairs(v)
	if err != nil {
		return nil, err
	}
	return EncodeTimer(pairs, n)
}

// toTimerPairs accepts []TimerPair or its generic JSON form,
// a list of objects with "on"/"off" (or "An"/"Aus") keys.
func toTimerPairs(v any) ([]TimerPair, error) {
	switch v := v.(type) {
	case []TimerPair:
		return v, nil
	case []any:
		pairs := make([]TimerPair, 0, len(v))
		for _, e := range v {
			m, ok := e.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: timer entry must be an object, is %T", ErrValue, e)
			}
			var p TimerPair
			for k, t := range m {
				s, ok := t.(string)
				if !ok {
					return nil, fmt.Errorf("%w: switching time must be a string, is %T", ErrValue, t)
				}
				switch strings.ToLower(k) {
				case "on", "an":
					p.On = s
				case "off", "aus":
					p.Off = s
				}
			}
			if p.On == "" {
				p.On = TimeUnused
			}
			if p.Off == "" {
				p.Off = TimeUnused
			}
			pairs = append(pairs, p)
		}
		return pairs, nil
	}
	return nil, fmt.Errorf("%w: timer value must be a list of on/off pairs, is %T", ErrValue, v)
}

type lookupCodec struct {
	table  LookupTable
	width  int
	format string
}

func (c lookupCodec) Decode(u *UnitDefinition, b []byte) (any, error) {
	if len(b) < c.width {
		return nil, fmt.Errorf("%w: need %v bytes, got %v", ErrValue, c.width, len(b))
	}
	var code uint16
	for _, x := range b[:c.width] {
		code = code<<8 | uint16(x)
	}
	return c.table.Label(code, c.format), nil
}

func (c lookupCodec) Encode(u *UnitDefinition, v any, n int) ([]byte, error) {
	label, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("%w: value for unit %v must be a label, is %T", ErrValue, u.Code, v)
	}
	code, ok := c.table.Code(label)
	if !ok {
		return nil, fmt.Errorf("%w: %q not defined for unit %v", ErrValue, label, u.Code)
	}
	b := make([]byte, n)
	for i := c.width - 1; i >= 0; i-- {
		if i < n {
			b[i] = byte(code)
		}
		code >>= 8
	}
	return b, nil
}

// DecodeSerial converts the 7 digit bytes of a serial number, least significant last
func DecodeSerial(b []byte) string {
	if len(b) > 7 {
		b = b[:7]
	}
	var n int64
	p := int64(1)
	for i := len(b) - 1; i >= 0; i-- {
		n += (int64(b[i]) - '0') * p
		p *= 10
	}
	return fmt.Sprintf("%#X", n)
}

type serialCodec struct{}

func (serialCodec) Decode(u *UnitDefinition, b []byte) (any, error) {
	return DecodeSerial(b), nil
}

func (serialCodec) Encode(u *UnitDefinition, v any, n int) ([]byte, error) {
	return nil, fmt.Errorf("%w: serial numbers are read-only", ErrValue)
}
