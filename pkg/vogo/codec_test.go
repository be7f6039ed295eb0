package vogo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Morg42/viessmann/pkg/optolink"
)

func TestDecodeInt(t *testing.T) {
	assert.Equal(t, int64(300), DecodeInt([]byte{0x2c, 0x01}, false))
	assert.Equal(t, int64(65535), DecodeInt([]byte{0xff, 0xff}, false))
	assert.Equal(t, int64(-1), DecodeInt([]byte{0xff, 0xff}, true))
	assert.Equal(t, int64(-45), DecodeInt([]byte{0xd3, 0xff}, true))
	assert.Equal(t, int64(127), DecodeInt([]byte{0x7f}, true))
	assert.Equal(t, int64(-128), DecodeInt([]byte{0x80}, true))
}

func TestEncodeIntRoundTrip(t *testing.T) {
	for _, n := range []int{1, 2, 4} {
		bits := uint(8 * n)
		for _, v := range []int64{0, 1, 42, 127, -1, -45, -128, 1<<(bits-1) - 1, -(1 << (bits - 1))} {
			b := EncodeInt(v, n)
			require.Len(t, b, n)
			assert.Equal(t, v, DecodeInt(b, true), "n=%v v=%v", n, v)
		}
		for _, v := range []int64{0, 1, 200, 1<<bits - 1} {
			assert.Equal(t, v, DecodeInt(EncodeInt(v, n), false), "n=%v v=%v", n, v)
		}
	}
	// wraps modulo 2^(8n)
	assert.Equal(t, []byte{0x2c}, EncodeInt(300, 1))
}

func TestIntCodec(t *testing.T) {
	ds := deviceSet(t, optolink.P300)
	c := intCodec{}

	is10 := ds.units["IS10"]
	v, err := c.Decode(is10, []byte{0xd3, 0xff})
	require.NoError(t, err)
	assert.Equal(t, -4.5, v)
	b, err := c.Encode(is10, -4.5, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xd3, 0xff}, b)
	b, err = c.Encode(is10, "21.7", 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xd9, 0x00}, b)

	iu3600 := ds.units["IU3600"]
	v, err = c.Decode(iu3600, EncodeInt(5400, 4))
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)

	iubool := ds.units["IUBOOL"]
	v, err = c.Decode(iubool, []byte{0x01})
	require.NoError(t, err)
	assert.Equal(t, true, v)
	b, err = c.Encode(iubool, "off", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00}, b)

	iunon := ds.units["IUNON"]
	v, err = c.Decode(iunon, []byte{0x2c, 0x01})
	require.NoError(t, err)
	assert.Equal(t, int64(300), v)

	_, err = c.Encode(iunon, "warm", 1)
	assert.ErrorIs(t, err, ErrValue)
	_, err = c.Encode(iunon, []int{1}, 1)
	assert.ErrorIs(t, err, ErrValue)
}

func TestTimerByte(t *testing.T) {
	assert.Equal(t, "04:30", DecodeTimerByte(0x23))
	assert.Equal(t, "00:00", DecodeTimerByte(0xff))
	assert.Equal(t, "00:00", DecodeTimerByte(24*8))
	assert.Equal(t, "00:00", DecodeTimerByte(0x06))
	assert.Equal(t, "23:50", DecodeTimerByte(23*8+5))

	b, err := EncodeTimerByte("04:30")
	require.NoError(t, err)
	assert.Equal(t, byte(0x23), b)
	b, err = EncodeTimerByte("00:00")
	require.NoError(t, err)
	assert.Equal(t, TimerUnused, b)
	b, err = EncodeTimerByte("06:35")
	require.NoError(t, err)
	assert.Equal(t, byte(6*8+3), b)

	for _, s := range []string{"4:30", "24:00", "12:60", "noon", ""} {
		_, err := EncodeTimerByte(s)
		assert.ErrorIs(t, err, ErrValue, s)
	}
}

func TestTimerByteRoundTrip(t *testing.T) {
	n := 0
	for i := 1; i < 0xff; i++ {
		b := byte(i)
		if b/8 >= 24 || b%8 >= 6 {
			continue
		}
		got, err := EncodeTimerByte(DecodeTimerByte(b))
		require.NoError(t, err)
		assert.Equal(t, b, got, "%#02x", b)
		n++
	}
	assert.Equal(t, 24*6-1, n)

	// 00:00 means unused, midnight becomes the sentinel
	got, err := EncodeTimerByte(DecodeTimerByte(0x00))
	require.NoError(t, err)
	assert.Equal(t, TimerUnused, got)
}

func TestTimerCodec(t *testing.T) {
	b := []byte{0x30, 0xb0, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	pairs := DecodeTimer(b)
	require.Len(t, pairs, 4)
	assert.Equal(t, TimerPair{On: "06:00", Off: "22:00"}, pairs[0])
	assert.Equal(t, TimerPair{On: "00:00", Off: "00:00"}, pairs[3])

	enc, err := EncodeTimer(pairs, 8)
	require.NoError(t, err)
	assert.Equal(t, b, enc)

	// short lists are padded with unused times
	enc, err = EncodeTimer(pairs[:1], 8)
	require.NoError(t, err)
	assert.Equal(t, b, enc)

	// generic JSON form
	v, err := timerCodec{}.Encode(nil, []any{map[string]any{"An": "06:00", "Aus": "22:00"}}, 8)
	require.NoError(t, err)
	assert.Equal(t, b, v)

	_, err = timerCodec{}.Encode(nil, "06:00-22:00", 8)
	assert.ErrorIs(t, err, ErrValue)

	b = []byte{0x23, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	assert.Equal(t, []TimerPair{
		{On: "04:30", Off: "00:00"},
		{On: "00:00", Off: "00:00"},
		{On: "00:00", Off: "00:00"},
		{On: "00:00", Off: "00:00"},
	}, DecodeTimer(b))
	enc, err = EncodeTimer(DecodeTimer(b), 8)
	require.NoError(t, err)
	assert.Equal(t, b, enc)
}

func TestBCDDateAllWeekdays(t *testing.T) {
	monday := time.Date(2024, 3, 4, 13, 45, 12, 0, time.Local)
	for i := 0; i < 7; i++ {
		d := monday.AddDate(0, 0, i)
		b := EncodeBCDDate(d)
		require.Len(t, b, bcdDateLen)
		assert.Equal(t, byte((i+1)%7), b[4], d.Weekday().String())

		got, err := DecodeBCDDate(b)
		require.NoError(t, err)
		assert.True(t, d.Equal(got), "%v != %v", d, got)
	}
	assert.Equal(t, []byte{0x20, 0x24, 0x03, 0x04, 0x01, 0x13, 0x45, 0x12}, EncodeBCDDate(monday))
}

func TestDateCodec(t *testing.T) {
	dt := dateTimeBCDCodec{withTime: true}
	b, err := dt.Encode(nil, "2024-03-09T08:15:00", 8)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x20, 0x24, 0x03, 0x09, 0x06, 0x08, 0x15, 0x00}, b)
	v, err := dt.Decode(nil, b)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-09T08:15:00", v)

	d := dateTimeBCDCodec{}
	b, err = d.Encode(nil, "2024-03-10", 8)
	require.NoError(t, err)
	// Sunday is 0
	assert.Equal(t, []byte{0x20, 0x24, 0x03, 0x10, 0x00, 0x00, 0x00, 0x00}, b)
	v, err = d.Decode(nil, b)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-10", v)

	_, err = d.Encode(nil, "10.03.2024", 8)
	assert.ErrorIs(t, err, ErrValue)
	_, err = d.Decode(nil, []byte{0x20, 0x24, 0x13, 0x10, 0x07, 0x00, 0x00, 0x00})
	assert.ErrorIs(t, err, ErrValue)
	_, err = d.Decode(nil, []byte{0x20, 0x2a, 0x03, 0x10, 0x07, 0x00, 0x00, 0x00})
	assert.ErrorIs(t, err, ErrValue)
}

func TestLookupCodec(t *testing.T) {
	ds := deviceSet(t, optolink.P300)

	mode := ds.Codec(ds.units["BA"])
	v, err := mode.Decode(ds.units["BA"], []byte{0x02})
	require.NoError(t, err)
	assert.Equal(t, "Normalbetrieb", v)
	v, err = mode.Decode(ds.units["BA"], []byte{0x7f})
	require.NoError(t, err)
	assert.Equal(t, "7f", v)

	b, err := mode.Encode(ds.units["BA"], "Reduzierter Betrieb", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, b)
	_, err = mode.Encode(ds.units["BA"], "Sommerbetrieb", 1)
	assert.ErrorIs(t, err, ErrValue)

	dt := ds.Codec(ds.units["DT"])
	v, err = dt.Decode(ds.units["DT"], []byte{0x20, 0x9f})
	require.NoError(t, err)
	assert.Equal(t, "V200KO1B", v)
	v, err = dt.Decode(ds.units["DT"], []byte{0x20, 0x0a})
	require.NoError(t, err)
	assert.Equal(t, "200A", v)

	es := ds.Codec(ds.units["ES"])
	v, err = es.Decode(ds.units["ES"], []byte{0xf2, 0, 0, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, "Brennerstoerung", v)
}

func TestDecodeSerial(t *testing.T) {
	assert.Equal(t, "0XFF", DecodeSerial([]byte("0000255")))
	assert.Equal(t, "0X12D687", DecodeSerial([]byte("1234567")))
	// only 7 digits count
	assert.Equal(t, "0XFF", DecodeSerial([]byte("00002559")))
}
