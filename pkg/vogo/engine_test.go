package vogo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Morg42/viessmann/internal/devicesim"
	"github.com/Morg42/viessmann/pkg/optolink"
)

func TestEngineReadP300(t *testing.T) {
	cache := NewValueCache()
	e, dev := newEngine(t, optolink.P300, WithItemSink(cache))
	dev.Load(0x0800, 0xd3, 0xff)
	dev.Load(0x2323, 0x02)

	v, err := e.Read(context.Background(), "Aussentemperatur")
	require.NoError(t, err)
	assert.Equal(t, -4.5, v)

	v, err = e.Read(context.Background(), "Betriebsart_A1M1")
	require.NoError(t, err)
	assert.Equal(t, "Normalbetrieb", v)

	cached, ok := cache.Get("Aussentemperatur")
	require.True(t, ok)
	assert.Equal(t, -4.5, cached.Value)
	assert.Len(t, cache.Snapshot(), 2)

	_, err = e.Read(context.Background(), "Aussentemperatur_TP")
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestEngineWriteP300(t *testing.T) {
	e, dev := newEngine(t, optolink.P300)
	ctx := context.Background()

	require.NoError(t, e.Write(ctx, "Betriebsart_A1M1", "Reduzierter Betrieb"))
	assert.Equal(t, []byte{0x01}, dev.Bytes(0x2323, 1))

	require.NoError(t, e.Write(ctx, "Niveau_A1M1", -5))
	assert.Equal(t, []byte{0xfb}, dev.Bytes(0x27d4, 1))

	require.NoError(t, e.Write(ctx, "Neigung_A1M1", 1.4))
	assert.Equal(t, []byte{14}, dev.Bytes(0x27d3, 1))

	require.NoError(t, e.Write(ctx, "Systemzeit", "2024-03-09T08:15:00"))
	assert.Equal(t, []byte{0x20, 0x24, 0x03, 0x09, 0x06, 0x08, 0x15, 0x00}, dev.Bytes(0x088e, 8))

	v, err := e.Read(ctx, "Systemzeit")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-09T08:15:00", v)
	assert.Equal(t, 4, dev.Stats().Writes)
}

func TestEngineWriteValidation(t *testing.T) {
	e, dev := newEngine(t, optolink.P300)
	ctx := context.Background()

	assert.ErrorIs(t, e.Write(ctx, "Aussentemperatur", 20), ErrNotWritable)
	assert.ErrorIs(t, e.Write(ctx, "Betriebsart_A1M1", nil), ErrValue)
	assert.ErrorIs(t, e.Write(ctx, "Betriebsart_A1M1", ""), ErrValue)
	assert.ErrorIs(t, e.Write(ctx, "Betriebsart_A1M1", "Sommerbetrieb"), ErrValue)
	assert.ErrorIs(t, e.Write(ctx, "Soll_Raumtemperatur_normal_A1M1", 38), ErrValue)
	assert.ErrorIs(t, e.Write(ctx, "Soll_Raumtemperatur_normal_A1M1", 2.5), ErrValue)
	assert.ErrorIs(t, e.Write(ctx, "Soll_Raumtemperatur_normal_A1M1", "warm"), ErrValue)
	assert.ErrorIs(t, e.Write(ctx, "Herstellnummer", "1234567"), ErrNotWritable)
	assert.ErrorIs(t, e.Write(ctx, "Nichtda", 1), ErrUnknownCommand)

	// nothing reached the device, not even the handshake
	assert.Zero(t, dev.Stats().Writes)
	assert.Zero(t, dev.Stats().Resets)

	require.NoError(t, e.Write(ctx, "Soll_Raumtemperatur_normal_A1M1", 37))
	assert.Equal(t, []byte{37}, dev.Bytes(0x2306, 1))
}

func TestEngineWriteRejected(t *testing.T) {
	for _, p := range []optolink.Protocol{optolink.P300, optolink.KW} {
		t.Run(string(p), func(t *testing.T) {
			e, dev := newEngine(t, p)
			dev.SetBehavior(devicesim.Behavior{ReadOnly: true})

			err := e.Write(context.Background(), "Warmwasser_Solltemperatur", 50)
			assert.ErrorIs(t, err, ErrWriteFailed)
			assert.Equal(t, 1, dev.Stats().Rejected)
			assert.Equal(t, []byte{0x00}, dev.Bytes(0x6300, 1))
		})
	}
}

func TestEngineKW(t *testing.T) {
	cache := NewValueCache()
	e, dev := newEngine(t, optolink.KW, WithItemSink(cache))
	ctx := context.Background()
	dev.Load(0x5525, 0x2c, 0x01)

	v, err := e.Read(ctx, "Aussentemperatur")
	require.NoError(t, err)
	assert.Equal(t, 30.0, v)

	require.NoError(t, e.Write(ctx, "Betriebsart_A1M1", "Dauernd normal"))
	assert.Equal(t, []byte{0x04}, dev.Bytes(0x2301, 1))

	v, err = e.Read(ctx, "Betriebsart_A1M1")
	require.NoError(t, err)
	assert.Equal(t, "Dauernd normal", v)

	v, err = e.Read(ctx, "Aussentemperatur")
	require.NoError(t, err)
	assert.Equal(t, 30.0, v)
	assert.Equal(t, 3, dev.Stats().Reads)
}

func TestEnginePush(t *testing.T) {
	cache := NewValueCache()
	e, dev := newEngine(t, optolink.P300, WithValueSource(cache))
	ctx := context.Background()

	assert.ErrorIs(t, e.Push(ctx, "Warmwasser_Solltemperatur"), ErrValue)

	cache.UpdateItem("Warmwasser_Solltemperatur", 55)
	require.NoError(t, e.Push(ctx, "Warmwasser_Solltemperatur"))
	assert.Equal(t, []byte{55}, dev.Bytes(0x6300, 1))

	noSource, _ := newEngine(t, optolink.P300)
	assert.ErrorIs(t, noSource.Push(ctx, "Warmwasser_Solltemperatur"), ErrValue)
}

func TestEngineReadAll(t *testing.T) {
	e, dev := newEngine(t, optolink.P300)
	// dates do not decode from zeroed memory
	dev.Load(0x088e, 0x20, 0x24, 0x03, 0x09, 0x06, 0x08, 0x15, 0x00)
	dev.Load(0x2309, 0x20, 0x24, 0x03, 0x09, 0x06, 0x00, 0x00, 0x00)

	require.NoError(t, e.ReadAll(context.Background()))
	assert.Equal(t, len(e.Device().Commands()), dev.Stats().Reads)
}

func TestEngineReadInitialContinuesOnError(t *testing.T) {
	cache := NewValueCache()
	e, dev := newEngine(t, optolink.P300, WithItemSink(cache))
	dev.Load(0x6300, 50)

	// zeroed date memory fails to decode
	err := e.ReadInitial(context.Background(), []string{"Ferien_Abreisetag_A1M1", "Warmwasser_Solltemperatur"})
	assert.ErrorIs(t, err, ErrValue)
	v, ok := cache.CurrentValue("Warmwasser_Solltemperatur")
	require.True(t, ok)
	assert.Equal(t, int64(50), v)
}

func TestEngineWriteWithFollowUp(t *testing.T) {
	cache := NewValueCache()
	e, dev := newEngine(t, optolink.P300, WithItemSink(cache))
	var slept []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	dev.Load(0x0842, 0x01)
	dev.Load(0x555a, 0x58, 0x02)

	err := e.WriteWithFollowUp(context.Background(), "Betriebsart_A1M1", "Normalbetrieb", FollowUp{
		ReadBack:  true,
		ReadAfter: []string{"Brennerstatus"},
		Triggers:  []string{"Kesseltemperatur_Soll"},
	})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{DefaultTriggerDelay}, slept)
	assert.Equal(t, 3, dev.Stats().Reads)

	v, _ := cache.CurrentValue("Betriebsart_A1M1")
	assert.Equal(t, "Normalbetrieb", v)
	v, _ = cache.CurrentValue("Brennerstatus")
	assert.Equal(t, true, v)
	v, _ = cache.CurrentValue("Kesseltemperatur_Soll")
	assert.Equal(t, 60.0, v)

	// a failed write skips all follow ups
	slept = nil
	dev.SetBehavior(devicesim.Behavior{ReadOnly: true})
	err = e.WriteWithFollowUp(context.Background(), "Betriebsart_A1M1", "Abschaltbetrieb", FollowUp{
		ReadBack:     true,
		Triggers:     []string{"Kesseltemperatur_Soll"},
		TriggerDelay: time.Second,
	})
	assert.ErrorIs(t, err, ErrWriteFailed)
	assert.Empty(t, slept)
	assert.Equal(t, 3, dev.Stats().Reads)
}

func TestEngineFollowUpCanceled(t *testing.T) {
	e, dev := newEngine(t, optolink.P300)
	ctx, cancel := context.WithCancel(context.Background())
	e.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return sleepCtx(ctx, d)
	}

	err := e.WriteWithFollowUp(ctx, "Betriebsart_A1M1", "Normalbetrieb", FollowUp{Triggers: []string{"Brennerstatus"}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, dev.Stats().Reads)
}

func TestEngineIdentify(t *testing.T) {
	for _, p := range []optolink.Protocol{optolink.P300, optolink.KW} {
		t.Run(string(p), func(t *testing.T) {
			e, dev := newEngine(t, p)
			dev.Load(0x00f8, 0x20, 0x9f)

			name, err := e.Identify(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "V200KO1B", name)

			dev.Load(0x00f8, 0x20, 0x01)
			name, err = e.Identify(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "2001", name)
		})
	}
}
