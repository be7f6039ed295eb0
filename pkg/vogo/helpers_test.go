package vogo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Morg42/viessmann/internal/devicesim"
	"github.com/Morg42/viessmann/pkg/optolink"
)

func deviceSet(t *testing.T, p optolink.Protocol) *DeviceSet {
	t.Helper()
	cat, err := LoadDefault()
	require.NoError(t, err)
	name := "V200KO1B"
	if p == optolink.KW {
		name = "V200KW2"
	}
	ds, err := cat.Device(p, name)
	require.NoError(t, err)
	return ds
}

func newEngine(t *testing.T, p optolink.Protocol, opts ...EngineOption) (*Engine, *devicesim.Device) {
	t.Helper()
	ds := deviceSet(t, p)
	dev := devicesim.New(ds.Control)
	link := optolink.NewLink("sim", ds.Control, 10*time.Millisecond, optolink.WithDialer(dev.Dial))
	s := optolink.NewSession(link, ds.Control, optolink.WithTimeout(10*time.Millisecond))
	t.Cleanup(func() { s.Disconnect() })
	return NewEngine(ds, s, opts...), dev
}

type scheduleRecorder struct {
	schedules map[string][]ScheduleEntry
}

func (r *scheduleRecorder) UpdateSchedule(app string, entries []ScheduleEntry) {
	if r.schedules == nil {
		r.schedules = make(map[string][]ScheduleEntry)
	}
	r.schedules[app] = entries
}

func ptr(f float64) *float64 { return &f }
