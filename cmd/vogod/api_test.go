package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Morg42/viessmann/internal/config"
	"github.com/Morg42/viessmann/internal/devicesim"
	"github.com/Morg42/viessmann/pkg/optolink"
	"github.com/Morg42/viessmann/pkg/vogo"
)

func newTestAPI(t *testing.T) (http.Handler, *devicesim.Device) {
	t.Helper()
	cat, err := vogo.LoadDefault()
	require.NoError(t, err)
	ds, err := cat.Device(optolink.P300, "V200KO1B")
	require.NoError(t, err)

	dev := devicesim.New(ds.Control)
	seedSimulator(dev, ds)
	link := optolink.NewLink("sim", ds.Control, 10*time.Millisecond, optolink.WithDialer(dev.Dial))
	s := optolink.NewSession(link, ds.Control, optolink.WithTimeout(10*time.Millisecond))
	t.Cleanup(func() { s.Disconnect() })

	cache := vogo.NewValueCache()
	e := vogo.NewEngine(ds, s, vogo.WithItemSink(cache))
	require.NoError(t, e.Timers().Register("Timer_Warmwasser"))
	a := &api{engine: e, cache: cache, followUps: map[string]config.FollowUp{
		"Betriebsart_A1M1": {ReadBack: true},
	}}
	return a.router(), dev
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAPIVersion(t *testing.T) {
	h, _ := newTestAPI(t)
	rec := do(h, "GET", "/version", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"version":"unspecified","build_date":"unknown"}`, rec.Body.String())
}

func TestAPIReadCommand(t *testing.T) {
	h, dev := newTestAPI(t)
	dev.Load(0x0800, 0xd3, 0xff)

	rec := do(h, "GET", "/command/Aussentemperatur", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got struct {
		Name    string  `json:"name"`
		Address string  `json:"address"`
		Value   float64 `json:"value"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "Aussentemperatur", got.Name)
	assert.Equal(t, "0x0800", got.Address)
	assert.Equal(t, -4.5, got.Value)

	// the cached answer does not reach the device
	reads := dev.Stats().Reads
	rec = do(h, "GET", "/command/Aussentemperatur?cached=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, reads, dev.Stats().Reads)

	rec = do(h, "GET", "/values", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Aussentemperatur")
}

func TestAPIWriteCommand(t *testing.T) {
	h, dev := newTestAPI(t)

	rec := do(h, "POST", "/command/Betriebsart_A1M1", `"Normalbetrieb"`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []byte{0x02}, dev.Bytes(0x2323, 1))
	// read back by the configured follow up
	assert.Equal(t, 1, dev.Stats().Reads)

	rec = do(h, "POST", "/command/Warmwasser_Solltemperatur", `55`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []byte{55}, dev.Bytes(0x6300, 1))
}

func TestAPIErrors(t *testing.T) {
	h, _ := newTestAPI(t)

	assert.Equal(t, http.StatusNotFound, do(h, "GET", "/command/Nichtda", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(h, "POST", "/command/Aussentemperatur", `20`).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, "POST", "/command/Warmwasser_Solltemperatur", `95`).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, "POST", "/command/Warmwasser_Solltemperatur", `{`).Code)
	assert.Equal(t, http.StatusNotFound, do(h, "GET", "/schedule/Timer_M2", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(h, "DELETE", "/command/Aussentemperatur", "").Code)
}

func TestAPISchedule(t *testing.T) {
	h, dev := newTestAPI(t)
	body := `[{"time":"05:30","rrule":"FREQ=WEEKLY;BYDAY=MO","value":"1","active":true},
	          {"time":"21:00","rrule":"FREQ=WEEKLY;BYDAY=MO","value":"0","active":true}]`

	assert.Equal(t, http.StatusConflict, do(h, "POST", "/schedule/Timer_Warmwasser", body).Code)

	rec := do(h, "POST", "/update", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(h, "GET", "/schedule/Timer_Warmwasser", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []vogo.ScheduleEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Equal(t, []vogo.ScheduleEntry{
		{Time: "06:00", RRule: "FREQ=WEEKLY;BYDAY=MO,TU,WE,TH,FR,SA,SU", Value: "1", Active: true},
		{Time: "22:00", RRule: "FREQ=WEEKLY;BYDAY=MO,TU,WE,TH,FR,SA,SU", Value: "0", Active: true},
	}, entries)

	rec = do(h, "POST", "/schedule/Timer_Warmwasser", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []byte{5*8 + 3, 21 * 8}, dev.Bytes(0x2100, 2))
}

func TestAPIDevice(t *testing.T) {
	h, _ := newTestAPI(t)
	rec := do(h, "GET", "/device", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"type": "V200KO1B"`)
	assert.Contains(t, rec.Body.String(), `"Timer_Warmwasser"`)

	rec = do(h, "GET", "/commands", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cmds []vogo.CommandDefinition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cmds))
	assert.NotEmpty(t, cmds)
}
