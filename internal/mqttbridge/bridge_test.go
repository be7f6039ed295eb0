package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Morg42/viessmann/pkg/vogo"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeClient struct {
	published  []published
	handlers   map[string]mqtt.MessageHandler
	subscribed error
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.published = append(c.published, published{topic: topic, retained: retained, payload: payload.([]byte)})
	return doneToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	if c.handlers == nil {
		c.handlers = make(map[string]mqtt.MessageHandler)
	}
	c.handlers[topic] = cb
	return doneToken{err: c.subscribed}
}

type message struct {
	topic   string
	payload []byte
}

func (m message) Duplicate() bool   { return false }
func (m message) Qos() byte         { return 0 }
func (m message) Retained() bool    { return false }
func (m message) Topic() string     { return m.topic }
func (m message) MessageID() uint16 { return 0 }
func (m message) Payload() []byte   { return m.payload }
func (m message) Ack()              {}

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) Push(ctx context.Context, name string) error {
	return m.Called(name).Error(0)
}

func (m *mockEngine) Apply(ctx context.Context, app string, entries []vogo.ScheduleEntry) error {
	return m.Called(app, entries).Error(0)
}

func newBridge(t *testing.T) (*Bridge, *fakeClient, *mockEngine) {
	t.Helper()
	c := &fakeClient{}
	e := &mockEngine{}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	b := New(ctx, "heizung/")
	b.SetClient(c)
	b.Attach(e, e)
	require.NoError(t, b.Subscribe())
	return b, c, e
}

func TestPublish(t *testing.T) {
	b, c, _ := newBridge(t)

	b.UpdateItem("Aussentemperatur", -4.5)
	b.UpdateSchedule("Timer_Warmwasser", []vogo.ScheduleEntry{
		{Time: "06:00", RRule: "FREQ=WEEKLY;BYDAY=MO", Value: "1", Active: true},
	})

	require.Len(t, c.published, 2)
	assert.Equal(t, "heizung/Aussentemperatur", c.published[0].topic)
	assert.True(t, c.published[0].retained)
	assert.Equal(t, "-4.5", string(c.published[0].payload))

	assert.Equal(t, "heizung/schedule/Timer_Warmwasser", c.published[1].topic)
	var entries []vogo.ScheduleEntry
	require.NoError(t, json.Unmarshal(c.published[1].payload, &entries))
	assert.Equal(t, "FREQ=WEEKLY;BYDAY=MO", entries[0].RRule)
}

func TestSetTopic(t *testing.T) {
	b, c, e := newBridge(t)
	e.On("Push", "Warmwasser_Solltemperatur").Return(nil).Once()
	e.On("Push", "Betriebsart_A1M1").Return(errors.New("write failed")).Once()

	set := c.handlers["heizung/+/set"]
	require.NotNil(t, set)
	set(nil, message{topic: "heizung/Warmwasser_Solltemperatur/set", payload: []byte("55")})
	set(nil, message{topic: "heizung/Betriebsart_A1M1/set", payload: []byte("Normalbetrieb")})
	set(nil, message{topic: "heizung/other/topic", payload: []byte("1")})
	b.pending.Wait()

	v, ok := b.CurrentValue("Warmwasser_Solltemperatur")
	require.True(t, ok)
	assert.Equal(t, 55.0, v)
	v, _ = b.CurrentValue("Betriebsart_A1M1")
	assert.Equal(t, "Normalbetrieb", v)
	e.AssertExpectations(t)
}

func TestSetTopicDoesNotWaitForWrite(t *testing.T) {
	b, c, e := newBridge(t)
	release := make(chan struct{})
	e.On("Push", "Warmwasser_Solltemperatur").Run(func(mock.Arguments) { <-release }).Return(nil).Once()
	e.On("Push", "Betriebsart_A1M1").Return(nil).Once()

	set := c.handlers["heizung/+/set"]
	returned := make(chan struct{})
	go func() {
		set(nil, message{topic: "heizung/Warmwasser_Solltemperatur/set", payload: []byte("55")})
		set(nil, message{topic: "heizung/Betriebsart_A1M1/set", payload: []byte("Normalbetrieb")})
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("set handler waited for the link")
	}

	close(release)
	b.pending.Wait()
	e.AssertExpectations(t)
}

func TestScheduleSetTopic(t *testing.T) {
	b, c, e := newBridge(t)
	want := []vogo.ScheduleEntry{{Time: "05:30", RRule: "MO,TU", Value: "1", Active: true}}
	e.On("Apply", "Timer_Warmwasser", want).Return(nil).Once()

	set := c.handlers["heizung/schedule/+/set"]
	require.NotNil(t, set)
	body, err := json.Marshal(want)
	require.NoError(t, err)
	set(nil, message{topic: "heizung/schedule/Timer_Warmwasser/set", payload: body})
	set(nil, message{topic: "heizung/schedule/Timer_M2/set", payload: []byte("not json")})
	b.pending.Wait()

	e.AssertExpectations(t)
}

func TestSubscribeError(t *testing.T) {
	b := New(context.Background(), "heizung")
	b.SetClient(&fakeClient{subscribed: errors.New("not authorized")})
	assert.ErrorContains(t, b.Subscribe(), "not authorized")
}
