// Package mqttbridge publishes decoded values and timer schedules to MQTT
// and writes values received on set topics.
//
//	<topic>/<command>                  retained JSON value
//	<topic>/<command>/set              JSON value to write
//	<topic>/schedule/<app>             retained JSON schedule
//	<topic>/schedule/<app>/set         JSON schedule to apply
package mqttbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/Morg42/viessmann/internal/config"
	"github.com/Morg42/viessmann/pkg/vogo"
)

const connectTimeout = 10 * time.Second

// writeQueueLen bounds the writes waiting for the link
const writeQueueLen = 64

// Client is the part of mqtt.Client the bridge uses
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// Pusher writes the current value of a command. *vogo.Engine implements it.
type Pusher interface {
	Push(ctx context.Context, name string) error
}

// ScheduleApplier writes a schedule to a timer application. *vogo.TimerSync implements it.
type ScheduleApplier interface {
	Apply(ctx context.Context, app string, entries []vogo.ScheduleEntry) error
}

// Bridge is an ItemSink and ScheduleSink publishing to MQTT, and the
// ValueSource of values received on set topics.
type Bridge struct {
	ctx    context.Context
	client Client
	topic  string

	pusher    Pusher
	schedules ScheduleApplier
	received  *vogo.ValueCache

	// writes run one after another outside the MQTT message loop
	writes  chan func()
	pending sync.WaitGroup
}

// New creates a Bridge below topic. Writes triggered by set topics run with ctx
// and stop with it.
func New(ctx context.Context, topic string) *Bridge {
	b := &Bridge{
		ctx:      ctx,
		topic:    strings.TrimSuffix(topic, "/"),
		received: vogo.NewValueCache(),
		writes:   make(chan func(), writeQueueLen),
	}
	go b.writeLoop()
	return b
}

func (b *Bridge) writeLoop() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case w := <-b.writes:
			w()
			b.pending.Done()
		}
	}
}

// enqueue queues w without blocking the caller. w is dropped if the queue is full.
func (b *Bridge) enqueue(what string, w func()) {
	b.pending.Add(1)
	select {
	case b.writes <- w:
	default:
		b.pending.Done()
		log.Errorf("Write queue full, dropping %v", what)
	}
}

// Attach sets the targets of set topics. Either may be nil.
func (b *Bridge) Attach(p Pusher, s ScheduleApplier) {
	b.pusher = p
	b.schedules = s
}

// SetClient sets the MQTT client, for Dial or tests
func (b *Bridge) SetClient(c Client) {
	b.client = c
}

// Dial connects to the broker of cfg with automatic reconnect.
// Set topics are subscribed on every (re)connect.
func Dial(cfg config.MQTT, b *Bridge) error {
	id := cfg.ClientID
	if id == "" {
		id = "vogod-" + uuid.NewString()[:8]
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(id).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Infof("Connected to MQTT broker %v as %v", cfg.Broker, id)
		if err := b.Subscribe(); err != nil {
			log.Error(err)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warnf("MQTT connection lost: %v", err)
	})

	c := mqtt.NewClient(opts)
	b.SetClient(c)
	tok := c.Connect()
	if !tok.WaitTimeout(connectTimeout) {
		return fmt.Errorf("connecting to MQTT broker %v timed out, still retrying", cfg.Broker)
	}
	return tok.Error()
}

// Subscribe subscribes the set topics
func (b *Bridge) Subscribe() error {
	for _, s := range []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{b.topic + "/schedule/+/set", b.handleScheduleSet},
		{b.topic + "/+/set", b.handleSet},
	} {
		tok := b.client.Subscribe(s.topic, 0, s.handler)
		if !tok.WaitTimeout(connectTimeout) {
			return fmt.Errorf("subscribing %v timed out", s.topic)
		}
		if err := tok.Error(); err != nil {
			return fmt.Errorf("subscribing %v: %w", s.topic, err)
		}
		log.Debugf("Subscribed %v", s.topic)
	}
	return nil
}

func (b *Bridge) publish(topic string, v any) {
	if b.client == nil {
		return
	}
	body, err := json.Marshal(v)
	if err != nil {
		log.Errorf("Encoding %v for MQTT: %v", topic, err)
		return
	}
	b.client.Publish(topic, 0, true, body)
}

// UpdateItem publishes value to <topic>/<name>
func (b *Bridge) UpdateItem(name string, value any) {
	b.publish(b.topic+"/"+name, value)
}

// UpdateSchedule publishes entries to <topic>/schedule/<app>
func (b *Bridge) UpdateSchedule(app string, entries []vogo.ScheduleEntry) {
	b.publish(b.topic+"/schedule/"+app, entries)
}

// CurrentValue returns the last value received on the set topic of name
func (b *Bridge) CurrentValue(name string) (any, bool) {
	return b.received.CurrentValue(name)
}

// decodePayload accepts JSON, anything else is taken as plain string
func decodePayload(p []byte) any {
	var v any
	if err := json.Unmarshal(p, &v); err != nil {
		return strings.TrimSpace(string(p))
	}
	return v
}

func (b *Bridge) handleSet(_ mqtt.Client, msg mqtt.Message) {
	rest := strings.TrimPrefix(msg.Topic(), b.topic+"/")
	name := strings.TrimSuffix(rest, "/set")
	if name == rest || name == "" || strings.Contains(name, "/") {
		return
	}
	v := decodePayload(msg.Payload())
	log.Debugf("MQTT set %v = %v", name, v)
	b.received.UpdateItem(name, v)
	if b.pusher == nil {
		return
	}
	b.enqueue(name, func() {
		if err := b.pusher.Push(b.ctx, name); err != nil {
			log.Errorf("Writing %v from MQTT failed: %v", name, err)
		}
	})
}

func (b *Bridge) handleScheduleSet(_ mqtt.Client, msg mqtt.Message) {
	rest := strings.TrimPrefix(msg.Topic(), b.topic+"/schedule/")
	app := strings.TrimSuffix(rest, "/set")
	if app == rest || app == "" {
		return
	}
	var entries []vogo.ScheduleEntry
	if err := json.Unmarshal(msg.Payload(), &entries); err != nil {
		log.Errorf("Invalid schedule for %v: %v", app, err)
		return
	}
	if b.schedules == nil {
		return
	}
	b.enqueue(app, func() {
		if err := b.schedules.Apply(b.ctx, app, entries); err != nil {
			log.Errorf("Applying schedule of %v from MQTT failed: %v", app, err)
		}
	})
}
