package vogo

import (
	"sync"
	"time"
)

// ItemSink receives every decoded value, keyed by command name
type ItemSink interface {
	UpdateItem(name string, value any)
}

// ScheduleSink receives the weekly schedule of a timer application after the timers were read
type ScheduleSink interface {
	UpdateSchedule(app string, entries []ScheduleEntry)
}

// ValueSource provides the value to write when a command is pushed
type ValueSource interface {
	CurrentValue(name string) (any, bool)
}

// ItemSinks fans out updates to several sinks
type ItemSinks []ItemSink

func (s ItemSinks) UpdateItem(name string, value any) {
	for _, sink := range s {
		sink.UpdateItem(name, value)
	}
}

// ScheduleSinks fans out schedules to several sinks
type ScheduleSinks []ScheduleSink

func (s ScheduleSinks) UpdateSchedule(app string, entries []ScheduleEntry) {
	for _, sink := range s {
		sink.UpdateSchedule(app, entries)
	}
}

type nopSink struct{}

func (nopSink) UpdateItem(string, any)                 {}
func (nopSink) UpdateSchedule(string, []ScheduleEntry) {}

// Value is a decoded value with the time it was received
type Value struct {
	Value   any       `json:"value"`
	Updated time.Time `json:"updated"`
}

// ValueCache keeps the latest decoded value of every command.
// It is an ItemSink and, for pushing the last known values back, a ValueSource.
type ValueCache struct {
	mu     sync.RWMutex
	values map[string]Value
	now    func() time.Time
}

// NewValueCache returns an empty cache
func NewValueCache() *ValueCache {
	return &ValueCache{values: make(map[string]Value), now: time.Now}
}

func (c *ValueCache) UpdateItem(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[name] = Value{Value: value, Updated: c.now()}
}

func (c *ValueCache) CurrentValue(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[name]
	return v.Value, ok
}

// Get returns the cached value of name including its timestamp
func (c *ValueCache) Get(name string) (Value, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[name]
	return v, ok
}

// Snapshot returns a copy of all cached values
func (c *ValueCache) Snapshot() map[string]Value {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m := make(map[string]Value, len(c.values))
	for k, v := range c.values {
		m[k] = v
	}
	return m
}
