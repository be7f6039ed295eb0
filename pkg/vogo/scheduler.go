package vogo

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Reader reads a command by name. *Engine implements it.
type Reader interface {
	Read(ctx context.Context, name string) (any, error)
}

// CyclicEntry is a command read every Interval
type CyclicEntry struct {
	Command  string
	Interval time.Duration
	NextDue  time.Time
}

// Scheduler reads registered commands cyclically
type Scheduler struct {
	r   Reader
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*CyclicEntry

	running atomic.Bool
}

// NewScheduler creates a Scheduler reading through r
func NewScheduler(r Reader) *Scheduler {
	return &Scheduler{r: r, now: time.Now, entries: make(map[string]*CyclicEntry)}
}

// Register schedules name every interval, first due one interval from now.
// Registering a name twice keeps the shorter interval.
func (s *Scheduler) Register(name string, interval time.Duration) {
	if interval <= 0 {
		log.Warnf("Ignoring cyclic read of %v with interval %v", name, interval)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[name]; ok {
		if interval < e.Interval {
			e.Interval = interval
			e.NextDue = s.now().Add(interval)
		}
		return
	}
	s.entries[name] = &CyclicEntry{Command: name, Interval: interval, NextDue: s.now().Add(interval)}
	log.Debugf("Scheduled %v every %v", name, interval)
}

// Period is the tick period: half the shortest interval in whole seconds, at least one second.
// It is 0 without entries.
func (s *Scheduler) Period() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var shortest time.Duration
	for _, e := range s.entries {
		if shortest == 0 || e.Interval < shortest {
			shortest = e.Interval
		}
	}
	if shortest == 0 {
		return 0
	}
	p := (shortest / 2).Truncate(time.Second)
	if p < time.Second {
		p = time.Second
	}
	return p
}

// Entries returns a copy of the schedule, sorted by command
func (s *Scheduler) Entries() []CyclicEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	es := make([]CyclicEntry, 0, len(s.entries))
	for _, e := range s.entries {
		es = append(es, *e)
	}
	sort.Slice(es, func(i, j int) bool { return es[i].Command < es[j].Command })
	return es
}

// Tick reads all due entries and reschedules each to the time its read ended + interval.
// It returns the number of entries read and false if a previous tick is still running.
func (s *Scheduler) Tick(ctx context.Context) (int, bool) {
	if !s.running.CompareAndSwap(false, true) {
		log.Warn("Cyclic reads still running, tick skipped")
		return 0, false
	}
	defer s.running.Store(false)

	start := s.now()
	s.mu.Lock()
	var due []*CyclicEntry
	for _, e := range s.entries {
		if !e.NextDue.After(start) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].Command < due[j].Command })

	for _, e := range due {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.r.Read(ctx, e.Command); err != nil {
			log.Warnf("Cyclic read of %v failed: %v", e.Command, err)
		}
		s.mu.Lock()
		e.NextDue = s.now().Add(e.Interval)
		s.mu.Unlock()
	}
	return len(due), true
}

// Run ticks every Period until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	p := s.Period()
	if p == 0 {
		log.Info("No cyclic reads configured")
		<-ctx.Done()
		return ctx.Err()
	}
	log.Infof("Cyclic reads every %v", p)
	t := time.NewTicker(p)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			go s.Tick(ctx)
		}
	}
}
