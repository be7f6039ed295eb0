package vogo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Weekdays in schedule order
var Weekdays = []string{"MO", "TU", "WE", "TH", "FR", "SA", "SU"}

var weekdaySynonyms = map[string][]string{
	"MO": {"mo", "montag", "monday"},
	"TU": {"di", "dienstag", "tuesday"},
	"WE": {"mi", "mittwoch", "wednesday"},
	"TH": {"do", "donnerstag", "thursday"},
	"FR": {"fr", "freitag", "friday"},
	"SA": {"sa", "samstag", "saturday"},
	"SU": {"so", "sonntag", "sunday"},
}

// NormalizeWeekday maps a weekday name in German or English, full or abbreviated,
// to its two letter schedule abbreviation.
func NormalizeWeekday(s string) (string, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, wd := range Weekdays {
		if s == strings.ToLower(wd) {
			return wd, true
		}
		for _, syn := range weekdaySynonyms[wd] {
			if s == syn {
				return wd, true
			}
		}
	}
	return "", false
}

// commandWeekday takes the weekday from the name suffix, Timer_Warmwasser_Mo -> MO
func commandWeekday(name string) (string, bool) {
	return NormalizeWeekday(name[strings.LastIndex(name, "_")+1:])
}

func weekdayIndex(wd string) int {
	for i, w := range Weekdays {
		if w == wd {
			return i
		}
	}
	return len(Weekdays)
}

// ScheduleEntry is one switching event of a weekly schedule
type ScheduleEntry struct {
	Time   string `json:"time"`
	RRule  string `json:"rrule"`
	Value  string `json:"value"`
	Active bool   `json:"active"`
}

// Switching states of a ScheduleEntry
const (
	ScheduleOn  = "1"
	ScheduleOff = "0"
)

const rrulePrefix = "FREQ=WEEKLY;BYDAY="

// ParseRule returns the weekdays of "FREQ=WEEKLY;BYDAY=MO,TU" or a plain "MO,TU"
func ParseRule(rule string) ([]string, error) {
	days := rule
	if strings.Contains(rule, "=") {
		days = ""
		for _, part := range strings.Split(rule, ";") {
			if k, v, ok := strings.Cut(part, "="); ok && strings.EqualFold(strings.TrimSpace(k), "BYDAY") {
				days = v
			}
		}
		if days == "" {
			return nil, fmt.Errorf("%w: rule %q has no BYDAY", ErrValue, rule)
		}
	}
	var wds []string
	for _, d := range strings.Split(days, ",") {
		wd, ok := NormalizeWeekday(d)
		if !ok {
			return nil, fmt.Errorf("%w: unknown weekday %q in rule %q", ErrValue, d, rule)
		}
		wds = append(wds, wd)
	}
	return wds, nil
}

type readWriter interface {
	Read(ctx context.Context, name string) (any, error)
	Write(ctx context.Context, name string, value any) error
}

// TimerSync converts between the per weekday timer commands of a timer application
// and a weekly schedule.
type TimerSync struct {
	mu sync.Mutex

	dev  *DeviceSet
	rw   readWriter
	sink ScheduleSink

	apps  map[string][]*CommandDefinition
	byCmd map[string]string
	acc   map[string]map[string][]TimerPair
	read  bool
}

func newTimerSync(dev *DeviceSet, rw readWriter, sink ScheduleSink) *TimerSync {
	if sink == nil {
		sink = nopSink{}
	}
	return &TimerSync{
		dev:   dev,
		rw:    rw,
		sink:  sink,
		apps:  make(map[string][]*CommandDefinition),
		byCmd: make(map[string]string),
		acc:   make(map[string]map[string][]TimerPair),
	}
}

// Register adds the timer application app: all timer commands named app_<weekday>.
func (t *TimerSync) Register(app string) error {
	var cmds []*CommandDefinition
	for _, c := range t.dev.Commands() {
		suffix, ok := strings.CutPrefix(c.Name, app+"_")
		if !ok || strings.Contains(suffix, "_") || t.dev.Unit(c).Type != UnitTimer {
			continue
		}
		if _, ok := commandWeekday(c.Name); !ok {
			log.Warnf("Timer command %v has no weekday suffix, ignored", c.Name)
			continue
		}
		cmds = append(cmds, c)
	}
	if len(cmds) == 0 {
		return fmt.Errorf("%w: no timer commands for application %v", ErrUnknownCommand, app)
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Address < cmds[j].Address })

	t.mu.Lock()
	defer t.mu.Unlock()
	t.apps[app] = cmds
	for _, c := range cmds {
		t.byCmd[c.Name] = app
	}
	log.Infof("Loaded timer application %v with %v commands", app, len(cmds))
	return nil
}

// Apps returns the registered applications, sorted
func (t *TimerSync) Apps() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var apps []string
	for a := range t.apps {
		apps = append(apps, a)
	}
	sort.Strings(apps)
	return apps
}

// IsTimerCommand reports whether name belongs to a registered application
func (t *TimerSync) IsTimerCommand(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.byCmd[name]
	return ok
}

// Accumulate stores the decoded pairs of a timer command. Commands of no registered application are ignored.
func (t *TimerSync) Accumulate(name string, pairs []TimerPair) {
	t.mu.Lock()
	defer t.mu.Unlock()
	app, ok := t.byCmd[name]
	if !ok {
		return
	}
	if t.acc[app] == nil {
		t.acc[app] = make(map[string][]TimerPair)
	}
	t.acc[app][name] = append([]TimerPair(nil), pairs...)
}

// Schedule merges the accumulated timers of app into a time sorted schedule.
// Unused switching times are skipped.
func (t *TimerSync) Schedule(app string) []ScheduleEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	// switching time -> state -> weekdays
	byTime := make(map[string]map[string][]string)
	add := func(tm, state, wd string) {
		if tm == TimeUnused {
			return
		}
		if byTime[tm] == nil {
			byTime[tm] = make(map[string][]string)
		}
		for _, d := range byTime[tm][state] {
			if d == wd {
				return
			}
		}
		byTime[tm][state] = append(byTime[tm][state], wd)
	}
	for name, pairs := range t.acc[app] {
		wd, _ := commandWeekday(name)
		for _, p := range pairs {
			add(p.On, ScheduleOn, wd)
			add(p.Off, ScheduleOff, wd)
		}
	}

	times := make([]string, 0, len(byTime))
	for tm := range byTime {
		times = append(times, tm)
	}
	sort.Strings(times)

	entries := []ScheduleEntry{}
	for _, tm := range times {
		for _, state := range []string{ScheduleOn, ScheduleOff} {
			days := byTime[tm][state]
			if len(days) == 0 {
				continue
			}
			sort.Slice(days, func(i, j int) bool { return weekdayIndex(days[i]) < weekdayIndex(days[j]) })
			entries = append(entries, ScheduleEntry{
				Time:   tm,
				RRule:  rrulePrefix + strings.Join(days, ","),
				Value:  state,
				Active: true,
			})
		}
	}
	return entries
}

// ReadAll reads every registered timer command and publishes the schedules.
// Applying schedules is only possible after the first ReadAll.
func (t *TimerSync) ReadAll(ctx context.Context) error {
	var errs []error
	for _, app := range t.Apps() {
		t.mu.Lock()
		cmds := t.apps[app]
		t.mu.Unlock()
		for _, c := range cmds {
			log.Debugf("Reading timer command %v", c.Name)
			if _, err := t.rw.Read(ctx, c.Name); err != nil {
				errs = append(errs, err)
			}
		}
	}

	t.mu.Lock()
	t.read = true
	t.mu.Unlock()
	log.Info("Timer readout done")

	for _, app := range t.Apps() {
		t.sink.UpdateSchedule(app, t.Schedule(app))
	}
	return errors.Join(errs...)
}

// Apply writes the active entries of a schedule to the timer commands of app,
// one write per weekday command. Each weekday keeps at most 4 pairs.
func (t *TimerSync) Apply(ctx context.Context, app string, entries []ScheduleEntry) error {
	t.mu.Lock()
	read := t.read
	cmds, ok := t.apps[app]
	t.mu.Unlock()
	if !read {
		return ErrTimersNotRead
	}
	if !ok {
		return fmt.Errorf("%w: timer application %v", ErrUnknownCommand, app)
	}

	on := make(map[string][]string)
	off := make(map[string][]string)
	for _, e := range entries {
		if !e.Active {
			continue
		}
		if _, err := EncodeTimerByte(e.Time); err != nil {
			return err
		}
		days, err := ParseRule(e.RRule)
		if err != nil {
			return err
		}
		for _, d := range days {
			switch e.Value {
			case ScheduleOn:
				on[d] = append(on[d], e.Time)
			case ScheduleOff:
				off[d] = append(off[d], e.Time)
			default:
				return fmt.Errorf("%w: schedule value must be %q or %q, is %q", ErrValue, ScheduleOn, ScheduleOff, e.Value)
			}
		}
	}

	var errs []error
	for _, c := range cmds {
		wd, _ := commandWeekday(c.Name)
		sort.Strings(on[wd])
		sort.Strings(off[wd])
		if len(on[wd]) > timerPairs || len(off[wd]) > timerPairs {
			log.Warnf("More than %v switching times for %v, dropping the latest", timerPairs, c.Name)
		}
		pairs := make([]TimerPair, timerPairs)
		for i := range pairs {
			pairs[i] = TimerPair{On: TimeUnused, Off: TimeUnused}
			if i < len(on[wd]) {
				pairs[i].On = on[wd][i]
			}
			if i < len(off[wd]) {
				pairs[i].Off = off[wd][i]
			}
		}
		log.Debugf("Writing timer %v: %v", c.Name, pairs)
		if err := t.rw.Write(ctx, c.Name, pairs); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
