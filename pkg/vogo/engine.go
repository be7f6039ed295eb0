package vogo

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Morg42/viessmann/pkg/optolink"
)

// DefaultTriggerDelay is the pause before trigger reads of WriteWithFollowUp
const DefaultTriggerDelay = 5 * time.Second

// identAddress holds the 2 byte device identification
const identAddress AddressT = 0x00F8

// Transactor sends one request and returns the raw response. *optolink.Session implements it.
type Transactor interface {
	Transact(ctx context.Context, req optolink.Request) ([]byte, error)
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithItemSink sets where decoded values go
func WithItemSink(s ItemSink) EngineOption {
	return func(e *Engine) { e.sink = s }
}

// WithScheduleSink sets where timer schedules go
func WithScheduleSink(s ScheduleSink) EngineOption {
	return func(e *Engine) { e.schedules = s }
}

// WithValueSource sets where Push takes its values from
func WithValueSource(s ValueSource) EngineOption {
	return func(e *Engine) { e.source = s }
}

// Engine reads and writes commands of one device set over a Transactor
type Engine struct {
	dev    *DeviceSet
	t      Transactor
	parser *Parser
	timers *TimerSync

	sink      ItemSink
	schedules ScheduleSink
	source    ValueSource

	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine creates an Engine for dev talking over t
func NewEngine(dev *DeviceSet, t Transactor, opts ...EngineOption) *Engine {
	e := &Engine{dev: dev, t: t, sleep: sleepCtx}
	for _, o := range opts {
		o(e)
	}
	e.timers = newTimerSync(dev, e, e.schedules)
	e.parser = NewParser(dev, e.sink, e.timers)
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Device returns the device set the engine works on
func (e *Engine) Device() *DeviceSet {
	return e.dev
}

// Timers returns the timer synchronisation of the engine
func (e *Engine) Timers() *TimerSync {
	return e.timers
}

func (e *Engine) transact(ctx context.Context, cmd *CommandDefinition, packet []byte, role optolink.Role) (Result, error) {
	cs := e.dev.Control
	req := optolink.NewRequest(uint16(cmd.Address), packet, optolink.ResponseLen(cs, cmd.Length, role), role)
	log.Debugf("Request %v: %v %v", req.ID, role, cmd.Name)
	raw, err := e.t.Transact(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("%v: %w", cmd.Name, err)
	}
	return e.parser.Parse(raw, Pending{Command: cmd, Role: role})
}

// Read reads command name from the device and returns the decoded value.
// The value is delivered to the item sink as well.
func (e *Engine) Read(ctx context.Context, name string) (any, error) {
	cmd, err := e.dev.Command(name)
	if err != nil {
		return nil, err
	}
	pkt := optolink.BuildReadPacket(e.dev.Control, uint16(cmd.Address), cmd.Length)
	res, err := e.transact(ctx, cmd, pkt, optolink.RoleReadValue)
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// Write encodes value and writes it to command name.
// Validation happens before anything is sent.
func (e *Engine) Write(ctx context.Context, name string, value any) error {
	cmd, err := e.dev.Command(name)
	if err != nil {
		return err
	}
	if !cmd.Writable {
		return fmt.Errorf("%w: %v", ErrNotWritable, name)
	}
	if value == nil {
		return fmt.Errorf("%w: no value to write to %v", ErrValue, name)
	}
	if s, ok := value.(string); ok && s == "" {
		return fmt.Errorf("%w: no value to write to %v", ErrValue, name)
	}

	u := e.dev.Unit(cmd)
	if err := checkBounds(cmd, u, value); err != nil {
		return err
	}
	b, err := e.dev.Codec(u).Encode(u, value, cmd.Length)
	if err != nil {
		return fmt.Errorf("%v: %w", name, err)
	}
	log.Debugf("Writing %v = %v as '% x'", name, value, b)

	pkt := optolink.BuildWritePacket(e.dev.Control, uint16(cmd.Address), b, u.Signed)
	_, err = e.transact(ctx, cmd, pkt, optolink.RoleWriteStatus)
	return err
}

func checkBounds(cmd *CommandDefinition, u *UnitDefinition, value any) error {
	if cmd.Min == nil && cmd.Max == nil {
		return nil
	}
	if (u.Type != UnitInteger && u.Type != UnitList) || u.Transform == TransformBool {
		return nil
	}
	f, err := toFloat(value)
	if err != nil {
		return fmt.Errorf("%v: %w", cmd.Name, err)
	}
	if cmd.Min != nil && f < *cmd.Min {
		return fmt.Errorf("%w: %v below minimum %v of %v", ErrValue, f, *cmd.Min, cmd.Name)
	}
	if cmd.Max != nil && f > *cmd.Max {
		return fmt.Errorf("%w: %v above maximum %v of %v", ErrValue, f, *cmd.Max, cmd.Name)
	}
	return nil
}

// Push writes the current value the value source holds for name
func (e *Engine) Push(ctx context.Context, name string) error {
	if e.source == nil {
		return fmt.Errorf("%w: no value source for %v", ErrValue, name)
	}
	v, ok := e.source.CurrentValue(name)
	if !ok {
		return fmt.Errorf("%w: no current value for %v", ErrValue, name)
	}
	return e.Write(ctx, name, v)
}

// ReadAll reads every command of the device set. Timer applications are read last,
// which publishes their schedules.
func (e *Engine) ReadAll(ctx context.Context) error {
	var names []string
	for _, n := range e.dev.names {
		if !e.timers.IsTimerCommand(n) {
			names = append(names, n)
		}
	}
	err := e.ReadInitial(ctx, names)
	if ctx.Err() != nil {
		return err
	}
	return errors.Join(err, e.timers.ReadAll(ctx))
}

// ReadInitial reads names one after another. A failed read does not stop the others.
func (e *Engine) ReadInitial(ctx context.Context, names []string) error {
	var errs []error
	for _, n := range names {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := e.Read(ctx, n); err != nil {
			log.Warnf("Initial read of %v failed: %v", n, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FollowUp lists the reads following a write
type FollowUp struct {
	// ReadBack reads the written command again
	ReadBack bool
	// ReadAfter are read right after the write
	ReadAfter []string
	// Triggers are read after TriggerDelay, DefaultTriggerDelay if zero
	Triggers     []string
	TriggerDelay time.Duration
}

// WriteWithFollowUp writes value to name and runs the follow up reads.
// A failed write skips them. The delay does not hold the link.
func (e *Engine) WriteWithFollowUp(ctx context.Context, name string, value any, f FollowUp) error {
	if err := e.Write(ctx, name, value); err != nil {
		return err
	}

	reads := f.ReadAfter
	if f.ReadBack {
		reads = append([]string{name}, reads...)
	}
	var errs []error
	if err := e.ReadInitial(ctx, reads); err != nil {
		errs = append(errs, err)
	}

	if len(f.Triggers) > 0 {
		delay := f.TriggerDelay
		if delay == 0 {
			delay = DefaultTriggerDelay
		}
		log.Debugf("Triggering %v in %v", f.Triggers, delay)
		if err := e.sleep(ctx, delay); err != nil {
			return errors.Join(append(errs, err)...)
		}
		if err := e.ReadInitial(ctx, f.Triggers); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Identify reads the device identification and returns its device type name.
// Unknown identifications come back as the code, e.g. "20CB".
func (e *Engine) Identify(ctx context.Context) (string, error) {
	cmd := &CommandDefinition{Name: "identification", Address: identAddress, Length: 2}
	cs := e.dev.Control
	req := optolink.NewRequest(uint16(identAddress), optolink.BuildReadPacket(cs, uint16(identAddress), 2),
		optolink.ResponseLen(cs, 2, optolink.RoleReadValue), optolink.RoleReadValue)
	raw, err := e.t.Transact(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%v: %w", cmd.Name, err)
	}
	f, err := e.parser.split(raw, Pending{Command: cmd, Role: optolink.RoleReadValue})
	if err != nil {
		return "", err
	}
	if f.failed || len(f.payload) < 2 {
		return "", fmt.Errorf("%w: no device identification in '% x'", optolink.ErrProtocol, raw)
	}
	v, err := lookupCodec{table: e.dev.DeviceTypes, width: 2, format: "%04X"}.Decode(nil, f.payload)
	if err != nil {
		return "", err
	}
	log.Infof("Device identified as %v", v)
	return v.(string), nil
}
