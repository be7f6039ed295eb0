package vogo

import "errors"

var (
	// ErrValue is returned when a value can not be encoded or is out of range.
	// Nothing has been sent to the device in that case.
	ErrValue = errors.New("invalid value")

	// ErrUnknownCommand is returned for names or addresses not in the device set
	ErrUnknownCommand = errors.New("unknown command")

	// ErrNotWritable is returned when writing a read-only command
	ErrNotWritable = errors.New("command not writable")

	// ErrWriteFailed is returned when the device reported a failed write
	ErrWriteFailed = errors.New("write failed")

	// ErrTimersNotRead is returned when a schedule is applied before the timers were read once
	ErrTimersNotRead = errors.New("timers not read yet")
)
