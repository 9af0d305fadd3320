package diagterm

import (
	"context"
	"time"

	gobug "go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// portHandle abstracts the subset of go.bug.st/serial.Port used by this package.
type portHandle interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	SetReadTimeout(t time.Duration) error
	Close() error
}

// allow tests to override external dependencies
var (
	openPort             = func(name string, mode *gobug.Mode) (portHandle, error) { return gobug.Open(name, mode) }
	getPortsList         = gobug.GetPortsList
	getDetailedPortsList = enumerator.GetDetailedPortsList
)

// sleeper waits for d or until ctx is done. Every hold and settle delay in
// the package goes through one so tests can record or skip them.
type sleeper func(ctx context.Context, d time.Duration) error

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

// setLines drives both modem output lines. DTR goes first, as the node
// serialport set() call the sequences were tuned against does.
func setLines(h portHandle, dtr, rts bool) error {
	if err := h.SetDTR(dtr); err != nil {
		return err
	}
	return h.SetRTS(rts)
}

// applySteps replays steps strictly in order: set the lines, hold, advance.
func applySteps(ctx context.Context, h portHandle, steps []ControlStep, sleep sleeper) error {
	for i, st := range steps {
		if err := setLines(h, st.DTR, st.RTS); err != nil {
			return &stepError{index: i, err: err}
		}
		if err := sleep(ctx, st.Hold); err != nil {
			return err
		}
	}
	return nil
}

type stepError struct {
	index int
	err   error
}

func (e *stepError) Error() string { return e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }
