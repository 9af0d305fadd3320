package diagterm

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Sequencer drives the control lines of a closed port to put the target
// into its firmware-update mode.
type Sequencer struct {
	reg    *Registry
	logger zerolog.Logger
}

// NewSequencer returns a Sequencer that refuses ports reg has open.
func NewSequencer(reg *Registry) *Sequencer {
	return &Sequencer{
		reg:    reg,
		logger: reg.logger.With().Str("component", "bootloader").Logger(),
	}
}

// EnterBootloader opens path at ControlBaudRate, replays the sequence for
// family and adapter, closes the port and waits BootloaderSettle. The
// caller must close any session on path first.
func (q *Sequencer) EnterBootloader(ctx context.Context, path string, family DeviceFamily, adapter AdapterChip) error {
	if err := validatePortName(path); err != nil {
		return err
	}
	if q.reg.IsOpen(path) {
		return &PortError{Path: path, Kind: ErrPortBusy}
	}

	steps := LookupSequence(family, adapter)
	log := q.logger.With().Str("path", path).Str("family", string(family)).Str("adapter", string(adapter)).Logger()

	h, err := openPort(path, newMode(ControlBaudRate.Int()))
	if err != nil {
		log.Warn().Err(err).Msg("failed to open port for bootloader")
		return &PortError{Path: path, Kind: ErrPortUnavailable, Err: fmt.Errorf("failed to open port for bootloader: %w", err)}
	}

	if err = applySteps(ctx, h, steps, q.reg.sleep); err != nil {
		var se *stepError
		if errors.As(err, &se) {
			log.Warn().Err(se.err).Int("step", se.index).Msg("control line step failed")
			return closeOnError(h, &PortError{Path: path, Kind: ErrControlLine, Err: se.err})
		}
		return closeOnError(h, err)
	}

	if err = h.Close(); err != nil {
		log.Debug().Err(err).Msg("closing after bootloader sequence")
	}
	if err = q.reg.sleep(ctx, q.reg.cfg.BootloaderSettle); err != nil {
		return err
	}
	log.Debug().Int("steps", len(steps)).Msg("bootloader sequence complete")
	return nil
}
