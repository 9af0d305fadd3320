package diagterm

import (
	gobug "go.bug.st/serial"
)

// DataBits, Parity and StopBits wrap the go.bug.st values so callers do not
// need to import it. Sessions always run 8N1; the types exist for newMode.

type DataBits int

func (d DataBits) Int() int {
	return int(d)
}

const DataBits8 DataBits = 8

type Parity gobug.Parity

func (pa Parity) Get() gobug.Parity {
	return gobug.Parity(pa)
}

const ParityNone = Parity(gobug.NoParity)

type StopBits gobug.StopBits

func (sb StopBits) Get() gobug.StopBits {
	return gobug.StopBits(sb)
}

const StopBits1 = StopBits(gobug.OneStopBit)

// newMode builds the 8N1 mode for baud. InitialStatusBits is left nil so the
// driver default (DTR and RTS asserted) applies, matching what a terminal
// does on open.
func newMode(baud int) *gobug.Mode {
	return &gobug.Mode{
		BaudRate: BaudRate(baud).Int(),
		DataBits: DataBits8.Int(),
		Parity:   ParityNone.Get(),
		StopBits: StopBits1.Get(),
	}
}
