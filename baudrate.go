package diagterm

import (
	"fmt"
	"strconv"
	"strings"
)

type BaudRate int

func (b BaudRate) Int() int {
	return int(b)
}

func (b BaudRate) String() string {
	return strconv.Itoa(int(b))
}

const (
	Baud1200   BaudRate = 1200
	Baud2400   BaudRate = 2400
	Baud4800   BaudRate = 4800
	Baud9600   BaudRate = 9600
	Baud19200  BaudRate = 19200
	Baud38400  BaudRate = 38400
	Baud57600  BaudRate = 57600
	Baud74880  BaudRate = 74880
	Baud115200 BaudRate = 115200
	Baud230400 BaudRate = 230400
	Baud460800 BaudRate = 460800
	Baud921600 BaudRate = 921600
)

const (
	// ControlBaudRate is used for the transient bootloader-entry open. The
	// rate itself is irrelevant to the pulse, it only has to be accepted.
	ControlBaudRate = Baud115200

	// EspTransferBaudRate is what esptool uploads at, independent of the
	// monitoring rate.
	EspTransferBaudRate = Baud921600

	// ArduinoTransferBaudRate is the optiboot upload rate.
	ArduinoTransferBaudRate = Baud115200
)

var validBaudRates = []BaudRate{
	Baud1200, Baud2400, Baud4800, Baud9600, Baud19200, Baud38400,
	Baud57600, Baud74880, Baud115200, Baud230400, Baud460800, Baud921600,
}

// ValidBaudRates returns the monitoring rates accepted by Open.
func ValidBaudRates() []BaudRate {
	out := make([]BaudRate, len(validBaudRates))
	copy(out, validBaudRates)
	return out
}

// ParseBaudRate parses a decimal rate and checks it against ValidBaudRates.
func ParseBaudRate(s string) (BaudRate, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidBaudRate, s)
	}
	if err := ValidateBaudRate(n); err != nil {
		return 0, err
	}
	return BaudRate(n), nil
}
