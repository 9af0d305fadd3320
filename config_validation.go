package diagterm

import (
	"fmt"
	"strings"
)

// ValidateBaudRate checks rate against the supported monitoring rates.
func ValidateBaudRate(rate int) error {
	for _, v := range validBaudRates {
		if rate == v.Int() {
			return nil
		}
	}
	return fmt.Errorf("%w %d, must be one of: %v", ErrInvalidBaudRate, rate, validBaudRates)
}

// validatePortName rejects names that can never be a serial device. Whether
// the device exists is left to the open call so its native error reaches
// the caller.
func validatePortName(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%w: port name cannot be empty", ErrInvalidPortName)
	}
	// Security: Prevent path traversal attacks
	if strings.Contains(path, "..") {
		return fmt.Errorf("%w: contains path traversal: %s", ErrInvalidPortName, path)
	}
	return nil
}

// isValidPortPattern reports whether name looks like a serial device on any
// supported OS. Enumerate uses it to order likely boards first.
func isValidPortPattern(portName string) bool {
	// Windows: COM1-COM999 (must have at least one digit after COM)
	if strings.HasPrefix(portName, "COM") && len(portName) >= 4 && len(portName) <= 6 {
		return true
	}
	// Unix/Linux: /dev/tty* or /dev/cu* (macOS)
	if strings.HasPrefix(portName, "/dev/tty") || strings.HasPrefix(portName, "/dev/cu") {
		return true
	}
	return false
}
