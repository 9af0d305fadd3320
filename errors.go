package diagterm

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidPortName  = errors.New("diagterm: invalid port name")
	ErrInvalidBaudRate  = errors.New("diagterm: invalid baud rate")
	ErrPortUnavailable  = errors.New("diagterm: port unavailable")
	ErrNotOpen          = errors.New("diagterm: port not open")
	ErrPortBusy         = errors.New("diagterm: port has an open session")
	ErrControlLine      = errors.New("diagterm: failed to set DTR/RTS")
	ErrRegistryShutdown = errors.New("diagterm: registry shut down")

	ErrFileNotFound            = errors.New("diagterm: file not found")
	ErrUnsupportedDevice       = errors.New("diagterm: unsupported device type")
	ErrFlashInProgress         = errors.New("diagterm: flash already in progress for port")
	ErrDependencyMissing       = errors.New("diagterm: dependency missing")
	ErrDependencyInstallFailed = errors.New("diagterm: dependency install failed")
	ErrExecutableNotFound      = errors.New("diagterm: executable not found")
	ErrFlashFailed             = errors.New("diagterm: flash failed")
)

// disconnectMarkers are the error substrings that mean the device went away
// rather than a single write going wrong.
var disconnectMarkers = []string{"disconnected", "not found", "Access denied", "cannot open"}

// IsDisconnectError reports whether err looks like the physical port has
// disappeared. Both the write path and the session reader use it.
func IsDisconnectError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, m := range disconnectMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// PortError ties a port-level failure to the path it happened on.
type PortError struct {
	Path string
	Kind error
	Err  error
}

func (e *PortError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Path, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Path, e.Kind, e.Err)
}

func (e *PortError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// FlashError is returned by the flash workflow. Message is the operator
// facing text; Output carries whatever the tool printed before it failed.
type FlashError struct {
	Kind    error
	Code    int
	Message string
	Output  string
	Err     error
}

func (e *FlashError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return e.Kind.Error()
}

func (e *FlashError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func notOpen(path string) error {
	return &PortError{Path: path, Kind: ErrNotOpen}
}
