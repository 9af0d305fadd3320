package diagterm

import (
	"strconv"
	"strings"
)

// esptoolArgs builds `python -m esptool ...`. The order is fixed; esptool
// expects the global options before write_flash.
func esptoolArgs(family DeviceFamily, port, address, file string) []string {
	return []string{
		"-m", "esptool",
		"--chip", strings.ToLower(string(family)),
		"--port", port,
		"--baud", EspTransferBaudRate.String(),
		"--before", "default_reset",
		"--after", "hard_reset",
		"write_flash",
		"--flash_mode", "dio",
		"--flash_freq", "80m",
		"--flash_size", "detect",
		address,
		file,
	}
}

// avrdudeArgs programs an ATmega328P through the arduino (optiboot)
// programmer, skipping the chip erase.
func avrdudeArgs(conf, port, file string) []string {
	return []string{
		"-C", conf,
		"-p", "atmega328p",
		"-c", "arduino",
		"-P", port,
		"-b", strconv.Itoa(ArduinoTransferBaudRate.Int()),
		"-D",
		"-U", "flash:w:" + file + ":i",
	}
}
