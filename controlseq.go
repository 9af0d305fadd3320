package diagterm

import (
	"fmt"
	"strings"
	"time"
)

// DeviceFamily is the target microcontroller family.
type DeviceFamily string

const (
	FamilyESP32   DeviceFamily = "ESP32"
	FamilyESP8266 DeviceFamily = "ESP8266"
	FamilyArduino DeviceFamily = "Arduino"
)

// IsESP reports whether the family is flashed with esptool.
func (f DeviceFamily) IsESP() bool {
	return f == FamilyESP32 || f == FamilyESP8266
}

// Supported reports whether the flash workflow knows how to program f.
func (f DeviceFamily) Supported() bool {
	return f.IsESP() || f == FamilyArduino
}

// ParseDeviceFamily accepts the family names case-insensitively.
func ParseDeviceFamily(s string) (DeviceFamily, error) {
	for _, f := range []DeviceFamily{FamilyESP32, FamilyESP8266, FamilyArduino} {
		if strings.EqualFold(strings.TrimSpace(s), string(f)) {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedDevice, s)
}

// AdapterChip is the USB-to-serial bridge between the host and the target.
type AdapterChip string

const (
	AdapterCP2102     AdapterChip = "CP2102"
	AdapterCP2104     AdapterChip = "CP2104"
	AdapterCH340      AdapterChip = "CH340"
	AdapterCH341      AdapterChip = "CH341"
	AdapterFT232      AdapterChip = "FT232"
	AdapterFT2232     AdapterChip = "FT2232"
	AdapterPL2303     AdapterChip = "PL2303"
	AdapterATmega16U2 AdapterChip = "ATmega16U2"
	AdapterATmega32U4 AdapterChip = "ATmega32U4"
	AdapterGeneric    AdapterChip = "Generic"
)

// KnownAdapters lists every adapter with a table entry.
func KnownAdapters() []AdapterChip {
	return []AdapterChip{
		AdapterCP2102, AdapterCP2104, AdapterCH340, AdapterCH341, AdapterFT232,
		AdapterFT2232, AdapterPL2303, AdapterATmega16U2, AdapterATmega32U4, AdapterGeneric,
	}
}

// ParseAdapterChip matches a known adapter case-insensitively. Unknown names
// are returned as-is; the lookup falls back to Generic for them.
func ParseAdapterChip(s string) AdapterChip {
	s = strings.TrimSpace(s)
	if s == "" {
		return AdapterGeneric
	}
	for _, a := range KnownAdapters() {
		if strings.EqualFold(s, string(a)) {
			return a
		}
	}
	return AdapterChip(s)
}

// ControlStep is one entry of a DTR/RTS pulse: drive the lines, then hold.
type ControlStep struct {
	DTR  bool
	RTS  bool
	Hold time.Duration
}

// espBootSequence pulls EN low through RTS while IO0 stays released, then
// releases both so the chip samples IO0 on the way out of reset.
var espBootSequence = []ControlStep{
	{DTR: false, RTS: true, Hold: 100 * time.Millisecond},
	{DTR: false, RTS: false, Hold: 50 * time.Millisecond},
}

// arduinoBootSequence toggles the auto-reset capacitor so optiboot starts.
var arduinoBootSequence = []ControlStep{
	{DTR: false, RTS: false, Hold: 100 * time.Millisecond},
	{DTR: true, RTS: true, Hold: 100 * time.Millisecond},
	{DTR: false, RTS: false, Hold: 100 * time.Millisecond},
}

// settleSequence is replayed after a successful flash when the monitoring
// session is reopened; it resets the target into its new firmware.
var settleSequence = []ControlStep{
	{DTR: false, RTS: false, Hold: 100 * time.Millisecond},
	{DTR: false, RTS: true, Hold: 100 * time.Millisecond},
	{DTR: false, RTS: false},
}

// controlSequences is keyed by family then adapter. Every adapter currently
// shares its family's sequence; the adapter axis is kept so a bridge that
// needs different timing can get its own row.
var controlSequences = buildControlSequences()

func buildControlSequences() map[DeviceFamily]map[AdapterChip][]ControlStep {
	table := map[DeviceFamily]map[AdapterChip][]ControlStep{}
	for family, seq := range map[DeviceFamily][]ControlStep{
		FamilyESP32:   espBootSequence,
		FamilyESP8266: espBootSequence,
		FamilyArduino: arduinoBootSequence,
	} {
		rows := make(map[AdapterChip][]ControlStep, len(KnownAdapters()))
		for _, a := range KnownAdapters() {
			rows[a] = seq
		}
		table[family] = rows
	}
	return table
}

// LookupSequence returns the bootloader-entry pulse for family and adapter.
// An unknown adapter falls back to the family's Generic row, an unknown
// family to ESP32/Generic. The returned slice is a copy.
func LookupSequence(family DeviceFamily, adapter AdapterChip) []ControlStep {
	rows, ok := controlSequences[family]
	if !ok {
		rows = controlSequences[FamilyESP32]
	}
	seq, ok := rows[adapter]
	if !ok {
		seq = rows[AdapterGeneric]
	}
	return cloneSteps(seq)
}

// SettleSequence returns the post-flash reset pulse.
func SettleSequence() []ControlStep {
	return cloneSteps(settleSequence)
}

func cloneSteps(in []ControlStep) []ControlStep {
	out := make([]ControlStep, len(in))
	copy(out, in)
	return out
}
