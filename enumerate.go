package diagterm

import (
	"errors"
	"sort"
	"strings"
)

// PortInfo is one physically present port.
type PortInfo struct {
	Path         string      `json:"path"`
	Manufacturer string      `json:"manufacturer,omitempty"`
	VendorID     string      `json:"vendor_id,omitempty"`
	ProductID    string      `json:"product_id,omitempty"`
	SerialNumber string      `json:"serial_number,omitempty"`
	Product      string      `json:"product,omitempty"`
	IsUSB        bool        `json:"is_usb"`
	Adapter      AdapterChip `json:"adapter,omitempty"`
}

// The enumerator does not report a manufacturer string on every OS, so it
// is derived from the USB vendor ID of the common bridge chips.
var usbVendors = map[string]string{
	"10C4": "Silicon Labs",
	"1A86": "QinHeng Electronics",
	"0403": "FTDI",
	"067B": "Prolific",
	"2341": "Arduino",
	"2A03": "Arduino",
	"303A": "Espressif",
}

var usbAdapters = map[string]AdapterChip{
	"10C4:EA60": AdapterCP2102,
	"1A86:7523": AdapterCH340,
	"1A86:5523": AdapterCH341,
	"0403:6001": AdapterFT232,
	"0403:6010": AdapterFT2232,
	"067B:2303": AdapterPL2303,
	"2341:0043": AdapterATmega16U2,
	"2341:0001": AdapterATmega16U2,
	"2341:0036": AdapterATmega32U4,
	"2341:8036": AdapterATmega32U4,
}

// GuessAdapter maps a USB VID/PID pair to a known bridge chip, or Generic.
func GuessAdapter(vid, pid string) AdapterChip {
	if a, ok := usbAdapters[strings.ToUpper(vid)+":"+strings.ToUpper(pid)]; ok {
		return a
	}
	return AdapterGeneric
}

// listPorts enumerates present ports, falling back to bare names where the
// detailed listing is not implemented.
func listPorts() ([]PortInfo, error) {
	details, err := getDetailedPortsList()
	if err != nil {
		names, lerr := getPortsList()
		if lerr != nil {
			return nil, errors.Join(err, lerr)
		}
		out := make([]PortInfo, 0, len(names))
		for _, n := range names {
			out = append(out, PortInfo{Path: n, Adapter: AdapterGeneric})
		}
		sortPorts(out)
		return out, nil
	}

	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		if d == nil {
			continue
		}
		info := PortInfo{
			Path:         d.Name,
			IsUSB:        d.IsUSB,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
			Adapter:      AdapterGeneric,
		}
		if d.IsUSB {
			info.VendorID = strings.ToUpper(d.VID)
			info.ProductID = strings.ToUpper(d.PID)
			info.Manufacturer = usbVendors[info.VendorID]
			info.Adapter = GuessAdapter(info.VendorID, info.ProductID)
		}
		out = append(out, info)
	}
	sortPorts(out)
	return out, nil
}

// sortPorts puts USB devices first, then names that look like serial
// devices, then everything else, each group by path.
func sortPorts(ports []PortInfo) {
	rank := func(p PortInfo) int {
		switch {
		case p.IsUSB:
			return 0
		case isValidPortPattern(p.Path):
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(ports, func(i, j int) bool {
		ri, rj := rank(ports[i]), rank(ports[j])
		if ri != rj {
			return ri < rj
		}
		return ports[i].Path < ports[j].Path
	})
}

func portSet(ports []PortInfo) map[string]bool {
	set := make(map[string]bool, len(ports))
	for _, p := range ports {
		set[p.Path] = true
	}
	return set
}
