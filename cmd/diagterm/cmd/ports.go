package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List present serial ports",
	Long: `Enumerate the serial ports the OS currently reports, USB devices first,
with vendor, product and the guessed USB-to-serial adapter chip.`,
	Args: cobra.NoArgs,
	RunE: runPorts,
}

func init() {
	rootCmd.AddCommand(portsCmd)
}

func runPorts(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	ports, err := a.reg.Enumerate(ctx)
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		a.emit([]any{}, "No serial ports found.")
		return nil
	}

	if jsonOutput {
		a.emit(ports, "")
		return nil
	}
	for _, p := range ports {
		var b strings.Builder
		fmt.Fprintf(&b, "%-16s", p.Path)
		if p.IsUSB {
			fmt.Fprintf(&b, " VID:PID %s:%s", p.VendorID, p.ProductID)
		}
		if p.Manufacturer != "" {
			fmt.Fprintf(&b, " %s", p.Manufacturer)
		}
		if p.Product != "" {
			fmt.Fprintf(&b, " %q", p.Product)
		}
		fmt.Fprintf(&b, " [%s]", p.Adapter)
		a.emit(nil, b.String())
	}
	return nil
}
