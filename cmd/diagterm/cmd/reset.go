package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	diagterm "github.com/Pupariaa/DiagTerm"
)

var (
	resetBaud   int
	bootFamily  string
	bootAdapter string
)

var resetCmd = &cobra.Command{
	Use:   "reset <port>",
	Short: "Reset a board by pulsing DTR/RTS",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		baud := resetBaud
		if baud == 0 {
			baud = a.cfg.DefaultBaudRate
		}
		if _, err := a.reg.Open(cmd.Context(), args[0], baud); err != nil {
			return err
		}
		if err := a.reg.ResetLines(cmd.Context(), args[0]); err != nil {
			return err
		}
		a.emit(map[string]any{"path": args[0], "reset": true}, fmt.Sprintf("%s reset", args[0]))
		return a.reg.Close(args[0])
	},
}

var bootloaderCmd = &cobra.Command{
	Use:   "bootloader <port>",
	Short: "Put a board into its bootloader without flashing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		family, err := diagterm.ParseDeviceFamily(bootFamily)
		if err != nil {
			return err
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		adapter := diagterm.ParseAdapterChip(bootAdapter)
		if err := diagterm.NewSequencer(a.reg).EnterBootloader(cmd.Context(), args[0], family, adapter); err != nil {
			return err
		}
		a.emit(map[string]any{"path": args[0], "family": family, "adapter": adapter},
			fmt.Sprintf("%s in %s bootloader", args[0], family))
		return nil
	},
}

func init() {
	resetCmd.Flags().IntVarP(&resetBaud, "baud", "b", 0, "baud rate to open the port at")
	bootloaderCmd.Flags().StringVarP(&bootFamily, "family", "f", string(diagterm.FamilyESP32), "device family (ESP32, ESP8266, Arduino)")
	bootloaderCmd.Flags().StringVarP(&bootAdapter, "adapter", "a", "", "USB adapter chip")
	rootCmd.AddCommand(resetCmd, bootloaderCmd)
}
