package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	diagterm "github.com/Pupariaa/DiagTerm"
	"github.com/Pupariaa/DiagTerm/history"
)

var (
	flashFamily  string
	flashAdapter string
	flashAddress string
	flashBaud    int
	flashMonitor bool
)

var flashCmd = &cobra.Command{
	Use:   "flash <port> <file>",
	Short: "Flash firmware to an ESP or Arduino board",
	Long: `Put the board into its bootloader with the DTR/RTS sequence for its family
and adapter, run esptool (installed through pip when missing) or avrdude,
and reopen the port afterwards.

Examples:
  diagterm flash /dev/ttyUSB0 app.bin --family ESP32 --adapter CP2102
  diagterm flash COM4 sketch.hex --family Arduino`,
	Args: cobra.ExactArgs(2),
	RunE: runFlash,
}

func init() {
	flashCmd.Flags().StringVarP(&flashFamily, "family", "f", string(diagterm.FamilyESP32), "device family (ESP32, ESP8266, Arduino)")
	flashCmd.Flags().StringVarP(&flashAdapter, "adapter", "a", "", "USB adapter chip (default: guessed from VID/PID)")
	flashCmd.Flags().StringVar(&flashAddress, "address", "", "flash address for esptool (default from config)")
	flashCmd.Flags().IntVarP(&flashBaud, "baud", "b", 0, "baud rate to reopen the port at")
	flashCmd.Flags().BoolVarP(&flashMonitor, "monitor", "m", false, "keep streaming the port after flashing")
	rootCmd.AddCommand(flashCmd)
}

func runFlash(cmd *cobra.Command, args []string) error {
	port, file := args[0], args[1]
	family, err := diagterm.ParseDeviceFamily(flashFamily)
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapter := diagterm.ParseAdapterChip(flashAdapter)
	if flashAdapter == "" {
		adapter = guessAdapter(cmd, a, port)
	}

	opts := []diagterm.FlasherOption{}
	store, herr := a.openHistory(ctx)
	if herr != nil {
		a.logger.Warn().Err(herr).Msg("history unavailable, job will not be recorded")
	} else {
		defer store.Close() //nolint:errcheck
		opts = append(opts, diagterm.WithJobRecorder(store))
	}

	unsubscribe := a.reg.Subscribe(a.printEvent)
	defer unsubscribe()

	flasher := diagterm.NewFlasher(a.reg, opts...)
	res, err := flasher.Flash(ctx, diagterm.FlashRequest{
		Port:     port,
		File:     file,
		Family:   family,
		Adapter:  adapter,
		Address:  flashAddress,
		BaudRate: flashBaud,
	})
	if err != nil {
		a.emit(res, "")
		return err
	}
	if store != nil {
		pref := history.PortPreference{Path: port, BaudRate: a.cfg.DefaultBaudRate, Family: family, Adapter: adapter}
		if flashBaud > 0 {
			pref.BaudRate = flashBaud
		}
		if err := store.SavePortPreference(ctx, pref); err != nil {
			a.logger.Warn().Err(err).Msg("saving port preference")
		}
	}

	text := fmt.Sprintf("flash %s done in %d attempt(s)", res.JobID, res.Attempts)
	if res.Warning != "" {
		text += "\n" + res.Warning
	}
	a.emit(res, text)

	if flashMonitor && a.reg.IsOpen(port) {
		a.reg.StartMonitor()
		<-ctx.Done()
	}
	return nil
}

// guessAdapter looks the port up in a fresh enumeration.
func guessAdapter(cmd *cobra.Command, a *app, port string) diagterm.AdapterChip {
	ports, err := a.reg.Enumerate(cmd.Context())
	if err != nil {
		return diagterm.AdapterGeneric
	}
	for _, p := range ports {
		if p.Path == port {
			return p.Adapter
		}
	}
	return diagterm.AdapterGeneric
}
