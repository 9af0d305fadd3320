package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	diagterm "github.com/Pupariaa/DiagTerm"
	"github.com/Pupariaa/DiagTerm/history"
)

var (
	monitorBaud   int
	monitorEOL    string
	monitorNoSave bool
)

var monitorCmd = &cobra.Command{
	Use:   "monitor <port>",
	Short: "Stream a serial port and send stdin to it",
	Long: `Open a port, print every received line and send each stdin line to the
device. The port is watched for disconnects and reopened at the same baud
rate when it comes back. Interrupt with Ctrl-C.`,
	Args: cobra.ExactArgs(1),
	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().IntVarP(&monitorBaud, "baud", "b", 0, "baud rate (default: last used for the port, else config)")
	monitorCmd.Flags().StringVar(&monitorEOL, "eol", "\n", "line ending appended to each stdin line")
	monitorCmd.Flags().BoolVar(&monitorNoSave, "no-save", false, "do not remember the baud rate for this port")
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	path := args[0]
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := a.openHistory(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("history unavailable")
	} else {
		defer store.Close() //nolint:errcheck
	}

	baud := monitorBaud
	if baud == 0 {
		baud = a.cfg.DefaultBaudRate
		if store != nil {
			if pref, perr := store.PortPreference(ctx, path); perr == nil {
				baud = pref.BaudRate
			}
		}
	}

	unsubscribe := a.reg.Subscribe(a.printEvent)
	defer unsubscribe()

	res, err := a.reg.Open(ctx, path, baud)
	if err != nil {
		return err
	}
	a.emit(res, fmt.Sprintf("monitoring %s at %d baud", path, res.Session.BaudRate))
	if store != nil && !monitorNoSave {
		if err := store.SavePortPreference(ctx, history.PortPreference{Path: path, BaudRate: baud}); err != nil {
			a.logger.Warn().Err(err).Msg("saving port preference")
		}
	}
	a.reg.StartMonitor()

	if term.IsTerminal(int(os.Stdin.Fd())) && !jsonOutput {
		fmt.Fprintln(os.Stderr, "type a line and press Enter to send it, Ctrl-C to quit")
	}
	go sendStdin(ctx, a, path)

	<-ctx.Done()
	return nil
}

func sendStdin(ctx context.Context, a *app, path string) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if err := a.reg.Write(ctx, path, []byte(sc.Text()+monitorEOL)); err != nil {
			a.printEvent(diagterm.Event{Kind: diagterm.EventPortError, Path: path, Message: err.Error()})
		}
	}
}
