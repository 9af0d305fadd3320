package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	diagterm "github.com/Pupariaa/DiagTerm"
	"github.com/Pupariaa/DiagTerm/history"
)

var (
	// Global flags
	configPath  string
	logLevel    string
	jsonOutput  bool
	historyPath string
)

var rootCmd = &cobra.Command{
	Use:   "diagterm",
	Short: "Serial monitor and firmware flasher for ESP and Arduino boards",
	Long: `Open serial ports, watch them for disconnects and reconnect automatically,
and flash ESP32/ESP8266 (esptool) or Arduino (avrdude) firmware while a
monitoring session is open on the same port.

Examples:
  diagterm ports                                   # List present ports
  diagterm monitor /dev/ttyUSB0 --baud 115200      # Stream a port, stdin is sent
  diagterm flash COM3 fw.bin --family ESP32        # Flash at 0x10000
  diagterm history COM3                            # Past flash jobs for COM3`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "JSON config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results and events as JSON lines")
	rootCmd.PersistentFlags().StringVar(&historyPath, "history", "", "flash history database (default: user config dir)")
}

// app is what every subcommand needs: config, logger and a registry.
type app struct {
	cfg    diagterm.Config
	logger zerolog.Logger
	reg    *diagterm.Registry
	out    io.Writer

	logCloser io.Closer
}

func newApp() (*app, error) {
	cfg, err := diagterm.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if historyPath != "" {
		cfg.HistoryPath = historyPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, closer, err := diagterm.NewLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	reg, err := diagterm.NewRegistry(cfg, logger)
	if err != nil {
		closer.Close() //nolint:errcheck
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, reg: reg, out: os.Stdout, logCloser: closer}, nil
}

func (a *app) close() {
	if err := a.reg.Shutdown(); err != nil {
		a.logger.Warn().Err(err).Msg("shutdown")
	}
	a.logCloser.Close() //nolint:errcheck
}

// openHistory opens the configured history store.
func (a *app) openHistory(ctx context.Context) (*history.Store, error) {
	path := a.cfg.HistoryPath
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("locating config dir: %w", err)
		}
		path = filepath.Join(dir, "diagterm", "history.db")
	}
	return history.Open(ctx, path)
}

// emit prints v as one JSON line in --json mode, or text otherwise.
func (a *app) emit(v any, text string) {
	if jsonOutput {
		b, err := json.Marshal(v)
		if err != nil {
			a.logger.Warn().Err(err).Msg("encoding output")
			return
		}
		fmt.Fprintln(a.out, string(b))
		return
	}
	if text != "" {
		fmt.Fprintln(a.out, text)
	}
}

// printEvent renders one registry or flash event.
func (a *app) printEvent(ev diagterm.Event) {
	var text string
	switch ev.Kind {
	case diagterm.EventPortData:
		text = fmt.Sprintf("[%s] %s %s", ev.Path, ev.Direction, string(ev.Data))
	case diagterm.EventFlashOutput:
		text = ev.Message
	case diagterm.EventFlashProgress:
		text = fmt.Sprintf("progress %d%%", ev.Progress)
	case diagterm.EventFlashState:
		a.logger.Debug().Str("job", ev.JobID).Str("state", string(ev.State)).Msg("flash state")
	default:
		text = fmt.Sprintf("[%s] %s", ev.Path, ev.Kind)
		if ev.Message != "" {
			text += ": " + ev.Message
		}
	}
	a.emit(ev, text)
}
