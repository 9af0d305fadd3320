package diagterm

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
)

// Config holds the tunables for the registry, the monitor and the flash
// workflow. DefaultConfig returns the values the timings were measured with.
type Config struct {
	DefaultBaudRate int `validate:"required,gt=0"`

	// MonitorInterval is how often open sessions are checked against a
	// fresh enumeration.
	MonitorInterval time.Duration `validate:"gt=0"`
	// ReconnectSettle is the delay between seeing a port reappear and
	// reopening it.
	ReconnectSettle time.Duration `validate:"gte=0"`
	// ResetPulse is the low time of a manual DTR/RTS reset.
	ResetPulse time.Duration `validate:"gte=0"`
	// BootloaderSettle is waited after the bootloader pulse, with the port
	// closed, before anyone else may open it.
	BootloaderSettle time.Duration `validate:"gte=0"`
	// ReopenSettle is waited after a successful flash before reopening.
	ReopenSettle time.Duration `validate:"gte=0"`
	// RetryDelay separates a tool reinstall from the flash retry.
	RetryDelay time.Duration `validate:"gte=0"`
	// ProbeTimeout bounds the interpreter and tool probes.
	ProbeTimeout time.Duration `validate:"gt=0"`

	PythonCommand       string `validate:"required"`
	AvrdudePath         string `validate:"required"`
	AvrdudeConfig       string `validate:"required"`
	DefaultFlashAddress string `validate:"required,hexadecimal"`

	HistoryPath string
	Log         LogConfig
}

// DefaultConfig returns a Config for the running platform.
func DefaultConfig() Config {
	python, avrdude := "python3", "avrdude"
	if runtime.GOOS == "windows" {
		python, avrdude = "python", "avrdude.exe"
	}
	return Config{
		DefaultBaudRate:     Baud115200.Int(),
		MonitorInterval:     2 * time.Second,
		ReconnectSettle:     500 * time.Millisecond,
		ResetPulse:          100 * time.Millisecond,
		BootloaderSettle:    100 * time.Millisecond,
		ReopenSettle:        500 * time.Millisecond,
		RetryDelay:          time.Second,
		ProbeTimeout:        3 * time.Second,
		PythonCommand:       python,
		AvrdudePath:         avrdude,
		AvrdudeConfig:       "avrdude.conf",
		DefaultFlashAddress: "0x10000",
		Log:                 LogConfig{Level: "info"},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the struct tags and the baud rate table.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := ValidateBaudRate(c.DefaultBaudRate); err != nil {
		return fmt.Errorf("invalid config: default baud rate: %w", err)
	}
	return nil
}

// fileConfig is the on-disk shape. Durations are Go duration strings.
type fileConfig struct {
	DefaultBaudRate     *int       `json:"default_baud_rate"`
	MonitorInterval     string     `json:"monitor_interval"`
	ReconnectSettle     string     `json:"reconnect_settle"`
	ResetPulse          string     `json:"reset_pulse"`
	BootloaderSettle    string     `json:"bootloader_settle"`
	ReopenSettle        string     `json:"reopen_settle"`
	RetryDelay          string     `json:"retry_delay"`
	ProbeTimeout        string     `json:"probe_timeout"`
	PythonCommand       string     `json:"python_command"`
	AvrdudePath         string     `json:"avrdude_path"`
	AvrdudeConfig       string     `json:"avrdude_config"`
	DefaultFlashAddress string     `json:"default_flash_address"`
	HistoryPath         string     `json:"history_path"`
	Log                 *LogConfig `json:"log"`
}

// LoadConfig reads a JSON config file over DefaultConfig. A missing file is
// not an error: the defaults are returned.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	var fc fileConfig
	if err := json.Unmarshal(raw, &fc); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := fc.apply(&cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (fc fileConfig) apply(cfg *Config) error {
	if fc.DefaultBaudRate != nil {
		cfg.DefaultBaudRate = *fc.DefaultBaudRate
	}
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"monitor_interval", fc.MonitorInterval, &cfg.MonitorInterval},
		{"reconnect_settle", fc.ReconnectSettle, &cfg.ReconnectSettle},
		{"reset_pulse", fc.ResetPulse, &cfg.ResetPulse},
		{"bootloader_settle", fc.BootloaderSettle, &cfg.BootloaderSettle},
		{"reopen_settle", fc.ReopenSettle, &cfg.ReopenSettle},
		{"retry_delay", fc.RetryDelay, &cfg.RetryDelay},
		{"probe_timeout", fc.ProbeTimeout, &cfg.ProbeTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}
	setString(&cfg.PythonCommand, fc.PythonCommand)
	setString(&cfg.AvrdudePath, fc.AvrdudePath)
	setString(&cfg.AvrdudeConfig, fc.AvrdudeConfig)
	setString(&cfg.DefaultFlashAddress, fc.DefaultFlashAddress)
	setString(&cfg.HistoryPath, fc.HistoryPath)
	if fc.Log != nil {
		cfg.Log = *fc.Log
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
