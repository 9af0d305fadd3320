package diagterm

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// DependencyState is the cached availability of the esptool module.
type DependencyState int32

const (
	DependencyUnknown DependencyState = iota
	DependencyUnavailable
	DependencyAvailable
)

func (s DependencyState) String() string {
	switch s {
	case DependencyUnavailable:
		return "unavailable"
	case DependencyAvailable:
		return "available"
	default:
		return "unknown"
	}
}

const (
	pythonDownloadURL = "https://www.python.org/downloads/"

	msgPythonMissing  = "Python is not installed or not in PATH. Please install Python from " + pythonDownloadURL
	msgPythonNotFound = "Python not found in PATH.\n\nPlease install Python from " + pythonDownloadURL +
		"\n\nMake sure to check \"Add Python to PATH\" during installation."
	msgManualInstall = "\n\nPlease install manually: python -m pip install esptool"
)

// execWaitDelay bounds how long Run waits for output after the child exits
// or is killed.
const execWaitDelay = 2 * time.Second

var installSuccessMarkers = []string{"Successfully installed", "Requirement already satisfied"}

// CommandRunner runs an external program to completion. Every stdout and
// stderr line is passed to onLine as it arrives. The exit code is -1 when
// the program could not be started or was killed; a non-nil error means it
// did not run to completion.
type CommandRunner interface {
	Run(ctx context.Context, name string, args []string, onLine func(string)) (int, error)
}

// ExecRunner is the CommandRunner backed by os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args []string, onLine func(string)) (int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	// a grandchild holding the output pipe must not stall a cancelled run
	cmd.WaitDelay = execWaitDelay
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return -1, err
	}

	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 0, readBufferSize), maxLineSize)
		sc.Split(scanOutputLines)
		for sc.Scan() {
			if line := strings.TrimRight(sc.Text(), " \t"); line != "" && onLine != nil {
				onLine(line)
			}
		}
		// keep the writers unblocked if the scanner gave up early
		_, _ = io.Copy(io.Discard, pr)
	}()

	err := cmd.Wait()
	_ = pw.Close()
	<-scanDone

	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil {
		// the child exited; only its leftover output was cut off
		return cmd.ProcessState.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}

// scanOutputLines splits on '\n' and on a bare '\r', which tools use to
// redraw a progress line in place.
func scanOutputLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			return i + 2, data[:i], nil
		}
		if data[i] == '\r' && i+1 == len(data) && !atEOF {
			// need more data to tell \r from \r\n
			return 0, nil, nil
		}
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Toolchain checks for the Python interpreter and the esptool module and
// installs esptool through pip when it is missing. The availability is
// cached for the life of the value.
type Toolchain struct {
	cfg     Config
	runner  CommandRunner
	metrics *Metrics
	logger  zerolog.Logger

	state     atomic.Int32
	installMu sync.Mutex
}

// NewToolchain returns a Toolchain in the Unknown state.
func NewToolchain(cfg Config, runner CommandRunner, metrics *Metrics, logger zerolog.Logger) *Toolchain {
	if runner == nil {
		runner = ExecRunner{}
	}
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &Toolchain{
		cfg:     cfg,
		runner:  runner,
		metrics: metrics,
		logger:  logger.With().Str("component", "toolchain").Logger(),
	}
}

// State returns the cached esptool availability.
func (t *Toolchain) State() DependencyState {
	return DependencyState(t.state.Load())
}

// Invalidate marks esptool unavailable so the next Ensure reinstalls it.
func (t *Toolchain) Invalidate() {
	t.state.Store(int32(DependencyUnavailable))
}

// Ensure makes sure esptool can be run. A missing interpreter fails with
// ErrDependencyMissing. A missing module is installed, with the installer
// output passed to onLine.
func (t *Toolchain) Ensure(ctx context.Context, onLine func(string)) error {
	if t.State() == DependencyAvailable {
		return nil
	}
	if !t.probePython(ctx) {
		return &FlashError{Kind: ErrDependencyMissing, Code: -1, Message: msgPythonMissing}
	}
	if t.probeEsptool(ctx) {
		t.state.Store(int32(DependencyAvailable))
		return nil
	}
	t.state.Store(int32(DependencyUnavailable))
	return t.Install(ctx, onLine)
}

// Install runs pip for esptool. Concurrent callers are serialized; a caller
// that waited behind a successful install returns without running pip.
func (t *Toolchain) Install(ctx context.Context, onLine func(string)) error {
	t.installMu.Lock()
	defer t.installMu.Unlock()

	if t.State() == DependencyAvailable {
		return nil
	}

	t.logger.Info().Str("python", t.cfg.PythonCommand).Msg("installing esptool")
	emit(onLine, "Installing esptool...")

	var out strings.Builder
	code, err := t.runner.Run(ctx, t.cfg.PythonCommand, []string{"-m", "pip", "install", "esptool", "--user"}, func(line string) {
		out.WriteString(line)
		out.WriteByte('\n')
		emit(onLine, line)
	})
	output := out.String()

	if err == nil && (code == 0 || containsAny(output, installSuccessMarkers)) {
		t.state.Store(int32(DependencyAvailable))
		t.metrics.ToolInstalls.Inc()
		emit(onLine, "esptool installed successfully!")
		t.logger.Info().Msg("esptool installed")
		return nil
	}

	t.metrics.ToolInstallFailures.Inc()
	t.state.Store(int32(DependencyUnavailable))
	detail := "Installation failed: " + strings.TrimSpace(output)
	if err != nil {
		detail = err.Error()
	}
	t.logger.Warn().Err(err).Int("code", code).Msg("esptool install failed")
	return &FlashError{
		Kind:    ErrDependencyInstallFailed,
		Code:    code,
		Message: "Failed to install esptool: " + detail + msgManualInstall,
		Output:  output,
		Err:     err,
	}
}

func (t *Toolchain) probePython(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.ProbeTimeout)
	defer cancel()
	code, err := t.runner.Run(ctx, t.cfg.PythonCommand, []string{"--version"}, nil)
	ok := err == nil && code == 0
	t.logger.Debug().Bool("available", ok).Msg("python probe")
	return ok
}

func (t *Toolchain) probeEsptool(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.ProbeTimeout)
	defer cancel()
	var out strings.Builder
	code, err := t.runner.Run(ctx, t.cfg.PythonCommand, []string{"-m", "esptool", "version"}, func(line string) {
		out.WriteString(line)
	})
	output := out.String()
	ok := err == nil && (code == 0 || (strings.Contains(output, "esptool") && !strings.Contains(output, "No module named")))
	t.logger.Debug().Bool("available", ok).Msg("esptool probe")
	return ok
}

func emit(onLine func(string), line string) {
	if onLine != nil {
		onLine(line)
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
