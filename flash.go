package diagterm

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// FlashState is the step a flash job is in. Failed is absorbing.
type FlashState string

const (
	FlashIdle                 FlashState = "idle"
	FlashEnsureDependency     FlashState = "ensure-dependency"
	FlashSequencingBootloader FlashState = "sequencing-bootloader"
	FlashFlashing             FlashState = "flashing"
	FlashReopeningPort        FlashState = "reopening-port"
	FlashDone                 FlashState = "done"
	FlashFailed               FlashState = "failed"
)

const (
	toolMissingMarker  = "No module named esptool"
	msgAvrdudeNotFound = "avrdude not found. Please install Arduino IDE or avrdude separately."
	reopenWarning      = "Warning: Failed to reopen port: "
)

// pathHints in a failed esptool run mean the shell could not find Python.
var pathHints = []string{"command not found", "is not recognized"}

// FlashRequest describes one firmware upload.
type FlashRequest struct {
	Port    string
	File    string
	Family  DeviceFamily
	Adapter AdapterChip
	// Address is the esptool write offset; empty uses the configured default.
	Address string
	// BaudRate is restored after the flash when no session was open.
	BaudRate int
}

// FlashResult is the outcome of a job. Output holds everything the tool
// printed; Warning is set when the flash worked but the port could not be
// reopened.
type FlashResult struct {
	JobID    string `json:"job_id"`
	Success  bool   `json:"success"`
	Output   string `json:"output,omitempty"`
	Warning  string `json:"warning,omitempty"`
	Progress int    `json:"progress"`
	Attempts int    `json:"attempts"`
	ExitCode int    `json:"exit_code"`
}

// JobRecord is the persisted summary of a flash job.
type JobRecord struct {
	ID         string
	Port       string
	File       string
	Family     DeviceFamily
	Adapter    AdapterChip
	Address    string
	BaudRate   int
	State      FlashState
	Success    bool
	ExitCode   int
	Progress   int
	Attempts   int
	OutputSize int
	Error      string
	Warning    string
	StartedAt  time.Time
	FinishedAt time.Time
}

// JobRecorder stores job history. Recording failures are logged and never
// fail the job.
type JobRecorder interface {
	RecordStart(ctx context.Context, rec JobRecord) error
	RecordFinish(ctx context.Context, rec JobRecord) error
}

// FlasherOption configures a Flasher.
type FlasherOption func(*Flasher)

// WithCommandRunner replaces the os/exec runner used for every subprocess.
func WithCommandRunner(r CommandRunner) FlasherOption {
	return func(f *Flasher) { f.runner = r }
}

// WithJobRecorder stores every job through rec.
func WithJobRecorder(rec JobRecorder) FlasherOption {
	return func(f *Flasher) { f.recorder = rec }
}

// Flasher runs flash jobs against ports owned by a Registry. At most one job
// runs per port.
type Flasher struct {
	reg      *Registry
	seq      *Sequencer
	tools    *Toolchain
	runner   CommandRunner
	recorder JobRecorder
	logger   zerolog.Logger

	mu     sync.Mutex
	active map[string]string // port -> job id
}

// NewFlasher returns a Flasher bound to reg.
func NewFlasher(reg *Registry, opts ...FlasherOption) *Flasher {
	f := &Flasher{
		reg:    reg,
		seq:    NewSequencer(reg),
		runner: ExecRunner{},
		logger: reg.logger.With().Str("component", "flash").Logger(),
		active: make(map[string]string),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.tools = NewToolchain(reg.cfg, f.runner, reg.metrics, reg.logger)
	return f
}

// Toolchain exposes the dependency cache, mainly for status reporting.
func (f *Flasher) Toolchain() *Toolchain { return f.tools }

// ActiveJob returns the id of the job running on port, if any.
func (f *Flasher) ActiveJob(port string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.active[port]
	return id, ok
}

// flashJob is the mutable state of one running job.
type flashJob struct {
	f        *Flasher
	rec      JobRecord
	progress ProgressTracker
	log      zerolog.Logger

	mu     sync.Mutex
	output strings.Builder
}

// Flash runs the whole workflow: dependency check, bootloader entry, the
// flashing tool with one retry after a reinstall, and reopening the port.
// A failed job returns a *FlashError along with the partial result.
func (f *Flasher) Flash(ctx context.Context, req FlashRequest) (FlashResult, error) {
	if err := validatePortName(req.Port); err != nil {
		return FlashResult{}, err
	}
	if !req.Family.Supported() {
		return FlashResult{}, &FlashError{Kind: ErrUnsupportedDevice, Code: -1, Message: fmt.Sprintf("Unsupported device type: %s", req.Family)}
	}
	if st, err := os.Stat(req.File); err != nil || st.IsDir() {
		return FlashResult{}, &FlashError{Kind: ErrFileNotFound, Code: -1, Message: "File not found: " + req.File, Err: err}
	}
	if req.Adapter == "" {
		req.Adapter = AdapterGeneric
	}
	if req.Address == "" {
		req.Address = f.reg.cfg.DefaultFlashAddress
	}
	if req.BaudRate <= 0 {
		req.BaudRate = f.reg.cfg.DefaultBaudRate
	}

	j := &flashJob{
		f: f,
		rec: JobRecord{
			ID:        uuid.NewString(),
			Port:      req.Port,
			File:      req.File,
			Family:    req.Family,
			Adapter:   req.Adapter,
			Address:   req.Address,
			BaudRate:  req.BaudRate,
			State:     FlashIdle,
			ExitCode:  -1,
			StartedAt: time.Now(),
		},
	}
	j.log = f.logger.With().Str("job", j.rec.ID).Str("path", req.Port).Str("family", string(req.Family)).Logger()

	if !f.acquire(req.Port, j.rec.ID) {
		return FlashResult{JobID: j.rec.ID}, &FlashError{Kind: ErrFlashInProgress, Code: -1, Message: "A flash is already in progress for " + req.Port}
	}
	defer f.release(req.Port)

	f.reg.metrics.FlashesStarted.Inc()
	if f.recorder != nil {
		if err := f.recorder.RecordStart(ctx, j.rec); err != nil {
			j.log.Warn().Err(err).Msg("recording job start")
		}
	}

	res, err := j.run(ctx)
	j.finish(ctx, res, err)
	return res, err
}

func (j *flashJob) run(ctx context.Context) (FlashResult, error) {
	f := j.f
	req := j.rec

	if req.Family.IsESP() {
		j.setState(FlashEnsureDependency)
		if err := f.tools.Ensure(ctx, j.installLine); err != nil {
			return j.fail(err)
		}
	}

	baud := req.BaudRate
	if f.reg.IsOpen(req.Port) {
		b, err := f.reg.release(req.Port)
		if b > 0 {
			baud = b
		}
		if err != nil {
			j.log.Debug().Err(err).Msg("closing session before flash")
		}
	}

	j.setState(FlashSequencingBootloader)
	if err := f.seq.EnterBootloader(ctx, req.Port, req.Family, req.Adapter); err != nil {
		return j.fail(err)
	}

	j.setState(FlashFlashing)
	code, out, err := j.runTool(ctx)
	if err == nil && code != 0 && req.Family.IsESP() && strings.Contains(out, toolMissingMarker) {
		f.tools.Invalidate()
		j.notice("=== esptool not found. Installing automatically... ===")
		if ierr := f.tools.Install(ctx, j.installLine); ierr != nil {
			return j.fail(ierr)
		}
		j.notice("=== Installation complete. Retrying flash... ===")
		f.reg.metrics.FlashRetries.Inc()
		if serr := f.reg.sleep(ctx, f.reg.cfg.RetryDelay); serr != nil {
			return j.fail(cancelled(serr))
		}
		code, out, err = j.runTool(ctx)
	}
	j.rec.ExitCode = code
	if err != nil {
		return j.fail(err)
	}
	if code != 0 {
		msg := fmt.Sprintf("Flash failed with code %d", code)
		if req.Family.IsESP() && containsAny(out, pathHints) {
			msg = msgPythonNotFound
		}
		return j.fail(&FlashError{Kind: ErrFlashFailed, Code: code, Message: msg})
	}

	j.notice("=== Flash completed successfully! ===")
	j.notice("Reopening port and resetting device...")
	j.setState(FlashReopeningPort)

	rerr := f.reg.sleep(ctx, f.reg.cfg.ReopenSettle)
	if rerr == nil {
		rerr = f.reg.reopen(ctx, req.Port, baud)
	}
	if rerr != nil {
		j.rec.Warning = reopenWarning + rerr.Error()
		j.log.Warn().Err(rerr).Msg("reopen after flash failed")
		j.appendOutput("\n" + j.rec.Warning)
	}

	j.rec.Success = true
	j.setState(FlashDone)
	return j.result(), nil
}

// runTool runs one attempt of the flashing tool and returns its exit code
// and the output of that attempt alone.
func (j *flashJob) runTool(ctx context.Context) (int, string, error) {
	cfg := j.f.reg.cfg
	req := j.rec

	name, args := cfg.AvrdudePath, avrdudeArgs(cfg.AvrdudeConfig, req.Port, req.File)
	if req.Family.IsESP() {
		name, args = cfg.PythonCommand, esptoolArgs(req.Family, req.Port, req.Address, req.File)
	}
	j.rec.Attempts++
	j.log.Info().Str("tool", name).Int("attempt", j.rec.Attempts).Msg("running flashing tool")

	var out strings.Builder
	code, err := j.f.runner.Run(ctx, name, args, func(line string) {
		out.WriteString(line)
		out.WriteByte('\n')
		j.line(line)
	})
	if err == nil {
		return code, out.String(), nil
	}
	if ctx.Err() != nil {
		return -1, out.String(), cancelled(ctx.Err())
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		msg := msgAvrdudeNotFound
		if req.Family.IsESP() {
			msg = msgPythonNotFound
		}
		return -1, out.String(), &FlashError{Kind: ErrExecutableNotFound, Code: -1, Message: msg, Err: err}
	}
	tool := "avrdude"
	if req.Family.IsESP() {
		tool = "esptool"
	}
	return -1, out.String(), &FlashError{Kind: ErrFlashFailed, Code: -1, Message: fmt.Sprintf("Failed to execute %s: %v", tool, err), Err: err}
}

func cancelled(err error) error {
	return &FlashError{Kind: ErrFlashFailed, Code: -1, Message: "Flash cancelled: " + err.Error(), Err: err}
}

// line records one line of tool output and publishes it with any progress
// change.
func (j *flashJob) line(text string) {
	j.installLine(text)
	f := j.f
	if pct, changed := j.progress.Observe(text); changed {
		f.reg.events.publish(Event{Kind: EventFlashProgress, Path: j.rec.Port, JobID: j.rec.ID, Progress: pct})
	}
}

// installLine records installer output without feeding the progress
// tracker, which only reads the flashing tool.
func (j *flashJob) installLine(text string) {
	j.appendOutput(text)
	j.f.reg.events.publish(Event{Kind: EventFlashOutput, Path: j.rec.Port, JobID: j.rec.ID, Message: text})
}

// notice publishes a status line that is not part of the tool output.
func (j *flashJob) notice(text string) {
	j.f.reg.events.publish(Event{Kind: EventFlashOutput, Path: j.rec.Port, JobID: j.rec.ID, Message: text})
}

func (j *flashJob) appendOutput(text string) {
	j.mu.Lock()
	j.output.WriteString(text)
	j.output.WriteByte('\n')
	j.mu.Unlock()
}

func (j *flashJob) outputString() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.output.String()
}

func (j *flashJob) setState(s FlashState) {
	j.rec.State = s
	j.log.Debug().Str("state", string(s)).Msg("flash state")
	j.f.reg.events.publish(Event{Kind: EventFlashState, Path: j.rec.Port, JobID: j.rec.ID, State: s})
}

func (j *flashJob) result() FlashResult {
	return FlashResult{
		JobID:    j.rec.ID,
		Success:  j.rec.Success,
		Output:   j.outputString(),
		Warning:  j.rec.Warning,
		Progress: j.progress.Percent(),
		Attempts: j.rec.Attempts,
		ExitCode: j.rec.ExitCode,
	}
}

// fail moves the job to Failed. The error is returned as a *FlashError
// carrying the output captured so far.
func (j *flashJob) fail(err error) (FlashResult, error) {
	var fe *FlashError
	if errors.As(err, &fe) {
		if fe.Output == "" {
			fe.Output = j.outputString()
		}
		if fe.Code != -1 && fe.Code != 0 {
			j.rec.ExitCode = fe.Code
		}
	} else {
		kind := ErrFlashFailed
		switch {
		case errors.Is(err, ErrControlLine):
			kind = ErrControlLine
		case errors.Is(err, ErrPortUnavailable):
			kind = ErrPortUnavailable
		case errors.Is(err, ErrPortBusy):
			kind = ErrPortBusy
		}
		fe = &FlashError{Kind: kind, Code: -1, Output: j.outputString(), Err: err}
		err = fe
	}
	j.rec.Error = err.Error()
	j.setState(FlashFailed)
	j.log.Warn().Err(err).Int("code", j.rec.ExitCode).Msg("flash failed")
	return j.result(), err
}

func (j *flashJob) finish(ctx context.Context, res FlashResult, err error) {
	f := j.f
	if err != nil {
		f.reg.metrics.FlashesFailed.Inc()
		f.reg.metrics.recordFailure()
	} else {
		f.reg.metrics.FlashesSucceeded.Inc()
		f.reg.metrics.recordSuccess()
		j.log.Info().Int("attempts", res.Attempts).Dur("took", time.Since(j.rec.StartedAt)).Msg("flash done")
	}
	if f.recorder == nil {
		return
	}
	j.rec.Progress = res.Progress
	j.rec.OutputSize = len(res.Output)
	j.rec.FinishedAt = time.Now()
	// record even when the caller's context was cancelled
	if err := f.recorder.RecordFinish(context.WithoutCancel(ctx), j.rec); err != nil {
		j.log.Warn().Err(err).Msg("recording job result")
	}
}

func (f *Flasher) acquire(port, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.active[port]; busy {
		return false
	}
	f.active[port] = id
	return true
}

func (f *Flasher) release(port string) {
	f.mu.Lock()
	delete(f.active, port)
	f.mu.Unlock()
}
