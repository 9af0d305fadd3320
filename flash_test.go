package diagterm

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

type memRecorder struct {
	mu       sync.Mutex
	started  []JobRecord
	finished []JobRecord
}

func (m *memRecorder) RecordStart(_ context.Context, rec JobRecord) error {
	m.mu.Lock()
	m.started = append(m.started, rec)
	m.mu.Unlock()
	return nil
}

func (m *memRecorder) RecordFinish(_ context.Context, rec JobRecord) error {
	m.mu.Lock()
	m.finished = append(m.finished, rec)
	m.mu.Unlock()
	return nil
}

func writeFirmware(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte{0xE9, 0x03, 0x02, 0x20}, 0o644); err != nil {
		t.Fatalf("writing firmware: %v", err)
	}
	return path
}

var esptoolSuccessOutput = []string{
	"esptool.py v4.7.0",
	"Connecting....",
	"Writing at 0x00010000... (12%)",
	"Writing at 0x00020000... (45%)",
	"Writing at 0x00030000... (100%)",
	"Hash of data verified.",
	"Leaving...",
	"Hard resetting via RTS pin...",
}

type flashFixture struct {
	hw     *fakeHardware
	reg    *Registry
	sl     *recordingSleeper
	log    *eventLog
	runner *fakeRunner
	rec    *memRecorder
	f      *Flasher
}

func newFlashFixture(t *testing.T, fn func(ctx context.Context, c runCall) ([]string, int, error)) *flashFixture {
	t.Helper()
	fx := &flashFixture{hw: installFakeHardware(t, "COM3")}
	fx.reg, fx.sl, fx.log = newTestRegistry(t)
	fx.runner = &fakeRunner{fn: fn}
	fx.rec = &memRecorder{}
	fx.f = NewFlasher(fx.reg, WithCommandRunner(fx.runner), WithJobRecorder(fx.rec))
	return fx
}

func (fx *flashFixture) states() []FlashState {
	var out []FlashState
	for _, ev := range fx.log.of(EventFlashState) {
		out = append(out, ev.State)
	}
	return out
}

func (fx *flashFixture) messages() []string {
	var out []string
	for _, ev := range fx.log.of(EventFlashOutput) {
		out = append(out, ev.Message)
	}
	return out
}

func TestFlashESPSuccess(t *testing.T) {
	fx := newFlashFixture(t, func(_ context.Context, c runCall) ([]string, int, error) {
		if c.kind() == "esptool" {
			return esptoolSuccessOutput, 0, nil
		}
		return nil, 0, nil
	})
	fw := writeFirmware(t, "app.bin")

	res, err := fx.f.Flash(context.Background(), FlashRequest{Port: "COM3", File: fw, Family: FamilyESP32})
	if err != nil {
		t.Fatalf("Flash: %v", err)
	}
	if !res.Success || res.Progress != 100 || res.Attempts != 1 || res.ExitCode != 0 || res.Warning != "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.Contains(res.Output, "Hash of data verified.") {
		t.Fatalf("output missing tool lines: %q", res.Output)
	}
	if strings.Contains(res.Output, "===") {
		t.Fatal("status notices leaked into the tool output")
	}

	wantStates := []FlashState{FlashEnsureDependency, FlashSequencingBootloader, FlashFlashing, FlashReopeningPort, FlashDone}
	if got := fx.states(); !slices.Equal(got, wantStates) {
		t.Fatalf("states = %v, want %v", got, wantStates)
	}
	if !slices.Contains(fx.messages(), "=== Flash completed successfully! ===") {
		t.Fatal("completion notice not published")
	}

	// bootloader handle plus the reopened session
	ports := fx.hw.opened()
	if len(ports) != 2 || !ports[0].isClosed() {
		t.Fatalf("expected a closed bootloader handle and a session, got %d handles", len(ports))
	}
	if !fx.reg.IsOpen("COM3") || ports[1].baud != fx.reg.Config().DefaultBaudRate {
		t.Fatal("port not reopened at the default rate")
	}
	if got := strings.Join(ports[1].lineCalls(), ","); got != "DTR=false,RTS=false,DTR=false,RTS=true,DTR=false,RTS=false" {
		t.Fatalf("settle pulse = %s", got)
	}
	if n := fx.log.count(EventPortOpened); n != 1 {
		t.Fatalf("expected one port-opened event, got %d", n)
	}
	if fx.reg.Metrics().FlashesSucceeded.Load() != 1 {
		t.Fatal("success not counted")
	}
}

func TestFlashESPArgs(t *testing.T) {
	fx := newFlashFixture(t, nil)
	fw := writeFirmware(t, "app.bin")

	_, err := fx.f.Flash(context.Background(), FlashRequest{Port: "COM3", File: fw, Family: FamilyESP8266, Address: "0x0"})
	if err != nil {
		t.Fatalf("Flash: %v", err)
	}
	calls := fx.runner.callsOf("esptool")
	if len(calls) != 1 {
		t.Fatalf("expected one esptool run, got %d", len(calls))
	}
	want := []string{
		"-m", "esptool", "--chip", "esp8266", "--port", "COM3", "--baud", "921600",
		"--before", "default_reset", "--after", "hard_reset", "write_flash",
		"--flash_mode", "dio", "--flash_freq", "80m", "--flash_size", "detect", "0x0", fw,
	}
	if calls[0].name != fx.reg.Config().PythonCommand || !slices.Equal(calls[0].args, want) {
		t.Fatalf("esptool call = %s %q", calls[0].name, calls[0].args)
	}
}

func TestFlashArduinoArgs(t *testing.T) {
	fx := newFlashFixture(t, nil)
	fw := writeFirmware(t, "sketch.hex")

	res, err := fx.f.Flash(context.Background(), FlashRequest{Port: "COM3", File: fw, Family: FamilyArduino, Adapter: AdapterCH340})
	if err != nil {
		t.Fatalf("Flash: %v", err)
	}
	if !res.Success {
		t.Fatalf("unexpected result %+v", res)
	}
	calls := fx.runner.callsOf("avrdude")
	cfg := fx.reg.Config()
	want := []string{"-C", cfg.AvrdudeConfig, "-p", "atmega328p", "-c", "arduino", "-P", "COM3", "-b", "115200", "-D", "-U", "flash:w:" + fw + ":i"}
	if len(calls) != 1 || calls[0].name != cfg.AvrdudePath || !slices.Equal(calls[0].args, want) {
		t.Fatalf("avrdude calls = %+v", calls)
	}
	if fx.runner.count("python-version") != 0 {
		t.Fatal("python probed for an Arduino flash")
	}
	if slices.Contains(fx.states(), FlashEnsureDependency) {
		t.Fatal("dependency step run for an Arduino flash")
	}
}

func TestFlashMissingFile(t *testing.T) {
	fx := newFlashFixture(t, nil)

	_, err := fx.f.Flash(context.Background(), FlashRequest{Port: "COM3", File: filepath.Join(t.TempDir(), "nope.bin"), Family: FamilyESP32})
	if !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "File not found: ") {
		t.Fatalf("message = %q", err.Error())
	}
	if len(fx.hw.opened()) != 0 || len(fx.runner.calls) != 0 {
		t.Fatal("missing file must fail before touching the port or spawning")
	}
	if fx.reg.Metrics().FlashesStarted.Load() != 0 {
		t.Fatal("rejected request counted as started")
	}
}

func TestFlashUnsupportedFamily(t *testing.T) {
	fx := newFlashFixture(t, nil)
	fw := writeFirmware(t, "app.bin")

	_, err := fx.f.Flash(context.Background(), FlashRequest{Port: "COM3", File: fw, Family: DeviceFamily("RP2040")})
	if !errors.Is(err, ErrUnsupportedDevice) {
		t.Fatalf("expected ErrUnsupportedDevice, got %v", err)
	}
	if len(fx.hw.opened()) != 0 {
		t.Fatal("port touched for an unsupported family")
	}
}

func TestFlashAvrdudeMissing(t *testing.T) {
	fx := newFlashFixture(t, func(_ context.Context, c runCall) ([]string, int, error) {
		return nil, -1, exec.ErrNotFound
	})
	fw := writeFirmware(t, "sketch.hex")

	res, err := fx.f.Flash(context.Background(), FlashRequest{Port: "COM3", File: fw, Family: FamilyArduino})
	if !errors.Is(err, ErrExecutableNotFound) {
		t.Fatalf("expected ErrExecutableNotFound, got %v", err)
	}
	if err.Error() != "avrdude not found. Please install Arduino IDE or avrdude separately." {
		t.Fatalf("message = %q", err.Error())
	}
	if res.Success || res.ExitCode != -1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if st := fx.states(); st[len(st)-1] != FlashFailed {
		t.Fatalf("final state %v", st)
	}
	if fx.reg.IsOpen("COM3") {
		t.Fatal("port reopened after a failed flash")
	}
}

func TestFlashReinstallsAndRetriesOnce(t *testing.T) {
	var attempts int
	fx := newFlashFixture(t, func(_ context.Context, c runCall) ([]string, int, error) {
		switch c.kind() {
		case "esptool":
			attempts++
			if attempts == 1 {
				return []string{"/usr/bin/python3: No module named esptool"}, 1, nil
			}
			return esptoolSuccessOutput, 0, nil
		case "pip":
			return []string{"Successfully installed esptool-4.7.0"}, 0, nil
		}
		return nil, 0, nil
	})
	fw := writeFirmware(t, "app.bin")

	res, err := fx.f.Flash(context.Background(), FlashRequest{Port: "COM3", File: fw, Family: FamilyESP32})
	if err != nil {
		t.Fatalf("Flash: %v", err)
	}
	if !res.Success || res.Attempts != 2 || res.Progress != 100 {
		t.Fatalf("unexpected result %+v", res)
	}
	if fx.runner.count("pip") != 1 || fx.runner.count("esptool") != 2 {
		t.Fatalf("expected one install and two attempts: %+v", fx.runner.calls)
	}
	msgs := fx.messages()
	for _, want := range []string{"=== esptool not found. Installing automatically... ===", "=== Installation complete. Retrying flash... ==="} {
		if !slices.Contains(msgs, want) {
			t.Fatalf("missing notice %q", want)
		}
	}
	holds := fx.sl.recorded()
	if !slices.Contains(holds, fx.reg.Config().RetryDelay) {
		t.Fatalf("no retry delay in %v", holds)
	}
	if !fx.reg.IsOpen("COM3") {
		t.Fatal("port not reopened")
	}
	if fx.reg.Metrics().FlashRetries.Load() != 1 {
		t.Fatal("retry not counted")
	}
}

func TestFlashToolMissingTwiceFails(t *testing.T) {
	fx := newFlashFixture(t, func(_ context.Context, c runCall) ([]string, int, error) {
		switch c.kind() {
		case "esptool":
			return []string{"No module named esptool"}, 1, nil
		case "pip":
			return []string{"Successfully installed esptool"}, 0, nil
		}
		return nil, 0, nil
	})
	fw := writeFirmware(t, "app.bin")

	res, err := fx.f.Flash(context.Background(), FlashRequest{Port: "COM3", File: fw, Family: FamilyESP32})
	if !errors.Is(err, ErrFlashFailed) {
		t.Fatalf("expected ErrFlashFailed, got %v", err)
	}
	if err.Error() != "Flash failed with code 1" {
		t.Fatalf("message = %q", err.Error())
	}
	if res.Attempts != 2 || fx.runner.count("pip") != 1 {
		t.Fatalf("expected exactly one retry, got %+v", res)
	}
}

func TestFlashInstallFailureIsFatal(t *testing.T) {
	fx := newFlashFixture(t, func(_ context.Context, c runCall) ([]string, int, error) {
		switch c.kind() {
		case "esptool":
			return []string{"No module named esptool"}, 1, nil
		case "pip":
			return []string{"ERROR: Could not find a version that satisfies the requirement esptool"}, 1, nil
		}
		return nil, 0, nil
	})
	fw := writeFirmware(t, "app.bin")

	res, err := fx.f.Flash(context.Background(), FlashRequest{Port: "COM3", File: fw, Family: FamilyESP32})
	if !errors.Is(err, ErrDependencyInstallFailed) {
		t.Fatalf("expected ErrDependencyInstallFailed, got %v", err)
	}
	if !strings.HasSuffix(err.Error(), "Please install manually: python -m pip install esptool") {
		t.Fatalf("message = %q", err.Error())
	}
	if res.Attempts != 1 {
		t.Fatalf("retried after a failed install: %+v", res)
	}
}

func TestFlashNonZeroExit(t *testing.T) {
	fx := newFlashFixture(t, func(_ context.Context, c runCall) ([]string, int, error) {
		if c.kind() == "esptool" {
			return []string{"A fatal error occurred: Failed to connect to ESP32"}, 2, nil
		}
		return nil, 0, nil
	})
	fw := writeFirmware(t, "app.bin")

	res, err := fx.f.Flash(context.Background(), FlashRequest{Port: "COM3", File: fw, Family: FamilyESP32})
	var fe *FlashError
	if !errors.As(err, &fe) || fe.Code != 2 || fe.Message != "Flash failed with code 2" {
		t.Fatalf("unexpected error %v", err)
	}
	if !strings.Contains(fe.Output, "Failed to connect to ESP32") {
		t.Fatalf("error lost the tool output: %q", fe.Output)
	}
	if res.ExitCode != 2 || res.Attempts != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if fx.reg.IsOpen("COM3") || len(fx.hw.opened()) != 1 {
		t.Fatal("port reopened after a failed flash")
	}
}

func TestFlashPythonPathHint(t *testing.T) {
	fx := newFlashFixture(t, func(_ context.Context, c runCall) ([]string, int, error) {
		if c.kind() == "esptool" {
			return []string{"'python' is not recognized as an internal or external command"}, 9009, nil
		}
		return nil, 0, nil
	})
	fw := writeFirmware(t, "app.bin")

	_, err := fx.f.Flash(context.Background(), FlashRequest{Port: "COM3", File: fw, Family: FamilyESP32})
	if err == nil || err.Error() != msgPythonNotFound {
		t.Fatalf("expected the PATH message, got %v", err)
	}
}

func TestFlashRestoresSessionRate(t *testing.T) {
	fx := newFlashFixture(t, nil)
	fw := writeFirmware(t, "app.bin")
	ctx := context.Background()

	if _, err := fx.reg.Open(ctx, "COM3", 57600); err != nil {
		t.Fatalf("open: %v", err)
	}
	res, err := fx.f.Flash(ctx, FlashRequest{Port: "COM3", File: fw, Family: FamilyESP32})
	if err != nil || !res.Success {
		t.Fatalf("Flash: %+v %v", res, err)
	}

	ports := fx.hw.opened()
	if len(ports) != 3 {
		t.Fatalf("expected session, bootloader and reopen handles, got %d", len(ports))
	}
	if !ports[0].isClosed() || ports[1].baud != ControlBaudRate.Int() {
		t.Fatal("session not closed before the bootloader pulse")
	}
	if ports[2].baud != 57600 {
		t.Fatalf("reopened at %d, want 57600", ports[2].baud)
	}
	if d, _ := fx.reg.Desired("COM3"); !d.WantOpen || d.BaudRate != 57600 {
		t.Fatalf("desired state after flash: %+v", d)
	}
	if fx.log.count(EventPortClosed) != 1 || fx.log.count(EventPortDisconnected) != 0 {
		t.Fatal("flash must close the session deliberately")
	}
}

func TestFlashReopenFailureIsAWarning(t *testing.T) {
	var fx *flashFixture
	fx = newFlashFixture(t, func(_ context.Context, c runCall) ([]string, int, error) {
		if c.kind() == "esptool" {
			fx.hw.setOpenErr("COM3", errors.New("Access denied"))
			return esptoolSuccessOutput, 0, nil
		}
		return nil, 0, nil
	})
	fw := writeFirmware(t, "app.bin")

	res, err := fx.f.Flash(context.Background(), FlashRequest{Port: "COM3", File: fw, Family: FamilyESP32})
	if err != nil {
		t.Fatalf("Flash: %v", err)
	}
	if !res.Success {
		t.Fatal("a reopen failure must not fail the flash")
	}
	if res.Warning != "Warning: Failed to reopen port: Access denied" {
		t.Fatalf("warning = %q", res.Warning)
	}
	if !strings.HasSuffix(strings.TrimSpace(res.Output), res.Warning) {
		t.Fatalf("warning not appended to output: %q", res.Output)
	}
	if fx.reg.IsOpen("COM3") {
		t.Fatal("no session expected")
	}
}

func TestFlashRejectsConcurrentJobOnPort(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	fx := newFlashFixture(t, func(_ context.Context, c runCall) ([]string, int, error) {
		if c.kind() == "esptool" {
			close(started)
			<-release
		}
		return nil, 0, nil
	})
	fw := writeFirmware(t, "app.bin")
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := fx.f.Flash(ctx, FlashRequest{Port: "COM3", File: fw, Family: FamilyESP32})
		done <- err
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first job never reached the tool")
	}
	if _, ok := fx.f.ActiveJob("COM3"); !ok {
		t.Fatal("running job not reported")
	}
	_, err := fx.f.Flash(ctx, FlashRequest{Port: "COM3", File: fw, Family: FamilyESP32})
	if !errors.Is(err, ErrFlashInProgress) {
		t.Fatalf("expected ErrFlashInProgress, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first job: %v", err)
	}
	if _, ok := fx.f.ActiveJob("COM3"); ok {
		t.Fatal("job still active after finishing")
	}
}

func TestFlashProgressEventsIncrease(t *testing.T) {
	fx := newFlashFixture(t, func(_ context.Context, c runCall) ([]string, int, error) {
		if c.kind() == "esptool" {
			return []string{
				"Writing at 0x00010000... (45%)",
				"Writing at 0x00010000... (45%)",
				"Erasing... (5%)",
				"Writing at 0x00020000... (70%)",
				"Leaving...",
			}, 0, nil
		}
		return nil, 0, nil
	})
	fw := writeFirmware(t, "app.bin")

	if _, err := fx.f.Flash(context.Background(), FlashRequest{Port: "COM3", File: fw, Family: FamilyESP32}); err != nil {
		t.Fatalf("Flash: %v", err)
	}
	var got []int
	for _, ev := range fx.log.of(EventFlashProgress) {
		got = append(got, ev.Progress)
	}
	if want := []int{45, 70, 100}; !slices.Equal(got, want) {
		t.Fatalf("progress events = %v, want %v", got, want)
	}
}

func TestFlashCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx := newFlashFixture(t, func(ctx context.Context, c runCall) ([]string, int, error) {
		if c.kind() == "esptool" {
			cancel()
			return []string{"Writing at 0x00010000... (10%)"}, -1, ctx.Err()
		}
		return nil, 0, nil
	})
	fw := writeFirmware(t, "app.bin")

	res, err := fx.f.Flash(ctx, FlashRequest{Port: "COM3", File: fw, Family: FamilyESP32})
	if !errors.Is(err, context.Canceled) || !errors.Is(err, ErrFlashFailed) {
		t.Fatalf("expected a cancelled flash failure, got %v", err)
	}
	if res.Success || len(fx.hw.opened()) != 1 {
		t.Fatal("cancelled job reopened the port")
	}

	fx.rec.mu.Lock()
	defer fx.rec.mu.Unlock()
	if len(fx.rec.finished) != 1 || fx.rec.finished[0].State != FlashFailed {
		t.Fatalf("cancelled job not recorded: %+v", fx.rec.finished)
	}
}

func TestFlashRecordsJob(t *testing.T) {
	fx := newFlashFixture(t, func(_ context.Context, c runCall) ([]string, int, error) {
		if c.kind() == "esptool" {
			return esptoolSuccessOutput, 0, nil
		}
		return nil, 0, nil
	})
	fw := writeFirmware(t, "app.bin")

	res, err := fx.f.Flash(context.Background(), FlashRequest{Port: "COM3", File: fw, Family: FamilyESP32, Adapter: AdapterCP2102})
	if err != nil {
		t.Fatalf("Flash: %v", err)
	}

	fx.rec.mu.Lock()
	defer fx.rec.mu.Unlock()
	if len(fx.rec.started) != 1 || len(fx.rec.finished) != 1 {
		t.Fatalf("records: %d started, %d finished", len(fx.rec.started), len(fx.rec.finished))
	}
	start, fin := fx.rec.started[0], fx.rec.finished[0]
	if start.ID != res.JobID || fin.ID != res.JobID {
		t.Fatal("job id mismatch")
	}
	if start.Address != fx.reg.Config().DefaultFlashAddress || start.Adapter != AdapterCP2102 {
		t.Fatalf("defaults not applied: %+v", start)
	}
	if !fin.Success || fin.State != FlashDone || fin.Progress != 100 || fin.Attempts != 1 || fin.ExitCode != 0 {
		t.Fatalf("unexpected finish record %+v", fin)
	}
	if fin.OutputSize != len(res.Output) || fin.FinishedAt.Before(fin.StartedAt) {
		t.Fatalf("bad bookkeeping %+v", fin)
	}
}

func TestFlashPythonMissingBeforeTouchingPort(t *testing.T) {
	fx := newFlashFixture(t, func(_ context.Context, c runCall) ([]string, int, error) {
		return nil, -1, exec.ErrNotFound
	})
	fw := writeFirmware(t, "app.bin")

	_, err := fx.f.Flash(context.Background(), FlashRequest{Port: "COM3", File: fw, Family: FamilyESP32})
	if !errors.Is(err, ErrDependencyMissing) {
		t.Fatalf("expected ErrDependencyMissing, got %v", err)
	}
	if len(fx.hw.opened()) != 0 {
		t.Fatal("port touched although python is missing")
	}
}

func TestFlashInstallOutputDoesNotMoveProgress(t *testing.T) {
	fx := newFlashFixture(t, func(_ context.Context, c runCall) ([]string, int, error) {
		switch c.kind() {
		case "esptool-version":
			return []string{"/usr/bin/python3: No module named esptool"}, 1, nil
		case "pip":
			return []string{"Downloading esptool-4.7.0.tar.gz (60%)", "Successfully installed esptool-4.7.0"}, 0, nil
		case "esptool":
			return nil, 2, nil
		}
		return nil, 0, nil
	})
	fw := writeFirmware(t, "app.bin")

	res, err := fx.f.Flash(context.Background(), FlashRequest{Port: "COM3", File: fw, Family: FamilyESP32})
	if err == nil {
		t.Fatal("expected the flash to fail")
	}
	if fx.runner.count("pip") != 1 {
		t.Fatalf("expected one install: %+v", fx.runner.calls)
	}
	if !slices.Contains(fx.messages(), "Downloading esptool-4.7.0.tar.gz (60%)") {
		t.Fatal("installer output not published")
	}
	if !strings.Contains(res.Output, "Successfully installed esptool-4.7.0") {
		t.Fatalf("installer output missing from result: %q", res.Output)
	}
	if res.Progress != 0 || fx.log.count(EventFlashProgress) != 0 {
		t.Fatalf("installer output moved progress to %d", res.Progress)
	}
}
