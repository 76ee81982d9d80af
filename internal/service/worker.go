package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/mdakk072/scrapperManager/internal/bus"
	"github.com/mdakk072/scrapperManager/internal/model"
)

var (
	ErrWorkerNotStarted = errors.New("worker not started")
	ErrWorkerStarted    = errors.New("worker already started")
)

// outputWaitDelay bounds how long Wait keeps copying output after the
// process exited, a grandchild holding the pipes open must not block us.
const outputWaitDelay = time.Second

// Worker is one spawned scraper process. It owns the process and the
// telemetry subscription of its address; both are released by the
// Supervisor through a single teardown path.
type Worker struct {
	id         string
	profile    string
	configFile string
	address    string
	sub        bus.Subscription

	mx        sync.RWMutex
	cmd       *exec.Cmd
	started   time.Time
	finished  *time.Time
	state     *os.ProcessState
	telemetry *model.Telemetry
	released  bool
	done      chan struct{}
}

func newWorker(id, profile, configFile, address string, sub bus.Subscription) *Worker {
	return &Worker{
		id:         id,
		profile:    profile,
		configFile: configFile,
		address:    address,
		sub:        sub,
		done:       make(chan struct{}),
	}
}

func (w *Worker) ID() string      { return w.id }
func (w *Worker) Profile() string { return w.profile }
func (w *Worker) Address() string { return w.address }

// Start spawns the process. It does not wait for it, an internal goroutine
// collects the exit state, see Exited and Done.
func (w *Worker) Start(ctx context.Context, proto Command, now time.Time) error {
	w.mx.Lock()
	defer w.mx.Unlock()
	if w.cmd != nil {
		return ErrWorkerStarted
	}

	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Dir = proto.Dir
	cmd.Env = append(os.Environ(), proto.Env...)
	cmd.Stdout = &lineLogger{ctx: ctx, stream: "stdout", level: slog.LevelInfo}
	cmd.Stderr = &lineLogger{ctx: ctx, stream: "stderr", level: slog.LevelWarn}
	cmd.WaitDelay = outputWaitDelay

	if err := cmd.Start(); err != nil {
		return err
	}
	w.cmd = cmd
	w.started = now
	go w.wait(cmd)
	return nil
}

func (w *Worker) wait(cmd *exec.Cmd) {
	err := cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		slog.Warn("waiting for worker failed", "worker_id", w.id, "error", err)
	}
	w.mx.Lock()
	w.state = cmd.ProcessState
	w.mx.Unlock()
	close(w.done)
}

// Done is closed once the process has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Exited reports without blocking whether the process has exited.
func (w *Worker) Exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit code of an exited process, -1 means it was
// killed by a signal.
func (w *Worker) ExitCode() (int, bool) {
	w.mx.RLock()
	defer w.mx.RUnlock()
	if w.state == nil {
		return 0, false
	}
	return w.state.ExitCode(), true
}

// Stop asks the process to terminate with SIGTERM and waits for it. After
// timeout, or when ctx is done, the process is killed.
func (w *Worker) Stop(ctx context.Context, timeout time.Duration) error {
	w.mx.RLock()
	cmd := w.cmd
	w.mx.RUnlock()
	if cmd == nil {
		return ErrWorkerNotStarted
	}
	if w.Exited() {
		return nil
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.WarnContext(ctx, "sending SIGTERM failed", "error", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
		return nil
	case <-timer.C:
		slog.WarnContext(ctx, "worker did not terminate: killing", "timeout", timeout)
	case <-ctx.Done():
	}

	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing worker: %w", err)
	}
	<-w.done
	return nil
}

func (w *Worker) SetTelemetry(t model.Telemetry) {
	w.mx.Lock()
	defer w.mx.Unlock()
	w.telemetry = &t
}

func (w *Worker) Telemetry() (model.Telemetry, bool) {
	w.mx.RLock()
	defer w.mx.RUnlock()
	if w.telemetry == nil {
		return model.Telemetry{}, false
	}
	return *w.telemetry, true
}

func (w *Worker) finish(at time.Time) {
	w.mx.Lock()
	defer w.mx.Unlock()
	if w.finished == nil {
		w.finished = &at
	}
}

// release tears the telemetry subscription down. Only the first call has an
// effect.
func (w *Worker) release(ctx context.Context) {
	w.mx.Lock()
	if w.released {
		w.mx.Unlock()
		return
	}
	w.released = true
	w.mx.Unlock()

	if err := w.sub.Close(); err != nil && !errors.Is(err, bus.ErrClosed) {
		slog.WarnContext(ctx, "closing telemetry subscription failed", "error", err)
	}
}

func (w *Worker) Status() model.WorkerStatus {
	w.mx.RLock()
	defer w.mx.RUnlock()
	st := model.WorkerStatus{
		UniqueID:     w.id,
		ProfileName:  w.profile,
		ConfigFile:   w.configFile,
		Address:      w.address,
		LastStarted:  w.started,
		LastFinished: w.finished,
	}
	if w.cmd != nil && w.cmd.Process != nil {
		st.PID = w.cmd.Process.Pid
	}
	if w.state != nil {
		code := w.state.ExitCode()
		st.ExitCode = &code
	}
	if w.telemetry != nil {
		t := *w.telemetry
		st.MonitoringData = &t
	}
	return st
}

// lineLogger forwards the output of a worker line by line to the log.
type lineLogger struct {
	ctx    context.Context
	stream string
	level  slog.Level
	buf    []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(l.buf[:i], "\r")
		if len(line) > 0 {
			slog.Log(l.ctx, l.level, "worker output", "stream", l.stream, "line", string(line))
		}
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}
