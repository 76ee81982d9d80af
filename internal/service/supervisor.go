package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/mdakk072/scrapperManager/internal/bus"
	"github.com/mdakk072/scrapperManager/internal/log"
	"github.com/mdakk072/scrapperManager/internal/model"
	"github.com/mdakk072/scrapperManager/internal/parallel"
)

var (
	ErrUnknownWorker = errors.New("unknown worker")
	ErrClosed        = errors.New("supervisor closed")
)

// TickPeriod is the fixed period of the scheduling loop.
const TickPeriod = time.Second

const (
	defaultStopTimeout      = 10 * time.Second
	defaultTelemetryTimeout = 10 * time.Millisecond
	// maxDrain bounds the messages read from one worker in a single tick.
	maxDrain = 1024
	// ingestLimit is the number of workers drained concurrently.
	ingestLimit = 8
)

// Supervisor owns the live workers. Every tick it reconciles exited
// processes, launches due profiles and drains telemetry.
//
// Lock order is Supervisor.mx, then Registry.mx. Launch, Terminate and
// Reconcile run completely under Supervisor.mx, so exit detection and an
// explicit stop of the same worker can never both tear it down.
type Supervisor struct {
	transport        bus.Transport
	registry         *Registry
	command          Command
	stopTimeout      time.Duration
	telemetryTimeout time.Duration
	backoff          Backoff
	now              func() time.Time
	newID            func() string

	mx      sync.Mutex
	workers map[string]*Worker
	closed  bool
}

type Option func(*Supervisor)

// WithClock replaces time.Now, useful for deterministic schedules.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// WithStopTimeout sets how long Terminate waits after SIGTERM before the
// worker gets killed.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.stopTimeout = d }
}

func WithTelemetryTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.telemetryTimeout = d }
}

func WithBackoff(b Backoff) Option {
	return func(s *Supervisor) { s.backoff = b }
}

// WithIDs replaces the generator of worker ids. Ids must never repeat.
func WithIDs(newID func() string) Option {
	return func(s *Supervisor) { s.newID = newID }
}

func NewSupervisor(transport bus.Transport, registry *Registry, command Command, opts ...Option) *Supervisor {
	s := &Supervisor{
		transport:        transport,
		registry:         registry,
		command:          command,
		stopTimeout:      defaultStopTimeout,
		telemetryTimeout: defaultTelemetryTimeout,
		backoff:          NoBackoff,
		now:              time.Now,
		newID:            uuid.NewString,
		workers:          make(map[string]*Worker),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) Registry() *Registry {
	return s.registry
}

// Launch starts a new worker for the profile and returns its id. A running
// profile is rejected with ErrProfileRunning.
func (s *Supervisor) Launch(ctx context.Context, name string) (string, error) {
	return s.launch(ctx, name, s.now())
}

func (s *Supervisor) launch(ctx context.Context, name string, now time.Time) (string, error) {
	ctx = log.ContextAttrs(ctx, slog.String("profile", name))

	s.mx.Lock()
	defer s.mx.Unlock()

	if s.closed {
		slog.WarnContext(ctx, "cannot launch: supervisor closed")
		return "", ErrClosed
	}
	spec, ok := s.registry.Spec(name)
	if !ok {
		slog.WarnContext(ctx, "cannot launch: profile not known")
		return "", fmt.Errorf("%w: %s", ErrUnknownProfile, name)
	}
	if state, _ := s.registry.State(name); state.Running {
		slog.WarnContext(ctx, "cannot launch: profile already running", "worker_id", state.WorkerID)
		return "", fmt.Errorf("%w: %s", ErrProfileRunning, name)
	}

	id := s.newID()
	ctx = log.ContextAttrs(ctx, slog.String("worker_id", id))

	address, err := s.transport.Allocate(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "allocating telemetry address failed", "error", err)
		return "", fmt.Errorf("allocating telemetry address: %w", err)
	}
	// subscribe first, so nothing the worker publishes early gets lost
	sub, err := s.transport.Subscribe(ctx, address)
	if err != nil {
		slog.ErrorContext(ctx, "subscribing to telemetry failed", "address", address, "error", err)
		return "", fmt.Errorf("subscribing to %s: %w", address, err)
	}

	w := newWorker(id, name, spec.ConfigFile, address, sub)
	cmd := s.command.For(spec.ConfigFile, id, address)
	if err := w.Start(ctx, cmd, now); err != nil {
		w.release(ctx)
		slog.ErrorContext(ctx, "starting worker failed", "path", cmd.Path, "error", err)
		return "", fmt.Errorf("starting worker for %s: %w", name, err)
	}

	s.workers[id] = w
	s.registry.MarkDispatched(ctx, name, id, now, address)
	slog.InfoContext(ctx, "worker started", "address", address, "pid", w.Status().PID)
	return id, nil
}

// Terminate stops the worker and waits for its exit. An unknown id, including
// a worker which already finished, returns ErrUnknownWorker and changes
// nothing.
func (s *Supervisor) Terminate(ctx context.Context, id string) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	w, ok := s.workers[id]
	if !ok {
		slog.WarnContext(ctx, "cannot stop: worker not known", "worker_id", id)
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	ctx = log.ContextAttrs(ctx, slog.String("profile", w.profile), slog.String("worker_id", id))

	var err error
	if !w.Exited() {
		err = w.Stop(ctx, s.stopTimeout)
		if err != nil {
			slog.ErrorContext(ctx, "stopping worker failed", "error", err)
		}
	}
	// an explicit stop is never a failed run, even when the worker had
	// already crashed before the request arrived
	s.teardown(ctx, w, s.now(), false)
	slog.InfoContext(ctx, "worker stopped")
	return err
}

// Reconcile tears down every worker whose process has exited.
func (s *Supervisor) Reconcile(ctx context.Context, now time.Time) {
	s.mx.Lock()
	defer s.mx.Unlock()

	for _, w := range s.workers {
		if !w.Exited() {
			continue
		}
		wctx := log.ContextAttrs(ctx, slog.String("profile", w.profile), slog.String("worker_id", w.id))
		code, _ := w.ExitCode()
		s.teardown(wctx, w, now, code != 0)
		if code != 0 {
			slog.WarnContext(wctx, "worker failed", "exit_code", code)
		} else {
			slog.InfoContext(wctx, "worker finished")
		}
	}
}

// teardown is the single cleanup path of a worker, s.mx must be held.
func (s *Supervisor) teardown(ctx context.Context, w *Worker, at time.Time, failed bool) {
	if _, ok := s.workers[w.id]; !ok {
		return
	}
	delete(s.workers, w.id)
	w.finish(at)
	w.release(ctx)

	var exitCode *int
	if code, ok := w.ExitCode(); ok {
		exitCode = &code
	}
	s.registry.MarkFinished(ctx, w.profile, at, failed, exitCode)
}

// Schedule launches every profile which is due at now.
func (s *Supervisor) Schedule(ctx context.Context, now time.Time) {
	for _, spec := range s.registry.Due(now, s.backoff) {
		// errors are logged by launch, the profile is retried next tick
		_, _ = s.launch(ctx, spec.Name, now)
	}
}

// Ingest drains the pending telemetry of all live workers. It runs outside
// of the supervisor lock, a worker torn down concurrently shows up as a
// closed subscription and is skipped.
func (s *Supervisor) Ingest(ctx context.Context) {
	_ = parallel.Do(ctx, ingestLimit, s.live(), func(ctx context.Context, w *Worker) error {
		s.ingest(ctx, w)
		return nil
	})
}

func (s *Supervisor) ingest(ctx context.Context, w *Worker) {
	ctx = log.ContextAttrs(ctx, slog.String("profile", w.profile), slog.String("worker_id", w.id))
	for range maxDrain {
		msg, ok, err := w.sub.Recv(ctx, s.telemetryTimeout)
		switch {
		case errors.Is(err, bus.ErrClosed):
			return
		case ctx.Err() != nil:
			return
		case err != nil:
			slog.ErrorContext(ctx, "telemetry subscription failed: stopping worker", "error", err)
			_ = s.Terminate(ctx, w.id)
			return
		case !ok:
			return
		}

		t, err := model.DecodeTelemetry([]byte(msg))
		if err != nil {
			slog.WarnContext(ctx, "dropping telemetry", "message", abbrev(msg, 30), "error", err)
			continue
		}
		w.SetTelemetry(t)
	}
	slog.DebugContext(ctx, "telemetry backlog left for the next tick")
}

// Tick runs one iteration of the scheduling loop. A panic is logged and
// does not escape, the next tick runs as usual.
func (s *Supervisor) Tick(ctx context.Context, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "tick panicked", "panic", r)
		}
	}()
	s.Reconcile(ctx, now)
	s.Schedule(ctx, now)
	s.Ingest(ctx)
}

// Do runs the scheduling loop until ctx is done, then stops all live
// workers.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor")
	scheduler, err := newTicker(ctx, func() { s.Tick(ctx, s.now()) })
	if err != nil {
		return err
	}
	scheduler.Start()

	<-ctx.Done()

	if err := scheduler.Shutdown(); err != nil {
		slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
	}
	return s.Close(context.WithoutCancel(ctx))
}

// Close terminates all live workers. They are stopped concurrently, so
// shutdown takes at most one stop timeout. Launch fails with ErrClosed
// afterwards.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mx.Lock()
	s.closed = true
	s.mx.Unlock()
	live := s.live()
	err := parallel.Do(ctx, 0, live, func(ctx context.Context, w *Worker) error {
		ctx = log.ContextAttrs(ctx, slog.String("profile", w.profile), slog.String("worker_id", w.id))
		err := w.Stop(ctx, s.stopTimeout)
		if err != nil {
			slog.ErrorContext(ctx, "stopping worker failed", "error", err)
		}
		return err
	})

	s.mx.Lock()
	defer s.mx.Unlock()
	now := s.now()
	for _, w := range live {
		s.teardown(ctx, w, now, false)
	}
	if len(live) > 0 {
		slog.InfoContext(ctx, "all workers stopped", "count", len(live))
	}
	return err
}

// Workers returns the broadcast form of the live workers keyed by id.
func (s *Supervisor) Workers() map[string]model.WorkerStatus {
	live := s.live()
	ret := make(map[string]model.WorkerStatus, len(live))
	for _, w := range live {
		ret[w.id] = w.Status()
	}
	return ret
}

func (s *Supervisor) Profiles() map[string]model.ProfileStatus {
	return s.registry.Statuses()
}

func (s *Supervisor) live() []*Worker {
	s.mx.Lock()
	defer s.mx.Unlock()
	ret := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		ret = append(ret, w)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].id < ret[j].id })
	return ret
}

func newTicker(ctx context.Context, tick func()) (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(TickPeriod),
		gocron.NewTask(tick),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	slog.DebugContext(ctx, "tick scheduled", "period", TickPeriod)
	return s, nil
}

// abbrev cuts s to at most n bytes without splitting a rune.
func abbrev(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
