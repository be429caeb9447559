package acquisition

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/norasector/carp/pkg/digitiser"
	"github.com/norasector/carp/pkg/metrics"
	"github.com/norasector/carp/pkg/util"
)

const (
	DefaultCommandBuffer  = 10
	DefaultIdleDelay      = 10 * time.Millisecond
	DefaultEnqueueTimeout = 100 * time.Millisecond
)

var (
	ErrCommandQueueFull = errors.New("command queue full")
	ErrNoConfiguration  = errors.New("no stored configuration")
	ErrWorkerFault      = errors.New("acquisition worker fault")
	ErrWorkerStopped    = errors.New("acquisition worker stopped")
	ErrAlreadyRunning   = errors.New("acquisition worker already running")
)

// StopPolicy decides what a stop command does to the session.
type StopPolicy int

const (
	// StopDestroy disarms and releases the session. A later start
	// reconnects from the cached configuration.
	StopDestroy StopPolicy = iota
	// StopPause only disarms, keeping the session connected.
	StopPause
)

func (p StopPolicy) String() string {
	switch p {
	case StopDestroy:
		return "destroy"
	case StopPause:
		return "pause"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

func ParseStopPolicy(s string) (StopPolicy, error) {
	switch s {
	case "", "destroy":
		return StopDestroy, nil
	case "pause":
		return StopPause, nil
	default:
		return 0, fmt.Errorf("unknown stop policy %q", s)
	}
}

// Status is a snapshot of the session state as last observed by the worker.
type Status struct {
	HasSession bool
	Connected  bool
	Acquiring  bool
}

// Worker owns the digitiser session. All session calls happen on the
// goroutine running Run; other goroutines talk to it through Enqueue and read
// its state through Status.
type Worker struct {
	factory        SessionFactory
	commands       chan Command
	display        *DisplayQueue
	notify         func()
	idleDelay      time.Duration
	enqueueTimeout time.Duration
	stopPolicy     StopPolicy
	logger         zerolog.Logger
	metrics        *metrics.Metrics
	writeAPI       api.WriteAPI

	// owned by Run
	session Session
	devCfg  digitiser.Params
	recCfg  digitiser.Params
	exit    bool

	status  atomic.Value
	running atomic.Bool
	done    chan struct{}
}

type WorkerOption func(w *Worker)

func WithLogger(logger zerolog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

func WithCommandBuffer(size int) WorkerOption {
	return func(w *Worker) {
		if size > 0 {
			w.commands = make(chan Command, size)
		}
	}
}

func WithDisplayQueue(q *DisplayQueue) WorkerOption {
	return func(w *Worker) {
		w.display = q
	}
}

func WithDisplayBuffer(size int) WorkerOption {
	return func(w *Worker) {
		w.display = NewDisplayQueue(size)
	}
}

// WithIdleDelay sets how long the worker waits for a command when no
// acquisition is running.
func WithIdleDelay(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.idleDelay = d
	}
}

func WithEnqueueTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.enqueueTimeout = d
	}
}

// WithNotify registers a hook called after every published record. It runs
// on the worker goroutine and must not block or consume the display queue.
func WithNotify(fn func()) WorkerOption {
	return func(w *Worker) {
		w.notify = fn
	}
}

func WithStopPolicy(p StopPolicy) WorkerOption {
	return func(w *Worker) {
		w.stopPolicy = p
	}
}

func WithMetrics(m *metrics.Metrics) WorkerOption {
	return func(w *Worker) {
		w.metrics = m
	}
}

func WithWriteAPI(writeAPI api.WriteAPI) WorkerOption {
	return func(w *Worker) {
		w.writeAPI = writeAPI
	}
}

func NewWorker(factory SessionFactory, opts ...WorkerOption) *Worker {
	w := &Worker{
		factory:        factory,
		commands:       make(chan Command, DefaultCommandBuffer),
		idleDelay:      DefaultIdleDelay,
		enqueueTimeout: DefaultEnqueueTimeout,
		logger:         log.Logger,
		writeAPI:       &util.MockWriteAPI{},
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.display == nil {
		w.display = NewDisplayQueue(DefaultDisplayBuffer)
	}
	w.status.Store(Status{})
	return w
}

func (w *Worker) Display() *DisplayQueue { return w.display }

func (w *Worker) Status() Status { return w.status.Load().(Status) }

// Done is closed once Run has returned and the session has been released.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Wait blocks until Run returns or timeout elapses, reporting whether the
// worker finished.
func (w *Worker) Wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
		return true
	case <-timer.C:
		return false
	}
}

// Enqueue submits cmd, waiting up to the enqueue timeout for room in the
// command queue.
func (w *Worker) Enqueue(ctx context.Context, cmd Command) error {
	select {
	case <-w.done:
		return ErrWorkerStopped
	default:
	}

	select {
	case w.commands <- cmd:
		return nil
	default:
	}

	timer := time.NewTimer(w.enqueueTimeout)
	defer timer.Stop()
	select {
	case w.commands <- cmd:
		return nil
	case <-w.done:
		return ErrWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w: %s not submitted", ErrCommandQueueFull, cmd.Kind())
	}
}

// Run is the acquisition loop. It returns nil after an exit command,
// ctx.Err() after cancellation and ErrWorkerFault if the loop body panicked.
// The session is released on every path.
func (w *Worker) Run(ctx context.Context) (err error) {
	if !w.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(w.done)

	w.logger.Info().Msg("acquisition worker started")
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Interface("panic", r).Msg("fatal error in acquisition worker")
			err = fmt.Errorf("%w: %v", ErrWorkerFault, r)
		}
		if cerr := w.cleanup(); cerr != nil {
			w.logger.Warn().Err(cerr).Msg("digitiser cleanup failed")
		}
		w.logger.Info().Msg("acquisition worker exited")
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := w.idleDelay
		if w.acquiring() {
			wait = 0
		}
		w.drainCommands(ctx, wait)

		if w.exit {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if w.acquiring() {
			w.acquireOnce(ctx)
		}
	}
}

func (w *Worker) acquiring() bool {
	return w.session != nil && w.session.Acquiring()
}

// drainCommands handles every queued command. With a positive wait it first
// blocks up to wait for a command to arrive.
func (w *Worker) drainCommands(ctx context.Context, wait time.Duration) {
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case cmd := <-w.commands:
			w.handleCommand(ctx, cmd)
		case <-timer.C:
			return
		case <-ctx.Done():
			return
		}
	}

	for !w.exit {
		select {
		case cmd := <-w.commands:
			w.handleCommand(ctx, cmd)
		default:
			return
		}
	}
}

func (w *Worker) handleCommand(ctx context.Context, cmd Command) {
	w.logger.Debug().Stringer("command", cmd.Kind()).Msg("handling command")

	var err error
	duration := util.TimeOperationMicroseconds(func() {
		switch cmd.Kind() {
		case KindConnect:
			var dev, rec digitiser.Params
			if dev, rec, err = cmd.ConnectArgs(); err == nil {
				err = w.connect(ctx, dev, rec)
			}
		case KindStart:
			err = w.start(ctx)
		case KindStop:
			err = w.stop()
		case KindExit:
			w.exit = true
		default:
			w.logger.Warn().Stringer("command", cmd.Kind()).Msg("unknown command")
		}
	})

	if err != nil {
		w.logger.Error().Err(err).Stringer("command", cmd.Kind()).Msg("command failed")
	}
	w.updateStatus()
	w.metrics.Command(cmd.Kind().String(), err)

	go w.writeAPI.WritePoint(influxdb2.NewPoint("acquisition.command",
		map[string]string{
			"kind": cmd.Kind().String(),
		},
		map[string]interface{}{
			"duration": duration,
			"failed":   err != nil,
		}, time.Now()))
}

func (w *Worker) connect(ctx context.Context, dev, rec digitiser.Params) error {
	w.devCfg = dev
	w.recCfg = rec

	if w.session != nil {
		w.logger.Info().Msg("replacing existing digitiser session")
		if err := w.cleanup(); err != nil {
			w.logger.Warn().Err(err).Msg("cleanup of previous session failed")
		}
	}
	return w.openSession(ctx)
}

// openSession builds, connects and configures a session from the cached
// configuration. On failure no session is kept.
func (w *Worker) openSession(ctx context.Context) error {
	s, err := w.factory(w.devCfg)
	if err != nil {
		return fmt.Errorf("invalid digitiser configuration: %w", err)
	}

	if err := s.Connect(ctx); err != nil {
		s.Close()
		return fmt.Errorf("digitiser connection failed: %w", err)
	}
	if !s.Connected() {
		s.Close()
		return fmt.Errorf("digitiser connection failed: %w", digitiser.ErrNotConnected)
	}

	if err := s.Configure(w.devCfg, w.recCfg); err != nil {
		s.Close()
		return fmt.Errorf("digitiser configuration failed: %w", err)
	}

	w.session = s
	w.logger.Info().Msg("digitiser connected and configured")
	return nil
}

func (w *Worker) start(ctx context.Context) error {
	if w.session != nil && !w.session.Connected() {
		w.logger.Info().Msg("digitiser session lost its connection, rebuilding before start")
		if err := w.cleanup(); err != nil {
			w.logger.Warn().Err(err).Msg("cleanup of disconnected session failed")
		}
	}

	if w.session == nil {
		if w.devCfg == nil || w.recCfg == nil {
			return fmt.Errorf("%w: cannot reconnect digitiser", ErrNoConfiguration)
		}
		w.logger.Info().Msg("no digitiser session, reconnecting before start")
		if err := w.openSession(ctx); err != nil {
			return err
		}
	}

	if w.session.Acquiring() {
		w.logger.Debug().Msg("digitiser already acquiring")
		return nil
	}
	if err := w.session.Start(); err != nil {
		return fmt.Errorf("start acquisition failed: %w", err)
	}
	w.logger.Info().Msg("digitiser acquisition started")
	return nil
}

func (w *Worker) stop() error {
	if w.stopPolicy != StopPause || w.session == nil {
		return w.cleanup()
	}
	if !w.session.Acquiring() {
		return nil
	}
	if err := w.session.Stop(); err != nil {
		return fmt.Errorf("stop acquisition failed: %w", err)
	}
	w.logger.Info().Msg("digitiser acquisition paused")
	return nil
}

// cleanup stops acquisition and releases the session entirely. It is a no-op
// without a session.
func (w *Worker) cleanup() error {
	if w.session == nil {
		return nil
	}

	var err error
	if w.session.Acquiring() {
		err = w.session.Stop()
	}
	if cerr := w.session.Close(); cerr != nil && err == nil {
		err = cerr
	}
	w.session = nil
	w.updateStatus()

	w.logger.Info().Msg("digitiser fully cleaned up")
	return err
}

func (w *Worker) acquireOnce(ctx context.Context) {
	if mode := w.session.TriggerMode(); !mode.Implemented() {
		w.logger.Warn().
			Str("trigger_mode", string(mode)).
			Msg("trigger mode not currently implemented, stopping acquisition")
		if err := w.stop(); err != nil {
			w.logger.Warn().Err(err).Msg("digitiser stop failed")
		}
		w.updateStatus()
		return
	}

	rec, err := w.session.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.metrics.AcquireError()
		w.logger.Debug().Err(err).Msg("acquisition error")
		return
	}
	if rec == nil {
		return
	}

	for dropped := w.display.Publish(rec); dropped > 0; dropped-- {
		w.metrics.RecordDropped()
	}
	w.metrics.RecordAcquired(w.display.Len())

	if w.notify != nil {
		w.notify()
	}
}

func (w *Worker) updateStatus() {
	s := Status{}
	if w.session != nil {
		s.HasSession = true
		s.Connected = w.session.Connected()
		s.Acquiring = w.session.Acquiring()
	}
	w.status.Store(s)
	w.metrics.Acquiring(s.Acquiring)
}
