package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/influxdata/influxdb-client-go/api"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/norasector/carp/pkg/acquisition"
	"github.com/norasector/carp/pkg/digitiser"
	"github.com/norasector/carp/pkg/tracker"
	"github.com/norasector/carp/pkg/util"
)

const DefaultPollInterval = 50 * time.Millisecond

var ErrJoinTimeout = errors.New("acquisition worker did not stop in time")

// Presenter shows records and throughput. Both calls happen on the
// controller's display goroutine and must return quickly.
type Presenter interface {
	ShowRecord(rec *digitiser.Record)
	ShowStats(st tracker.Stats)
}

// RecordOutput handles displayed records.
type RecordOutput interface {
	// Start should run until ctx is done or an error occurs.
	Start(ctx context.Context) error
	// Receive returns the channel records are offered on. Records are
	// skipped when it is full.
	Receive() chan<- *digitiser.Record
}

// Controller is the front end of the acquisition worker. It submits
// commands and consumes the display queue.
type Controller struct {
	worker       *acquisition.Worker
	tracker      *tracker.Tracker
	presenter    Presenter
	outputs      []RecordOutput
	notify       chan struct{}
	pollInterval time.Duration
	workerOpts   []acquisition.WorkerOption
	writeAPI     api.WriteAPI
	logger       zerolog.Logger

	mu     sync.RWMutex
	devCfg digitiser.Params
	recCfg digitiser.Params
	// lost counts records an output had no room for
	lost int
}

type ControllerOption func(c *Controller) error

func WithLogger(logger zerolog.Logger) ControllerOption {
	return func(c *Controller) error {
		c.logger = logger
		return nil
	}
}

func WithPresenter(p Presenter) ControllerOption {
	return func(c *Controller) error {
		c.presenter = p
		return nil
	}
}

func WithOutputs(outputs ...RecordOutput) ControllerOption {
	return func(c *Controller) error {
		c.outputs = append(c.outputs, outputs...)
		return nil
	}
}

func WithInfluxDB(writeAPI api.WriteAPI) ControllerOption {
	return func(c *Controller) error {
		c.writeAPI = writeAPI
		return nil
	}
}

// WithParams sets the parameters used by Control("connect").
func WithParams(dev, rec digitiser.Params) ControllerOption {
	return func(c *Controller) error {
		c.devCfg = dev.Clone()
		c.recCfg = rec.Clone()
		return nil
	}
}

// WithPollInterval sets how often the display queue is checked when no
// notification arrives.
func WithPollInterval(d time.Duration) ControllerOption {
	return func(c *Controller) error {
		if d <= 0 {
			return fmt.Errorf("poll interval must be positive, got %s", d)
		}
		c.pollInterval = d
		return nil
	}
}

// WithWorkerOptions passes options through to the acquisition worker.
func WithWorkerOptions(opts ...acquisition.WorkerOption) ControllerOption {
	return func(c *Controller) error {
		c.workerOpts = append(c.workerOpts, opts...)
		return nil
	}
}

func New(factory acquisition.SessionFactory, opts ...ControllerOption) (*Controller, error) {
	c := &Controller{
		notify:       make(chan struct{}, 1),
		pollInterval: DefaultPollInterval,
		writeAPI:     &util.MockWriteAPI{},
		logger:       log.Logger,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	c.tracker = tracker.New(
		tracker.WithLogger(c.logger),
		tracker.WithWriteAPI(c.writeAPI),
		tracker.WithReporter(func(st tracker.Stats) {
			if c.presenter != nil {
				c.presenter.ShowStats(st)
			}
		}),
	)

	workerOpts := []acquisition.WorkerOption{
		acquisition.WithLogger(c.logger),
		acquisition.WithWriteAPI(c.writeAPI),
	}
	workerOpts = append(workerOpts, c.workerOpts...)
	// after the caller's options so the hook cannot be replaced
	workerOpts = append(workerOpts, acquisition.WithNotify(c.signal))
	c.worker = acquisition.NewWorker(factory, workerOpts...)

	return c, nil
}

func (c *Controller) Worker() *acquisition.Worker { return c.worker }

func (c *Controller) Status() acquisition.Status { return c.worker.Status() }

// signal wakes the display loop without blocking the worker.
func (c *Controller) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Connect stores the parameters for later Control("connect") calls and asks
// the worker to connect with them.
func (c *Controller) Connect(ctx context.Context, dev, rec digitiser.Params) error {
	c.mu.Lock()
	c.devCfg = dev.Clone()
	c.recCfg = rec.Clone()
	c.mu.Unlock()
	return c.worker.Enqueue(ctx, acquisition.Connect(dev, rec))
}

func (c *Controller) Start(ctx context.Context) error {
	return c.worker.Enqueue(ctx, acquisition.Start())
}

func (c *Controller) Stop(ctx context.Context) error {
	return c.worker.Enqueue(ctx, acquisition.Stop())
}

func (c *Controller) Exit(ctx context.Context) error {
	return c.worker.Enqueue(ctx, acquisition.Exit())
}

// Control issues a command by name. Exit is not available this way.
func (c *Controller) Control(ctx context.Context, command string) error {
	kind, err := acquisition.ParseKind(command)
	if err != nil {
		return err
	}

	switch kind {
	case acquisition.KindConnect:
		c.mu.RLock()
		dev, rec := c.devCfg, c.recCfg
		c.mu.RUnlock()
		if dev == nil || rec == nil {
			return fmt.Errorf("connect: %w", acquisition.ErrNoConfiguration)
		}
		return c.worker.Enqueue(ctx, acquisition.Connect(dev, rec))
	case acquisition.KindStart:
		return c.Start(ctx)
	case acquisition.KindStop:
		return c.Stop(ctx)
	default:
		return fmt.Errorf("%w: %s not allowed", acquisition.ErrUnknownCommand, kind)
	}
}

// Run starts the worker and the outputs and consumes displayed records. It
// returns once the worker has stopped, with the worker's error.
func (c *Controller) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg.Go(func() error {
		defer cancel()
		return c.worker.Run(ctx)
	})

	for _, out := range c.outputs {
		out := out
		eg.Go(func() error {
			if err := out.Start(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		})
	}

	eg.Go(func() error {
		c.displayLoop(ctx)
		return nil
	})

	return eg.Wait()
}

func (c *Controller) displayLoop(ctx context.Context) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.drain()
			return
		case <-c.worker.Done():
			c.drain()
			return
		case <-c.notify:
		case <-ticker.C:
		}
		c.drain()
	}
}

// drain hands every queued record to the tracker, the presenter and the
// outputs.
func (c *Controller) drain() {
	q := c.worker.Display()
	for {
		rec, ok := q.TryNext()
		if !ok {
			return
		}

		c.tracker.Track(rec.Size())
		if c.presenter != nil {
			c.presenter.ShowRecord(rec)
		}
		for _, out := range c.outputs {
			select {
			case out.Receive() <- rec:
			default:
				c.mu.Lock()
				c.lost++
				c.mu.Unlock()
			}
		}
	}
}

// Lost returns how many records were skipped because an output was full.
func (c *Controller) Lost() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lost
}

// Shutdown asks the worker to exit and waits up to timeout for it to release
// the digitiser.
func (c *Controller) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := c.Exit(ctx)
	switch {
	case errors.Is(err, acquisition.ErrWorkerStopped):
		return nil
	case err != nil:
		c.logger.Warn().Err(err).Msg("could not submit exit command")
	}

	if !c.worker.Wait(timeout) {
		return fmt.Errorf("%w after %s", ErrJoinTimeout, timeout)
	}
	return nil
}
