package acquisition

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/norasector/carp/pkg/digitiser"
)

const (
	waitFor = 2 * time.Second
	tick    = time.Millisecond
)

// fakeInstrument hands out sessions that share one call log.
type fakeInstrument struct {
	mu         sync.Mutex
	calls      []string
	sessions   int
	produced   int
	acquires   int
	limit      int
	mode       digitiser.TriggerMode
	connectErr error
	acquireErr error
	panicAt    int
}

func newFakeInstrument(limit int) *fakeInstrument {
	return &fakeInstrument{limit: limit, mode: digitiser.TriggerSoftware}
}

func (f *fakeInstrument) factory(dev digitiser.Params) (Session, error) {
	if _, err := dev.String("dig_name"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.sessions++
	f.mu.Unlock()
	return &fakeSession{f: f}, nil
}

func (f *fakeInstrument) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeInstrument) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeInstrument) Sessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions
}

func (f *fakeInstrument) Produced() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.produced
}

func (f *fakeInstrument) Acquires() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquires
}

type fakeSession struct {
	f         *fakeInstrument
	connected atomic.Bool
	acquiring atomic.Bool
}

func (s *fakeSession) Connect(ctx context.Context) error {
	s.f.record("connect")
	s.f.mu.Lock()
	err := s.f.connectErr
	s.f.mu.Unlock()
	if err != nil {
		return err
	}
	s.connected.Store(true)
	return nil
}

func (s *fakeSession) Configure(dev, rec digitiser.Params) error {
	s.f.record("configure")
	return nil
}

func (s *fakeSession) Start() error {
	s.f.record("start")
	if !s.connected.Load() {
		return digitiser.ErrNotConnected
	}
	s.acquiring.Store(true)
	return nil
}

func (s *fakeSession) Stop() error {
	s.f.record("stop")
	s.acquiring.Store(false)
	return nil
}

func (s *fakeSession) Acquire(ctx context.Context) (*digitiser.Record, error) {
	f := s.f
	f.mu.Lock()
	f.acquires++
	if f.panicAt > 0 && f.acquires >= f.panicAt {
		f.mu.Unlock()
		panic("driver exploded")
	}
	if f.acquireErr != nil {
		err := f.acquireErr
		f.mu.Unlock()
		time.Sleep(tick)
		return nil, err
	}
	if f.produced >= f.limit {
		f.mu.Unlock()
		time.Sleep(tick)
		return nil, nil
	}
	f.produced++
	n := f.produced
	f.mu.Unlock()

	return &digitiser.Record{
		Timestamp:      uint64(n),
		WaveformLength: 4,
		Samples:        []int16{1, 2, 3, 4},
	}, nil
}

func (s *fakeSession) Connected() bool { return s.connected.Load() }
func (s *fakeSession) Acquiring() bool { return s.acquiring.Load() }

func (s *fakeSession) TriggerMode() digitiser.TriggerMode {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	return s.f.mode
}

func (s *fakeSession) Close() error {
	s.f.record("close")
	s.acquiring.Store(false)
	s.connected.Store(false)
	return nil
}

func devParams() digitiser.Params {
	return digitiser.Params{"dig_name": "debug", "dig_gen": 1, "con_type": "USB"}
}

func recParams() digitiser.Params {
	return digitiser.Params{"record_length": 4, "trigger_mode": "SWTRIG"}
}

func newTestWorker(f *fakeInstrument, opts ...WorkerOption) *Worker {
	opts = append([]WorkerOption{
		WithLogger(zerolog.Nop()),
		WithIdleDelay(tick),
	}, opts...)
	return NewWorker(f.factory, opts...)
}

func runWorker(t *testing.T, w *Worker) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		w.Wait(waitFor)
	})
	return cancel, errc
}

func enqueue(t *testing.T, w *Worker, cmds ...Command) {
	t.Helper()
	for _, cmd := range cmds {
		require.NoError(t, w.Enqueue(context.Background(), cmd))
	}
}

func waitStatus(t *testing.T, w *Worker, want Status) {
	t.Helper()
	require.Eventually(t, func() bool { return w.Status() == want }, waitFor, tick,
		"status %+v, want %+v", w.Status(), want)
}

var acquiringStatus = Status{HasSession: true, Connected: true, Acquiring: true}

func TestConnectStartFillsDisplayQueue(t *testing.T) {
	f := newFakeInstrument(250)
	w := newTestWorker(f, WithDisplayBuffer(100))
	runWorker(t, w)

	enqueue(t, w, Connect(devParams(), recParams()))
	waitStatus(t, w, Status{HasSession: true, Connected: true})

	enqueue(t, w, Start())
	waitStatus(t, w, acquiringStatus)

	require.Eventually(t, func() bool { return f.Produced() == 250 }, waitFor, tick)
	require.Eventually(t, func() bool { return w.Display().Len() == 100 }, waitFor, tick)

	for want := uint64(151); want <= 250; want++ {
		rec, ok := w.Display().TryNext()
		require.True(t, ok)
		require.Equal(t, want, rec.Timestamp)
	}
	_, ok := w.Display().TryNext()
	assert.False(t, ok)
}

func TestStartWithoutConfiguration(t *testing.T) {
	f := newFakeInstrument(0)
	w := newTestWorker(f)
	runWorker(t, w)

	enqueue(t, w, Start())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Status{}, w.Status())
	assert.Equal(t, 0, f.Sessions())

	// still accepting commands
	enqueue(t, w, Connect(devParams(), recParams()), Start())
	waitStatus(t, w, acquiringStatus)
}

func TestExitWhileAcquiring(t *testing.T) {
	f := newFakeInstrument(1 << 30)
	w := newTestWorker(f, WithDisplayBuffer(8))
	_, errc := runWorker(t, w)

	enqueue(t, w, Connect(devParams(), recParams()), Start())
	waitStatus(t, w, acquiringStatus)

	enqueue(t, w, Exit())
	require.True(t, w.Wait(waitFor), "worker did not exit")
	assert.NoError(t, <-errc)

	assert.Equal(t, []string{"connect", "configure", "start", "stop", "close"}, f.Calls())
	assert.Equal(t, Status{}, w.Status())
}

func TestStopSuspendsAcquisition(t *testing.T) {
	f := newFakeInstrument(1 << 30)
	w := newTestWorker(f, WithDisplayBuffer(8))
	runWorker(t, w)

	enqueue(t, w, Connect(devParams(), recParams()), Start())
	require.Eventually(t, func() bool { return f.Acquires() > 10 }, waitFor, tick)

	enqueue(t, w, Stop())
	waitStatus(t, w, Status{})

	n := f.Acquires()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, f.Acquires(), "acquired after stop")

	enqueue(t, w, Start())
	require.Eventually(t, func() bool { return f.Acquires() > n }, waitFor, tick)
}

func TestStartRebuildsSessionAfterStop(t *testing.T) {
	f := newFakeInstrument(0)
	w := newTestWorker(f)
	runWorker(t, w)

	enqueue(t, w, Connect(devParams(), recParams()), Start(), Stop())
	waitStatus(t, w, Status{})

	enqueue(t, w, Start())
	waitStatus(t, w, acquiringStatus)

	assert.Equal(t, 2, f.Sessions())
	assert.Equal(t, []string{
		"connect", "configure", "start", "stop", "close",
		"connect", "configure", "start",
	}, f.Calls())
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFakeInstrument(0)
	w := newTestWorker(f)
	_, errc := runWorker(t, w)

	enqueue(t, w, Stop(), Stop())
	enqueue(t, w, Connect(devParams(), recParams()), Stop(), Stop())
	waitStatus(t, w, Status{})

	require.Eventually(t, func() bool { return len(f.Calls()) == 3 }, waitFor, tick)
	assert.Equal(t, []string{"connect", "configure", "close"}, f.Calls())

	select {
	case err := <-errc:
		t.Fatalf("worker exited: %v", err)
	default:
	}
}

func TestPauseKeepsSession(t *testing.T) {
	f := newFakeInstrument(0)
	w := newTestWorker(f, WithStopPolicy(StopPause))
	runWorker(t, w)

	enqueue(t, w, Connect(devParams(), recParams()), Start(), Stop())
	waitStatus(t, w, Status{HasSession: true, Connected: true})

	enqueue(t, w, Stop(), Start())
	waitStatus(t, w, acquiringStatus)

	assert.Equal(t, 1, f.Sessions())
	assert.Equal(t, []string{"connect", "configure", "start", "stop", "start"}, f.Calls())
}

func TestParseStopPolicy(t *testing.T) {
	for _, p := range []StopPolicy{StopDestroy, StopPause} {
		got, err := ParseStopPolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	got, err := ParseStopPolicy("")
	require.NoError(t, err)
	assert.Equal(t, StopDestroy, got)
	_, err = ParseStopPolicy("halt")
	assert.Error(t, err)
}

func TestCommandsHandledInOrder(t *testing.T) {
	f := newFakeInstrument(0)
	w := newTestWorker(f)

	// queued before the loop starts so they are drained in one pass
	enqueue(t, w,
		Connect(devParams(), recParams()),
		Start(),
		Stop(),
		Start(),
		Stop(),
		Exit(),
	)
	runWorker(t, w)
	require.True(t, w.Wait(waitFor))

	assert.Equal(t, []string{
		"connect", "configure", "start", "stop", "close",
		"connect", "configure", "start", "stop", "close",
	}, f.Calls())
}

func TestUnimplementedTriggerModeStops(t *testing.T) {
	f := newFakeInstrument(10)
	f.mode = "EXTRIG"
	w := newTestWorker(f)
	runWorker(t, w)

	enqueue(t, w, Connect(devParams(), recParams()), Start())
	require.Eventually(t, func() bool {
		calls := f.Calls()
		return len(calls) == 5 && calls[4] == "close"
	}, waitFor, tick)

	assert.Equal(t, 0, f.Acquires())
	assert.Equal(t, []string{"connect", "configure", "start", "stop", "close"}, f.Calls())
	waitStatus(t, w, Status{})
}

func TestUnimplementedTriggerModePausesUnderPausePolicy(t *testing.T) {
	f := newFakeInstrument(10)
	f.mode = "EXTRIG"
	w := newTestWorker(f, WithStopPolicy(StopPause))
	runWorker(t, w)

	enqueue(t, w, Connect(devParams(), recParams()), Start())
	require.Eventually(t, func() bool { return len(f.Calls()) == 4 }, waitFor, tick)
	waitStatus(t, w, Status{HasSession: true, Connected: true})

	assert.Equal(t, 0, f.Acquires())
	assert.Equal(t, []string{"connect", "configure", "start", "stop"}, f.Calls())
	assert.Equal(t, 1, f.Sessions())
}

func TestConnectFailureKeepsNoSession(t *testing.T) {
	f := newFakeInstrument(0)
	f.connectErr = errors.New("no link")
	w := newTestWorker(f)
	runWorker(t, w)

	enqueue(t, w, Connect(devParams(), recParams()), Start())
	require.Eventually(t, func() bool { return len(f.Calls()) == 4 }, waitFor, tick)

	// start retried the connection from the cached configuration
	assert.Equal(t, []string{"connect", "close", "connect", "close"}, f.Calls())
	assert.Equal(t, Status{}, w.Status())
}

func TestInvalidConnectArguments(t *testing.T) {
	f := newFakeInstrument(0)
	w := newTestWorker(f)
	runWorker(t, w)

	enqueue(t, w,
		NewCommand(KindConnect, "dig.ini"),
		Connect(digitiser.Params{"dig_gen": 1}, recParams()),
	)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, f.Sessions())
	assert.Equal(t, Status{}, w.Status())
}

func TestCancellationCleansUp(t *testing.T) {
	f := newFakeInstrument(1 << 30)
	w := newTestWorker(f, WithDisplayBuffer(4))
	cancel, errc := runWorker(t, w)

	enqueue(t, w, Connect(devParams(), recParams()), Start())
	waitStatus(t, w, acquiringStatus)

	cancel()
	require.True(t, w.Wait(waitFor))
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Equal(t, []string{"connect", "configure", "start", "stop", "close"}, f.Calls())
}

func TestAcquireErrorsAreTransient(t *testing.T) {
	f := newFakeInstrument(0)
	f.acquireErr = errors.New("readout glitch")
	w := newTestWorker(f)
	_, errc := runWorker(t, w)

	enqueue(t, w, Connect(devParams(), recParams()), Start())
	require.Eventually(t, func() bool { return f.Acquires() > 5 }, waitFor, tick)

	select {
	case err := <-errc:
		t.Fatalf("worker exited: %v", err)
	default:
	}
	assert.Equal(t, acquiringStatus, w.Status())
}

func TestPanicIsFatal(t *testing.T) {
	f := newFakeInstrument(1 << 30)
	f.panicAt = 3
	w := newTestWorker(f)
	_, errc := runWorker(t, w)

	enqueue(t, w, Connect(devParams(), recParams()), Start())
	require.True(t, w.Wait(waitFor))

	assert.ErrorIs(t, <-errc, ErrWorkerFault)
	calls := f.Calls()
	assert.Equal(t, "close", calls[len(calls)-1])
	assert.ErrorIs(t, w.Enqueue(context.Background(), Start()), ErrWorkerStopped)
}

func TestEnqueueFull(t *testing.T) {
	w := NewWorker(newFakeInstrument(0).factory,
		WithLogger(zerolog.Nop()),
		WithCommandBuffer(1),
		WithEnqueueTimeout(5*time.Millisecond))

	require.NoError(t, w.Enqueue(context.Background(), Start()))
	assert.ErrorIs(t, w.Enqueue(context.Background(), Stop()), ErrCommandQueueFull)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.Enqueue(ctx, Stop()), context.Canceled)
}

func TestRunTwice(t *testing.T) {
	f := newFakeInstrument(0)
	w := newTestWorker(f)
	runWorker(t, w)

	require.Eventually(t, func() bool { return w.running.Load() }, waitFor, tick)
	assert.ErrorIs(t, w.Run(context.Background()), ErrAlreadyRunning)
}

func TestNotifyHook(t *testing.T) {
	f := newFakeInstrument(20)
	var notified atomic.Int64
	w := newTestWorker(f, WithNotify(func() { notified.Add(1) }))
	runWorker(t, w)

	enqueue(t, w, Connect(devParams(), recParams()), Start())
	require.Eventually(t, func() bool { return notified.Load() == 20 }, waitFor, tick)
	assert.Equal(t, 20, w.Display().Len())
}
