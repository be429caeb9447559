package digitiser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultReadTimeout = 100 * time.Millisecond

var (
	ErrInvalidGeneration = errors.New("invalid digitiser generation")
	ErrNotConnected      = errors.New("digitiser not connected")
	ErrNotAcquiring      = errors.New("digitiser not acquiring")
)

// Digitiser is a live session with one board. It is not safe for concurrent
// use apart from the Connected and Acquiring flags.
type Digitiser struct {
	Name string
	URI  string

	conn           ConnectionSettings
	backendFactory BackendFactory
	backend        Backend
	info           Info
	settings       RecordingSettings
	readTimeout    time.Duration

	connected atomic.Bool
	acquiring atomic.Bool

	logger zerolog.Logger
}

type Option func(d *Digitiser)

func WithBackendFactory(f BackendFactory) Option {
	return func(d *Digitiser) {
		d.backendFactory = f
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(d *Digitiser) {
		d.logger = logger
	}
}

func WithReadTimeout(timeout time.Duration) Option {
	return func(d *Digitiser) {
		d.readTimeout = timeout
	}
}

func noBackend(name string) (Backend, error) {
	return nil, fmt.Errorf("%w for digitiser %q", ErrNoBackend, name)
}

// New parses the device parameters and prepares a session. It does not touch
// the hardware; call Connect for that.
func New(dev Params, opts ...Option) (*Digitiser, error) {
	d := &Digitiser{
		backendFactory: noBackend,
		readTimeout:    defaultReadTimeout,
		logger:         log.Logger,
	}
	for _, opt := range opts {
		opt(d)
	}

	var err error
	if d.Name, err = dev.String("dig_name"); err != nil {
		return nil, err
	}
	if d.conn.Generation, err = dev.Int("dig_gen"); err != nil {
		return nil, err
	}

	switch d.conn.Generation {
	case 1:
	case 2:
		return nil, fmt.Errorf("%w: digitiser generation 2", ErrNotImplemented)
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidGeneration, d.conn.Generation)
	}

	if d.conn.ConnType, err = dev.String("con_type"); err != nil {
		return nil, err
	}
	if d.conn.LinkNum, err = dev.IntOr("link_num", 0); err != nil {
		return nil, err
	}
	if d.conn.ConetNode, err = dev.IntOr("conet_node", 0); err != nil {
		return nil, err
	}
	if d.conn.VMEBaseAddress, err = dev.IntOr("vme_base_address", 0); err != nil {
		return nil, err
	}
	if d.conn.Authority, err = dev.StringOr("dig_authority", DefaultAuthority); err != nil {
		return nil, err
	}

	if d.URI, err = GenerateURI(d.conn); err != nil {
		return nil, err
	}

	d.logger = d.logger.With().Str("digitiser", d.Name).Logger()
	return d, nil
}

func (d *Digitiser) Connected() bool { return d.connected.Load() }
func (d *Digitiser) Acquiring() bool { return d.acquiring.Load() }

func (d *Digitiser) Info() Info { return d.info }
func (d *Digitiser) Settings() RecordingSettings { return d.settings }
func (d *Digitiser) TriggerMode() TriggerMode { return d.settings.TriggerMode }
func (d *Digitiser) Connection() ConnectionSettings { return d.conn }

func (d *Digitiser) Connect(ctx context.Context) error {
	if d.Connected() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	d.logger.Info().Str("uri", d.URI).Msg("attempting connection to digitiser")

	backend, err := d.backendFactory(d.Name)
	if err != nil {
		return err
	}

	info, err := backend.Open(d.URI)
	if err != nil {
		return fmt.Errorf("failed to connect to digitiser: %w", err)
	}
	if err := backend.Reset(); err != nil {
		backend.Close()
		return fmt.Errorf("failed to reset digitiser: %w", err)
	}

	d.backend = backend
	d.info = info
	d.connected.Store(true)

	d.logger.Info().
		Int("n_ch", info.Channels).
		Float64("sample_rate", info.SampleRate).
		Int("adc_bits", info.ADCBits).
		Str("firmware", info.Firmware).
		Msg("digitiser connected")
	return nil
}

// Configure applies the recording parameters. The device parameters may carry
// an optional read_timeout in milliseconds.
func (d *Digitiser) Configure(dev, rec Params) error {
	if !d.Connected() {
		return ErrNotConnected
	}

	timeoutMs, err := dev.IntOr("read_timeout", int(d.readTimeout/time.Millisecond))
	if err != nil {
		return err
	}
	if timeoutMs > 0 {
		d.readTimeout = time.Duration(timeoutMs) * time.Millisecond
	}

	var s RecordingSettings
	if s.RecordLength, err = rec.Int("record_length"); err != nil {
		return err
	}
	if s.RecordLength <= 0 {
		return fmt.Errorf("%w: record_length=%d", ErrInvalidParam, s.RecordLength)
	}
	if s.PreTrigger, err = rec.IntOr("pre_trigger", 0); err != nil {
		return err
	}
	mode, err := rec.StringOr("trigger_mode", string(TriggerSoftware))
	if err != nil {
		return err
	}
	s.TriggerMode = TriggerMode(strings.ToUpper(mode))
	s.EnabledChannels = []int{0}
	s.Waveforms = d.info.Firmware == FirmwareDPP

	if err := d.backend.Configure(s); err != nil {
		return fmt.Errorf("failed to configure recording parameters: %w", err)
	}
	d.settings = s

	d.logger.Info().
		Int("record_length", s.RecordLength).
		Int("pre_trigger", s.PreTrigger).
		Str("trigger_mode", string(s.TriggerMode)).
		Ints("channels", s.EnabledChannels).
		Bool("waveforms", s.Waveforms).
		Msg("digitiser configured")

	if err := d.backend.Calibrate(); err != nil {
		d.logger.Warn().Err(err).Msg("failed to calibrate digitiser")
	} else {
		d.logger.Info().Msg("digitiser calibrated")
	}
	return nil
}

func (d *Digitiser) Start() error {
	if !d.Connected() {
		return ErrNotConnected
	}
	if d.Acquiring() {
		return nil
	}
	if err := d.backend.Arm(); err != nil {
		return fmt.Errorf("failed to arm digitiser: %w", err)
	}
	d.acquiring.Store(true)
	d.logger.Info().Msg("digitiser acquisition started")
	return nil
}

func (d *Digitiser) Stop() error {
	if !d.Acquiring() {
		return nil
	}
	d.acquiring.Store(false)
	if err := d.backend.Disarm(); err != nil {
		return fmt.Errorf("failed to disarm digitiser: %w", err)
	}
	d.logger.Info().Msg("digitiser acquisition stopped")
	return nil
}

// Acquire sends one software trigger and reads back the resulting record. A
// read timeout returns (nil, nil).
func (d *Digitiser) Acquire(ctx context.Context) (*Record, error) {
	if !d.Acquiring() {
		return nil, ErrNotAcquiring
	}
	if !d.settings.TriggerMode.Implemented() {
		return nil, fmt.Errorf("%w: trigger mode %s", ErrNotImplemented, d.settings.TriggerMode)
	}

	if err := d.backend.SendSWTrigger(); err != nil {
		return nil, fmt.Errorf("failed to send software trigger: %w", err)
	}

	rec, err := d.backend.ReadData(ctx, d.readTimeout)
	if errors.Is(err, ErrTimeout) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error in readout: %w", err)
	}
	return rec, nil
}

// Close stops acquisition if needed and releases the board. It is safe to
// call more than once.
func (d *Digitiser) Close() error {
	var stopErr error
	if d.Acquiring() {
		stopErr = d.Stop()
	}
	d.connected.Store(false)

	if d.backend == nil {
		return stopErr
	}
	d.logger.Info().Msg("closing digitiser connection")
	err := d.backend.Close()
	d.backend = nil
	if stopErr != nil {
		return stopErr
	}
	return err
}
