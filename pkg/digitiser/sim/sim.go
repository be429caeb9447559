// Package sim is a simulated first generation digitiser used when the board
// is named "debug". It reports fixed board information and answers every
// software trigger with a synthetic pulse on the first enabled channel.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/norasector/carp/pkg/digitiser"
)

const (
	DebugName = "debug"

	channels    = 4
	baseline    = 2048
	maxADC      = 1<<12 - 1
	noiseSigma  = 4.0
	decaySample = 40.0
)

var ErrClosed = errors.New("simulated digitiser closed")

type Device struct {
	mu        sync.Mutex
	open      bool
	armed     bool
	settings  digitiser.RecordingSettings
	triggers  int
	timestamp uint64
	readDelay time.Duration
	firmware  string
	rng       *rand.Rand
}

type Option func(d *Device)

// WithReadDelay makes every successful read take at least delay, which keeps
// the simulated event rate in a realistic range.
func WithReadDelay(delay time.Duration) Option {
	return func(d *Device) {
		d.readDelay = delay
	}
}

// WithFirmware sets the firmware type the board reports. DPP firmware only
// sends samples when waveforms are enabled.
func WithFirmware(fw string) Option {
	return func(d *Device) {
		d.firmware = fw
	}
}

func WithSeed(seed int64) Option {
	return func(d *Device) {
		d.rng = rand.New(rand.NewSource(seed))
	}
}

func New(opts ...Option) *Device {
	d := &Device{
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		firmware: DebugName,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Factory returns a simulated device for the debug board and fails for any
// other name.
func Factory(opts ...Option) digitiser.BackendFactory {
	return func(name string) (digitiser.Backend, error) {
		if name != DebugName {
			return nil, fmt.Errorf("%w for digitiser %q", digitiser.ErrNoBackend, name)
		}
		return New(opts...), nil
	}
}

func (d *Device) Open(uri string) (digitiser.Info, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = true
	return digitiser.Info{
		Channels:   channels,
		SampleRate: 1000,
		ADCBits:    12,
		Firmware:   d.firmware,
	}, nil
}

func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return ErrClosed
	}
	d.armed = false
	d.triggers = 0
	d.timestamp = 0
	return nil
}

func (d *Device) Configure(s digitiser.RecordingSettings) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return ErrClosed
	}
	if s.PreTrigger >= s.RecordLength {
		return fmt.Errorf("pre_trigger %d must be shorter than record_length %d", s.PreTrigger, s.RecordLength)
	}
	if len(s.EnabledChannels) == 0 {
		return errors.New("no channel enabled")
	}
	for _, ch := range s.EnabledChannels {
		if ch < 0 || ch >= channels {
			return fmt.Errorf("channel %d out of range 0-%d", ch, channels-1)
		}
	}
	d.settings = s
	return nil
}

func (d *Device) Calibrate() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return ErrClosed
	}
	return nil
}

func (d *Device) Arm() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return ErrClosed
	}
	d.armed = true
	return nil
}

func (d *Device) Disarm() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.armed = false
	d.triggers = 0
	return nil
}

func (d *Device) SendSWTrigger() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return ErrClosed
	}
	if d.armed {
		d.triggers++
	}
	return nil
}

func (d *Device) ReadData(ctx context.Context, timeout time.Duration) (*digitiser.Record, error) {
	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	if d.triggers == 0 {
		d.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(timeout):
			return nil, digitiser.ErrTimeout
		}
	}
	d.triggers--
	rec := d.pulse()
	delay := d.readDelay
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return rec, nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	d.armed = false
	return nil
}

// pulse must be called with mu held.
func (d *Device) pulse() *digitiser.Record {
	n := d.settings.RecordLength
	amplitude := 200 + d.rng.Float64()*1500

	samples := make([]int16, n)
	for i := range samples {
		v := baseline + d.rng.NormFloat64()*noiseSigma
		if i >= d.settings.PreTrigger {
			v += amplitude * math.Exp(-float64(i-d.settings.PreTrigger)/decaySample)
		}
		samples[i] = int16(math.Max(0, math.Min(maxADC, v)))
	}

	var channel uint8
	if len(d.settings.EnabledChannels) > 0 {
		channel = uint8(d.settings.EnabledChannels[0])
	}

	d.timestamp += uint64(n)
	rec := &digitiser.Record{
		Channel:        channel,
		Timestamp:      d.timestamp,
		Energy:         uint16(amplitude),
		WaveformLength: uint(n),
		Samples:        samples,
	}
	if d.firmware == digitiser.FirmwareDPP && !d.settings.Waveforms {
		// event data only
		rec.WaveformLength = 0
		rec.Samples = nil
	}
	return rec
}
