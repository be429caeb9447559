package digitiser

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTimeout        = errors.New("read timeout")
	ErrNoBackend      = errors.New("no backend available")
	ErrNotImplemented = errors.New("not implemented")
)

type TriggerMode string

const (
	TriggerSoftware TriggerMode = "SWTRIG"
)

func (m TriggerMode) Implemented() bool {
	return m == TriggerSoftware
}

// Info describes the connected board.
type Info struct {
	Channels   int
	SampleRate float64 // Msps
	ADCBits    int
	Firmware   string
}

// RecordingSettings is the typed form of the recording parameters.
type RecordingSettings struct {
	RecordLength int // samples
	PreTrigger   int // samples, applied to every enabled channel
	TriggerMode  TriggerMode
	// EnabledChannels lists the armed channels. Only channel 0 is used for now.
	EnabledChannels []int
	// Waveforms asks DPP firmware to send samples along with its event data.
	Waveforms bool
}

// FirmwareDPP is the firmware type of digital pulse processing boards, which
// only send waveforms when asked to.
const FirmwareDPP = "DPP"

// Backend is the hardware library capability a Digitiser drives. Calls are
// never made concurrently.
type Backend interface {
	Open(uri string) (Info, error)
	Reset() error
	Configure(s RecordingSettings) error
	Calibrate() error
	Arm() error
	Disarm() error
	SendSWTrigger() error
	// ReadData blocks for at most timeout and returns ErrTimeout if no event
	// arrived.
	ReadData(ctx context.Context, timeout time.Duration) (*Record, error)
	Close() error
}

// BackendFactory returns the backend to use for a named board.
type BackendFactory func(name string) (Backend, error)
