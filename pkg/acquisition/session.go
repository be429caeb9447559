package acquisition

import (
	"context"

	"github.com/norasector/carp/pkg/digitiser"
)

// Session is the live instrument handle the worker drives. The worker is the
// only caller; implementations need not be safe for concurrent use.
type Session interface {
	Connect(ctx context.Context) error
	Configure(dev, rec digitiser.Params) error
	Start() error
	Stop() error
	// Acquire returns (nil, nil) when no record arrived within the driver's
	// own read timeout.
	Acquire(ctx context.Context) (*digitiser.Record, error)
	Connected() bool
	Acquiring() bool
	TriggerMode() digitiser.TriggerMode
	Close() error
}

// SessionFactory builds an unconnected session from device parameters.
type SessionFactory func(dev digitiser.Params) (Session, error)

// DigitiserFactory returns a factory producing digitiser sessions.
func DigitiserFactory(opts ...digitiser.Option) SessionFactory {
	return func(dev digitiser.Params) (Session, error) {
		d, err := digitiser.New(dev, opts...)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}

var _ Session = (*digitiser.Digitiser)(nil)
