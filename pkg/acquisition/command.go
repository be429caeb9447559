package acquisition

import (
	"errors"
	"fmt"

	"github.com/norasector/carp/pkg/digitiser"
)

var (
	ErrInvalidArgs    = errors.New("invalid command arguments")
	ErrUnknownCommand = errors.New("unknown command")
)

// Kind is the closed set of control requests the worker understands.
type Kind int

const (
	KindConnect Kind = iota
	KindStart
	KindStop
	KindExit
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindStart:
		return "start"
	case KindStop:
		return "stop"
	case KindExit:
		return "exit"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a lower case command name back to its Kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{KindConnect, KindStart, KindStop, KindExit} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w %q", ErrUnknownCommand, s)
}

// Command is an immutable control request. The zero value is not useful; use
// the constructors.
type Command struct {
	kind Kind
	args []interface{}
}

func NewCommand(kind Kind, args ...interface{}) Command {
	return Command{kind: kind, args: append([]interface{}(nil), args...)}
}

func Connect(dev, rec digitiser.Params) Command {
	return NewCommand(KindConnect, dev.Clone(), rec.Clone())
}

func Start() Command { return NewCommand(KindStart) }
func Stop() Command  { return NewCommand(KindStop) }
func Exit() Command  { return NewCommand(KindExit) }

func (c Command) Kind() Kind { return c.kind }

func (c Command) Args() []interface{} {
	return append([]interface{}(nil), c.args...)
}

func (c Command) String() string {
	return c.kind.String()
}

// ConnectArgs returns the device and recording parameters of a connect
// command.
func (c Command) ConnectArgs() (dev, rec digitiser.Params, err error) {
	if c.kind != KindConnect {
		return nil, nil, fmt.Errorf("%w: %s is not a connect command", ErrInvalidArgs, c.kind)
	}
	if len(c.args) != 2 {
		return nil, nil, fmt.Errorf("%w: connect takes 2 arguments, got %d", ErrInvalidArgs, len(c.args))
	}
	dev, ok := c.args[0].(digitiser.Params)
	if !ok || dev == nil {
		return nil, nil, fmt.Errorf("%w: device parameters have type %T", ErrInvalidArgs, c.args[0])
	}
	rec, ok = c.args[1].(digitiser.Params)
	if !ok || rec == nil {
		return nil, nil, fmt.Errorf("%w: recording parameters have type %T", ErrInvalidArgs, c.args[1])
	}
	return dev, rec, nil
}
