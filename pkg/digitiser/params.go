package digitiser

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrMissingParam = errors.New("missing parameter")
	ErrInvalidParam = errors.New("invalid parameter")
)

// Params is an opaque key/value parameter map as read from a device or
// recording configuration file. Unknown keys are ignored by every consumer.
type Params map[string]interface{}

func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

func (p Params) String(key string) (string, error) {
	v, ok := p[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingParam, key)
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case fmt.Stringer:
		return s.String(), nil
	case int, int64, uint64, float64, bool:
		return fmt.Sprint(s), nil
	default:
		return "", fmt.Errorf("%w: %s has type %T", ErrInvalidParam, key, v)
	}
}

func (p Params) StringOr(key, fallback string) (string, error) {
	if !p.Has(key) {
		return fallback, nil
	}
	return p.String(key)
}

func (p Params) Int(key string) (int, error) {
	v, ok := p[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingParam, key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%w: %s=%v is not an integer", ErrInvalidParam, key, n)
		}
		return int(n), nil
	case string:
		i, err := strconv.ParseInt(n, 0, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s=%q: %v", ErrInvalidParam, key, n, err)
		}
		return int(i), nil
	default:
		return 0, fmt.Errorf("%w: %s has type %T", ErrInvalidParam, key, v)
	}
}

func (p Params) IntOr(key string, fallback int) (int, error) {
	if !p.Has(key) {
		return fallback, nil
	}
	return p.Int(key)
}

// Clone returns a shallow copy so cached configuration cannot be mutated by
// the caller that supplied it.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	ret := make(Params, len(p))
	for k, v := range p {
		ret[k] = v
	}
	return ret
}
