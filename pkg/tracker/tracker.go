package tracker

import (
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/norasector/carp/pkg/util"
)

const (
	window       = time.Second
	bytesPerMB   = 1000000.0
	pointMeasure = "acquisition.throughput"
)

// Stats is one emitted throughput window.
type Stats struct {
	Events       int
	Bytes        int
	Elapsed      time.Duration
	EventsPerSec float64
	MBPerSec     float64
	At           time.Time
}

// Tracker counts events and bytes and reports the rate roughly once a
// second. Reports happen only from Track, so an idle tracker stays quiet.
type Tracker struct {
	mu          sync.Mutex
	events      int
	bytes       int
	windowStart time.Time

	now      func() time.Time
	reporter func(Stats)
	writeAPI api.WriteAPI
	logger   zerolog.Logger
}

type Option func(t *Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithReporter registers a function called with every emitted window. It is
// called with the tracker lock held and must not call Track.
func WithReporter(fn func(Stats)) Option {
	return func(t *Tracker) {
		t.reporter = fn
	}
}

func WithWriteAPI(writeAPI api.WriteAPI) Option {
	return func(t *Tracker) {
		t.writeAPI = writeAPI
	}
}

func New(opts ...Option) *Tracker {
	t := &Tracker{
		now:      time.Now,
		writeAPI: &util.MockWriteAPI{},
		logger:   log.Logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.windowStart = t.now()
	return t
}

// Track records one event of nbytes. It returns the stats and true when the
// call closed a window.
func (t *Tracker) Track(nbytes int) (Stats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.events++
	t.bytes += nbytes

	now := t.now()
	elapsed := now.Sub(t.windowStart)
	if elapsed < window {
		return Stats{}, false
	}

	s := Stats{
		Events:  t.events,
		Bytes:   t.bytes,
		Elapsed: elapsed,
		At:      now,
	}
	s.EventsPerSec = float64(s.Events) / elapsed.Seconds()
	s.MBPerSec = float64(s.Bytes) / bytesPerMB / elapsed.Seconds()

	t.logger.Info().Msgf("|| %.1f events/sec || %.2f MB/sec ||", s.EventsPerSec, s.MBPerSec)

	go t.writeAPI.WritePoint(influxdb2.NewPoint(pointMeasure,
		map[string]string{},
		map[string]interface{}{
			"events":         s.Events,
			"bytes":          s.Bytes,
			"events_per_sec": s.EventsPerSec,
			"mb_per_sec":     s.MBPerSec,
		}, now))

	if t.reporter != nil {
		t.reporter(s)
	}

	t.windowStart = now
	t.events = 0
	t.bytes = 0
	return s, true
}
