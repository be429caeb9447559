package viz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/norasector/carp/pkg/acquisition"
	"github.com/norasector/carp/pkg/digitiser"
	"github.com/norasector/carp/pkg/tracker"
)

// viewTimeout is how long after the last page or image request the server
// keeps rendering plots.
const viewTimeout = time.Second

// Commander is the control surface the page buttons drive.
type Commander interface {
	Control(ctx context.Context, command string) error
	Status() acquisition.Status
}

type StatsResponse struct {
	Events       int     `json:"events"`
	Bytes        int     `json:"bytes"`
	EventsPerSec float64 `json:"events_per_sec"`
	MBPerSec     float64 `json:"mb_per_sec"`
	Connected    bool    `json:"connected"`
	Acquiring    bool    `json:"acquiring"`
}

type Server struct {
	mu             sync.RWMutex
	images         map[string]*ImageContainer
	producers      map[string]Producer
	latest         *digitiser.Record
	stats          tracker.Stats
	lastViewed     time.Time
	updateInterval time.Duration
	enabled        bool

	srv       *http.Server
	commander Commander
	gatherer  prometheus.Gatherer
	logger    zerolog.Logger
	now       func() time.Time
}

type ServerOption func(s *Server)

func WithCommander(c Commander) ServerOption {
	return func(s *Server) {
		s.commander = c
	}
}

// WithGatherer exposes the gatherer's metrics on /metrics.
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.gatherer = g
	}
}

func WithLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithClock(now func() time.Time) ServerOption {
	return func(s *Server) {
		s.now = now
	}
}

func NewServer(port int, updateInterval time.Duration, opts ...ServerOption) *Server {
	s := &Server{
		images:         make(map[string]*ImageContainer),
		producers:      make(map[string]Producer),
		srv:            &http.Server{Addr: fmt.Sprintf(":%d", port)},
		updateInterval: updateInterval,
		enabled:        true,
		logger:         log.Logger,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Enable(enable bool) {
	s.mu.Lock()
	s.enabled = enable
	s.mu.Unlock()
}

// SetCommander must be called before Run.
func (s *Server) SetCommander(c Commander) {
	s.commander = c
}

func (s *Server) Register(p Producer) {
	s.mu.Lock()
	s.producers[p.Name()] = p
	s.mu.Unlock()
}

// ShowRecord keeps the record for the next refresh. It never renders on the
// caller's goroutine.
func (s *Server) ShowRecord(rec *digitiser.Record) {
	s.mu.Lock()
	s.latest = rec
	s.mu.Unlock()
}

func (s *Server) ShowStats(st tracker.Stats) {
	s.mu.Lock()
	s.stats = st
	s.mu.Unlock()
}

func (s *Server) viewed() {
	s.mu.Lock()
	s.lastViewed = s.now()
	s.mu.Unlock()
}

// refresh renders every producer from the latest record if someone looked
// at the page recently.
func (s *Server) refresh() {
	s.mu.RLock()
	active := s.enabled && s.latest != nil && s.now().Sub(s.lastViewed) < viewTimeout
	rec := s.latest
	producers := make([]Producer, 0, len(s.producers))
	for _, p := range s.producers {
		producers = append(producers, p)
	}
	s.mu.RUnlock()

	if !active {
		return
	}

	var wg sync.WaitGroup
	for _, producer := range producers {
		wg.Add(1)
		go func(p Producer) {
			defer wg.Done()

			img, err := p.Plot(rec)
			if err != nil {
				s.logger.Warn().Err(err).Str("plot", p.Name()).Msg("error rendering plot")
				return
			}
			if img == nil {
				return
			}
			s.mu.Lock()
			s.images[img.name] = img
			s.mu.Unlock()
		}(producer)
	}
	wg.Wait()
}

func (s *Server) statsResponse() StatsResponse {
	s.mu.RLock()
	st := s.stats
	s.mu.RUnlock()

	resp := StatsResponse{
		Events:       st.Events,
		Bytes:        st.Bytes,
		EventsPerSec: st.EventsPerSec,
		MBPerSec:     st.MBPerSec,
	}
	if s.commander != nil {
		status := s.commander.Status()
		resp.Connected = status.Connected
		resp.Acquiring = status.Acquiring
	}
	return resp
}

// Handler returns the router for every route the server serves.
func (s *Server) Handler() http.Handler {
	handler := httprouter.New()

	handler.GET("/", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		s.viewed()

		s.mu.RLock()
		keys := make([]string, 0, len(s.producers))
		for key := range s.producers {
			keys = append(keys, key)
		}
		interval := s.updateInterval
		s.mu.RUnlock()
		sort.Strings(keys)

		w.Header().Add("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>CARP</title></head>`))
		w.Write([]byte(fmt.Sprintf(`
		<script type="text/javascript">
			function control(cmd) {
				fetch('/control/' + cmd, {method: 'POST'});
			}
			window.onload = function() {
				for (var i = 0; i < %d; i++) {
					var img = document.getElementById('graph-' + i);
					setInterval(function(image) {
						image.src = image.src.split("?")[0] + "?" + new Date().getTime();
					}, %d, img);
				}
				setInterval(function() {
					fetch('/stats').then(function(r) { return r.json(); }).then(function(st) {
						document.getElementById('fps').innerText = st.events_per_sec.toFixed(0) + ' events/sec';
						document.getElementById('mbps').innerText = st.mb_per_sec.toFixed(2) + ' MB/sec';
						document.getElementById('state').innerText = st.acquiring ? 'acquiring' : (st.connected ? 'connected' : 'disconnected');
					});
				}, 1000);
			}
		</script>`, len(keys), interval.Milliseconds())))
		w.Write([]byte(`<body style='background-color: black; color: white'>`))
		w.Write([]byte(`<div>`))
		for _, cmd := range []string{"connect", "start", "stop"} {
			w.Write([]byte(fmt.Sprintf(`<button onclick="control('%s')">%s</button>`, cmd, cmd)))
		}
		w.Write([]byte(`<span id="state"></span> <span id="fps"></span> <span id="mbps"></span></div>`))

		w.Write([]byte(`<div style="display: flex; flex-direction: column">`))
		for idx, key := range keys {
			w.Write([]byte(fmt.Sprintf(`<div><img id="graph-%d" src="/img/%s?%d" /></div>`, idx, key, s.now().UnixMicro())))
		}
		w.Write([]byte(`</div></body></html>`))
	})

	handler.GET("/img/:name", func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		s.viewed()

		s.mu.RLock()
		img, ok := s.images[params.ByName("name")]
		s.mu.RUnlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		w.Header().Add("Content-Type", "image/png")
		w.Write(img.data)
	})

	handler.GET("/stats", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Add("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.statsResponse()); err != nil {
			s.logger.Warn().Err(err).Msg("error encoding stats")
		}
	})

	handler.POST("/control/:command", func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		if s.commander == nil {
			http.Error(w, "no controller", http.StatusServiceUnavailable)
			return
		}
		cmd := params.ByName("command")
		err := s.commander.Control(r.Context(), cmd)
		switch {
		case err == nil:
			w.WriteHeader(http.StatusAccepted)
		case errors.Is(err, acquisition.ErrUnknownCommand):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			s.logger.Warn().Err(err).Str("command", cmd).Msg("control command rejected")
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		}
	})

	if s.gatherer != nil {
		metricsHandler := promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
		handler.Handler(http.MethodGet, "/metrics", metricsHandler)
	}

	return handler
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) Run(ctx context.Context) error {

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.updateInterval):
				s.refresh()
			}
		}
	}()

	s.srv.Handler = s.Handler()
	s.logger.Info().Str("addr", s.srv.Addr).Msg("viz server starting")

	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
