package output

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/norasector/carp/pkg/config"
	"github.com/norasector/carp/pkg/digitiser"
	"github.com/norasector/carp/pkg/util"
)

const (
	receiveBuffer = 64
	numSenders    = 2
)

// RecordUDPOutput streams framed records to a set of UDP destinations.
type RecordUDPOutput struct {
	dests    []config.OutputDestination
	recvChan chan *digitiser.Record
	metrics  api.WriteAPI
	logger   zerolog.Logger
}

type Option func(o *RecordUDPOutput)

func WithLogger(logger zerolog.Logger) Option {
	return func(o *RecordUDPOutput) {
		o.logger = logger
	}
}

func WithWriteAPI(writeAPI api.WriteAPI) Option {
	return func(o *RecordUDPOutput) {
		o.metrics = writeAPI
	}
}

func NewRecordUDPOutput(dests []config.OutputDestination, opts ...Option) *RecordUDPOutput {
	o := &RecordUDPOutput{
		dests:    dests,
		recvChan: make(chan *digitiser.Record, receiveBuffer),
		metrics:  &util.MockWriteAPI{},
		logger:   log.Logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (s *RecordUDPOutput) Receive() chan<- *digitiser.Record {
	return s.recvChan
}

func (s *RecordUDPOutput) resolve() ([]*net.UDPAddr, error) {
	destAddrs := make([]*net.UDPAddr, 0, len(s.dests))
	for _, dest := range s.dests {

		ips, err := net.LookupIP(dest.Host)
		if err != nil {
			return nil, err
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("no IPs returned for %s", dest.Host)
		}

		destAddr := &net.UDPAddr{IP: ips[0], Port: dest.Port}
		destAddrs = append(destAddrs, destAddr)
		s.logger.Info().IPAddr("dest_ip", destAddr.IP).Int("port", dest.Port).Msg("record output starting")
	}
	return destAddrs, nil
}

// Start sends records until ctx is done.
func (s *RecordUDPOutput) Start(ctx context.Context) error {
	destAddrs, err := s.resolve()
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)

	for i := 0; i < numSenders; i++ {
		eg.Go(func() error {

			conn, err := net.ListenUDP("udp", nil)
			if err != nil {
				return err
			}
			defer conn.Close()

			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case rec := <-s.recvChan:
					s.send(conn, destAddrs, rec)
				}
			}
		})
	}

	return eg.Wait()
}

func (s *RecordUDPOutput) send(conn *net.UDPConn, destAddrs []*net.UDPAddr, rec *digitiser.Record) {
	msg, err := Frame(rec)
	if err != nil {
		s.logger.Warn().Err(err).Uint64("timestamp", rec.Timestamp).Msg("error framing record")
		return
	}

	success := true
	var bytesWritten int
	for _, destAddr := range destAddrs {
		bytesWritten, err = conn.WriteToUDP(msg, destAddr)
		if err != nil {
			s.logger.Error().Err(err).Msg("error writing")
			success = false
		}
	}

	sent, dropped := 1, 0
	if !success {
		sent, dropped = 0, 1
	}
	go s.metrics.WritePoint(influxdb2.NewPoint("record.sent_frame",
		map[string]string{
			"channel": strconv.Itoa(int(rec.Channel)),
		},
		map[string]interface{}{
			"bytes_written":  bytesWritten,
			"frame_length":   len(rec.Valid()),
			"encoded_length": len(msg) - headerSize,
			"sent":           sent,
			"dropped":        dropped,
		}, time.Now()))
}
