package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/norasector/carp/pkg/acquisition"
	"github.com/norasector/carp/pkg/config"
	"github.com/norasector/carp/pkg/controller"
	"github.com/norasector/carp/pkg/digitiser"
	"github.com/norasector/carp/pkg/digitiser/sim"
	"github.com/norasector/carp/pkg/logging"
	"github.com/norasector/carp/pkg/metrics"
	"github.com/norasector/carp/pkg/output"
	"github.com/norasector/carp/pkg/util"
	"github.com/norasector/carp/pkg/viz"
)

// simReadDelay keeps the debug board at a rate the display can follow.
const simReadDelay = time.Millisecond

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)

	configFile := pflag.String("config", "", "YAML config file")
	digConfig := pflag.String("dig-config", "", "digitiser parameter file, overrides the config file")
	recConfig := pflag.String("rec-config", "", "recording parameter file, overrides the config file")
	logLevel := pflag.String("log-level", "", "log level, overrides the config file")
	pflag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("error reading .env file")
	}

	opts, err := config.Load(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("error loading config")
	}
	if *digConfig != "" {
		opts.DigitiserConfig = *digConfig
	}
	if *recConfig != "" {
		opts.RecordingConfig = *recConfig
	}
	if *logLevel != "" {
		opts.Log.Level = *logLevel
	}

	logger, logCloser, err := logging.Setup(logging.Options{Dir: opts.Log.Dir, Level: opts.Log.Level})
	if err != nil {
		log.Fatal().Err(err).Msg("error setting up logging")
	}
	defer logCloser.Close()
	log.Logger = logger

	var influxWriteAPI api.WriteAPI = &util.MockWriteAPI{}
	if opts.InfluxDB.Host != "" {
		client := influxdb2.NewClient(opts.InfluxDB.Host, "")
		defer client.Close()
		influxWriteAPI = client.WriteAPI(opts.InfluxDB.Organization, opts.InfluxDB.Bucket)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	stopPolicy, err := acquisition.ParseStopPolicy(opts.Worker.StopPolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid stop policy")
	}

	var dev, rec digitiser.Params
	if opts.DigitiserConfig != "" && opts.RecordingConfig != "" {
		if dev, err = config.LoadParams(opts.DigitiserConfig); err != nil {
			log.Fatal().Err(err).Str("file", opts.DigitiserConfig).Msg("error reading digitiser config")
		}
		if rec, err = config.LoadParams(opts.RecordingConfig); err != nil {
			log.Fatal().Err(err).Str("file", opts.RecordingConfig).Msg("error reading recording config")
		}
	}

	factory := acquisition.DigitiserFactory(
		digitiser.WithBackendFactory(sim.Factory(sim.WithReadDelay(simReadDelay))),
		digitiser.WithLogger(logger.With().Str("component", "digitiser").Logger()),
		digitiser.WithReadTimeout(opts.Worker.ReadTimeout),
	)

	var vizServer *viz.Server
	ctrlOpts := []controller.ControllerOption{
		controller.WithLogger(logger),
		controller.WithInfluxDB(influxWriteAPI),
		controller.WithWorkerOptions(
			acquisition.WithCommandBuffer(opts.Worker.CommandBuffer),
			acquisition.WithDisplayBuffer(opts.Worker.DisplayBuffer),
			acquisition.WithIdleDelay(opts.Worker.IdleDelay),
			acquisition.WithEnqueueTimeout(opts.Worker.EnqueueTimeout),
			acquisition.WithStopPolicy(stopPolicy),
			acquisition.WithMetrics(m),
		),
	}
	if dev != nil {
		ctrlOpts = append(ctrlOpts, controller.WithParams(dev, rec))
	}
	if len(opts.Destinations) > 0 {
		ctrlOpts = append(ctrlOpts, controller.WithOutputs(
			output.NewRecordUDPOutput(opts.Destinations,
				output.WithLogger(logger),
				output.WithWriteAPI(influxWriteAPI)),
		))
	}
	if opts.VizServer.Enabled {
		vizServer = viz.NewServer(opts.VizServer.Port, opts.VizServer.UpdateInterval,
			viz.WithGatherer(reg),
			viz.WithLogger(logger))
		vizServer.Register(viz.NewWaveformPlotter("waveform"))
		vizServer.Register(viz.NewSpectrumPlotter("spectrum"))
		ctrlOpts = append(ctrlOpts, controller.WithPresenter(vizServer))
	}

	ctrl, err := controller.New(factory, ctrlOpts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create controller")
	}
	if vizServer != nil {
		vizServer.SetCommander(ctrl)
	}

	eg, ctx := errgroup.WithContext(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	eg.Go(func() error {

		select {
		case <-sigChan:
			log.Info().Msg("shutting down")
		case <-ctx.Done():
		}

		if vizServer != nil {
			vizServer.Stop(context.TODO())
		}
		if err := ctrl.Shutdown(opts.Worker.JoinTimeout); err != nil {
			log.Warn().Err(err).Msg("acquisition worker did not shut down cleanly")
		}
		return nil
	})

	eg.Go(func() error {
		return ctrl.Run(ctx)
	})

	if vizServer != nil {
		eg.Go(func() error {
			return vizServer.Run(ctx)
		})
	}

	if opts.ConnectOnStart && dev != nil {
		if err := ctrl.Connect(ctx, dev, rec); err != nil {
			log.Error().Err(err).Msg("failed to submit connect")
		} else if opts.StartOnConnect {
			if err := ctrl.Start(ctx); err != nil {
				log.Error().Err(err).Msg("failed to submit start")
			}
		}
	}

	if err := eg.Wait(); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("exited program")
	}
}
