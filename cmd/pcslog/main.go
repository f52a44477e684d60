package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"codeberg.org/mutker/pcslog/internal/config"
	"codeberg.org/mutker/pcslog/internal/csvlog"
	"codeberg.org/mutker/pcslog/internal/errors"
	"codeberg.org/mutker/pcslog/internal/ingest"
	"codeberg.org/mutker/pcslog/internal/logger"
	"codeberg.org/mutker/pcslog/internal/metrics"
	"codeberg.org/mutker/pcslog/internal/pipeline"
	"codeberg.org/mutker/pcslog/internal/pid"
	"codeberg.org/mutker/pcslog/internal/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
)

const (
	sinkDirPerm     = 0o755
	shutdownTimeout = 5 * time.Second
)

var cfg *config.Config

func init() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel.String(), logger.IsService())
	ingest.RouteClientLogs(cfg.LogLevel == config.LogLevelDebug)
	logger.Debug().Str("config_file", cfg.ConfigFile).Msg("Config loaded")
}

func main() {
	if err := start(); err != nil {
		var appErr errors.Error
		if !errors.As(err, &appErr) {
			appErr = errors.New().Wrap(errors.ErrMainLoop, err)
		}
		logger.ErrorWithCode(appErr).Msg("Exiting after error")
		os.Exit(1)
	}

	logger.Info().Msg("Exiting...")
}

func start() error {
	if err := pid.Write(cfg.PIDFile); err != nil {
		if errors.HasCode(err, errors.ErrAlreadyRunning) {
			logger.Error().Str("pid_file", cfg.PIDFile).Msg("Another instance is already running")
		}
		return err
	}
	defer func() {
		if err := pid.Remove(cfg.PIDFile); err != nil {
			logger.Error().Err(err).Msg("Failed to remove PID file")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	return runApp(ctx)
}

func runApp(ctx context.Context) error {
	errFactory := errors.New()

	writer, err := prepareSink()
	if err != nil {
		return err
	}

	ledger, lastRunID, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := ledger.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close run ledger")
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	pipelineMetrics, err := metrics.NewPipeline(reg)
	if err != nil {
		return errFactory.Wrap(errors.ErrInitApp, err)
	}

	if cfg.MetricsAddr != "" {
		srv, err := metrics.Listen(cfg.MetricsAddr, reg)
		if err != nil {
			return errFactory.Wrap(errors.ErrInitApp, err)
		}
		go srv.Serve()
		logger.Info().Str("addr", srv.Addr()).Msg("Serving metrics")
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("Failed to stop metrics server")
			}
		}()
	}

	p, err := pipeline.New(pipeline.Config{
		CommandField:      cfg.CommandField,
		Fields:            cfg.Fields,
		Interval:          cfg.Interval,
		ResetGateOnRunEnd: cfg.ResetOnRunEnd,
	}, writer,
		pipeline.WithLedger(ledger),
		pipeline.WithLastRunID(lastRunID),
		pipeline.WithMetrics(pipelineMetrics),
	)
	if err != nil {
		return err
	}
	// Runs after the subscriber has drained, so an open run is closed
	// with its final sample count.
	defer p.Close(context.Background())

	sub := ingest.New(ingest.Config{
		Broker:         cfg.Broker,
		Topic:          cfg.Topic,
		ClientID:       cfg.ClientID,
		Username:       cfg.Username,
		Password:       cfg.Password,
		QoS:            byte(cfg.QoS),
		KeepAlive:      cfg.KeepAlive,
		ConnectTimeout: cfg.ConnectTimeout,
		QueueSize:      cfg.QueueSize,
	}, pipelineMetrics)

	if err := sub.Connect(); err != nil {
		return err
	}

	logger.Info().
		Str("topic", cfg.Topic).
		Str("sink", writer.Path()).
		Dur("interval", cfg.Interval).
		Str("run_mode", cfg.RunMode.String()).
		Int64("last_run_id", lastRunID).
		Msg("Logging PCS runs")

	sub.Run(ctx, func(ctx context.Context, msg pipeline.Message) {
		p.Handle(ctx, msg)
	})

	return nil
}

func prepareSink() (*csvlog.Writer, error) {
	errFactory := errors.New()

	if err := os.MkdirAll(filepath.Dir(cfg.Sink), sinkDirPerm); err != nil {
		return nil, errFactory.Wrap(errors.ErrPrepSink, err)
	}

	writer, err := csvlog.NewWriter(cfg.Sink, csvlog.Schema{
		Fields:    cfg.Fields,
		Timestamp: cfg.Timestamp,
	}, csvlog.WithFsync(cfg.Fsync))
	if err != nil {
		return nil, err
	}

	if err := writer.Verify(); err != nil {
		return nil, err
	}

	return writer, nil
}

func openLedger(ctx context.Context) (run.Ledger, int64, error) {
	if cfg.RunMode != config.RunModePersist {
		return run.NoopLedger{}, 0, nil
	}

	errFactory := errors.New()

	ledger, err := run.OpenLedger(ctx, cfg.StateDB, logger.Default())
	if err != nil {
		return nil, 0, errFactory.Wrap(errors.ErrInitLedger, err)
	}

	last, err := ledger.LastRunID(ctx)
	if err != nil {
		ledger.Close()
		return nil, 0, errFactory.Wrap(errors.ErrInitLedger, err)
	}

	return ledger, last, nil
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}
