package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/icejuk/sipeksdk/internal/api"
	"github.com/icejuk/sipeksdk/internal/calllog"
	"github.com/icejuk/sipeksdk/internal/config"
	"github.com/icejuk/sipeksdk/internal/engine"
	"github.com/icejuk/sipeksdk/internal/feature"
	"github.com/icejuk/sipeksdk/internal/marshal"
	"github.com/icejuk/sipeksdk/internal/metrics"
	"github.com/icejuk/sipeksdk/internal/registry"
	"github.com/icejuk/sipeksdk/internal/routing"
	"github.com/icejuk/sipeksdk/internal/session"
	"github.com/icejuk/sipeksdk/internal/sipua"
)

// pollTimeout bounds each Poll call in polling mode.
const pollTimeout = 100 * time.Millisecond

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("sipekd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	startTime := time.Now()
	slog.Info("starting sipekd",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"data_dir", cfg.DataDir,
		"polling", cfg.PollingEvents,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := calllog.Open(cfg.CallLogDSN, cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("opening call log: %w", err)
	}
	defer store.Close()
	callLog := calllog.NewRecorder(store, 0, logger)
	calllog.StartCleanupTicker(ctx, store, cfg.CallLogMaxDays, time.Hour, logger)

	eng, err := sipua.New(sipua.ConfigFrom(cfg), logger)
	if err != nil {
		return fmt.Errorf("creating sip engine: %w", err)
	}

	hub := api.NewHub(logger)
	defer hub.Close()

	// The collector needs the session and the session hooks need the
	// collector; the hooks read it through this variable.
	var collector *metrics.Collector
	hooks := session.Hooks{
		Event: func(ev engine.Event) {
			collector.ObserveEvent(ev)
		},
		Delivered: func(kind marshal.Kind) {
			collector.ObserveNotification(kind)
			slog.Debug("host notification delivered", "kind", kind.String())
		},
		Connect: func(c routing.Connection, err error) {
			collector.ObserveConnect(c, err)
		},
		Dispatch: func(code feature.ServiceCode, err error) {
			collector.ObserveDispatch(code, err)
		},
		Finished: func(rec registry.CallRecord) {
			callLog.Record(rec)
		},
	}
	sess := session.New(sessionConfig(cfg), eng, hub.Sink(), hooks, logger)

	collector = metrics.NewCollector(sess, sess, sess, store, startTime, logger)
	callLog.OnWritten = collector.ObserveCallLogWrite

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := sess.Init(ctx); err != nil {
		return fmt.Errorf("initializing session: %w", err)
	}

	handler := api.NewServer(sess, store, hub, api.Options{
		Secret:    []byte(cfg.APISecret),
		RateLimit: cfg.APIRateLimit,
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	}, logger)
	defer handler.Close()

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:     handler,
		ReadTimeout: 10 * time.Second,
		// No write timeout: the event stream holds connections open.
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		callLog.Run(context.Background())
		return nil
	})

	g.Go(func() error {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.PollingEvents {
		g.Go(func() error {
			for gctx.Err() == nil {
				if _, err := sess.Poll(pollTimeout); err != nil && engine.KindOf(err) == engine.KindNotInitialized {
					return nil
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
		}
		if err := sess.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("session shutdown: %w", err))
		}
		callLog.Close()
		return errors.Join(errs...)
	})

	err = g.Wait()
	slog.Info("sipekd stopped")
	return err
}

// sessionConfig maps the daemon flags onto session settings.
func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		MaxCalls:       cfg.MaxCalls,
		AutoLoop:       cfg.AutoLoop,
		AutoPlayback:   cfg.AutoPlayback,
		AutoRecord:     cfg.AutoRecord,
		AutoConference: cfg.AutoConference,
		PlayFile:       cfg.PlayFile,
		RecordFile:     cfg.RecordFile,
		CallDuration:   cfg.CallDuration,
		Features: feature.Settings{
			DND:            cfg.DND,
			AutoAnswer:     cfg.AutoAnswer,
			CFU:            cfg.CFU,
			CFUNumber:      cfg.CFUNumber,
			CFNR:           cfg.CFNR,
			CFNRNumber:     cfg.CFNRNumber,
			CFB:            cfg.CFB,
			CFBNumber:      cfg.CFBNumber,
			NoReplyTimeout: cfg.NoReplyTimeout,
		},
		NoReferSub:   cfg.NoReferSub,
		HostEncoding: cfg.HostEncoding,
	}
}
