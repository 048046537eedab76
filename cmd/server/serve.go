package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"eventrelay/internal/buffer"
	"eventrelay/internal/dispatch"
	jwttoken "eventrelay/internal/jwt_token"
	"eventrelay/internal/platform/config"
	"eventrelay/internal/platform/httpserver"
	"eventrelay/internal/platform/logger"
	"eventrelay/internal/platform/metrics"
	"eventrelay/internal/platform/middleware"
	"eventrelay/internal/platform/tracing"
	"eventrelay/internal/publisher"
	httptransport "eventrelay/internal/transport/http"
)

const tokenIssuer = "eventrelay"

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Short:   "Run the ingest API and dispatch loop",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			slog.SetDefault(log)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			tp, err := tracing.Setup("eventrelayd", version)
			if err != nil {
				return fmt.Errorf("setup tracing: %w", err)
			}
			defer func() { _ = tp.Shutdown(context.Background()) }()

			a, err := newApp(ctx, cfg, log, metrics.New(version))
			if err != nil {
				return err
			}
			ln, err := net.Listen("tcp", cfg.Server.Addr)
			if err != nil {
				_ = a.pub.Close()
				return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
			}
			return a.run(ctx, ln)
		},
	}
}

// app is the wired process: buffer, publisher, orchestrator and router.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	prods   producerSet
	pub     *publisher.Publisher
	orch    *dispatch.Orchestrator
	handler http.Handler
}

func newApp(ctx context.Context, cfg config.Config, log *slog.Logger, reg *metrics.Registry) (*app, error) {
	buf, err := buffer.New(buffer.Config{
		Dir:           cfg.Buffer.Dir,
		MaxFileBytes:  cfg.Buffer.MaxFileBytes,
		Retention:     cfg.Buffer.Retention,
		SweepInterval: cfg.Buffer.SweepInterval,
		RotateAfter:   cfg.Buffer.RotateAfter,
		StatsTTL:      cfg.Buffer.StatsTTL,
	}, buffer.WithLogger(log), buffer.WithMetrics(buffer.NewMetrics(reg)))
	if err != nil {
		return nil, fmt.Errorf("buffer: %w", err)
	}

	prods, err := buildProducers(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	pubOpts := []publisher.Option{
		publisher.WithLogger(log),
		publisher.WithMetrics(publisher.NewMetrics(reg)),
	}
	if prods.deadLetter != nil {
		pubOpts = append(pubOpts, publisher.WithDeadLetterProducer(prods.deadLetter))
	}
	pub, err := publisher.New(publisher.Config{
		Topic:            cfg.Broker.Topic,
		DeadLetterTopic:  prods.deadLetterTopic,
		MaxRetries:       cfg.Publisher.MaxRetries,
		BaseDelay:        cfg.Publisher.BaseDelay,
		MaxDelay:         cfg.Publisher.MaxDelay,
		SendTimeout:      cfg.Publisher.SendTimeout,
		HealthInterval:   cfg.Publisher.HealthInterval,
		BreakerFailures:  cfg.Publisher.BreakerFailures,
		BreakerSuccesses: cfg.Publisher.BreakerSuccesses,
	}, prods.main, pubOpts...)
	if err != nil {
		prods.close()
		return nil, fmt.Errorf("publisher: %w", err)
	}

	orch, err := dispatch.New(dispatch.Config{
		Interval:   cfg.Dispatch.Interval,
		MaxBatches: cfg.Dispatch.MaxBatches,
	}, buf, pub, dispatch.WithLogger(log), dispatch.WithMetrics(dispatch.NewMetrics(reg)))
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	var validator middleware.TokenValidator
	if cfg.Server.AuthSigningKey != "" {
		svc, err := jwttoken.NewJWTService(cfg.Server.AuthSigningKey, tokenIssuer)
		if err != nil {
			_ = pub.Close()
			return nil, err
		}
		validator = jwttoken.NewJWTServiceAdapter(svc)
	} else {
		log.Warn("server.auth_signing_key is empty, ingest endpoint is unauthenticated")
	}

	h, err := httptransport.New(orch,
		httptransport.WithLogger(log),
		httptransport.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
	)
	if err != nil {
		_ = pub.Close()
		return nil, err
	}

	return &app{
		cfg:     cfg,
		logger:  log,
		prods:   prods,
		pub:     pub,
		orch:    orch,
		handler: httptransport.NewRouter(h, validator, reg.Handler()),
	}, nil
}

// run starts the orchestrator, serves HTTP on ln until ctx ends, then stops
// taking requests before draining the loop so no accepted write is cut off.
func (a *app) run(ctx context.Context, ln net.Listener) error {
	defer func() {
		if err := a.pub.Close(); err != nil {
			a.logger.Warn("failed to close broker producers", "error", err)
		}
	}()
	if err := a.orch.Start(ctx); err != nil {
		_ = ln.Close()
		return err
	}

	grace := a.cfg.Server.ShutdownGrace
	srv := httpserver.New(ln.Addr().String(), a.handler)
	httpDone := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(httpDone)
		return httpserver.Serve(gctx, srv, ln, grace, a.logger)
	})
	g.Go(func() error {
		<-gctx.Done()
		<-httpDone
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
		defer cancel()
		if err := a.orch.Stop(stopCtx); err != nil && !errors.Is(err, dispatch.ErrNotRunning) {
			return err
		}
		return nil
	})

	a.logger.Info("eventrelayd started",
		"addr", ln.Addr().String(),
		"broker", a.cfg.Broker.Driver,
		"dead_letter", a.cfg.DeadLetter.Driver,
		"buffer_dir", a.cfg.Buffer.Dir,
		"version", version,
	)
	err := g.Wait()
	a.logger.Info("eventrelayd stopped")
	return err
}
