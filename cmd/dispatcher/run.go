package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"event-dispatcher/internal/api"
	"event-dispatcher/internal/breaker"
	"event-dispatcher/internal/cache"
	"event-dispatcher/internal/config"
	"event-dispatcher/internal/delivery"
	"event-dispatcher/internal/discovery"
	"event-dispatcher/internal/monitor"
	"event-dispatcher/internal/queue"
	"event-dispatcher/internal/ratelimit"
	"event-dispatcher/internal/render"
	"event-dispatcher/internal/scheduler"
	"event-dispatcher/internal/source"
	"event-dispatcher/internal/telemetry"
	"event-dispatcher/internal/worker"
)

const dlqMaxLen = 10000

// run wires every component, recovers persisted jobs and serves until ctx is
// cancelled or a termination signal arrives.
func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}

	br := breaker.New(breaker.Config{
		Name:             "events-api",
		Threshold:        cfg.Breaker.Threshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Timeout:          cfg.BreakerTimeout(),
		IsFailure:        source.IsBreakerFailure,
		OnStateChange: func(name string, from, to breaker.State) {
			telemetry.BreakerState.WithLabelValues(name).Set(float64(to))
			log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("circuit breaker state changed")
		},
	})
	telemetry.BreakerState.WithLabelValues(br.Name()).Set(float64(breaker.StateClosed))
	responses := cache.New(cfg.Cache.MaxEntries)

	srcOpts := source.ResilientOptions{
		FreshTTL: cfg.CacheFreshTTL(),
		StaleTTL: cfg.CacheStaleTTL(),
		Logger:   log,
	}
	procOpts := worker.Options{
		Backoff: worker.Backoff{
			Base:        cfg.RetryBaseDelay(),
			Max:         cfg.RetryMaxDelay(),
			MaxAttempts: cfg.Retry.MaxAttempts,
		},
		Layout:  cfg.Render.Layout,
		Mode:    cfg.Delivery.Mode,
		Logger:  log,
	}
	deps := api.Deps{Store: st, Breaker: br}

	if cfg.Redis.Addr != "" {
		rc := queue.NewClient(cfg.Redis)
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			st.Close()
			return fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		srcOpts.Limiter = ratelimit.NewTokenBucket(rc, cfg.Redis.RateLimitCapacity, cfg.Redis.RateLimitRefill, time.Hour)
		dlq := queue.NewDeadLetter(rc, cfg.Redis.DLQName, dlqMaxLen)
		procOpts.DeadLetter = dlq
		deps.DeadLetter = dlq
		log.WithField("addr", cfg.Redis.Addr).Info("redis rate limiter and dead-letter list enabled")
	}

	src := source.NewResilient(source.NewHTTPClient(cfg.API.BaseURL, cfg.API.APIKey, cfg.API.RequestTimeout), br, responses, srcOpts)

	var deliveryOpts []delivery.Option
	if cfg.Delivery.S3.Bucket != "" {
		client, err := delivery.NewS3Client(ctx, cfg.Delivery.S3)
		if err != nil {
			st.Close()
			return fmt.Errorf("s3 client: %w", err)
		}
		deliveryOpts = append(deliveryOpts, delivery.WithUploader(delivery.NewS3Uploader(client, cfg.Delivery.S3.Bucket), cfg.Delivery.S3.Prefix))
	}
	transport := delivery.New(cfg.Delivery, log, deliveryOpts...)

	proc := worker.NewProcessor(st, src, render.New(cfg.Render.OutputDir), transport, procOpts)
	sched := scheduler.New(st, proc, scheduler.Options{
		LeadOffset: cfg.LeadOffset(),
		Workers:    cfg.Workers,
		Logger:     log,
	})
	deps.Scheduler = sched

	recovered, err := sched.RecoverJobs(ctx)
	if err != nil {
		_ = sched.Stop(context.Background())
		st.Close()
		return fmt.Errorf("recover jobs: %w", err)
	}
	log.WithField("recovered", recovered).Info("persisted jobs re-armed")

	mon := monitor.New(monitor.Options{
		Interval:     cfg.Monitor.Interval,
		HistorySize:  cfg.Monitor.HistorySize,
		WarnHeapMB:   cfg.Monitor.WarnHeapMB,
		WarnSysMB:    cfg.Monitor.WarnSysMB,
		LeakGrowthMB: cfg.Monitor.LeakGrowthMB,
		Logger:       log,
	})
	deps.Monitor = mon

	cycle := discovery.New(src, st, sched, cfg.FetchWindowHours, cfg.FetchInterval(), log)

	bgCtx, cancelBg := context.WithCancel(context.Background())
	var bg sync.WaitGroup
	spawn := func(fn func(context.Context)) {
		bg.Add(1)
		go func() {
			defer bg.Done()
			fn(bgCtx)
		}()
	}
	spawn(cycle.Run)
	spawn(mon.Run)
	spawn(func(ctx context.Context) {
		responses.RunJanitor(ctx, cfg.Cache.CleanupInterval, func(removed int) {
			if removed > 0 {
				log.WithField("removed", removed).Debug("cache sweep")
			}
		})
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.New(deps, log).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	log.WithFields(logrus.Fields{"addr": cfg.HTTP.Addr, "env": cfg.Env}).Info("dispatcher started")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case runErr = <-serveErr:
		log.WithError(runErr).Error("admin http server failed")
	}

	return shutdown(log, cfg.ShutdownGrace, cancelBg, &bg, sched, httpServer, st, runErr)
}

type closer interface {
	Checkpoint(ctx context.Context) error
	Close() error
}

// shutdown stops discovery first so nothing new is armed, gives in-flight
// jobs the grace period, then flushes and closes the store.
func shutdown(log logrus.FieldLogger, grace time.Duration, cancelBg context.CancelFunc, bg *sync.WaitGroup,
	sched *scheduler.Scheduler, httpServer *http.Server, st closer, runErr error) error {
	cancelBg()
	bg.Wait()

	graceCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := sched.Stop(graceCtx); err != nil {
		log.WithError(err).Warn("in-flight jobs abandoned; they resume on next start")
	}

	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}

	if err := st.Checkpoint(context.Background()); err != nil {
		log.WithError(err).Warn("store checkpoint")
	}
	if err := st.Close(); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("close store: %w", err))
	}
	log.Info("dispatcher stopped")
	return runErr
}
