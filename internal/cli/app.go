package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/t77yq/jobscheduler/internal/api"
	"github.com/t77yq/jobscheduler/internal/config"
	"github.com/t77yq/jobscheduler/internal/events"
	"github.com/t77yq/jobscheduler/internal/executor"
	"github.com/t77yq/jobscheduler/internal/handler"
	"github.com/t77yq/jobscheduler/internal/model"
	"github.com/t77yq/jobscheduler/internal/monitor"
	"github.com/t77yq/jobscheduler/internal/scheduler"
	"github.com/t77yq/jobscheduler/internal/storage"
)

const natsConnectAttempts = 5

// app wires every component of a serving process
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	store     *storage.SQLiteStore
	nc        *nats.Conn
	publisher *events.NATSPublisher
	alerts    *monitor.AlertManager
	scheduler *scheduler.Scheduler
	server    *http.Server
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	store, err := storage.Open(cfg.Database.Path, cfg.Database.BusyTimeout, logger)
	if err != nil {
		return nil, err
	}
	a.store = store

	if cfg.NATS.Enabled {
		if err := a.connectNATS(); err != nil {
			a.close()
			return nil, err
		}
	}

	var engineOpts []executor.Option

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		engineOpts = append(engineOpts, executor.WithRecorder(monitor.NewMetrics(reg)))
		metricsHandler = monitor.Handler(reg)
	}

	if cfg.Alerts.Enabled {
		if err := a.setupAlerts(); err != nil {
			a.close()
			return nil, err
		}
	}

	switch {
	case a.publisher != nil:
		engineOpts = append(engineOpts, executor.WithPublisher(a.publisher))
	case a.alerts != nil:
		engineOpts = append(engineOpts, executor.WithPublisher(a.alerts))
	}

	if cfg.Scheduler.RetryStrategy == "exponential" {
		engineOpts = append(engineOpts, executor.WithRetryStrategy(executor.ExponentialBackoff{
			MaxDelay:   cfg.Scheduler.MaxRetryDelay,
			Multiplier: cfg.Scheduler.RetryMultiplier,
		}))
	}

	a.scheduler = scheduler.New(store, scheduler.Options{
		InstanceID:      cfg.App.InstanceID,
		PollInterval:    cfg.Scheduler.PollInterval,
		BatchSize:       cfg.Scheduler.BatchSize,
		LeaseDuration:   cfg.Scheduler.LeaseDuration,
		DefaultTimeout:  cfg.Scheduler.DefaultTimeout,
		RetryOnTimeout:  cfg.Scheduler.RetryOnTimeout,
		ExecutionMaxAge: cfg.Retention.ExecutionMaxAge,
		CleanupCron:     cfg.Retention.Cron,
		LockSweepCron:   cfg.Retention.LockSweepCron,
	}, logger, engineOpts...)

	ping := handler.NewHTTPPingHandler(logger)
	if err := a.scheduler.RegisterHandler(handler.HTTPService, handler.HTTPPingMethod, ping.Execute); err != nil {
		a.close()
		return nil, err
	}

	a.server = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewServer(a.scheduler, metricsHandler, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

func (a *app) connectNATS() error {
	cfg := a.cfg.NATS
	opts := []nats.Option{
		nats.Name(a.cfg.App.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			a.logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			a.logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			a.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	var err error
	for i := 0; i < natsConnectAttempts; i++ {
		nc, err = nats.Connect(cfg.URL, opts...)
		if err == nil {
			break
		}
		a.logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		return fmt.Errorf("failed to connect to NATS after %d attempts: %w", natsConnectAttempts, err)
	}
	a.nc = nc
	a.logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))

	js, err := nc.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}
	a.publisher, err = events.NewNATSPublisher(js, a.logger)
	return err
}

func (a *app) setupAlerts() error {
	var source monitor.EventSource
	if a.publisher != nil {
		source = a.publisher
	}
	a.alerts = monitor.NewAlertManager(source, a.logger)

	for _, rule := range monitor.DefaultRules() {
		if err := a.alerts.AddRule(rule); err != nil {
			return err
		}
	}

	a.alerts.AddChannel("log", monitor.NewLogChannel(a.logger))
	if url := a.cfg.Alerts.WebhookURL; url != "" {
		a.alerts.AddChannel("webhook", monitor.NewWebhookChannel(url))
	}
	if email := a.cfg.Alerts.Email; email.Host != "" {
		ch, err := monitor.NewEmailChannel(monitor.EmailConfig{
			Host:     email.Host,
			Port:     email.Port,
			Username: email.Username,
			Password: email.Password,
			From:     email.From,
			To:       email.To,
		})
		if err != nil {
			return err
		}
		a.alerts.AddChannel("email", ch)
	}
	return nil
}

// registerJobs upserts the jobs declared in configuration
func (a *app) registerJobs(ctx context.Context) error {
	for _, jc := range a.cfg.Jobs {
		opts := model.JobOptions{
			Timezone:    jc.Timezone,
			Description: jc.Description,
			Config:      jc.Config,
			Inactive:    jc.Inactive,
			Priority:    jc.Priority,
			Tags:        jc.Tags,
			MaxRetries:  jc.MaxRetries,
		}
		if jc.RetryDelay > 0 {
			delay := jc.RetryDelay.Milliseconds()
			opts.RetryDelayMs = &delay
		}
		if _, err := a.scheduler.RegisterJob(ctx, jc.Name, jc.Cron, jc.HandlerService, jc.HandlerMethod, opts); err != nil {
			return fmt.Errorf("failed to register job %s: %w", jc.Name, err)
		}
	}
	return nil
}

func (a *app) start(ctx context.Context) error {
	if err := a.registerJobs(ctx); err != nil {
		return err
	}
	if a.alerts != nil {
		if err := a.alerts.Start(); err != nil {
			return err
		}
	}
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}

	go func() {
		a.logger.Info("HTTP server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
	return nil
}

func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop HTTP server: %w", err))
	}
	if err := a.scheduler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.alerts != nil {
		a.alerts.Stop()
	}
	a.close()
	return errors.Join(errs...)
}

func (a *app) close() {
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.nc.Close()
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Failed to close store", zap.Error(err))
		}
	}
}
