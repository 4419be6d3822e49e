package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"sms-confirmation/internal/config"
	"sms-confirmation/internal/confirmable/handler"
	"sms-confirmation/internal/confirmable/repository"
	"sms-confirmation/internal/confirmable/service"
	"sms-confirmation/internal/confirmable/token"
	"sms-confirmation/internal/db"
	"sms-confirmation/internal/logger"
	"sms-confirmation/internal/metrics"
	"sms-confirmation/internal/notify"
	"sms-confirmation/internal/notify/devoutbox"
	"sms-confirmation/internal/notify/kafka"
	"sms-confirmation/internal/notify/sms"
	"sms-confirmation/internal/server"
	"sms-confirmation/internal/telemetry"
	otelsetup "sms-confirmation/internal/telemetry/otel"
)

const serviceName = "sms-confirmation"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	log := logger.New(serviceName, cfg.LogLevel)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := otelsetup.NewProviders(ctx, otelsetup.Config{
		Endpoint:        cfg.OTLPEndpoint,
		Insecure:        cfg.OTLPInsecure,
		ServiceName:     serviceName,
		Environment:     cfg.Env,
		IdentityClasses: cfg.Classes(),
	})
	if err != nil {
		return err
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx)
	}()

	codec, err := token.NewCodec(cfg.TokenSecret)
	if err != nil {
		return err
	}

	var repo repository.Repository
	var pinger server.Pinger
	if cfg.DatabaseURL != "" {
		pool, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		repo, pinger = repository.NewPostgresRepository(pool), pool
	} else {
		log.Warn("DATABASE_URL not set; identities are kept in memory")
		repo = repository.NewMemoryRepository()
	}

	var outbox devoutbox.Store
	if cfg.OTPReturnToClient || cfg.Notifier == config.NotifierDev {
		if cfg.RedisAddr != "" {
			client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
			defer client.Close()
			if err := client.Ping(ctx).Err(); err != nil {
				return err
			}
			outbox = devoutbox.NewRedisStore(client)
		} else {
			outbox = devoutbox.NewMemoryStore()
		}
		log.Warn("dev token outbox enabled; tokens are readable at /dev/sms_confirmation/token")
	}

	gateway, closeGateway, err := buildGateway(cfg, outbox)
	if err != nil {
		return err
	}
	defer closeGateway()

	recorder := metrics.New()
	emitter := otelsetup.NewEventEmitter(providers.LoggerProvider)
	services := make(map[string]*service.Service, len(cfg.Classes()))
	for _, class := range cfg.Classes() {
		policy, _ := cfg.Policy(class)
		services[class] = service.NewService(repo, gateway, codec, policy,
			service.WithLogger(log.With("class", class)),
			service.WithEventEmitter(emitter),
			service.WithRecorder(recorder),
		)
	}

	var handlerOpts []handler.Option
	if outbox != nil {
		handlerOpts = append(handlerOpts, handler.WithDevOutbox(outbox))
	}
	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: server.NewRouter(server.Deps{
			Confirmations: handler.New(services, log, handlerOpts...),
			Metrics:       recorder,
			Pinger:        pinger,
			Logger:        log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", cfg.HTTPAddr, "classes", cfg.Classes(), "notifier", cfg.Notifier)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down http server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	time.Sleep(telemetry.ShutdownDrainDuration)
	log.Info("http server stopped")
	return nil
}

// outboxTTLs bounds dev outbox entries by each class's confirmation window.
func outboxTTLs(cfg *config.Config) []devoutbox.GatewayOption {
	var opts []devoutbox.GatewayOption
	for _, class := range cfg.Classes() {
		p, ok := cfg.Policy(class)
		if ok && p.ConfirmWithin.Bounded() {
			opts = append(opts, devoutbox.WithClassTTL(class, p.ConfirmWithin.Duration()))
		}
	}
	return opts
}

// buildGateway selects the delivery gateway for cfg.Notifier and fans out to the dev outbox when set.
func buildGateway(cfg *config.Config, outbox devoutbox.Store) (notify.Gateway, func(), error) {
	var gateways notify.Multi
	closeFn := func() {}
	if outbox != nil {
		gateways = append(gateways, devoutbox.NewGateway(outbox, 0, outboxTTLs(cfg)...))
	}

	switch cfg.Notifier {
	case config.NotifierSMSLocal:
		if cfg.SMSLocalAPIKey != "" {
			gateways = append(gateways, sms.NewClient(cfg.SMSLocalAPIKey, cfg.SMSLocalBaseURL, cfg.SMSSender))
		}
	case config.NotifierKafka:
		p, err := kafka.NewProducer(cfg.KafkaBrokersList(), cfg.NotificationKafkaTopic)
		if err != nil {
			return nil, closeFn, err
		}
		gateways = append(gateways, p)
		closeFn = func() { _ = p.Close() }
	}
	return gateways, closeFn, nil
}
