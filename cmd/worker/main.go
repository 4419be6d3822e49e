// Worker consumes SMS dispatch requests from Kafka and delivers them through SMS Local.
// Set KAFKA_BROKERS, NOTIFICATION_KAFKA_TOPIC, KAFKA_GROUP_ID and SMS_LOCAL_API_KEY. TOKEN_SECRET is required by config but unused.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"sms-confirmation/internal/config"
	"sms-confirmation/internal/logger"
	"sms-confirmation/internal/notify/kafka"
	"sms-confirmation/internal/notify/sms"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	log := logger.New("sms-dispatch-worker", cfg.LogLevel)
	slog.SetDefault(log)

	if cfg.SMSLocalAPIKey == "" {
		log.Error("worker: SMS_LOCAL_API_KEY is required")
		os.Exit(1)
	}

	client := sms.NewClient(cfg.SMSLocalAPIKey, cfg.SMSLocalBaseURL, cfg.SMSSender)
	consumer, err := kafka.NewConsumer(cfg.KafkaBrokersList(), cfg.NotificationKafkaTopic, cfg.KafkaGroupID, client, log)
	if err != nil {
		log.Error("worker: kafka", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("worker: consuming", "topic", cfg.NotificationKafkaTopic, "group", cfg.KafkaGroupID)
	if err := consumer.Run(ctx); err != nil {
		log.Error("worker: stopped", "error", err)
		return
	}
	log.Info("worker: stopped")
}
