// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/viper"

	"sms-confirmation/internal/confirmable/expiry"
	"sms-confirmation/internal/confirmable/repository"
	"sms-confirmation/internal/confirmable/service"
)

// Notifier names accepted by NOTIFIER.
const (
	NotifierSMSLocal = "smslocal"
	NotifierKafka    = "kafka"
	NotifierDev      = "dev"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN. When empty the server keeps identities in memory.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// TokenSecret keys the confirmation token digests. Required; rotating it invalidates outstanding tokens.
	TokenSecret string `mapstructure:"TOKEN_SECRET"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// IdentityClasses is a comma-separated list of identity classes served (e.g. "user,admin").
	IdentityClasses string `mapstructure:"IDENTITY_CLASSES"`
	// SMSConfirmWithin is the token lifetime ("3d", "72h"); empty means tokens never expire.
	SMSConfirmWithin string `mapstructure:"SMS_CONFIRM_WITHIN"`
	// SMSReconfirmable postpones phone changes until the new phone is confirmed.
	SMSReconfirmable bool `mapstructure:"SMS_RECONFIRMABLE"`
	// SendPhoneChangedNotification also texts the previous phone when a change is postponed.
	SendPhoneChangedNotification bool `mapstructure:"SEND_PHONE_CHANGED_NOTIFICATION"`
	// SMSConfirmationKeys is a comma-separated list of lookup keys for resend (id, phone, pending_phone).
	SMSConfirmationKeys string `mapstructure:"SMS_CONFIRMATION_KEYS"`
	// AllowUnconfirmedAccessFor is how long an unconfirmed identity may still sign in after its token was sent.
	AllowUnconfirmedAccessFor string `mapstructure:"ALLOW_SMS_UNCONFIRMED_ACCESS_FOR"`
	// LegacyDigestLookup accepts stored digests presented as tokens (tokens issued before keyed digests).
	LegacyDigestLookup bool `mapstructure:"LEGACY_DIGEST_LOOKUP"`

	// SMSSender is the optional sender ID put on every message.
	SMSSender string `mapstructure:"SMS_SENDER"`
	// SMSLocalAPIKey is the SMS Local API key; required when NOTIFIER=smslocal.
	SMSLocalAPIKey string `mapstructure:"SMS_LOCAL_API_KEY"`
	// SMSLocalBaseURL is the SMS Local API endpoint.
	SMSLocalBaseURL string `mapstructure:"SMS_LOCAL_BASE_URL"`
	// Notifier selects the gateway: smslocal, kafka or dev.
	Notifier string `mapstructure:"NOTIFIER"`
	// KafkaBrokers is a comma-separated list of Kafka broker addresses; required when NOTIFIER=kafka.
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// NotificationKafkaTopic is the topic SMS dispatch requests are published to.
	NotificationKafkaTopic string `mapstructure:"NOTIFICATION_KAFKA_TOPIC"`
	// KafkaGroupID is the consumer group of the SMS dispatch worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// RedisAddr backs the dev token outbox when set; otherwise the outbox is in memory.
	RedisAddr string `mapstructure:"REDIS_ADDR"`

	// OTLPEndpoint is the OTLP gRPC collector endpoint; empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces a plaintext connection to the collector.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	// OTPReturnToClient enables dev mode: tokens are stored for GET /dev/sms_confirmation/token
	// instead of being texted. Must not be true when Env is production.
	OTPReturnToClient bool `mapstructure:"OTP_RETURN_TO_CLIENT"`

	policies map[string]service.Policy
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("TOKEN_SECRET", "")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("IDENTITY_CLASSES", "user")
	v.SetDefault("SMS_CONFIRM_WITHIN", "")
	v.SetDefault("SMS_RECONFIRMABLE", true)
	v.SetDefault("SEND_PHONE_CHANGED_NOTIFICATION", false)
	v.SetDefault("SMS_CONFIRMATION_KEYS", repository.KeyPhone)
	v.SetDefault("ALLOW_SMS_UNCONFIRMED_ACCESS_FOR", "0s")
	v.SetDefault("LEGACY_DIGEST_LOOKUP", true)
	v.SetDefault("SMS_SENDER", "")
	v.SetDefault("SMS_LOCAL_API_KEY", "")
	v.SetDefault("SMS_LOCAL_BASE_URL", "https://www.smslocal.com/dev/bulkV2")
	v.SetDefault("NOTIFIER", NotifierSMSLocal)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("NOTIFICATION_KAFKA_TOPIC", "sms-notifications")
	v.SetDefault("KAFKA_GROUP_ID", "sms-dispatch-worker")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTP_RETURN_TO_CLIENT", false)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.TokenSecret == "" {
		return nil, errors.New("config: TOKEN_SECRET must be set")
	}
	if cfg.OTPReturnToClient && cfg.Env == "production" {
		return nil, errors.New("config: OTP_RETURN_TO_CLIENT must not be true when APP_ENV=production")
	}
	switch cfg.Notifier {
	case NotifierSMSLocal:
		if cfg.SMSLocalAPIKey == "" && !cfg.OTPReturnToClient {
			return nil, errors.New("config: SMS_LOCAL_API_KEY must be set when NOTIFIER=smslocal")
		}
	case NotifierKafka:
		if len(cfg.KafkaBrokersList()) == 0 {
			return nil, errors.New("config: KAFKA_BROKERS must be set when NOTIFIER=kafka")
		}
	case NotifierDev:
		if cfg.Env == "production" {
			return nil, errors.New("config: NOTIFIER=dev must not be used when APP_ENV=production")
		}
	default:
		return nil, fmt.Errorf("config: NOTIFIER must be smslocal, kafka or dev, got %q", cfg.Notifier)
	}

	classes := cfg.Classes()
	if len(classes) == 0 {
		return nil, errors.New("config: IDENTITY_CLASSES must list at least one class")
	}
	cfg.policies = make(map[string]service.Policy, len(classes))
	for _, class := range classes {
		p, err := cfg.classPolicy(v, class)
		if err != nil {
			return nil, err
		}
		cfg.policies[class] = p
	}

	return &cfg, nil
}

// classPolicy builds the policy for class from the global keys and any <CLASS>_ overrides.
func (c *Config) classPolicy(v *viper.Viper, class string) (service.Policy, error) {
	prefix := strings.ToUpper(class) + "_"
	str := func(key, fallback string) string {
		if v.IsSet(prefix + key) {
			return v.GetString(prefix + key)
		}
		return fallback
	}
	flag := func(key string, fallback bool) bool {
		if v.IsSet(prefix + key) {
			return v.GetBool(prefix + key)
		}
		return fallback
	}

	within, err := expiry.ParseWindow(str("SMS_CONFIRM_WITHIN", c.SMSConfirmWithin))
	if err != nil {
		return service.Policy{}, fmt.Errorf("config: %sSMS_CONFIRM_WITHIN: %w", prefix, err)
	}
	access, err := expiry.ParseWindow(c.AllowUnconfirmedAccessFor)
	if err != nil {
		return service.Policy{}, fmt.Errorf("config: ALLOW_SMS_UNCONFIRMED_ACCESS_FOR: %w", err)
	}
	keys := splitList(str("SMS_CONFIRMATION_KEYS", c.SMSConfirmationKeys))
	for _, k := range keys {
		if !slices.Contains([]string{repository.KeyID, repository.KeyPhone, repository.KeyPendingPhone}, k) {
			return service.Policy{}, fmt.Errorf("config: %sSMS_CONFIRMATION_KEYS: unsupported key %q", prefix, k)
		}
	}

	return service.Policy{
		Class:                        class,
		ConfirmWithin:                within,
		Reconfirmable:                flag("SMS_RECONFIRMABLE", c.SMSReconfirmable),
		SendPhoneChangedNotification: flag("SEND_PHONE_CHANGED_NOTIFICATION", c.SendPhoneChangedNotification),
		ConfirmationKeys:             keys,
		AllowUnconfirmedAccessFor:    access,
		LegacyDigestLookup:           c.LegacyDigestLookup,
		Sender:                       c.SMSSender,
	}, nil
}

// Classes returns the configured identity classes.
func (c *Config) Classes() []string {
	if c == nil {
		return nil
	}
	return splitList(c.IdentityClasses)
}

// Policy returns the confirmation policy for class and whether class is configured.
func (c *Config) Policy(class string) (service.Policy, bool) {
	if c == nil {
		return service.Policy{}, false
	}
	p, ok := c.policies[class]
	return p, ok
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
func (c *Config) KafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.KafkaBrokers)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
