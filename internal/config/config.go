package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/document-delivery/internal/retry"
	"github.com/example/document-delivery/internal/util"
)

const maxAlertRecipients = 20

// Config captures all runtime configuration for the document delivery
// service.
type Config struct {
	App       AppConfig
	HTTP      HTTPConfig
	Kafka     KafkaConfig
	Topics    TopicConfig
	Cache     CacheConfig
	Scheduler SchedulerConfig
	Retry     RetryConfig
	Token     TokenConfig
	Providers ProviderConfig
	Alert     AlertConfig
	Store     StoreConfig
	Render    RenderConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	LogLevel string
}

// HTTPConfig controls the artifact retrieval API.
type HTTPConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// PublicDownload allows GET /download?ref= without a signed token.
	PublicDownload   bool
	DownloadsPerMin  int
	TrustedProxies   []string
	AdminToken       string
	MaxRequestBodyKB int
}

// KafkaConfig defines broker information. The consumer and publishers are
// only started when Enabled is set.
type KafkaConfig struct {
	Enabled           bool
	Brokers           []string
	ClientID          string
	ConsumerGroup     string
	MsgMaxBytes       int
	WorkerConcurrency int
}

// TopicConfig enumerates the topics the service reads and writes.
type TopicConfig struct {
	Payments string
	Status   string
	DLQ      string
	Alerts   string
}

// CacheConfig bounds the content cache.
type CacheConfig struct {
	MaxEntries    int
	MaxBytes      int64
	TTL           time.Duration
	SweepInterval time.Duration
}

// SchedulerConfig bounds concurrent generation work.
type SchedulerConfig struct {
	MaxConcurrentOperations int
	MaxQueueSize            int
	QueueTimeout            time.Duration
	OperationTimeout        time.Duration
	MemoryCheckInterval     time.Duration
	MemoryHighWaterMB       int
}

// PolicyConfig is a retry policy read from the environment.
type PolicyConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	Jitter            bool
}

// Policy converts the configuration into a retry policy.
func (p PolicyConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts:       p.MaxAttempts,
		InitialDelay:      p.InitialDelay,
		BackoffMultiplier: p.BackoffMultiplier,
		MaxDelay:          p.MaxDelay,
		Jitter:            p.Jitter,
	}
}

// RetryConfig holds one policy per retried operation.
type RetryConfig struct {
	Render   PolicyConfig
	Delivery PolicyConfig
	Fallback PolicyConfig
}

// TokenConfig configures signed download links.
type TokenConfig struct {
	Secret          string
	BaseURL         string
	DefaultExpiry   time.Duration
	MaxExpiry       time.Duration
	MaxDownloads    int
	RateLimitBurst  int
	RateLimitWindow time.Duration
	CleanupInterval time.Duration
}

// SMTPConfig stores SMTP credentials for operator alert email.
type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

// TwilioConfig stores Twilio credentials for WhatsApp delivery.
type TwilioConfig struct {
	AccountSID  string
	AuthToken   string
	PhoneNumber string
	BaseURL     string
}

// ProviderConfig wraps configuration for external providers.
type ProviderConfig struct {
	WhatsAppProvider string
	EmailProvider    string
	Timeout          time.Duration
	SMTP             SMTPConfig
	Twilio           TwilioConfig
}

// AlertConfig controls operator notification fan-out.
type AlertConfig struct {
	EmailRecipients []string
	KafkaEnabled    bool
	Timeout         time.Duration
}

// StoreConfig locates the transaction database.
type StoreConfig struct {
	Path    string
	Timeout time.Duration
}

// RenderConfig locates the template catalogue. Empty uses the built-in one.
type RenderConfig struct {
	CataloguePath string
}

// Load reads environment variables, applies defaults, validates required
// values and returns a populated Config instance.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.HTTP.Port = ldr.getInt("HTTP_PORT", 8080, false)
	cfg.HTTP.ReadTimeout = ldr.getDuration("HTTP_READ_TIMEOUT", 10*time.Second)
	cfg.HTTP.WriteTimeout = ldr.getDuration("HTTP_WRITE_TIMEOUT", 30*time.Second)
	cfg.HTTP.ShutdownTimeout = ldr.getDuration("HTTP_SHUTDOWN_TIMEOUT", 15*time.Second)
	cfg.HTTP.PublicDownload = ldr.getBool("HTTP_PUBLIC_DOWNLOAD", false, false)
	cfg.HTTP.DownloadsPerMin = ldr.getInt("HTTP_DOWNLOADS_PER_MINUTE", 30, false)
	cfg.HTTP.TrustedProxies = ldr.getStringSlice("HTTP_TRUSTED_PROXIES", false)
	cfg.HTTP.AdminToken = ldr.getString("HTTP_ADMIN_TOKEN", "", false)
	cfg.HTTP.MaxRequestBodyKB = ldr.getInt("HTTP_MAX_REQUEST_BODY_KB", 64, false)

	cfg.Kafka.Enabled = ldr.getBool("KAFKA_ENABLED", false, false)
	cfg.Kafka.Brokers = ldr.getStringSlice("KAFKA_BROKERS", cfg.Kafka.Enabled)
	cfg.Kafka.ClientID = ldr.getString("KAFKA_CLIENT_ID", "document-delivery", false)
	cfg.Kafka.ConsumerGroup = ldr.getString("KAFKA_CONSUMER_GROUP", "document-delivery", false)
	cfg.Kafka.MsgMaxBytes = ldr.getInt("KAFKA_MSG_MAX_BYTES", 200000, false)
	cfg.Kafka.WorkerConcurrency = ldr.getInt("KAFKA_WORKER_CONCURRENCY", 8, false)
	if cfg.Kafka.WorkerConcurrency < 1 {
		ldr.addError("KAFKA_WORKER_CONCURRENCY must be >= 1")
	}

	cfg.Topics.Payments = ldr.getString("KAFKA_PAYMENTS_TOPIC", "payments.confirmed", false)
	cfg.Topics.Status = ldr.getString("KAFKA_STATUS_TOPIC", "documents.status", false)
	cfg.Topics.DLQ = ldr.getString("KAFKA_DLQ_TOPIC", "documents.dlq", false)
	cfg.Topics.Alerts = ldr.getString("KAFKA_ALERTS_TOPIC", "documents.alerts", false)

	cfg.Cache.MaxEntries = ldr.getInt("CACHE_MAX_ENTRIES", 1000, false)
	cfg.Cache.MaxBytes = int64(ldr.getInt("CACHE_MAX_MB", 256, false)) << 20
	cfg.Cache.TTL = ldr.getDuration("CACHE_TTL", 24*time.Hour)
	cfg.Cache.SweepInterval = ldr.getDuration("CACHE_SWEEP_INTERVAL", 5*time.Minute)

	cfg.Scheduler.MaxConcurrentOperations = ldr.getInt("SCHEDULER_MAX_CONCURRENT", 4, false)
	cfg.Scheduler.MaxQueueSize = ldr.getInt("SCHEDULER_MAX_QUEUE", 100, false)
	cfg.Scheduler.QueueTimeout = ldr.getDuration("SCHEDULER_QUEUE_TIMEOUT", 30*time.Second)
	cfg.Scheduler.OperationTimeout = ldr.getDuration("SCHEDULER_OPERATION_TIMEOUT", 60*time.Second)
	cfg.Scheduler.MemoryCheckInterval = ldr.getDuration("SCHEDULER_MEMORY_CHECK_INTERVAL", 30*time.Second)
	cfg.Scheduler.MemoryHighWaterMB = ldr.getInt("SCHEDULER_MEMORY_HIGH_WATER_MB", 0, false)

	cfg.Retry.Render = ldr.getPolicy("RENDER", PolicyConfig{MaxAttempts: 3, InitialDelay: 500 * time.Millisecond, BackoffMultiplier: 2, MaxDelay: 5 * time.Second})
	cfg.Retry.Delivery = ldr.getPolicy("DELIVERY", PolicyConfig{MaxAttempts: 3, InitialDelay: time.Second, BackoffMultiplier: 2, MaxDelay: 30 * time.Second})
	cfg.Retry.Fallback = ldr.getPolicy("FALLBACK", PolicyConfig{MaxAttempts: 2, InitialDelay: time.Second, BackoffMultiplier: 2, MaxDelay: 10 * time.Second})

	cfg.Token.Secret = ldr.getString("TOKEN_SECRET", "", true)
	if cfg.Token.Secret != "" && len(cfg.Token.Secret) < 32 {
		ldr.addError("TOKEN_SECRET must be at least 32 bytes")
	}
	cfg.Token.BaseURL = ldr.getBaseURL("TOKEN_BASE_URL", "http://localhost:8080")
	cfg.Token.DefaultExpiry = ldr.getDuration("TOKEN_DEFAULT_EXPIRY", 72*time.Hour)
	cfg.Token.MaxExpiry = ldr.getDuration("TOKEN_MAX_EXPIRY", 30*24*time.Hour)
	if cfg.Token.MaxExpiry < cfg.Token.DefaultExpiry {
		ldr.addError("TOKEN_MAX_EXPIRY must be >= TOKEN_DEFAULT_EXPIRY")
	}
	cfg.Token.MaxDownloads = ldr.getInt("TOKEN_MAX_DOWNLOADS", 5, false)
	cfg.Token.RateLimitBurst = ldr.getInt("TOKEN_RATE_LIMIT_BURST", 10, false)
	cfg.Token.RateLimitWindow = ldr.getDuration("TOKEN_RATE_LIMIT_WINDOW", time.Minute)
	cfg.Token.CleanupInterval = ldr.getDuration("TOKEN_CLEANUP_INTERVAL", 10*time.Minute)

	cfg.Providers.WhatsAppProvider = strings.ToLower(ldr.getString("WHATSAPP_PROVIDER", "mock", false))
	cfg.Providers.EmailProvider = strings.ToLower(ldr.getString("EMAIL_PROVIDER", "mock", false))
	cfg.Providers.Timeout = ldr.getDuration("PROVIDER_TIMEOUT", 30*time.Second)

	smtpRequired := cfg.Providers.EmailProvider == "smtp"
	cfg.Providers.SMTP.Host = ldr.getString("SMTP_HOST", "", smtpRequired)
	cfg.Providers.SMTP.Port = ldr.getInt("SMTP_PORT", 587, false)
	cfg.Providers.SMTP.User = ldr.getString("SMTP_USER", "", false)
	cfg.Providers.SMTP.Pass = ldr.getString("SMTP_PASS", "", false)
	cfg.Providers.SMTP.From = ldr.getString("SMTP_FROM", "", smtpRequired)

	twilioRequired := cfg.Providers.WhatsAppProvider == "twilio"
	cfg.Providers.Twilio.AccountSID = ldr.getString("TWILIO_ACCOUNT_SID", "", twilioRequired)
	cfg.Providers.Twilio.AuthToken = ldr.getString("TWILIO_AUTH_TOKEN", "", twilioRequired)
	cfg.Providers.Twilio.PhoneNumber = ldr.getString("TWILIO_PHONE_NUMBER", "", twilioRequired)
	cfg.Providers.Twilio.BaseURL = ldr.getString("TWILIO_BASE_URL", "", false)

	cfg.Alert.EmailRecipients = ldr.getRecipients("ALERT_EMAIL_RECIPIENTS", maxAlertRecipients)
	cfg.Alert.KafkaEnabled = ldr.getBool("ALERT_KAFKA_ENABLED", cfg.Kafka.Enabled, false)
	cfg.Alert.Timeout = ldr.getDuration("ALERT_TIMEOUT", 10*time.Second)

	cfg.Store.Path = ldr.getString("STORE_PATH", "data/transactions.db", false)
	cfg.Store.Timeout = ldr.getDuration("STORE_OPEN_TIMEOUT", 5*time.Second)

	cfg.Render.CataloguePath = ldr.getString("RENDER_CATALOGUE_PATH", "", false)

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) lookup(key string, required bool) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val != "" {
			return val, true
		}
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return "", false
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := l.lookup(key, required); ok {
		return val
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid integer", key))
		return def
	}
	return i
}

func (l *envLoader) getFloat(key string, def float64) float64 {
	val, ok := l.lookup(key, false)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid number", key))
		return def
	}
	return f
}

func (l *envLoader) getBool(key string, def bool, required bool) bool {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid boolean", key))
		return def
	}
	return parsed
}

func (l *envLoader) getDuration(key string, def time.Duration) time.Duration {
	val, ok := l.lookup(key, false)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid duration", key))
		return def
	}
	if d < 0 {
		l.addError(fmt.Sprintf("%s cannot be negative", key))
		return def
	}
	return d
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		if required {
			return nil
		}
		return []string{}
	}
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

// getPolicy reads <PREFIX>_RETRY_* variables on top of def.
func (l *envLoader) getPolicy(prefix string, def PolicyConfig) PolicyConfig {
	p := PolicyConfig{
		MaxAttempts:       l.getInt(prefix+"_RETRY_MAX_ATTEMPTS", def.MaxAttempts, false),
		InitialDelay:      l.getDuration(prefix+"_RETRY_INITIAL_DELAY", def.InitialDelay),
		BackoffMultiplier: l.getFloat(prefix+"_RETRY_BACKOFF_MULTIPLIER", def.BackoffMultiplier),
		MaxDelay:          l.getDuration(prefix+"_RETRY_MAX_DELAY", def.MaxDelay),
		Jitter:            l.getBool(prefix+"_RETRY_JITTER", def.Jitter, false),
	}
	if err := p.Policy().Validate(); err != nil {
		l.addError(fmt.Sprintf("%s retry policy: %v", strings.ToLower(prefix), err))
	}
	return p
}

// getBaseURL reads an absolute http(s) URL. A trailing slash is dropped so
// paths can be appended directly.
func (l *envLoader) getBaseURL(key, def string) string {
	raw := l.getString(key, def, false)
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		l.addError(fmt.Sprintf("%s must be an absolute http or https URL", key))
		return raw
	}
	return strings.TrimSuffix(raw, "/")
}

// getRecipients reads a comma separated address list, lowercasing each entry.
func (l *envLoader) getRecipients(key string, limit int) []string {
	values := l.getStringSlice(key, false)
	if len(values) > limit {
		l.addError(fmt.Sprintf("%s accepts at most %d addresses", key, limit))
		return nil
	}
	var out []string
	for _, v := range values {
		addr, err := util.NormalizeEmail(v)
		if err != nil {
			l.addError(fmt.Sprintf("%s: %v", key, err))
			return nil
		}
		out = append(out, addr)
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
