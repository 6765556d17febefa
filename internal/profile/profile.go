package profile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Profile is configuration to start the replies engine.
type Profile struct {
	// Server
	Mode    string // "prod", "dev", or "demo"
	Addr    string
	Port    int
	Version string

	// Durable conversation store
	Driver string // database driver (postgres, sqlite)
	DSN    string

	// Redis (staging, trigger locks, delay queues)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Key prefixes for the transient stores. Kept configurable so several
	// environments can share one redis instance.
	StageTable string
	LockTable  string

	// Queue names per channel plus the human handoff queue.
	WhatsAppQueue string
	SMSQueue      string
	EmailQueue    string
	HandoffQueue  string

	// Batching and processing windows
	BatchWindow        time.Duration // W: delay between first fragment and processor wake
	TTLBuffer          time.Duration // safety margin on stage/lock TTLs
	VisibilityTimeout  time.Duration // queue visibility timeout V
	HeartbeatInterval  time.Duration // H < V/2
	HeartbeatExtension time.Duration // E > H
	AIPollBudget       time.Duration // wall-clock budget for one assistant run
	MaxReceiveCount    int           // redeliveries before dead-letter
	Workers            int           // consumer goroutines per queue

	// AES-256 key for credential secrets at rest.
	SecretKey string

	LogLevel string
}

// IsDev returns true unless running in prod mode.
func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvSeconds reads an integer number of seconds from the environment.
func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return time.Duration(intVal) * time.Second
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.RedisAddr = getEnvOrDefault("REPLIES_REDIS_ADDR", "localhost:6379")
	p.RedisPassword = getEnvOrDefault("REPLIES_REDIS_PASSWORD", "")
	p.RedisDB = getEnvOrDefaultInt("REPLIES_REDIS_DB", 0)

	p.StageTable = getEnvOrDefault("STAGE_TABLE", "stage")
	p.LockTable = getEnvOrDefault("LOCK_TABLE", "trigger-lock")

	p.WhatsAppQueue = getEnvOrDefault("WHATSAPP_QUEUE", "replies-whatsapp")
	p.SMSQueue = getEnvOrDefault("SMS_QUEUE", "replies-sms")
	p.EmailQueue = getEnvOrDefault("EMAIL_QUEUE", "replies-email")
	p.HandoffQueue = getEnvOrDefault("HANDOFF_QUEUE", "replies-handoff")

	p.BatchWindow = getEnvSeconds("BATCH_WINDOW_SECONDS", 10*time.Second)
	p.TTLBuffer = getEnvSeconds("TTL_BUFFER_SECONDS", 60*time.Second)
	p.VisibilityTimeout = getEnvSeconds("VISIBILITY_TIMEOUT_SECONDS", 15*time.Minute)
	p.HeartbeatInterval = getEnvSeconds("HEARTBEAT_INTERVAL", 5*time.Minute)
	p.HeartbeatExtension = getEnvSeconds("HEARTBEAT_EXTENSION", 10*time.Minute)
	p.AIPollBudget = getEnvSeconds("AI_POLL_BUDGET", 9*time.Minute)
	p.MaxReceiveCount = getEnvOrDefaultInt("MAX_RECEIVE_COUNT", 3)
	p.Workers = getEnvOrDefaultInt("REPLIES_WORKERS", 2)

	p.SecretKey = getEnvOrDefault("REPLIES_SECRET_KEY", "")
	p.LogLevel = getEnvOrDefault("LOG_LEVEL", "INFO")
}

// Validate checks the profile for configuration errors.
func (p *Profile) Validate() error {
	if p.Mode != "prod" && p.Mode != "dev" && p.Mode != "demo" {
		p.Mode = "demo"
	}

	switch p.Driver {
	case "postgres", "sqlite":
	case "":
		return errors.New("database driver is required")
	default:
		return errors.Errorf("unsupported database driver %q", p.Driver)
	}
	if p.DSN == "" {
		return errors.New("database DSN is required")
	}

	if p.RedisAddr == "" {
		return errors.New("redis address is required")
	}
	if len(p.SecretKey) != 32 {
		return errors.New("REPLIES_SECRET_KEY must be exactly 32 bytes")
	}

	if p.BatchWindow <= 0 {
		return errors.New("batch window must be positive")
	}
	if p.HeartbeatInterval <= 0 || p.HeartbeatExtension <= p.HeartbeatInterval {
		return errors.New("heartbeat extension must exceed heartbeat interval")
	}
	if p.HeartbeatInterval >= p.VisibilityTimeout/2 {
		return errors.Errorf("heartbeat interval %s must be below half the visibility timeout %s",
			p.HeartbeatInterval, p.VisibilityTimeout)
	}
	if p.MaxReceiveCount <= 0 {
		p.MaxReceiveCount = 3
	}
	if p.Workers <= 0 {
		p.Workers = 2
	}

	switch strings.ToUpper(p.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("unknown log level %q", p.LogLevel)
	}
	return nil
}

// StageTTL is the lifetime of staged fragments and trigger locks. It must
// outlive the last possible redelivery of a failed trigger, or the fragments
// would be gone when the queue hands the trigger back and the batch would be
// lost without a reply.
func (p *Profile) StageTTL() time.Duration {
	return p.BatchWindow + time.Duration(p.MaxReceiveCount)*p.VisibilityTimeout + p.TTLBuffer
}

// StealThreshold is how stale a processing lease's updated_at must be before
// another processor may take it over. Bounded by the queue visibility window:
// a live holder always refreshes updated_at at commit or release well within it.
func (p *Profile) StealThreshold() time.Duration {
	return p.VisibilityTimeout + p.HeartbeatExtension
}

// QueueForChannel maps a channel name to its configured queue.
func (p *Profile) QueueForChannel(channel string) (string, bool) {
	switch channel {
	case "whatsapp":
		return p.WhatsAppQueue, true
	case "sms":
		return p.SMSQueue, true
	case "email":
		return p.EmailQueue, true
	default:
		return "", false
	}
}
