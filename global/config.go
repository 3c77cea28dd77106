package global

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GatewayConfig carries every named limit the gateway reads at startup.
// Values come from the environment with production defaults; nothing is
// re-read after boot.
type GatewayConfig struct {
	GatewayID string
	Port      int
	NodeID    int64

	JWTSecret []byte

	TypingTimeout    time.Duration
	TypingSweepEvery time.Duration

	RateLimitWindow time.Duration
	RateLimitMax    int

	MaxMessageRunes int

	VoiceMaxParticipants int

	HeartbeatInterval     time.Duration
	HeartbeatMissMultiple int
	PresenceGrace         time.Duration

	SendQueueSize int
	FanoutWorkers int
	FanoutQueue   int
	Backpressure  string // drop-oldest | close-slow

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PresenceTTL   time.Duration

	MongoURI      string
	MongoDatabase string

	NatsURL          string
	ServerEventSubj  string
	ServerEventQueue string

	KafkaBrokers []string
	JournalTopic string

	GRPCHealthPort int
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		GatewayID:             "gw-1",
		Port:                  8082,
		NodeID:                100,
		JWTSecret:             []byte("mN9b1f8zPq+W2xjX/45sKcVd0TfyoG+3Hp5Z8q9Rj1o="),
		TypingTimeout:         3 * time.Second,
		TypingSweepEvery:      time.Second,
		RateLimitWindow:       5 * time.Second,
		RateLimitMax:          5,
		MaxMessageRunes:       2000,
		VoiceMaxParticipants:  50,
		HeartbeatInterval:     30 * time.Second,
		HeartbeatMissMultiple: 3,
		PresenceGrace:         10 * time.Second,
		SendQueueSize:         256,
		FanoutWorkers:         8,
		FanoutQueue:           1024,
		Backpressure:          "drop-oldest",
		RedisAddr:             "127.0.0.1:7001",
		RedisPassword:         "password",
		RedisDB:               0,
		PresenceTTL:           90 * time.Second,
		MongoURI:              "mongodb://localhost:27017",
		MongoDatabase:         "agentChat",
		NatsURL:               "",
		ServerEventSubj:       "im.srv.events",
		ServerEventQueue:      "gateway",
		KafkaBrokers:          nil,
		JournalTopic:          "im.events.journal",
		GRPCHealthPort:        50052,
	}
}

// LoadGatewayConfig builds the config from defaults plus GW_* environment
// overrides.
func LoadGatewayConfig() GatewayConfig {
	c := DefaultGatewayConfig()

	envStr(&c.GatewayID, "GW_ID")
	envInt(&c.Port, "GW_PORT")
	envInt64(&c.NodeID, "GW_NODE_ID")
	if v := os.Getenv("GW_JWT_SECRET"); v != "" {
		c.JWTSecret = []byte(v)
	}

	envDur(&c.TypingTimeout, "GW_TYPING_TIMEOUT")
	envDur(&c.TypingSweepEvery, "GW_TYPING_SWEEP")
	envDur(&c.RateLimitWindow, "GW_RATE_WINDOW")
	envInt(&c.RateLimitMax, "GW_RATE_MAX")
	envInt(&c.MaxMessageRunes, "GW_MAX_MESSAGE_RUNES")
	envInt(&c.VoiceMaxParticipants, "GW_VOICE_MAX")
	envDur(&c.HeartbeatInterval, "GW_HEARTBEAT_INTERVAL")
	envInt(&c.HeartbeatMissMultiple, "GW_HEARTBEAT_MISSES")
	envDur(&c.PresenceGrace, "GW_PRESENCE_GRACE")
	envInt(&c.SendQueueSize, "GW_SEND_QUEUE")
	envInt(&c.FanoutWorkers, "GW_FANOUT_WORKERS")
	envInt(&c.FanoutQueue, "GW_FANOUT_QUEUE")
	envStr(&c.Backpressure, "GW_BACKPRESSURE")

	envStr(&c.RedisAddr, "GW_REDIS_ADDR")
	envStr(&c.RedisPassword, "GW_REDIS_PASSWORD")
	envInt(&c.RedisDB, "GW_REDIS_DB")
	envDur(&c.PresenceTTL, "GW_PRESENCE_TTL")

	envStr(&c.MongoURI, "GW_MONGO_URI")
	envStr(&c.MongoDatabase, "GW_MONGO_DB")

	envStr(&c.NatsURL, "GW_NATS_URL")
	envStr(&c.ServerEventSubj, "GW_SRV_EVENT_SUBJECT")
	envStr(&c.ServerEventQueue, "GW_SRV_EVENT_QUEUE")

	if v := os.Getenv("GW_KAFKA_BROKERS"); v != "" {
		parts := strings.Split(v, ",")
		brokers := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				brokers = append(brokers, p)
			}
		}
		c.KafkaBrokers = brokers
	}
	envStr(&c.JournalTopic, "GW_JOURNAL_TOPIC")
	envInt(&c.GRPCHealthPort, "GW_GRPC_HEALTH_PORT")

	return c
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envDur(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
}
