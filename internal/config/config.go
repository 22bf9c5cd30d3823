// Package config loads process defaults from the environment and the planet registry.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/seasonpass/tracker/internal/queue"
)

var ErrInvalidConfig = errors.New("config: invalid config")

// Env carries the defaults shared by every binary. Flags override them.
type Env struct {
	LogLevel string `env:"SEASONPASS_LOG_LEVEL" envDefault:"info"`

	PostgresDSN string `env:"SEASONPASS_POSTGRES_DSN"`
	StoreDriver string `env:"SEASONPASS_STORE_DRIVER" envDefault:"postgres"`

	QueueDriver  string   `env:"SEASONPASS_QUEUE_DRIVER" envDefault:"kafka"`
	QueueBrokers []string `env:"SEASONPASS_QUEUE_BROKERS" envSeparator:","`
	ClaimsTopic  string   `env:"SEASONPASS_CLAIMS_TOPIC" envDefault:"seasonpass.claims.v1"`
	RescanTopic  string   `env:"SEASONPASS_RESCAN_TOPIC" envDefault:"seasonpass.rescans.v1"`
	DeadTopic    string   `env:"SEASONPASS_DEAD_LETTER_TOPIC" envDefault:"seasonpass.deadletter.v1"`

	QueueKafkaTLS    bool   `env:"SEASONPASS_QUEUE_KAFKA_TLS"`
	QueueStartOffset string `env:"SEASONPASS_QUEUE_START_OFFSET" envDefault:"first"`

	PlanetsFile string `env:"SEASONPASS_PLANETS_FILE" envDefault:"planets.yaml"`

	// Secret references accept secret://<id>, env://<NAME> or a literal value.
	SignerKeyRef   string `env:"SEASONPASS_SIGNER_KEY"`
	SignerKMSKeyID string `env:"SEASONPASS_SIGNER_KMS_KEY_ID"`
	ChainJWTRef    string `env:"SEASONPASS_CHAIN_JWT_SECRET"`
	APITokenRef    string `env:"SEASONPASS_API_TOKEN"`

	DeadLetterBucket string `env:"SEASONPASS_DEAD_LETTER_BUCKET"`
	DeadLetterPrefix string `env:"SEASONPASS_DEAD_LETTER_PREFIX" envDefault:"deadletter"`

	ChainTimeout time.Duration `env:"SEASONPASS_CHAIN_TIMEOUT" envDefault:"10s"`
}

// Load reads the given dotenv files, or .env when none are given, then parses Env.
// Missing dotenv files are ignored and variables already set take precedence.
func Load(files ...string) (Env, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Env{}, fmt.Errorf("config: load dotenv: %w", err)
	}
	e, err := env.ParseAs[Env]()
	if err != nil {
		return Env{}, fmt.Errorf("%w: parse env: %v", ErrInvalidConfig, err)
	}
	return e, nil
}

// NewLogger returns a text logger writing to w at the named level.
func NewLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("%w: log level %q", ErrInvalidConfig, level)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// Kafka returns the queue driver options carried by the environment.
func (e Env) Kafka() queue.KafkaOptions {
	return queue.KafkaOptions{TLS: e.QueueKafkaTLS, StartOffset: e.QueueStartOffset}
}
